package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("postgres:\n  dsn: host=db\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 5*time.Second, cfg.Processor.StoreTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Processor.StaleAfter)
	assert.Equal(t, []string{"gbp", "eur", "usd"}, cfg.Processor.Currencies)
	assert.Equal(t, 3, cfg.Notifier.Attempts)
	assert.Equal(t, 100, cfg.Outbox.Batch)
}

func TestParse_ReadsSitesAndDurations(t *testing.T) {
	raw := `
processor:
  stale_after: 15m
notifier:
  attempts: 2
  backoff: 250ms
  timeout: 2s
  sites:
    acme:
      url: https://crm.example.com/hook
      token: secret
`
	cfg, err := Parse([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, 15*time.Minute, cfg.Processor.StaleAfter)
	assert.Equal(t, 250*time.Millisecond, cfg.Notifier.Backoff)
	require.Contains(t, cfg.Notifier.Sites, "acme")
	assert.Equal(t, "secret", cfg.Notifier.Sites["acme"].Token)
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("PAYLEDGER_POSTGRES_DSN", "host=override")
	t.Setenv("PAYLEDGER_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("PAYLEDGER_LOG_LEVEL", "debug")

	cfg, err := Parse([]byte("postgres:\n  dsn: host=file\n"))
	require.NoError(t, err)

	assert.Equal(t, "host=override", cfg.Postgres.DSN)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidate_StaleAfterMustCoverNotifier(t *testing.T) {
	raw := `
processor:
  stale_after: 10s
notifier:
  attempts: 3
  timeout: 5s
`
	_, err := Parse([]byte(raw))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stale_after")
}

func TestValidate_StaleAfterCoversEveryStoreCall(t *testing.T) {
	// defaults: 16.5s notifier worst case plus 6 store calls of 5s
	_, err := Parse([]byte("processor:\n  stale_after: 45s\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "46.5s")

	cfg, err := Parse([]byte("processor:\n  stale_after: 47s\n"))
	require.NoError(t, err)
	assert.Equal(t, 46500*time.Millisecond, cfg.ClaimBudget())
}

func TestKnownSites(t *testing.T) {
	raw := `
processor:
  default_site: globex
notifier:
  sites:
    initech: {url: https://initech.example.com/hook}
    acme: {url: https://acme.example.com/hook}
`
	cfg, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, []string{"acme", "globex", "initech"}, cfg.KnownSites())
}

func TestValidate_RejectsBadSitesAndCurrencies(t *testing.T) {
	raw := `
processor:
  currencies: [GBP, euro]
notifier:
  sites:
    acme: {}
`
	_, err := Parse([]byte(raw))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notifier.sites.acme.url")
	assert.Contains(t, err.Error(), `"GBP"`)
	assert.Contains(t, err.Error(), `"euro"`)
}

func TestNotifierWorstCase(t *testing.T) {
	n := NotifierConfig{Attempts: 3, Backoff: time.Second, Timeout: 2 * time.Second}
	// 3 timeouts plus backoff of 1s and 2s between attempts
	assert.Equal(t, 9*time.Second, n.WorstCase())
}

func TestMigrationURL(t *testing.T) {
	assert.Equal(t, "", PostgresConfig{DSN: "host=db"}.MigrationURL())
	assert.Equal(t, "postgres://u@db/p", PostgresConfig{DSN: "postgres://u@db/p"}.MigrationURL())
	assert.Equal(t, "postgres://m@db/p", PostgresConfig{DSN: "host=db", MigrateURL: "postgres://m@db/p"}.MigrationURL())
}
