package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Processor ProcessorConfig `yaml:"processor"`
	Notifier  NotifierConfig  `yaml:"notifier"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Outbox    OutboxConfig    `yaml:"outbox"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
	// MigrateURL is the postgres:// URL golang-migrate needs when DSN is in
	// key=value form.
	MigrateURL string `yaml:"migrate_url"`
}

// MigrationURL returns MigrateURL, or DSN when it is already a URL.
func (p PostgresConfig) MigrationURL() string {
	if p.MigrateURL != "" {
		return p.MigrateURL
	}
	if strings.HasPrefix(p.DSN, "postgres://") || strings.HasPrefix(p.DSN, "postgresql://") {
		return p.DSN
	}
	return ""
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	EventTTL time.Duration `yaml:"event_ttl"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// ProcessorConfig is handed to the event processor as a read-only value.
type ProcessorConfig struct {
	StoreTimeout     time.Duration `yaml:"store_timeout"`
	StaleAfter       time.Duration `yaml:"stale_after"`
	DefaultSite      string        `yaml:"default_site"`
	Currencies       []string      `yaml:"currencies"`
	RawEventMaxBytes int           `yaml:"raw_event_max_bytes"`
}

// NotifierConfig lists per-site downstream targets. Sites without an
// entry are never notified.
type NotifierConfig struct {
	Attempts int                   `yaml:"attempts"`
	Backoff  time.Duration         `yaml:"backoff"`
	Timeout  time.Duration         `yaml:"timeout"`
	Sites    map[string]SiteTarget `yaml:"sites"`
}

type SiteTarget struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

type SweeperConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type OutboxConfig struct {
	Interval time.Duration `yaml:"interval"`
	Batch    int           `yaml:"batch"`
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes yaml, applies environment overrides and defaults, then validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if dsn := os.Getenv("PAYLEDGER_POSTGRES_DSN"); dsn != "" {
		c.Postgres.DSN = dsn
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		c.Postgres.DSN = c.Postgres.DSN + " password=" + pw
	}
	if u := os.Getenv("PAYLEDGER_MIGRATE_URL"); u != "" {
		c.Postgres.MigrateURL = u
	}
	if addr := os.Getenv("PAYLEDGER_REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if brokers := os.Getenv("PAYLEDGER_KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = strings.Split(brokers, ",")
	}
	if lvl := os.Getenv("PAYLEDGER_LOG_LEVEL"); lvl != "" {
		c.Log.Level = lvl
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Redis.EventTTL == 0 {
		c.Redis.EventTTL = 24 * time.Hour
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "payledger.events"
	}
	if c.RateLimit.RPS == 0 {
		c.RateLimit.RPS = 50
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 100
	}
	c.Processor = c.Processor.WithDefaults()
	c.Notifier = c.Notifier.WithDefaults()
	if c.Sweeper.Interval == 0 {
		c.Sweeper.Interval = time.Minute
	}
	if c.Outbox.Interval == 0 {
		c.Outbox.Interval = time.Second
	}
	if c.Outbox.Batch == 0 {
		c.Outbox.Batch = 100
	}
}

// WithDefaults fills unset processor fields.
func (p ProcessorConfig) WithDefaults() ProcessorConfig {
	if p.StoreTimeout == 0 {
		p.StoreTimeout = 5 * time.Second
	}
	if p.StaleAfter == 0 {
		p.StaleAfter = 10 * time.Minute
	}
	if len(p.Currencies) == 0 {
		p.Currencies = []string{"gbp", "eur", "usd"}
	}
	if p.RawEventMaxBytes == 0 {
		p.RawEventMaxBytes = 64 << 10
	}
	return p
}

// WithDefaults fills unset notifier fields.
func (n NotifierConfig) WithDefaults() NotifierConfig {
	if n.Attempts == 0 {
		n.Attempts = 3
	}
	if n.Backoff == 0 {
		n.Backoff = 500 * time.Millisecond
	}
	if n.Timeout == 0 {
		n.Timeout = 5 * time.Second
	}
	return n
}

// WorstCase is the longest a single Notify call can block.
func (n NotifierConfig) WorstCase() time.Duration {
	total := time.Duration(n.Attempts) * n.Timeout
	for i := 1; i < n.Attempts; i++ {
		total += time.Duration(i) * n.Backoff
	}
	return total
}

// StoreCallsPerEvent bounds the journal and ledger round trips one claim
// owner makes: claim, site lookup, ledger write, submission conversion,
// outbox enqueue and the terminal mark.
const StoreCallsPerEvent = 6

// ClaimBudget is the longest an owner can legitimately hold a claim.
func (c *Config) ClaimBudget() time.Duration {
	return c.Notifier.WorstCase() + StoreCallsPerEvent*c.Processor.StoreTimeout
}

// KnownSites lists the tenants named in configuration, sorted.
func (c *Config) KnownSites() []string {
	sites := make([]string, 0, len(c.Notifier.Sites)+1)
	for site := range c.Notifier.Sites {
		sites = append(sites, site)
	}
	if d := c.Processor.DefaultSite; d != "" && !slices.Contains(sites, d) {
		sites = append(sites, d)
	}
	slices.Sort(sites)
	return sites
}

// Validate rejects configurations the processor cannot run safely with.
func (c *Config) Validate() error {
	var errs []error
	if c.Processor.StoreTimeout < 0 {
		errs = append(errs, errors.New("processor.store_timeout must be positive"))
	}
	if c.Notifier.Attempts < 1 {
		errs = append(errs, errors.New("notifier.attempts must be at least 1"))
	}
	// a claim must not look stale while its owner is still working on it
	if budget := c.ClaimBudget(); c.Processor.StaleAfter <= budget {
		errs = append(errs, fmt.Errorf("processor.stale_after (%s) must exceed the notifier worst case plus %d store calls (%s)",
			c.Processor.StaleAfter, StoreCallsPerEvent, budget))
	}
	for site, target := range c.Notifier.Sites {
		if target.URL == "" {
			errs = append(errs, fmt.Errorf("notifier.sites.%s.url is required", site))
		}
	}
	for _, cur := range c.Processor.Currencies {
		if len(cur) != 3 || strings.ToLower(cur) != cur {
			errs = append(errs, fmt.Errorf("processor.currencies: %q is not a lowercase ISO code", cur))
		}
	}
	return errors.Join(errs...)
}
