package service

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/richardliu001/payledger/internal/config"
	"github.com/richardliu001/payledger/internal/model"
	"github.com/richardliu001/payledger/internal/notify"
	"github.com/richardliu001/payledger/internal/repo"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "payledger.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&model.EventRecord{}, &model.Payment{}, &model.Submission{}, &model.OutboxEvent{}))
	return db
}

func newTestRepo(t *testing.T) *repo.Repository {
	t.Helper()
	return repo.NewRepository(openTestDB(t), nil, nil, zap.NewNop().Sugar(), repo.Options{StaleAfter: 10 * time.Minute})
}

// countingRepo wraps a repository so tests can count or fail single calls.
type countingRepo struct {
	repo.RepositoryInterface
	recordCalls int32
	claimCalls  int32
	cacheWrites int32
	cached      bool
	// recordErr, when set, is returned by the next RecordPayment call only.
	recordErr  error
	beforeSave func()
	mu         sync.Mutex
}

func (c *countingRepo) RecordPayment(ctx context.Context, in repo.PaymentInput) (*model.Payment, bool, error) {
	atomic.AddInt32(&c.recordCalls, 1)
	c.mu.Lock()
	err, hook := c.recordErr, c.beforeSave
	c.recordErr = nil
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, false, err
	}
	return c.RepositoryInterface.RecordPayment(ctx, in)
}

func (c *countingRepo) ClaimEvent(ctx context.Context, req repo.ClaimRequest) (repo.ClaimResult, error) {
	atomic.AddInt32(&c.claimCalls, 1)
	return c.RepositoryInterface.ClaimEvent(ctx, req)
}

func (c *countingRepo) EventCachedSucceeded(ctx context.Context, eventID string) (bool, error) {
	if c.cached {
		return true, nil
	}
	return c.RepositoryInterface.EventCachedSucceeded(ctx, eventID)
}

func (c *countingRepo) CacheEventSucceeded(ctx context.Context, eventID string) error {
	atomic.AddInt32(&c.cacheWrites, 1)
	return c.RepositoryInterface.CacheEventSucceeded(ctx, eventID)
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []notify.Notification
	// onNotify runs after the notification is recorded.
	onNotify func()
	// ctxErr is the context error seen by the last Notify call.
	ctxErr error
}

func (f *fakeNotifier) Notify(ctx context.Context, note notify.Notification) {
	f.mu.Lock()
	f.notes = append(f.notes, note)
	hook := f.onNotify
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	f.mu.Lock()
	f.ctxErr = ctx.Err()
	f.mu.Unlock()
}

func (f *fakeNotifier) sent() []notify.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Notification(nil), f.notes...)
}

func testProcessorConfig() config.ProcessorConfig {
	return config.ProcessorConfig{StoreTimeout: 2 * time.Second}
}

func newTestProcessor(t *testing.T, r repo.RepositoryInterface) (*EventProcessor, *fakeNotifier) {
	t.Helper()
	n := &fakeNotifier{}
	return NewEventProcessor(r, n, nil, testProcessorConfig(), zap.NewNop().Sugar()), n
}

func objectJSON(t *testing.T, obj map[string]any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(obj)
	require.NoError(t, err)
	return b
}

func intentEvent(t *testing.T, id, typ string, obj map[string]any) Event {
	return Event{
		ID:      id,
		Type:    typ,
		Created: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Unix(),
		Data:    EventData{Object: objectJSON(t, obj)},
	}
}

func seedSubmission(t *testing.T, db *gorm.DB, id, site, status string) {
	t.Helper()
	require.NoError(t, db.Create(&model.Submission{
		ID:       id,
		Site:     site,
		FormSlug: "checkout",
		Status:   status,
		Payload:  "{}",
	}).Error)
}

func countRows(t *testing.T, db *gorm.DB, m any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(m).Count(&n).Error)
	return n
}
