package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/richardliu001/payledger/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("record not found")

// RepositoryInterface restricts Repo methods (lets tests wrap single calls)
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB

	ClaimEvent(ctx context.Context, req ClaimRequest) (ClaimResult, error)
	MarkEventSucceeded(ctx context.Context, eventID string, attempt int) error
	MarkEventFailed(ctx context.Context, eventID string, attempt int, cause error) error
	GetEvent(ctx context.Context, eventID string) (*model.EventRecord, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]model.EventRecord, error)
	ExpireStaleClaims(ctx context.Context, cutoff time.Time) (int64, error)
	ReleaseClaim(ctx context.Context, eventID, reason string) error

	RecordPayment(ctx context.Context, in PaymentInput) (*model.Payment, bool, error)
	FindPayment(ctx context.Context, paymentIntentID, checkoutSessionID string) (*model.Payment, error)

	CreateSubmission(ctx context.Context, in SubmissionInput) (*model.Submission, bool, error)
	GetSubmission(ctx context.Context, id string) (*model.Submission, error)
	MarkSubmissionConverted(ctx context.Context, id string) (bool, error)

	EnqueueOutbox(ctx context.Context, evt *model.OutboxEvent) (bool, error)
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id string) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error

	CacheEventSucceeded(ctx context.Context, eventID string) error
	EventCachedSucceeded(ctx context.Context, eventID string) (bool, error)
}

// Options tune store behaviour. Zero values fall back to defaults.
type Options struct {
	StoreTimeout     time.Duration
	StaleAfter       time.Duration
	EventTTL         time.Duration
	RawEventMaxBytes int
	Now              func() time.Time
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
	opts   Options
}

// NewRepository constructs repo. rdb and w may be nil; the cache and the
// publisher then become no-ops.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger, opts Options) *Repository {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	if opts.EventTTL <= 0 {
		opts.EventTTL = 24 * time.Hour
	}
	if opts.RawEventMaxBytes <= 0 {
		opts.RawEventMaxBytes = 64 << 10
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Repository{db: db, rdb: rdb, writer: w, log: logger, opts: opts}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

func (r *Repository) now() time.Time { return r.opts.Now().UTC() }

// storeCtx bounds a single store round trip.
func (r *Repository) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.opts.StoreTimeout)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint") ||
		strings.Contains(message, "sqlstate 23505")
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
