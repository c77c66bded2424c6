package repo

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/richardliu001/payledger/internal/apperr"
	"github.com/richardliu001/payledger/internal/model"
	"gorm.io/gorm"
)

// maxLastError bounds the error text stored on a failed event.
const maxLastError = 1000

var (
	// ErrNotProcessing is returned by ReleaseClaim for events that hold no claim.
	ErrNotProcessing = errors.New("event is not processing")
	// ErrClaimLost is wrapped by the terminal marks when the row was expired,
	// released or taken over since the caller claimed it.
	ErrClaimLost = errors.New("event claim lost")
)

// ClaimOutcome is the result of trying to take an event for processing.
type ClaimOutcome int

const (
	Claimed ClaimOutcome = iota + 1
	AlreadySucceeded
	AlreadyProcessing
)

func (o ClaimOutcome) String() string {
	switch o {
	case Claimed:
		return "claimed"
	case AlreadySucceeded:
		return "already_succeeded"
	case AlreadyProcessing:
		return "already_processing"
	default:
		return "unknown"
	}
}

type ClaimRequest struct {
	EventID    string
	EventType  string
	Livemode   bool
	OccurredAt *time.Time
}

type ClaimResult struct {
	Outcome ClaimOutcome
	Record  *model.EventRecord
	// FirstSeen is true only when this call created the journal row.
	FirstSeen bool
	// Stale is true when the claim was taken over from an expired processing row.
	Stale bool
	// Attempt fences the terminal marks: only the owner of this attempt
	// may move the row out of processing.
	Attempt int
}

// EventFilter selects journal rows for inspection.
type EventFilter struct {
	Status        string
	UpdatedBefore time.Time
	Limit         int
}

// ClaimEvent grants exclusive processing of an event id. A failed row is
// re-claimed, as is a processing row older than StaleAfter; a succeeded row
// is never reopened.
func (r *Repository) ClaimEvent(ctx context.Context, req ClaimRequest) (ClaimResult, error) {
	const op = "journal.claim"
	eventID := strings.TrimSpace(req.EventID)
	if eventID == "" {
		return ClaimResult{}, apperr.Validation(op, "event id is required")
	}
	ctx, cancel := r.storeCtx(ctx)
	defer cancel()

	var occurred *time.Time
	if req.OccurredAt != nil && !req.OccurredAt.IsZero() {
		t := req.OccurredAt.UTC()
		occurred = &t
	}
	row := &model.EventRecord{
		EventID:   eventID,
		Type:      req.EventType,
		Status:    model.EventProcessing,
		Livemode:  req.Livemode,
		Created:   occurred,
		Attempts:  1,
		UpdatedAt: r.now(),
	}

	var reopenedFrom string
	out, err := claimOrFetch(ctx, r.db, row, claimSpec[model.EventRecord]{
		fetch: func(ctx context.Context, db *gorm.DB) (*model.EventRecord, error) {
			return r.findEvent(ctx, db, eventID)
		},
		settled: func(e *model.EventRecord) bool {
			return e.Status == model.EventSucceeded
		},
		reopenable: r.eventReopenable,
		reopen: func(ctx context.Context, db *gorm.DB, e *model.EventRecord) (bool, error) {
			reopenedFrom = e.Status
			return r.reopenEvent(ctx, db, e)
		},
	})
	if err != nil {
		return ClaimResult{}, apperr.Store(op, err)
	}

	switch out.state {
	case claimInserted:
		return ClaimResult{Outcome: Claimed, Record: out.row, FirstSeen: true, Attempt: out.row.Attempts}, nil
	case claimReopened:
		return ClaimResult{
			Outcome: Claimed,
			Record:  out.row,
			Stale:   reopenedFrom == model.EventProcessing,
			Attempt: out.row.Attempts,
		}, nil
	case claimSettled:
		return ClaimResult{Outcome: AlreadySucceeded, Record: out.row}, nil
	default:
		return ClaimResult{Outcome: AlreadyProcessing, Record: out.row}, nil
	}
}

func (r *Repository) eventReopenable(e *model.EventRecord) bool {
	switch e.Status {
	case model.EventFailed:
		return true
	case model.EventProcessing:
		return r.opts.StaleAfter > 0 && e.UpdatedAt.Before(r.now().Add(-r.opts.StaleAfter))
	default:
		return false
	}
}

// reopenEvent moves failed→processing, or expired processing→processing,
// with a conditional update so only one concurrent caller wins.
func (r *Repository) reopenEvent(ctx context.Context, db *gorm.DB, e *model.EventRecord) (bool, error) {
	now := r.now()
	q := db.WithContext(ctx).Model(&model.EventRecord{}).Where("event_id = ? AND attempts = ?", e.EventID, e.Attempts)
	switch e.Status {
	case model.EventFailed:
		q = q.Where("status = ?", model.EventFailed)
	case model.EventProcessing:
		q = q.Where("status = ? AND updated_at < ?", model.EventProcessing, now.Add(-r.opts.StaleAfter))
	default:
		return false, nil
	}
	res := q.Updates(map[string]any{
		"status":       model.EventProcessing,
		"attempts":     e.Attempts + 1,
		"last_error":   nil,
		"processed_at": nil,
		"updated_at":   now,
	})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	if e.Status == model.EventProcessing {
		r.log.Warnw("re-claimed expired processing event",
			"event_id", e.EventID, "held_since", e.UpdatedAt, "attempts", e.Attempts)
	}
	e.Status = model.EventProcessing
	e.Attempts++
	e.LastError = nil
	e.ProcessedAt = nil
	e.UpdatedAt = now
	return true, nil
}

// MarkEventSucceeded is the terminal transition for the owner of attempt.
// A row that was expired, released or taken over since then is left alone
// and ErrClaimLost is returned.
func (r *Repository) MarkEventSucceeded(ctx context.Context, eventID string, attempt int) error {
	const op = "journal.mark_succeeded"
	ctx, cancel := r.storeCtx(ctx)
	defer cancel()
	now := r.now()
	res := r.db.WithContext(ctx).Model(&model.EventRecord{}).
		Where("event_id = ? AND status = ? AND attempts = ?", eventID, model.EventProcessing, attempt).
		Updates(map[string]any{
			"status":       model.EventSucceeded,
			"processed_at": now,
			"last_error":   nil,
			"updated_at":   now,
		})
	if res.Error != nil {
		return apperr.Store(op, res.Error)
	}
	if res.RowsAffected == 0 {
		r.log.Warnw("claim lost before marking succeeded", "event_id", eventID, "attempt", attempt)
		return apperr.New(apperr.KindAlreadyProcessing, op, ErrClaimLost)
	}
	return nil
}

// MarkEventFailed records cause on the row claimed by attempt, leaving it
// re-claimable. It returns ErrClaimLost when the caller no longer owns it.
func (r *Repository) MarkEventFailed(ctx context.Context, eventID string, attempt int, cause error) error {
	const op = "journal.mark_failed"
	ctx, cancel := r.storeCtx(ctx)
	defer cancel()
	msg := "unknown error"
	if cause != nil {
		msg = truncateError(cause.Error())
	}
	now := r.now()
	res := r.db.WithContext(ctx).Model(&model.EventRecord{}).
		Where("event_id = ? AND status = ? AND attempts = ?", eventID, model.EventProcessing, attempt).
		Updates(map[string]any{
			"status":       model.EventFailed,
			"processed_at": now,
			"last_error":   msg,
			"updated_at":   now,
		})
	if res.Error != nil {
		return apperr.Store(op, res.Error)
	}
	if res.RowsAffected == 0 {
		r.log.Warnw("claim lost before marking failed", "event_id", eventID, "attempt", attempt)
		return apperr.New(apperr.KindAlreadyProcessing, op, ErrClaimLost)
	}
	return nil
}

func (r *Repository) GetEvent(ctx context.Context, eventID string) (*model.EventRecord, error) {
	ctx, cancel := r.storeCtx(ctx)
	defer cancel()
	e, err := r.findEvent(ctx, r.db, eventID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperr.Store("journal.get", err)
	}
	return e, nil
}

// ListEvents returns journal rows oldest first.
func (r *Repository) ListEvents(ctx context.Context, filter EventFilter) ([]model.EventRecord, error) {
	ctx, cancel := r.storeCtx(ctx)
	defer cancel()
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := r.db.WithContext(ctx).Model(&model.EventRecord{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if !filter.UpdatedBefore.IsZero() {
		q = q.Where("updated_at < ?", filter.UpdatedBefore.UTC())
	}
	var rows []model.EventRecord
	if err := q.Order("updated_at asc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, apperr.Store("journal.list", err)
	}
	return rows, nil
}

// ExpireStaleClaims fails every processing row last touched before cutoff.
func (r *Repository) ExpireStaleClaims(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := r.storeCtx(ctx)
	defer cancel()
	now := r.now()
	res := r.db.WithContext(ctx).Model(&model.EventRecord{}).
		Where("status = ? AND updated_at < ?", model.EventProcessing, cutoff.UTC()).
		Updates(map[string]any{
			"status":       model.EventFailed,
			"processed_at": now,
			"last_error":   "claim expired",
			"updated_at":   now,
		})
	if res.Error != nil {
		return 0, apperr.Store("journal.expire", res.Error)
	}
	return res.RowsAffected, nil
}

// ReleaseClaim is the manual repair for a stuck processing row.
func (r *Repository) ReleaseClaim(ctx context.Context, eventID, reason string) error {
	if strings.TrimSpace(reason) == "" {
		reason = "released by operator"
	}
	ctx, cancel := r.storeCtx(ctx)
	defer cancel()
	now := r.now()
	res := r.db.WithContext(ctx).Model(&model.EventRecord{}).
		Where("event_id = ? AND status = ?", eventID, model.EventProcessing).
		Updates(map[string]any{
			"status":       model.EventFailed,
			"processed_at": now,
			"last_error":   truncateError(reason),
			"updated_at":   now,
		})
	if res.Error != nil {
		return apperr.Store("journal.release", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetEvent(ctx, eventID); err != nil {
			return err
		}
		return ErrNotProcessing
	}
	return nil
}

func (r *Repository) findEvent(ctx context.Context, db *gorm.DB, eventID string) (*model.EventRecord, error) {
	var e model.EventRecord
	if err := db.WithContext(ctx).Where("event_id = ?", eventID).First(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

// truncateError cuts msg to maxLastError bytes on a rune boundary.
func truncateError(msg string) string {
	if len(msg) <= maxLastError {
		return msg
	}
	cut := maxLastError
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
