package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/richardliu001/payledger/internal/apperr"
	"github.com/richardliu001/payledger/internal/model"
	"github.com/segmentio/kafka-go"
	"gorm.io/gorm"
)

// ErrNoPublisher is returned by PublishEvent when no Kafka writer is configured.
var ErrNoPublisher = errors.New("kafka writer not configured")

// EnqueueOutbox writes evt unless one already exists for the same source
// event and kind. It reports whether a row was inserted.
func (r *Repository) EnqueueOutbox(ctx context.Context, evt *model.OutboxEvent) (bool, error) {
	ctx, cancel := r.storeCtx(ctx)
	defer cancel()
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	out, err := claimOrFetch(ctx, r.db, evt, claimSpec[model.OutboxEvent]{
		fetch: func(ctx context.Context, db *gorm.DB) (*model.OutboxEvent, error) {
			var existing model.OutboxEvent
			err := db.WithContext(ctx).
				Where("source_event_id = ? AND kind = ?", evt.SourceEventID, evt.Kind).
				First(&existing).Error
			return &existing, err
		},
	})
	if err != nil {
		return false, apperr.Store("outbox.enqueue", err)
	}
	return out.state == claimInserted, nil
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	ctx, cancel := r.storeCtx(ctx)
	defer cancel()
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed = ?", false).Order("created_at").Limit(limit).Find(&evts).Error
	return evts, apperr.Store("outbox.poll", err)
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id string) error {
	ctx, cancel := r.storeCtx(ctx)
	defer cancel()
	now := r.now()
	err := r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]any{"processed": true, "processed_at": &now}).Error
	return apperr.Store("outbox.mark", err)
}

// PublishEvent sends to Kafka, keyed by aggregate so one payment's
// messages stay ordered.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	if r.writer == nil {
		return ErrNoPublisher
	}
	msg := kafka.Message{
		Key:   []byte(evt.AggregateID),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(evt.Kind)},
			{Key: "site", Value: []byte(evt.Site)},
			{Key: "source_event_id", Value: []byte(evt.SourceEventID)},
		},
	}
	return r.writer.WriteMessages(ctx, msg)
}
