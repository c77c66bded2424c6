package service

import (
	"context"

	"github.com/richardliu001/payledger/internal/metrics"
	"github.com/richardliu001/payledger/internal/repo"
	"go.uber.org/zap"
)

// OutboxRelay moves enqueued outbox rows onto the message bus.
type OutboxRelay struct {
	repo    repo.RepositoryInterface
	metrics *metrics.Metrics
	log     *zap.SugaredLogger
	batch   int
}

func NewOutboxRelay(r repo.RepositoryInterface, m *metrics.Metrics, logger *zap.SugaredLogger, batch int) *OutboxRelay {
	if batch <= 0 {
		batch = 100
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &OutboxRelay{repo: r, metrics: m, log: logger, batch: batch}
}

// RunOnce publishes one batch and returns how many rows were sent. A row
// that fails to publish stays unprocessed for the next run; delivery is at
// least once.
func (o *OutboxRelay) RunOnce(ctx context.Context) (int, error) {
	events, err := o.repo.PollOutbox(ctx, o.batch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, evt := range events {
		if err := o.repo.PublishEvent(ctx, evt); err != nil {
			o.log.Errorw("publish outbox event", "id", evt.ID, "kind", evt.Kind, "error", err)
			continue
		}
		if err := o.repo.MarkOutboxProcessed(ctx, evt.ID); err != nil {
			o.log.Errorw("mark outbox processed", "id", evt.ID, "error", err)
			continue
		}
		sent++
		o.metrics.OutboxPublished()
		o.log.Debugw("outbox event sent", "id", evt.ID, "kind", evt.Kind, "source_event_id", evt.SourceEventID)
	}
	return sent, nil
}
