package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/richardliu001/payledger/internal/apperr"
	"github.com/richardliu001/payledger/internal/config"
	"github.com/richardliu001/payledger/internal/metrics"
	"github.com/richardliu001/payledger/internal/model"
	"github.com/richardliu001/payledger/internal/notify"
	"github.com/richardliu001/payledger/internal/repo"
	"go.uber.org/zap"
)

// Event types with business writes. Anything else is acknowledged as is.
const (
	TypePaymentIntentSucceeded      = "payment_intent.succeeded"
	TypePaymentIntentPaymentFailed  = "payment_intent.payment_failed"
	TypePaymentIntentProcessing     = "payment_intent.processing"
	TypePaymentIntentRequiresAction = "payment_intent.requires_action"
	TypeCheckoutSessionCompleted    = "checkout.session.completed"
	TypeChargeRefunded              = "charge.refunded"
)

// Notifier is the best-effort downstream channel. It never reports failure.
type Notifier interface {
	Notify(ctx context.Context, note notify.Notification)
}

// effects is what a handler asks the processor to do after its ledger write.
type effects struct {
	payment      *model.Payment
	created      bool
	convert      string
	notification bool
}

type eventHandler func(ctx context.Context, evt Event, obj providerObject) (effects, error)

// EventProcessor turns a verified event into its side effects exactly once.
type EventProcessor struct {
	repo       repo.RepositoryInterface
	notifier   Notifier
	metrics    *metrics.Metrics
	cfg        config.ProcessorConfig
	log        *zap.SugaredLogger
	currencies map[string]bool
	handlers   map[string]eventHandler
}

// NewEventProcessor returns EventProcessor. notifier and m may be nil.
func NewEventProcessor(r repo.RepositoryInterface, n Notifier, m *metrics.Metrics, cfg config.ProcessorConfig, logger *zap.SugaredLogger) *EventProcessor {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	p := &EventProcessor{
		repo:       r,
		notifier:   n,
		metrics:    m,
		cfg:        cfg,
		log:        logger,
		currencies: make(map[string]bool, len(cfg.Currencies)),
	}
	for _, c := range cfg.Currencies {
		p.currencies[c] = true
	}
	p.handlers = map[string]eventHandler{
		TypePaymentIntentSucceeded:      p.paymentIntentStatus(model.PaymentSucceeded),
		TypePaymentIntentPaymentFailed:  p.paymentIntentStatus(model.PaymentFailed),
		TypePaymentIntentProcessing:     p.paymentIntentStatus(model.PaymentProcessing),
		TypePaymentIntentRequiresAction: p.paymentIntentStatus(model.PaymentRequiresAction),
		TypeCheckoutSessionCompleted:    p.checkoutSessionCompleted,
		TypeChargeRefunded:              p.chargeRefunded,
	}
	return p
}

// Handle claims evt, performs its writes and records the outcome. Replays of
// a succeeded event return Deduped without touching the ledger. An event
// claimed elsewhere returns an AlreadyProcessing error so the caller can ask
// for redelivery, as does a claim lost to the sweeper or a newer owner before
// completion. Any other failure marks the event failed and is returned
// unchanged. Once the business writes are committed, cancellation of ctx no
// longer affects the outcome.
func (p *EventProcessor) Handle(ctx context.Context, evt Event) (Result, error) {
	const op = "processor.handle"
	evt.ID = strings.TrimSpace(evt.ID)
	evt.Type = strings.TrimSpace(evt.Type)
	if evt.ID == "" || evt.Type == "" {
		return Result{}, apperr.Validation(op, "event id and type are required")
	}
	log := p.log.With("event_id", evt.ID, "event_type", evt.Type)

	if hit, err := p.repo.EventCachedSucceeded(ctx, evt.ID); err != nil {
		log.Warnw("event cache lookup failed", "error", err)
	} else if hit {
		p.metrics.ClaimOutcome("cached")
		return Result{Deduped: true}, nil
	}

	claim, err := p.repo.ClaimEvent(ctx, repo.ClaimRequest{
		EventID:    evt.ID,
		EventType:  evt.Type,
		Livemode:   evt.Livemode,
		OccurredAt: evt.OccurredAt(),
	})
	if err != nil {
		p.metrics.EventResult(p.typeLabel(evt.Type), "claim_error")
		return Result{}, err
	}
	p.metrics.ClaimOutcome(claim.Outcome.String())

	switch claim.Outcome {
	case repo.AlreadySucceeded:
		log.Debugw("event already succeeded")
		p.cacheSucceeded(ctx, evt.ID, log)
		return Result{Deduped: true}, nil
	case repo.AlreadyProcessing:
		log.Infow("event claimed by another worker", "attempts", claim.Record.Attempts)
		return Result{Deduped: true}, apperr.AlreadyProcessing(op, evt.ID)
	}
	if !claim.FirstSeen {
		log.Infow("re-claimed event", "attempts", claim.Record.Attempts, "stale", claim.Stale)
	}

	res, note, err := p.process(ctx, evt, log)
	if err != nil {
		p.markFailed(ctx, evt.ID, claim.Attempt, err, log)
		p.metrics.EventResult(p.typeLabel(evt.Type), "failed")
		return Result{}, err
	}

	// The business writes are committed. A caller that goes away from here on
	// must not turn them into a failed, re-claimable event.
	done := context.WithoutCancel(ctx)
	if note != nil && p.notifier != nil {
		p.notifier.Notify(done, *note)
	}
	if err := p.markSucceeded(done, evt.ID, claim.Attempt); err != nil {
		if errors.Is(err, repo.ErrClaimLost) {
			log.Warnw("claim lost before completion, leaving event to its new owner", "attempt", claim.Attempt)
			p.metrics.EventResult(p.typeLabel(evt.Type), "claim_lost")
			return Result{}, err
		}
		p.markFailed(done, evt.ID, claim.Attempt, err, log)
		p.metrics.EventResult(p.typeLabel(evt.Type), "failed")
		return Result{}, err
	}

	p.cacheSucceeded(done, evt.ID, log)
	p.metrics.EventResult(p.typeLabel(evt.Type), "succeeded")
	log.Infow("event processed", "resource_id", res.ResourceID, "deduped", res.Deduped)
	return res, nil
}

// typeLabel keeps the metric label set to the handled types.
func (p *EventProcessor) typeLabel(eventType string) string {
	if _, ok := p.handlers[eventType]; ok {
		return eventType
	}
	return metrics.OtherLabel
}

// process runs the business writes inside the claim. The notification, if
// any, is returned for the caller to send once the writes have landed.
func (p *EventProcessor) process(ctx context.Context, evt Event, log *zap.SugaredLogger) (Result, *notify.Notification, error) {
	handler, ok := p.handlers[evt.Type]
	if !ok {
		log.Debugw("acknowledging event type without handler")
		return Result{Handled: true}, nil, nil
	}
	obj, err := decodeObject(evt.Data.Object)
	if err != nil {
		return Result{}, nil, err
	}
	fx, err := handler(ctx, evt, obj)
	if err != nil {
		return Result{}, nil, err
	}
	if fx.payment == nil {
		return Result{Handled: true}, nil, nil
	}

	if fx.convert != "" {
		changed, err := p.repo.MarkSubmissionConverted(ctx, fx.convert)
		if err != nil {
			return Result{}, nil, err
		}
		if !changed {
			log.Infow("submission not pending payment, left unchanged", "form_submission_id", fx.convert)
		}
	}

	if err := p.enqueuePaymentMessage(ctx, evt, fx.payment); err != nil {
		return Result{}, nil, err
	}

	res := Result{Handled: true, Deduped: !fx.created, ResourceID: fx.payment.ID}
	if !fx.notification {
		return res, nil, nil
	}
	note := notificationFor(evt, fx.payment)
	return res, &note, nil
}

// markSucceeded gets its own store budget, whatever the notifier used.
func (p *EventProcessor) markSucceeded(ctx context.Context, eventID string, attempt int) error {
	sctx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
	defer cancel()
	return p.repo.MarkEventSucceeded(sctx, eventID, attempt)
}

// markFailed records cause on the journal even when ctx has already expired.
func (p *EventProcessor) markFailed(ctx context.Context, eventID string, attempt int, cause error, log *zap.SugaredLogger) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.StoreTimeout)
	defer cancel()
	if err := p.repo.MarkEventFailed(fctx, eventID, attempt, cause); err != nil {
		log.Errorw("could not mark event failed", "error", err, "cause", cause)
		return
	}
	log.Warnw("event failed", "error", cause, "kind", apperr.KindOf(cause).String())
}

func (p *EventProcessor) cacheSucceeded(ctx context.Context, eventID string, log *zap.SugaredLogger) {
	if err := p.repo.CacheEventSucceeded(ctx, eventID); err != nil {
		log.Warnw("cache succeeded event", "error", err)
	}
}

func (p *EventProcessor) enqueuePaymentMessage(ctx context.Context, evt Event, pay *model.Payment) error {
	payload, err := json.Marshal(map[string]any{
		"payment_id":         pay.ID,
		"site":               pay.Site,
		"status":             pay.Status,
		"amount_cents":       pay.AmountCents,
		"currency":           pay.Currency,
		"form_submission_id": pay.FormSubmissionID,
		"event_id":           evt.ID,
		"event_type":         evt.Type,
	})
	if err != nil {
		return err
	}
	_, err = p.repo.EnqueueOutbox(ctx, &model.OutboxEvent{
		SourceEventID: evt.ID,
		Kind:          "payment." + pay.Status,
		Aggregate:     "Payment",
		AggregateID:   pay.ID,
		Site:          pay.Site,
		Payload:       string(payload),
	})
	return err
}

// paymentIntentStatus records a payment_intent.* event with the given status.
// Only a succeeded intent converts its submission and notifies.
func (p *EventProcessor) paymentIntentStatus(status string) eventHandler {
	return func(ctx context.Context, evt Event, obj providerObject) (effects, error) {
		id, err := obj.requireStr("id")
		if err != nil {
			return effects{}, err
		}
		amount, err := obj.minorUnits("amount")
		if err != nil {
			return effects{}, err
		}
		currency, err := p.currency(obj)
		if err != nil {
			return effects{}, err
		}
		meta := obj.metadata()
		site, err := p.site(ctx, meta)
		if err != nil {
			return effects{}, err
		}
		pay, created, err := p.repo.RecordPayment(ctx, repo.PaymentInput{
			Site:             site,
			FormSubmissionID: meta[metaSubmissionID],
			AmountCents:      amount,
			Currency:         currency,
			Description:      obj.str("description"),
			PaymentIntentID:  id,
			CustomerID:       obj.ref("customer"),
			Status:           status,
			RawEvent:         evt,
		})
		if err != nil {
			return effects{}, err
		}
		fx := effects{payment: pay, created: created}
		if status == model.PaymentSucceeded {
			fx.convert = meta[metaSubmissionID]
			fx.notification = true
		}
		return fx, nil
	}
}

// checkoutSessionCompleted keys the ledger by session id and links the
// payment intent when the session carries one.
func (p *EventProcessor) checkoutSessionCompleted(ctx context.Context, evt Event, obj providerObject) (effects, error) {
	id, err := obj.requireStr("id")
	if err != nil {
		return effects{}, err
	}
	paymentStatus := obj.str("payment_status")
	if paymentStatus == "no_payment_required" {
		return effects{}, nil
	}
	amount, err := obj.minorUnits("amount_total")
	if err != nil {
		return effects{}, err
	}
	currency, err := p.currency(obj)
	if err != nil {
		return effects{}, err
	}
	meta := obj.metadata()
	site, err := p.site(ctx, meta)
	if err != nil {
		return effects{}, err
	}
	status := model.PaymentProcessing
	if paymentStatus == "paid" {
		status = model.PaymentSucceeded
	}
	pay, created, err := p.repo.RecordPayment(ctx, repo.PaymentInput{
		Site:              site,
		FormSubmissionID:  meta[metaSubmissionID],
		AmountCents:       amount,
		Currency:          currency,
		PaymentIntentID:   obj.ref("payment_intent"),
		CheckoutSessionID: id,
		CustomerID:        obj.ref("customer"),
		Status:            status,
		RawEvent:          evt,
	})
	if err != nil {
		return effects{}, err
	}
	fx := effects{payment: pay, created: created}
	if status == model.PaymentSucceeded {
		fx.convert = meta[metaSubmissionID]
		fx.notification = true
	}
	return fx, nil
}

// chargeRefunded marks the intent's payment refunded once the charge is
// fully refunded. Partial refunds are acknowledged without a write.
func (p *EventProcessor) chargeRefunded(ctx context.Context, evt Event, obj providerObject) (effects, error) {
	if !obj.boolean("refunded") {
		return effects{}, nil
	}
	intent := obj.ref("payment_intent")
	if intent == "" {
		return effects{}, apperr.Validation("event.decode", "payment_intent is required on a refunded charge")
	}
	amount, err := obj.minorUnits("amount")
	if err != nil {
		return effects{}, err
	}
	currency, err := p.currency(obj)
	if err != nil {
		return effects{}, err
	}
	meta := obj.metadata()
	site, err := p.site(ctx, meta)
	if err != nil {
		return effects{}, err
	}
	pay, created, err := p.repo.RecordPayment(ctx, repo.PaymentInput{
		Site:            site,
		AmountCents:     amount,
		Currency:        currency,
		PaymentIntentID: intent,
		CustomerID:      obj.ref("customer"),
		Status:          model.PaymentRefunded,
		RawEvent:        evt,
	})
	if err != nil {
		return effects{}, err
	}
	return effects{payment: pay, created: created}, nil
}

func (p *EventProcessor) currency(obj providerObject) (string, error) {
	cur := obj.str("currency")
	if cur == "" {
		return "", apperr.Validation("event.decode", "currency is required")
	}
	if !p.currencies[cur] {
		return "", apperr.Validation("event.decode", "currency %q is not accepted", cur)
	}
	return cur, nil
}

// site resolves the tenant from metadata, then the referenced submission,
// then the configured default.
func (p *EventProcessor) site(ctx context.Context, meta map[string]string) (string, error) {
	if s := meta[metaSite]; s != "" {
		return s, nil
	}
	if id := meta[metaSubmissionID]; id != "" {
		sub, err := p.repo.GetSubmission(ctx, id)
		switch {
		case err == nil:
			return sub.Site, nil
		case !errors.Is(err, repo.ErrNotFound):
			return "", err
		}
	}
	if p.cfg.DefaultSite != "" {
		return p.cfg.DefaultSite, nil
	}
	return "", apperr.Validation("event.decode", "cannot resolve site: no metadata.site and no default site")
}

func notificationFor(evt Event, pay *model.Payment) notify.Notification {
	n := notify.Notification{
		EventID:     evt.ID,
		EventType:   evt.Type,
		Site:        pay.Site,
		PaymentID:   pay.ID,
		AmountCents: pay.AmountCents,
		Amount:      notify.MajorUnits(pay.AmountCents, pay.Currency),
		Currency:    pay.Currency,
		Status:      pay.Status,
		Livemode:    evt.Livemode,
	}
	if pay.FormSubmissionID != nil {
		n.FormSubmissionID = *pay.FormSubmissionID
	}
	if pay.StripeCustomerID != nil {
		n.CustomerID = *pay.StripeCustomerID
	}
	return n
}
