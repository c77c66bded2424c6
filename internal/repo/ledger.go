package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/richardliu001/payledger/internal/apperr"
	"github.com/richardliu001/payledger/internal/model"
	"gorm.io/gorm"
)

var validate = validator.New()

// PaymentInput is one ledger write. At least one provider id is required;
// the payment intent id is the primary key for the call when both are given.
type PaymentInput struct {
	Site              string `validate:"required,max=64"`
	FormSubmissionID  string `validate:"max=36"`
	AmountCents       int64  `validate:"gt=0"`
	Currency          string `validate:"len=3,lowercase,alpha"`
	Description       string `validate:"max=255"`
	PaymentIntentID   string `validate:"required_without=CheckoutSessionID,max=255"`
	CheckoutSessionID string `validate:"max=255"`
	CustomerID        string `validate:"max=255"`
	Status            string `validate:"oneof=succeeded failed refunded processing requires_action"`
	// RawEvent is stored as a bounded audit snapshot.
	RawEvent any `validate:"-"`
}

// paymentKey names one of the two provider id columns.
type paymentKey struct {
	column string
	value  string
	get    func(p *model.Payment) *string
}

var (
	intentColumn = paymentKey{
		column: "stripe_payment_intent_id",
		get:    func(p *model.Payment) *string { return p.StripePaymentIntentID },
	}
	sessionColumn = paymentKey{
		column: "stripe_checkout_session_id",
		get:    func(p *model.Payment) *string { return p.StripeCheckoutSessionID },
	}
)

func paymentKeys(in PaymentInput) (primary, secondary paymentKey) {
	intent, session := intentColumn, sessionColumn
	intent.value, session.value = in.PaymentIntentID, in.CheckoutSessionID
	if intent.value != "" {
		return intent, session
	}
	return session, intent
}

func validatePayment(in PaymentInput) error {
	if err := validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			switch f.Field() {
			case "PaymentIntentID":
				if f.Tag() == "required_without" {
					return apperr.Validation("ledger.record", "a payment intent id or checkout session id is required")
				}
			case "AmountCents":
				return apperr.Validation("ledger.record", "amount must be positive, got %d", in.AmountCents)
			case "Currency":
				return apperr.Validation("ledger.record", "currency %q is not a lowercase 3-letter code", in.Currency)
			}
			return apperr.Validation("ledger.record", "field %s failed %s", f.Field(), f.Tag())
		}
		return apperr.Validation("ledger.record", "%v", err)
	}
	return nil
}

// RecordPayment writes a payment once per provider id. It reports created
// false when the payment was already recorded; the stored amount and
// currency are then kept and only forward status moves and missing ids are
// applied.
func (r *Repository) RecordPayment(ctx context.Context, in PaymentInput) (*model.Payment, bool, error) {
	const op = "ledger.record"
	in.Currency = strings.TrimSpace(in.Currency)
	if err := validatePayment(in); err != nil {
		return nil, false, err
	}
	ctx, cancel := r.storeCtx(ctx)
	defer cancel()

	row := &model.Payment{
		ID:                      uuid.NewString(),
		Site:                    in.Site,
		FormSubmissionID:        strPtr(in.FormSubmissionID),
		AmountCents:             in.AmountCents,
		Currency:                in.Currency,
		Description:             in.Description,
		StripePaymentIntentID:   strPtr(in.PaymentIntentID),
		StripeCheckoutSessionID: strPtr(in.CheckoutSessionID),
		StripeCustomerID:        strPtr(in.CustomerID),
		Status:                  in.Status,
		RawEvent:                snapshotRawEvent(in.RawEvent, r.opts.RawEventMaxBytes),
	}

	out, err := claimOrFetch(ctx, r.db, row, claimSpec[model.Payment]{
		fetch: func(ctx context.Context, db *gorm.DB) (*model.Payment, error) {
			return r.resolvePaymentConflict(ctx, db, in)
		},
	})
	if err != nil {
		return nil, false, apperr.Store(op, err)
	}
	if out.state == claimInserted {
		return row, true, nil
	}

	existing, err := r.reconcilePayment(ctx, out.row, in)
	if err != nil {
		return nil, false, apperr.Store(op, err)
	}
	return existing, false, nil
}

// resolvePaymentConflict finds the row an insert collided with. A row found
// by the secondary id must agree with the primary id, or have none yet, in
// which case the primary id is attached to it.
func (r *Repository) resolvePaymentConflict(ctx context.Context, db *gorm.DB, in PaymentInput) (*model.Payment, error) {
	const op = "ledger.record"
	primary, secondary := paymentKeys(in)

	p, err := findPaymentBy(ctx, db, primary.column, primary.value)
	if err == nil {
		if other := secondary.get(p); other != nil && secondary.value != "" && *other != secondary.value {
			return nil, apperr.IdentifierConflict(op, "%s %s is recorded with %s %s, not %s",
				primary.column, primary.value, secondary.column, *other, secondary.value)
		}
		return p, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if secondary.value == "" {
		return nil, fmt.Errorf("insert conflicted but no payment holds %s %s", primary.column, primary.value)
	}

	p, err = findPaymentBy(ctx, db, secondary.column, secondary.value)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("insert conflicted but no payment holds %s %s", secondary.column, secondary.value)
		}
		return nil, err
	}
	current := primary.get(p)
	switch {
	case current != nil && *current == primary.value:
		return p, nil
	case current != nil:
		return nil, apperr.IdentifierConflict(op, "%s %s belongs to payment %s with %s %s, not %s",
			secondary.column, secondary.value, p.ID, primary.column, *current, primary.value)
	}

	res := db.WithContext(ctx).Model(&model.Payment{}).
		Where("id = ? AND "+primary.column+" IS NULL", p.ID).
		Update(primary.column, primary.value)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return nil, apperr.IdentifierConflict(op, "%s %s is already recorded on another payment", primary.column, primary.value)
		}
		return nil, res.Error
	}
	fresh, err := findPaymentBy(ctx, db, "id", p.ID)
	if err != nil {
		return nil, err
	}
	if got := primary.get(fresh); got == nil || *got != primary.value {
		return nil, apperr.IdentifierConflict(op, "payment %s was linked to another %s concurrently", p.ID, primary.column)
	}
	return fresh, nil
}

// reconcilePayment applies what a replayed or later write may change on an
// existing row: missing ids and references, and a forward status move.
func (r *Repository) reconcilePayment(ctx context.Context, p *model.Payment, in PaymentInput) (*model.Payment, error) {
	const op = "ledger.record"
	_, secondary := paymentKeys(in)
	for attempt := 0; attempt < 3; attempt++ {
		updates := map[string]any{}
		if secondary.value != "" && secondary.get(p) == nil {
			updates[secondary.column] = secondary.value
		}
		if p.StripeCustomerID == nil && in.CustomerID != "" {
			updates["stripe_customer_id"] = in.CustomerID
		}
		if p.FormSubmissionID == nil && in.FormSubmissionID != "" {
			updates["form_submission_id"] = in.FormSubmissionID
		}
		if model.PaymentRank(in.Status) > model.PaymentRank(p.Status) {
			updates["status"] = in.Status
			updates["raw_event"] = snapshotRawEvent(in.RawEvent, r.opts.RawEventMaxBytes)
		}
		if len(updates) == 0 {
			return p, nil
		}

		res := r.db.WithContext(ctx).Model(&model.Payment{}).
			Where("id = ? AND status = ?", p.ID, p.Status).
			Updates(updates)
		if res.Error != nil {
			if isUniqueViolation(res.Error) {
				return nil, apperr.IdentifierConflict(op, "%s %s is already recorded on another payment", secondary.column, secondary.value)
			}
			return nil, res.Error
		}
		fresh, err := findPaymentBy(ctx, r.db, "id", p.ID)
		if err != nil {
			return nil, err
		}
		if res.RowsAffected > 0 {
			r.log.Infow("reconciled existing payment",
				"payment_id", p.ID, "from_status", p.Status, "to_status", fresh.Status)
			return fresh, nil
		}
		p = fresh
	}
	return p, nil
}

// FindPayment looks a payment up by either provider id.
func (r *Repository) FindPayment(ctx context.Context, paymentIntentID, checkoutSessionID string) (*model.Payment, error) {
	ctx, cancel := r.storeCtx(ctx)
	defer cancel()
	var (
		p   *model.Payment
		err = gorm.ErrRecordNotFound
	)
	if paymentIntentID != "" {
		p, err = findPaymentBy(ctx, r.db, intentColumn.column, paymentIntentID)
	}
	if errors.Is(err, gorm.ErrRecordNotFound) && checkoutSessionID != "" {
		p, err = findPaymentBy(ctx, r.db, sessionColumn.column, checkoutSessionID)
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperr.Store("ledger.find", err)
	}
	return p, nil
}

func findPaymentBy(ctx context.Context, db *gorm.DB, column, value string) (*model.Payment, error) {
	var p model.Payment
	if err := db.WithContext(ctx).Where(column+" = ?", value).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}
