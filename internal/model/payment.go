package model

import "time"

// Payment statuses.
const (
	PaymentSucceeded      = "succeeded"
	PaymentFailed         = "failed"
	PaymentRefunded       = "refunded"
	PaymentProcessing     = "processing"
	PaymentRequiresAction = "requires_action"
)

// PaymentRank orders statuses for forward-only reconciliation of an
// existing ledger row.
func PaymentRank(status string) int {
	switch status {
	case PaymentProcessing, PaymentRequiresAction:
		return 0
	case PaymentFailed:
		return 1
	case PaymentSucceeded:
		return 2
	case PaymentRefunded:
		return 3
	default:
		return -1
	}
}

type Payment struct {
	ID                      string    `gorm:"primaryKey;size:36"`
	Site                    string    `gorm:"size:64;not null;index"`
	FormSubmissionID        *string   `gorm:"size:36;index"`
	AmountCents             int64     `gorm:"column:amount_cents;not null"`
	Currency                string    `gorm:"size:3;not null"`
	Description             string    `gorm:"size:255"`
	StripePaymentIntentID   *string   `gorm:"column:stripe_payment_intent_id;size:255;uniqueIndex:uniq_payments_payment_intent,where:stripe_payment_intent_id IS NOT NULL"`
	StripeCheckoutSessionID *string   `gorm:"column:stripe_checkout_session_id;size:255;uniqueIndex:uniq_payments_checkout_session,where:stripe_checkout_session_id IS NOT NULL"`
	StripeCustomerID        *string   `gorm:"column:stripe_customer_id;size:255"`
	Status                  string    `gorm:"size:32;not null"`
	RawEvent                string    `gorm:"column:raw_event;type:jsonb;not null"`
	CreatedAt               time.Time `gorm:"autoCreateTime"`
	UpdatedAt               time.Time `gorm:"autoUpdateTime"`
}

func (Payment) TableName() string { return "payments" }
