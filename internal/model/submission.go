package model

import "time"

// Submission statuses.
const (
	SubmissionNew            = "new"
	SubmissionPendingPayment = "pending_payment"
	SubmissionConverted      = "converted"
	SubmissionSpam           = "spam"
	SubmissionError          = "error"
)

// Submission is a form post. (site, form_slug, submission_key) is unique
// only when the key is set.
type Submission struct {
	ID            string    `gorm:"primaryKey;size:36"`
	Site          string    `gorm:"size:64;not null;uniqueIndex:uniq_form_submissions_key,where:submission_key IS NOT NULL"`
	FormSlug      string    `gorm:"size:128;not null;uniqueIndex:uniq_form_submissions_key"`
	SubmissionKey *string   `gorm:"size:128;uniqueIndex:uniq_form_submissions_key"`
	Status        string    `gorm:"size:32;not null"`
	Name          string    `gorm:"size:255"`
	Email         string    `gorm:"size:255"`
	Phone         string    `gorm:"size:64"`
	Payload       string    `gorm:"type:jsonb;not null"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
}

func (Submission) TableName() string { return "form_submissions" }
