package model

import "time"

// Event journal statuses.
const (
	EventProcessing = "processing"
	EventSucceeded  = "succeeded"
	EventFailed     = "failed"
)

// EventRecord is one row per provider event id. It gates processing of the
// event itself and is never deleted.
type EventRecord struct {
	EventID     string     `gorm:"primaryKey;column:event_id;size:255"`
	Type        string     `gorm:"column:type;size:100;not null"`
	Status      string     `gorm:"size:16;not null;index"`
	Livemode    bool       `gorm:"column:livemode;not null"`
	Created     *time.Time `gorm:"column:created"`
	Attempts    int        `gorm:"not null;default:1"`
	LastError   *string    `gorm:"column:last_error"`
	ProcessedAt *time.Time `gorm:"column:processed_at"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

func (EventRecord) TableName() string { return "stripe_events" }
