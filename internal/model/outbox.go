package model

import "time"

// OutboxEvent is a downstream message waiting for the relay. One row per
// (source event, kind); replays of the source event never enqueue twice.
type OutboxEvent struct {
	ID            string    `gorm:"primaryKey;size:36"`
	SourceEventID string    `gorm:"size:255;not null;uniqueIndex:uniq_outbox_source"`
	Kind          string    `gorm:"size:64;not null;uniqueIndex:uniq_outbox_source"`
	Aggregate     string    `gorm:"size:64;not null"`
	AggregateID   string    `gorm:"size:36;not null"`
	Site          string    `gorm:"size:64;not null"`
	Payload       string    `gorm:"type:jsonb;not null"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index"`
	Processed     bool      `gorm:"not null;default:false;index"`
	ProcessedAt   *time.Time
}

func (OutboxEvent) TableName() string { return "event_outbox" }
