package models

import "time"

// ProcessedEvent records every processor event id that reached the webhook,
// with deduplication metadata for idempotent processing. A row with a
// ProcessingError is re-admittable: the processor retries after a 5xx and the
// retry must be allowed to run again.
type ProcessedEvent struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	ExternalEventID string     `gorm:"type:varchar(191);not null;uniqueIndex:ux_processed_events_event" json:"external_event_id"`
	EventType       string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	Outcome         string     `gorm:"type:varchar(64);default:''" json:"outcome"`
	ProcessedAt     *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	ProcessingError string     `gorm:"type:text" json:"processing_error"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
