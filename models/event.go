package models

import "time"

// EventKind is the type of a delivery outcome
type EventKind string

const (
	EventSent         EventKind = "sent"
	EventOpened       EventKind = "opened"
	EventClicked      EventKind = "clicked"
	EventReplied      EventKind = "replied"
	EventBounced      EventKind = "bounced"
	EventUnsubscribed EventKind = "unsubscribed"
	EventError        EventKind = "error"
)

// BounceType distinguishes permanent from temporary bounces
type BounceType string

const (
	BounceHard BounceType = "hard"
	BounceSoft BounceType = "soft"
)

// DeliveryEvent is an immutable record of one outcome for an (enrollment, step)
// pair. Rows are only ever inserted.
type DeliveryEvent struct {
	ID           uint       `gorm:"primarykey" json:"id"`
	EnrollmentID uint       `gorm:"not null;index" json:"enrollment_id" validate:"required"`
	StepID       uint       `gorm:"index" json:"step_id"`
	SenderID     uint       `gorm:"index" json:"sender_id"`
	Kind         EventKind  `gorm:"not null;index" json:"kind" validate:"oneof=sent opened clicked replied bounced unsubscribed error"`
	BounceType   BounceType `json:"bounce_type,omitempty"`
	MessageID    string     `gorm:"index" json:"message_id,omitempty"`
	Detail       string     `json:"detail,omitempty"`
	// Final marks an error after which the transport will not try again
	Final        bool       `gorm:"not null" json:"final,omitempty"`
	OccurredAt   time.Time  `gorm:"not null;index" json:"occurred_at" validate:"required"`

	// Deduplicates events pushed more than once by an external producer
	IdempotencyKey *string `gorm:"uniqueIndex" json:"-"`
}

// IsFinalError reports a delivery the transport has given up on.
func (e *DeliveryEvent) IsFinalError() bool {
	return e.Kind == EventError && e.Final
}

// IsHardBounce reports a permanent delivery failure. Bounces without a type
// are treated as hard.
func (e *DeliveryEvent) IsHardBounce() bool {
	return e.Kind == EventBounced && e.BounceType != BounceSoft
}
