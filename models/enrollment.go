package models

import (
	"time"

	"gorm.io/gorm"
)

// EnrollmentStatus is the state of a contact within a campaign
type EnrollmentStatus string

const (
	EnrollmentPending      EnrollmentStatus = "pending"
	EnrollmentActive       EnrollmentStatus = "active"
	EnrollmentCompleted    EnrollmentStatus = "completed"
	EnrollmentReplied      EnrollmentStatus = "replied"
	EnrollmentBounced      EnrollmentStatus = "bounced"
	EnrollmentUnsubscribed EnrollmentStatus = "unsubscribed"
	EnrollmentError        EnrollmentStatus = "error"
)

// Terminal reports whether no further transitions happen from s.
func (s EnrollmentStatus) Terminal() bool {
	switch s {
	case EnrollmentPending, EnrollmentActive:
		return false
	}
	return true
}

// Enrollment tracks one contact's progress through one campaign
type Enrollment struct {
	gorm.Model
	CampaignID uint `gorm:"not null;uniqueIndex:idx_enrollment_campaign_contact" json:"campaign_id"`
	ContactID  uint `gorm:"not null;uniqueIndex:idx_enrollment_campaign_contact" json:"contact_id"`

	Status           EnrollmentStatus `gorm:"default:'pending';index" json:"status"`
	CurrentStepOrder int              `gorm:"default:0" json:"current_step_order"`
	NextDueAt        *time.Time       `gorm:"index" json:"next_due_at"`
	LastError        string           `json:"last_error"`

	// Consecutive failed transport hand-offs for the current step
	RetryCount int `gorm:"default:0" json:"retry_count"`

	// Optimistic concurrency guard; bumped on every write by the engine
	Version int64 `gorm:"default:0" json:"-"`

	Contact Contact `json:"-"`
}
