package models

import "errors"

// ErrStaleEnrollment is returned when an enrollment write loses an optimistic
// version check.
var ErrStaleEnrollment = errors.New("enrollment was modified concurrently")

// DispatchRequest is handed to the transport for one email step. Subject and
// Body are templates; merge-tag rendering belongs to the transport.
type DispatchRequest struct {
	EnrollmentID uint   `json:"enrollment_id"`
	CampaignID   uint   `json:"campaign_id"`
	StepID       uint   `json:"step_id"`
	SenderID     uint   `json:"sender_id"`
	ContactID    uint   `json:"contact_id"`
	Subject      string `json:"subject"`
	Body         string `json:"body"`
}
