package models

import (
	"time"

	"gorm.io/gorm"
)

// Contact is a single recipient. Contact CRUD lives outside the engine; the
// engine reads merge fields and writes only the suppression flags.
type Contact struct {
	gorm.Model
	UserID uint `gorm:"index" json:"user_id"`

	Email     string `gorm:"not null;index" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Position  string `json:"position"`

	// 0-100 estimate from the external verification service
	DeliverabilityScore int `gorm:"default:100" json:"deliverability_score"`

	// Global suppression
	IsBounced      bool `gorm:"default:false" json:"is_bounced"`
	IsUnsubscribed bool `gorm:"default:false" json:"is_unsubscribed"`

	LastContact *time.Time `json:"last_contact"`
}

// Unsubscribe records an unsubscribe request
type Unsubscribe struct {
	gorm.Model
	Email      string `gorm:"not null;index" json:"email"`
	ContactID  uint   `gorm:"index" json:"contact_id"`
	CampaignID *uint  `json:"campaign_id,omitempty"`
	SenderID   *uint  `json:"sender_id,omitempty"`
	Reason     string `json:"reason"`
}

// Bounce records a bounce notification
type Bounce struct {
	gorm.Model
	Email      string     `gorm:"not null;index" json:"email"`
	ContactID  uint       `gorm:"index" json:"contact_id"`
	CampaignID *uint      `json:"campaign_id,omitempty"`
	SenderID   uint       `gorm:"not null;index" json:"sender_id"`
	Type       BounceType `gorm:"not null" json:"type"`
	Message    string     `json:"message"`
}
