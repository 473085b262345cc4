package models

import (
	"time"

	"gorm.io/gorm"
)

// Sender represents email sending and receiving credentials together with
// the quota and reputation counters owned by the quota ledger.
type Sender struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	// Basic identification
	Name      string `gorm:"not null" json:"name"`
	FromEmail string `gorm:"not null" json:"from_email"`
	FromName  string `gorm:"not null" json:"from_name"`
	Timezone  string `gorm:"default:'UTC'" json:"timezone"`

	// ========= SMTP Configuration =========
	SMTPHost     string `gorm:"not null" json:"smtp_host"`
	SMTPPort     int    `gorm:"not null" json:"smtp_port"`
	SMTPUsername string `gorm:"not null" json:"smtp_username"`
	SMTPPassword string `gorm:"not null" json:"-"` // Encrypted in application layer

	// ========= IMAP Configuration =========
	IMAPHost       string `json:"imap_host"`
	IMAPPort       int    `json:"imap_port" gorm:"default:993"`
	IMAPUsername   string `json:"imap_username"`
	IMAPPassword   string `json:"-"` // Encrypted in application layer
	IMAPEncryption string `json:"imap_encryption" gorm:"default:'SSL'"`
	IMAPMailbox    string `json:"imap_mailbox" gorm:"default:'INBOX'"`

	// ========= Status & Verification =========
	IsVerified bool `json:"is_verified" gorm:"default:false"`

	// ========= Quota & Reputation (written only by the ledger) =========
	DailyLimit    int        `gorm:"default:500" json:"daily_limit"`
	SendsToday    int        `gorm:"default:0" json:"sends_today"`
	LastResetDate string     `json:"last_reset_date"` // local YYYY-MM-DD of the last daily reset
	HealthScore   float64    `gorm:"default:100" json:"health_score"`
	BounceRate7d  float64    `gorm:"column:bounce_rate_7d;default:0" json:"bounce_rate_7d"`
	WarmupMode    bool       `gorm:"default:false" json:"warmup_mode"`
	WarmupTarget  int        `gorm:"default:0" json:"warmup_target"`
	WarmupStarted *time.Time `json:"warmup_started_at"`

	WarmupSchedules []WarmupSchedule `gorm:"foreignKey:SenderID" json:"warmup_schedules,omitempty"`
}

// EffectiveLimit is the warmup target while warming up, otherwise the daily limit.
func (s *Sender) EffectiveLimit() int {
	if s.WarmupMode {
		return s.WarmupTarget
	}
	return s.DailyLimit
}

// IsAvailable reports whether the sender can carry one more message today.
func (s *Sender) IsAvailable() bool {
	return s.IsVerified && s.SendsToday < s.EffectiveLimit()
}

// Location resolves the sender timezone, falling back to UTC.
func (s *Sender) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// WarmupSchedule represents a structured warmup ramp
type WarmupSchedule struct {
	gorm.Model
	SenderID uint `gorm:"not null;index" json:"sender_id"`

	Name     string `gorm:"not null" json:"name"`
	IsActive bool   `gorm:"default:true" json:"is_active"`

	Stages []WarmupStage `gorm:"foreignKey:ScheduleID" json:"stages"`
}

// WarmupStage caps daily volume for a number of days
type WarmupStage struct {
	gorm.Model
	ScheduleID uint `gorm:"not null;index" json:"schedule_id"`

	StageNumber  int `gorm:"not null" json:"stage_number"`
	EmailsPerDay int `gorm:"not null" json:"emails_per_day"`
	DurationDays int `gorm:"not null" json:"duration_days"`
}
