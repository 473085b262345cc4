package models

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// CampaignStatus is the lifecycle state of a campaign
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// Campaign represents a multi-step outreach sequence
type Campaign struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name        string         `gorm:"not null" json:"name" validate:"required"`
	Description string         `json:"description"`
	Status      CampaignStatus `gorm:"default:'draft';index" json:"status"`

	// Scheduling
	Timezone    string     `gorm:"default:'UTC'" json:"timezone" validate:"required,timezone"`
	WindowStart string     `gorm:"default:'00:00'" json:"window_start" validate:"required,clock"`
	WindowEnd   string     `gorm:"default:'24:00'" json:"window_end" validate:"required,clock"`
	ActiveDays  Weekdays   `gorm:"default:127" json:"active_days" validate:"required"`
	ScheduledAt *time.Time `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`

	// Delivery settings
	StopOnReply            bool `gorm:"not null" json:"stop_on_reply"`
	MinDeliverabilityScore int  `gorm:"default:0" json:"min_deliverability_score" validate:"min=0,max=100"`

	// Relations
	Steps   []Step           `gorm:"foreignKey:CampaignID" json:"steps,omitempty" validate:"required,min=1,dive"`
	Senders []CampaignSender `gorm:"foreignKey:CampaignID" json:"senders,omitempty"`
}

// CampaignSender joins campaigns to the senders allowed to carry their mail
type CampaignSender struct {
	gorm.Model
	CampaignID uint `gorm:"index"`
	SenderID   uint `gorm:"index"`
}

// SenderPool returns the ids of the campaign's assigned senders. An empty pool
// means any verified sender of the owner may be used.
func (c *Campaign) SenderPool() []uint {
	ids := make([]uint, 0, len(c.Senders))
	for _, s := range c.Senders {
		ids = append(ids, s.SenderID)
	}
	return ids
}

// Location resolves the campaign timezone, falling back to UTC.
func (c *Campaign) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Window returns the campaign send window as minute offsets into the local day.
func (c *Campaign) Window() (SendWindow, error) {
	start, err := ParseClock(c.WindowStart)
	if err != nil {
		return SendWindow{}, fmt.Errorf("window_start: %w", err)
	}
	end, err := ParseClock(c.WindowEnd)
	if err != nil {
		return SendWindow{}, fmt.Errorf("window_end: %w", err)
	}
	return SendWindow{Start: start, End: end, Days: c.ActiveDays}, nil
}

// SendWindow is a [Start, End) local time-of-day range on a set of weekdays.
// Start and End are minutes after local midnight; End may be 1440.
type SendWindow struct {
	Start int
	End   int
	Days  Weekdays
}

// FullWindow allows sending at any time on any day.
var FullWindow = SendWindow{Start: 0, End: 24 * 60, Days: AllWeekdays}

// ParseClock parses "HH:MM" into minutes after midnight. "24:00" is accepted as
// the end of the day.
func ParseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	if h < 0 || m < 0 || m > 59 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	return h*60 + m, nil
}

// Weekdays is a bitmask of time.Weekday values (bit 0 = Sunday).
type Weekdays uint8

const (
	AllWeekdays  Weekdays = 0x7f
	WorkWeekdays Weekdays = 0x3e
)

// NewWeekdays builds a mask from the given days.
func NewWeekdays(days ...time.Weekday) Weekdays {
	var w Weekdays
	for _, d := range days {
		w |= 1 << uint(d)
	}
	return w
}

// Has reports whether the mask contains d. An empty mask contains every day.
func (w Weekdays) Has(d time.Weekday) bool {
	if w == 0 {
		return true
	}
	return w&(1<<uint(d)) != 0
}
