package store

import (
	"context"
	"fmt"
	"time"

	"outreach/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func orderedSteps(db *gorm.DB) *gorm.DB {
	return db.Order(clause.OrderByColumn{Column: clause.Column{Name: "order"}})
}

// GetCampaign loads a campaign with its steps in order and its sender pool.
func (s *Store) GetCampaign(ctx context.Context, id uint) (models.Campaign, error) {
	var c models.Campaign
	err := s.conn(ctx).
		Preload("Steps", orderedSteps).
		Preload("Senders").
		First(&c, id).Error
	if err != nil {
		return models.Campaign{}, notFound(err, "campaign", id)
	}
	return c, nil
}

// SaveCampaignStatus writes the lifecycle columns after a transition.
func (s *Store) SaveCampaignStatus(ctx context.Context, c *models.Campaign) error {
	return s.conn(ctx).Model(&models.Campaign{}).Where("id = ?", c.ID).Updates(map[string]interface{}{
		"status":       c.Status,
		"started_at":   c.StartedAt,
		"completed_at": c.CompletedAt,
	}).Error
}

// CampaignsToPromote returns scheduled campaigns whose start time has come.
func (s *Store) CampaignsToPromote(ctx context.Context, now time.Time) ([]models.Campaign, error) {
	var out []models.Campaign
	err := s.conn(ctx).
		Preload("Steps", orderedSteps).
		Preload("Senders").
		Where("status = ? AND scheduled_at <= ?", models.CampaignScheduled, now).
		Find(&out).Error
	return out, err
}

// CampaignsToComplete returns running campaigns that have enrollments but
// none left open.
func (s *Store) CampaignsToComplete(ctx context.Context) ([]models.Campaign, error) {
	var out []models.Campaign
	err := s.conn(ctx).
		Where("status = ?", models.CampaignRunning).
		Where("EXISTS (SELECT 1 FROM enrollments e WHERE e.campaign_id = campaigns.id AND e.deleted_at IS NULL)").
		Where("NOT EXISTS (SELECT 1 FROM enrollments e WHERE e.campaign_id = campaigns.id AND e.deleted_at IS NULL AND e.status IN ?)",
			[]models.EnrollmentStatus{models.EnrollmentActive, models.EnrollmentPending}).
		Find(&out).Error
	return out, err
}

// StatusCount is one row of a campaign health breakdown.
type StatusCount struct {
	Status models.EnrollmentStatus `json:"status"`
	Count  int64                   `json:"count"`
}

// RecentError is an enrollment's last_error surfaced to the campaign owner.
type RecentError struct {
	EnrollmentID uint      `json:"enrollment_id"`
	ContactID    uint      `json:"contact_id"`
	Status       string    `json:"status"`
	LastError    string    `json:"last_error"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type CampaignHealth struct {
	CampaignID   uint                  `json:"campaign_id"`
	Status       models.CampaignStatus `json:"status"`
	Enrollments  []StatusCount         `json:"enrollments"`
	Due          int64                 `json:"due"`
	RecentErrors []RecentError         `json:"recent_errors"`
}

// Health aggregates enrollment status counts and the latest errors.
func (s *Store) Health(ctx context.Context, campaignID uint, now time.Time) (CampaignHealth, error) {
	c, err := s.GetCampaign(ctx, campaignID)
	if err != nil {
		return CampaignHealth{}, err
	}
	h := CampaignHealth{CampaignID: c.ID, Status: c.Status}

	db := s.conn(ctx)
	if err := db.Model(&models.Enrollment{}).
		Select("status, COUNT(*) AS count").
		Where("campaign_id = ?", campaignID).
		Group("status").
		Order("status").
		Scan(&h.Enrollments).Error; err != nil {
		return CampaignHealth{}, fmt.Errorf("count enrollments: %w", err)
	}
	if err := db.Model(&models.Enrollment{}).
		Where("campaign_id = ? AND status = ? AND next_due_at <= ?", campaignID, models.EnrollmentActive, now).
		Count(&h.Due).Error; err != nil {
		return CampaignHealth{}, fmt.Errorf("count due enrollments: %w", err)
	}
	if err := db.Model(&models.Enrollment{}).
		Select("id AS enrollment_id, contact_id, status, last_error, updated_at").
		Where("campaign_id = ? AND last_error <> ''", campaignID).
		Order("updated_at DESC").
		Limit(10).
		Scan(&h.RecentErrors).Error; err != nil {
		return CampaignHealth{}, fmt.Errorf("load recent errors: %w", err)
	}
	return h, nil
}
