package store

import (
	"context"
	"fmt"
	"time"

	"outreach/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetEnrollment loads an enrollment with its contact.
func (s *Store) GetEnrollment(ctx context.Context, id uint) (models.Enrollment, error) {
	var e models.Enrollment
	if err := s.conn(ctx).Preload("Contact").First(&e, id).Error; err != nil {
		return models.Enrollment{}, notFound(err, "enrollment", id)
	}
	return e, nil
}

// SaveEnrollment writes the engine-owned columns guarded by the version read
// with the row. A concurrent writer makes it fail with ErrConflict.
func (s *Store) SaveEnrollment(ctx context.Context, e *models.Enrollment) error {
	res := s.conn(ctx).Model(&models.Enrollment{}).
		Where("id = ? AND version = ?", e.ID, e.Version).
		Updates(map[string]interface{}{
			"status":             e.Status,
			"current_step_order": e.CurrentStepOrder,
			"next_due_at":        e.NextDueAt,
			"last_error":         e.LastError,
			"retry_count":        e.RetryCount,
			"version":            e.Version + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("enrollment %d at version %d: %w", e.ID, e.Version, ErrConflict)
	}
	e.Version++
	return nil
}

// CreateEnrollment inserts e unless the contact is already enrolled, and
// reports whether a row was created.
func (s *Store) CreateEnrollment(ctx context.Context, e *models.Enrollment) (bool, error) {
	res := s.conn(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "campaign_id"}, {Name: "contact_id"}},
			DoNothing: true,
		}).
		Create(e)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// DueCampaignIDs lists running campaigns with at least one due enrollment.
func (s *Store) DueCampaignIDs(ctx context.Context, now time.Time) ([]uint, error) {
	var ids []uint
	err := s.conn(ctx).Model(&models.Enrollment{}).
		Joins("JOIN campaigns ON campaigns.id = enrollments.campaign_id AND campaigns.deleted_at IS NULL").
		Where("campaigns.status = ?", models.CampaignRunning).
		Where("enrollments.status = ? AND enrollments.next_due_at <= ?", models.EnrollmentActive, now).
		Distinct("enrollments.campaign_id").
		Order("enrollments.campaign_id").
		Pluck("enrollments.campaign_id", &ids).Error
	return ids, err
}

// DueEnrollments returns up to limit due enrollments of one campaign, oldest
// due first.
func (s *Store) DueEnrollments(ctx context.Context, campaignID uint, now time.Time, limit int) ([]models.Enrollment, error) {
	var out []models.Enrollment
	err := s.conn(ctx).
		Where("campaign_id = ? AND status = ? AND next_due_at <= ?", campaignID, models.EnrollmentActive, now).
		Order("next_due_at, id").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ActivatePending starts every pending enrollment of a campaign at step 0.
func (s *Store) ActivatePending(ctx context.Context, campaignID uint, due time.Time) (int64, error) {
	res := s.conn(ctx).Model(&models.Enrollment{}).
		Where("campaign_id = ? AND status = ?", campaignID, models.EnrollmentPending).
		Updates(map[string]interface{}{
			"status":             models.EnrollmentActive,
			"current_step_order": 0,
			"next_due_at":        due,
			"version":            gorm.Expr("version + 1"),
		})
	return res.RowsAffected, res.Error
}

// TerminateOpen closes every pending or active enrollment of a campaign.
func (s *Store) TerminateOpen(ctx context.Context, campaignID uint, status models.EnrollmentStatus, reason string) (int64, error) {
	res := s.conn(ctx).Model(&models.Enrollment{}).
		Where("campaign_id = ? AND status IN ?", campaignID,
			[]models.EnrollmentStatus{models.EnrollmentPending, models.EnrollmentActive}).
		Updates(map[string]interface{}{
			"status":      status,
			"next_due_at": nil,
			"last_error":  reason,
			"version":     gorm.Expr("version + 1"),
		})
	return res.RowsAffected, res.Error
}
