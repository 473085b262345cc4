package store

import (
	"context"
	"fmt"

	"outreach/models"

	"gorm.io/gorm"
)

func (s *Store) GetSender(ctx context.Context, id uint) (models.Sender, error) {
	var sender models.Sender
	if err := s.conn(ctx).First(&sender, id).Error; err != nil {
		return models.Sender{}, notFound(err, "sender", id)
	}
	return sender, nil
}

func (s *Store) GetSenders(ctx context.Context, ids []uint) ([]models.Sender, error) {
	var senders []models.Sender
	if len(ids) == 0 {
		return senders, nil
	}
	err := s.conn(ctx).Where("id IN ?", ids).Order("id").Find(&senders).Error
	return senders, err
}

// IncrementSends takes one unit of quota only while sends_today < limit, so
// concurrent processes can never push a sender past its limit.
func (s *Store) IncrementSends(ctx context.Context, id uint, limit int) (bool, error) {
	res := s.conn(ctx).Model(&models.Sender{}).
		Where("id = ? AND sends_today < ?", id, limit).
		UpdateColumn("sends_today", gorm.Expr("sends_today + 1"))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) DecrementSends(ctx context.Context, id uint) error {
	return s.conn(ctx).Model(&models.Sender{}).
		Where("id = ?", id).
		UpdateColumn("sends_today", gorm.Expr("GREATEST(sends_today - 1, 0)")).Error
}

func (s *Store) UpdateSenderFields(ctx context.Context, id uint, fields map[string]interface{}) error {
	res := s.conn(ctx).Model(&models.Sender{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update sender %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("sender %d: %w", id, ErrNotFound)
	}
	return nil
}

// AdjustHealth moves health_score in SQL so concurrent feedback from several
// processes is never lost.
func (s *Store) AdjustHealth(ctx context.Context, id uint, delta, floor, ceiling float64) error {
	res := s.conn(ctx).Model(&models.Sender{}).
		Where("id = ?", id).
		UpdateColumn("health_score", gorm.Expr("LEAST(GREATEST(health_score + ?, ?), ?)", delta, floor, ceiling))
	if res.Error != nil {
		return fmt.Errorf("adjust health of sender %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("sender %d: %w", id, ErrNotFound)
	}
	return nil
}

// VerifiedSenderIDs lists the owner's senders that may carry campaign mail.
func (s *Store) VerifiedSenderIDs(ctx context.Context, userID uint) ([]uint, error) {
	var ids []uint
	err := s.conn(ctx).Model(&models.Sender{}).
		Where("user_id = ? AND is_verified = ?", userID, true).
		Order("id").
		Pluck("id", &ids).Error
	return ids, err
}

// SenderIDs lists every sender, for the daily reset sweep.
func (s *Store) SenderIDs(ctx context.Context) ([]uint, error) {
	var ids []uint
	err := s.conn(ctx).Model(&models.Sender{}).Order("id").Pluck("id", &ids).Error
	return ids, err
}

// WarmingSenders returns senders in warmup mode with their active schedules.
func (s *Store) WarmingSenders(ctx context.Context) ([]models.Sender, error) {
	var senders []models.Sender
	err := s.conn(ctx).
		Preload("WarmupSchedules", "is_active = ?", true).
		Preload("WarmupSchedules.Stages", func(db *gorm.DB) *gorm.DB {
			return db.Order("stage_number")
		}).
		Where("warmup_mode = ?", true).
		Find(&senders).Error
	return senders, err
}

// InboxSenders returns verified senders with IMAP credentials.
func (s *Store) InboxSenders(ctx context.Context) ([]models.Sender, error) {
	var senders []models.Sender
	err := s.conn(ctx).
		Where("is_verified = ? AND imap_host <> ''", true).
		Find(&senders).Error
	return senders, err
}
