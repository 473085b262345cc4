package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"outreach/models"
	"outreach/sequence"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// outcomeWindow caps how many recent outcomes feed a bounce rate.
const outcomeWindow = 10000

// RecordEvent inserts ev. Events whose idempotency key was already stored are
// skipped and reported as not inserted.
func (s *Store) RecordEvent(ctx context.Context, ev *models.DeliveryEvent) (bool, error) {
	db := s.conn(ctx)
	if ev.IdempotencyKey != nil {
		db = db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		})
	}
	res := db.Create(ev)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) DeleteEvent(ctx context.Context, id uint) error {
	return s.conn(ctx).Delete(&models.DeliveryEvent{}, id).Error
}

func (s *Store) HasReplied(ctx context.Context, enrollmentID uint) (bool, error) {
	var n int64
	err := s.conn(ctx).Model(&models.DeliveryEvent{}).
		Where("enrollment_id = ? AND kind = ?", enrollmentID, models.EventReplied).
		Limit(1).
		Count(&n).Error
	return n > 0, err
}

func (s *Store) StepEngagement(ctx context.Context, enrollmentID, stepID uint) (sequence.Engagement, error) {
	var kinds []models.EventKind
	err := s.conn(ctx).Model(&models.DeliveryEvent{}).
		Where("enrollment_id = ? AND step_id = ?", enrollmentID, stepID).
		Distinct("kind").
		Pluck("kind", &kinds).Error
	if err != nil {
		return sequence.Engagement{}, err
	}
	var eng sequence.Engagement
	for _, k := range kinds {
		switch k {
		case models.EventOpened:
			eng.Opened = true
		case models.EventClicked:
			// a click implies the message was opened
			eng.Clicked, eng.Opened = true, true
		case models.EventReplied:
			eng.Replied = true
		}
	}
	return eng, nil
}

// CountSenderOutcomes counts sent and bounced events for a sender since the
// given time, over at most the latest outcomeWindow outcomes.
func (s *Store) CountSenderOutcomes(ctx context.Context, senderID uint, since time.Time) (int64, int64, error) {
	var row struct {
		Sent    int64
		Bounced int64
	}
	err := s.conn(ctx).Raw(`
		SELECT
			COALESCE(SUM(CASE WHEN kind = ? THEN 1 ELSE 0 END), 0) AS sent,
			COALESCE(SUM(CASE WHEN kind = ? THEN 1 ELSE 0 END), 0) AS bounced
		FROM (
			SELECT kind FROM delivery_events
			WHERE sender_id = ? AND occurred_at >= ? AND kind IN ?
			ORDER BY occurred_at DESC
			LIMIT ?
		) recent`,
		models.EventSent, models.EventBounced,
		senderID, since, []models.EventKind{models.EventSent, models.EventBounced},
		outcomeWindow,
	).Scan(&row).Error
	if err != nil {
		return 0, 0, fmt.Errorf("count outcomes for sender %d: %w", senderID, err)
	}
	return row.Sent, row.Bounced, nil
}

// FindSentEvent resolves a message id to the event recorded when it was sent.
func (s *Store) FindSentEvent(ctx context.Context, messageID string) (models.DeliveryEvent, error) {
	var ev models.DeliveryEvent
	err := s.conn(ctx).
		Where("message_id = ? AND kind = ?", messageID, models.EventSent).
		First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.DeliveryEvent{}, fmt.Errorf("message %q: %w", messageID, ErrNotFound)
	}
	return ev, err
}
