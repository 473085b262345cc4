// Package feedback applies delivery outcomes to sender reputation and to
// enrollment state.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"outreach/models"
	"outreach/sequence"
	"outreach/utils"

	"github.com/sirupsen/logrus"
)

var ErrInvalidEvent = errors.New("invalid delivery event")

// maxStateRetries bounds optimistic retries when the dispatcher writes the
// same enrollment concurrently.
const maxStateRetries = 5

// Store is the persistence the sink needs.
type Store interface {
	// RecordEvent inserts the event and reports false when an event with the
	// same idempotency key already exists.
	RecordEvent(ctx context.Context, ev *models.DeliveryEvent) (bool, error)
	// DeleteEvent removes a recorded event whose effects could not be applied,
	// so a redelivery with the same key is accepted.
	DeleteEvent(ctx context.Context, id uint) error
	GetEnrollment(ctx context.Context, id uint) (models.Enrollment, error)
	GetCampaign(ctx context.Context, id uint) (models.Campaign, error)
	SaveEnrollment(ctx context.Context, e *models.Enrollment) error
	SuppressContact(ctx context.Context, contactID uint, fields map[string]interface{}) error
	CreateBounce(ctx context.Context, b *models.Bounce) error
	CreateUnsubscribe(ctx context.Context, u *models.Unsubscribe) error
}

// Reputation is the ledger surface that reacts to outcomes.
type Reputation interface {
	ApplyOpened(ctx context.Context, senderID uint) error
	ApplyBounced(ctx context.Context, senderID uint) error
}

// Notifier is told when a campaign's health may have changed.
type Notifier interface {
	CampaignChanged(campaignID uint)
}

type Sink struct {
	store      Store
	reputation Reputation
	notifier   Notifier
	logger     logrus.FieldLogger
	now        func() time.Time
}

func NewSink(store Store, reputation Reputation, logger logrus.FieldLogger) *Sink {
	return &Sink{
		store:      store,
		reputation: reputation,
		logger:     logger,
		now:        time.Now,
	}
}

// WithNotifier registers a listener for campaign health changes.
func (s *Sink) WithNotifier(n Notifier) *Sink {
	s.notifier = n
	return s
}

// Consume records ev and applies its effects. Replayed events carrying an
// idempotency key that was already seen are ignored.
func (s *Sink) Consume(ctx context.Context, ev *models.DeliveryEvent) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.now()
	}
	if err := utils.ValidateStruct(ev); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	log := s.logger.WithFields(logrus.Fields{
		"enrollment_id": ev.EnrollmentID,
		"sender_id":     ev.SenderID,
		"kind":          ev.Kind,
	})

	enrollment, err := s.store.GetEnrollment(ctx, ev.EnrollmentID)
	if err != nil {
		return fmt.Errorf("load enrollment %d: %w", ev.EnrollmentID, err)
	}

	inserted, err := s.store.RecordEvent(ctx, ev)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	if !inserted {
		log.Debug("Duplicate delivery event ignored")
		return nil
	}

	changed, err := s.apply(ctx, ev, &enrollment)
	if err != nil {
		if derr := s.store.DeleteEvent(context.WithoutCancel(ctx), ev.ID); derr != nil {
			utils.LogError("delivery_event_rollback_failed", derr, map[string]interface{}{
				"event_id":      ev.ID,
				"enrollment_id": ev.EnrollmentID,
			})
		}
		return err
	}
	if changed {
		log.Info("Enrollment updated from delivery event")
	}
	if s.notifier != nil {
		s.notifier.CampaignChanged(enrollment.CampaignID)
	}
	return nil
}

// apply runs the effects of a freshly recorded event. Suppression and state
// are idempotent and go first; reputation is not and runs last, so a
// redelivery after a failure applies it at most once.
func (s *Sink) apply(ctx context.Context, ev *models.DeliveryEvent, e *models.Enrollment) (bool, error) {
	if err := s.applySuppression(ctx, ev, e); err != nil {
		return false, err
	}
	changed, err := s.applyState(ctx, ev)
	if err != nil {
		return false, err
	}
	if err := s.applyReputation(ctx, ev); err != nil {
		return false, err
	}
	return changed, nil
}

func (s *Sink) applyReputation(ctx context.Context, ev *models.DeliveryEvent) error {
	if ev.SenderID == 0 {
		return nil
	}
	switch ev.Kind {
	case models.EventOpened:
		if err := s.reputation.ApplyOpened(ctx, ev.SenderID); err != nil {
			return fmt.Errorf("apply open to sender %d: %w", ev.SenderID, err)
		}
	case models.EventBounced:
		if err := s.reputation.ApplyBounced(ctx, ev.SenderID); err != nil {
			return fmt.Errorf("apply bounce to sender %d: %w", ev.SenderID, err)
		}
	}
	return nil
}

// applySuppression flags the contact for every future campaign and writes the
// audit rows.
func (s *Sink) applySuppression(ctx context.Context, ev *models.DeliveryEvent, e *models.Enrollment) error {
	campaignID := utils.Pointer(e.CampaignID)
	switch {
	case ev.IsHardBounce():
		if err := s.store.SuppressContact(ctx, e.ContactID, map[string]interface{}{"is_bounced": true}); err != nil {
			return fmt.Errorf("suppress contact %d: %w", e.ContactID, err)
		}
		return s.store.CreateBounce(ctx, &models.Bounce{
			Email:      e.Contact.Email,
			ContactID:  e.ContactID,
			CampaignID: campaignID,
			SenderID:   ev.SenderID,
			Type:       models.BounceHard,
			Message:    ev.Detail,
		})
	case ev.Kind == models.EventBounced:
		return s.store.CreateBounce(ctx, &models.Bounce{
			Email:      e.Contact.Email,
			ContactID:  e.ContactID,
			CampaignID: campaignID,
			SenderID:   ev.SenderID,
			Type:       models.BounceSoft,
			Message:    ev.Detail,
		})
	case ev.Kind == models.EventUnsubscribed:
		if err := s.store.SuppressContact(ctx, e.ContactID, map[string]interface{}{"is_unsubscribed": true}); err != nil {
			return fmt.Errorf("suppress contact %d: %w", e.ContactID, err)
		}
		u := &models.Unsubscribe{
			Email:      e.Contact.Email,
			ContactID:  e.ContactID,
			CampaignID: campaignID,
			Reason:     ev.Detail,
		}
		if ev.SenderID != 0 {
			u.SenderID = utils.Pointer(ev.SenderID)
		}
		return s.store.CreateUnsubscribe(ctx, u)
	}
	return nil
}

// applyState runs the enrollment transition, re-reading on version conflicts
// with the dispatcher.
func (s *Sink) applyState(ctx context.Context, ev *models.DeliveryEvent) (bool, error) {
	for attempt := 0; attempt < maxStateRetries; attempt++ {
		e, err := s.store.GetEnrollment(ctx, ev.EnrollmentID)
		if err != nil {
			return false, fmt.Errorf("load enrollment %d: %w", ev.EnrollmentID, err)
		}
		c, err := s.store.GetCampaign(ctx, e.CampaignID)
		if err != nil {
			return false, fmt.Errorf("load campaign %d: %w", e.CampaignID, err)
		}
		if !sequence.ApplyEvent(&e, &c, ev) {
			return false, nil
		}
		err = s.store.SaveEnrollment(ctx, &e)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, models.ErrStaleEnrollment) {
			return false, fmt.Errorf("save enrollment %d: %w", e.ID, err)
		}
	}
	return false, fmt.Errorf("save enrollment %d: %w", ev.EnrollmentID, models.ErrStaleEnrollment)
}
