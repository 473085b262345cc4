package sequence

import (
	"errors"
	"fmt"
	"time"

	"outreach/ledger"
	"outreach/models"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// CancelledReason is the last_error of enrollments closed by a cancel.
const CancelledReason = "campaign cancelled"

var campaignTransitions = map[models.CampaignStatus][]models.CampaignStatus{
	models.CampaignDraft:     {models.CampaignScheduled, models.CampaignRunning, models.CampaignCancelled},
	models.CampaignScheduled: {models.CampaignRunning, models.CampaignPaused, models.CampaignCancelled},
	models.CampaignRunning:   {models.CampaignPaused, models.CampaignCompleted, models.CampaignCancelled},
	models.CampaignPaused:    {models.CampaignRunning, models.CampaignCancelled},
}

func transition(c *models.Campaign, to models.CampaignStatus) error {
	for _, allowed := range campaignTransitions[c.Status] {
		if allowed == to {
			c.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: campaign %d %s -> %s", ErrInvalidTransition, c.ID, c.Status, to)
}

// Launch validates the campaign and starts it, or schedules it when
// scheduled_at is still in the future.
func Launch(c *models.Campaign, now time.Time) error {
	if c.Status != models.CampaignDraft && c.Status != models.CampaignScheduled {
		return fmt.Errorf("%w: campaign %d is %s", ErrInvalidTransition, c.ID, c.Status)
	}
	if err := Validate(c); err != nil {
		return err
	}
	if c.ScheduledAt != nil && c.ScheduledAt.After(now) {
		if c.Status == models.CampaignScheduled {
			return nil
		}
		return transition(c, models.CampaignScheduled)
	}
	if err := transition(c, models.CampaignRunning); err != nil {
		return err
	}
	c.StartedAt = timePtr(now)
	return nil
}

// Pause freezes every enrollment of the campaign until Resume.
func Pause(c *models.Campaign) error {
	return transition(c, models.CampaignPaused)
}

func Resume(c *models.Campaign) error {
	if c.Status != models.CampaignPaused {
		return fmt.Errorf("%w: campaign %d is %s", ErrInvalidTransition, c.ID, c.Status)
	}
	return transition(c, models.CampaignRunning)
}

// Cancel ends the campaign; open enrollments must then be terminated with
// TerminateCancelled.
func Cancel(c *models.Campaign, now time.Time) error {
	if err := transition(c, models.CampaignCancelled); err != nil {
		return err
	}
	c.CompletedAt = timePtr(now)
	return nil
}

// Complete marks a running campaign whose enrollments have all finished.
func Complete(c *models.Campaign, now time.Time) error {
	if err := transition(c, models.CampaignCompleted); err != nil {
		return err
	}
	c.CompletedAt = timePtr(now)
	return nil
}

// TerminateCancelled closes an open enrollment of a cancelled campaign.
func TerminateCancelled(e *models.Enrollment) bool {
	if e.Status.Terminal() {
		return false
	}
	terminate(e, models.EnrollmentCompleted, CancelledReason)
	return true
}

// InitialDue is when step 0 of a freshly activated enrollment becomes due.
func InitialDue(c *models.Campaign, now time.Time) time.Time {
	if len(c.Steps) > 0 && c.Steps[0].Kind == models.StepEmail {
		return ledger.ClampToWindow(now, c.Location(), window(c))
	}
	return now
}

// Enroll builds the enrollment for a contact joining the campaign. Contacts
// joining a running campaign start active; otherwise they wait as pending.
func Enroll(c *models.Campaign, contactID uint, now time.Time) models.Enrollment {
	e := models.Enrollment{
		CampaignID: c.ID,
		ContactID:  contactID,
		Status:     models.EnrollmentPending,
	}
	if c.Status == models.CampaignRunning {
		Activate(&e, c, now)
	}
	return e
}

// Activate moves a pending enrollment to active at step 0.
func Activate(e *models.Enrollment, c *models.Campaign, now time.Time) bool {
	if e.Status != models.EnrollmentPending {
		return false
	}
	e.Status = models.EnrollmentActive
	e.CurrentStepOrder = 0
	e.NextDueAt = timePtr(InitialDue(c, now))
	return true
}

// Reschedule is the administrator override for next_due_at; it is the only
// operation allowed to move it earlier.
func Reschedule(e *models.Enrollment, at time.Time) error {
	if e.Status != models.EnrollmentActive {
		return fmt.Errorf("%w: enrollment %d is %s", ErrInvalidTransition, e.ID, e.Status)
	}
	e.NextDueAt = timePtr(at)
	e.RetryCount = 0
	return nil
}

// ApplyEvent applies the terminal effects of an external delivery event and
// reports whether the enrollment changed.
func ApplyEvent(e *models.Enrollment, c *models.Campaign, ev *models.DeliveryEvent) bool {
	if e.Status.Terminal() {
		return false
	}
	switch ev.Kind {
	case models.EventBounced:
		if !ev.IsHardBounce() {
			return false
		}
		terminate(e, models.EnrollmentBounced, bounceReason(ev))
		return true
	case models.EventUnsubscribed:
		terminate(e, models.EnrollmentUnsubscribed, "contact unsubscribed")
		return true
	case models.EventReplied:
		if c == nil || !c.StopOnReply {
			return false
		}
		e.Status = models.EnrollmentReplied
		e.NextDueAt = nil
		return true
	case models.EventError:
		if ev.Final {
			// the step was never delivered; later steps must not go out
			terminate(e, models.EnrollmentError, errorReason(ev))
			return true
		}
		if ev.Detail == "" || ev.Detail == e.LastError {
			return false
		}
		e.LastError = ev.Detail
		return true
	}
	return false
}

func bounceReason(ev *models.DeliveryEvent) string {
	if ev.Detail != "" {
		return "hard bounce: " + ev.Detail
	}
	return "hard bounce"
}

func errorReason(ev *models.DeliveryEvent) string {
	if ev.Detail != "" {
		return "delivery failed: " + ev.Detail
	}
	return "delivery failed"
}
