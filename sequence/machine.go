// Package sequence holds the per-enrollment state machine and the campaign
// lifecycle rules that feed it.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"outreach/allocator"
	"outreach/ledger"
	"outreach/models"

	"github.com/sirupsen/logrus"
)

// Outcome describes what one Advance call did.
type Outcome string

const (
	OutcomeIdle         Outcome = "idle"
	OutcomeCompleted    Outcome = "completed"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeDelayed      Outcome = "delayed"
	OutcomeDeferred     Outcome = "deferred"
	OutcomeSent         Outcome = "sent"
	OutcomeBackpressure Outcome = "backpressure"
	OutcomeRetry        Outcome = "retry"
	OutcomeFailed       Outcome = "failed"
	OutcomeSuppressed   Outcome = "suppressed"
)

// Allocator reserves quota on a sender and hands it back on failed hand-off.
type Allocator interface {
	Allocate(ctx context.Context, campaign *models.Campaign) (models.Sender, error)
	Release(ctx context.Context, senderID uint) error
}

// Transport accepts a dispatch request. A returned error means the message
// was not accepted and no delivery was attempted.
type Transport interface {
	Dispatch(ctx context.Context, req models.DispatchRequest) error
}

// Engagement summarizes events recorded for one sent step.
type Engagement struct {
	Opened  bool
	Clicked bool
	Replied bool
}

// History answers questions about recorded delivery events.
type History interface {
	HasReplied(ctx context.Context, enrollmentID uint) (bool, error)
	StepEngagement(ctx context.Context, enrollmentID, stepID uint) (Engagement, error)
}

// Writer persists engine-owned enrollment fields. Save must fail with
// models.ErrStaleEnrollment when e.Version no longer matches the stored row,
// and bump e.Version on success.
type Writer interface {
	SaveEnrollment(ctx context.Context, e *models.Enrollment) error
}

// Run is the material for one Advance: the campaign with its steps ordered by
// Order, the enrollment and its contact.
type Run struct {
	Campaign   *models.Campaign
	Enrollment *models.Enrollment
	Contact    *models.Contact
}

// Result reports the outcome and, for sends, the sender that carried it.
type Result struct {
	Outcome  Outcome
	SenderID uint
}

type Config struct {
	MaxHandoffAttempts int
	HandoffBackoff     time.Duration
}

type Machine struct {
	allocator Allocator
	transport Transport
	history   History
	writer    Writer
	cfg       Config
	logger    logrus.FieldLogger
}

func NewMachine(a Allocator, t Transport, h History, w Writer, cfg Config, logger logrus.FieldLogger) *Machine {
	if cfg.MaxHandoffAttempts <= 0 {
		cfg.MaxHandoffAttempts = 3
	}
	if cfg.HandoffBackoff <= 0 {
		cfg.HandoffBackoff = time.Minute
	}
	return &Machine{
		allocator: a,
		transport: t,
		history:   h,
		writer:    w,
		cfg:       cfg,
		logger:    logger,
	}
}

// Advance drives one due enrollment forward. It sends at most one email.
// Condition steps are resolved inline; any other step ends the call.
func (m *Machine) Advance(ctx context.Context, run Run, now time.Time) (Result, error) {
	e := run.Enrollment
	if run.Campaign.Status != models.CampaignRunning ||
		e.Status != models.EnrollmentActive ||
		e.NextDueAt == nil || e.NextDueAt.After(now) {
		return Result{Outcome: OutcomeIdle}, nil
	}

	steps := run.Campaign.Steps
	branched := false

	// A chain of conditions can visit each step at most once before reaching
	// a non-condition step; launch validation rejects condition-only cycles.
	for hops := 0; hops <= len(steps); hops++ {
		if e.CurrentStepOrder >= len(steps) {
			e.Status = models.EnrollmentCompleted
			e.NextDueAt = nil
			e.RetryCount = 0
			return m.save(ctx, e, OutcomeCompleted)
		}

		step := &steps[e.CurrentStepOrder]
		action, err := step.Action()
		if err != nil {
			return m.fail(ctx, e, err.Error())
		}

		switch a := action.(type) {
		case models.ConditionStep:
			eng, err := m.engagementBefore(ctx, e, steps)
			if err != nil {
				return Result{}, err
			}
			target := a.NoStep
			if Matches(a.Predicate, eng) {
				target = a.YesStep
			}
			m.logger.WithFields(logrus.Fields{
				"enrollment_id": e.ID,
				"step_order":    e.CurrentStepOrder,
				"predicate":     a.Predicate,
				"target":        target,
			}).Debug("Condition evaluated")
			e.CurrentStepOrder = target
			e.NextDueAt = timePtr(now)
			branched = true
			continue

		case models.DelayStep:
			e.CurrentStepOrder++
			e.RetryCount = 0
			due := ledger.ClampToWindow(now.Add(a.Duration()), run.Campaign.Location(), window(run.Campaign))
			e.NextDueAt = &due
			return m.save(ctx, e, OutcomeDelayed)

		case models.EmailStep:
			return m.email(ctx, run, step, a, now, branched)
		}
	}
	return m.fail(ctx, e, "condition steps form a cycle")
}

func (m *Machine) email(ctx context.Context, run Run, step *models.Step, a models.EmailStep, now time.Time, branched bool) (Result, error) {
	e, c := run.Enrollment, run.Campaign
	log := m.logger.WithFields(logrus.Fields{
		"enrollment_id": e.ID,
		"campaign_id":   c.ID,
		"step_order":    e.CurrentStepOrder,
	})

	if a.SkipIfReplied {
		replied, err := m.history.HasReplied(ctx, e.ID)
		if err != nil {
			return Result{}, fmt.Errorf("check replies for enrollment %d: %w", e.ID, err)
		}
		if replied {
			m.moveToNext(e, c, now)
			log.Debug("Skipped email step after reply")
			return m.save(ctx, e, OutcomeSkipped)
		}
	}

	if run.Contact != nil {
		switch {
		case run.Contact.IsBounced:
			terminate(e, models.EnrollmentBounced, "contact is globally suppressed after a hard bounce")
			return m.save(ctx, e, OutcomeSuppressed)
		case run.Contact.IsUnsubscribed:
			terminate(e, models.EnrollmentUnsubscribed, "contact unsubscribed")
			return m.save(ctx, e, OutcomeSuppressed)
		case run.Contact.DeliverabilityScore < c.MinDeliverabilityScore:
			return m.fail(ctx, e, fmt.Sprintf("contact deliverability score %d is below campaign threshold %d",
				run.Contact.DeliverabilityScore, c.MinDeliverabilityScore))
		}
	}

	if due := ledger.ClampToWindow(now, c.Location(), window(c)); due.After(now) {
		e.NextDueAt = &due
		return m.save(ctx, e, OutcomeDeferred)
	}

	sender, err := m.allocator.Allocate(ctx, c)
	if errors.Is(err, allocator.ErrNoSenderAvailable) {
		// Backpressure: leave the enrollment due so the next tick retries.
		if branched {
			return m.save(ctx, e, OutcomeBackpressure)
		}
		return Result{Outcome: OutcomeBackpressure}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("allocate sender: %w", err)
	}

	before := *e
	m.moveToNext(e, c, now)
	e.LastError = ""
	if err := m.writer.SaveEnrollment(ctx, e); err != nil {
		*e = before
		if rerr := m.allocator.Release(ctx, sender.ID); rerr != nil {
			log.WithError(rerr).Warn("Failed to release reservation")
		}
		return Result{}, fmt.Errorf("persist enrollment %d: %w", e.ID, err)
	}

	req := models.DispatchRequest{
		EnrollmentID: e.ID,
		CampaignID:   c.ID,
		StepID:       step.ID,
		SenderID:     sender.ID,
		ContactID:    e.ContactID,
		Subject:      a.Subject,
		Body:         a.Body,
	}
	if err := m.transport.Dispatch(ctx, req); err != nil {
		if rerr := m.allocator.Release(ctx, sender.ID); rerr != nil {
			log.WithError(rerr).Warn("Failed to release reservation")
		}
		return m.handoffFailed(ctx, e, before, err, now)
	}

	log.WithField("sender_id", sender.ID).Info("Email handed to transport")
	return Result{Outcome: OutcomeSent, SenderID: sender.ID}, nil
}

// handoffFailed restores the pre-send position and schedules a retry with
// exponential backoff, or gives up after MaxHandoffAttempts.
func (m *Machine) handoffFailed(ctx context.Context, e *models.Enrollment, before models.Enrollment, cause error, now time.Time) (Result, error) {
	version := e.Version
	*e = before
	e.Version = version
	e.RetryCount = before.RetryCount + 1
	e.LastError = cause.Error()

	if e.RetryCount >= m.cfg.MaxHandoffAttempts {
		return m.fail(ctx, e, fmt.Sprintf("transport hand-off failed %d times: %v", e.RetryCount, cause))
	}
	backoff := m.cfg.HandoffBackoff << uint(e.RetryCount-1)
	e.NextDueAt = timePtr(now.Add(backoff))
	return m.save(ctx, e, OutcomeRetry)
}

// moveToNext advances past the current step. The next step becomes due now
// (clamped into the send window when it is an email); past the last step the
// enrollment completes.
func (m *Machine) moveToNext(e *models.Enrollment, c *models.Campaign, now time.Time) {
	e.CurrentStepOrder++
	e.RetryCount = 0
	if e.CurrentStepOrder >= len(c.Steps) {
		e.Status = models.EnrollmentCompleted
		e.NextDueAt = nil
		return
	}
	due := now
	if c.Steps[e.CurrentStepOrder].Kind == models.StepEmail {
		due = ledger.ClampToWindow(now, c.Location(), window(c))
	}
	e.NextDueAt = &due
}

func (m *Machine) engagementBefore(ctx context.Context, e *models.Enrollment, steps []models.Step) (Engagement, error) {
	for i := e.CurrentStepOrder - 1; i >= 0; i-- {
		if steps[i].Kind != models.StepEmail {
			continue
		}
		eng, err := m.history.StepEngagement(ctx, e.ID, steps[i].ID)
		if err != nil {
			return Engagement{}, fmt.Errorf("load engagement for enrollment %d: %w", e.ID, err)
		}
		return eng, nil
	}
	return Engagement{}, nil
}

func (m *Machine) fail(ctx context.Context, e *models.Enrollment, reason string) (Result, error) {
	terminate(e, models.EnrollmentError, reason)
	m.logger.WithFields(logrus.Fields{
		"enrollment_id": e.ID,
		"step_order":    e.CurrentStepOrder,
		"reason":        reason,
	}).Warn("Enrollment failed")
	return m.save(ctx, e, OutcomeFailed)
}

func (m *Machine) save(ctx context.Context, e *models.Enrollment, outcome Outcome) (Result, error) {
	if err := m.writer.SaveEnrollment(ctx, e); err != nil {
		return Result{}, fmt.Errorf("persist enrollment %d: %w", e.ID, err)
	}
	return Result{Outcome: outcome}, nil
}

// Matches evaluates a condition predicate.
func Matches(p models.Predicate, eng Engagement) bool {
	switch p {
	case models.PredicateOpened:
		return eng.Opened
	case models.PredicateClicked:
		return eng.Clicked
	case models.PredicateReplied:
		return eng.Replied
	case models.PredicateNotOpened:
		return !eng.Opened
	case models.PredicateNotClicked:
		return !eng.Clicked
	}
	return false
}

func terminate(e *models.Enrollment, status models.EnrollmentStatus, reason string) {
	e.Status = status
	e.NextDueAt = nil
	e.LastError = reason
}

func window(c *models.Campaign) models.SendWindow {
	w, err := c.Window()
	if err != nil {
		return models.FullWindow
	}
	return w
}

func timePtr(t time.Time) *time.Time {
	return &t
}
