package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// StepKind discriminates the payload carried by a Step row
type StepKind string

const (
	StepEmail     StepKind = "email"
	StepDelay     StepKind = "delay"
	StepCondition StepKind = "condition"
)

// Step is one position in a campaign sequence. Exactly one of Email, Delay or
// Condition is set, matching Kind; callers work with the value returned by
// Action rather than the optional columns.
type Step struct {
	gorm.Model
	CampaignID uint     `gorm:"not null;index" json:"campaign_id"`
	Order      int      `gorm:"not null" json:"order" validate:"min=0"`
	Kind       StepKind `gorm:"not null" json:"kind" validate:"oneof=email delay condition"`

	Email     *EmailStep     `gorm:"type:jsonb;serializer:json" json:"email,omitempty"`
	Delay     *DelayStep     `gorm:"type:jsonb;serializer:json" json:"delay,omitempty"`
	Condition *ConditionStep `gorm:"type:jsonb;serializer:json" json:"condition,omitempty"`
}

// StepAction is the sealed set of step payloads.
type StepAction interface {
	stepKind() StepKind
}

// EmailStep sends one message.
type EmailStep struct {
	Subject       string `json:"subject" validate:"required"`
	Body          string `json:"body" validate:"required"`
	SkipIfReplied bool   `json:"skip_if_replied"`
}

// DelayStep waits before the next step.
type DelayStep struct {
	Days    int `json:"days" validate:"min=0"`
	Hours   int `json:"hours" validate:"min=0"`
	Minutes int `json:"minutes" validate:"min=0"`
}

// Predicate is an engagement test evaluated by a condition step.
type Predicate string

const (
	PredicateOpened     Predicate = "opened"
	PredicateClicked    Predicate = "clicked"
	PredicateReplied    Predicate = "replied"
	PredicateNotOpened  Predicate = "not_opened"
	PredicateNotClicked Predicate = "not_clicked"
)

// ConditionStep branches on engagement with the preceding email.
type ConditionStep struct {
	Predicate Predicate `json:"predicate" validate:"oneof=opened clicked replied not_opened not_clicked"`
	YesStep   int       `json:"yes_step" validate:"min=0"`
	NoStep    int       `json:"no_step" validate:"min=0"`
}

func (EmailStep) stepKind() StepKind     { return StepEmail }
func (DelayStep) stepKind() StepKind     { return StepDelay }
func (ConditionStep) stepKind() StepKind { return StepCondition }

// Duration is the total wait of the delay.
func (d DelayStep) Duration() time.Duration {
	return time.Duration(d.Days)*24*time.Hour +
		time.Duration(d.Hours)*time.Hour +
		time.Duration(d.Minutes)*time.Minute
}

// Action returns the typed payload for the step's kind.
func (s *Step) Action() (StepAction, error) {
	switch s.Kind {
	case StepEmail:
		if s.Email == nil || s.Delay != nil || s.Condition != nil {
			return nil, fmt.Errorf("step %d: email step must carry only an email payload", s.Order)
		}
		return *s.Email, nil
	case StepDelay:
		if s.Delay == nil || s.Email != nil || s.Condition != nil {
			return nil, fmt.Errorf("step %d: delay step must carry only a delay payload", s.Order)
		}
		return *s.Delay, nil
	case StepCondition:
		if s.Condition == nil || s.Email != nil || s.Delay != nil {
			return nil, fmt.Errorf("step %d: condition step must carry only a condition payload", s.Order)
		}
		return *s.Condition, nil
	}
	return nil, fmt.Errorf("step %d: unknown kind %q", s.Order, s.Kind)
}

// NewEmailStep, NewDelayStep and NewConditionStep build well-formed rows.
func NewEmailStep(order int, e EmailStep) Step {
	return Step{Order: order, Kind: StepEmail, Email: &e}
}

func NewDelayStep(order int, d DelayStep) Step {
	return Step{Order: order, Kind: StepDelay, Delay: &d}
}

func NewConditionStep(order int, c ConditionStep) Step {
	return Step{Order: order, Kind: StepCondition, Condition: &c}
}
