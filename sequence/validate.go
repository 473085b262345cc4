package sequence

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"outreach/models"
	"outreach/utils"
)

var ErrInvalidCampaign = errors.New("invalid campaign")

// Validate checks a campaign before launch so that malformed steps fail here
// rather than at dispatch time. Steps are sorted by Order in place.
func Validate(c *models.Campaign) error {
	if err := utils.ValidateStruct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCampaign, err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("%w: timezone %q: %v", ErrInvalidCampaign, c.Timezone, err)
	}
	w, err := c.Window()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCampaign, err)
	}
	if w.End <= w.Start {
		return fmt.Errorf("%w: send window must end after it starts", ErrInvalidCampaign)
	}
	if c.ActiveDays&models.AllWeekdays == 0 {
		return fmt.Errorf("%w: at least one active weekday is required", ErrInvalidCampaign)
	}

	sort.SliceStable(c.Steps, func(i, j int) bool { return c.Steps[i].Order < c.Steps[j].Order })
	n := len(c.Steps)
	for i := range c.Steps {
		s := &c.Steps[i]
		if s.Order != i {
			return fmt.Errorf("%w: step orders must be dense from 0, found %d at position %d", ErrInvalidCampaign, s.Order, i)
		}
		action, err := s.Action()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCampaign, err)
		}
		switch a := action.(type) {
		case models.DelayStep:
			if a.Duration() <= 0 {
				return fmt.Errorf("%w: step %d: delay must be positive", ErrInvalidCampaign, i)
			}
		case models.ConditionStep:
			for _, target := range []int{a.YesStep, a.NoStep} {
				if target < 0 || target > n {
					return fmt.Errorf("%w: step %d: branch target %d does not exist", ErrInvalidCampaign, i, target)
				}
			}
		}
	}
	if err := checkConditionCycles(c.Steps); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCampaign, err)
	}
	return nil
}

// checkConditionCycles rejects branch graphs where conditions can jump to
// each other forever without reaching an email or delay.
func checkConditionCycles(steps []models.Step) error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(steps))

	var visit func(i int) error
	visit = func(i int) error {
		if i >= len(steps) || steps[i].Kind != models.StepCondition {
			return nil
		}
		switch state[i] {
		case visiting:
			return fmt.Errorf("condition steps form a cycle through step %d", i)
		case done:
			return nil
		}
		state[i] = visiting
		cond := steps[i].Condition
		if err := visit(cond.YesStep); err != nil {
			return err
		}
		if err := visit(cond.NoStep); err != nil {
			return err
		}
		state[i] = done
		return nil
	}

	for i := range steps {
		if err := visit(i); err != nil {
			return err
		}
	}
	return nil
}
