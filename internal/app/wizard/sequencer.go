package wizard

import (
	"github.com/metabolic-care/intake-api/internal/domain"
)

// Redirect records a corrective transition applied by an entry guard.
type Redirect struct {
	From domain.Step
	To   domain.Step
}

// Sequencer tracks the wizard position for one run.
//
// Only current and furthest are persisted. The validated flag lives for a
// single submission: it is set by MarkValidated and consumed by Advance.
type Sequencer struct {
	current   domain.Step
	furthest  domain.Step
	validated bool
}

func NewSequencer() *Sequencer {
	return &Sequencer{current: domain.StepLanding, furthest: domain.StepLanding}
}

// RestoreSequencer rebuilds a sequencer from stored indices. An out-of-range
// current index falls back to Landing; corrected reports whether any stored
// value had to be changed.
func RestoreSequencer(step, furthest int) (seq *Sequencer, corrected bool) {
	cur := domain.Step(step)
	far := domain.Step(furthest)
	if !cur.Valid() {
		cur, far, corrected = domain.StepLanding, domain.StepLanding, true
	}
	if !far.Valid() || far < cur {
		far, corrected = cur, true
	}
	return &Sequencer{current: cur, furthest: far}, corrected
}

func (s *Sequencer) Current() domain.Step  { return s.current }
func (s *Sequencer) Furthest() domain.Step { return s.furthest }

// MarkValidated records that step passed validation and was merged. It must
// name the current step.
func (s *Sequencer) MarkValidated(step domain.Step) error {
	if step != s.current {
		return ErrStepMismatch
	}
	s.validated = true
	return nil
}

// Advance moves to the next step. It is allowed immediately after
// MarkValidated, or when the current step was already completed earlier in
// the run. Entry guards are applied to the new step.
func (s *Sequencer) Advance(rec domain.Record) ([]Redirect, error) {
	if s.current == domain.StepConfirmation {
		return nil, ErrOutOfOrderAdvance
	}
	if !s.validated && s.current >= s.furthest {
		return nil, ErrOutOfOrderAdvance
	}
	s.current++
	s.validated = false
	if s.current > s.furthest {
		s.furthest = s.current
	}
	return s.Enter(rec), nil
}

// Retreat moves to the previous step without touching any data.
func (s *Sequencer) Retreat() error {
	if s.current == domain.StepLanding {
		return ErrNoPreviousStep
	}
	s.current--
	s.validated = false
	return nil
}

// Reset returns to Landing and forgets progress.
func (s *Sequencer) Reset() {
	s.current = domain.StepLanding
	s.furthest = domain.StepLanding
	s.validated = false
}

// Enter applies the entry guards for the current step and returns the
// redirects taken, in order. Confirmation without a submission falls back to
// Checkout, and Checkout without a selected plan falls back to PlanSelection.
func (s *Sequencer) Enter(rec domain.Record) []Redirect {
	var out []Redirect
	if s.current == domain.StepConfirmation && !rec.IsSubmitted() {
		out = append(out, s.redirect(domain.StepCheckout))
	}
	if s.current == domain.StepCheckout && !rec.HasSelectedPlan() {
		out = append(out, s.redirect(domain.StepPlanSelection))
	}
	return out
}

func (s *Sequencer) redirect(to domain.Step) Redirect {
	r := Redirect{From: s.current, To: to}
	s.current = to
	s.furthest = to
	s.validated = false
	return r
}

// Actions lists the transitions currently available to the renderer.
func (s *Sequencer) Actions(rec domain.Record) []Action {
	var out []Action
	switch s.current {
	case domain.StepPlanSelection:
		out = append(out, ActionSelectPlan)
	case domain.StepConfirmation:
	default:
		out = append(out, ActionSubmit)
	}
	if s.current != domain.StepLanding {
		out = append(out, ActionBack)
	}
	if s.current < s.furthest && s.current != domain.StepConfirmation {
		out = append(out, ActionForward)
	}
	if s.current == domain.StepConfirmation && rec.IsSubmitted() {
		out = append(out, ActionRestart)
	}
	return append(out, ActionExport)
}
