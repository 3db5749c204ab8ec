package domain

import "fmt"

// Step is a position in the fixed, linear wizard sequence.
type Step int

const (
	StepLanding Step = iota
	StepEligibility
	StepMedical
	StepPlanSelection
	StepCheckout
	StepConfirmation
)

var stepNames = [...]string{
	StepLanding:       "landing",
	StepEligibility:   "eligibility",
	StepMedical:       "medical",
	StepPlanSelection: "plan",
	StepCheckout:      "checkout",
	StepConfirmation:  "confirmation",
}

var stepTitles = [...]string{
	StepLanding:       "Landing",
	StepEligibility:   "Eligibility",
	StepMedical:       "Medical",
	StepPlanSelection: "Plan & Pricing",
	StepCheckout:      "Checkout",
	StepConfirmation:  "Confirmation",
}

// StepCount is the number of steps in the sequence.
const StepCount = len(stepNames)

// Steps returns every step in order.
func Steps() []Step {
	out := make([]Step, 0, StepCount)
	for i := 0; i < StepCount; i++ {
		out = append(out, Step(i))
	}
	return out
}

// Valid reports whether s is inside the sequence.
func (s Step) Valid() bool { return s >= StepLanding && s <= StepConfirmation }

func (s Step) String() string {
	if !s.Valid() {
		return fmt.Sprintf("step(%d)", int(s))
	}
	return stepNames[s]
}

// Title is the human-readable label used by renderers.
func (s Step) Title() string {
	if !s.Valid() {
		return ""
	}
	return stepTitles[s]
}
