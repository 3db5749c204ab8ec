package wizard

import (
	"time"

	"github.com/metabolic-care/intake-api/internal/domain"
)

type StartRunInput struct {
	// UTM holds attribution parameters captured once at run start.
	UTM map[string]string
}

type LandingInput struct {
	FirstName string
	LastName  string
	Email     string
	Phone     string
	DOB       *time.Time
	Sex       string
	Region    string

	TOS       bool
	Privacy   bool
	Marketing bool
}

type EligibilityInput struct {
	HeightCm          *float64
	WeightKg          *float64
	AgeConfirmed      bool
	Pregnant          string
	Contraindications []string
}

type MedicalInput struct {
	Conditions        []string
	Allergies         []string
	Medications       []string
	Notes             string
	AcknowledgeReview bool
}

type PlanInput struct {
	PlanID       string
	BillingCycle string
	Coupon       string
}

type CheckoutInput struct {
	NameOnCard string
	BillingZip string
}

// LandingPayload is the normalized result of a successful landing validation.
type LandingPayload struct {
	Consent domain.Consent
	Profile domain.Profile
}

type EligibilityPayload struct {
	Metrics     domain.Metrics
	Eligibility domain.Eligibility
}

type MedicalPayload struct {
	Medical     domain.Medical
	Acknowledge bool
}

type PlanPayload struct {
	Plan      domain.Plan
	Selection domain.PlanSelection
}

type CheckoutPayload struct {
	Checkout domain.Checkout
}

// Action is a transition the renderer may offer on the current step.
type Action string

const (
	ActionSubmit     Action = "submit"
	ActionSelectPlan Action = "select_plan"
	ActionBack       Action = "back"
	ActionForward    Action = "forward"
	ActionRestart    Action = "restart"
	ActionExport     Action = "export"
)

// StepInfo describes one wizard step for progress display.
type StepInfo struct {
	Index int
	Name  string
	Title string
}

// View is everything a renderer needs to draw the current step.
type View struct {
	RunID     domain.RunID
	Step      domain.Step
	StepIndex int
	Steps     []StepInfo
	Record    domain.Record
	Actions   []Action
}
