package httpapi

import (
	"encoding/json"
	"errors"
	"time"

	openapi_types "github.com/oapi-codegen/runtime/types"

	"github.com/metabolic-care/intake-api/internal/adapters/submissiondoc"
	"github.com/metabolic-care/intake-api/internal/app/wizard"
	"github.com/metabolic-care/intake-api/internal/domain"
)

type StartRunRequest struct {
	UTM map[string]string `json:"utm,omitempty"`
}

type LandingRequest struct {
	FirstName string              `json:"firstName"`
	LastName  string              `json:"lastName"`
	Email     string              `json:"email"`
	Phone     string              `json:"phone,omitempty"`
	DOB       *openapi_types.Date `json:"dob,omitempty"`
	Sex       string              `json:"sex,omitempty"`
	Region    string              `json:"region,omitempty"`
	TOS       bool                `json:"tos"`
	Privacy   bool                `json:"privacy"`
	Marketing bool                `json:"marketing"`
}

type EligibilityRequest struct {
	HeightCm          *float64 `json:"heightCm"`
	WeightKg          *float64 `json:"weightKg"`
	AgeOK             bool     `json:"ageOk"`
	Pregnant          string   `json:"pregnant,omitempty"`
	Contraindications []string `json:"contraindications,omitempty"`
}

type MedicalRequest struct {
	Conditions        []string   `json:"conditions,omitempty"`
	Allergies         []string   `json:"allergies,omitempty"`
	Medications       stringList `json:"medications,omitempty"`
	Notes             string     `json:"notes,omitempty"`
	AcknowledgeReview bool       `json:"acknowledgeReview"`
}

type PlanRequest struct {
	PlanID       string `json:"planId"`
	BillingCycle string `json:"billingCycle,omitempty"`
	Coupon       string `json:"coupon,omitempty"`
}

type CheckoutRequest struct {
	NameOnCard string `json:"nameOnCard"`
	BillingZip string `json:"billingZip"`
}

// stringList accepts either a JSON array of strings or a single
// comma-separated string, so free-text form fields and structured clients
// both work.
type stringList []string

func (l *stringList) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*l = nil
		return nil
	}
	var arr []string
	if err := json.Unmarshal(b, &arr); err == nil {
		*l = arr
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.New("must be an array of strings or a comma-separated string")
	}
	*l = domain.SplitList(s)
	return nil
}

type StepResponse struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Title string `json:"title"`
}

type ViewResponse struct {
	RunID     string                 `json:"runId"`
	Step      string                 `json:"step"`
	Title     string                 `json:"title"`
	StepIndex int                    `json:"stepIndex"`
	StepCount int                    `json:"stepCount"`
	Steps     []StepResponse         `json:"steps"`
	Actions   []string               `json:"actions"`
	Record    submissiondoc.Document `json:"record"`
}

type PlanResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	BasePrice   int    `json:"basePrice"`
	Description string `json:"description"`
}

type PlansResponse struct {
	Plans []PlanResponse `json:"plans"`
}

func (r LandingRequest) toInput() wizard.LandingInput {
	in := wizard.LandingInput{
		FirstName: r.FirstName,
		LastName:  r.LastName,
		Email:     r.Email,
		Phone:     r.Phone,
		Sex:       r.Sex,
		Region:    r.Region,
		TOS:       r.TOS,
		Privacy:   r.Privacy,
		Marketing: r.Marketing,
	}
	if r.DOB != nil {
		d := time.Date(r.DOB.Year(), r.DOB.Month(), r.DOB.Day(), 0, 0, 0, 0, time.UTC)
		in.DOB = &d
	}
	return in
}

func (r EligibilityRequest) toInput() wizard.EligibilityInput {
	return wizard.EligibilityInput{
		HeightCm:          r.HeightCm,
		WeightKg:          r.WeightKg,
		AgeConfirmed:      r.AgeOK,
		Pregnant:          r.Pregnant,
		Contraindications: r.Contraindications,
	}
}

func (r MedicalRequest) toInput() wizard.MedicalInput {
	return wizard.MedicalInput{
		Conditions:        r.Conditions,
		Allergies:         r.Allergies,
		Medications:       []string(r.Medications),
		Notes:             r.Notes,
		AcknowledgeReview: r.AcknowledgeReview,
	}
}

func (r PlanRequest) toInput() wizard.PlanInput {
	return wizard.PlanInput{PlanID: r.PlanID, BillingCycle: r.BillingCycle, Coupon: r.Coupon}
}

func (r CheckoutRequest) toInput() wizard.CheckoutInput {
	return wizard.CheckoutInput{NameOnCard: r.NameOnCard, BillingZip: r.BillingZip}
}

func viewFromApp(v wizard.View) ViewResponse {
	steps := make([]StepResponse, 0, len(v.Steps))
	for _, s := range v.Steps {
		steps = append(steps, StepResponse{Index: s.Index, Name: s.Name, Title: s.Title})
	}
	actions := make([]string, 0, len(v.Actions))
	for _, a := range v.Actions {
		actions = append(actions, string(a))
	}
	return ViewResponse{
		RunID:     string(v.RunID),
		Step:      v.Step.String(),
		Title:     v.Step.Title(),
		StepIndex: v.StepIndex,
		StepCount: len(v.Steps),
		Steps:     steps,
		Actions:   actions,
		Record:    submissiondoc.FromRecord(v.Record),
	}
}

func plansFromDomain(ps []domain.Plan) PlansResponse {
	out := PlansResponse{Plans: make([]PlanResponse, 0, len(ps))}
	for _, p := range ps {
		out.Plans = append(out.Plans, PlanResponse{
			ID:          string(p.ID),
			Name:        p.Name,
			BasePrice:   p.BasePrice,
			Description: p.Description,
		})
	}
	return out
}
