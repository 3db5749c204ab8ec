package wizard

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/metabolic-care/intake-api/internal/domain"
)

// Accepted measurement ranges for eligibility.
const (
	MinHeightCm = 120.0
	MaxHeightCm = 230.0
	MinWeightKg = 40.0
	MaxWeightKg = 300.0

	minBillingZipLen = 4
)

// Validators are pure: they never touch the record and report every failing
// field rather than stopping at the first.

func ValidateLanding(in LandingInput) (LandingPayload, error) {
	var fe fieldErrors

	first := domain.NormalizeHumanName(in.FirstName)
	last := domain.NormalizeHumanName(in.LastName)
	email := strings.TrimSpace(in.Email)

	if first == "" {
		fe.add("firstName", CodeRequired, "must be non-empty")
	}
	if last == "" {
		fe.add("lastName", CodeRequired, "must be non-empty")
	}
	if email == "" {
		fe.add("email", CodeRequired, "must be non-empty")
	} else if !strings.Contains(email, "@") {
		fe.add("email", CodeInvalid, "must contain @")
	}
	if !in.TOS {
		fe.add("tos", CodeConsentRequired, "terms of service must be accepted")
	}
	if !in.Privacy {
		fe.add("privacy", CodeConsentRequired, "privacy policy must be accepted")
	}
	if err := fe.err(domain.StepLanding.String()); err != nil {
		return LandingPayload{}, err
	}

	var dob *time.Time
	if in.DOB != nil {
		y, m, d := in.DOB.Date()
		day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		dob = &day
	}

	return LandingPayload{
		Consent: domain.Consent{TOS: in.TOS, Privacy: in.Privacy, Marketing: in.Marketing},
		Profile: domain.Profile{
			FirstName: first,
			LastName:  last,
			DOB:       dob,
			Sex:       strings.TrimSpace(in.Sex),
			Region:    strings.TrimSpace(in.Region),
			Email:     email,
			Phone:     strings.TrimSpace(in.Phone),
		},
	}, nil
}

// ValidateEligibility checks the measurements and attestations.
//
// The age checkbox is taken at face value; it is not cross-checked against
// the profile date of birth.
func ValidateEligibility(in EligibilityInput) (EligibilityPayload, error) {
	var fe fieldErrors

	checkRange(&fe, "heightCm", in.HeightCm, MinHeightCm, MaxHeightCm)
	checkRange(&fe, "weightKg", in.WeightKg, MinWeightKg, MaxWeightKg)
	if !in.AgeConfirmed {
		fe.add("ageOk", CodeRequired, "age must be confirmed")
	}

	pregnant := domain.PregnancyNo
	switch strings.TrimSpace(in.Pregnant) {
	case "", string(domain.PregnancyNo):
	case string(domain.PregnancyYes):
		pregnant = domain.PregnancyYes
	default:
		fe.add("pregnant", CodeInvalid, "must be Yes or No")
	}
	if err := fe.err(domain.StepEligibility.String()); err != nil {
		return EligibilityPayload{}, err
	}

	ageOK := true
	return EligibilityPayload{
		Metrics: domain.Metrics{HeightCm: in.HeightCm, WeightKg: in.WeightKg},
		Eligibility: domain.Eligibility{
			AgeOK:             &ageOK,
			Contraindications: domain.NormalizeSet(in.Contraindications),
			Pregnant:          pregnant,
		},
	}, nil
}

func ValidateMedical(in MedicalInput) (MedicalPayload, error) {
	var fe fieldErrors
	if !in.AcknowledgeReview {
		fe.add("acknowledgeReview", CodeAcknowledgmentRequired, "clinician review must be acknowledged")
	}
	if err := fe.err(domain.StepMedical.String()); err != nil {
		return MedicalPayload{}, err
	}
	return MedicalPayload{
		Medical: domain.Medical{
			Conditions:  domain.NormalizeSet(in.Conditions),
			Allergies:   domain.NormalizeSet(in.Allergies),
			Medications: domain.NormalizeList(in.Medications),
			Notes:       strings.TrimSpace(in.Notes),
		},
		Acknowledge: true,
	}, nil
}

// ValidatePlan resolves the chosen plan against catalog. Price is left for
// the derivation step.
func ValidatePlan(in PlanInput, catalog domain.Catalog) (PlanPayload, error) {
	var fe fieldErrors

	id := domain.PlanID(strings.TrimSpace(in.PlanID))
	plan, ok := domain.Plan{}, false
	if id == "" {
		fe.add("planId", CodeRequired, "a plan must be selected")
	} else if plan, ok = catalog.Lookup(id); !ok {
		fe.add("planId", CodeUnknownPlan, "unknown plan")
	}

	cycle := domain.BillingMonthly
	switch strings.TrimSpace(in.BillingCycle) {
	case "", string(domain.BillingMonthly):
	case string(domain.BillingQuarterly):
		cycle = domain.BillingQuarterly
	default:
		fe.add("billingCycle", CodeInvalid, "must be Monthly or Quarterly")
	}
	if err := fe.err(domain.StepPlanSelection.String()); err != nil {
		return PlanPayload{}, err
	}

	return PlanPayload{
		Plan: plan,
		Selection: domain.PlanSelection{
			SelectedPlanID: &plan.ID,
			BillingCycle:   cycle,
			Coupon:         strings.TrimSpace(in.Coupon),
		},
	}, nil
}

func ValidateCheckout(in CheckoutInput) (CheckoutPayload, error) {
	var fe fieldErrors

	name := domain.NormalizeHumanName(in.NameOnCard)
	zip := strings.TrimSpace(in.BillingZip)
	if name == "" {
		fe.add("nameOnCard", CodeRequired, "must be non-empty")
	}
	switch {
	case zip == "":
		fe.add("billingZip", CodeRequired, "must be non-empty")
	case len([]rune(zip)) < minBillingZipLen:
		fe.add("billingZip", CodeTooShort, "must be at least 4 characters")
	}
	if err := fe.err(domain.StepCheckout.String()); err != nil {
		return CheckoutPayload{}, err
	}
	return CheckoutPayload{Checkout: domain.Checkout{NameOnCard: name, BillingZip: zip}}, nil
}

func checkRange(fe *fieldErrors, field string, v *float64, lo, hi float64) {
	switch {
	case v == nil:
		fe.add(field, CodeRequired, "is required")
	case math.IsNaN(*v) || *v < lo || *v > hi:
		fe.add(field, CodeOutOfRange, fmt.Sprintf("must be between %g and %g", lo, hi))
	}
}
