package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidSection is returned by MergeSection for an unknown section name or a
// payload whose type does not belong to the named section.
var ErrInvalidSection = errors.New("invalid record section")

// Section names a top-level, independently mergeable part of a Record.
type Section string

const (
	SectionConsent     Section = "consent"
	SectionProfile     Section = "profile"
	SectionMetrics     Section = "metrics"
	SectionEligibility Section = "eligibility"
	SectionMedical     Section = "medical"
	SectionPlan        Section = "plan"
	SectionCheckout    Section = "checkout"
	SectionUTM         Section = "utm"
)

type Pregnancy string

const (
	PregnancyYes Pregnancy = "Yes"
	PregnancyNo  Pregnancy = "No"
)

type BillingCycle string

const (
	BillingMonthly   BillingCycle = "Monthly"
	BillingQuarterly BillingCycle = "Quarterly"
)

// Consent flags only ever move from false to true within a run.
type Consent struct {
	TOS       bool
	Privacy   bool
	Marketing bool
}

type Profile struct {
	FirstName string
	LastName  string
	DOB       *time.Time // date-only semantics
	Sex       string
	Region    string
	Email     string
	Phone     string
}

// Metrics holds the raw body measurements and the BMI derived from them.
// BMI is never accepted from callers; see MergeSection.
type Metrics struct {
	HeightCm *float64
	WeightKg *float64
	BMI      *float64
}

type Eligibility struct {
	AgeOK             *bool
	BMIOK             *bool
	Contraindications []string
	Pregnant          Pregnancy
}

type Medical struct {
	Conditions  []string
	Allergies   []string
	Medications []string
	Notes       string
}

type PlanSelection struct {
	SelectedPlanID *PlanID
	Price          *int
	BillingCycle   BillingCycle
	Coupon         string
}

// Checkout holds the simulated payment details.
// AgreeMedicalReview is only set by the medical step handler.
type Checkout struct {
	NameOnCard         string
	BillingZip         string
	AgreeMedicalReview bool
}

// Record is the single accumulating submission for one run.
type Record struct {
	RunID RunID

	Consent     Consent
	Profile     Profile
	Metrics     Metrics
	Eligibility Eligibility
	Medical     Medical
	Plan        PlanSelection
	Checkout    Checkout

	// UTM carries the attribution parameters captured when the run started.
	UTM map[string]string

	SubmittedAt *time.Time
}

// NewRecord returns an empty record for runID with every field at its default.
func NewRecord(runID RunID) Record {
	return Record{
		RunID: runID,
		Eligibility: Eligibility{
			Contraindications: []string{},
			Pregnant:          PregnancyNo,
		},
		Medical: Medical{
			Conditions:  []string{},
			Allergies:   []string{},
			Medications: []string{},
		},
		Plan: PlanSelection{BillingCycle: BillingMonthly},
		UTM:  map[string]string{},
	}
}

// MergeSection returns a copy of rec with only the named section replaced by partial.
//
// Section-level rules:
//   - consent is OR-ed with the stored flags (false→true only);
//   - metrics always recomputes BMI from the incoming raw inputs;
//   - set-valued fields are deduplicated keeping first occurrence.
//
// MergeSection performs no cross-section updates.
func MergeSection(rec Record, section Section, partial any) (Record, error) {
	out := rec.Clone()
	switch section {
	case SectionConsent:
		c, ok := partial.(Consent)
		if !ok {
			return rec, invalidPayload(section, partial)
		}
		out.Consent = Consent{
			TOS:       rec.Consent.TOS || c.TOS,
			Privacy:   rec.Consent.Privacy || c.Privacy,
			Marketing: rec.Consent.Marketing || c.Marketing,
		}
	case SectionProfile:
		p, ok := partial.(Profile)
		if !ok {
			return rec, invalidPayload(section, partial)
		}
		p.DOB = cloneTimePtr(p.DOB)
		out.Profile = p
	case SectionMetrics:
		m, ok := partial.(Metrics)
		if !ok {
			return rec, invalidPayload(section, partial)
		}
		out.Metrics = Metrics{
			HeightCm: cloneFloatPtr(m.HeightCm),
			WeightKg: cloneFloatPtr(m.WeightKg),
			BMI:      ComputeBMI(m.HeightCm, m.WeightKg),
		}
	case SectionEligibility:
		e, ok := partial.(Eligibility)
		if !ok {
			return rec, invalidPayload(section, partial)
		}
		if e.Pregnant == "" {
			e.Pregnant = PregnancyNo
		}
		out.Eligibility = Eligibility{
			AgeOK:             cloneBoolPtr(e.AgeOK),
			BMIOK:             cloneBoolPtr(e.BMIOK),
			Contraindications: NormalizeSet(e.Contraindications),
			Pregnant:          e.Pregnant,
		}
	case SectionMedical:
		m, ok := partial.(Medical)
		if !ok {
			return rec, invalidPayload(section, partial)
		}
		out.Medical = Medical{
			Conditions:  NormalizeSet(m.Conditions),
			Allergies:   NormalizeSet(m.Allergies),
			Medications: NormalizeList(m.Medications),
			Notes:       m.Notes,
		}
	case SectionPlan:
		p, ok := partial.(PlanSelection)
		if !ok {
			return rec, invalidPayload(section, partial)
		}
		if p.BillingCycle == "" {
			p.BillingCycle = BillingMonthly
		}
		out.Plan = PlanSelection{
			SelectedPlanID: clonePlanIDPtr(p.SelectedPlanID),
			Price:          cloneIntPtr(p.Price),
			BillingCycle:   p.BillingCycle,
			Coupon:         p.Coupon,
		}
	case SectionCheckout:
		c, ok := partial.(Checkout)
		if !ok {
			return rec, invalidPayload(section, partial)
		}
		out.Checkout = c
	case SectionUTM:
		u, ok := partial.(map[string]string)
		if !ok {
			return rec, invalidPayload(section, partial)
		}
		out.UTM = cloneStringMap(u)
	default:
		return rec, fmt.Errorf("%w: %q", ErrInvalidSection, section)
	}
	return out, nil
}

// MarkSubmitted stamps SubmittedAt if it is not already set.
// The boolean reports whether this call performed the stamp.
func MarkSubmitted(rec Record, at time.Time) (Record, bool) {
	if rec.SubmittedAt != nil {
		return rec, false
	}
	out := rec.Clone()
	t := at.UTC()
	out.SubmittedAt = &t
	return out, true
}

// Clone returns a deep copy; the result shares no slices, maps or pointers with rec.
func (rec Record) Clone() Record {
	out := rec
	out.Profile.DOB = cloneTimePtr(rec.Profile.DOB)
	out.Metrics = Metrics{
		HeightCm: cloneFloatPtr(rec.Metrics.HeightCm),
		WeightKg: cloneFloatPtr(rec.Metrics.WeightKg),
		BMI:      cloneFloatPtr(rec.Metrics.BMI),
	}
	out.Eligibility.AgeOK = cloneBoolPtr(rec.Eligibility.AgeOK)
	out.Eligibility.BMIOK = cloneBoolPtr(rec.Eligibility.BMIOK)
	out.Eligibility.Contraindications = cloneStrings(rec.Eligibility.Contraindications)
	out.Medical.Conditions = cloneStrings(rec.Medical.Conditions)
	out.Medical.Allergies = cloneStrings(rec.Medical.Allergies)
	out.Medical.Medications = cloneStrings(rec.Medical.Medications)
	out.Plan.SelectedPlanID = clonePlanIDPtr(rec.Plan.SelectedPlanID)
	out.Plan.Price = cloneIntPtr(rec.Plan.Price)
	out.UTM = cloneStringMap(rec.UTM)
	out.SubmittedAt = cloneTimePtr(rec.SubmittedAt)
	return out
}

// HasSelectedPlan reports whether a plan has been chosen.
func (rec Record) HasSelectedPlan() bool {
	return rec.Plan.SelectedPlanID != nil && *rec.Plan.SelectedPlanID != ""
}

// IsSubmitted reports whether checkout has completed for this run.
func (rec Record) IsSubmitted() bool { return rec.SubmittedAt != nil }

func invalidPayload(section Section, partial any) error {
	return fmt.Errorf("%w: %q does not accept %T", ErrInvalidSection, section, partial)
}

func cloneStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return append([]string(nil), in...)
}

func cloneStringMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneTimePtr(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneFloatPtr(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneIntPtr(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneBoolPtr(p *bool) *bool {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func clonePlanIDPtr(p *PlanID) *PlanID {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
