// Package submissiondoc defines the JSON document for a wizard record. It is
// the export format handed to users and downstream systems, and the encoding
// the document-oriented stores persist.
package submissiondoc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oapi-codegen/nullable"
	openapi_types "github.com/oapi-codegen/runtime/types"

	"github.com/metabolic-care/intake-api/internal/domain"
)

// Document is the wire shape of a record. Values that have not been
// collected yet are explicit nulls; submittedAt is absent until checkout.
type Document struct {
	RunID       string            `json:"runId"`
	Consent     Consent           `json:"consent"`
	Profile     Profile           `json:"profile"`
	Metrics     Metrics           `json:"metrics"`
	Eligibility Eligibility       `json:"eligibility"`
	Medical     Medical           `json:"medical"`
	Plan        Plan              `json:"plan"`
	Checkout    Checkout          `json:"checkout"`
	UTM         map[string]string `json:"utm"`
	SubmittedAt *time.Time        `json:"submittedAt,omitempty"`
}

type Consent struct {
	TOS       bool `json:"tos"`
	Privacy   bool `json:"privacy"`
	Marketing bool `json:"marketing"`
}

type Profile struct {
	FirstName string                                `json:"firstName"`
	LastName  string                                `json:"lastName"`
	DOB       nullable.Nullable[openapi_types.Date] `json:"dob"`
	Sex       string                                `json:"sex"`
	Region    string                                `json:"region"`
	Email     string                                `json:"email"`
	Phone     string                                `json:"phone"`
}

type Metrics struct {
	HeightCm nullable.Nullable[float64] `json:"heightCm"`
	WeightKg nullable.Nullable[float64] `json:"weightKg"`
	BMI      nullable.Nullable[float64] `json:"bmi"`
}

type Eligibility struct {
	AgeOK             nullable.Nullable[bool] `json:"ageOk"`
	BMIOK             nullable.Nullable[bool] `json:"bmiOk"`
	Contraindications []string                `json:"contraindications"`
	Pregnant          string                  `json:"pregnant"`
}

type Medical struct {
	Conditions  []string `json:"conditions"`
	Allergies   []string `json:"allergies"`
	Medications []string `json:"medications"`
	Notes       string   `json:"notes"`
}

type Plan struct {
	SelectedPlanID nullable.Nullable[string] `json:"selectedPlanId"`
	Price          nullable.Nullable[int]    `json:"price"`
	BillingCycle   string                    `json:"billingCycle"`
	Coupon         string                    `json:"coupon"`
}

type Checkout struct {
	NameOnCard         string `json:"nameOnCard"`
	BillingZip         string `json:"billingZip"`
	AgreeMedicalReview bool   `json:"agreeMedicalReview"`
}

// FileName is the download name for a run's export.
func FileName(id domain.RunID) string {
	return fmt.Sprintf("submission_%s.json", id)
}

func FromRecord(rec domain.Record) Document {
	doc := Document{
		RunID:   string(rec.RunID),
		Consent: Consent(rec.Consent),
		Profile: Profile{
			FirstName: rec.Profile.FirstName,
			LastName:  rec.Profile.LastName,
			DOB:       nullable.NewNullNullable[openapi_types.Date](),
			Sex:       rec.Profile.Sex,
			Region:    rec.Profile.Region,
			Email:     rec.Profile.Email,
			Phone:     rec.Profile.Phone,
		},
		Metrics: Metrics{
			HeightCm: toNullable(rec.Metrics.HeightCm),
			WeightKg: toNullable(rec.Metrics.WeightKg),
			BMI:      toNullable(rec.Metrics.BMI),
		},
		Eligibility: Eligibility{
			AgeOK:             toNullable(rec.Eligibility.AgeOK),
			BMIOK:             toNullable(rec.Eligibility.BMIOK),
			Contraindications: nonNil(rec.Eligibility.Contraindications),
			Pregnant:          string(rec.Eligibility.Pregnant),
		},
		Medical: Medical{
			Conditions:  nonNil(rec.Medical.Conditions),
			Allergies:   nonNil(rec.Medical.Allergies),
			Medications: nonNil(rec.Medical.Medications),
			Notes:       rec.Medical.Notes,
		},
		Plan: Plan{
			SelectedPlanID: nullable.NewNullNullable[string](),
			Price:          toNullable(rec.Plan.Price),
			BillingCycle:   string(rec.Plan.BillingCycle),
			Coupon:         rec.Plan.Coupon,
		},
		Checkout: Checkout(rec.Checkout),
		UTM:      rec.UTM,
	}
	if doc.UTM == nil {
		doc.UTM = map[string]string{}
	}
	if rec.Profile.DOB != nil {
		doc.Profile.DOB = nullable.NewNullableWithValue(openapi_types.Date{Time: *rec.Profile.DOB})
	}
	if rec.Plan.SelectedPlanID != nil {
		doc.Plan.SelectedPlanID = nullable.NewNullableWithValue(string(*rec.Plan.SelectedPlanID))
	}
	if rec.SubmittedAt != nil {
		t := rec.SubmittedAt.UTC()
		doc.SubmittedAt = &t
	}
	return doc
}

// ToRecord converts the document back into a domain record. Missing
// collections decode as empty and missing enums take their defaults.
func (d Document) ToRecord() domain.Record {
	rec := domain.NewRecord(domain.RunID(d.RunID))
	rec.Consent = domain.Consent(d.Consent)
	rec.Profile = domain.Profile{
		FirstName: d.Profile.FirstName,
		LastName:  d.Profile.LastName,
		Sex:       d.Profile.Sex,
		Region:    d.Profile.Region,
		Email:     d.Profile.Email,
		Phone:     d.Profile.Phone,
	}
	if dob := fromNullable(d.Profile.DOB); dob != nil {
		t := dob.Time.UTC()
		rec.Profile.DOB = &t
	}
	rec.Metrics = domain.Metrics{
		HeightCm: fromNullable(d.Metrics.HeightCm),
		WeightKg: fromNullable(d.Metrics.WeightKg),
		BMI:      fromNullable(d.Metrics.BMI),
	}
	rec.Eligibility = domain.Eligibility{
		AgeOK:             fromNullable(d.Eligibility.AgeOK),
		BMIOK:             fromNullable(d.Eligibility.BMIOK),
		Contraindications: nonNil(d.Eligibility.Contraindications),
		Pregnant:          domain.Pregnancy(d.Eligibility.Pregnant),
	}
	if rec.Eligibility.Pregnant == "" {
		rec.Eligibility.Pregnant = domain.PregnancyNo
	}
	rec.Medical = domain.Medical{
		Conditions:  nonNil(d.Medical.Conditions),
		Allergies:   nonNil(d.Medical.Allergies),
		Medications: nonNil(d.Medical.Medications),
		Notes:       d.Medical.Notes,
	}
	rec.Plan = domain.PlanSelection{
		Price:        fromNullable(d.Plan.Price),
		BillingCycle: domain.BillingCycle(d.Plan.BillingCycle),
		Coupon:       d.Plan.Coupon,
	}
	if rec.Plan.BillingCycle == "" {
		rec.Plan.BillingCycle = domain.BillingMonthly
	}
	if id := fromNullable(d.Plan.SelectedPlanID); id != nil {
		pid := domain.PlanID(*id)
		rec.Plan.SelectedPlanID = &pid
	}
	rec.Checkout = domain.Checkout(d.Checkout)
	for k, v := range d.UTM {
		rec.UTM[k] = v
	}
	if d.SubmittedAt != nil {
		t := d.SubmittedAt.UTC()
		rec.SubmittedAt = &t
	}
	return rec
}

// Encode returns the compact JSON encoding used for storage and delivery.
func Encode(rec domain.Record) ([]byte, error) {
	return json.Marshal(FromRecord(rec))
}

// EncodeIndent returns the human-readable export encoding.
func EncodeIndent(rec domain.Record) ([]byte, error) {
	return json.MarshalIndent(FromRecord(rec), "", "  ")
}

func Decode(b []byte) (domain.Record, error) {
	var d Document
	if err := json.Unmarshal(b, &d); err != nil {
		return domain.Record{}, fmt.Errorf("decode submission document: %w", err)
	}
	return d.ToRecord(), nil
}

func toNullable[T any](p *T) nullable.Nullable[T] {
	if p == nil {
		return nullable.NewNullNullable[T]()
	}
	return nullable.NewNullableWithValue(*p)
}

func fromNullable[T any](n nullable.Nullable[T]) *T {
	if !n.IsSpecified() || n.IsNull() {
		return nil
	}
	v, err := n.Get()
	if err != nil {
		return nil
	}
	return &v
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return append([]string(nil), in...)
}
