package contracttest

import (
	"reflect"
	"testing"
	"time"

	"github.com/metabolic-care/intake-api/internal/domain"
)

// FullRecord returns a record with every section populated, for round-trip checks.
func FullRecord(id domain.RunID) domain.Record {
	f := func(v float64) *float64 { return &v }
	b := func(v bool) *bool { return &v }
	dob := time.Date(1988, 7, 14, 0, 0, 0, 0, time.UTC)
	plan := domain.PlanID("plus")
	price := 269
	submitted := time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)

	return domain.Record{
		RunID:   id,
		Consent: domain.Consent{TOS: true, Privacy: true, Marketing: false},
		Profile: domain.Profile{
			FirstName: "Ada",
			LastName:  "Lovelace",
			DOB:       &dob,
			Sex:       "Female",
			Region:    "CA",
			Email:     "ada@example.com",
			Phone:     "+1 555 0100",
		},
		Metrics: domain.Metrics{HeightCm: f(170), WeightKg: f(85), BMI: f(29.4)},
		Eligibility: domain.Eligibility{
			AgeOK:             b(true),
			BMIOK:             b(true),
			Contraindications: []string{"none"},
			Pregnant:          domain.PregnancyNo,
		},
		Medical: domain.Medical{
			Conditions:  []string{"hypertension", "asthma"},
			Allergies:   []string{},
			Medications: []string{"metformin 500mg", "lisinopril"},
			Notes:       "prefers mornings",
		},
		Plan: domain.PlanSelection{
			SelectedPlanID: &plan,
			Price:          &price,
			BillingCycle:   domain.BillingQuarterly,
			Coupon:         "WELCOME",
		},
		Checkout: domain.Checkout{NameOnCard: "Ada Lovelace", BillingZip: "94110", AgreeMedicalReview: true},
		UTM:      map[string]string{"utm_source": "newsletter"},

		SubmittedAt: &submitted,
	}
}

// AssertRecordEqual compares records field by field, treating timestamps by instant.
func AssertRecordEqual(t *testing.T, want, got domain.Record) {
	t.Helper()
	if !timePtrEqual(want.Profile.DOB, got.Profile.DOB) {
		t.Fatalf("dob: want %v got %v", want.Profile.DOB, got.Profile.DOB)
	}
	if !timePtrEqual(want.SubmittedAt, got.SubmittedAt) {
		t.Fatalf("submittedAt: want %v got %v", want.SubmittedAt, got.SubmittedAt)
	}
	want.Profile.DOB, got.Profile.DOB = nil, nil
	want.SubmittedAt, got.SubmittedAt = nil, nil
	if !reflect.DeepEqual(want, got) {
		t.Fatalf("record mismatch:\nwant %+v\ngot  %+v", want, got)
	}
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
