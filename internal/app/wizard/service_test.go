package wizard_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	memclock "github.com/metabolic-care/intake-api/internal/adapters/memory/clock"
	memsessionrepo "github.com/metabolic-care/intake-api/internal/adapters/memory/sessionrepo"
	"github.com/metabolic-care/intake-api/internal/app/wizard"
	"github.com/metabolic-care/intake-api/internal/domain"
	"github.com/metabolic-care/intake-api/internal/platform/logger"
	"github.com/metabolic-care/intake-api/internal/platform/metrics"
	"github.com/metabolic-care/intake-api/internal/ports/out/delivery/mocks"
	"github.com/metabolic-care/intake-api/internal/ports/out/sessionrepo"
)

type ServiceSuite struct {
	suite.Suite
	ctx     context.Context
	ctrl    *gomock.Controller
	hook    *mocks.MockHook
	repo    *memsessionrepo.Repo
	clock   *memclock.ManualClock
	metrics *metrics.Metrics
	svc     *wizard.Service
	ids     int
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.ctrl = gomock.NewController(s.T())
	s.hook = mocks.NewMockHook(s.ctrl)
	s.repo = memsessionrepo.NewRepo()
	s.clock = memclock.NewManualClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.ids = 0

	svc, err := wizard.New(s.repo, s.clock,
		wizard.WithLogger(logger.Discard()),
		wizard.WithMetrics(s.metrics),
		wizard.WithDelivery(s.hook),
		wizard.WithRunIDGenerator(func() domain.RunID {
			s.ids++
			return domain.RunID(fmt.Sprintf("run-%d", s.ids))
		}),
	)
	s.Require().NoError(err)
	s.svc = svc
}

func (s *ServiceSuite) TearDownTest() {
	s.svc.Wait()
	s.ctrl.Finish()
}

func f64(v float64) *float64 { return &v }

func (s *ServiceSuite) requireAppError(err error, status int, code string) *wizard.Error {
	var ae *wizard.Error
	s.Require().ErrorAs(err, &ae)
	s.Equal(status, ae.Status)
	s.Equal(code, ae.Code)
	return ae
}

func (s *ServiceSuite) landing() wizard.LandingInput {
	return wizard.LandingInput{FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com", TOS: true, Privacy: true}
}

func (s *ServiceSuite) eligibility() wizard.EligibilityInput {
	return wizard.EligibilityInput{HeightCm: f64(170), WeightKg: f64(85), AgeConfirmed: true}
}

// runTo starts a run and submits valid data until target is current.
func (s *ServiceSuite) runTo(target domain.Step) wizard.View {
	v, err := s.svc.StartRun(s.ctx, wizard.StartRunInput{UTM: map[string]string{"utm_source": "ads"}})
	s.Require().NoError(err)
	id := v.RunID
	for v.Step < target {
		switch v.Step {
		case domain.StepLanding:
			v, err = s.svc.SubmitLanding(s.ctx, id, s.landing())
		case domain.StepEligibility:
			v, err = s.svc.SubmitEligibility(s.ctx, id, s.eligibility())
		case domain.StepMedical:
			v, err = s.svc.SubmitMedical(s.ctx, id, wizard.MedicalInput{AcknowledgeReview: true})
		case domain.StepPlanSelection:
			v, err = s.svc.SelectPlan(s.ctx, id, wizard.PlanInput{PlanID: "plus", BillingCycle: "Quarterly"})
		case domain.StepCheckout:
			s.hook.EXPECT().Deliver(gomock.Any(), gomock.Any()).Return(nil)
			v, err = s.svc.SubmitCheckout(s.ctx, id, wizard.CheckoutInput{NameOnCard: "Ada Lovelace", BillingZip: "94110"})
		}
		s.Require().NoError(err)
	}
	return v
}

func (s *ServiceSuite) TestNew() {
	s.Run("nil repository returns error", func() {
		_, err := wizard.New(nil, s.clock)
		s.ErrorContains(err, "session repository is required")
	})
	s.Run("nil clock returns error", func() {
		_, err := wizard.New(s.repo, nil)
		s.ErrorContains(err, "clock is required")
	})
}

func (s *ServiceSuite) TestStartRun() {
	v, err := s.svc.StartRun(s.ctx, wizard.StartRunInput{UTM: map[string]string{"utm_campaign": "spring"}})
	s.Require().NoError(err)
	s.Equal(domain.RunID("run-1"), v.RunID)
	s.Equal(domain.StepLanding, v.Step)
	s.Len(v.Steps, domain.StepCount)
	s.Equal("Plan & Pricing", v.Steps[3].Title)
	s.Equal(domain.BillingMonthly, v.Record.Plan.BillingCycle)
	s.Equal("spring", v.Record.UTM["utm_campaign"])
	s.Nil(v.Record.SubmittedAt)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.RunsStarted))
}

func (s *ServiceSuite) TestEndToEnd() {
	v, err := s.svc.StartRun(s.ctx, wizard.StartRunInput{})
	s.Require().NoError(err)
	id := v.RunID

	v, err = s.svc.SubmitLanding(s.ctx, id, s.landing())
	s.Require().NoError(err)
	s.Equal(domain.StepEligibility, v.Step)
	s.True(v.Record.Consent.TOS)

	v, err = s.svc.SubmitEligibility(s.ctx, id, s.eligibility())
	s.Require().NoError(err)
	s.Equal(domain.StepMedical, v.Step)
	s.Require().NotNil(v.Record.Metrics.BMI)
	s.Equal(29.4, *v.Record.Metrics.BMI)
	s.Require().NotNil(v.Record.Eligibility.BMIOK)
	s.True(*v.Record.Eligibility.BMIOK)

	v, err = s.svc.SubmitMedical(s.ctx, id, wizard.MedicalInput{
		Conditions:        []string{"hypertension", "hypertension"},
		Medications:       []string{"metformin", "lisinopril"},
		AcknowledgeReview: true,
	})
	s.Require().NoError(err)
	s.Equal(domain.StepPlanSelection, v.Step)
	s.True(v.Record.Checkout.AgreeMedicalReview)
	s.Equal([]string{"hypertension"}, v.Record.Medical.Conditions)

	v, err = s.svc.SelectPlan(s.ctx, id, wizard.PlanInput{PlanID: "plus", BillingCycle: "Quarterly"})
	s.Require().NoError(err)
	s.Equal(domain.StepCheckout, v.Step)
	s.Require().NotNil(v.Record.Plan.Price)
	s.Equal(269, *v.Record.Plan.Price)

	var delivered domain.Record
	s.hook.EXPECT().Deliver(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, rec domain.Record) error {
		delivered = rec
		return nil
	}).Times(1)

	v, err = s.svc.SubmitCheckout(s.ctx, id, wizard.CheckoutInput{NameOnCard: "Ada Lovelace", BillingZip: "94110"})
	s.Require().NoError(err)
	s.svc.Wait()
	s.Equal(domain.StepConfirmation, v.Step)
	s.Require().NotNil(v.Record.SubmittedAt)
	s.True(v.Record.Checkout.AgreeMedicalReview, "checkout keeps the medical acknowledgment")
	s.Equal(id, delivered.RunID)
	s.Equal(v.Record.SubmittedAt, delivered.SubmittedAt)
	s.Contains(v.Actions, wizard.ActionRestart)

	// Back to checkout and resubmit: no second stamp, no second delivery.
	first := *v.Record.SubmittedAt
	s.clock.Advance(time.Hour)
	_, err = s.svc.Back(s.ctx, id)
	s.Require().NoError(err)
	v, err = s.svc.SubmitCheckout(s.ctx, id, wizard.CheckoutInput{NameOnCard: "Ada King", BillingZip: "94110"})
	s.Require().NoError(err)
	s.Equal(domain.StepConfirmation, v.Step)
	s.Equal(first, *v.Record.SubmittedAt)
	s.Equal("Ada King", v.Record.Checkout.NameOnCard)
	s.svc.Wait()
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Submissions))
}

func (s *ServiceSuite) TestValidationFailureLeavesRunUntouched() {
	v := s.runTo(domain.StepEligibility)
	before, err := s.repo.Get(s.ctx, v.RunID)
	s.Require().NoError(err)

	in := s.eligibility()
	in.HeightCm = f64(500)
	_, err = s.svc.SubmitEligibility(s.ctx, v.RunID, in)
	ae := s.requireAppError(err, 422, "VALIDATION_ERROR")
	s.Contains(ae.Details, "heightCm")

	after, err := s.repo.Get(s.ctx, v.RunID)
	s.Require().NoError(err)
	s.Equal(before.Version, after.Version)
	s.Equal(int(domain.StepEligibility), after.Step)
	s.Nil(after.Record.Metrics.BMI)
}

func (s *ServiceSuite) TestMedicalAcknowledgmentRequired() {
	v := s.runTo(domain.StepMedical)
	_, err := s.svc.SubmitMedical(s.ctx, v.RunID, wizard.MedicalInput{Conditions: []string{"asthma"}})
	s.requireAppError(err, 422, "ACKNOWLEDGMENT_REQUIRED")
	s.ErrorIs(err, wizard.ErrAcknowledgmentRequired)

	got, err := s.svc.GetRun(s.ctx, v.RunID)
	s.Require().NoError(err)
	s.Equal(domain.StepMedical, got.Step)
	s.False(got.Record.Checkout.AgreeMedicalReview)
	s.Empty(got.Record.Medical.Conditions)
}

func (s *ServiceSuite) TestStepMismatch() {
	v := s.runTo(domain.StepEligibility)
	_, err := s.svc.SubmitCheckout(s.ctx, v.RunID, wizard.CheckoutInput{NameOnCard: "Ada", BillingZip: "94110"})
	ae := s.requireAppError(err, 409, "STEP_MISMATCH")
	s.Equal("eligibility", ae.Details["currentStep"])
	s.ErrorIs(err, wizard.ErrStepMismatch)
}

func (s *ServiceSuite) TestForwardOutOfOrder() {
	v := s.runTo(domain.StepMedical)
	_, err := s.svc.Forward(s.ctx, v.RunID)
	s.requireAppError(err, 409, "OUT_OF_ORDER_ADVANCE")
	s.ErrorIs(err, wizard.ErrOutOfOrderAdvance)

	got, err := s.svc.GetRun(s.ctx, v.RunID)
	s.Require().NoError(err)
	s.Equal(domain.StepMedical, got.Step)
}

func (s *ServiceSuite) TestBackThenForwardKeepsData() {
	v := s.runTo(domain.StepPlanSelection)
	id := v.RunID

	v, err := s.svc.Back(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(domain.StepMedical, v.Step)
	v, err = s.svc.Back(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(domain.StepEligibility, v.Step)
	s.Contains(v.Actions, wizard.ActionForward)
	s.Require().NotNil(v.Record.Metrics.BMI)
	s.Equal(29.4, *v.Record.Metrics.BMI)

	v, err = s.svc.Forward(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(domain.StepMedical, v.Step)
	s.True(v.Record.Checkout.AgreeMedicalReview)
	s.Equal(29.4, *v.Record.Metrics.BMI)
}

func (s *ServiceSuite) TestBackOnLanding() {
	v := s.runTo(domain.StepLanding)
	_, err := s.svc.Back(s.ctx, v.RunID)
	s.requireAppError(err, 409, "NO_PREVIOUS_STEP")
}

func (s *ServiceSuite) TestResubmittingEarlierStepRecomputesDerived() {
	v := s.runTo(domain.StepMedical)
	id := v.RunID
	_, err := s.svc.Back(s.ctx, id)
	s.Require().NoError(err)

	in := s.eligibility()
	in.WeightKg = f64(70)
	v, err = s.svc.SubmitEligibility(s.ctx, id, in)
	s.Require().NoError(err)
	s.Equal(24.2, *v.Record.Metrics.BMI)
	s.False(*v.Record.Eligibility.BMIOK)
	s.Equal("Ada", v.Record.Profile.FirstName)
}

func (s *ServiceSuite) TestGetRunCheckoutGuardPersists() {
	v := s.runTo(domain.StepLanding)
	sess, err := s.repo.Get(s.ctx, v.RunID)
	s.Require().NoError(err)
	sess.Step, sess.Furthest = int(domain.StepCheckout), int(domain.StepCheckout)
	s.Require().NoError(s.repo.Update(s.ctx, sess))

	got, err := s.svc.GetRun(s.ctx, v.RunID)
	s.Require().NoError(err)
	s.Equal(domain.StepPlanSelection, got.Step)

	stored, err := s.repo.Get(s.ctx, v.RunID)
	s.Require().NoError(err)
	s.Equal(int(domain.StepPlanSelection), stored.Step)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.GuardRedirects.WithLabelValues("checkout", "plan")))

	// Idempotent display: a second read changes nothing.
	again, err := s.svc.GetRun(s.ctx, v.RunID)
	s.Require().NoError(err)
	s.Equal(got.Step, again.Step)
	final, err := s.repo.Get(s.ctx, v.RunID)
	s.Require().NoError(err)
	s.Equal(stored.Version, final.Version)
}

func (s *ServiceSuite) TestGetRunInvalidStoredStepResetsToLanding() {
	v := s.runTo(domain.StepMedical)
	sess, err := s.repo.Get(s.ctx, v.RunID)
	s.Require().NoError(err)
	sess.Step = 9
	s.Require().NoError(s.repo.Update(s.ctx, sess))

	got, err := s.svc.GetRun(s.ctx, v.RunID)
	s.Require().NoError(err)
	s.Equal(domain.StepLanding, got.Step)
	s.Equal("Ada", got.Record.Profile.FirstName, "record survives the correction")
}

func (s *ServiceSuite) TestRestart() {
	v := s.runTo(domain.StepConfirmation)
	old := v.RunID

	nv, err := s.svc.Restart(s.ctx, old)
	s.Require().NoError(err)
	s.NotEqual(old, nv.RunID)
	s.Equal(domain.StepLanding, nv.Step)
	s.Empty(nv.Record.Profile.FirstName)
	s.Nil(nv.Record.SubmittedAt)
	s.Equal("ads", nv.Record.UTM["utm_source"])

	_, err = s.repo.Get(s.ctx, old)
	s.ErrorIs(err, sessionrepo.ErrNotFound)
	_, err = s.svc.GetRun(s.ctx, old)
	s.requireAppError(err, 404, "RUN_NOT_FOUND")
}

func (s *ServiceSuite) TestDeliveryFailureIsSwallowed() {
	v := s.runTo(domain.StepCheckout)
	s.hook.EXPECT().Deliver(gomock.Any(), gomock.Any()).Return(errors.New("downstream unavailable"))

	v, err := s.svc.SubmitCheckout(s.ctx, v.RunID, wizard.CheckoutInput{NameOnCard: "Ada", BillingZip: "94110"})
	s.Require().NoError(err)
	s.Equal(domain.StepConfirmation, v.Step)
	s.NotNil(v.Record.SubmittedAt)
	s.svc.Wait()
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Deliveries.WithLabelValues("failed")))
}

func (s *ServiceSuite) TestSlowDeliveryDoesNotDelayCheckout() {
	v := s.runTo(domain.StepCheckout)

	started := make(chan struct{})
	release := make(chan struct{})
	s.hook.EXPECT().Deliver(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, rec domain.Record) error {
		close(started)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}).Times(1)

	type result struct {
		v   wizard.View
		err error
	}
	done := make(chan result, 1)
	go func() {
		got, err := s.svc.SubmitCheckout(s.ctx, v.RunID, wizard.CheckoutInput{NameOnCard: "Ada", BillingZip: "94110"})
		done <- result{got, err}
	}()

	select {
	case r := <-done:
		s.Require().NoError(r.err)
		s.Equal(domain.StepConfirmation, r.v.Step)
		s.NotNil(r.v.Record.SubmittedAt)
	case <-time.After(2 * time.Second):
		close(release)
		s.FailNow("SubmitCheckout waited on the delivery hook")
	}

	<-started
	s.Equal(0.0, testutil.ToFloat64(s.metrics.Deliveries.WithLabelValues("ok")))
	close(release)
	s.svc.Wait()
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Deliveries.WithLabelValues("ok")))
}

func (s *ServiceSuite) TestConcurrentCheckoutDeliversOnce() {
	v := s.runTo(domain.StepCheckout)
	s.hook.EXPECT().Deliver(gomock.Any(), gomock.Any()).Return(nil).Times(1)

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.svc.SubmitCheckout(s.ctx, v.RunID, wizard.CheckoutInput{NameOnCard: "Ada", BillingZip: "94110"})
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	s.Equal(1, success)

	got, err := s.svc.GetRun(s.ctx, v.RunID)
	s.Require().NoError(err)
	s.Equal(domain.StepConfirmation, got.Step)
}

func (s *ServiceSuite) TestExport() {
	v := s.runTo(domain.StepConfirmation)
	rec, err := s.svc.Export(s.ctx, v.RunID)
	s.Require().NoError(err)
	s.Equal(v.RunID, rec.RunID)
	s.NotNil(rec.SubmittedAt)

	_, err = s.svc.Export(s.ctx, "missing")
	s.requireAppError(err, 404, "RUN_NOT_FOUND")
}

func (s *ServiceSuite) TestPlans() {
	plans := s.svc.Plans()
	s.Require().Len(plans, 3)
	s.Equal(domain.PlanID("starter"), plans[0].ID)
}
