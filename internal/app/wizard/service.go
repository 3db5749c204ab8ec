package wizard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/metabolic-care/intake-api/internal/domain"
	"github.com/metabolic-care/intake-api/internal/platform/metrics"
	"github.com/metabolic-care/intake-api/internal/ports/out/clock"
	"github.com/metabolic-care/intake-api/internal/ports/out/delivery"
	"github.com/metabolic-care/intake-api/internal/ports/out/sessionrepo"
)

const (
	tracerName = "intake/wizard"

	DefaultDeliveryTimeout = 10 * time.Second
)

// Service runs the intake wizard: it loads a session, validates and merges
// one step at a time, moves the sequencer and persists the result.
type Service struct {
	sessions sessionrepo.Repository
	clock    clock.Clock

	catalog         domain.Catalog
	hook            delivery.Hook
	deliveryTimeout time.Duration
	logger          *slog.Logger
	metrics         *metrics.Metrics

	newRunID func() domain.RunID

	deliveries sync.WaitGroup
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithDelivery sets the hook that receives each run's final record once.
func WithDelivery(h delivery.Hook) Option {
	return func(s *Service) {
		if h != nil {
			s.hook = h
		}
	}
}

func WithCatalog(c domain.Catalog) Option {
	return func(s *Service) {
		if c.Len() > 0 {
			s.catalog = c
		}
	}
}

func WithDeliveryTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.deliveryTimeout = d
		}
	}
}

// WithRunIDGenerator overrides run id generation; tests use it for
// deterministic ids.
func WithRunIDGenerator(fn func() domain.RunID) Option {
	return func(s *Service) {
		if fn != nil {
			s.newRunID = fn
		}
	}
}

func New(sessions sessionrepo.Repository, clk clock.Clock, opts ...Option) (*Service, error) {
	if sessions == nil {
		return nil, errors.New("session repository is required")
	}
	if clk == nil {
		return nil, errors.New("clock is required")
	}
	s := &Service{
		sessions:        sessions,
		clock:           clk,
		catalog:         domain.DefaultCatalog(),
		hook:            delivery.Nop{},
		deliveryTimeout: DefaultDeliveryTimeout,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		newRunID: func() domain.RunID {
			return domain.RunID(uuid.NewString())
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Plans returns the plan catalog in display order.
func (s *Service) Plans() []domain.Plan { return s.catalog.Plans() }

func (s *Service) StartRun(ctx context.Context, in StartRunInput) (_ View, err error) {
	ctx, span := s.startSpan(ctx, "wizard.StartRun", "")
	defer func() { endSpan(span, err) }()

	sess, err := s.createSession(ctx, in.UTM)
	if err != nil {
		return View{}, err
	}
	span.SetAttributes(attribute.String("run_id", string(sess.RunID)))
	s.logger.InfoContext(ctx, "run started", "run_id", sess.RunID)
	return s.view(sess.Record, NewSequencer()), nil
}

// GetRun returns the current view. Entry guards are enforced and any
// correction is persisted, so repeated reads converge on the same state.
func (s *Service) GetRun(ctx context.Context, id domain.RunID) (_ View, err error) {
	ctx, span := s.startSpan(ctx, "wizard.GetRun", id)
	defer func() { endSpan(span, err) }()

	sess, seq, changed, err := s.load(ctx, id)
	if err != nil {
		return View{}, err
	}
	if changed {
		if err := s.save(ctx, sess, seq); err != nil {
			return View{}, err
		}
	}
	return s.view(sess.Record, seq), nil
}

func (s *Service) SubmitLanding(ctx context.Context, id domain.RunID, in LandingInput) (View, error) {
	return s.submit(ctx, id, domain.StepLanding, func(rec domain.Record) (domain.Record, error) {
		p, err := ValidateLanding(in)
		if err != nil {
			return rec, err
		}
		if rec, err = domain.MergeSection(rec, domain.SectionConsent, p.Consent); err != nil {
			return rec, err
		}
		return domain.MergeSection(rec, domain.SectionProfile, p.Profile)
	})
}

func (s *Service) SubmitEligibility(ctx context.Context, id domain.RunID, in EligibilityInput) (View, error) {
	return s.submit(ctx, id, domain.StepEligibility, func(rec domain.Record) (domain.Record, error) {
		p, err := ValidateEligibility(in)
		if err != nil {
			return rec, err
		}
		if rec, err = domain.MergeSection(rec, domain.SectionMetrics, p.Metrics); err != nil {
			return rec, err
		}
		bmiOK := domain.ComputeBMIOk(rec.Metrics.BMI)
		p.Eligibility.BMIOK = &bmiOK
		return domain.MergeSection(rec, domain.SectionEligibility, p.Eligibility)
	})
}

// SubmitMedical merges the medical history. A confirmed acknowledgment also
// sets checkout.agreeMedicalReview; this is the only cross-section write in
// the wizard.
func (s *Service) SubmitMedical(ctx context.Context, id domain.RunID, in MedicalInput) (View, error) {
	return s.submit(ctx, id, domain.StepMedical, func(rec domain.Record) (domain.Record, error) {
		p, err := ValidateMedical(in)
		if err != nil {
			return rec, err
		}
		if rec, err = domain.MergeSection(rec, domain.SectionMedical, p.Medical); err != nil {
			return rec, err
		}
		co := rec.Checkout
		co.AgreeMedicalReview = p.Acknowledge
		return domain.MergeSection(rec, domain.SectionCheckout, co)
	})
}

// SelectPlan records the chosen plan and its price for the billing cycle.
// Selection is the advance trigger for the plan step.
func (s *Service) SelectPlan(ctx context.Context, id domain.RunID, in PlanInput) (View, error) {
	return s.submit(ctx, id, domain.StepPlanSelection, func(rec domain.Record) (domain.Record, error) {
		p, err := ValidatePlan(in, s.catalog)
		if err != nil {
			return rec, err
		}
		price := domain.ComputePrice(p.Plan.BasePrice, p.Selection.BillingCycle)
		p.Selection.Price = &price
		return domain.MergeSection(rec, domain.SectionPlan, p.Selection)
	})
}

// SubmitCheckout completes the run. submittedAt is stamped only the first
// time, and the delivery hook fires only for that stamp, in the background
// once the session has been persisted.
func (s *Service) SubmitCheckout(ctx context.Context, id domain.RunID, in CheckoutInput) (View, error) {
	var stamped bool
	v, err := s.submit(ctx, id, domain.StepCheckout, func(rec domain.Record) (domain.Record, error) {
		p, err := ValidateCheckout(in)
		if err != nil {
			return rec, err
		}
		co := p.Checkout
		co.AgreeMedicalReview = rec.Checkout.AgreeMedicalReview
		if rec, err = domain.MergeSection(rec, domain.SectionCheckout, co); err != nil {
			return rec, err
		}
		rec, stamped = domain.MarkSubmitted(rec, s.clock.Now())
		return rec, nil
	})
	if err != nil {
		return View{}, err
	}
	if stamped {
		s.metrics.IncSubmissions()
		s.logger.InfoContext(ctx, "run submitted", "run_id", id)
		s.deliverAsync(ctx, v.Record)
	}
	return v, nil
}

// Wait blocks until every delivery started so far has finished.
func (s *Service) Wait() {
	s.deliveries.Wait()
}

// Back moves to the previous step. No data is cleared.
func (s *Service) Back(ctx context.Context, id domain.RunID) (_ View, err error) {
	ctx, span := s.startSpan(ctx, "wizard.Back", id)
	defer func() { endSpan(span, err) }()

	sess, seq, _, err := s.load(ctx, id)
	if err != nil {
		return View{}, err
	}
	if err := seq.Retreat(); err != nil {
		return View{}, &Error{Status: 409, Code: "NO_PREVIOUS_STEP", Message: "already on the first step", Cause: err}
	}
	s.applyGuards(ctx, id, seq, sess.Record)
	if err := s.save(ctx, sess, seq); err != nil {
		return View{}, err
	}
	return s.view(sess.Record, seq), nil
}

// Forward re-enters a step that was already reached earlier in the run
// without resubmitting the current one.
func (s *Service) Forward(ctx context.Context, id domain.RunID) (_ View, err error) {
	ctx, span := s.startSpan(ctx, "wizard.Forward", id)
	defer func() { endSpan(span, err) }()

	sess, seq, _, err := s.load(ctx, id)
	if err != nil {
		return View{}, err
	}
	from := seq.Current()
	redirects, err := seq.Advance(sess.Record)
	if err != nil {
		return View{}, s.outOfOrder(ctx, id, from, err)
	}
	s.recordRedirects(ctx, id, redirects)
	if err := s.save(ctx, sess, seq); err != nil {
		return View{}, err
	}
	return s.view(sess.Record, seq), nil
}

// Restart discards the run and starts a new one with a fresh run id. UTM
// attribution carries over.
func (s *Service) Restart(ctx context.Context, id domain.RunID) (_ View, err error) {
	ctx, span := s.startSpan(ctx, "wizard.Restart", id)
	defer func() { endSpan(span, err) }()

	old, err := s.sessions.Get(ctx, id)
	if err != nil {
		if errors.Is(err, sessionrepo.ErrNotFound) {
			return View{}, runNotFound(err)
		}
		return View{}, err
	}
	sess, err := s.createSession(ctx, old.Record.UTM)
	if err != nil {
		return View{}, err
	}
	if err := s.sessions.Delete(ctx, id); err != nil && !errors.Is(err, sessionrepo.ErrNotFound) {
		s.logger.WarnContext(ctx, "failed to delete restarted run", "run_id", id, "error", err)
	}
	s.logger.InfoContext(ctx, "run restarted", "run_id", id, "new_run_id", sess.RunID)
	return s.view(sess.Record, NewSequencer()), nil
}

// Export returns the record as it currently stands, for serialization.
func (s *Service) Export(ctx context.Context, id domain.RunID) (_ domain.Record, err error) {
	ctx, span := s.startSpan(ctx, "wizard.Export", id)
	defer func() { endSpan(span, err) }()

	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		if errors.Is(err, sessionrepo.ErrNotFound) {
			return domain.Record{}, runNotFound(err)
		}
		return domain.Record{}, err
	}
	return sess.Record, nil
}

// submit runs the common pipeline for a step submission:
// load, check step, validate/derive/merge (apply), mark validated, advance, persist.
// The record is left untouched when apply fails.
func (s *Service) submit(ctx context.Context, id domain.RunID, step domain.Step, apply func(domain.Record) (domain.Record, error)) (_ View, err error) {
	ctx, span := s.startSpan(ctx, "wizard.Submit", id, attribute.String("step", step.String()))
	defer func() { endSpan(span, err) }()

	sess, seq, _, err := s.load(ctx, id)
	if err != nil {
		return View{}, err
	}
	if seq.Current() != step {
		s.metrics.IncStepSubmission(step.String(), "mismatch")
		return View{}, &Error{
			Status:  409,
			Code:    "STEP_MISMATCH",
			Message: fmt.Sprintf("run is on step %q", seq.Current()),
			Details: map[string]any{"currentStep": seq.Current().String(), "submittedStep": step.String()},
			Cause:   ErrStepMismatch,
		}
	}

	rec, err := apply(sess.Record)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			s.metrics.IncStepSubmission(step.String(), "rejected")
			s.logger.InfoContext(ctx, "step rejected", "run_id", id, "step", step.String(), "fields", len(ve.Fields))
			return View{}, validationFailed(err)
		}
		return View{}, fmt.Errorf("apply %s: %w", step, err)
	}

	if err := seq.MarkValidated(step); err != nil {
		return View{}, err
	}
	redirects, err := seq.Advance(rec)
	if err != nil {
		return View{}, s.outOfOrder(ctx, id, step, err)
	}
	s.recordRedirects(ctx, id, redirects)

	sess.Record = rec
	if err := s.save(ctx, sess, seq); err != nil {
		return View{}, err
	}
	s.metrics.IncStepSubmission(step.String(), "accepted")
	s.logger.InfoContext(ctx, "step accepted", "run_id", id, "step", step.String(), "next", seq.Current().String())
	return s.view(rec, seq), nil
}

func (s *Service) createSession(ctx context.Context, utm map[string]string) (sessionrepo.Session, error) {
	id := s.newRunID()
	rec := domain.NewRecord(id)
	rec, err := domain.MergeSection(rec, domain.SectionUTM, utm)
	if err != nil {
		return sessionrepo.Session{}, err
	}
	now := s.clock.Now()
	sess := sessionrepo.Session{
		RunID:     id,
		Record:    rec,
		Step:      int(domain.StepLanding),
		Furthest:  int(domain.StepLanding),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		if errors.Is(err, sessionrepo.ErrAlreadyExists) {
			return sessionrepo.Session{}, &Error{Status: 409, Code: "RUN_ID_CONFLICT", Message: "run id conflict", Cause: err}
		}
		return sessionrepo.Session{}, err
	}
	s.metrics.IncRunsStarted()
	return sess, nil
}

// load fetches the session, restores the sequencer and applies entry guards.
// changed reports whether the stored position needed correcting.
func (s *Service) load(ctx context.Context, id domain.RunID) (sessionrepo.Session, *Sequencer, bool, error) {
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		if errors.Is(err, sessionrepo.ErrNotFound) {
			return sessionrepo.Session{}, nil, false, runNotFound(err)
		}
		return sessionrepo.Session{}, nil, false, err
	}
	seq, corrected := RestoreSequencer(sess.Step, sess.Furthest)
	if corrected {
		s.logger.WarnContext(ctx, "stored step out of range; reset to landing",
			"run_id", id, "step", sess.Step, "furthest", sess.Furthest)
	}
	redirected := s.applyGuards(ctx, id, seq, sess.Record)
	return sess, seq, corrected || redirected, nil
}

func (s *Service) applyGuards(ctx context.Context, id domain.RunID, seq *Sequencer, rec domain.Record) bool {
	redirects := seq.Enter(rec)
	s.recordRedirects(ctx, id, redirects)
	return len(redirects) > 0
}

func (s *Service) recordRedirects(ctx context.Context, id domain.RunID, redirects []Redirect) {
	for _, r := range redirects {
		s.metrics.IncGuardRedirect(r.From.String(), r.To.String())
		s.logger.InfoContext(ctx, "entry guard redirect", "run_id", id, "from", r.From.String(), "to", r.To.String())
	}
}

func (s *Service) save(ctx context.Context, sess sessionrepo.Session, seq *Sequencer) error {
	sess.Step = int(seq.Current())
	sess.Furthest = int(seq.Furthest())
	sess.UpdatedAt = s.clock.Now()
	if err := s.sessions.Update(ctx, sess); err != nil {
		switch {
		case errors.Is(err, sessionrepo.ErrVersionConflict):
			return concurrentModification(err)
		case errors.Is(err, sessionrepo.ErrNotFound):
			return runNotFound(err)
		}
		return err
	}
	return nil
}

func (s *Service) outOfOrder(ctx context.Context, id domain.RunID, step domain.Step, err error) error {
	s.metrics.IncStepSubmission(step.String(), "out_of_order")
	s.logger.WarnContext(ctx, "out-of-order advance rejected", "run_id", id, "step", step.String())
	return &Error{Status: 409, Code: "OUT_OF_ORDER_ADVANCE", Message: "current step has not been completed", Cause: err}
}

// deliverAsync hands rec to the hook in the background, bounded by the
// delivery timeout and detached from the caller's cancellation.
func (s *Service) deliverAsync(ctx context.Context, rec domain.Record) {
	ctx = context.WithoutCancel(ctx)
	rec = rec.Clone()
	s.deliveries.Go(func() {
		s.deliver(ctx, rec)
	})
}

func (s *Service) deliver(ctx context.Context, rec domain.Record) {
	ctx, cancel := context.WithTimeout(ctx, s.deliveryTimeout)
	defer cancel()

	ctx, span := s.startSpan(ctx, "wizard.Deliver", rec.RunID)
	defer span.End()

	if err := s.hook.Deliver(ctx, rec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
		s.metrics.IncDelivery("failed")
		s.logger.ErrorContext(ctx, "submission delivery failed", "run_id", rec.RunID, "error", err)
		return
	}
	s.metrics.IncDelivery("ok")
}

func (s *Service) view(rec domain.Record, seq *Sequencer) View {
	steps := make([]StepInfo, 0, domain.StepCount)
	for _, st := range domain.Steps() {
		steps = append(steps, StepInfo{Index: int(st), Name: st.String(), Title: st.Title()})
	}
	return View{
		RunID:     rec.RunID,
		Step:      seq.Current(),
		StepIndex: int(seq.Current()),
		Steps:     steps,
		Record:    rec,
		Actions:   seq.Actions(rec),
	}
}

func (s *Service) startSpan(ctx context.Context, name string, id domain.RunID, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if id != "" {
		attrs = append(attrs, attribute.String("run_id", string(id)))
	}
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
