package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the intake wizard.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	RunsStarted     prometheus.Counter
	StepSubmissions *prometheus.CounterVec
	GuardRedirects  *prometheus.CounterVec
	Submissions     prometheus.Counter
	Deliveries      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RunsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "intake_runs_started_total",
			Help: "Total number of wizard runs started, including restarts",
		}),
		StepSubmissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_step_submissions_total",
			Help: "Step submissions by step and outcome",
		}, []string{"step", "outcome"}), // outcome: accepted, rejected, out_of_order
		GuardRedirects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_guard_redirects_total",
			Help: "Corrective transitions applied by entry guards",
		}, []string{"from", "to"}),
		Submissions: f.NewCounter(prometheus.CounterOpts{
			Name: "intake_submissions_total",
			Help: "Runs that completed checkout",
		}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_deliveries_total",
			Help: "Downstream delivery attempts by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) IncRunsStarted() {
	if m != nil {
		m.RunsStarted.Inc()
	}
}

func (m *Metrics) IncStepSubmission(step, outcome string) {
	if m != nil {
		m.StepSubmissions.WithLabelValues(step, outcome).Inc()
	}
}

func (m *Metrics) IncGuardRedirect(from, to string) {
	if m != nil {
		m.GuardRedirects.WithLabelValues(from, to).Inc()
	}
}

func (m *Metrics) IncSubmissions() {
	if m != nil {
		m.Submissions.Inc()
	}
}

func (m *Metrics) IncDelivery(outcome string) {
	if m != nil {
		m.Deliveries.WithLabelValues(outcome).Inc()
	}
}
