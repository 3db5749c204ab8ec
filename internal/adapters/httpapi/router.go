package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type RouterOptions struct {
	Logger *slog.Logger
	// Metrics is mounted at /metrics when non-nil.
	Metrics http.Handler
}

// NewRouter constructs the API HTTP router.
func NewRouter(s *Server, opts RouterOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Get("/plans", s.ListPlans)
	r.Route("/runs", func(r chi.Router) {
		r.Post("/", s.StartRun)
		r.Route("/{runId}", func(r chi.Router) {
			r.Get("/", s.GetRun)
			r.Post("/landing", s.SubmitLanding)
			r.Post("/eligibility", s.SubmitEligibility)
			r.Post("/medical", s.SubmitMedical)
			r.Post("/plan", s.SelectPlan)
			r.Post("/checkout", s.SubmitCheckout)
			r.Post("/back", s.Back)
			r.Post("/forward", s.Forward)
			r.Post("/reset", s.Reset)
			r.Get("/export", s.Export)
		})
	})

	return otelhttp.NewHandler(r, "intake-api",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}
