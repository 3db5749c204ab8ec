package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/metabolic-care/intake-api/internal/adapters/submissiondoc"
	"github.com/metabolic-care/intake-api/internal/app/wizard"
	"github.com/metabolic-care/intake-api/internal/domain"
	"github.com/metabolic-care/intake-api/internal/ports/out/clock"
	"github.com/metabolic-care/intake-api/internal/ports/out/idempotency"
)

const maxBodyBytes = 64 << 10

// Server is the HTTP adapter over the intake wizard.
type Server struct {
	Wizard *wizard.Service
	Idem   idempotency.Store
	Clock  clock.Clock
}

func NewServer(wizardSvc *wizard.Service, idem idempotency.Store, clk clock.Clock) *Server {
	return &Server{
		Wizard: wizardSvc,
		Idem:   idem,
		Clock:  clk,
	}
}

func (s *Server) ListPlans(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, plansFromDomain(s.Wizard.Plans()))
}

func (s *Server) StartRun(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	utm := utmFromQuery(r)
	for k, v := range req.UTM {
		utm[k] = v
	}
	v, err := s.Wizard.StartRun(r.Context(), wizard.StartRunInput{UTM: utm})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewFromApp(v))
}

func (s *Server) GetRun(w http.ResponseWriter, r *http.Request) {
	v, err := s.Wizard.GetRun(r.Context(), runID(r))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewFromApp(v))
}

func (s *Server) SubmitLanding(w http.ResponseWriter, r *http.Request) {
	var req LandingRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.idempotent(w, r, "/runs/{runId}/landing", req, func() (wizard.View, error) {
		return s.Wizard.SubmitLanding(r.Context(), runID(r), req.toInput())
	})
}

func (s *Server) SubmitEligibility(w http.ResponseWriter, r *http.Request) {
	var req EligibilityRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.idempotent(w, r, "/runs/{runId}/eligibility", req, func() (wizard.View, error) {
		return s.Wizard.SubmitEligibility(r.Context(), runID(r), req.toInput())
	})
}

func (s *Server) SubmitMedical(w http.ResponseWriter, r *http.Request) {
	var req MedicalRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.idempotent(w, r, "/runs/{runId}/medical", req, func() (wizard.View, error) {
		return s.Wizard.SubmitMedical(r.Context(), runID(r), req.toInput())
	})
}

func (s *Server) SelectPlan(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.idempotent(w, r, "/runs/{runId}/plan", req, func() (wizard.View, error) {
		return s.Wizard.SelectPlan(r.Context(), runID(r), req.toInput())
	})
}

func (s *Server) SubmitCheckout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.idempotent(w, r, "/runs/{runId}/checkout", req, func() (wizard.View, error) {
		return s.Wizard.SubmitCheckout(r.Context(), runID(r), req.toInput())
	})
}

func (s *Server) Back(w http.ResponseWriter, r *http.Request) {
	v, err := s.Wizard.Back(r.Context(), runID(r))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewFromApp(v))
}

func (s *Server) Forward(w http.ResponseWriter, r *http.Request) {
	v, err := s.Wizard.Forward(r.Context(), runID(r))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewFromApp(v))
}

func (s *Server) Reset(w http.ResponseWriter, r *http.Request) {
	v, err := s.Wizard.Restart(r.Context(), runID(r))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	w.Header().Set("Location", "/runs/"+string(v.RunID))
	writeJSON(w, http.StatusCreated, viewFromApp(v))
}

func (s *Server) Export(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Wizard.Export(r.Context(), runID(r))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	b, err := submissiondoc.EncodeIndent(rec)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="`+submissiondoc.FileName(rec.RunID)+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func runID(r *http.Request) domain.RunID {
	return domain.RunID(chi.URLParam(r, "runId"))
}

func utmFromQuery(r *http.Request) map[string]string {
	out := map[string]string{}
	for k, vs := range r.URL.Query() {
		if strings.HasPrefix(k, "utm_") && len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		msg := "request body must be valid JSON"
		if errors.Is(err, io.EOF) {
			msg = "missing request body"
		}
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", msg, map[string]any{"error": err.Error()})
		return false
	}
	return true
}

// decodeOptional is decode for endpoints where an empty body is allowed.
func (s *Server) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "request body must be valid JSON", map[string]any{"error": err.Error()})
		return false
	}
	return true
}
