package itest

import (
	"net/http"
	"testing"
)

func TestWizard_ITest(t *testing.T) {
	for _, b := range backendsFromEnv(t) {
		t.Run(string(b), func(t *testing.T) {
			s := newTestServer(t, b)

			status, body, _ := s.doJSON(t, http.MethodPost, "/runs", "", map[string]any{"utm": map[string]string{"utm_source": "itest"}})
			requireStatus(t, status, body, http.StatusCreated)
			runID := mustUnmarshal[viewResponse](t, body).RunID
			if runID == "" {
				t.Fatalf("empty runId")
			}
			base := "/runs/" + runID

			// Jumping ahead is rejected.
			status, body, _ = s.doJSON(t, http.MethodPost, base+"/plan", "", map[string]any{"planId": "plus"})
			requireErrorCode(t, status, body, http.StatusConflict, "STEP_MISMATCH")

			status, body, _ = s.doJSON(t, http.MethodPost, base+"/landing", "", map[string]any{
				"firstName": "Ada", "lastName": "Lovelace", "email": "ada@example.com", "tos": true, "privacy": true,
			})
			requireStatus(t, status, body, http.StatusOK)

			status, body, _ = s.doJSON(t, http.MethodPost, base+"/eligibility", "", map[string]any{"heightCm": 170, "weightKg": 85, "ageOk": true})
			requireStatus(t, status, body, http.StatusOK)
			v := mustUnmarshal[viewResponse](t, body)
			if v.Record.Metrics.BMI == nil || *v.Record.Metrics.BMI != 29.4 {
				t.Fatalf("bmi=%v", v.Record.Metrics.BMI)
			}

			status, body, _ = s.doJSON(t, http.MethodPost, base+"/medical", "", map[string]any{"acknowledgeReview": false})
			requireErrorCode(t, status, body, http.StatusUnprocessableEntity, "ACKNOWLEDGMENT_REQUIRED")

			status, body, _ = s.doJSON(t, http.MethodPost, base+"/medical", "", map[string]any{"medications": "metformin", "acknowledgeReview": true})
			requireStatus(t, status, body, http.StatusOK)

			// Back then forward keeps the collected data and position.
			status, body, _ = s.doJSON(t, http.MethodPost, base+"/back", "", nil)
			requireStatus(t, status, body, http.StatusOK)
			if got := mustUnmarshal[viewResponse](t, body).Step; got != "medical" {
				t.Fatalf("after back step=%q", got)
			}
			status, body, _ = s.doJSON(t, http.MethodPost, base+"/forward", "", nil)
			requireStatus(t, status, body, http.StatusOK)
			if got := mustUnmarshal[viewResponse](t, body).Step; got != "plan" {
				t.Fatalf("after forward step=%q", got)
			}

			status, body, _ = s.doJSON(t, http.MethodPost, base+"/plan", "", map[string]any{"planId": "plus", "billingCycle": "Quarterly"})
			requireStatus(t, status, body, http.StatusOK)
			v = mustUnmarshal[viewResponse](t, body)
			if v.Record.Plan.Price == nil || *v.Record.Plan.Price != 269 {
				t.Fatalf("price=%v", v.Record.Plan.Price)
			}

			checkout := map[string]any{"nameOnCard": "Ada Lovelace", "billingZip": "94110"}
			status, body, _ = s.doJSON(t, http.MethodPost, base+"/checkout", "checkout-1", checkout)
			requireStatus(t, status, body, http.StatusOK)
			v = mustUnmarshal[viewResponse](t, body)
			if v.Step != "confirmation" || v.Record.SubmittedAt == nil {
				t.Fatalf("expected submitted confirmation, got step=%q submittedAt=%v", v.Step, v.Record.SubmittedAt)
			}

			// A retried checkout is replayed rather than re-run.
			status, body, hdr := s.doJSON(t, http.MethodPost, base+"/checkout", "checkout-1", checkout)
			requireStatus(t, status, body, http.StatusOK)
			requireHeaderPresent(t, hdr, "Idempotent-Replayed")
			s.svc.Wait()
			if n := len(s.delivered.Delivered()); n != 1 {
				t.Fatalf("deliveries=%d want=1", n)
			}

			status, body, hdr = s.doJSON(t, http.MethodGet, base+"/export", "", nil)
			requireStatus(t, status, body, http.StatusOK)
			requireHeaderPresent(t, hdr, "Content-Disposition")

			status, body, _ = s.doJSON(t, http.MethodPost, base+"/reset", "", nil)
			requireStatus(t, status, body, http.StatusCreated)
			if next := mustUnmarshal[viewResponse](t, body); next.RunID == runID || next.Step != "landing" {
				t.Fatalf("unexpected reset view: %+v", next)
			}

			status, body, _ = s.doJSON(t, http.MethodGet, base, "", nil)
			requireErrorCode(t, status, body, http.StatusNotFound, "RUN_NOT_FOUND")
		})
	}
}
