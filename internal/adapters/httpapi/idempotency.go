package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/metabolic-care/intake-api/internal/app/wizard"
	"github.com/metabolic-care/intake-api/internal/ports/out/idempotency"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
)

// idempotent runs a step submission, honoring an optional Idempotency-Key:
//   - replay if same run+key+route+bodyHash
//   - reject if same run+key+route with a different bodyHash (409)
func (s *Server) idempotent(w http.ResponseWriter, r *http.Request, route string, body any, fn func() (wizard.View, error)) {
	ctx := r.Context()
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" || s.Idem == nil {
		v, err := fn()
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, viewFromApp(v))
		return
	}

	bodyHash, err := hashBody(body)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	metaFP := idempotency.Fingerprint{
		Key:    idempotency.Key(key),
		RunID:  runID(r),
		Method: http.MethodPost,
		Route:  route,
	}
	meta, ok, err := s.Idem.Get(ctx, metaFP)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if ok {
		if string(meta.Body) != bodyHash {
			writeError(w, r, http.StatusConflict, "IDEMPOTENCY_KEY_REUSE", "idempotency key reuse with different payload", nil)
			return
		}
	} else {
		_ = s.Idem.Put(ctx, metaFP, idempotency.Record{
			ContentType: "text/plain",
			Body:        []byte(bodyHash),
			CreatedAt:   s.now(),
		})
	}

	respFP := metaFP
	respFP.BodyHash = bodyHash
	if rec, ok, err := s.Idem.Get(ctx, respFP); err != nil {
		writeAppError(w, r, err)
		return
	} else if ok && rec.StatusCode == http.StatusOK && strings.HasPrefix(rec.ContentType, "application/json") {
		w.Header().Set("Content-Type", rec.ContentType)
		w.Header().Set(headerReplayed, "true")
		w.WriteHeader(rec.StatusCode)
		_, _ = w.Write(rec.Body)
		return
	}

	v, err := fn()
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	resp := viewFromApp(v)

	// Store successful response for replay.
	if b, err := json.Marshal(resp); err == nil {
		if err := s.Idem.Put(ctx, respFP, idempotency.Record{
			StatusCode:  http.StatusOK,
			ContentType: "application/json",
			Body:        b,
			CreatedAt:   s.now(),
		}); err != nil {
			LoggerFromContext(ctx).WarnContext(ctx, "idempotency record not stored", "run_id", respFP.RunID, "route", route, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now().UTC()
}

func hashBody(body any) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
