package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/ocx/backend/internal/billingcore"
)

// BillingMiddleware wraps a handler with the billing preprocess/postprocess
// cycle, the way TenantMiddleware wraps a handler with tenant resolution:
// parse headers, run the pipeline ahead of the handler, buffer the
// handler's JSON response so it can be augmented, then drain the
// writeback engine in the background.
type BillingMiddleware struct {
	preprocessor  *billingcore.Preprocessor
	postprocessor *billingcore.Postprocessor
	writeback     *billingcore.WritebackEngine
	flags         billingcore.Flags
	privateMode   bool
}

// NewBillingMiddleware constructs a BillingMiddleware for one endpoint's
// decorator flags.
func NewBillingMiddleware(
	preprocessor *billingcore.Preprocessor,
	postprocessor *billingcore.Postprocessor,
	writeback *billingcore.WritebackEngine,
	flags billingcore.Flags,
	privateMode bool,
) *BillingMiddleware {
	return &BillingMiddleware{
		preprocessor:  preprocessor,
		postprocessor: postprocessor,
		writeback:     writeback,
		flags:         flags.Normalize(),
		privateMode:   privateMode,
	}
}

// Wrap returns an http.HandlerFunc that runs the billing cycle around next.
func (m *BillingMiddleware) Wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := headersFromRequest(r)
		now := time.Now()

		rec, errResp := m.preprocessor.Preprocess(r.Context(), h, m.flags, now)
		if errResp != nil {
			http.Error(w, errResp.Body, errResp.Status)
			return
		}

		if rec == nil {
			next(w, r)
			return
		}

		// Buffer next's response so its body can be augmented with a
		// warning before it reaches the real client — the same
		// record-then-rewrite shape a reverse proxy uses to post-process
		// an upstream response it does not control line-by-line.
		buf := httptest.NewRecorder()
		next(buf, r)

		body, headers := m.augmentResponse(rec, buf.Body.Bytes(), now)

		for k, vv := range buf.Header() {
			for _, v := range vv {
				w.Header().Add(k, v)
			}
		}
		for k, v := range rec.ResponseHeaders {
			w.Header().Set(k, v)
		}
		for k, v := range headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(buf.Code)
		w.Write(body)

		// Writeback runs after the response has gone out; detach from
		// the request context so a client disconnect can't cancel it
		// mid-flight (spec.md §5 "cancellation aborts in-flight I/O" —
		// writeback is deliberately out of that scope).
		go m.writeback.Apply(context.WithoutCancel(r.Context()), rec, m.flags, h.GitEmail, now)
	}
}

// augmentResponse decodes buf as JSON (falling back to passing raw bytes
// through unchanged if it isn't JSON), runs Postprocess, and re-encodes.
func (m *BillingMiddleware) augmentResponse(rec *billingcore.BillingRecord, raw []byte, now time.Time) ([]byte, map[string]string) {
	var decoded any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return raw, nil
		}
	}

	augmented, headers := m.postprocessor.Postprocess(rec, m.privateMode, decoded, now)

	encoded, err := json.Marshal(augmented)
	if err != nil {
		return raw, headers
	}
	return encoded, headers
}

func headersFromRequest(r *http.Request) billingcore.Headers {
	return billingcore.Headers{
		AppID:     r.Header.Get("Ninja-App-Id"),
		Publisher: r.Header.Get("Ninja-App-Publisher"),
		GitName:   r.Header.Get("Ninja-Git-Name"),
		GitEmail:  r.Header.Get("Ninja-Git-Email"),
		AuthKey:   r.Header.Get("Ninja-Auth-Key"),
		Version:   r.Header.Get("Ninja-Version"),
		ProfileID: r.Header.Get("Ninja-Profile-Id"),
	}
}
