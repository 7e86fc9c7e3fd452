package billingcore

import (
	"context"
	"log/slog"
	"time"

	"github.com/ocx/backend/internal/objectstore"
)

// unhandledErrorsPath is the best-effort sink for infrastructure errors
// the preprocessor swallows rather than failing the request on (spec.md
// §7 "fail-open boundary").
const unhandledErrorsPath = "system://unhandledErrors.json"

// Preprocessor runs the stage pipeline ahead of a handler and enforces
// the fail-open/fail-closed error boundary: a policy decision
// (*ErrorResponse) propagates unchanged, while any other error is logged,
// best-effort recorded, and swallowed so the underlying handler still
// runs without billing context (spec.md §4.2, §7).
type Preprocessor struct {
	pipeline           *StagePipeline
	store              objectstore.Store
	privateBackendMode bool
	logger             *slog.Logger
}

// NewPreprocessor constructs a Preprocessor. privateBackendMode, when
// true, disables the entire billing pipeline (spec.md §1 Non-goals,
// §9 design note: private-backend deployments never run billing).
func NewPreprocessor(pipeline *StagePipeline, store objectstore.Store, privateBackendMode bool, logger *slog.Logger) *Preprocessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Preprocessor{pipeline: pipeline, store: store, privateBackendMode: privateBackendMode, logger: logger.With("component", "billing_preprocessor")}
}

// Preprocess runs the pipeline for one request and returns the populated
// BillingRecord, or a non-nil *ErrorResponse if a policy decision must
// short-circuit the request (a 400 for a malformed request, a 403 for a
// denied Security handler). A nil record with a nil error means billing
// is disabled or failed open — the caller's handler should run as if no
// billing context exists.
func (p *Preprocessor) Preprocess(ctx context.Context, h Headers, flags Flags, now time.Time) (*BillingRecord, *ErrorResponse) {
	normalized := flags.Normalize()
	if p.privateBackendMode || !normalized.Billing {
		return nil, nil
	}

	if normalized.Security {
		p.pipeline.cache.InvalidateAll()
	}

	rec := NewBillingRecord()

	if errResp := p.runStages(ctx, rec, h, normalized, now); errResp != nil {
		var policyErr *ErrorResponse
		if asErrorResponse(errResp, &policyErr) {
			return nil, policyErr
		}
		p.recordUnhandledError(ctx, errResp)
		return nil, nil
	}

	p.pipeline.ApplyOrphanExpiringHeader(rec)
	return rec, nil
}

// runStages executes Stages 1-4 always, and Stage 5 plus Enforcement only
// for Security handlers (spec.md §4.2, §4.3).
func (p *Preprocessor) runStages(ctx context.Context, rec *BillingRecord, h Headers, flags Flags, now time.Time) error {
	if err := p.pipeline.Bind(ctx, rec, h, now); err != nil {
		return err
	}
	if err := p.pipeline.Claim(ctx, rec, h); err != nil {
		return err
	}
	if err := p.pipeline.Block(ctx, rec); err != nil {
		return err
	}
	p.pipeline.Dun(rec)

	if !flags.Security {
		return nil
	}

	if errResp := p.pipeline.Permit(rec, h, now); errResp != nil {
		return errResp
	}
	if errResp := p.pipeline.Enforce(rec); errResp != nil {
		return errResp
	}
	return nil
}

// asErrorResponse reports whether err is an *ErrorResponse (a policy
// decision that must propagate), writing it into *out when so.
func asErrorResponse(err error, out **ErrorResponse) bool {
	e, ok := err.(*ErrorResponse)
	if ok {
		*out = e
	}
	return ok
}

// recordUnhandledError best-effort appends an infrastructure error to the
// unhandled-errors log; a failure here is only logged, never escalated
// (spec.md §7).
func (p *Preprocessor) recordUnhandledError(ctx context.Context, cause error) {
	p.logger.Error("billing pipeline failed open", "error", cause)
	if p.store == nil {
		return
	}
	if err := appendLogLine(ctx, p.store, unhandledErrorsPath, map[string]any{
		"error": cause.Error(),
		"ts":    NowMs(time.Now()),
	}); err != nil {
		p.logger.Error("failed to record unhandled error", "error", err)
	}
}
