package billingcore

import (
	"fmt"
	"time"
)

// Postprocessor augments a handler's already-produced response with the
// warning and headers the stage pipeline accumulated. It is pure: given
// the same BillingRecord and response value, it always returns the same
// result (spec.md §4.6, §8 "postprocess round-trip law").
type Postprocessor struct{}

// NewPostprocessor constructs a Postprocessor. It carries no state; the
// type exists so call sites read symmetrically with Preprocessor and
// WritebackEngine.
func NewPostprocessor() *Postprocessor { return &Postprocessor{} }

// Postprocess augments response per spec.md §4.6. privateBackendMode or a
// nil rec (billing absent/failed open) both mean response passes through
// unchanged. It returns the augmented response and the response headers
// that should be set on the HTTP reply.
func (Postprocessor) Postprocess(rec *BillingRecord, privateBackendMode bool, response any, now time.Time) (any, map[string]string) {
	if privateBackendMode || rec == nil {
		return response, nil
	}

	warning := extractWarning(rec, now)
	headers := rec.ResponseHeaders
	if rec.ClaimIssue {
		if headers == nil {
			headers = make(map[string]string)
		}
		headers[HeaderClaimIssue] = "true"
	}

	if warning == nil {
		return response, headers
	}

	return mergeWarning(response, warning), headers
}

// extractWarning implements spec.md §4.6's warning-selection rule: the
// permission result's warning takes priority; otherwise an orphan app
// still inside its grace window with no owner synthesizes one.
func extractWarning(rec *BillingRecord, now time.Time) *Warning {
	if rec.Permission != nil && rec.Permission.Warning != nil {
		return rec.Permission.Warning
	}
	if rec.App != nil && rec.App.IsOrphan() {
		nowMs := NowMs(now)
		if nowMs < rec.App.FreeUntil {
			return &Warning{Code: WarningAppGracePeriod, TimeRemaining: rec.App.FreeUntil - nowMs}
		}
	}
	return nil
}

// mergeWarning implements the response-augmentation law of spec.md §4.6,
// §8: nil responses become {warning}; map/slice-shaped (plain object /
// array) responses get warning shallow-merged in, overwriting any
// existing "warning" key; every other scalar type (string, number, bool)
// passes through unchanged.
func mergeWarning(response any, warning *Warning) any {
	warningValue := map[string]any{"code": string(warning.Code)}
	if warning.TimeRemaining != 0 {
		warningValue["timeRemaining"] = warning.TimeRemaining
	}
	if warning.GitEmail != "" {
		warningValue["gitEmail"] = warning.GitEmail
	}

	switch resp := response.(type) {
	case nil:
		return map[string]any{"warning": warningValue}
	case map[string]any:
		merged := make(map[string]any, len(resp)+1)
		for k, v := range resp {
			merged[k] = v
		}
		merged["warning"] = warningValue
		return merged
	case []any:
		// The source spreads arrays as objects (index keys plus the
		// merged-in field); preserved here rather than "fixed", per
		// spec.md §4.6's explicit "including arrays" note.
		merged := make(map[string]any, len(resp)+1)
		for i, v := range resp {
			merged[fmt.Sprintf("%d", i)] = v
		}
		merged["warning"] = warningValue
		return merged
	default:
		return response
	}
}
