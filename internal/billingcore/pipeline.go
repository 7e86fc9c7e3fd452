package billingcore

import (
	"context"
	"time"
)

// StagePipeline runs the six ordered stages (spec.md §4.3) against a
// request-local BillingRecord. Stages run in the fixed order Binding,
// Claiming, Blocking, Dunning, Permission, Enforcement; any stage may be a
// no-op based on its own guard.
type StagePipeline struct {
	cache    *CacheLayer
	tunables Tunables
}

// NewStagePipeline constructs a StagePipeline over the given CacheLayer.
func NewStagePipeline(cache *CacheLayer, tunables Tunables) *StagePipeline {
	return &StagePipeline{cache: cache, tunables: tunables}
}

// Bind runs Stage 1 — Binding (spec.md §4.3 Stage 1).
func (p *StagePipeline) Bind(ctx context.Context, rec *BillingRecord, h Headers, now time.Time) error {
	nowMs := NowMs(now)

	if h.AppID != "" {
		app, found, err := p.cache.GetApp(ctx, h.AppID, h.Publisher)
		if err != nil {
			return err
		}
		if !found {
			app = &App{
				ID:        h.AppID,
				Publisher: h.Publisher,
				Created:   nowMs,
				FreeUntil: nowMs + p.tunables.GracePeriodMs,
			}
			rec.WriteBackNewOrphan = true
		}
		rec.App = app
	}

	if err := p.bindUser(ctx, rec, h); err != nil {
		return err
	}

	if rec.App != nil && rec.App.OwnerType == OwnerOrganization && rec.App.OwnerID != "" {
		org, found, err := p.cache.GetOrganization(ctx, rec.App.OwnerID)
		if err != nil {
			return err
		}
		if found {
			rec.Organization = org
		}
		if err := p.bindBlockedAndDunning(ctx, rec); err != nil {
			return err
		}
	}

	return nil
}

// bindUser resolves the acting user by ProfileId, falling back to email
// match, as part of Stage 1.
func (p *StagePipeline) bindUser(ctx context.Context, rec *BillingRecord, h Headers) error {
	if h.ProfileID != "" {
		user, found, err := p.cache.GetUser(ctx, h.ProfileID)
		if err != nil {
			return err
		}
		if found {
			rec.User = user
			return nil
		}
	}
	if h.GitEmail != "" {
		user, found, err := p.cache.GetUserByEmail(ctx, h.GitEmail)
		if err != nil {
			return err
		}
		if found {
			rec.User = user
		}
	}
	return nil
}

// bindBlockedAndDunning attaches BlockedEntry/DunningEntry for a bound
// organization, as part of Stage 1 (spec.md §4.3 Stage 1, invariant I4).
func (p *StagePipeline) bindBlockedAndDunning(ctx context.Context, rec *BillingRecord) error {
	blocked, found, err := p.cache.GetBlockedStatus(ctx, rec.Organization.ID)
	if err != nil {
		return err
	}
	if found {
		rec.Blocked = blocked
	}

	// Dunning is fail-open inside the CacheLayer; GetDunningEntry never
	// returns an error for that reason (spec.md §4.1, §7).
	dunning, found, err := p.cache.GetDunningEntry(ctx, rec.Organization.ID)
	if err != nil {
		return err
	}
	if found {
		rec.Dunning = dunning
	}
	return nil
}

// Claim runs Stage 2 — Claiming (spec.md §4.3 Stage 2). Skipped unless the
// bound app is an orphan and a non-blank publisher header is present.
func (p *StagePipeline) Claim(ctx context.Context, rec *BillingRecord, h Headers) error {
	if rec.App == nil || !rec.App.IsOrphan() || Normalize(h.Publisher) == "" {
		return nil
	}

	orgs, err := p.cache.GetOrganizations(ctx)
	if err != nil {
		return err
	}

	result := EvaluateClaimCandidates(h.Publisher, h.GitEmail, orgs)
	if !result.PublisherMatchFound {
		return nil
	}
	if len(result.Candidates) != 1 {
		rec.ClaimIssue = true
		return nil
	}

	winner := result.Candidates[0].Organization
	rec.App.OwnerType = OwnerOrganization
	rec.App.OwnerID = winner.ID
	rec.Organization = winner
	rec.WriteBackClaimed = true
	return nil
}

// Block runs Stage 3 — Blocking (spec.md §4.3 Stage 3). It only attaches
// the blocked state; denial happens in the Permission stage.
func (p *StagePipeline) Block(ctx context.Context, rec *BillingRecord) error {
	if rec.Organization == nil || rec.Blocked != nil {
		return nil
	}
	blocked, found, err := p.cache.GetBlockedStatus(ctx, rec.Organization.ID)
	if err != nil {
		return err
	}
	if found {
		rec.Blocked = blocked
	}
	return nil
}

// Dun runs Stage 4 — Dunning (spec.md §4.3 Stage 4). Warn-only: sets a
// response header if a dunning entry was bound in Stage 1.
func (p *StagePipeline) Dun(rec *BillingRecord) {
	if rec.Dunning != nil {
		rec.setHeader(HeaderDunningWarning, "true")
	}
}

// Permit runs Stage 5 — Permission (spec.md §4.3 Stage 5). Requires a
// non-empty appId header; otherwise fails with an infrastructure-level 400
// (the caller was malformed, not a policy denial).
func (p *StagePipeline) Permit(rec *BillingRecord, h Headers, now time.Time) *ErrorResponse {
	if h.AppID == "" {
		return badRequest("missing required header: Ninja-App-Id")
	}
	result := EvaluatePermission(rec, h.GitEmail, NowMs(now))
	rec.Permission = &result
	p.cache.metrics.recordPermission(result.Allowed)
	return nil
}

// Enforce runs the Enforcement step (Security handlers only): if the bound
// permission denies access, it raises a 403 carrying the error code as the
// body (spec.md §4.3 Enforcement step).
func (p *StagePipeline) Enforce(rec *BillingRecord) *ErrorResponse {
	if rec.Permission != nil && !rec.Permission.Allowed {
		return forbidden(rec.Permission.Error.Code)
	}
	return nil
}

// ApplyOrphanExpiringHeader is the late compatibility step preserved
// verbatim from the source (spec.md §4.3): it signals
// X-Ninja-Subscription-Missing when the bound app is an orphan whose
// FreeUntil falls on/before the hard-coded cutoff.
func (p *StagePipeline) ApplyOrphanExpiringHeader(rec *BillingRecord) {
	if rec.App == nil || !rec.App.IsOrphan() {
		return
	}
	if rec.App.FreeUntil <= p.tunables.OrphanExpiringCutoffMs {
		rec.setHeader(HeaderSubscriptionMissing, "true")
	}
}
