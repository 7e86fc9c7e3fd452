package billingcore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ocx/backend/internal/meterclient"
	"github.com/ocx/backend/internal/objectstore"
)

const (
	appsPath          = "system://apps.json"
	organizationsPath = "system://organizations.json"
)

// WritebackEngine durably applies the side effects a request accumulated
// on its BillingRecord — new-orphan/claim/new-user writes, activity and
// unknown-user log appends, and PAYG metering — after the response has
// already been sent back to the caller (spec.md §4.6, §5).
type WritebackEngine struct {
	store  objectstore.Store
	cache  *CacheLayer
	meter  meterclient.Client
	logger *slog.Logger
}

// NewWritebackEngine constructs a WritebackEngine.
func NewWritebackEngine(store objectstore.Store, cache *CacheLayer, meter meterclient.Client, logger *slog.Logger) *WritebackEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if meter == nil {
		meter = meterclient.NoopClient{}
	}
	return &WritebackEngine{store: store, cache: cache, meter: meter, logger: logger.With("component", "writeback")}
}

func decodeApps(raw []byte) ([]App, error) {
	if len(raw) == 0 {
		return []App{}, nil
	}
	var apps []App
	err := json.Unmarshal(raw, &apps)
	return apps, err
}

func encodeApps(apps []App) ([]byte, error) { return json.Marshal(apps) }

func decodeOrganizations(raw []byte) ([]Organization, error) {
	if len(raw) == 0 {
		return []Organization{}, nil
	}
	var orgs []Organization
	err := json.Unmarshal(raw, &orgs)
	return orgs, err
}

func encodeOrganizations(orgs []Organization) ([]byte, error) { return json.Marshal(orgs) }

// Apply drains rec's writeback fields against durable storage, then
// refreshes the in-memory cache to match. Called after the response has
// been written; errors are logged, not returned to the caller (spec.md
// §7 — writeback failures never affect a response already sent).
func (w *WritebackEngine) Apply(ctx context.Context, rec *BillingRecord, flags Flags, gitEmail string, now time.Time) {
	if rec.WriteBackNewOrphan || rec.WriteBackClaimed || rec.WriteBackForceOrphan {
		if err := w.writeApp(ctx, rec); err != nil {
			w.logger.Error("app writeback failed", "error", err)
		}
	}

	if rec.WriteBackNewUser != "" && rec.Organization != nil {
		if err := w.writeNewUserDecision(ctx, rec, gitEmail); err != nil {
			w.logger.Error("new-user writeback failed", "error", err)
		}
	}

	if rec.Organization != nil && Normalize(gitEmail) != "" {
		if err := w.ensureUserFirstSeen(ctx, rec, gitEmail, now); err != nil {
			w.logger.Error("first-seen writeback failed", "error", err)
		}
	}

	if err := w.appendActivityLog(ctx, rec, flags, gitEmail, now); err != nil {
		w.logger.Error("activity log append failed", "error", err)
	}
	if err := w.appendUnknownUserLog(ctx, rec, gitEmail, now); err != nil {
		w.logger.Error("unknown-user log append failed", "error", err)
	}

	if rec.Organization != nil && rec.App != nil && rec.Organization.IsPayg() {
		if err := RecordPaygUsage(ctx, w.store, w.meter, rec.Organization, rec.App, gitEmail, now); err != nil {
			w.logger.Error("payg metering failed", "error", err)
		}
	}
}

// writeApp persists rec.App — a new orphan, a freshly claimed app, or a
// force-reverted-to-orphan app — with optimistic concurrency, then
// updates the cache (spec.md §4.6 step 1).
func (w *WritebackEngine) writeApp(ctx context.Context, rec *BillingRecord) error {
	appToWrite := *rec.App
	if rec.WriteBackForceOrphan {
		appToWrite.OwnerType = OwnerNone
		appToWrite.OwnerID = ""
	}

	_, err := objectstore.OptimisticUpdate(
		ctx, w.store, appsPath,
		decodeApps, encodeApps, []App{},
		func(apps []App) ([]App, error) {
			for i := range apps {
				if Normalize(apps[i].ID) == Normalize(appToWrite.ID) && Normalize(apps[i].Publisher) == Normalize(appToWrite.Publisher) {
					apps[i] = appToWrite
					return apps, nil
				}
			}
			return append(apps, appToWrite), nil
		},
	)
	if err != nil {
		return err
	}

	w.cache.Update(KindApps, AppKey(appToWrite.ID, appToWrite.Publisher), func(v any) string {
		a := v.(App)
		return AppKey(a.ID, a.Publisher)
	}, appToWrite)
	return nil
}

// writeNewUserDecision applies the ALLOW/DENY/UNKNOWN consequence the
// permission evaluator recorded for a newly-seen organization member
// (spec.md §4.6 step 2): ALLOW adds the email to Users and removes it
// from DeniedUsers; DENY adds it to DeniedUsers; UNKNOWN touches nothing
// here (its first-seen bookkeeping is ensureUserFirstSeen's job).
func (w *WritebackEngine) writeNewUserDecision(ctx context.Context, rec *BillingRecord, gitEmail string) error {
	normEmail := Normalize(gitEmail)
	if normEmail == "" || rec.WriteBackNewUser == NewUserUnknown {
		return nil
	}
	return w.mutateOrganization(ctx, rec.Organization.ID, func(org *Organization) {
		switch rec.WriteBackNewUser {
		case NewUserAllow:
			if org.Users == nil {
				org.Users = map[string]struct{}{}
			}
			org.Users[normEmail] = struct{}{}
			delete(org.DeniedUsers, normEmail)
		case NewUserDeny:
			if org.DeniedUsers == nil {
				org.DeniedUsers = map[string]struct{}{}
			}
			org.DeniedUsers[normEmail] = struct{}{}
		}
	})
}

// ensureUserFirstSeen records userFirstSeenTimestamp[email] = now the
// first time a bound organization sees an email, and never overwrites it
// afterward (spec.md §4.6 "First-seen timestamp update for known-org
// users", §8 "first-seen min-wins").
func (w *WritebackEngine) ensureUserFirstSeen(ctx context.Context, rec *BillingRecord, gitEmail string, now time.Time) error {
	normEmail := Normalize(gitEmail)
	nowMs := NowMs(now)
	return w.mutateOrganization(ctx, rec.Organization.ID, func(org *Organization) {
		if org.UserFirstSeenTimestamp == nil {
			org.UserFirstSeenTimestamp = map[string]int64{}
		}
		if _, seen := org.UserFirstSeenTimestamp[normEmail]; !seen {
			org.UserFirstSeenTimestamp[normEmail] = nowMs
		}
	})
}

// mutateOrganization is the shared optimistic-update/cache-refresh
// sequence for in-place organization field mutations.
func (w *WritebackEngine) mutateOrganization(ctx context.Context, orgID string, mutate func(*Organization)) error {
	var updated Organization
	_, err := objectstore.OptimisticUpdate(
		ctx, w.store, organizationsPath,
		decodeOrganizations, encodeOrganizations, []Organization{},
		func(orgs []Organization) ([]Organization, error) {
			for i := range orgs {
				if orgs[i].ID != orgID {
					continue
				}
				mutate(&orgs[i])
				updated = orgs[i]
				return orgs, nil
			}
			return orgs, fmt.Errorf("writeback: organization %s not found in durable store", orgID)
		},
	)
	if err != nil {
		return err
	}

	w.cache.Update(KindOrganizations, updated.ID, func(v any) string {
		return v.(Organization).ID
	}, updated)
	return nil
}

// appendActivityLog appends one line to the organization's feature-usage
// log, gated on UsageLogging being in effect for a fully-bound, allowed
// request naming a moniker (spec.md §4.6 step 3).
func (w *WritebackEngine) appendActivityLog(ctx context.Context, rec *BillingRecord, flags Flags, gitEmail string, now time.Time) error {
	normalized := flags.Normalize()
	if !normalized.UsageLogging || normalized.Moniker == "" {
		return nil
	}
	if rec.Organization == nil || rec.App == nil || Normalize(gitEmail) == "" {
		return nil
	}
	// A nil Permission means Permit never ran for this request (Security
	// was not in effect) — that is not a denial, so UsageLogging-only
	// handlers still log. Only an explicit denial skips.
	if rec.Permission != nil && !rec.Permission.Allowed {
		return nil
	}
	if normalizedSetContains(rec.Organization.DeniedUsers, gitEmail) {
		return nil
	}
	return appendLogLine(ctx, w.store, activityLogPath(rec.Organization.ID), map[string]any{
		"appId":     rec.App.ID,
		"publisher": rec.App.Publisher,
		"gitEmail":  Normalize(gitEmail),
		"moniker":   normalized.Moniker,
		"ts":        NowMs(now),
	})
}

// appendUnknownUserLog appends an entry every time an organization-bound
// request comes from an email the evaluator could not place into an
// established category — no deduplication (spec.md §4.6 step 4).
func (w *WritebackEngine) appendUnknownUserLog(ctx context.Context, rec *BillingRecord, gitEmail string, now time.Time) error {
	if !rec.LogUnknownUserAttempt || rec.Organization == nil || Normalize(gitEmail) == "" {
		return nil
	}
	return appendLogLine(ctx, w.store, unknownUserLogPath(rec.Organization.ID), map[string]any{
		"gitEmail": Normalize(gitEmail),
		"ts":       NowMs(now),
	})
}

func activityLogPath(orgID string) string    { return fmt.Sprintf("logs://%s_featureLog.json", orgID) }
func unknownUserLogPath(orgID string) string { return fmt.Sprintf("logs://%s_unknown.json", orgID) }

// appendLogLine is the shared optimistic append used by the two
// append-only logs: decode the current array, append entry, encode,
// compare-and-swap.
func appendLogLine(ctx context.Context, store objectstore.Store, path string, entry map[string]any) error {
	_, err := objectstore.OptimisticUpdate(
		ctx, store, path,
		func(raw []byte) ([]map[string]any, error) {
			if len(raw) == 0 {
				return []map[string]any{}, nil
			}
			var lines []map[string]any
			err := json.Unmarshal(raw, &lines)
			return lines, err
		},
		func(lines []map[string]any) ([]byte, error) { return json.Marshal(lines) },
		[]map[string]any{},
		func(lines []map[string]any) ([]map[string]any, error) {
			return append(lines, entry), nil
		},
	)
	return err
}
