package billingcore

// Tunables is the set of constants the stage pipeline and permission
// evaluator read. They are configured once at process startup (see
// internal/config) and treated as read-only thereafter, so reading
// them from the package-level default does not break the evaluator's
// purity in practice — no request ever mutates them.
type Tunables struct {
	// GracePeriodMs is the window from an app's `created` (or an
	// organization user's first-seen timestamp) during which use is
	// permitted with a warning (GLOSSARY "Grace period").
	GracePeriodMs int64
	// CacheTTLMs is the CacheLayer's default snapshot TTL.
	CacheTTLMs int64
	// OrphanExpiringCutoffMs is the hard-coded legacy compatibility cutoff
	// preserved verbatim from the source (spec.md §4.3, §9 Open Question
	// iii): an orphan app whose FreeUntil falls on/before this timestamp
	// gets the X-Ninja-Subscription-Missing response header.
	OrphanExpiringCutoffMs int64
}

// DefaultTunables mirrors the source's defaults. CacheTTLMs matches the
// source's CACHE_TTL_MS; GracePeriodMs matches GRACE_PERIOD_MS.
// OrphanExpiringCutoffMs is a fixed epoch-ms placeholder recorded in
// DESIGN.md — the original source was not retrievable for this spec, so
// the literal here is documented rather than recovered.
var DefaultTunables = Tunables{
	GracePeriodMs:          14 * 24 * 60 * 60 * 1000, // 14 days
	CacheTTLMs:             5 * 60 * 1000,            // 5 minutes
	OrphanExpiringCutoffMs: 1735689600000,            // 2025-01-01T00:00:00Z
}

// gracePeriodMs is the package-level grace period used by pure evaluators
// that do not otherwise take a Tunables argument. Set via Configure.
var gracePeriodMs = DefaultTunables.GracePeriodMs

// Configure installs t as the active Tunables for every package-level
// pure function that reads a constant instead of taking it as an
// argument. Call once during startup before serving traffic.
func Configure(t Tunables) {
	gracePeriodMs = t.GracePeriodMs
}
