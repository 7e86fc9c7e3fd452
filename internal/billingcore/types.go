// Package billingcore implements the billing enforcement and metering core:
// the stage pipeline, the TTL cache layer, the permission decision function,
// the writeback engine, and the decorator/symbol model that selects which
// phases run for a given endpoint.
package billingcore

import "time"

// App is a registered tool/application.
type App struct {
	ID         string
	Name       string
	Publisher  string
	Created    int64 // epoch ms
	FreeUntil  int64 // epoch ms
	OwnerType  OwnerType
	OwnerID    string
	GitEmail   string
	Sponsored  bool
}

// OwnerType enumerates who owns an App.
type OwnerType string

const (
	OwnerNone         OwnerType = ""
	OwnerUser         OwnerType = "user"
	OwnerOrganization OwnerType = "organization"
)

// IsOrphan reports whether the app has no owner.
func (a *App) IsOrphan() bool {
	return a.OwnerType == OwnerNone || a.OwnerID == ""
}

// Organization is a tenant-level billing entity.
type Organization struct {
	ID                     string
	Name                   string
	Plan                   string
	StripeCustomerID       string
	Publishers             map[string]struct{}
	Users                  map[string]struct{}
	DeniedUsers            map[string]struct{}
	Domains                map[string]struct{}
	PendingDomains         map[string]struct{}
	DenyUnknownDomains     bool
	UserFirstSeenTimestamp map[string]int64 // normalized email -> epoch ms
	Status                 string
}

// IsUnlimited reports whether the organization's plan is "unlimited".
func (o *Organization) IsUnlimited() bool {
	return o.Plan == "unlimited"
}

// IsPayg reports whether the organization is billed pay-as-you-go and has a
// configured Stripe customer id — spec.md §9 design note: PAYG metering is
// wired off this explicit boolean, never inferred.
func (o *Organization) IsPayg() bool {
	return o.Plan == "payg" && o.StripeCustomerID != ""
}

// UserProfile identifies the acting user.
type UserProfile struct {
	ID         string
	Provider   string
	ProviderID string
	Name       string
	Email      string
	GitEmail   string
}

// BlockReason enumerates why an organization is hard-blocked.
type BlockReason string

const (
	BlockFlagged              BlockReason = "flagged"
	BlockSubscriptionCancelled BlockReason = "subscription_cancelled"
	BlockPaymentFailed        BlockReason = "payment_failed"
	BlockNoSubscription       BlockReason = "no_subscription"
)

// BlockedEntry records why and when an organization was blocked.
type BlockedEntry struct {
	Reason    BlockReason
	BlockedAt int64
}

// BlockedOrganizations is the system://blocked.json snapshot.
type BlockedOrganizations struct {
	UpdatedAt int64
	Orgs      map[string]BlockedEntry // orgID -> entry
}

// DunningStage enumerates the pre-suspension dunning stages.
type DunningStage int

const (
	DunningStage1 DunningStage = 1
	DunningStage2 DunningStage = 2
	DunningStage3 DunningStage = 3
)

// DunningEntry records a payment-dunning state for an organization.
type DunningEntry struct {
	OrganizationID   string
	DunningStage     DunningStage
	StartedAt        int64
	LastStageChanged int64
}

// AppUsage is the per-month, per-app usage counter kept in BillingLog.
type AppUsage struct {
	ID        string
	Publisher string
	FirstSeen int64
	Count     int64
}

// UserUsage is the per-month, per-user usage counter kept in BillingLog.
type UserUsage struct {
	Email     string
	FirstSeen int64
	Count     int64
}

// BillingMonth is one YYYY-MM entry of an organization's BillingLog.
type BillingMonth struct {
	Apps  map[string]AppUsage  // appKey "<id>|<publisher>" -> usage
	Users map[string]UserUsage // lowercased email -> usage
}

// BillingLog is the logs://<orgId>_billingLog.json document.
type BillingLog struct {
	Months map[string]BillingMonth // "YYYY-MM" (UTC) -> month
}

// AppKey builds the "<id>|<publisher>" key used by BillingLog.Apps.
func AppKey(id, publisher string) string {
	return id + "|" + publisher
}

// WarningCode enumerates PermissionResult warning codes.
type WarningCode string

const (
	WarningAppGracePeriod WarningCode = "APP_GRACE_PERIOD"
	WarningOrgGracePeriod WarningCode = "ORG_GRACE_PERIOD"
)

// Warning is attached to an allowed PermissionResult.
type Warning struct {
	Code          WarningCode
	TimeRemaining int64  // ms, present for *_GRACE_PERIOD codes
	GitEmail      string // echoed on some warnings, optional
}

// ErrorCode enumerates PermissionResult denial codes.
type ErrorCode string

const (
	ErrGitEmailRequired    ErrorCode = "GIT_EMAIL_REQUIRED"
	ErrUserNotAuthorized   ErrorCode = "USER_NOT_AUTHORIZED"
	ErrOrgFlagged          ErrorCode = "ORG_FLAGGED"
	ErrSubscriptionCancelled ErrorCode = "SUBSCRIPTION_CANCELLED"
	ErrPaymentFailed       ErrorCode = "PAYMENT_FAILED"
	ErrNoSubscription      ErrorCode = "NO_SUBSCRIPTION"
	ErrGraceExpired        ErrorCode = "GRACE_EXPIRED"
	ErrOrgGraceExpired     ErrorCode = "ORG_GRACE_EXPIRED"
)

// blockReasonToErrorCode maps a BlockedEntry.Reason to the denial code
// surfaced by the Permission stage (spec.md §4.4 step 3).
var blockReasonToErrorCode = map[BlockReason]ErrorCode{
	BlockFlagged:               ErrOrgFlagged,
	BlockSubscriptionCancelled: ErrSubscriptionCancelled,
	BlockPaymentFailed:         ErrPaymentFailed,
	BlockNoSubscription:        ErrNoSubscription,
}

// DecisionError is the denial half of a PermissionResult.
type DecisionError struct {
	Code ErrorCode
}

// PermissionResult is the tagged-union result of the permission decision
// function: exactly one of Warning/Error is meaningful, gated by Allowed.
type PermissionResult struct {
	Allowed bool
	Warning *Warning
	Error   *DecisionError
}

// Allow builds an allowed PermissionResult, optionally carrying a warning.
func Allow(warning *Warning) PermissionResult {
	return PermissionResult{Allowed: true, Warning: warning}
}

// Deny builds a denied PermissionResult with the given error code.
func Deny(code ErrorCode) PermissionResult {
	return PermissionResult{Allowed: false, Error: &DecisionError{Code: code}}
}

// UserCategory is the outcome of classifying a user against an
// organization's allow/deny lists and domains (GLOSSARY).
type UserCategory string

const (
	CategoryAllowed        UserCategory = "ALLOWED"
	CategoryAllowedPending UserCategory = "ALLOWED_PENDING"
	CategoryDeny           UserCategory = "DENY"
	CategoryDenied         UserCategory = "DENIED"
	CategoryUnknown        UserCategory = "UNKNOWN"
)

// NewUserDecision enumerates the writeBackNewUser tri-state.
type NewUserDecision string

const (
	NewUserAllow   NewUserDecision = "ALLOW"
	NewUserDeny    NewUserDecision = "DENY"
	NewUserUnknown NewUserDecision = "UNKNOWN"
)

// BillingRecord is the per-request, transient billing state (spec.md §3).
// It is created during Binding, mutated only by later stages and the
// enforcement step, read by SuccessPostprocessor, and drained by the
// WritebackEngine in the request's terminal phase. A BillingRecord must
// never be shared across concurrent requests (invariant I6).
type BillingRecord struct {
	App          *App
	Organization *Organization
	User         *UserProfile
	Blocked      *BlockedEntry
	Dunning      *DunningEntry
	Permission   *PermissionResult

	ClaimIssue           bool
	LogUnknownUserAttempt bool

	WriteBackNewOrphan    bool
	WriteBackClaimed      bool
	WriteBackForceOrphan  bool
	WriteBackNewUser      NewUserDecision // "" means unset

	// ResponseHeaders accumulates headers stages want set on the HTTP
	// response (spec.md §4.3/§6); the caller-side adapter flushes these.
	ResponseHeaders map[string]string
}

// NewBillingRecord returns an empty, request-local billing record.
func NewBillingRecord() *BillingRecord {
	return &BillingRecord{ResponseHeaders: make(map[string]string)}
}

// setHeader records a response header to be applied by the HTTP adapter.
func (b *BillingRecord) setHeader(key, value string) {
	if b.ResponseHeaders == nil {
		b.ResponseHeaders = make(map[string]string)
	}
	b.ResponseHeaders[key] = value
}

// NowMs returns the current time as epoch milliseconds. Centralized so
// every stage/evaluator reads time through one seam — deterministic tests
// can anchor behavior to a fixed instant.
func NowMs(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}
