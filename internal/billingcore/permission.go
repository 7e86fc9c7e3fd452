package billingcore

// EvaluatePermission is the pure, total permission decision function
// (spec.md §4.4). It never performs I/O and never mutates anything beyond
// the two named writeback fields on rec. Given the same inputs it always
// returns the same PermissionResult (spec.md §8 "Permission totality").
func EvaluatePermission(rec *BillingRecord, gitEmail string, nowMs int64) PermissionResult {
	// 1. No app bound.
	if rec.App == nil {
		return Allow(nil)
	}

	// 2. Sponsored app bypasses all checks.
	if rec.App.Sponsored {
		return Allow(nil)
	}

	// 3. Blocked organization, regardless of owner type.
	if rec.Blocked != nil {
		code, ok := blockReasonToErrorCode[rec.Blocked.Reason]
		if !ok {
			code = ErrNoSubscription
		}
		return Deny(code)
	}

	normGitEmail := Normalize(gitEmail)

	switch rec.App.OwnerType {
	case OwnerUser:
		return evaluatePersonalApp(rec, normGitEmail)
	case OwnerOrganization:
		return evaluateOrganizationApp(rec, normGitEmail, nowMs)
	default:
		return evaluateOrphanApp(rec, nowMs)
	}
}

// evaluatePersonalApp implements spec.md §4.4 step 4.
func evaluatePersonalApp(rec *BillingRecord, normGitEmail string) PermissionResult {
	if normGitEmail == "" {
		return Deny(ErrGitEmailRequired)
	}

	candidates := []string{Normalize(rec.App.GitEmail)}
	if rec.User != nil {
		candidates = append(candidates, Normalize(rec.User.Email), Normalize(rec.User.GitEmail))
	}
	for _, c := range candidates {
		if c != "" && c == normGitEmail {
			return Allow(nil)
		}
	}
	return Deny(ErrUserNotAuthorized)
}

// evaluateOrganizationApp implements spec.md §4.4 step 5.
func evaluateOrganizationApp(rec *BillingRecord, normGitEmail string, nowMs int64) PermissionResult {
	org := rec.Organization

	if org != nil && org.IsUnlimited() {
		return Allow(nil)
	}

	if normGitEmail == "" {
		return Deny(ErrGitEmailRequired)
	}

	if org == nil {
		// Owner type says organization but none bound: treat as
		// unauthorized rather than panicking — a malformed/incomplete
		// binding should never fail open.
		return Deny(ErrUserNotAuthorized)
	}

	switch category(org, normGitEmail) {
	case CategoryAllowed:
		// users ∋ email.
		return Allow(nil)
	case CategoryDenied:
		// deniedUsers ∋ email.
		return Deny(ErrUserNotAuthorized)
	case categoryDomainAllowed:
		// domain ∈ domains.
		rec.WriteBackNewUser = NewUserAllow
		return Allow(nil)
	case categoryDomainPending:
		// domain ∈ pendingDomains.
		rec.WriteBackNewUser = NewUserUnknown
		rec.LogUnknownUserAttempt = true
		return Allow(nil)
	case CategoryDeny:
		// neither list/domain matched, and the org denies unknown domains.
		rec.WriteBackNewUser = NewUserDeny
		return Deny(ErrUserNotAuthorized)
	default: // CategoryUnknown
		rec.LogUnknownUserAttempt = true
		firstSeen, seen := org.UserFirstSeenTimestamp[normGitEmail]
		if !seen || nowMs-firstSeen < gracePeriodMs {
			rec.WriteBackNewUser = NewUserUnknown
			return Allow(nil)
		}
		return Deny(ErrOrgGraceExpired)
	}
}

// categoryDomainAllowed/categoryDomainPending distinguish the "domain is on
// the established allow-list" case from the "domain is merely pending
// review" case — both are GLOSSARY's ALLOWED_PENDING bucket, but spec.md
// §4.4 step 5 gives them different writeback/logging consequences, so they
// are kept distinct here rather than collapsed to one constant.
const (
	categoryDomainAllowed UserCategory = "ALLOWED_PENDING_DOMAIN"
	categoryDomainPending UserCategory = "ALLOWED_PENDING_REVIEW"
)

// category computes the UserCategory for normGitEmail against org's
// allow/deny lists, domains, pending domains, and denyUnknownDomains flag
// (GLOSSARY UserCategory), following the precedence order of spec.md §4.4
// step 5: users, deniedUsers, domains, pendingDomains, denyUnknownDomains,
// otherwise unknown.
func category(org *Organization, normGitEmail string) UserCategory {
	if normalizedSetContains(org.Users, normGitEmail) {
		return CategoryAllowed
	}
	if normalizedSetContains(org.DeniedUsers, normGitEmail) {
		return CategoryDenied
	}
	domain := emailDomain(normGitEmail)
	if domain != "" && normalizedSetContains(org.Domains, domain) {
		return categoryDomainAllowed
	}
	if domain != "" && normalizedSetContains(org.PendingDomains, domain) {
		return categoryDomainPending
	}
	if org.DenyUnknownDomains {
		return CategoryDeny
	}
	return CategoryUnknown
}

// evaluateOrphanApp implements spec.md §4.4 step 6.
func evaluateOrphanApp(rec *BillingRecord, nowMs int64) PermissionResult {
	if nowMs < rec.App.FreeUntil {
		return Allow(&Warning{
			Code:          WarningAppGracePeriod,
			TimeRemaining: rec.App.FreeUntil - nowMs,
		})
	}
	return Deny(ErrGraceExpired)
}
