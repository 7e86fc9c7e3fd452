package billingcore

import "strings"

// Normalize trims surrounding whitespace and lowercases s. Every email,
// publisher, domain, and allow/deny-list comparison in this package goes
// through Normalize (spec.md §8 "Normalization" invariant):
// Normalize(s) == Normalize(Trim(Lower(s))).
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// emailDomain returns the normalized domain part of an email address, or
// "" if the email has no "@".
func emailDomain(email string) string {
	email = Normalize(email)
	i := strings.LastIndexByte(email, '@')
	if i < 0 || i == len(email)-1 {
		return ""
	}
	return email[i+1:]
}

// normalizedSetContains reports whether set contains a case/space-normalized v.
func normalizedSetContains(set map[string]struct{}, v string) bool {
	_, ok := set[Normalize(v)]
	return ok
}
