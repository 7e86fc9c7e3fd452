package billingcore

// MatchType enumerates how a ClaimCandidate matched its organization.
type MatchType string

const (
	MatchUser   MatchType = "user"
	MatchDomain MatchType = "domain"
)

// ClaimCandidate is one organization eligible to claim an orphan app.
type ClaimCandidate struct {
	Organization *Organization
	MatchType    MatchType
}

// ClaimResult is the outcome of evaluating claim candidates for a
// publisher/user pair (spec.md §4.3 Stage 2).
type ClaimResult struct {
	PublisherMatchFound bool
	Candidates          []ClaimCandidate
}

// EvaluateClaimCandidates is a pure function over the current organization
// snapshot: given a publisher and the requester's git email, it returns the
// organizations eligible to claim an orphan app with that publisher.
//
//  1. Filter orgs whose Publishers set contains the normalized publisher.
//  2. If none match, report PublisherMatchFound=false.
//  3. Otherwise, for each matching org: an email match in Users takes
//     precedence over a domain match in Domains within that one org.
func EvaluateClaimCandidates(publisher, gitEmail string, orgs []Organization) ClaimResult {
	normPublisher := Normalize(publisher)
	normEmail := Normalize(gitEmail)
	domain := emailDomain(gitEmail)

	var matching []Organization
	for _, org := range orgs {
		if normalizedSetContains(org.Publishers, normPublisher) {
			matching = append(matching, org)
		}
	}
	if len(matching) == 0 {
		return ClaimResult{PublisherMatchFound: false}
	}

	var candidates []ClaimCandidate
	for i := range matching {
		org := matching[i]
		switch {
		case normEmail != "" && normalizedSetContains(org.Users, normEmail):
			candidates = append(candidates, ClaimCandidate{Organization: &matching[i], MatchType: MatchUser})
		case domain != "" && normalizedSetContains(org.Domains, domain):
			candidates = append(candidates, ClaimCandidate{Organization: &matching[i], MatchType: MatchDomain})
		}
	}

	return ClaimResult{PublisherMatchFound: true, Candidates: candidates}
}
