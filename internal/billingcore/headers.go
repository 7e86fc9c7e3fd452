package billingcore

// Headers is the Go-typed form of the inbound Ninja-* request headers the
// core consumes (spec.md §6). The HTTP front end — out of scope per
// spec.md §1 — is responsible for parsing these off the wire and handing
// the core a Headers value; the core never touches net/http directly.
type Headers struct {
	AppID     string // Ninja-App-Id
	Publisher string // Ninja-App-Publisher
	GitName   string // Ninja-Git-Name
	GitEmail  string // Ninja-Git-Email
	AuthKey   string // Ninja-Auth-Key
	Version   string // Ninja-Version
	ProfileID string // Ninja-Profile-Id
}

// Outbound response header names the core may set (spec.md §6).
const (
	HeaderDunningWarning      = "X-Ninja-Dunning-Warning"
	HeaderClaimIssue          = "X-Ninja-Claim-Issue"
	HeaderSubscriptionMissing = "X-Ninja-Subscription-Missing"
)
