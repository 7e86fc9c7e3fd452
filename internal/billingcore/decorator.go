package billingcore

// Flags is the per-endpoint decorator/symbol set (spec.md §4.2). It is
// registered as a plain value at routing time — see cmd/ninja-gateway's
// route table — rather than attached to handler functions via struct tags
// or reflection, per spec.md §9's design note.
type Flags struct {
	Billing      bool
	Logging      bool
	UsageLogging bool
	Security     bool
	Moniker      string
}

// Normalize applies the implication table from spec.md §4.2:
//
//	Logging, UsageLogging, Security all imply Billing.
//	Security additionally implies Logging.
//
// NewBillingMiddleware calls it when a route is registered; Preprocess and
// WritebackEngine.Apply normalize the Flags they receive again, so an
// unnormalized value passed to them directly behaves the same.
func (f Flags) Normalize() Flags {
	if f.Security {
		f.Logging = true
	}
	if f.Logging || f.UsageLogging || f.Security {
		f.Billing = true
	}
	return f
}

// RunsBilling reports whether Preprocess should run at all for this
// endpoint. Handlers without Billing skip preprocessing entirely.
func (f Flags) RunsBilling() bool {
	return f.Normalize().Billing
}
