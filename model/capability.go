package model

import (
	"slices"
	"strings"
)

// Capabilities that unlock HR overrides. Ordinary employees act only on their
// own requests and the steps assigned to them and need none of these.
const (
	CapLedgerOverride    = "ledger:override"
	CapLedgerGrant       = "ledger:grant"
	CapLedgerViewAny     = "ledger:view:any"
	CapRequestsCancelAny = "requests:cancel:any"
	CapRequestsViewAny   = "requests:view:any"
)

// CapabilitySet holds the capabilities granted to a caller. An entry ending
// in ":*" grants every capability under that prefix; "*" grants all.
type CapabilitySet map[string]bool

// Has reports whether cap is granted exactly or through a wildcard entry.
// "ledger:view" does not grant "ledger:view:any".
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] || cs["*"] {
		return true
	}
	for granted := range cs {
		if prefix, ok := strings.CutSuffix(granted, "*"); ok && strings.HasSuffix(prefix, ":") && strings.HasPrefix(cap, prefix) {
			return true
		}
	}
	return false
}

func (cs CapabilitySet) HasAny(caps ...string) bool {
	return slices.ContainsFunc(caps, cs.Has)
}

// CapabilityResolver resolves the full capability set for a caller.
type CapabilityResolver interface {
	Resolve(rctx *RequestContext) (CapabilitySet, error)
}

// PolicyEvaluator maps a caller's roles to capabilities.
type PolicyEvaluator interface {
	ResolveCapabilities(rctx *RequestContext) (CapabilitySet, error)
}
