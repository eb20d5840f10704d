// Package physical holds the cycle-scoped, read-only PhysicalState
// snapshot composed once per Stem cycle from Spine's base catalog,
// Continuity's overlay/tombstone layer, and Ledger's optional
// contribution.
package physical

import (
	"sort"

	"github.com/stemrun/stem/internal/sense"
)

// CapabilityCatalog is a deterministically ordered view of
// (endpoint, capability) routes. Entries iterate in RouteKey order;
// later overlays win per key.
type CapabilityCatalog struct {
	entries map[sense.RouteKey]sense.CapabilityDescriptor
}

// NewCapabilityCatalog returns an empty catalog.
func NewCapabilityCatalog() CapabilityCatalog {
	return CapabilityCatalog{entries: make(map[sense.RouteKey]sense.CapabilityDescriptor)}
}

// Set upserts a route. Later calls for the same key overwrite earlier ones.
func (c *CapabilityCatalog) Set(key sense.RouteKey, desc sense.CapabilityDescriptor) {
	if c.entries == nil {
		c.entries = make(map[sense.RouteKey]sense.CapabilityDescriptor)
	}
	c.entries[key] = desc
}

// Delete removes a route, if present.
func (c *CapabilityCatalog) Delete(key sense.RouteKey) {
	delete(c.entries, key)
}

// Get looks up a route.
func (c CapabilityCatalog) Get(key sense.RouteKey) (sense.CapabilityDescriptor, bool) {
	d, ok := c.entries[key]
	return d, ok
}

// Len returns the number of routes in the catalog.
func (c CapabilityCatalog) Len() int { return len(c.entries) }

// Keys returns every RouteKey in deterministic (sorted) order.
func (c CapabilityCatalog) Keys() []sense.RouteKey {
	keys := make([]sense.RouteKey, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// Merge copies base and applies each overlay in order: every key in an
// overlay replaces the corresponding key (or is added). Used to compose base <- overlay
// <- overlay in a fixed, deterministic order.
func Merge(base CapabilityCatalog, overlays ...CapabilityCatalog) CapabilityCatalog {
	out := NewCapabilityCatalog()
	for _, k := range base.Keys() {
		d, _ := base.Get(k)
		out.Set(k, d)
	}
	for _, overlay := range overlays {
		for _, k := range overlay.Keys() {
			d, _ := overlay.Get(k)
			out.Set(k, d)
		}
	}
	return out
}

// LedgerSnapshot is the Ledger-contributed slice of PhysicalState.
type LedgerSnapshot struct {
	AvailableSurvivalMicro int64
	OpenReservationCount   int
}

// State is the cycle-scoped, read-only snapshot handed to Cortex.
type State struct {
	CycleID      uint64
	Ledger       LedgerSnapshot
	Capabilities CapabilityCatalog
}
