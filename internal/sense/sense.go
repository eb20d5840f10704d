// Package sense defines the ingress data model: the tagged Sense variant
// consumed one at a time by the Stem loop, and the capability patch/drop
// envelopes carried by its control variants.
//
// Kind values must stay stable; they are logged and may appear in
// operator tooling output.
package sense

import "fmt"

// Kind tags which variant a Sense carries.
type Kind uint8

const (
	KindDomain Kind = iota
	KindSleep
	KindNewCapabilities
	KindDropCapabilities
)

// String returns the human-readable kind name.
func (k Kind) String() string {
	switch k {
	case KindDomain:
		return "domain"
	case KindSleep:
		return "sleep"
	case KindNewCapabilities:
		return "new_capabilities"
	case KindDropCapabilities:
		return "drop_capabilities"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// RouteKey identifies a single routable capability: one endpoint's one
// capability. Capability catalogs, patches and tombstones are all keyed
// by RouteKey.
type RouteKey struct {
	EndpointID   string
	CapabilityID string
}

// Less orders two RouteKeys lexicographically by EndpointID then
// CapabilityID, giving every capability catalog a single deterministic
// iteration order.
func (k RouteKey) Less(other RouteKey) bool {
	if k.EndpointID != other.EndpointID {
		return k.EndpointID < other.EndpointID
	}
	return k.CapabilityID < other.CapabilityID
}

func (k RouteKey) String() string {
	return k.EndpointID + "/" + k.CapabilityID
}

// CapabilityDescriptor is the opaque-to-Stem description of what a
// capability does; carried through so the same type can be round-tripped
// between catalog layers without Stem inspecting its contents.
type CapabilityDescriptor struct {
	CapabilityInstanceID string
	Metadata             map[string]string
}

// CapabilityPatch is an incremental set of catalog additions, keyed by
// RouteKey. Arrival order wins: a later patch for a key already present
// in a tombstone clears the tombstone and upserts (see continuity).
type CapabilityPatch struct {
	EndpointID   string
	Capabilities map[string]CapabilityDescriptor // capability_id -> descriptor
}

// CapabilityDropPatch is an incremental set of catalog removals, keyed by
// RouteKey. Applying a drop installs a tombstone that suppresses the
// route until a later CapabilityPatch reinstates it.
type CapabilityDropPatch struct {
	EndpointID   string
	CapabilityIDs []string
}

// SenseDatum is the payload of a Domain sense: an external observation.
type SenseDatum struct {
	SenseID string
	Source  string
	Payload []byte
}

// Sense is the unit of ingress. Exactly one of the four constructors
// below should be used to build a Sense; the zero value is not a valid
// Sense.
type Sense struct {
	kind    Kind
	domain  SenseDatum
	patch   CapabilityPatch
	drop    CapabilityDropPatch
}

// NewDomain builds a Domain sense carrying an external observation.
func NewDomain(d SenseDatum) Sense { return Sense{kind: KindDomain, domain: d} }

// NewSleep builds the terminal control sense. Producers must never emit
// this sense; it is reserved for the shutdown sequence.
func NewSleep() Sense { return Sense{kind: KindSleep} }

// NewCapabilities builds a capability-addition control sense.
func NewCapabilities(p CapabilityPatch) Sense { return Sense{kind: KindNewCapabilities, patch: p} }

// NewDropCapabilities builds a capability-removal control sense.
func NewDropCapabilities(d CapabilityDropPatch) Sense {
	return Sense{kind: KindDropCapabilities, drop: d}
}

// Kind returns which variant this Sense holds.
func (s Sense) Kind() Kind { return s.kind }

// Domain returns the SenseDatum payload. Only meaningful when
// Kind() == KindDomain.
func (s Sense) Domain() SenseDatum { return s.domain }

// Patch returns the capability patch payload. Only meaningful when
// Kind() == KindNewCapabilities.
func (s Sense) Patch() CapabilityPatch { return s.patch }

// Drop returns the capability drop payload. Only meaningful when
// Kind() == KindDropCapabilities.
func (s Sense) Drop() CapabilityDropPatch { return s.drop }

// IsSleep reports whether this Sense is the terminal control sense.
func (s Sense) IsSleep() bool { return s.kind == KindSleep }
