// Package continuity owns cognition-state persistence and the
// capability overlay (patches and drops applied on top of Spine's base
// catalog). It also runs the per-act pre-dispatch gate, the one point
// where Continuity can Break an act before Spine ever sees it. Grounded
// on the donor's ProcessState: a single mutex-guarded owner exposing a
// small number of named transitions rather than raw field mutation.
package continuity

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/stemrun/stem/internal/act"
	"github.com/stemrun/stem/internal/cognition"
	"github.com/stemrun/stem/internal/dispatch"
	"github.com/stemrun/stem/internal/physical"
	"github.com/stemrun/stem/internal/sense"
	"github.com/stemrun/stem/internal/spineevent"
	"github.com/stemrun/stem/internal/storage"
)

// Gate is Continuity's domain-level per-act admission check: it may
// Break an act based on cognition-state policy (e.g. stale cognition,
// a missing goal the act claims to serve) but must not mutate any
// externally visible state while deciding.
type Gate func(ctx dispatch.Context, a act.Act, cg cognition.State) (dispatch.Decision, error)

// DefaultGate always continues. Continuity ships with no built-in
// domain policy; a concrete deployment supplies one via WithGate.
func DefaultGate(_ dispatch.Context, _ act.Act, _ cognition.State) (dispatch.Decision, error) {
	return dispatch.Continue, nil
}

// Continuity holds the cognition-state revision and the capability
// overlay layered on top of Spine's base catalog.
type Continuity struct {
	mu sync.Mutex
	db *storage.DB

	cognitionState cognition.State

	patchOverlay physical.CapabilityCatalog
	dropped      map[sense.RouteKey]struct{}

	gate Gate
}

// New constructs a Continuity with the given initial cognition state.
// db may be nil for ephemeral/test instances.
func New(initial cognition.State, db *storage.DB) *Continuity {
	return &Continuity{
		db:             db,
		cognitionState: initial.Clone(),
		patchOverlay:   physical.NewCapabilityCatalog(),
		dropped:        make(map[sense.RouteKey]struct{}),
		gate:           DefaultGate,
	}
}

// WithGate overrides the default pre-dispatch gate. Used by tests to
// force Break without depending on the capability catalog.
func (c *Continuity) WithGate(g Gate) *Continuity {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gate = g
	return c
}

// CognitionState returns a read-only copy of the current cognition
// state, suitable for handing to Cortex.
func (c *Continuity) CognitionState() cognition.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cognitionState.Clone()
}

// PersistCognitionState replaces the cognition state with next,
// bumping the revision if the caller did not already advance it. This
// is the only way cognition state changes; Stem calls it once per
// cycle with the state Cortex returned.
func (c *Continuity) PersistCognitionState(next cognition.State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if next.Revision <= c.cognitionState.Revision {
		next.Revision = c.cognitionState.Revision + 1
	}
	c.cognitionState = next.Clone()

	if c.db != nil {
		goalStack, err := marshalGoalStack(next.GoalStack)
		if err != nil {
			return fmt.Errorf("continuity: marshal goal stack: %w", err)
		}
		if err := c.db.PutCognition(storage.CognitionRecord{
			Revision:  next.Revision,
			GoalStack: goalStack,
		}); err != nil {
			return fmt.Errorf("continuity: persist cognition state: %w", err)
		}
	}
	return nil
}

// ApplyCapabilityPatch overlays a NewCapabilities sense's routes onto
// the capability overlay, clearing any prior tombstone for the same
// keys: a re-registration un-drops a capability.
func (c *Continuity) ApplyCapabilityPatch(patch sense.CapabilityPatch) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for capID, desc := range patch.Capabilities {
		key := sense.RouteKey{EndpointID: patch.EndpointID, CapabilityID: capID}
		c.patchOverlay.Set(key, desc)
		delete(c.dropped, key)
	}
}

// ApplyCapabilityDrop tombstones the given (endpoint, capability)
// routes: CapabilitiesSnapshot will omit them from the composed
// catalog until a later patch re-registers the same key.
func (c *Continuity) ApplyCapabilityDrop(drop sense.CapabilityDropPatch) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, capID := range drop.CapabilityIDs {
		key := sense.RouteKey{EndpointID: drop.EndpointID, CapabilityID: capID}
		c.patchOverlay.Delete(key)
		c.dropped[key] = struct{}{}
	}
}

// CapabilitiesSnapshot composes base (Spine's catalog) with
// Continuity's patch overlay, then removes every tombstoned route.
// The result is deterministic: overlay always wins over base, and a
// tombstone always wins over both.
func (c *Continuity) CapabilitiesSnapshot(base physical.CapabilityCatalog) physical.CapabilityCatalog {
	c.mu.Lock()
	defer c.mu.Unlock()

	merged := physical.Merge(base, c.patchOverlay)
	for key := range c.dropped {
		merged.Delete(key)
	}
	return merged
}

// PreDispatch runs the domain-level admission gate for one act against
// the cognition state Cortex was given this cycle. On Break, the
// caller is responsible for recording dispatch.BreakReference as the
// act's terminal outcome.
func (c *Continuity) PreDispatch(ctx dispatch.Context, a act.Act, cg cognition.State) (dispatch.Decision, error) {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()

	return gate(ctx, a, cg)
}

// OnSpineEvent is Continuity's hook into the per-act outcome stream.
// The default implementation is a no-op: Continuity's only event-driven
// responsibility in the base spec is capability overlay maintenance,
// which happens via senses, not spine events. Kept as an explicit
// method so a supplemented feature (e.g. capability auto-retry on
// repeated rejection) has a single place to hang off of.
func (c *Continuity) OnSpineEvent(_ dispatch.Context, _ spineevent.Event) {}

func marshalGoalStack(frames []cognition.GoalFrame) ([]byte, error) {
	return json.Marshal(frames)
}
