// Package cortex defines the deliberative-cognition boundary. Stem
// treats Cortex as a single pure-ish async function: it receives the
// triggering sense plus read-only physical/cognition snapshots and
// returns a batch of acts plus a replacement cognition state. The
// concrete reasoning pipeline behind that function is out of scope here
// (spec.md §1) — this package only defines the boundary and a
// deterministic stub implementation suitable for tests and the
// reference binaries.
package cortex

import (
	"context"

	"github.com/google/uuid"

	"github.com/stemrun/stem/internal/act"
	"github.com/stemrun/stem/internal/cognition"
	"github.com/stemrun/stem/internal/physical"
	"github.com/stemrun/stem/internal/sense"
)

// Output is what a Cortex invocation produces for one cycle.
type Output struct {
	Acts            []act.Act
	NewCognitionState cognition.State
}

// Func is the Cortex boundary signature. Implementations may perform
// external I/O (inference calls) and must return promptly enough not to
// stall the single-consumer Stem loop; spec.md places no timeout on this
// call, so a slow Cortex implementation is a slow loop, not an error.
type Func func(ctx context.Context, s sense.Sense, ph physical.State, cg cognition.State) (Output, error)

// Noop is a deterministic Cortex implementation that emits no acts and
// returns the cognition state unchanged. It is useful as a default for
// tests and for control-sense-only deployments (e.g. capability
// registration without any reasoning backend wired yet).
func Noop(_ context.Context, _ sense.Sense, _ physical.State, cg cognition.State) (Output, error) {
	return Output{NewCognitionState: cg}, nil
}

// EchoStub builds a non-deterministic Cortex stub: for every Domain
// sense it emits exactly one act against the given endpoint and
// capability, requesting costMicro survival budget. In a real
// deployment Cortex assigns its own act ids; this stub assigns a fresh
// uuid per act, since stub/test callers have no reasoning pipeline to
// derive one from. Control senses pass through unchanged, matching
// Noop.
func EchoStub(endpointID, capabilityID string, costMicro int64) Func {
	return func(_ context.Context, s sense.Sense, _ physical.State, cg cognition.State) (Output, error) {
		if s.Kind() != sense.KindDomain {
			return Output{NewCognitionState: cg}, nil
		}
		a := act.Act{
			ActID:              uuid.NewString(),
			BasedOn:            []string{s.Domain().SenseID},
			EndpointID:         endpointID,
			CapabilityID:       capabilityID,
			RequestedResources: act.RequestedResources{SurvivalMicro: costMicro},
		}
		return Output{Acts: []act.Act{a}, NewCognitionState: cg}, nil
	}
}
