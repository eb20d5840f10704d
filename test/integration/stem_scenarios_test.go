// Package integration_test exercises the Stem loop end-to-end across
// all four collaborators (Ledger, Continuity, Spine, Ingress) through
// the orchestrator's public API only — no white-box access to Stem's
// internals. Each test below covers one of the six concrete end-to-end
// scenarios the Stem runtime is required to satisfy, driven the way a
// real producer/consumer pair would: senses sent on one goroutine,
// the loop run on another, shutdown coordinated through the same
// gate/Sleep protocol a production deployment uses.
package integration_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/stemrun/stem/internal/act"
	"github.com/stemrun/stem/internal/bodywire"
	"github.com/stemrun/stem/internal/cognition"
	"github.com/stemrun/stem/internal/continuity"
	"github.com/stemrun/stem/internal/cortex"
	"github.com/stemrun/stem/internal/dispatch"
	"github.com/stemrun/stem/internal/ingress"
	"github.com/stemrun/stem/internal/ledger"
	"github.com/stemrun/stem/internal/physical"
	"github.com/stemrun/stem/internal/sense"
	"github.com/stemrun/stem/internal/spine"
	"github.com/stemrun/stem/internal/spineevent"
	"github.com/stemrun/stem/internal/stem"
)

const (
	epID  = "integration-endpoint"
	capID = "integration-capability"
)

// recordingBody applies every act it receives and remembers the
// requests it saw, so tests can assert on dispatch order without
// reaching into Stem's internals.
type recordingBody struct {
	result func(req *bodywire.ActRequest) *bodywire.ActResult
	seen   []string
}

func (b *recordingBody) Dispatch(_ context.Context, req *bodywire.ActRequest) (*bodywire.ActResult, error) {
	b.seen = append(b.seen, req.ActID)
	if b.result != nil {
		return b.result(req), nil
	}
	return &bodywire.ActResult{ActID: req.ActID, Applied: true}, nil
}

type harness struct {
	queue      *ingress.Queue
	ledger     *ledger.Ledger
	continuity *continuity.Continuity
	spine      *spine.Spine
	orch       *stem.Stem
	body       *recordingBody
}

func newHarness(t *testing.T, queueCapacity int, floor, opening int64, ttl uint64, cortexFunc cortex.Func) *harness {
	t.Helper()
	log := zap.NewNop()

	body := &recordingBody{}
	sp := spine.New(log)
	sp.RegisterEndpoint(&spine.Endpoint{
		EndpointID: epID,
		Client:     body,
		Capabilities: map[string]sense.CapabilityDescriptor{
			capID: {CapabilityInstanceID: "integration-instance-1"},
		},
	})

	l := ledger.New(ledger.Config{FloorMicro: floor, ReservationTTL: ttl}, opening, nil)
	c := continuity.New(cognition.Zero(), nil)
	q := ingress.New(queueCapacity, log)
	orch := stem.New(q, cortexFunc, c, l, sp, log)

	return &harness{queue: q, ledger: l, continuity: c, spine: sp, orch: orch, body: body}
}

func runInBackground(t *testing.T, ctx context.Context, orch *stem.Stem) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- orch.Run(ctx) }()
	return errCh
}

func mustSend(t *testing.T, ctx context.Context, q *ingress.Queue, s sense.Sense) {
	t.Helper()
	if err := q.Send(ctx, s); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func awaitRun(t *testing.T, errCh <-chan error) {
	t.Helper()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return within timeout")
	}
}

// Scenario 1: Sleep as the very first sense makes the loop exit
// without ever calling Cortex.
func TestScenario_SleepTerminates(t *testing.T) {
	cortexCalls := 0
	cortexFunc := func(_ context.Context, _ sense.Sense, _ physical.State, cg cognition.State) (cortex.Output, error) {
		cortexCalls++
		return cortex.Output{NewCognitionState: cg}, nil
	}
	h := newHarness(t, 4, 0, 10_000, 5, cortexFunc)

	ctx := context.Background()
	mustSend(t, ctx, h.queue, sense.NewSleep())
	errCh := runInBackground(t, ctx, h.orch)
	awaitRun(t, errCh)

	if cortexCalls != 0 {
		t.Errorf("expected Cortex never invoked, got %d calls", cortexCalls)
	}
}

// Scenario 2: Continuity Break scopes to a single act. Cortex emits
// three acts; Continuity breaks the first and continues the rest.
// Expect the broken act's reservation refunded via the deterministic
// break reference, and the other two to reach the body endpoint in
// sequence order.
func TestScenario_BreakScoping(t *testing.T) {
	breakGate := func(_ dispatch.Context, a act.Act, _ cognition.State) (dispatch.Decision, error) {
		if a.ActID == "A" {
			return dispatch.Break, nil
		}
		return dispatch.Continue, nil
	}

	emitted := false
	cortexFunc := func(_ context.Context, s sense.Sense, _ physical.State, cg cognition.State) (cortex.Output, error) {
		if emitted || s.Kind() != sense.KindDomain {
			return cortex.Output{NewCognitionState: cg}, nil
		}
		emitted = true
		acts := []act.Act{
			{ActID: "A", EndpointID: epID, CapabilityID: capID, RequestedResources: act.RequestedResources{SurvivalMicro: 100}},
			{ActID: "B", EndpointID: epID, CapabilityID: capID, RequestedResources: act.RequestedResources{SurvivalMicro: 100}},
			{ActID: "C", EndpointID: epID, CapabilityID: capID, RequestedResources: act.RequestedResources{SurvivalMicro: 100}},
		}
		return cortex.Output{NewCognitionState: cg, Acts: acts}, nil
	}

	h := newHarness(t, 4, 0, 10_000, 5, cortexFunc)
	h.continuity.WithGate(breakGate)

	ctx := context.Background()
	balanceBefore := h.ledger.Balance()
	mustSend(t, ctx, h.queue, sense.NewDomain(sense.SenseDatum{SenseID: "s1"}))
	mustSend(t, ctx, h.queue, sense.NewSleep())
	errCh := runInBackground(t, ctx, h.orch)
	awaitRun(t, errCh)

	if len(h.body.seen) != 2 || h.body.seen[0] != "B" || h.body.seen[1] != "C" {
		t.Errorf("expected only B, C to reach the body endpoint in order, got %v", h.body.seen)
	}
	// A's reservation was refunded, B and C settled at their full
	// reserved cost of 100 each with no reported actual cost, so the
	// balance ends 200 below its starting point.
	if h.ledger.Balance() != balanceBefore-200 {
		t.Errorf("expected balance %d after A's break-refund and B/C's full settlement, got %d",
			balanceBefore-200, h.ledger.Balance())
	}
}

// Scenario 3: a NewCapabilities control sense is visible to the very
// same cycle's composed PhysicalState, before Cortex ever sees the
// next sense.
func TestScenario_CapabilityPatchVisibleSameCycle(t *testing.T) {
	var observed physical.CapabilityCatalog
	cortexFunc := func(_ context.Context, s sense.Sense, ph physical.State, cg cognition.State) (cortex.Output, error) {
		if s.Kind() == sense.KindNewCapabilities {
			observed = ph.Capabilities
		}
		return cortex.Output{NewCognitionState: cg}, nil
	}
	h := newHarness(t, 4, 0, 10_000, 5, cortexFunc)

	ctx := context.Background()
	patch := sense.CapabilityPatch{
		EndpointID: "new-endpoint",
		Capabilities: map[string]sense.CapabilityDescriptor{
			"new-cap": {CapabilityInstanceID: "new-instance"},
		},
	}
	mustSend(t, ctx, h.queue, sense.NewCapabilities(patch))
	mustSend(t, ctx, h.queue, sense.NewDomain(sense.SenseDatum{SenseID: "s1"}))
	mustSend(t, ctx, h.queue, sense.NewSleep())
	errCh := runInBackground(t, ctx, h.orch)
	awaitRun(t, errCh)

	if observed.Len() == 0 {
		t.Fatal("expected a composed PhysicalState to have been observed before Sleep")
	}
	if _, ok := observed.Get(sense.RouteKey{EndpointID: "new-endpoint", CapabilityID: "new-cap"}); !ok {
		t.Error("expected the patch to be visible to the Cortex call of the cycle that applied it")
	}
}

// Scenario 4: shutdown ordering. The queue is filled to capacity
// before Shutdown is called; SendSleepBlocking must wait for the loop
// to drain what was already queued, and any send attempted after
// CloseGate must be rejected regardless of whether it would have fit.
func TestScenario_ShutdownOrdering(t *testing.T) {
	var processed []string
	cortexFunc := func(_ context.Context, s sense.Sense, _ physical.State, cg cognition.State) (cortex.Output, error) {
		if s.Kind() == sense.KindDomain {
			processed = append(processed, s.Domain().SenseID)
		}
		return cortex.Output{NewCognitionState: cg}, nil
	}
	h := newHarness(t, 2, 0, 10_000, 5, cortexFunc)

	ctx := context.Background()
	mustSend(t, ctx, h.queue, sense.NewDomain(sense.SenseDatum{SenseID: "s1"}))
	mustSend(t, ctx, h.queue, sense.NewDomain(sense.SenseDatum{SenseID: "s2"}))

	errCh := runInBackground(t, ctx, h.orch)

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- stem.Shutdown(ctx, h.queue) }()

	select {
	case err := <-shutdownDone:
		if err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not complete within timeout")
	}

	if err := h.queue.Send(ctx, sense.NewDomain(sense.SenseDatum{SenseID: "late"})); err != ingress.ErrGateClosed {
		t.Errorf("expected ErrGateClosed for a send issued after the gate closed, got %v", err)
	}

	awaitRun(t, errCh)

	if len(processed) != 2 || processed[0] != "s1" || processed[1] != "s2" {
		t.Errorf("expected s1 then s2 to be fully drained before the forced Sleep, got %v", processed)
	}
}

// Scenario 5: idempotent settlement. Spine emits ActionApplied twice
// for the same reservation with the same reference id — e.g. a
// redelivered notification. The first call settles; the second is a
// no-op, not an error, and the balance reflects only one adjustment.
// A later call with a conflicting reference id for an already-terminal
// reservation is the genuine error case.
func TestScenario_IdempotentSettlement(t *testing.T) {
	h := newHarness(t, 4, 0, 10_000, 5, cortex.Noop)

	dctx := dispatch.Context{CycleID: 1, ActSeqNo: 1}
	a := act.Act{ActID: "a1", EndpointID: epID, CapabilityID: capID, RequestedResources: act.RequestedResources{SurvivalMicro: 500}}

	decision, ticket, err := h.ledger.PreDispatch(dctx, a)
	if err != nil || decision != dispatch.Continue || ticket == nil {
		t.Fatalf("PreDispatch: decision=%v ticket=%v err=%v", decision, ticket, err)
	}

	balanceAfterReserve := h.ledger.Balance()
	event := spineevent.Applied("a1", ticket.ReserveEntryID, ticket.CostAttributionID, "r1", nil)

	if err := h.ledger.SettleFromSpine(ticket, event, dctx); err != nil {
		t.Fatalf("first settlement: %v", err)
	}
	balanceAfterFirstSettle := h.ledger.Balance()
	if balanceAfterFirstSettle != balanceAfterReserve {
		t.Errorf("expected full-cost settlement to leave the reserved amount debited, got balance %d (was %d after reserve)",
			balanceAfterFirstSettle, balanceAfterReserve)
	}

	// Replay of the exact same event: no-op, not an error.
	if err := h.ledger.SettleFromSpine(ticket, event, dctx); err != nil {
		t.Fatalf("expected a replay of the same settlement event to be a no-op, got error: %v", err)
	}
	if h.ledger.Balance() != balanceAfterFirstSettle {
		t.Errorf("expected a replayed settlement to leave the balance unchanged, got %d (was %d)",
			h.ledger.Balance(), balanceAfterFirstSettle)
	}

	// A later call for the same reservation with a conflicting
	// reference id is the genuine error case.
	conflicting := spineevent.Applied("a1", ticket.ReserveEntryID, ticket.CostAttributionID, "r2", nil)
	if err := h.ledger.SettleFromSpine(ticket, conflicting, dctx); err == nil {
		t.Fatal("expected a conflicting-reference settlement of an already-terminal reservation to fail")
	}
	if h.ledger.Balance() != balanceAfterFirstSettle {
		t.Errorf("expected a rejected conflicting re-settlement to leave the balance unchanged, got %d (was %d)",
			h.ledger.Balance(), balanceAfterFirstSettle)
	}
}

// Scenario 6: external debit attribution. A debit whose attribution
// id doesn't match any reservation this ledger created is ignored; a
// later debit with the matching attribution id and the same reference
// id as a prior attempt is applied exactly once.
func TestScenario_ExternalDebitAttribution(t *testing.T) {
	h := newHarness(t, 4, 0, 10_000, 5, cortex.Noop)

	dctx := dispatch.Context{CycleID: 1, ActSeqNo: 1}
	a := act.Act{ActID: "a1", EndpointID: epID, CapabilityID: capID, RequestedResources: act.RequestedResources{SurvivalMicro: 500}}
	_, ticket, err := h.ledger.PreDispatch(dctx, a)
	if err != nil || ticket == nil {
		t.Fatalf("PreDispatch: ticket=%v err=%v", ticket, err)
	}

	applied, err := h.ledger.IngestExternalDebit(1, "wrong-attribution-id", "d1", "meter", 50, 1.0)
	if err != nil {
		t.Fatalf("IngestExternalDebit (mismatched): %v", err)
	}
	if applied {
		t.Fatal("expected a debit with an unmatched attribution id to be ignored")
	}

	balanceBeforeMatch := h.ledger.Balance()
	applied, err = h.ledger.IngestExternalDebit(1, ticket.CostAttributionID, "d1", "meter", 50, 1.0)
	if err != nil {
		t.Fatalf("IngestExternalDebit (matched): %v", err)
	}
	if !applied {
		t.Fatal("expected a debit with a matching attribution id and a fresh reference id to apply")
	}
	if h.ledger.Balance() != balanceBeforeMatch-50 {
		t.Errorf("expected balance to drop by 50, got %d (was %d)", h.ledger.Balance(), balanceBeforeMatch)
	}

	balanceAfterMatch := h.ledger.Balance()
	applied, err = h.ledger.IngestExternalDebit(1, ticket.CostAttributionID, "d1", "meter", 50, 1.0)
	if err != nil {
		t.Fatalf("IngestExternalDebit (replay): %v", err)
	}
	if applied {
		t.Fatal("expected a replayed reference id to be ignored")
	}
	if h.ledger.Balance() != balanceAfterMatch {
		t.Errorf("expected a replayed debit to leave the balance unchanged, got %d (was %d)",
			h.ledger.Balance(), balanceAfterMatch)
	}
}
