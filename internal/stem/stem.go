// Package stem implements the orchestrator loop: the single consumer
// of the sense queue that drives Cortex and the Ledger/Continuity/Spine
// dispatch pipeline once per sense. Grounded on the donor's
// cmd/octoreflex/main.go runWorker: a per-event switch that threads a
// handful of collaborator handles through a tight loop, with every
// side effect (ledger write, metric, log) inline rather than deferred.
package stem

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/stemrun/stem/internal/act"
	"github.com/stemrun/stem/internal/cognition"
	"github.com/stemrun/stem/internal/continuity"
	"github.com/stemrun/stem/internal/cortex"
	"github.com/stemrun/stem/internal/dispatch"
	"github.com/stemrun/stem/internal/ingress"
	"github.com/stemrun/stem/internal/ledger"
	"github.com/stemrun/stem/internal/observability"
	"github.com/stemrun/stem/internal/physical"
	"github.com/stemrun/stem/internal/sense"
	"github.com/stemrun/stem/internal/spine"
	"github.com/stemrun/stem/internal/spineevent"
)

// Stem is the single-consumer orchestrator. It owns no state of its
// own beyond the current cycle id; every other piece of mutable state
// lives in one of its four collaborators.
type Stem struct {
	queue      *ingress.Queue
	cortexFunc cortex.Func
	continuity *continuity.Continuity
	ledger     *ledger.Ledger
	spine      *spine.Spine
	log        *zap.Logger
	metrics    *observability.Metrics

	cycleID uint64
}

// New constructs a Stem wired to its four collaborators and the sense
// queue it consumes from. cortexFunc must not be nil; use cortex.Noop
// for a deployment with no reasoning backend wired yet.
func New(queue *ingress.Queue, cortexFunc cortex.Func, c *continuity.Continuity, l *ledger.Ledger, s *spine.Spine, log *zap.Logger) *Stem {
	return &Stem{
		queue:      queue,
		cortexFunc: cortexFunc,
		continuity: c,
		ledger:     l,
		spine:      s,
		log:        log,
	}
}

// WithMetrics attaches a Prometheus metrics sink, to the Stem loop
// itself and to the collaborators (sense queue, ledger) that report
// their own metrics. Optional; a nil sink is never dereferenced.
func (s *Stem) WithMetrics(m *observability.Metrics) *Stem {
	s.metrics = m
	s.queue.WithMetrics(m)
	s.ledger.WithMetrics(m)
	return s
}

// Run consumes senses until the queue closes or a Sleep sense is
// received, or ctx is cancelled. It returns nil on either of the first
// two (clean exit per spec), or ctx.Err() on cancellation, or a
// non-nil error if a Ledger invariant breach makes continuing unsafe.
func (s *Stem) Run(ctx context.Context) error {
	for {
		var sns sense.Sense
		select {
		case received, ok := <-s.queue.Recv():
			if !ok {
				s.log.Info("stem: sense channel closed, exiting")
				return nil
			}
			sns = received
		case <-ctx.Done():
			return ctx.Err()
		}

		if sns.IsSleep() {
			s.log.Info("stem: sleep received, exiting loop", zap.Uint64("cycle_id", atomic.LoadUint64(&s.cycleID)))
			return nil
		}

		if err := s.runCycle(ctx, sns); err != nil {
			return err
		}
	}
}

// runCycle runs steps 3-10 of the loop algorithm for one non-sleep
// sense.
func (s *Stem) runCycle(ctx context.Context, sns sense.Sense) error {
	start := time.Now()
	if s.metrics != nil {
		defer func() { s.metrics.CycleDurationSeconds.Observe(time.Since(start).Seconds()) }()
	}

	// Step 3: apply control sense before cycle increment and composition.
	switch sns.Kind() {
	case sense.KindNewCapabilities:
		s.continuity.ApplyCapabilityPatch(sns.Patch())
	case sense.KindDropCapabilities:
		s.continuity.ApplyCapabilityDrop(sns.Drop())
	case sense.KindDomain:
		// no-op here; Cortex sees the domain sense itself below.
	}

	// Step 4.
	cycleID := atomic.AddUint64(&s.cycleID, 1)

	// Step 5.
	cognitionState := s.continuity.CognitionState()

	// Step 6.
	physicalState := s.composePhysicalState(cycleID, cognitionState)

	// Step 7.
	output, err := s.cortexFunc(ctx, sns, physicalState, cognitionState)
	if err != nil {
		s.log.Error("stem: cortex invocation failed, emitting no acts this cycle",
			zap.Uint64("cycle_id", cycleID), zap.Error(err))
		if s.metrics != nil {
			s.metrics.CortexErrorsTotal.Inc()
		}
		output = cortex.Output{NewCognitionState: cognitionState}
	}

	// Step 8.
	if err := s.continuity.PersistCognitionState(output.NewCognitionState); err != nil {
		s.log.Error("stem: persist cognition state failed",
			zap.Uint64("cycle_id", cycleID), zap.Error(err))
	}

	// Step 9: serial per-act dispatch.
	for index, a := range output.Acts {
		seqNo := uint64(index + 1)
		dctx := dispatch.Context{CycleID: cycleID, ActSeqNo: seqNo}

		if err := s.dispatchOne(ctx, dctx, a, cognitionState); err != nil {
			return err
		}
	}

	// Step 10.
	s.ledger.ReapExpired(cycleID)

	if s.metrics != nil {
		s.metrics.CurrentCycleID.Set(float64(cycleID))
		s.metrics.LedgerBalanceMicro.Set(float64(s.ledger.Balance()))
	}
	return nil
}

// dispatchOne runs steps 9.a-9.h for a single act.
func (s *Stem) dispatchOne(ctx context.Context, dctx dispatch.Context, a act.Act, cognitionState cognition.State) error {
	decision, ticket, err := s.ledger.PreDispatch(dctx, a)
	if err != nil {
		return fmt.Errorf("stem: ledger invariant breach on act %s: %w", a.ActID, err)
	}
	if decision == dispatch.Break {
		s.log.Debug("stem: ledger break, skipping act",
			zap.Uint64("cycle_id", dctx.CycleID), zap.Uint64("seq_no", dctx.ActSeqNo), zap.String("act_id", a.ActID))
		if s.metrics != nil {
			s.metrics.ActsDispatchedTotal.WithLabelValues("ledger_break").Inc()
		}
		return nil
	}
	if ticket == nil {
		return fmt.Errorf("stem: ledger returned Continue with no ticket for act %s", a.ActID)
	}

	contDecision, err := s.continuity.PreDispatch(dctx, a, cognitionState)
	if err != nil {
		s.log.Error("stem: continuity pre-dispatch error, treating as break",
			zap.String("act_id", a.ActID), zap.Error(err))
		contDecision = dispatch.Break
	}
	if contDecision == dispatch.Break {
		event := spineevent.Rejected(a.ActID, ticket.ReserveEntryID, ticket.CostAttributionID,
			dispatch.BreakReference(dctx, a.ActID), "continuity_break")
		if err := s.ledger.SettleFromSpine(ticket, event, dctx); err != nil {
			return fmt.Errorf("stem: ledger invariant breach settling continuity break for act %s: %w", a.ActID, err)
		}
		s.continuity.OnSpineEvent(dctx, event)
		if s.metrics != nil {
			s.metrics.ActsDispatchedTotal.WithLabelValues("continuity_break").Inc()
		}
		return nil
	}

	event := s.spine.DispatchAct(ctx, dctx, a, ticket)
	if err := s.ledger.SettleFromSpine(ticket, event, dctx); err != nil {
		return fmt.Errorf("stem: ledger invariant breach settling act %s: %w", a.ActID, err)
	}
	s.continuity.OnSpineEvent(dctx, event)
	if s.metrics != nil {
		outcome := "applied"
		if event.Outcome == spineevent.OutcomeRejected {
			outcome = "rejected"
		}
		s.metrics.ActsDispatchedTotal.WithLabelValues(outcome).Inc()
	}
	return nil
}

// composePhysicalState runs step 6: base catalog from Spine, overlaid
// by Continuity's patch/tombstone layer, overlaid by any Ledger
// capability contribution, then attaches the Ledger's own snapshot.
func (s *Stem) composePhysicalState(cycleID uint64, _ cognition.State) physical.State {
	base := s.spine.BaseCatalog()
	withContinuity := s.continuity.CapabilitiesSnapshot(base)
	merged := physical.Merge(withContinuity, s.ledger.CapabilityContribution())

	return physical.State{
		CycleID:      cycleID,
		Ledger:       s.ledger.PhysicalSnapshot(),
		Capabilities: merged,
	}
}

// Shutdown runs the first two steps of the shutdown sequence: close the
// gate so no further producer sends are admitted, then force-enqueue
// the terminal Sleep sense so Run's loop is guaranteed to observe it
// after draining whatever was already queued. The caller is
// responsible for the remaining two steps: awaiting Run's return, then
// running its own downstream cleanup hooks (ledger flush, continuity
// flush, adapter stop).
func Shutdown(ctx context.Context, q *ingress.Queue) error {
	q.CloseGate()
	return q.SendSleepBlocking(ctx)
}
