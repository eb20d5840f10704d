// Package ledger implements the Stem survival ledger: the single
// source of truth for available survival budget, open reservations,
// and the append-only entry log that accounts for every credit, debit
// and adjustment. Mirrors the shape of the donor's token-bucket
// (reserve/consume/refund) and escalation state machine (terminal
// states reached exactly once), combined into one component because
// Stem's ledger needs both a live balance and a durable audit trail.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/stemrun/stem/internal/act"
	"github.com/stemrun/stem/internal/dispatch"
	"github.com/stemrun/stem/internal/observability"
	"github.com/stemrun/stem/internal/physical"
	"github.com/stemrun/stem/internal/spineevent"
	"github.com/stemrun/stem/internal/storage"
)

// ReservationState tags a Reservation's position in its terminal
// state machine: Open -> (Settled | Refunded | Expired), never back.
type ReservationState uint8

const (
	Open ReservationState = iota
	Settled
	Refunded
	Expired
)

func (s ReservationState) String() string {
	switch s {
	case Open:
		return "open"
	case Settled:
		return "settled"
	case Refunded:
		return "refunded"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Reservation is a hold against the survival balance pending an act's
// outcome. It is created by PreDispatch and resolved exactly once, by
// SettleFromSpine or by ReapExpired.
type Reservation struct {
	ReserveEntryID    int64
	CostAttributionID string
	AmountMicro       int64
	CreatedCycle      uint64
	ExpiresAtCycle    uint64
	State             ReservationState
	TerminalReference string
}

// LedgerDispatchTicket is handed back to the Stem loop by PreDispatch
// and threaded, unmodified, through Continuity and Spine so that
// SettleFromSpine can resolve the matching reservation without a
// second lookup.
type LedgerDispatchTicket struct {
	ReserveEntryID        int64
	CostAttributionID     string
	ReservedSurvivalMicro int64
}

// Direction tags a SurvivalLedgerEntry's effect on the balance.
type Direction uint8

const (
	Debit Direction = iota
	Credit
	Adjustment
)

func (d Direction) String() string {
	switch d {
	case Debit:
		return "debit"
	case Credit:
		return "credit"
	case Adjustment:
		return "adjustment"
	default:
		return "unknown"
	}
}

// SurvivalLedgerEntry is one append-only row in the ledger's audit
// trail. Every balance change, whether from an internal dispatch
// settlement or an externally reported debit, produces exactly one
// entry.
type SurvivalLedgerEntry struct {
	ID          int64
	CycleID     uint64
	Direction   Direction
	AmountMicro int64
	Source      string
	Accuracy    float64
	ReferenceID string
	Note        string
}

// Config bounds the ledger's behaviour: the floor below which no new
// reservation is granted, and the number of cycles a reservation may
// remain open before ReapExpired reclaims it.
type Config struct {
	FloorMicro       int64
	ReservationTTL   uint64 // cycles
	RetentionCycles  uint64 // ledger-entry retention for PruneLedgerEntriesBefore
}

// Ledger is the single mutable owner of the survival balance. All
// methods are safe for concurrent use, though Stem's loop calls them
// serially per spec by construction.
type Ledger struct {
	mu  sync.Mutex
	cfg Config
	db  *storage.DB

	balanceMicro int64
	reservations map[int64]*Reservation
	byAttrID     map[string]int64    // cost_attribution_id -> reserve_entry_id, for external-debit admission
	seenRefs     map[string]struct{} // reference_id values already applied, for idempotent external debits

	nextReserveID int64
	nextEntryID   int64

	metrics *observability.Metrics
}

// New constructs a Ledger with the given opening balance and
// configuration. db may be nil for ephemeral/test ledgers that do not
// persist; production callers always supply a real *storage.DB.
func New(cfg Config, openingBalanceMicro int64, db *storage.DB) *Ledger {
	return &Ledger{
		cfg:          cfg,
		db:           db,
		balanceMicro: openingBalanceMicro,
		reservations: make(map[int64]*Reservation),
		byAttrID:     make(map[string]int64),
		seenRefs:     make(map[string]struct{}),
	}
}

// WithMetrics attaches a Prometheus metrics sink. Optional; a nil sink
// is never dereferenced.
func (l *Ledger) WithMetrics(m *observability.Metrics) *Ledger {
	l.metrics = m
	return l
}

// costAttributionID derives the deterministic id binding a dispatch
// ticket to the act and cycle that produced it, grounded on the
// donor's canonical-hash-of-inputs pattern (computeDecisionHash):
// cost_attribution_id = sha256("cat" | cycle_id | act_id), hex-encoded.
func costAttributionID(cycleID uint64, actID string) string {
	h := sha256.New()
	fmt.Fprintf(h, "cat|%d|%s", cycleID, actID)
	return hex.EncodeToString(h.Sum(nil))
}

// PreDispatch evaluates whether a cycles survival budget can cover the
// act's requested resources. On Continue it reserves the amount
// against the live balance and returns a ticket Continuity and Spine
// must carry through to settlement. On Break no reservation is made
// and no ticket is returned; the act is skipped for this cycle only.
func (l *Ledger) PreDispatch(ctx dispatch.Context, a act.Act) (dispatch.Decision, *LedgerDispatchTicket, error) {
	amount := a.RequestedResources.SurvivalMicro
	if amount < 0 {
		return dispatch.Break, nil, fmt.Errorf("ledger: act %s requested negative survival_micro %d", a.ActID, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.balanceMicro-amount < l.cfg.FloorMicro {
		return dispatch.Break, nil, nil
	}

	l.balanceMicro -= amount

	l.nextReserveID++
	reserveID := l.nextReserveID
	attrID := costAttributionID(ctx.CycleID, a.ActID)
	res := &Reservation{
		ReserveEntryID:    reserveID,
		CostAttributionID: attrID,
		AmountMicro:       amount,
		CreatedCycle:      ctx.CycleID,
		ExpiresAtCycle:    ctx.CycleID + l.cfg.ReservationTTL,
		State:             Open,
	}
	l.reservations[reserveID] = res
	l.byAttrID[attrID] = reserveID

	if l.db != nil {
		if err := l.db.PutReservation(storage.ReservationRecord{
			ReserveEntryID: res.ReserveEntryID,
			AmountMicro:    res.AmountMicro,
			CreatedCycle:   res.CreatedCycle,
			ExpiresAtCycle: res.ExpiresAtCycle,
			State:          res.State.String(),
		}); err != nil {
			return dispatch.Continue, nil, fmt.Errorf("ledger: persist reservation %d: %w", reserveID, err)
		}
	}

	ticket := &LedgerDispatchTicket{
		ReserveEntryID:        reserveID,
		CostAttributionID:     attrID,
		ReservedSurvivalMicro: amount,
	}
	return dispatch.Continue, ticket, nil
}

// SettleFromSpine resolves the reservation a ticket refers to, based
// on the event Spine reported. An applied event with a reported actual
// cost settles the reservation at that cost (crediting back any
// unused reserved amount); an applied event with no reported cost
// settles at the full reserved amount. A rejected event refunds the
// full reservation. A reservation is resolved once: a repeat call whose
// reference id equals the stored terminal reference is a no-op, and any
// other reference against an already-terminal reservation is an error.
func (l *Ledger) SettleFromSpine(ticket *LedgerDispatchTicket, event spineevent.Event, ctx dispatch.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[ticket.ReserveEntryID]
	if !ok {
		return fmt.Errorf("ledger: SettleFromSpine: unknown reservation %d", ticket.ReserveEntryID)
	}
	if res.State != Open {
		if res.TerminalReference == event.ReferenceID {
			// Replay of the same terminal event (e.g. a redelivered
			// ActionApplied): already-applied reference id, no-op rather
			// than a second balance adjustment.
			return nil
		}
		return fmt.Errorf("ledger: SettleFromSpine: reservation %d already terminal (%s) with reference %q, got conflicting reference %q",
			res.ReserveEntryID, res.State, res.TerminalReference, event.ReferenceID)
	}

	switch event.Outcome {
	case spineevent.OutcomeApplied:
		actualCost := res.AmountMicro
		if event.ActualCostMicro != nil {
			actualCost = *event.ActualCostMicro
		}
		if actualCost < 0 || actualCost > res.AmountMicro {
			return fmt.Errorf("ledger: SettleFromSpine: reservation %d reported cost %d outside [0,%d]",
				res.ReserveEntryID, actualCost, res.AmountMicro)
		}

		refund := res.AmountMicro - actualCost
		if refund > 0 {
			l.balanceMicro += refund
		}

		res.State = Settled
		res.TerminalReference = event.ReferenceID

		l.recordEntryLocked(ctx.CycleID, Debit, actualCost, "spine", 1.0, event.ReferenceID,
			fmt.Sprintf("act %s settled", event.ActID))
		if l.metrics != nil {
			l.metrics.ReservationsByState.WithLabelValues("settled").Inc()
		}

	case spineevent.OutcomeRejected:
		l.balanceMicro += res.AmountMicro
		res.State = Refunded
		ref := event.ReferenceID
		if ref == "" {
			ref = dispatch.SpineErrorReference(ctx, event.ActID)
		}
		res.TerminalReference = ref

		l.recordEntryLocked(ctx.CycleID, Credit, res.AmountMicro, "spine", 1.0, ref,
			fmt.Sprintf("act %s rejected: %s", event.ActID, event.ReasonCode))
		if l.metrics != nil {
			l.metrics.ReservationsByState.WithLabelValues("refunded").Inc()
		}

	default:
		return fmt.Errorf("ledger: SettleFromSpine: unknown outcome %d", event.Outcome)
	}

	if l.db != nil {
		if err := l.db.PutReservation(storage.ReservationRecord{
			ReserveEntryID:    res.ReserveEntryID,
			AmountMicro:       res.AmountMicro,
			CreatedCycle:      res.CreatedCycle,
			ExpiresAtCycle:    res.ExpiresAtCycle,
			State:             res.State.String(),
			TerminalReference: res.TerminalReference,
		}); err != nil {
			return fmt.Errorf("ledger: persist settled reservation %d: %w", res.ReserveEntryID, err)
		}
	}

	return nil
}

// ReapExpired settles every reservation whose ExpiresAtCycle is at or
// before currentCycle and is still Open, refunding the full amount
// back to the balance. Called once at the end of each Stem cycle,
// after per-act dispatch has completed for the cycle.
func (l *Ledger) ReapExpired(currentCycle uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, res := range l.reservations {
		if res.State != Open || res.ExpiresAtCycle > currentCycle {
			continue
		}

		l.balanceMicro += res.AmountMicro
		res.State = Expired
		res.TerminalReference = dispatch.ExpireReference(id)

		l.recordEntryLocked(currentCycle, Credit, res.AmountMicro, "reap_expired", 1.0, res.TerminalReference,
			fmt.Sprintf("reservation %d expired unresolved", id))
		if l.metrics != nil {
			l.metrics.ReservationsByState.WithLabelValues("expired").Inc()
		}

		if l.db != nil {
			_ = l.db.PutReservation(storage.ReservationRecord{
				ReserveEntryID:    res.ReserveEntryID,
				AmountMicro:       res.AmountMicro,
				CreatedCycle:      res.CreatedCycle,
				ExpiresAtCycle:    res.ExpiresAtCycle,
				State:             res.State.String(),
				TerminalReference: res.TerminalReference,
			})
		}
	}

	if l.db != nil && l.cfg.RetentionCycles > 0 && currentCycle > l.cfg.RetentionCycles {
		_, _ = l.db.PruneLedgerEntriesBefore(currentCycle - l.cfg.RetentionCycles)
	}
}

// IngestExternalDebit applies a debit reported by an external source
// (e.g. a body endpoint's own metering) outside the normal
// PreDispatch/SettleFromSpine flow. It is applied iff costAttributionID
// matches a reservation this ledger actually created and referenceID
// has not been seen before; both checks make the operation safe to
// retry. Returns (applied=false, nil) for a duplicate or unmatched
// report, which is not an error: external reconciliation feeds are
// expected to replay.
func (l *Ledger) IngestExternalDebit(cycleID uint64, costAttributionID, referenceID, source string, amountMicro int64, accuracy float64) (applied bool, err error) {
	if amountMicro < 0 {
		return false, fmt.Errorf("ledger: IngestExternalDebit: negative amount %d", amountMicro)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, seen := l.seenRefs[referenceID]; seen {
		if l.metrics != nil {
			l.metrics.ExternalDebitsSkippedTotal.Inc()
		}
		return false, nil
	}

	if _, admitted := l.byAttrID[costAttributionID]; !admitted {
		if l.metrics != nil {
			l.metrics.ExternalDebitsSkippedTotal.Inc()
		}
		return false, nil
	}

	l.balanceMicro -= amountMicro
	l.seenRefs[referenceID] = struct{}{}
	l.recordEntryLocked(cycleID, Debit, amountMicro, source, accuracy, referenceID, "external debit reconciliation")
	if l.metrics != nil {
		l.metrics.ExternalDebitsAppliedTotal.Inc()
	}

	return true, nil
}

// ExternalDebitObservation is a single external metering report queued
// for batched ingestion, e.g. from a body endpoint whose own cost
// accounting lags the Stem loop and reports in bursts rather than
// inline with dispatch.
type ExternalDebitObservation struct {
	CycleID           uint64
	CostAttributionID string
	ReferenceID       string
	Source            string
	AmountMicro       int64
	Accuracy          float64
}

// IngestExternalDebitBatch applies a batch of external debit
// observations in arrival order, one at a time, passing each to
// IngestExternalDebit (which takes the ledger lock per item). Each
// item is still subject to the same unseen-reference
// / matched-attribution admission rule as IngestExternalDebit; a batch
// lets a reconciliation feed that accumulates reports faster than Stem
// drains them flush in one call instead of one round-trip per report.
// Adapted from the donor's federated-baseline share-round shape
// (iterate eligible items, apply each independently, report counts),
// with the gossip transport and signing stripped out: there is no
// analogous peer-to-peer exchange in this domain, only a local queue.
func (l *Ledger) IngestExternalDebitBatch(obs []ExternalDebitObservation) (applied, skipped int, err error) {
	for _, o := range obs {
		ok, ingestErr := l.IngestExternalDebit(o.CycleID, o.CostAttributionID, o.ReferenceID, o.Source, o.AmountMicro, o.Accuracy)
		if ingestErr != nil {
			return applied, skipped, fmt.Errorf("ledger: IngestExternalDebitBatch: item %q: %w", o.ReferenceID, ingestErr)
		}
		if ok {
			applied++
		} else {
			skipped++
		}
	}
	return applied, skipped, nil
}

// recordEntryLocked appends a ledger entry. Caller must hold l.mu.
func (l *Ledger) recordEntryLocked(cycleID uint64, dir Direction, amountMicro int64, source string, accuracy float64, referenceID, note string) {
	l.nextEntryID++
	entry := SurvivalLedgerEntry{
		ID:          l.nextEntryID,
		CycleID:     cycleID,
		Direction:   dir,
		AmountMicro: amountMicro,
		Source:      source,
		Accuracy:    accuracy,
		ReferenceID: referenceID,
		Note:        note,
	}

	if l.db != nil {
		_ = l.db.AppendLedgerEntry(storage.LedgerEntryRecord{
			ID:          entry.ID,
			CycleID:     entry.CycleID,
			Direction:   entry.Direction.String(),
			AmountMicro: entry.AmountMicro,
			Source:      entry.Source,
			Accuracy:    entry.Accuracy,
			ReferenceID: entry.ReferenceID,
			Note:        entry.Note,
		})
	}
}

// PhysicalSnapshot returns the read-only slice of PhysicalState this
// ledger contributes: the currently available survival budget and the
// count of still-open reservations.
func (l *Ledger) PhysicalSnapshot() physical.LedgerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	open := 0
	for _, res := range l.reservations {
		if res.State == Open {
			open++
		}
	}

	return physical.LedgerSnapshot{
		AvailableSurvivalMicro: l.balanceMicro,
		OpenReservationCount:   open,
	}
}

// Balance returns the current live survival balance.
func (l *Ledger) Balance() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceMicro
}

// CapabilityContribution returns the capability routes, if any, this
// ledger itself serves (e.g. a metering capability an operator wires up
// directly against the ledger rather than a body endpoint). The base
// ledger contributes none; it exists so compose_physical_state always
// has an overlay to apply even when nothing does.
func (l *Ledger) CapabilityContribution() physical.CapabilityCatalog {
	return physical.NewCapabilityCatalog()
}

// ListReservations returns a snapshot of every reservation the ledger
// currently knows about, open or terminal, sorted by ReserveEntryID for
// deterministic operator output.
func (l *Ledger) ListReservations() []Reservation {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Reservation, 0, len(l.reservations))
	for _, res := range l.reservations {
		out = append(out, *res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReserveEntryID < out[j].ReserveEntryID })
	return out
}

// ForceExpireReservation is the operator-override counterpart to
// ReapExpired: it refunds and terminates one specific Open reservation
// immediately, regardless of its ExpiresAtCycle. Returns an error if the
// reservation is unknown or already terminal.
func (l *Ledger) ForceExpireReservation(currentCycle uint64, reserveEntryID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[reserveEntryID]
	if !ok {
		return fmt.Errorf("ledger: ForceExpireReservation: unknown reserve_entry_id %d", reserveEntryID)
	}
	if res.State != Open {
		return fmt.Errorf("ledger: ForceExpireReservation: reserve_entry_id %d already terminal (%s)", reserveEntryID, res.State)
	}

	l.balanceMicro += res.AmountMicro
	res.State = Expired
	res.TerminalReference = dispatch.ExpireReference(reserveEntryID)

	l.recordEntryLocked(currentCycle, Credit, res.AmountMicro, "operator_force_expire", 1.0, res.TerminalReference,
		fmt.Sprintf("reservation %d force-expired by operator", reserveEntryID))
	if l.metrics != nil {
		l.metrics.ReservationsByState.WithLabelValues("expired").Inc()
	}

	if l.db != nil {
		_ = l.db.PutReservation(storage.ReservationRecord{
			ReserveEntryID:    res.ReserveEntryID,
			AmountMicro:       res.AmountMicro,
			CreatedCycle:      res.CreatedCycle,
			ExpiresAtCycle:    res.ExpiresAtCycle,
			State:             res.State.String(),
			TerminalReference: res.TerminalReference,
		})
	}
	return nil
}
