package stem

import (
	"sync/atomic"

	"github.com/stemrun/stem/internal/operator"
	"github.com/stemrun/stem/internal/physical"
)

// The methods below make *Stem satisfy operator.Runtime directly: the
// operator socket reads and force-expires against the same ledger,
// continuity and spine instances the loop itself drives, never a copy.
var _ operator.Runtime = (*Stem)(nil)

// LedgerBalance returns the current survival balance.
func (s *Stem) LedgerBalance() int64 {
	return s.ledger.Balance()
}

// OpenReservationCount returns the number of currently open reservations.
func (s *Stem) OpenReservationCount() int {
	return s.ledger.PhysicalSnapshot().OpenReservationCount
}

// CognitionRevision returns the current persisted cognition revision.
func (s *Stem) CognitionRevision() uint64 {
	return s.continuity.CognitionState().Revision
}

// ListReservations returns every reservation the ledger knows about.
func (s *Stem) ListReservations() []operator.ReservationView {
	reservations := s.ledger.ListReservations()
	out := make([]operator.ReservationView, 0, len(reservations))
	for _, r := range reservations {
		out = append(out, operator.ReservationView{
			ReserveEntryID:    r.ReserveEntryID,
			CostAttributionID: r.CostAttributionID,
			AmountMicro:       r.AmountMicro,
			CreatedCycle:      r.CreatedCycle,
			ExpiresAtCycle:    r.ExpiresAtCycle,
			State:             r.State.String(),
			TerminalReference: r.TerminalReference,
		})
	}
	return out
}

// ForceExpireReservation force-expires one open reservation at the
// current cycle id.
func (s *Stem) ForceExpireReservation(reserveEntryID int64) error {
	currentCycle := atomic.LoadUint64(&s.cycleID)
	return s.ledger.ForceExpireReservation(currentCycle, reserveEntryID)
}

// Capabilities returns the currently merged capability catalog, composed
// the same way composePhysicalState builds it for the loop itself.
func (s *Stem) Capabilities() []operator.CapabilityView {
	base := s.spine.BaseCatalog()
	withContinuity := s.continuity.CapabilitiesSnapshot(base)
	merged := physical.Merge(withContinuity, s.ledger.CapabilityContribution())

	keys := merged.Keys()
	out := make([]operator.CapabilityView, 0, len(keys))
	for _, key := range keys {
		desc, _ := merged.Get(key)
		out = append(out, operator.CapabilityView{
			EndpointID:           key.EndpointID,
			CapabilityID:         key.CapabilityID,
			CapabilityInstanceID: desc.CapabilityInstanceID,
		})
	}
	return out
}
