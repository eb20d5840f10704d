// Package spineevent defines SpineEvent, the outcome Spine reports back
// per dispatched act. It lives in its own package (rather than inside
// internal/spine) so that Ledger and Continuity can depend on the event
// shape without pulling in Spine's gRPC adapter transport.
package spineevent

// Outcome tags which variant an Event carries.
type Outcome uint8

const (
	OutcomeApplied Outcome = iota
	OutcomeRejected
)

// Event is the result of dispatching one act to a body endpoint.
// ReserveEntryID and CostAttributionID are carried verbatim from the
// LedgerDispatchTicket so Ledger.SettleFromSpine can reconcile without
// a lookup.
type Event struct {
	Outcome            Outcome
	ActID              string
	ReserveEntryID     int64
	CostAttributionID  string
	ReferenceID        string
	ReasonCode         string // set only when Outcome == OutcomeRejected
	ActualCostMicro    *int64 // set only when Outcome == OutcomeApplied and the endpoint reported a cost
}

// Applied builds an ActionApplied event.
func Applied(actID string, reserveEntryID int64, costAttributionID, referenceID string, actualCostMicro *int64) Event {
	return Event{
		Outcome:           OutcomeApplied,
		ActID:             actID,
		ReserveEntryID:    reserveEntryID,
		CostAttributionID: costAttributionID,
		ReferenceID:       referenceID,
		ActualCostMicro:   actualCostMicro,
	}
}

// Rejected builds an ActionRejected event.
func Rejected(actID string, reserveEntryID int64, costAttributionID, referenceID, reasonCode string) Event {
	return Event{
		Outcome:           OutcomeRejected,
		ActID:             actID,
		ReserveEntryID:    reserveEntryID,
		CostAttributionID: costAttributionID,
		ReferenceID:       referenceID,
		ReasonCode:        reasonCode,
	}
}
