// Package spine owns the catalog of registered body endpoints and
// dispatches acts to them over the bodywire gRPC transport, reporting
// back a spineevent.Event per act. Any transport or endpoint-side
// error is converted into a synthesized rejection rather than
// propagated: Stem's loop treats Spine as the boundary past which
// failures become outcomes, not exceptions.
package spine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/stemrun/stem/internal/act"
	"github.com/stemrun/stem/internal/bodywire"
	"github.com/stemrun/stem/internal/dispatch"
	"github.com/stemrun/stem/internal/ledger"
	"github.com/stemrun/stem/internal/physical"
	"github.com/stemrun/stem/internal/sense"
	"github.com/stemrun/stem/internal/spineevent"
)

// bodyClient is the subset of *bodywire.Client Spine depends on.
// Factored as an interface so tests can substitute a fake transport
// without dialing a real connection.
type bodyClient interface {
	Dispatch(ctx context.Context, req *bodywire.ActRequest) (*bodywire.ActResult, error)
}

// Endpoint is Spine's view of one registered body endpoint: its
// client connection and the capabilities it currently serves.
type Endpoint struct {
	EndpointID   string
	Client       bodyClient
	Capabilities map[string]sense.CapabilityDescriptor // capability_id -> descriptor
}

// Spine is the single owner of the endpoint catalog.
type Spine struct {
	mu        sync.RWMutex
	log       *zap.Logger
	endpoints map[string]*Endpoint
}

// New constructs an empty Spine.
func New(log *zap.Logger) *Spine {
	return &Spine{log: log, endpoints: make(map[string]*Endpoint)}
}

// RegisterEndpoint adds or replaces an endpoint's client and capability set.
func (s *Spine) RegisterEndpoint(ep *Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[ep.EndpointID] = ep
}

// UnregisterEndpoint removes an endpoint entirely.
func (s *Spine) UnregisterEndpoint(endpointID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.endpoints, endpointID)
}

// BaseCatalog composes the deterministic capability catalog Spine
// contributes as the base layer of PhysicalState, before Continuity's
// overlay is applied.
func (s *Spine) BaseCatalog() physical.CapabilityCatalog {
	s.mu.RLock()
	defer s.mu.RUnlock()

	catalog := physical.NewCapabilityCatalog()
	ids := make([]string, 0, len(s.endpoints))
	for id := range s.endpoints {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, epID := range ids {
		ep := s.endpoints[epID]
		capIDs := make([]string, 0, len(ep.Capabilities))
		for capID := range ep.Capabilities {
			capIDs = append(capIDs, capID)
		}
		sort.Strings(capIDs)
		for _, capID := range capIDs {
			key := sense.RouteKey{EndpointID: epID, CapabilityID: capID}
			catalog.Set(key, ep.Capabilities[capID])
		}
	}
	return catalog
}

// DispatchAct sends one act to its resolved endpoint and returns the
// resulting spineevent.Event. A missing endpoint, missing route, or
// transport error all become a synthesized rejection using
// dispatch.SpineErrorReference as the reference id, never a returned
// error: Spine never stalls the loop over an external endpoint's
// failure.
func (s *Spine) DispatchAct(ctx context.Context, dctx dispatch.Context, a act.Act, ticket *ledger.LedgerDispatchTicket) spineevent.Event {
	s.mu.RLock()
	ep, ok := s.endpoints[a.EndpointID]
	s.mu.RUnlock()

	if !ok {
		s.log.Warn("spine: dispatch to unknown endpoint",
			zap.String("act_id", a.ActID), zap.String("endpoint_id", a.EndpointID))
		return spineevent.Rejected(a.ActID, ticket.ReserveEntryID, ticket.CostAttributionID,
			dispatch.SpineErrorReference(dctx, a.ActID), "endpoint_unknown")
	}

	if _, ok := ep.Capabilities[a.CapabilityID]; !ok {
		s.log.Warn("spine: dispatch to unresolved capability",
			zap.String("act_id", a.ActID), zap.String("capability_id", a.CapabilityID))
		return spineevent.Rejected(a.ActID, ticket.ReserveEntryID, ticket.CostAttributionID,
			dispatch.SpineErrorReference(dctx, a.ActID), "capability_unresolved")
	}

	req := &bodywire.ActRequest{
		ActID:                a.ActID,
		CapabilityInstanceID: a.CapabilityInstanceID,
		NormalizedPayload:    a.NormalizedPayload,
		ReserveEntryID:       ticket.ReserveEntryID,
		CostAttributionID:    ticket.CostAttributionID,
	}

	result, err := ep.Client.Dispatch(ctx, req)
	if err != nil {
		s.log.Error("spine: dispatch transport error",
			zap.String("act_id", a.ActID), zap.Error(err))
		return spineevent.Rejected(a.ActID, ticket.ReserveEntryID, ticket.CostAttributionID,
			dispatch.SpineErrorReference(dctx, a.ActID), "transport_error")
	}

	if !result.Applied {
		reason := result.ReasonCode
		if reason == "" {
			reason = "endpoint_declined"
		}
		ref := result.ReferenceID
		if ref == "" {
			ref = dispatch.SpineErrorReference(dctx, a.ActID)
		}
		return spineevent.Rejected(a.ActID, ticket.ReserveEntryID, ticket.CostAttributionID, ref, reason)
	}

	ref := result.ReferenceID
	if ref == "" {
		ref = fmt.Sprintf("stem:applied:%d:%d:%s", dctx.CycleID, dctx.ActSeqNo, a.ActID)
	}
	return spineevent.Applied(a.ActID, ticket.ReserveEntryID, ticket.CostAttributionID, ref, result.ActualCostMicro)
}
