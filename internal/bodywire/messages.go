package bodywire

// ActRequest is what Spine sends a body endpoint to carry out one act.
type ActRequest struct {
	ActID                string            `json:"act_id"`
	CapabilityInstanceID string            `json:"capability_instance_id"`
	NormalizedPayload    []byte            `json:"normalized_payload"`
	ReserveEntryID       int64             `json:"reserve_entry_id"`
	CostAttributionID    string            `json:"cost_attribution_id"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

// ActResult is what a body endpoint reports back after attempting an
// act. ReasonCode is set only when Applied is false.
type ActResult struct {
	ActID             string `json:"act_id"`
	Applied           bool   `json:"applied"`
	ReasonCode        string `json:"reason_code,omitempty"`
	ActualCostMicro   *int64 `json:"actual_cost_micro,omitempty"`
	ReferenceID       string `json:"reference_id,omitempty"`
}

// RegisterRequest is sent by a body endpoint to announce itself and
// the capabilities it serves.
type RegisterRequest struct {
	EndpointID   string              `json:"endpoint_id"`
	Capabilities []CapabilityPayload `json:"capabilities"`
}

// CapabilityPayload is one capability offered by a registering endpoint.
type CapabilityPayload struct {
	CapabilityID         string            `json:"capability_id"`
	CapabilityInstanceID string            `json:"capability_instance_id"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

// RegisterResponse acknowledges a RegisterRequest.
type RegisterResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// UnregisterRequest withdraws some or all capabilities of an endpoint.
type UnregisterRequest struct {
	EndpointID    string   `json:"endpoint_id"`
	CapabilityIDs []string `json:"capability_ids"`
}

// UnregisterResponse acknowledges an UnregisterRequest.
type UnregisterResponse struct {
	Accepted bool `json:"accepted"`
}
