// Package act defines Act, the non-binding execution intent emitted by
// Cortex and carried serially through the Ledger/Continuity/Spine
// dispatch pipeline.
package act

// RequestedResources is the resource envelope an Act asks the pipeline
// to reserve before dispatch.
type RequestedResources struct {
	SurvivalMicro int64
	TimeMS        int64
	IOUnits       int64
	TokenUnits    int64
}

// Act is a single unit of execution intent. ActID must be unique within
// the lifetime of the runtime; BasedOn records the provenance sense ids
// that led Cortex to emit it.
type Act struct {
	ActID                string
	BasedOn              []string
	EndpointID            string
	CapabilityID          string
	CapabilityInstanceID  string
	NormalizedPayload     []byte
	RequestedResources    RequestedResources
}
