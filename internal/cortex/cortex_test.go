package cortex_test

import (
	"context"
	"testing"

	"github.com/stemrun/stem/internal/cognition"
	"github.com/stemrun/stem/internal/cortex"
	"github.com/stemrun/stem/internal/physical"
	"github.com/stemrun/stem/internal/sense"
)

func TestNoop_EmitsNoActsAndPassesCognitionThrough(t *testing.T) {
	cg := cognition.State{Revision: 7}
	out, err := cortex.Noop(context.Background(), sense.NewDomain(sense.SenseDatum{SenseID: "s1"}), physical.State{}, cg)
	if err != nil {
		t.Fatalf("Noop returned error: %v", err)
	}
	if len(out.Acts) != 0 {
		t.Errorf("expected no acts, got %d", len(out.Acts))
	}
	if out.NewCognitionState.Revision != cg.Revision {
		t.Errorf("expected cognition state passed through unchanged, got revision %d", out.NewCognitionState.Revision)
	}
}

func TestEchoStub_EmitsOneActPerDomainSense(t *testing.T) {
	stub := cortex.EchoStub("ep1", "cap1", 250)
	cg := cognition.Zero()

	out, err := stub(context.Background(), sense.NewDomain(sense.SenseDatum{SenseID: "s1"}), physical.State{}, cg)
	if err != nil {
		t.Fatalf("EchoStub returned error: %v", err)
	}
	if len(out.Acts) != 1 {
		t.Fatalf("expected exactly one act, got %d", len(out.Acts))
	}
	a := out.Acts[0]
	if a.EndpointID != "ep1" || a.CapabilityID != "cap1" {
		t.Errorf("expected act routed to ep1/cap1, got %s/%s", a.EndpointID, a.CapabilityID)
	}
	if a.RequestedResources.SurvivalMicro != 250 {
		t.Errorf("expected requested survival_micro 250, got %d", a.RequestedResources.SurvivalMicro)
	}
	if a.ActID == "" {
		t.Error("expected a non-empty generated act id")
	}
}

func TestEchoStub_GeneratesDistinctActIDsAcrossCalls(t *testing.T) {
	stub := cortex.EchoStub("ep1", "cap1", 1)
	cg := cognition.Zero()

	first, err := stub(context.Background(), sense.NewDomain(sense.SenseDatum{SenseID: "s1"}), physical.State{}, cg)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := stub(context.Background(), sense.NewDomain(sense.SenseDatum{SenseID: "s2"}), physical.State{}, cg)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if first.Acts[0].ActID == second.Acts[0].ActID {
		t.Error("expected distinct act ids across calls")
	}
}

func TestEchoStub_PassesThroughControlSenses(t *testing.T) {
	stub := cortex.EchoStub("ep1", "cap1", 1)
	cg := cognition.State{Revision: 3}

	out, err := stub(context.Background(), sense.NewSleep(), physical.State{}, cg)
	if err != nil {
		t.Fatalf("EchoStub returned error: %v", err)
	}
	if len(out.Acts) != 0 {
		t.Errorf("expected no acts for a control sense, got %d", len(out.Acts))
	}
	if out.NewCognitionState.Revision != cg.Revision {
		t.Error("expected cognition state passed through unchanged for a control sense")
	}
}
