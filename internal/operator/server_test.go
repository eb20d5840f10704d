package operator

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeRuntime struct {
	balance           int64
	openReservations  int
	cognitionRevision uint64
	reservations      []ReservationView
	capabilities      []CapabilityView
	forceExpireErr    error
	forceExpireCalls  []int64
}

func (f *fakeRuntime) LedgerBalance() int64             { return f.balance }
func (f *fakeRuntime) OpenReservationCount() int        { return f.openReservations }
func (f *fakeRuntime) CognitionRevision() uint64         { return f.cognitionRevision }
func (f *fakeRuntime) ListReservations() []ReservationView { return f.reservations }
func (f *fakeRuntime) Capabilities() []CapabilityView    { return f.capabilities }
func (f *fakeRuntime) ForceExpireReservation(reserveEntryID int64) error {
	f.forceExpireCalls = append(f.forceExpireCalls, reserveEntryID)
	return f.forceExpireErr
}

func startTestServer(t *testing.T, rt Runtime) (string, func()) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "operator.sock")
	srv := NewServer(socketPath, rt, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", socketPath); err == nil {
			conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	return socketPath, func() {
		cancel()
		<-errCh
	}
}

func roundTrip(t *testing.T, socketPath string, req Request) Response {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("write request: %v", err)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}

	var resp Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("unmarshal response %q: %v", line, err)
	}
	return resp
}

func TestStatus_ReturnsRuntimeSnapshot(t *testing.T) {
	rt := &fakeRuntime{balance: 8800, openReservations: 2, cognitionRevision: 14}
	socketPath, stop := startTestServer(t, rt)
	defer stop()

	resp := roundTrip(t, socketPath, Request{Cmd: "status"})
	if !resp.OK {
		t.Fatalf("expected ok response, got error %q", resp.Error)
	}
	if resp.BalanceMicro != 8800 || resp.OpenReservations != 2 || resp.CognitionRevision != 14 {
		t.Errorf("unexpected status response: %+v", resp)
	}
}

func TestListReservations_ReturnsAll(t *testing.T) {
	rt := &fakeRuntime{reservations: []ReservationView{
		{ReserveEntryID: 1, State: "open"},
		{ReserveEntryID: 2, State: "settled"},
	}}
	socketPath, stop := startTestServer(t, rt)
	defer stop()

	resp := roundTrip(t, socketPath, Request{Cmd: "list-reservations"})
	if !resp.OK {
		t.Fatalf("expected ok response, got error %q", resp.Error)
	}
	if len(resp.Reservations) != 2 {
		t.Errorf("expected 2 reservations, got %d", len(resp.Reservations))
	}
}

func TestForceExpire_RequiresReserveEntryID(t *testing.T) {
	rt := &fakeRuntime{}
	socketPath, stop := startTestServer(t, rt)
	defer stop()

	resp := roundTrip(t, socketPath, Request{Cmd: "force-expire"})
	if resp.OK {
		t.Fatal("expected force-expire with no reserve_entry_id to fail")
	}
	if len(rt.forceExpireCalls) != 0 {
		t.Error("expected runtime not to be called without a reserve_entry_id")
	}
}

func TestForceExpire_DelegatesToRuntime(t *testing.T) {
	rt := &fakeRuntime{}
	socketPath, stop := startTestServer(t, rt)
	defer stop()

	resp := roundTrip(t, socketPath, Request{Cmd: "force-expire", ReserveEntryID: 7})
	if !resp.OK {
		t.Fatalf("expected ok response, got error %q", resp.Error)
	}
	if resp.ReserveEntryID != 7 {
		t.Errorf("expected reserve_entry_id 7 echoed back, got %d", resp.ReserveEntryID)
	}
	if len(rt.forceExpireCalls) != 1 || rt.forceExpireCalls[0] != 7 {
		t.Errorf("expected runtime.ForceExpireReservation(7), got %v", rt.forceExpireCalls)
	}
}

func TestForceExpire_PropagatesRuntimeError(t *testing.T) {
	rt := &fakeRuntime{forceExpireErr: errors.New("already terminal")}
	socketPath, stop := startTestServer(t, rt)
	defer stop()

	resp := roundTrip(t, socketPath, Request{Cmd: "force-expire", ReserveEntryID: 3})
	if resp.OK {
		t.Fatal("expected failure to propagate")
	}
	if resp.Error == "" {
		t.Error("expected a non-empty error message")
	}
}

func TestCapabilities_ReturnsCatalog(t *testing.T) {
	rt := &fakeRuntime{capabilities: []CapabilityView{
		{EndpointID: "ep1", CapabilityID: "cap1", CapabilityInstanceID: "inst1"},
	}}
	socketPath, stop := startTestServer(t, rt)
	defer stop()

	resp := roundTrip(t, socketPath, Request{Cmd: "capabilities"})
	if !resp.OK {
		t.Fatalf("expected ok response, got error %q", resp.Error)
	}
	if len(resp.Capabilities) != 1 || resp.Capabilities[0].EndpointID != "ep1" {
		t.Errorf("unexpected capabilities response: %+v", resp.Capabilities)
	}
}

func TestUnknownCommand_Rejected(t *testing.T) {
	rt := &fakeRuntime{}
	socketPath, stop := startTestServer(t, rt)
	defer stop()

	resp := roundTrip(t, socketPath, Request{Cmd: "bogus"})
	if resp.OK {
		t.Fatal("expected unknown command to be rejected")
	}
}

func TestMaxConcurrentConnections_ExtraConnRejected(t *testing.T) {
	rt := &fakeRuntime{}
	socketPath, stop := startTestServer(t, rt)
	defer stop()

	var conns []net.Conn
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	// Open maxConcurrentConns connections without sending anything, holding
	// the semaphore, then confirm the next one is refused quickly rather
	// than accepted and left hanging.
	for i := 0; i < maxConcurrentConns; i++ {
		conn, err := net.Dial("unix", socketPath)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		conns = append(conns, conn)
	}

	time.Sleep(50 * time.Millisecond)

	extra, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial extra: %v", err)
	}
	defer extra.Close()

	extra.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 16)
	n, readErr := extra.Read(buf)
	if readErr == nil && n > 0 {
		t.Errorf("expected extra connection to be closed without data, got %q", string(buf[:n]))
	}
}
