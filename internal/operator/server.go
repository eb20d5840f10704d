// Package operator — server.go
//
// Unix domain socket server for Stem operator overrides.
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: /run/stem/operator.sock (configurable).
// Permissions: 0600.
//
// Commands (JSON request -> JSON response):
//
//   {"cmd":"status"}
//     -> Returns the current ledger balance, open reservation count, and
//        cognition revision.
//     -> Response: {"ok":true,"balance_micro":8800,"open_reservations":2,"cognition_revision":14}
//
//   {"cmd":"list-reservations"}
//     -> Returns every reservation the ledger knows about, open or terminal.
//     -> Response: {"ok":true,"reservations":[{"reserve_entry_id":1,...},...]}
//
//   {"cmd":"force-expire","reserve_entry_id":7}
//     -> Force-expires one open reservation immediately, refunding it.
//     -> Response: {"ok":true,"reserve_entry_id":7}
//
//   {"cmd":"capabilities"}
//     -> Returns the currently merged capability catalog.
//     -> Response: {"ok":true,"capabilities":[{"endpoint_id":"ep1",...},...]}
//
// Security:
//   - Socket is created with 0600 permissions.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections: 4 (operator use only, not high-throughput).
//   - Max request size: 4096 bytes (prevents memory exhaustion).
//   - Connection timeout: 10s read, 10s write.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// ReservationView is the operator-facing snapshot of one ledger
// reservation.
type ReservationView struct {
	ReserveEntryID    int64  `json:"reserve_entry_id"`
	CostAttributionID string `json:"cost_attribution_id"`
	AmountMicro       int64  `json:"amount_micro"`
	CreatedCycle      uint64 `json:"created_cycle"`
	ExpiresAtCycle    uint64 `json:"expires_at_cycle"`
	State             string `json:"state"`
	TerminalReference string `json:"terminal_reference,omitempty"`
}

// CapabilityView is the operator-facing snapshot of one capability route.
type CapabilityView struct {
	EndpointID           string `json:"endpoint_id"`
	CapabilityID         string `json:"capability_id"`
	CapabilityInstanceID string `json:"capability_instance_id"`
}

// Runtime is the interface the operator server reads and mutates the
// live Stem runtime through. Stem's entrypoint wires the real ledger,
// continuity, and spine instances into a concrete implementation.
type Runtime interface {
	// LedgerBalance returns the current survival balance.
	LedgerBalance() int64

	// OpenReservationCount returns the number of currently open reservations.
	OpenReservationCount() int

	// CognitionRevision returns the current persisted cognition revision.
	CognitionRevision() uint64

	// ListReservations returns every reservation, open or terminal.
	ListReservations() []ReservationView

	// ForceExpireReservation force-expires one open reservation.
	ForceExpireReservation(reserveEntryID int64) error

	// Capabilities returns the currently merged capability catalog.
	Capabilities() []CapabilityView
}

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd            string `json:"cmd"` // status | list-reservations | force-expire | capabilities
	ReserveEntryID int64  `json:"reserve_entry_id,omitempty"`
}

// Response is the JSON structure for operator command responses.
type Response struct {
	OK                bool               `json:"ok"`
	Error             string             `json:"error,omitempty"`
	BalanceMicro      int64              `json:"balance_micro,omitempty"`
	OpenReservations  int                `json:"open_reservations,omitempty"`
	CognitionRevision uint64             `json:"cognition_revision,omitempty"`
	ReserveEntryID    int64              `json:"reserve_entry_id,omitempty"`
	Reservations      []ReservationView `json:"reservations,omitempty"`
	Capabilities      []CapabilityView  `json:"capabilities,omitempty"`
}

// Server is the operator Unix domain socket server.
type Server struct {
	socketPath string
	runtime    Runtime
	log        *zap.Logger
	sem        chan struct{} // Semaphore: max concurrent connections.
}

// NewServer creates an operator Server.
func NewServer(socketPath string, runtime Runtime, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		runtime:    runtime,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the operator socket server.
// Removes any stale socket file before binding.
// Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("operator: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil // Clean shutdown.
			default:
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

// handleConn handles a single operator connection.
// Reads one JSON request, executes the command, writes one JSON response.
func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(req)
	s.writeResponse(conn, resp)
}

// dispatch routes a request to the appropriate handler.
func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "status":
		return s.cmdStatus()
	case "list-reservations":
		return s.cmdListReservations()
	case "force-expire":
		return s.cmdForceExpire(req)
	case "capabilities":
		return s.cmdCapabilities()
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdStatus() Response {
	return Response{
		OK:                true,
		BalanceMicro:      s.runtime.LedgerBalance(),
		OpenReservations:  s.runtime.OpenReservationCount(),
		CognitionRevision: s.runtime.CognitionRevision(),
	}
}

func (s *Server) cmdListReservations() Response {
	return Response{OK: true, Reservations: s.runtime.ListReservations()}
}

func (s *Server) cmdForceExpire(req Request) Response {
	if req.ReserveEntryID == 0 {
		return Response{OK: false, Error: "reserve_entry_id required for force-expire"}
	}
	if err := s.runtime.ForceExpireReservation(req.ReserveEntryID); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: reservation force-expired", zap.Int64("reserve_entry_id", req.ReserveEntryID))
	return Response{OK: true, ReserveEntryID: req.ReserveEntryID}
}

func (s *Server) cmdCapabilities() Response {
	return Response{OK: true, Capabilities: s.runtime.Capabilities()}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
