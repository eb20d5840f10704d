// Package dispatch defines the two cross-cutting types shared by every
// per-act dispatch stage: the Continue/Break decision and the per-act
// context (cycle id, sequence number) threaded through Ledger,
// Continuity and Spine.
package dispatch

import "fmt"

// Decision is the outcome of a pre-dispatch gate. It is scoped to a
// single act: Break skips that act only, it never halts the cycle.
type Decision uint8

const (
	Continue Decision = iota
	Break
)

func (d Decision) String() string {
	if d == Continue {
		return "continue"
	}
	return "break"
}

// Context carries the per-act coordinates every stage needs to derive
// deterministic ids and references.
type Context struct {
	CycleID  uint64
	ActSeqNo uint64
}

// BreakReference builds the deterministic reference id used when
// Continuity's pre-dispatch gate returns Break for an act:
// stem:break:{cycle}:{seq}:{act_id}.
func BreakReference(ctx Context, actID string) string {
	return fmt.Sprintf("stem:break:%d:%d:%s", ctx.CycleID, ctx.ActSeqNo, actID)
}

// SpineErrorReference builds the deterministic reference id used when
// Spine synthesizes a rejection after a transport error:
// stem:spine_error:{cycle}:{seq}:{act_id}.
func SpineErrorReference(ctx Context, actID string) string {
	return fmt.Sprintf("stem:spine_error:%d:%d:%s", ctx.CycleID, ctx.ActSeqNo, actID)
}

// ExpireReference builds the deterministic reference id used when the
// Ledger expires a reservation at end-of-cycle:
// stem:expire:{reserve_entry_id}.
func ExpireReference(reserveEntryID int64) string {
	return fmt.Sprintf("stem:expire:%d", reserveEntryID)
}
