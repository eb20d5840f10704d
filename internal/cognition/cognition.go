// Package cognition holds the CognitionState value Continuity persists
// between Stem cycles and hands to Cortex as a read-only snapshot.
package cognition

// GoalFrame is a single entry on the cognition goal stack.
type GoalFrame struct {
	GoalID  string
	Summary string
}

// State is the cognition state threaded through the loop. Revision is
// monotonically increasing; Continuity bumps it whenever a caller
// persists a replacement without having already advanced it itself,
// mirroring the donor's ProcessState convention of owning all mutation
// behind a single entry point.
type State struct {
	Revision  uint64
	GoalStack []GoalFrame
}

// Clone returns a deep copy, safe to hand out as a read-only snapshot
// without aliasing the goal stack slice.
func (s State) Clone() State {
	out := State{Revision: s.Revision}
	if len(s.GoalStack) > 0 {
		out.GoalStack = make([]GoalFrame, len(s.GoalStack))
		copy(out.GoalStack, s.GoalStack)
	}
	return out
}

// Zero returns the initial cognition state: revision 0, empty goal stack.
func Zero() State {
	return State{Revision: 0}
}
