// Package member implements the coordination-engine's view of the cluster:
// per-member status with Lamport-gated intent transitions (§4.6) and a
// transactional accessor over the member set, with failed/left members found
// through a status index (§4.7). Their number is not capped; they are only
// removed by the reaper after their timeout. Grounded on the hashicorp-serf reference's memberState/
// handleNodeJoin/handleNodeLeave/handleNodeJoinIntent/handleNodeLeaveIntent
// (see DESIGN.md), generalized to the richer status set and explicit
// transition-result type spec.md asks for.
package member

import (
	"net"
	"time"

	"github.com/BoolHak/NSerfProject-sub006/lamport"
)

// Status is a member's coordination-layer lifecycle state, per spec §3/§4.6.
type Status uint8

const (
	StatusNone Status = iota
	StatusAlive
	StatusLeaving
	StatusLeft
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusAlive:
		return "alive"
	case StatusLeaving:
		return "leaving"
	case StatusLeft:
		return "left"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Member is the coordination-engine's record of a cluster node. It embeds
// the node identity and references NodeState only by name — the member
// package never mutates gossip-engine state directly (§3 "Ownership").
type Member struct {
	Name        string
	Addr        net.IP
	Port        uint16
	Tags        map[string]string
	Status      Status
	StatusLTime lamport.Time

	// LeaveTime is the wall-clock time this member moved to Failed/Left,
	// used by the reaper; zero until then.
	LeaveTime time.Time
}

// TransitionKind classifies the outcome of applying an intent or an
// authoritative memberlist event to a Member, per spec §4.6.
type TransitionKind uint8

const (
	NoChange TransitionKind = iota
	LTimeUpdated
	StateChanged
	Rejected
)

// TransitionResult reports what happened and the member's state before/after.
type TransitionResult struct {
	Kind TransitionKind
	Old  Member
	New  Member
}

// Changed reports whether a user-visible Member event should be emitted.
func (r TransitionResult) Changed() bool {
	return r.Kind == StateChanged
}

// ApplyJoinIntent applies a JoinIntent(ltime) to m, per spec §4.6. The
// anti-resurrection rule is enforced here: a member already in Left or
// Failed cannot be brought back to Alive by a (possibly replayed, possibly
// late) join intent — only an authoritative memberlist join can.
func ApplyJoinIntent(m Member, ltime lamport.Time) TransitionResult {
	if ltime <= m.StatusLTime {
		return TransitionResult{Kind: Rejected, Old: m, New: m}
	}

	old := m
	m.StatusLTime = ltime

	switch old.Status {
	case StatusLeft, StatusFailed:
		// Anti-resurrection: LTime-only update, no state change.
		return TransitionResult{Kind: LTimeUpdated, Old: old, New: m}
	case StatusLeaving:
		m.Status = StatusAlive
		return TransitionResult{Kind: StateChanged, Old: old, New: m}
	default:
		return TransitionResult{Kind: LTimeUpdated, Old: old, New: m}
	}
}

// ApplyLeaveIntent applies a LeaveIntent(ltime) to m, per spec §4.6.
func ApplyLeaveIntent(m Member, ltime lamport.Time) TransitionResult {
	if ltime <= m.StatusLTime {
		return TransitionResult{Kind: Rejected, Old: m, New: m}
	}

	old := m
	m.StatusLTime = ltime

	switch old.Status {
	case StatusAlive:
		m.Status = StatusLeaving
		return TransitionResult{Kind: StateChanged, Old: old, New: m}
	case StatusFailed:
		m.Status = StatusLeft
		m.LeaveTime = time.Now()
		return TransitionResult{Kind: StateChanged, Old: old, New: m}
	default:
		return TransitionResult{Kind: LTimeUpdated, Old: old, New: m}
	}
}

// ApplyMemberlistJoin applies an authoritative memberlist join event,
// bypassing the Lamport gate entirely: any state resurrects to Alive and
// failure/left bookkeeping is reset.
func ApplyMemberlistJoin(m Member) TransitionResult {
	old := m
	m.Status = StatusAlive
	m.LeaveTime = time.Time{}
	if old.Status == StatusAlive {
		return TransitionResult{Kind: NoChange, Old: old, New: m}
	}
	return TransitionResult{Kind: StateChanged, Old: old, New: m}
}

// ApplyMemberlistLeave applies an authoritative memberlist departure.
// isDead selects Failed vs. the graceful Left path.
func ApplyMemberlistLeave(m Member, isDead bool) TransitionResult {
	old := m
	if isDead {
		m.Status = StatusFailed
	} else {
		m.Status = StatusLeft
	}
	m.LeaveTime = time.Now()
	if old.Status == m.Status {
		return TransitionResult{Kind: NoChange, Old: old, New: m}
	}
	return TransitionResult{Kind: StateChanged, Old: old, New: m}
}

// ApplyLeaveComplete finishes a graceful departure: Leaving -> Left.
func ApplyLeaveComplete(m Member) TransitionResult {
	old := m
	if old.Status != StatusLeaving {
		return TransitionResult{Kind: NoChange, Old: old, New: m}
	}
	m.Status = StatusLeft
	m.LeaveTime = time.Now()
	return TransitionResult{Kind: StateChanged, Old: old, New: m}
}
