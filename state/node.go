// Package state owns NodeState records: the gossip engine's view of cluster
// membership, keyed by node name with an ordered slice used for random
// probe-target selection. Grounded almost entirely on the memberlist
// reference's m.nodes/m.nodeMap/aliveNode/suspectNode/deadNode/resetNodes
// (see DESIGN.md).
package state

import (
	"net"
	"strconv"
)

// NodeStatus is the gossip-engine's view of a node's liveness.
type NodeStatus uint8

const (
	StatusAlive NodeStatus = iota
	StatusSuspect
	StatusDead
	StatusLeft
)

func (s NodeStatus) String() string {
	switch s {
	case StatusAlive:
		return "alive"
	case StatusSuspect:
		return "suspect"
	case StatusDead:
		return "dead"
	case StatusLeft:
		return "left"
	default:
		return "unknown"
	}
}

// rank gives the strict ordering used by the transition-acceptance rule in
// spec §3: "transitions that don't strictly increase (incarnation,
// state-rank) are rejected."
func (s NodeStatus) rank() int {
	switch s {
	case StatusAlive:
		return 0
	case StatusSuspect:
		return 1
	case StatusDead:
		return 2
	case StatusLeft:
		return 2 // Dead and Left are both terminal-ish; incarnation gates between them
	default:
		return -1
	}
}

// Node is the wire identity of a cluster member, per spec §3.
type Node struct {
	Name string
	Addr net.IP
	Port uint16
	Meta []byte

	PMin, PMax, PCur uint8
	DMin, DMax, DCur uint8
}

// Address renders "ip:port", the form transport.Transport addresses use.
func (n Node) Address() string {
	return net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port)))
}

// NodeState is the gossip engine's record of a node, per spec §3.
type NodeState struct {
	Node
	Incarnation uint32
	State       NodeStatus
	StateChange int64 // unix nanos
}

// AcceptsTransition reports whether a candidate (incarnation, state) update
// is allowed to replace this record, per the invariant in spec §3: strictly
// higher incarnation always wins; at equal incarnation a state of higher
// rank wins (Alive -> Suspect -> Dead/Left), and Suspect -> Alive also
// accepts an equal-incarnation self-refutation (spec §9's documented
// asymmetry). Dead/Left -> Alive requires strictly higher incarnation.
func (n NodeState) AcceptsTransition(incarnation uint32, newState NodeStatus) bool {
	if incarnation > n.Incarnation {
		return true
	}
	if incarnation < n.Incarnation {
		return false
	}
	// Equal incarnation: a higher-ranked state, or a Suspect -> Alive
	// refutation, is accepted.
	if newState.rank() > n.State.rank() {
		return true
	}
	return n.State == StatusSuspect && newState == StatusAlive
}
