package swim

import (
	"github.com/BoolHak/NSerfProject-sub006/proto"
	"github.com/BoolHak/NSerfProject-sub006/state"
)

// Delegates is the engine's only dependency on the coordination layer above
// it (member/event/query/snapshot). Keeping this as a set of plain function
// fields, rather than importing those packages directly, is the seam spec
// §9's design note calls "cutting the cycle": the gossip engine is built and
// tested standalone, and the coordination engine wires itself in afterward.
type Delegates struct {
	// NotifyJoin fires when a node is first observed (directly or via
	// push/pull merge).
	NotifyJoin func(state.NodeState)
	// NotifyLeave fires when a node transitions to Dead or Left.
	NotifyLeave func(state.NodeState)
	// NotifyUpdate fires on any other accepted state change (Suspect,
	// incarnation bump, metadata change).
	NotifyUpdate func(state.NodeState)
	// NodeMeta returns the opaque metadata byte string to advertise for the
	// local node on Alive/PushNodeState messages.
	NodeMeta func() []byte
	// HandleUserMsg routes a decoded UserMsgEnvelope payload (still tagged
	// with its proto.EnvelopeType) up to the event/query managers.
	HandleUserMsg func(t proto.EnvelopeType, payload []byte)
	// GetBroadcasts, when set, supplies the coordination layer's own queued
	// broadcasts (user events, queries, join/leave intents) to merge into
	// each gossip transmission alongside the engine's Alive/Suspect/Dead
	// traffic, mirroring memberlist's Delegate.GetBroadcasts hook.
	GetBroadcasts func(overhead, limit int) [][]byte
}

func (d Delegates) notifyJoin(n state.NodeState) {
	if d.NotifyJoin != nil {
		d.NotifyJoin(n)
	}
}

func (d Delegates) notifyLeave(n state.NodeState) {
	if d.NotifyLeave != nil {
		d.NotifyLeave(n)
	}
}

func (d Delegates) notifyUpdate(n state.NodeState) {
	if d.NotifyUpdate != nil {
		d.NotifyUpdate(n)
	}
}

func (d Delegates) nodeMeta() []byte {
	if d.NodeMeta != nil {
		return d.NodeMeta()
	}
	return nil
}

func (d Delegates) handleUserMsg(t proto.EnvelopeType, payload []byte) {
	if d.HandleUserMsg != nil {
		d.HandleUserMsg(t, payload)
	}
}

func (d Delegates) getBroadcasts(overhead, limit int) [][]byte {
	if d.GetBroadcasts != nil {
		return d.GetBroadcasts(overhead, limit)
	}
	return nil
}
