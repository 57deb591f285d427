package swim

import (
	"net"
	"time"

	"github.com/BoolHak/NSerfProject-sub006/broadcast"
	"github.com/BoolHak/NSerfProject-sub006/proto"
	"github.com/BoolHak/NSerfProject-sub006/state"
)

// aliveNode applies an Alive claim, generalizing the memberlist reference's
// aliveNode to the richer Left state and to strict incarnation-gated
// acceptance (state.NodeState.AcceptsTransition) rather than a fixed set of
// allowed prior states.
func (e *Engine) aliveNode(a *proto.Alive, rebroadcast bool) {
	if a.Node == e.cfg.Name {
		// Someone else's view of us is stale or conflicting; refute by
		// re-asserting Alive at a strictly higher incarnation than claimed.
		if a.Incarnation >= e.currentIncarnation() {
			e.refute(a.Incarnation)
		}
		return
	}

	candidate := state.NodeState{
		Node: state.Node{
			Name: a.Node,
			Addr: net.IP(a.Addr),
			Port: a.Port,
			Meta: a.Meta,
			PMin: a.Vsn[0], PMax: a.Vsn[1], PCur: a.Vsn[2],
			DMin: a.Vsn[3], DMax: a.Vsn[4], DCur: a.Vsn[5],
		},
		Incarnation: a.Incarnation,
		State:       state.StatusAlive,
		StateChange: time.Now().UnixNano(),
	}

	_, inserted, applied := e.store.Upsert(a.Node, candidate, func(old state.NodeState) (state.NodeState, bool) {
		if !old.AcceptsTransition(a.Incarnation, state.StatusAlive) {
			return old, false
		}
		return candidate, true
	})
	if !applied {
		return
	}

	e.clearSuspicion(a.Node)

	if inserted {
		e.delegates.notifyJoin(candidate)
	} else {
		e.delegates.notifyUpdate(candidate)
	}
	if rebroadcast {
		e.broadcastAlive(a)
	}
}

// suspectNode applies a Suspect accusation, starting (or corroborating) the
// confirmation-contracting suspicion timer of suspicion.go.
func (e *Engine) suspectNode(s *proto.Suspect) {
	if s.Node == e.cfg.Name {
		if s.Incarnation >= e.currentIncarnation() {
			e.refute(s.Incarnation)
		}
		return
	}

	existing, ok := e.store.Get(s.Node)
	if !ok {
		return
	}

	if existing.State == state.StatusSuspect && existing.Incarnation == s.Incarnation {
		e.mu.Lock()
		susp := e.suspicions[s.Node]
		e.mu.Unlock()
		if susp != nil {
			susp.confirm(s.From)
		}
		return
	}

	updated := existing
	updated.Incarnation = s.Incarnation
	updated.State = state.StatusSuspect
	updated.StateChange = time.Now().UnixNano()

	_, _, applied := e.store.Upsert(s.Node, updated, func(old state.NodeState) (state.NodeState, bool) {
		if !old.AcceptsTransition(s.Incarnation, state.StatusSuspect) {
			return old, false
		}
		return updated, true
	})
	if !applied {
		return
	}

	e.delegates.notifyUpdate(updated)
	e.broadcastSuspect(s)
	e.startSuspicionTimer(s.Node, s.Incarnation, s.From)
}

// startSuspicionTimer arms (or re-arms) the contraction timer for name, per
// spec §4.4's confirmation-set contraction addition over the reference's
// fixed timeout.
func (e *Engine) startSuspicionTimer(name string, incarnation uint32, from string) {
	n := e.store.Len()
	min := suspicionTimeoutMin(e.cfg.SuspicionMult, n, e.cfg.ProbeInterval)
	max := time.Duration(e.cfg.SuspicionMaxTimeoutMult) * min

	e.mu.Lock()
	if old, ok := e.suspicions[name]; ok {
		old.stop()
	}
	e.suspicions[name] = newSuspicion(from, e.cfg.IndirectChecks, min, max, func(confirmations int) {
		e.suspicionFired(name, incarnation)
	})
	e.mu.Unlock()
}

func (e *Engine) clearSuspicion(name string) {
	e.mu.Lock()
	if s, ok := e.suspicions[name]; ok {
		s.stop()
		delete(e.suspicions, name)
	}
	e.mu.Unlock()
}

// suspicionFired is invoked by the suspicion timer once its (possibly
// contracted) timeout elapses without the node refuting.
func (e *Engine) suspicionFired(name string, incarnation uint32) {
	e.mu.Lock()
	delete(e.suspicions, name)
	e.mu.Unlock()

	cur, ok := e.store.Get(name)
	if !ok || cur.State != state.StatusSuspect || cur.Incarnation != incarnation {
		return
	}
	d := &proto.Dead{Incarnation: incarnation, Node: name, From: e.cfg.Name}
	e.deadNode(d)
}

// deadNode applies a Dead declaration (From != Node) or a graceful Left
// departure (From == Node).
func (e *Engine) deadNode(d *proto.Dead) {
	graceful := d.From == d.Node

	if d.Node == e.cfg.Name {
		// Refute whenever we are still alive from our own point of view,
		// regardless of whether the remote reported us Dead or (as a
		// restarted node rejoining via push/pull) gracefully Left: spec
		// §4.10 requires refutation for either, gated only on our own
		// current state and the incarnation, never on the message's From.
		self, ok := e.store.Get(e.cfg.Name)
		if ok && self.State != state.StatusLeft && d.Incarnation >= e.currentIncarnation() {
			e.refute(d.Incarnation)
		}
		return
	}

	existing, ok := e.store.Get(d.Node)
	if !ok {
		return
	}

	targetState := state.StatusDead
	if graceful {
		targetState = state.StatusLeft
	}

	updated := existing
	updated.Incarnation = d.Incarnation
	updated.State = targetState
	updated.StateChange = time.Now().UnixNano()

	_, _, applied := e.store.Upsert(d.Node, updated, func(old state.NodeState) (state.NodeState, bool) {
		if !old.AcceptsTransition(d.Incarnation, targetState) {
			return old, false
		}
		return updated, true
	})
	if !applied {
		return
	}

	e.clearSuspicion(d.Node)
	e.delegates.notifyLeave(updated)
	e.broadcastDead(d)
}

// refute re-asserts the local node as Alive at an incarnation strictly
// greater than atLeast, and gossips it immediately.
func (e *Engine) refute(atLeast uint32) {
	inc := e.forceIncarnation(atLeast)
	self, _ := e.store.Get(e.cfg.Name)
	self.Incarnation = inc
	self.StateChange = time.Now().UnixNano()
	e.store.Upsert(e.cfg.Name, self, func(state.NodeState) (state.NodeState, bool) { return self, true })

	a := &proto.Alive{
		Incarnation: inc,
		Node:        e.cfg.Name,
		Addr:        self.Addr,
		Port:        self.Port,
		Meta:        self.Meta,
		Vsn:         e.cfg.Vsn,
	}
	e.broadcastAlive(a)
}

func (e *Engine) broadcastAlive(a *proto.Alive) {
	msg, err := proto.Encode(proto.AliveMsg, a)
	if err != nil {
		e.logger.WithError(err).Warn("swim: encode alive failed")
		return
	}
	e.queue.QueueBroadcast(&broadcast.KeyedBroadcast{Key: "node:" + a.Node, Msg: msg})
}

func (e *Engine) broadcastSuspect(s *proto.Suspect) {
	msg, err := proto.Encode(proto.SuspectMsg, s)
	if err != nil {
		e.logger.WithError(err).Warn("swim: encode suspect failed")
		return
	}
	e.queue.QueueBroadcast(&broadcast.KeyedBroadcast{Key: "node:" + s.Node, Msg: msg})
}

func (e *Engine) broadcastDead(d *proto.Dead) {
	msg, err := proto.Encode(proto.DeadMsg, d)
	if err != nil {
		e.logger.WithError(err).Warn("swim: encode dead failed")
		return
	}
	e.queue.QueueBroadcast(&broadcast.KeyedBroadcast{Key: "node:" + d.Node, Msg: msg})
}

// mergeState reconciles a push/pull peer's full node list into the local
// store, dispatching each entry through the same gated handlers real gossip
// messages use. Alive entries are applied without rebroadcasting; Suspect and
// Dead/Left entries go through suspectNode/deadNode (or refute, for self),
// which queue their usual broadcasts.
func (e *Engine) mergeState(remote []proto.PushNodeState) {
	for _, r := range remote {
		switch state.NodeStatus(r.State) {
		case state.StatusAlive:
			e.aliveNode(&proto.Alive{
				Incarnation: r.Incarnation,
				Node:        r.Name,
				Addr:        r.Addr,
				Port:        r.Port,
				Meta:        r.Meta,
				Vsn:         r.Vsn,
			}, false)
		case state.StatusSuspect:
			if r.Name == e.cfg.Name {
				if r.Incarnation >= e.currentIncarnation() {
					e.refute(r.Incarnation)
				}
				continue
			}
			existing, ok := e.store.Get(r.Name)
			if !ok || !existing.AcceptsTransition(r.Incarnation, state.StatusSuspect) {
				continue
			}
			s := &proto.Suspect{Incarnation: r.Incarnation, Node: r.Name, From: e.cfg.Name}
			e.suspectNode(s)
		case state.StatusDead, state.StatusLeft:
			from := e.cfg.Name
			if state.NodeStatus(r.State) == state.StatusLeft {
				from = r.Name
			}
			e.deadNode(&proto.Dead{Incarnation: r.Incarnation, Node: r.Name, From: from})
		}
	}
}
