package swim

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/BoolHak/NSerfProject-sub006/proto"
	"github.com/BoolHak/NSerfProject-sub006/state"
	"github.com/BoolHak/NSerfProject-sub006/transport"
)

func testConfig(name, addr string) *Config {
	cfg := DefaultConfig()
	cfg.Name = name
	cfg.Addr = addr
	cfg.Port = 7946
	cfg.ProbeInterval = 20 * time.Millisecond
	cfg.ProbeTimeout = 10 * time.Millisecond
	cfg.PushPullInterval = time.Hour
	cfg.GossipInterval = time.Hour
	return cfg
}

func newTestEngine(t *testing.T, hub *transport.MockHub, name, ip string) *Engine {
	t.Helper()
	tr, err := transport.NewMockTransport(hub, ip+":7946")
	assert.NilError(t, err)
	e, err := NewEngine(testConfig(name, ip), tr, Delegates{})
	assert.NilError(t, err)
	return e
}

func TestAliveNodeInsertsAndNotifiesJoin(t *testing.T) {
	hub := transport.NewMockHub()
	var joined []state.NodeState
	tr, err := transport.NewMockTransport(hub, "10.0.0.1:7946")
	assert.NilError(t, err)
	cfg := testConfig("a", "10.0.0.1")
	e, err := NewEngine(cfg, tr, Delegates{
		NotifyJoin: func(n state.NodeState) { joined = append(joined, n) },
	})
	assert.NilError(t, err)

	e.aliveNode(&proto.Alive{
		Incarnation: 0,
		Node:        "b",
		Addr:        []byte{10, 0, 0, 2},
		Port:        7946,
	}, true)

	assert.Equal(t, len(joined), 1)
	assert.Equal(t, joined[0].Name, "b")
	assert.Equal(t, e.queue.NumQueued(), 1)
}

func TestAliveNodeRejectsStaleIncarnation(t *testing.T) {
	hub := transport.NewMockHub()
	e := newTestEngine(t, hub, "a", "10.0.1.1")

	e.aliveNode(&proto.Alive{Incarnation: 5, Node: "b", Addr: []byte{10, 0, 1, 2}, Port: 7946}, true)
	e.aliveNode(&proto.Alive{Incarnation: 2, Node: "b", Addr: []byte{10, 0, 1, 2}, Port: 7946}, true)

	ns, ok := e.store.Get("b")
	assert.Assert(t, ok)
	assert.Equal(t, ns.Incarnation, uint32(5))
}

func TestSuspectSelfTriggersRefutation(t *testing.T) {
	hub := transport.NewMockHub()
	e := newTestEngine(t, hub, "a", "10.0.2.1")

	before := e.currentIncarnation()
	e.suspectNode(&proto.Suspect{Incarnation: before, Node: "a", From: "b"})

	assert.Assert(t, e.currentIncarnation() > before)
	self, ok := e.store.Get("a")
	assert.Assert(t, ok)
	assert.Equal(t, self.State, state.StatusAlive)
}

func TestSuspectThenDeadTimeout(t *testing.T) {
	hub := transport.NewMockHub()
	e := newTestEngine(t, hub, "a", "10.0.3.1")
	e.cfg.SuspicionMult = 1
	e.cfg.SuspicionMaxTimeoutMult = 1
	e.cfg.ProbeInterval = 5 * time.Millisecond

	e.aliveNode(&proto.Alive{Incarnation: 0, Node: "b", Addr: []byte{10, 0, 3, 2}, Port: 7946}, false)
	e.suspectNode(&proto.Suspect{Incarnation: 0, Node: "b", From: "a"})

	ns, ok := e.store.Get("b")
	assert.Assert(t, ok)
	assert.Equal(t, ns.State, state.StatusSuspect)

	deadline := time.After(2 * time.Second)
	for {
		ns, _ := e.store.Get("b")
		if ns.State == state.StatusDead {
			break
		}
		select {
		case <-deadline:
			t.Fatal("suspicion never escalated to dead")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDeadNodeGracefulMarksLeft(t *testing.T) {
	hub := transport.NewMockHub()
	e := newTestEngine(t, hub, "a", "10.0.4.1")

	e.aliveNode(&proto.Alive{Incarnation: 0, Node: "b", Addr: []byte{10, 0, 4, 2}, Port: 7946}, false)
	e.deadNode(&proto.Dead{Incarnation: 1, Node: "b", From: "b"})

	ns, ok := e.store.Get("b")
	assert.Assert(t, ok)
	assert.Equal(t, ns.State, state.StatusLeft)
}

func TestDeadNodeNonGracefulMarksDead(t *testing.T) {
	hub := transport.NewMockHub()
	e := newTestEngine(t, hub, "a", "10.0.5.1")

	e.aliveNode(&proto.Alive{Incarnation: 0, Node: "b", Addr: []byte{10, 0, 5, 2}, Port: 7946}, false)
	e.deadNode(&proto.Dead{Incarnation: 1, Node: "b", From: "a"})

	ns, ok := e.store.Get("b")
	assert.Assert(t, ok)
	assert.Equal(t, ns.State, state.StatusDead)
}

func TestProbeUnreachablePeerEscalatesToSuspect(t *testing.T) {
	hub := transport.NewMockHub()
	e := newTestEngine(t, hub, "a", "10.0.6.1")
	e.cfg.ProbeTimeout = 5 * time.Millisecond
	e.cfg.IndirectChecks = 0

	// Register b's address in the store without a live transport behind it,
	// so every ping to it is silently dropped, like real UDP to a dead host.
	e.aliveNode(&proto.Alive{Incarnation: 0, Node: "b", Addr: []byte{10, 0, 6, 2}, Port: 7946}, false)

	target, ok := e.store.Get("b")
	assert.Assert(t, ok)
	e.probeNode(target)

	ns, ok := e.store.Get("b")
	assert.Assert(t, ok)
	assert.Equal(t, ns.State, state.StatusSuspect)
}

func TestGossipFanOutDeliversAliveToPeer(t *testing.T) {
	hub := transport.NewMockHub()
	a := newTestEngine(t, hub, "a", "10.0.7.1")
	bTr, err := transport.NewMockTransport(hub, "10.0.7.2:7946")
	assert.NilError(t, err)
	b, err := NewEngine(testConfig("b", "10.0.7.2"), bTr, Delegates{
		NotifyJoin: func(n state.NodeState) {},
	})
	assert.NilError(t, err)

	a.aliveNode(&proto.Alive{Incarnation: 0, Node: "c", Addr: []byte{10, 0, 7, 3}, Port: 7946}, true)
	a.store.Upsert("b", state.NodeState{
		Node:        state.Node{Name: "b", Addr: []byte{10, 0, 7, 2}, Port: 7946},
		Incarnation: 0,
		State:       state.StatusAlive,
	}, nil)

	a.gossip()

	select {
	case pkt := <-bTr.PacketCh():
		b.handlePacket(pkt)
	case <-time.After(time.Second):
		t.Fatal("peer never received gossiped message")
	}

	ns, ok := b.store.Get("c")
	assert.Assert(t, ok)
	assert.Equal(t, ns.Incarnation, uint32(0))
}

func TestMergeStateAppliesRemoteAliveAndDead(t *testing.T) {
	hub := transport.NewMockHub()
	e := newTestEngine(t, hub, "a", "10.0.8.1")

	e.mergeState([]proto.PushNodeState{
		{Name: "b", Addr: []byte{10, 0, 8, 2}, Port: 7946, Incarnation: 1, State: uint8(state.StatusAlive)},
	})
	ns, ok := e.store.Get("b")
	assert.Assert(t, ok)
	assert.Equal(t, ns.State, state.StatusAlive)

	e.mergeState([]proto.PushNodeState{
		{Name: "b", Addr: []byte{10, 0, 8, 2}, Port: 7946, Incarnation: 2, State: uint8(state.StatusDead)},
	})
	ns, ok = e.store.Get("b")
	assert.Assert(t, ok)
	assert.Equal(t, ns.State, state.StatusDead)
}

func TestMergeStateSelfLeftRefutesWhenStillAlive(t *testing.T) {
	hub := transport.NewMockHub()
	e := newTestEngine(t, hub, "a", "10.0.10.1")

	before := e.currentIncarnation()
	e.mergeState([]proto.PushNodeState{
		{Name: "a", Addr: []byte{10, 0, 10, 1}, Port: 7946, Incarnation: before, State: uint8(state.StatusLeft)},
	})

	assert.Assert(t, e.currentIncarnation() > before)
	self, ok := e.store.Get("a")
	assert.Assert(t, ok)
	assert.Equal(t, self.State, state.StatusAlive)
}

func TestLeaveMarksSelfLeftAndBroadcasts(t *testing.T) {
	hub := transport.NewMockHub()
	e := newTestEngine(t, hub, "a", "10.0.9.1")

	err := e.Leave(50 * time.Millisecond)
	assert.NilError(t, err)

	self := e.Self()
	assert.Equal(t, self.State, state.StatusLeft)
	assert.Equal(t, e.queue.NumQueued(), 1)
}
