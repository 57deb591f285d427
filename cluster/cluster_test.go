package cluster

import (
	"net"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/BoolHak/NSerfProject-sub006/event"
	"github.com/BoolHak/NSerfProject-sub006/member"
	"github.com/BoolHak/NSerfProject-sub006/proto"
	"github.com/BoolHak/NSerfProject-sub006/query"
	"github.com/BoolHak/NSerfProject-sub006/state"
	"github.com/BoolHak/NSerfProject-sub006/transport"
)

func testClusterConfig(name string) *Config {
	cfg := DefaultConfig()
	cfg.NodeName = name
	cfg.Swim.ProbeInterval = time.Hour
	cfg.Swim.GossipInterval = time.Hour
	cfg.Swim.PushPullInterval = time.Hour
	cfg.ReapInterval = time.Hour
	cfg.ReconnectInterval = time.Hour
	cfg.QueryTimeout = 100 * time.Millisecond
	return cfg
}

func newTestCluster(t *testing.T, hub *transport.MockHub, name, ip string) *Cluster {
	t.Helper()
	tr, err := transport.NewMockTransport(hub, ip+":7946")
	assert.NilError(t, err)
	cfg := testClusterConfig(name)
	cfg.Swim.Addr = ip
	cfg.Swim.Port = 7946
	c, err := Create(cfg, tr)
	assert.NilError(t, err)
	return c
}

func nodeState(name, ip string, status state.NodeStatus) state.NodeState {
	return state.NodeState{
		Node:        state.Node{Name: name, Addr: net.ParseIP(ip), Port: 7946},
		Incarnation: 1,
		State:       status,
		StateChange: time.Now().UnixNano(),
	}
}

func TestCreateRegistersSelfAlive(t *testing.T) {
	hub := transport.NewMockHub()
	c := newTestCluster(t, hub, "a", "10.1.0.1")

	members := c.Members()
	assert.Equal(t, len(members), 1)
	assert.Equal(t, members[0].Name, "a")
	assert.Equal(t, members[0].Status, member.StatusAlive)
}

func TestNotifyJoinEmitsMemberJoinEvent(t *testing.T) {
	hub := transport.NewMockHub()
	c := newTestCluster(t, hub, "a", "10.1.1.1")

	c.notifyJoin(nodeState("b", "10.1.1.2", state.StatusAlive))

	assert.Equal(t, c.MemberCount(), 2)
	m, ok := c.members.GetMember("b")
	assert.Assert(t, ok)
	assert.Equal(t, m.Status, member.StatusAlive)

	select {
	case ev := <-c.EventCh():
		me, ok := ev.(event.MemberEvent)
		assert.Assert(t, ok)
		assert.Equal(t, me.Kind, event.KindMemberJoin)
		assert.DeepEqual(t, me.Members, []string{"b"})
	case <-time.After(time.Second):
		t.Fatal("no member-join event delivered")
	}
}

func TestNotifyLeaveNonGracefulEmitsMemberFailed(t *testing.T) {
	hub := transport.NewMockHub()
	c := newTestCluster(t, hub, "a", "10.1.2.1")

	c.notifyJoin(nodeState("b", "10.1.2.2", state.StatusAlive))
	drainEvent(t, c)

	c.notifyLeave(nodeState("b", "10.1.2.2", state.StatusDead))

	m, ok := c.members.GetMember("b")
	assert.Assert(t, ok)
	assert.Equal(t, m.Status, member.StatusFailed)

	select {
	case ev := <-c.EventCh():
		me := ev.(event.MemberEvent)
		assert.Equal(t, me.Kind, event.KindMemberFailed)
	case <-time.After(time.Second):
		t.Fatal("no member-failed event delivered")
	}
}

func TestHandleJoinIntentAntiResurrection(t *testing.T) {
	hub := transport.NewMockHub()
	c := newTestCluster(t, hub, "a", "10.1.3.1")

	c.notifyJoin(nodeState("b", "10.1.3.2", state.StatusAlive))
	drainEvent(t, c)
	c.notifyLeave(nodeState("b", "10.1.3.2", state.StatusDead))
	drainEvent(t, c)

	failed, _ := c.members.GetMember("b")
	assert.Equal(t, failed.Status, member.StatusFailed)

	before := c.queue.NumQueued()
	c.handleJoinIntent(proto.MemberJoinMessage{LTime: failed.StatusLTime, Node: "b"})
	assert.Equal(t, c.queue.NumQueued(), before, "a stale/equal ltime intent must be rejected outright")

	after, _ := c.members.GetMember("b")
	assert.Equal(t, after.Status, member.StatusFailed)

	fresh := failed.StatusLTime + 10
	c.handleJoinIntent(proto.MemberJoinMessage{LTime: fresh, Node: "b"})

	resurrected, _ := c.members.GetMember("b")
	assert.Equal(t, resurrected.Status, member.StatusFailed, "join intent alone must never resurrect a Failed member")
	assert.Equal(t, resurrected.StatusLTime, fresh)

	select {
	case ev := <-c.EventCh():
		t.Fatalf("unexpected event for a non-state-changing join intent: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcastJoinThenHandleUserMsgRoundTrips(t *testing.T) {
	hub := transport.NewMockHub()
	a := newTestCluster(t, hub, "a", "10.1.4.1")
	b := newTestCluster(t, hub, "b", "10.1.4.2")

	ltime := a.memberClock.Increment()
	assert.NilError(t, a.broadcastJoin(ltime))

	raw := drainQueuedWireMessage(t, a.queue)
	et, payload := decodeEnvelope(t, raw)
	assert.Equal(t, et, proto.EnvelopeMemberJoin)

	b.handleUserMsg(et, payload)

	m, ok := b.members.GetMember("a")
	assert.Assert(t, ok)
	assert.Equal(t, m.StatusLTime, ltime)
}

func TestUserEventDeliversOnEventCh(t *testing.T) {
	hub := transport.NewMockHub()
	c := newTestCluster(t, hub, "a", "10.1.5.1")

	assert.NilError(t, c.UserEvent("deploy", []byte("v2"), false))

	select {
	case ev := <-c.EventCh():
		ue, ok := ev.(event.UserEvent)
		assert.Assert(t, ok)
		assert.Equal(t, ue.Name, "deploy")
		assert.DeepEqual(t, ue.Payload, []byte("v2"))
	case <-time.After(time.Second):
		t.Fatal("user event never delivered locally")
	}
}

func TestQueryDispatchesToInternalConflictHandler(t *testing.T) {
	hub := transport.NewMockHub()
	c := newTestCluster(t, hub, "a", "10.1.6.1")

	addr, port, found, err := c.ResolveConflict("a")
	assert.NilError(t, err)
	assert.Assert(t, found)
	assert.Equal(t, port, uint16(7946))
	assert.Assert(t, addr != nil)
}

func TestQueryOptionsDefaultRelayFactor(t *testing.T) {
	hub := transport.NewMockHub()
	c := newTestCluster(t, hub, "a", "10.1.7.1")
	c.cfg.RelayFactor = 3

	resp, err := c.Query("ping", nil, query.QueryOptions{Timeout: 50 * time.Millisecond})
	assert.NilError(t, err)
	resp.Close()

	raw := drainQueuedWireMessage(t, c.queue)
	et, payload := decodeEnvelope(t, raw)
	assert.Equal(t, et, proto.EnvelopeQuery)
	var msg proto.QueryMessage
	assert.NilError(t, proto.Decode(payload, &msg))
	assert.Equal(t, msg.RelayFactor, uint8(3))
}

func TestLeaveWithNoPeersSkipsBroadcastAndMarksLeft(t *testing.T) {
	hub := transport.NewMockHub()
	c := newTestCluster(t, hub, "a", "10.1.8.1")

	assert.NilError(t, c.Leave(50*time.Millisecond))
	assert.Equal(t, c.lifecycleState(), StateLeft)

	self, ok := c.members.GetMember("a")
	assert.Assert(t, ok)
	assert.Equal(t, self.Status, member.StatusLeft)
}

func TestShutdownIsIdempotent(t *testing.T) {
	hub := transport.NewMockHub()
	c := newTestCluster(t, hub, "a", "10.1.9.1")

	assert.NilError(t, c.Leave(50*time.Millisecond))
	assert.NilError(t, c.Shutdown())
	assert.NilError(t, c.Shutdown())
}

func drainEvent(t *testing.T, c *Cluster) {
	t.Helper()
	select {
	case <-c.EventCh():
	case <-time.After(time.Second):
		t.Fatal("expected event was not delivered")
	}
}

func drainQueuedWireMessage(t *testing.T, q interface {
	GetBroadcasts(overhead, limit int) [][]byte
}) []byte {
	t.Helper()
	msgs := q.GetBroadcasts(0, 64*1024)
	assert.Assert(t, len(msgs) >= 1)
	return msgs[0]
}

func decodeEnvelope(t *testing.T, raw []byte) (proto.EnvelopeType, []byte) {
	t.Helper()
	mt, body, err := proto.MessageTypeOf(raw)
	assert.NilError(t, err)
	assert.Equal(t, mt, proto.UserMsg)
	var env proto.UserMsgEnvelope
	assert.NilError(t, proto.Decode(body, &env))
	et, payload, err := proto.EnvelopeTypeOf(env.Payload)
	assert.NilError(t, err)
	return et, payload
}
