package query

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/BoolHak/NSerfProject-sub006/broadcast"
	"github.com/BoolHak/NSerfProject-sub006/lamport"
	"github.com/BoolHak/NSerfProject-sub006/proto"
)

type fakeSender struct {
	sent []sentMsg
}

type sentMsg struct {
	addr string
	msg  []byte
}

func (f *fakeSender) SendToUDP(addr string, msg []byte) error {
	f.sent = append(f.sent, sentMsg{addr: addr, msg: msg})
	return nil
}

func newTestManager(sender Sender, tags map[string]string) *Manager {
	clock := &lamport.Clock{}
	queue := &broadcast.TransmitLimitedQueue{NumNodes: func() int { return 1 }, RetransmitMult: 3}
	return NewManager(clock, "node-a", func() map[string]string { return tags }, queue, sender, nil, 8, nil)
}

func TestQueryFiltersExcludeNonMatchingNode(t *testing.T) {
	m := newTestManager(nil, nil)
	nodeFilter, err := NewNodeFilter([]string{"someone-else"})
	assert.NilError(t, err)

	m.HandleQueryMessage(proto.QueryMessage{
		LTime:     1,
		ID:        1,
		Name:      "ping-app",
		Requester: proto.NodeAddr{Name: "requester"},
		Filters:   [][]byte{nodeFilter},
	})

	select {
	case <-m.Queries():
		t.Fatal("filtered-out query should not be delivered")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestQueryDeliveredAndAckedWhenFilterMatches(t *testing.T) {
	sender := &fakeSender{}
	m := newTestManager(sender, map[string]string{"role": "web"})

	nodeFilter, err := NewNodeFilter([]string{"node-a"})
	assert.NilError(t, err)

	m.HandleQueryMessage(proto.QueryMessage{
		LTime:     1,
		ID:        1,
		Name:      "deploy-check",
		Requester: proto.NodeAddr{Name: "requester", Addr: []byte{127, 0, 0, 1}, Port: 7946},
		Filters:   [][]byte{nodeFilter},
		Flags:     proto.QueryFlagAck,
	})

	select {
	case ev := <-m.Queries():
		q, ok := ev.(*Query)
		assert.Assert(t, ok)
		assert.Equal(t, q.Name, "deploy-check")
	case <-time.After(time.Second):
		t.Fatal("expected query delivery")
	}

	assert.Equal(t, len(sender.sent), 1)
	assert.Equal(t, sender.sent[0].addr, "127.0.0.1:7946")
}

func TestQueryDedupesByLTimeAndID(t *testing.T) {
	m := newTestManager(nil, nil)
	nodeFilter, _ := NewNodeFilter([]string{"node-a"})
	msg := proto.QueryMessage{LTime: 1, ID: 42, Name: "x", Requester: proto.NodeAddr{Name: "r"}, Filters: [][]byte{nodeFilter}}

	m.HandleQueryMessage(msg)
	<-m.Queries()

	m.HandleQueryMessage(msg)
	select {
	case <-m.Queries():
		t.Fatal("duplicate query should not be redelivered")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInternalQueryDispatch(t *testing.T) {
	sender := &fakeSender{}
	m := newTestManager(sender, nil)

	called := false
	m.RegisterInternalHandler(QueryConflict, func(msg proto.QueryMessage) (bool, []byte, error) {
		called = true
		return true, []byte("ok"), nil
	})

	m.HandleQueryMessage(proto.QueryMessage{
		LTime:     1,
		ID:        1,
		Name:      QueryConflict,
		Requester: proto.NodeAddr{Name: "requester", Addr: []byte{127, 0, 0, 1}, Port: 7946},
		Flags:     proto.QueryFlagAck,
	})

	assert.Assert(t, called)
	assert.Equal(t, len(sender.sent), 2) // ack + response
}

func TestQueryRequesterReceivesAckAndResponse(t *testing.T) {
	sender := &fakeSender{}
	m := newTestManager(sender, nil)

	resp, err := m.Query("app", []byte("hi"), QueryOptions{Timeout: time.Second, RequestAck: true})
	assert.NilError(t, err)

	// Read the ID the manager assigned from its pending map, then simulate
	// the network round trip directly against that pending entry via
	// HandleQueryResponseMessage.
	assert.Equal(t, m.queue.NumQueued(), 1)

	var id uint32
	for pendingID := range m.pending {
		id = pendingID
	}

	m.HandleQueryResponseMessage(proto.QueryResponseMessage{ID: id, From: proto.NodeAddr{Name: "peer"}, Ack: true})
	m.HandleQueryResponseMessage(proto.QueryResponseMessage{ID: id, From: proto.NodeAddr{Name: "peer"}, Payload: []byte("pong")})

	select {
	case from := <-resp.AckCh():
		assert.Equal(t, from, "peer")
	case <-time.After(time.Second):
		t.Fatal("expected ack")
	}

	select {
	case r := <-resp.ResponseCh():
		assert.Equal(t, r.From, "peer")
		assert.DeepEqual(t, r.Payload, []byte("pong"))
	case <-time.After(time.Second):
		t.Fatal("expected response")
	}
}

func TestRelayForwardsToTarget(t *testing.T) {
	sender := &fakeSender{}
	m := newTestManager(sender, nil)

	m.HandleRelayMessage(proto.RelayMessage{
		Target:  proto.NodeAddr{Name: "dst", Addr: []byte{10, 0, 0, 1}, Port: 9000},
		Payload: []byte("frame"),
	})

	assert.Equal(t, len(sender.sent), 1)
	assert.Equal(t, sender.sent[0].addr, "10.0.0.1:9000")
	assert.DeepEqual(t, sender.sent[0].msg, []byte("frame"))
}
