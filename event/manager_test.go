package event

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/BoolHak/NSerfProject-sub006/broadcast"
	"github.com/BoolHak/NSerfProject-sub006/lamport"
	"github.com/BoolHak/NSerfProject-sub006/proto"
)

func newTestManager() *Manager {
	clock := &lamport.Clock{}
	queue := &broadcast.TransmitLimitedQueue{NumNodes: func() int { return 1 }, RetransmitMult: 3}
	return NewManager(clock, queue, 8, nil)
}

func TestUserEventAsyncDeliversLocally(t *testing.T) {
	m := newTestManager()
	assert.NilError(t, m.UserEventAsync("deploy", []byte("v42"), false))

	select {
	case ev := <-m.C():
		ue, ok := ev.(UserEvent)
		assert.Assert(t, ok)
		assert.Equal(t, ue.Name, "deploy")
		assert.DeepEqual(t, ue.Payload, []byte("v42"))
	case <-time.After(time.Second):
		t.Fatal("expected event delivery")
	}

	assert.Equal(t, m.queue.NumQueued(), 1)
}

func TestHandleUserEventMessageDedupesByLTimeAndHash(t *testing.T) {
	m := newTestManager()
	msg := proto.UserEventMessage{LTime: 5, Name: "deploy", Payload: []byte("v42")}

	m.HandleUserEventMessage(msg)
	<-m.C()
	assert.Equal(t, m.queue.NumQueued(), 1)

	m.HandleUserEventMessage(msg)
	select {
	case <-m.C():
		t.Fatal("duplicate event should not be redelivered")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, m.queue.NumQueued(), 1)
}

func TestHandleUserEventMessageBelowMinTimeIgnored(t *testing.T) {
	m := newTestManager()
	m.SetMinTime(10)

	m.HandleUserEventMessage(proto.UserEventMessage{LTime: 5, Name: "old"})
	select {
	case <-m.C():
		t.Fatal("event below min time should be ignored")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmitMemberEventCoalescesJoinThenLeave(t *testing.T) {
	m := newTestManager()
	m.EnableMemberEventCoalescing(20*time.Millisecond, time.Second)

	m.EmitMemberEvent(MemberEvent{Kind: KindMemberJoin, Members: []string{"b"}})
	m.EmitMemberEvent(MemberEvent{Kind: KindMemberLeave, Members: []string{"b"}})

	select {
	case ev := <-m.C():
		me, ok := ev.(MemberEvent)
		assert.Assert(t, ok)
		assert.Equal(t, me.Kind, KindMemberLeave)
		assert.DeepEqual(t, me.Members, []string{"b"})
	case <-time.After(time.Second):
		t.Fatal("expected coalesced event delivery")
	}

	select {
	case <-m.C():
		t.Fatal("join should have collapsed into the leave, not delivered separately")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmitMemberEventWithoutCoalescingDeliversImmediately(t *testing.T) {
	m := newTestManager()

	m.EmitMemberEvent(MemberEvent{Kind: KindMemberJoin, Members: []string{"b"}})

	select {
	case ev := <-m.C():
		me, ok := ev.(MemberEvent)
		assert.Assert(t, ok)
		assert.Equal(t, me.Kind, KindMemberJoin)
	case <-time.After(time.Second):
		t.Fatal("expected immediate delivery when coalescing is disabled")
	}
}

func TestSubscriberChannelDropsWhenFull(t *testing.T) {
	m := newTestManager()
	for i := 0; i < 8; i++ {
		assert.NilError(t, m.UserEventAsync("e", []byte{byte(i)}, false))
	}
	// Channel capacity is 8 and nothing has drained it; the 9th must drop,
	// not block.
	done := make(chan struct{})
	go func() {
		_ = m.UserEventAsync("e", []byte{9}, false)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("UserEventAsync blocked instead of dropping")
	}
}
