package broadcast

import (
	"testing"

	"gotest.tools/v3/assert"
)

func newTestQueue(n int) *TransmitLimitedQueue {
	return &TransmitLimitedQueue{
		NumNodes:       func() int { return n },
		RetransmitMult: 3,
	}
}

func TestQueueBroadcastInvalidatesOlderNamed(t *testing.T) {
	q := newTestQueue(5)

	first := &KeyedBroadcast{Key: "node-a", Msg: []byte("v1")}
	firstFinished := make(chan struct{})
	first.NotifyCh = firstFinished
	q.QueueBroadcast(first)

	second := &KeyedBroadcast{Key: "node-a", Msg: []byte("v2")}
	q.QueueBroadcast(second)

	select {
	case <-firstFinished:
	default:
		t.Fatal("expected first broadcast to be Finished when invalidated")
	}
	assert.Equal(t, q.NumQueued(), 1)

	msgs := q.GetBroadcasts(0, 1024)
	assert.Equal(t, len(msgs), 1)
	assert.Equal(t, string(msgs[0]), "v2")
}

func TestEveryBroadcastEitherExpiresOrIsInvalidated(t *testing.T) {
	q := newTestQueue(1) // retransmitMult=3, N=1 => limit = 3*ceil(log10(2)) = 3

	finished := make(chan struct{})
	b := &KeyedBroadcast{Key: "x", Msg: []byte("only"), NotifyCh: finished}
	q.QueueBroadcast(b)

	for i := 0; i < 10; i++ {
		q.GetBroadcasts(0, 1024)
		select {
		case <-finished:
			return // reached retransmit limit and was Finished: invariant holds
		default:
		}
	}
	t.Fatal("broadcast was neither invalidated nor reached its retransmit limit")
}

func TestGetBroadcastsRespectsByteLimit(t *testing.T) {
	q := newTestQueue(5)
	q.QueueBroadcast(&RawBroadcast{Msg: make([]byte, 100)})
	q.QueueBroadcast(&RawBroadcast{Msg: make([]byte, 100)})

	msgs := q.GetBroadcasts(0, 150)
	assert.Equal(t, len(msgs), 1)
}

func TestUniqueBroadcastInvalidatesOnlySameToken(t *testing.T) {
	q := newTestQueue(5)

	tok := NewUniqueToken()
	a := &TokenBroadcast{Token: tok, Msg: []byte("a")}
	q.QueueBroadcast(a)

	other := &TokenBroadcast{Token: NewUniqueToken(), Msg: []byte("b")}
	q.QueueBroadcast(other)
	assert.Equal(t, q.NumQueued(), 2)

	replacement := &TokenBroadcast{Token: tok, Msg: []byte("a2")}
	finished := make(chan struct{})
	a.NotifyCh = finished
	// Re-queue `a` style invalidation requires QueueBroadcast to compare
	// against already-queued raw/unique entries.
	q.QueueBroadcast(replacement)

	select {
	case <-finished:
	default:
		t.Fatal("expected same-token broadcast to invalidate the older one")
	}
	assert.Equal(t, q.NumQueued(), 2)
}
