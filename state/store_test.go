package state

import (
	"net"
	"testing"

	"gotest.tools/v3/assert"
)

func TestUpsertInsertsNewNode(t *testing.T) {
	s := NewStore()
	ns := NodeState{Node: Node{Name: "a", Addr: net.ParseIP("127.0.0.1")}, State: StatusAlive}

	got, inserted, applied := s.Upsert("a", ns, nil)
	assert.Assert(t, inserted)
	assert.Assert(t, applied)
	assert.Equal(t, got.Name, "a")
	assert.Equal(t, s.Len(), 1)
}

func TestUpsertMutateRejectsStaleIncarnation(t *testing.T) {
	s := NewStore()
	ns := NodeState{Node: Node{Name: "a"}, State: StatusAlive, Incarnation: 5}
	s.Upsert("a", ns, nil)

	_, inserted, applied := s.Upsert("a", NodeState{}, func(old NodeState) (NodeState, bool) {
		if !old.AcceptsTransition(3, StatusSuspect) {
			return old, false
		}
		old.Incarnation = 3
		old.State = StatusSuspect
		return old, true
	})
	assert.Assert(t, !inserted)
	assert.Assert(t, !applied)

	got, _ := s.Get("a")
	assert.Equal(t, got.Incarnation, uint32(5))
	assert.Equal(t, got.State, StatusAlive)
}

func TestSuspectToAliveAcceptsEqualIncarnationRefutation(t *testing.T) {
	ns := NodeState{Incarnation: 5, State: StatusSuspect}
	assert.Assert(t, ns.AcceptsTransition(5, StatusAlive))

	dead := NodeState{Incarnation: 5, State: StatusDead}
	assert.Assert(t, !dead.AcceptsTransition(5, StatusAlive))
}

func TestDeleteRemovesFromBothMapAndSlice(t *testing.T) {
	s := NewStore()
	s.Upsert("a", NodeState{Node: Node{Name: "a"}}, nil)
	s.Upsert("b", NodeState{Node: Node{Name: "b"}}, nil)

	s.Delete("a")
	assert.Equal(t, s.Len(), 1)
	_, ok := s.Get("a")
	assert.Assert(t, !ok)
}

func TestRandomPeersExcludesAndFilters(t *testing.T) {
	s := NewStore()
	s.Upsert("a", NodeState{Node: Node{Name: "a"}, State: StatusAlive}, nil)
	s.Upsert("b", NodeState{Node: Node{Name: "b"}, State: StatusDead}, nil)
	s.Upsert("c", NodeState{Node: Node{Name: "c"}, State: StatusAlive}, nil)

	peers := s.RandomPeers(5, map[string]bool{"a": true}, true)
	assert.Equal(t, len(peers), 1)
	assert.Equal(t, peers[0].Name, "c")
}
