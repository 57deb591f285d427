package state

import (
	"math/rand"
	"sync"
)

// Store is the exclusive owner of NodeState records and the ordered slice
// used for random probe-target selection (§3 "Ownership"). Readers may run
// concurrently; writers serialize with each other and readers, and the
// probe-selection slice is shuffled under the write lock.
type Store struct {
	mu    sync.RWMutex
	nodes []*NodeState // probe-order slice; self is always included
	byName map[string]*NodeState
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{byName: make(map[string]*NodeState)}
}

// Get returns a copy of the node's current state, if known.
func (s *Store) Get(name string) (NodeState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.byName[name]
	if !ok {
		return NodeState{}, false
	}
	return *n, true
}

// Len returns the number of known nodes (including self, and any
// suspect/dead/left ones not yet reaped).
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// Snapshot returns a point-in-time copy of every known node.
func (s *Store) Snapshot() []NodeState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]NodeState, len(s.nodes))
	for i, n := range s.nodes {
		out[i] = *n
	}
	return out
}

// Upsert inserts a brand-new node (state defaults to caller-supplied ns) or,
// if one exists, applies mutate to it while holding the write lock. mutate
// receives the existing record and must return the incarnation/state it
// wants applied and whether to actually apply it (mirroring
// NodeState.AcceptsTransition at the call site — Upsert itself does not
// enforce the transition rule, callers in the swim engine do, since they
// need to branch on old-state for event emission).
//
// Returns the resulting record, whether this name was newly inserted, and
// whether the record was written (true on insert or when mutate applied).
func (s *Store) Upsert(name string, ns NodeState, mutate func(old NodeState) (NodeState, bool)) (NodeState, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byName[name]
	if !ok {
		n := ns
		rec := &n
		s.byName[name] = rec
		offset := 0
		if len(s.nodes) > 0 {
			offset = rand.Intn(len(s.nodes) + 1)
		}
		s.nodes = append(s.nodes, rec)
		last := len(s.nodes) - 1
		s.nodes[offset], s.nodes[last] = s.nodes[last], s.nodes[offset]
		return *rec, true, true
	}

	updated, apply := mutate(*existing)
	if !apply {
		return *existing, false, false
	}
	*existing = updated
	return *existing, false, true
}

// Delete removes a node entirely (used by the reaper once a Dead/Left node
// has passed its tombstone timeout).
func (s *Store) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[name]; !ok {
		return
	}
	delete(s.byName, name)
	for i, n := range s.nodes {
		if n.Name == name {
			last := len(s.nodes) - 1
			s.nodes[i] = s.nodes[last]
			s.nodes[last] = nil
			s.nodes = s.nodes[:last]
			break
		}
	}
}

// ResetAndShuffle is invoked when the probe cursor wraps around: it evicts
// StatusDead/StatusLeft nodes that are also past a caller-supplied
// reclaimable check (the swim engine applies its reap timeout here) and
// reshuffles the remaining live order, matching the memberlist reference's
// resetNodes.
func (s *Store) ResetAndShuffle(reclaim func(NodeState) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.nodes[:0]
	for _, n := range s.nodes {
		if (n.State == StatusDead || n.State == StatusLeft) && reclaim(*n) {
			delete(s.byName, n.Name)
			continue
		}
		kept = append(kept, n)
	}
	s.nodes = kept

	rand.Shuffle(len(s.nodes), func(i, j int) {
		s.nodes[i], s.nodes[j] = s.nodes[j], s.nodes[i]
	})
}

// RandomPeers returns up to k distinct nodes chosen at random, excluding the
// names in exclude, used for indirect-ping target selection and gossip
// fanout (§4.4).
func (s *Store) RandomPeers(k int, exclude map[string]bool, aliveOnly bool) []NodeState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := make([]*NodeState, 0, len(s.nodes))
	for _, n := range s.nodes {
		if exclude[n.Name] {
			continue
		}
		if aliveOnly && n.State != StatusAlive {
			continue
		}
		candidates = append(candidates, n)
	}

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	if k > len(candidates) {
		k = len(candidates)
	}
	out := make([]NodeState, k)
	for i := 0; i < k; i++ {
		out[i] = *candidates[i]
	}
	return out
}

// NodeAt returns the node at probe-order index idx (used by the probe
// cursor), and whether idx is in range.
func (s *Store) NodeAt(idx int) (NodeState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx < 0 || idx >= len(s.nodes) {
		return NodeState{}, false
	}
	return *s.nodes[idx], true
}
