// Package awareness implements the bounded local health score of spec §3/§4,
// used as a multiplier on probe and suspicion timeouts and on the
// gossip-to-dead fanout. Grounded on the lock-protected-scalar discipline the
// memberlist reference uses for sequenceNum/incarnation (see DESIGN.md);
// instrumented with armon/go-metrics per SPEC_FULL.md §B.
package awareness

import (
	"sync"
	"time"

	metrics "github.com/armon/go-metrics"
)

// Awareness tracks a node's own health score in [0, max].
type Awareness struct {
	mu    sync.Mutex
	max   int
	score int
	sink  *metrics.InmemSink
}

// New creates an Awareness score clamped to [0, max], starting at 0 (fully
// healthy). A nil sink is allowed; the health-score gauge is then not
// emitted at all.
func New(max int, sink *metrics.InmemSink) *Awareness {
	if max < 0 {
		max = 0
	}
	return &Awareness{max: max, sink: sink}
}

// ApplyDelta adjusts the score by delta, clamped to [0, max], and returns the
// resulting score.
func (a *Awareness) ApplyDelta(delta int) int {
	a.mu.Lock()
	a.score += delta
	if a.score < 0 {
		a.score = 0
	} else if a.score > a.max {
		a.score = a.max
	}
	score := a.score
	a.mu.Unlock()

	if a.sink != nil {
		a.sink.SetGauge([]string{"nserf", "health", "score"}, float32(score))
	}
	return score
}

// Score returns the current score.
func (a *Awareness) Score() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.score
}

// ScaleTimeout multiplies base by (1 + score), matching "effective timeout =
// probeTimeout * (1+awareness)" from spec §4.4.
func (a *Awareness) ScaleTimeout(base time.Duration) time.Duration {
	score := a.Score()
	return base * time.Duration(1+score)
}
