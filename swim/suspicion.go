package swim

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// suspicion implements the min/max confirmation-contracting timer spec §4.4
// calls for on top of the reference's fixed suspicion timeout: each
// independent peer that echoes the same suspicion shrinks the remaining
// wait, down to a floor of min, so a widely-corroborated suspicion is
// confirmed dead faster than a lone one.
type suspicion struct {
	n             int32
	k             int32
	min           time.Duration
	max           time.Duration
	start         time.Time
	mu            sync.Mutex
	confirmations map[string]struct{}
	timer         *time.Timer
}

// newSuspicion starts the timer at max (or min, if no corroboration is
// expected) and calls fn once it fires, passing the number of confirmations
// seen.
func newSuspicion(from string, k int, min, max time.Duration, fn func(confirmations int)) *suspicion {
	s := &suspicion{
		k:             int32(k),
		min:           min,
		max:           max,
		start:         time.Now(),
		confirmations: map[string]struct{}{from: {}},
	}

	timeout := max
	if k < 1 {
		timeout = min
	}
	s.timer = time.AfterFunc(timeout, func() {
		fn(int(atomic.LoadInt32(&s.n)))
	})
	return s
}

// confirm records an additional independent suspicion of the same node from
// a different peer, contracting the remaining timeout. Returns false if from
// was already counted or the confirmation budget k is exhausted.
func (s *suspicion) confirm(from string) bool {
	if atomic.LoadInt32(&s.n) >= s.k {
		return false
	}

	s.mu.Lock()
	if _, ok := s.confirmations[from]; ok {
		s.mu.Unlock()
		return false
	}
	s.confirmations[from] = struct{}{}
	s.mu.Unlock()

	n := atomic.AddInt32(&s.n, 1)
	elapsed := time.Since(s.start)
	remaining := remainingSuspicionTime(n, s.k, s.min, s.max, elapsed)
	s.timer.Reset(remaining)
	return true
}

func (s *suspicion) stop() {
	s.timer.Stop()
}

// remainingSuspicionTime interpolates log-linearly between max (n==0) and
// min (n==k), then subtracts elapsed time.
func remainingSuspicionTime(n, k int32, min, max time.Duration, elapsed time.Duration) time.Duration {
	if k < 1 {
		k = 1
	}
	frac := math.Log(float64(n)+1) / math.Log(float64(k)+1)
	raw := max.Seconds() - frac*(max.Seconds()-min.Seconds())
	timeout := time.Duration(raw * float64(time.Second))
	if timeout < min {
		timeout = min
	}
	remaining := timeout - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// suspicionTimeoutMin is the reference's base formula: SuspicionMult scaled
// by the cluster size's log10, applied to the probe interval.
func suspicionTimeoutMin(suspicionMult int, n int, interval time.Duration) time.Duration {
	nodeScale := math.Max(1.0, math.Log10(math.Max(1.0, float64(n))))
	return time.Duration(float64(suspicionMult) * nodeScale * float64(interval))
}
