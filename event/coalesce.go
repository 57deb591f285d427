package event

import (
	"sort"
	"sync"
	"time"
)

// memberEventCoalescer buffers MemberEvents per member name and flushes the
// latest Kind recorded for each name once the stream of changes quiesces,
// per spec §4.8's "adjacent Joins/Leaves for the same node collapse into the
// latest" rule. Grounded on the hashicorp-serf reference's
// memberEventCoalescer/coalescedEventCh (quiescent-period debounce, bounded
// by a coalesce-period hard cap so a steadily flapping node still flushes
// periodically); reconstructed here since coalesce.go itself isn't in the
// retrieved pack, only serf.go's construction of it.
type memberEventCoalescer struct {
	mu      sync.Mutex
	latest  map[string]Kind
	order   []string // first-seen order this window, for stable flush output
	stopped bool

	quiescent time.Duration
	maxWindow time.Duration

	quiescentTimer *time.Timer
	windowTimer    *time.Timer

	flush func([]MemberEvent)
}

func newMemberEventCoalescer(quiescent, maxWindow time.Duration, flush func([]MemberEvent)) *memberEventCoalescer {
	return &memberEventCoalescer{
		latest:    make(map[string]Kind),
		quiescent: quiescent,
		maxWindow: maxWindow,
		flush:     flush,
	}
}

func (c *memberEventCoalescer) push(ev MemberEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}

	for _, name := range ev.Members {
		if _, ok := c.latest[name]; !ok {
			c.order = append(c.order, name)
		}
		c.latest[name] = ev.Kind
	}

	if c.quiescentTimer != nil {
		c.quiescentTimer.Stop()
	}
	c.quiescentTimer = time.AfterFunc(c.quiescent, c.onTimer)

	if c.windowTimer == nil {
		c.windowTimer = time.AfterFunc(c.maxWindow, c.onTimer)
	}
}

// onTimer runs the flush whichever timer fires first; it reacquires the
// lock itself since time.AfterFunc invokes it from its own goroutine.
func (c *memberEventCoalescer) onTimer() {
	c.mu.Lock()
	if c.stopped || len(c.latest) == 0 {
		c.resetTimersLocked()
		c.mu.Unlock()
		return
	}

	grouped := make(map[Kind][]string)
	for _, name := range c.order {
		k := c.latest[name]
		grouped[k] = append(grouped[k], name)
	}
	c.latest = make(map[string]Kind)
	c.order = nil
	c.resetTimersLocked()
	c.mu.Unlock()

	kinds := make([]Kind, 0, len(grouped))
	for k := range grouped {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	evs := make([]MemberEvent, 0, len(kinds))
	for _, k := range kinds {
		evs = append(evs, MemberEvent{Kind: k, Members: grouped[k]})
	}
	c.flush(evs)
}

func (c *memberEventCoalescer) resetTimersLocked() {
	if c.quiescentTimer != nil {
		c.quiescentTimer.Stop()
		c.quiescentTimer = nil
	}
	if c.windowTimer != nil {
		c.windowTimer.Stop()
		c.windowTimer = nil
	}
}

func (c *memberEventCoalescer) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.resetTimersLocked()
}
