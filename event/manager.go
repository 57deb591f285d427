// Package event implements the user-event broadcast and dedupe machinery of
// spec §4.8: UserEventAsync, a fixed-size circular dedupe buffer keyed by
// (LTime, payload hash), and a bounded subscriber channel. Grounded on the
// hashicorp-serf reference's eventBuffer/handleUserEvent/userEvents (see
// DESIGN.md).
package event

import (
	"hash/fnv"
	"sync"
	"time"

	events "github.com/docker/go-events"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/BoolHak/NSerfProject-sub006/broadcast"
	"github.com/BoolHak/NSerfProject-sub006/lamport"
	"github.com/BoolHak/NSerfProject-sub006/proto"
)

// Kind identifies what a delivered Event represents.
type Kind uint8

const (
	KindUser Kind = iota
	KindMemberJoin
	KindMemberLeave
	KindMemberFailed
	KindMemberUpdate
)

// UserEvent is delivered to subscribers for application-level events.
type UserEvent struct {
	LTime   lamport.Time
	Name    string
	Payload []byte
}

// MemberEvent is delivered for member status changes. When coalescing is
// enabled via EnableMemberEventCoalescing, adjacent events for the same node
// collapse into the latest before delivery; otherwise each is delivered as
// it occurs.
type MemberEvent struct {
	Kind    Kind
	Members []string
}

// bufferSize matches the reference implementation's default event buffer
// depth; it bounds how far back in Lamport time duplicate suppression works.
const bufferSize = 512

// slot holds every distinct payload hash witnessed at one Lamport time, since
// more than one distinct user event can share an LTime.
type slot struct {
	ltime lamport.Time
	seen  []uint64
}

// Manager is the event manager of spec §4.8.
type Manager struct {
	mu      sync.Mutex
	clock   *lamport.Clock
	minTime lamport.Time
	buffer  []slot

	queue *broadcast.TransmitLimitedQueue
	sink  *droppingSink
	ch    *events.Channel

	memberCoalesce *memberEventCoalescer

	logger *logrus.Entry
}

// NewManager creates an event manager. clock is the event-Lamport clock
// (distinct from the member and query clocks, per spec §3); queue is the
// broadcast queue UserEventAsync enqueues onto; subscriberCap bounds the
// channel returned by C().
func NewManager(clock *lamport.Clock, queue *broadcast.TransmitLimitedQueue, subscriberCap int, logger *logrus.Entry) *Manager {
	ch := events.NewChannel(subscriberCap)
	m := &Manager{
		clock:  clock,
		buffer: make([]slot, bufferSize),
		queue:  queue,
		ch:     ch,
		logger: logger,
	}
	m.sink = &droppingSink{ch: ch, onDrop: m.recordDrop}
	return m
}

// C returns the subscriber channel: user events and (when wired by the
// cluster coordinator) member events are both delivered here as Event
// values, matching the reference's single merged event channel.
func (m *Manager) C() <-chan events.Event { return m.ch.C }

// Close shuts the subscriber channel down.
func (m *Manager) Close() error {
	m.mu.Lock()
	c := m.memberCoalesce
	m.mu.Unlock()
	if c != nil {
		c.stop()
	}
	return m.ch.Close()
}

// EnableMemberEventCoalescing turns on spec §4.8's optional member-event
// coalescing: once enabled, EmitMemberEvent no longer delivers immediately
// but buffers the latest Kind per member name, flushing after quiescent
// elapses with no new event for any buffered member, or after maxWindow
// total if the stream never quiesces. Grounded on the hashicorp-serf
// reference's CoalescePeriod/QuiescentPeriod construction in serf.go (see
// DESIGN.md).
func (m *Manager) EnableMemberEventCoalescing(quiescent, maxWindow time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memberCoalesce = newMemberEventCoalescer(quiescent, maxWindow, m.flushMemberEvents)
}

func (m *Manager) flushMemberEvents(evs []MemberEvent) {
	for _, ev := range evs {
		_ = m.sink.Write(ev)
	}
}

func (m *Manager) recordDrop() {
	if m.logger != nil {
		m.logger.Warn("event: subscriber channel full, dropping event")
	}
}

// SetMinTime establishes the recovered event-clock floor (spec §4.8): events
// with LTime at or below it are ignored, set once after snapshot recovery.
func (m *Manager) SetMinTime(t lamport.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t > m.minTime {
		m.minTime = t
	}
}

func payloadHash(name string, payload []byte) uint64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write(payload)
	return h.Sum64()
}

// recordLocally marks (ltime, hash) as seen, returning false if it was
// already present (a duplicate, whether from local replay or gossip).
func (m *Manager) recordLocally(ltime lamport.Time, hash uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := int(ltime % lamport.Time(len(m.buffer)))
	s := &m.buffer[idx]
	if s.ltime != ltime {
		*s = slot{ltime: ltime}
	}
	for _, h := range s.seen {
		if h == hash {
			return false
		}
	}
	s.seen = append(s.seen, hash)
	return true
}

// UserEventAsync broadcasts a user event: increments the event clock, records
// it locally so gossiped duplicates are suppressed, enqueues it on the
// broadcast queue as a UserMsg-framed envelope, and delivers it to the local
// subscriber immediately (self always observes its own events).
func (m *Manager) UserEventAsync(name string, payload []byte, coalesce bool) error {
	ltime := m.clock.Increment()
	return m.broadcastUserEvent(ltime, name, payload, coalesce)
}

func (m *Manager) broadcastUserEvent(ltime lamport.Time, name string, payload []byte, coalesce bool) error {
	if !m.recordLocally(ltime, payloadHash(name, payload)) {
		return nil
	}

	msg := proto.UserEventMessage{LTime: ltime, Name: name, Payload: payload, Coalesce: coalesce}
	inner, err := proto.EncodeEnvelope(proto.EnvelopeUserEvent, &msg)
	if err != nil {
		return errors.Wrap(err, "event: encode user event")
	}
	outer, err := proto.Encode(proto.UserMsg, &proto.UserMsgEnvelope{Payload: inner})
	if err != nil {
		return errors.Wrap(err, "event: encode envelope frame")
	}

	m.queue.QueueBroadcast(&broadcast.TokenBroadcast{Token: broadcast.NewUniqueToken(), Msg: outer})
	_ = m.sink.Write(UserEvent{LTime: ltime, Name: name, Payload: payload})
	return nil
}

// HandleUserEventMessage processes an inbound UserEventMessage decoded from
// a peer's UserMsgEnvelope: witnesses the clock, deduplicates, and (if
// novel) re-broadcasts and delivers to the local subscriber.
func (m *Manager) HandleUserEventMessage(msg proto.UserEventMessage) {
	m.clock.Witness(msg.LTime)

	m.mu.Lock()
	belowFloor := msg.LTime <= m.minTime
	m.mu.Unlock()
	if belowFloor {
		return
	}

	_ = m.broadcastUserEvent(msg.LTime, msg.Name, msg.Payload, msg.Coalesce)
}

// EmitMemberEvent delivers a member-status change. If coalescing was turned
// on via EnableMemberEventCoalescing, the event is buffered and merged with
// any other pending event for the same member names rather than delivered
// immediately; otherwise it is written straight to the subscriber channel.
func (m *Manager) EmitMemberEvent(ev MemberEvent) {
	m.mu.Lock()
	c := m.memberCoalesce
	m.mu.Unlock()
	if c == nil {
		_ = m.sink.Write(ev)
		return
	}
	c.push(ev)
}

// droppingSink wraps an events.Channel with a non-blocking write: a full
// subscriber channel drops the event and calls onDrop rather than blocking
// the caller (spec §5's backpressure rule for the event channel).
type droppingSink struct {
	ch     *events.Channel
	onDrop func()
}

func (s *droppingSink) Write(ev events.Event) error {
	select {
	case s.ch.C <- ev:
		return nil
	default:
		if s.onDrop != nil {
			s.onDrop()
		}
		return nil
	}
}

func (s *droppingSink) Close() error { return s.ch.Close() }
