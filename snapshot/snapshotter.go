// Package snapshot implements the durability log of spec §4.10: a
// line-oriented append-only text file, single-writer-goroutine draining a
// bounded queue, periodic compaction, recovery of the three Lamport clocks
// and the previously-alive set, and a graceful "leave" marker on shutdown.
// No reference file in the corpus covers this concern directly; the
// dedicated-goroutine-selecting-on-a-ticker-and-shutdown-channel shape
// follows the hashicorp-serf reference's handleReap/handleReconnect pattern
// (see DESIGN.md).
package snapshot

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	atomicwriter "github.com/moby/sys/atomicwriter"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/BoolHak/NSerfProject-sub006/lamport"
)

// RecordKind is the leading token of one snapshot log line.
type RecordKind uint8

const (
	RecordAlive RecordKind = iota
	RecordNotAlive
	RecordClock
	RecordEventClock
	RecordQueryClock
	RecordLeave
)

// Record is one durability-queue entry. Name/Addr are set for
// Alive/NotAlive; Time is set for the three clock kinds.
type Record struct {
	Kind RecordKind
	Name string
	Addr string
	Time lamport.Time
}

// ReconnectCandidate is a node the recovered log last saw as alive.
type ReconnectCandidate struct {
	Name string
	Addr string
}

// RecoveredState is what Recover reconstructs from an existing log.
type RecoveredState struct {
	Clock      lamport.Time
	EventClock lamport.Time
	QueryClock lamport.Time
	Alive      []ReconnectCandidate
	// GracefulExit is true if the log's last line was a "leave" marker,
	// meaning the previous run shut down cleanly rather than crashing.
	GracefulExit bool
}

// Recover reads path and reconstructs the clocks and alive set, per spec
// §4.10. A missing file recovers to a zero state without error (first run).
func Recover(path string) (*RecoveredState, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return &RecoveredState{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "snapshot: open for recovery")
	}
	defer f.Close()

	alive := make(map[string]string)
	state := &RecoveredState{}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		state.GracefulExit = false

		switch {
		case strings.HasPrefix(line, "alive: "):
			rest := strings.TrimPrefix(line, "alive: ")
			parts := strings.SplitN(rest, " ", 2)
			if len(parts) == 2 {
				alive[parts[0]] = parts[1]
			}
		case strings.HasPrefix(line, "not-alive: "):
			delete(alive, strings.TrimPrefix(line, "not-alive: "))
		case strings.HasPrefix(line, "clock: "):
			if v, ok := parseClock(line, "clock: "); ok && v > state.Clock {
				state.Clock = v
			}
		case strings.HasPrefix(line, "event-clock: "):
			if v, ok := parseClock(line, "event-clock: "); ok && v > state.EventClock {
				state.EventClock = v
			}
		case strings.HasPrefix(line, "query-clock: "):
			if v, ok := parseClock(line, "query-clock: "); ok && v > state.QueryClock {
				state.QueryClock = v
			}
		case line == "leave":
			state.GracefulExit = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "snapshot: scan")
	}

	for name, addr := range alive {
		state.Alive = append(state.Alive, ReconnectCandidate{Name: name, Addr: addr})
	}
	return state, nil
}

func parseClock(line, prefix string) (lamport.Time, bool) {
	v, err := strconv.ParseUint(strings.TrimPrefix(line, prefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return lamport.Time(v), true
}

// Snapshotter is the runtime writer side of spec §4.10.
type Snapshotter struct {
	path         string
	maxSizeBytes int64

	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	offset int64

	alive                                  map[string]string
	lastClock, lastEventClock, lastQuery lamport.Time

	queue      chan Record
	shutdownCh chan struct{}
	doneCh     chan struct{}

	logger *logrus.Entry
}

// NewSnapshotter opens (creating if absent) path for append and starts the
// single writer goroutine. maxSizeBytes is the compaction trigger;
// compactInterval is how often a periodic size check runs even absent new
// writes; queueLen bounds the durability queue.
func NewSnapshotter(path string, maxSizeBytes int64, compactInterval time.Duration, queueLen int, logger *logrus.Entry) (*Snapshotter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "snapshot: open for append")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "snapshot: stat")
	}

	s := &Snapshotter{
		path:         path,
		maxSizeBytes: maxSizeBytes,
		f:            f,
		w:            bufio.NewWriter(f),
		offset:       info.Size(),
		alive:        make(map[string]string),
		queue:        make(chan Record, queueLen),
		shutdownCh:   make(chan struct{}),
		doneCh:       make(chan struct{}),
		logger:       logger,
	}
	go s.run(compactInterval)
	return s, nil
}

func (s *Snapshotter) run(compactInterval time.Duration) {
	defer close(s.doneCh)

	ticker := time.NewTicker(compactInterval)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-s.queue:
			if !ok {
				return
			}
			s.apply(rec)
		case <-ticker.C:
			s.maybeCompact()
		case <-s.shutdownCh:
			s.drainAndClose()
			return
		}
	}
}

func (s *Snapshotter) drainAndClose() {
	for {
		select {
		case rec, ok := <-s.queue:
			if !ok {
				s.finalClose()
				return
			}
			s.apply(rec)
		default:
			s.finalClose()
			return
		}
	}
}

func (s *Snapshotter) finalClose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	s.f.Close()
}

// enqueue submits a durability record; a full queue drops it and reports an
// error, per spec §5 ("losses here are fatal to durability guarantees and
// emit an error").
func (s *Snapshotter) enqueue(rec Record) error {
	select {
	case s.queue <- rec:
		return nil
	default:
		if s.logger != nil {
			s.logger.Error("snapshot: queue full, dropping durability record")
		}
		return errors.New("snapshot: queue full, record dropped")
	}
}

// RecordAlive durably records that name (at addr) is alive.
func (s *Snapshotter) RecordAlive(name, addr string) error {
	return s.enqueue(Record{Kind: RecordAlive, Name: name, Addr: addr})
}

// RecordNotAlive durably records that name is no longer alive (left/failed).
func (s *Snapshotter) RecordNotAlive(name string) error {
	return s.enqueue(Record{Kind: RecordNotAlive, Name: name})
}

// RecordClock durably records the current member-intent Lamport clock.
func (s *Snapshotter) RecordClock(t lamport.Time) error {
	return s.enqueue(Record{Kind: RecordClock, Time: t})
}

// RecordEventClock durably records the current event Lamport clock.
func (s *Snapshotter) RecordEventClock(t lamport.Time) error {
	return s.enqueue(Record{Kind: RecordEventClock, Time: t})
}

// RecordQueryClock durably records the current query Lamport clock.
func (s *Snapshotter) RecordQueryClock(t lamport.Time) error {
	return s.enqueue(Record{Kind: RecordQueryClock, Time: t})
}

// Shutdown appends the graceful "leave" marker, drains the queue, flushes,
// and closes the file. Idempotent.
func (s *Snapshotter) Shutdown() error {
	select {
	case <-s.doneCh:
		return nil
	default:
	}

	s.queue <- Record{Kind: RecordLeave}
	close(s.shutdownCh)
	<-s.doneCh
	return nil
}

func (s *Snapshotter) apply(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var line string
	switch rec.Kind {
	case RecordAlive:
		s.alive[rec.Name] = rec.Addr
		line = fmt.Sprintf("alive: %s %s\n", rec.Name, rec.Addr)
	case RecordNotAlive:
		delete(s.alive, rec.Name)
		line = fmt.Sprintf("not-alive: %s\n", rec.Name)
	case RecordClock:
		s.lastClock = rec.Time
		line = fmt.Sprintf("clock: %d\n", uint64(rec.Time))
	case RecordEventClock:
		s.lastEventClock = rec.Time
		line = fmt.Sprintf("event-clock: %d\n", uint64(rec.Time))
	case RecordQueryClock:
		s.lastQuery = rec.Time
		line = fmt.Sprintf("query-clock: %d\n", uint64(rec.Time))
	case RecordLeave:
		line = "leave\n"
	default:
		return
	}

	n, err := s.w.WriteString(line)
	if err != nil {
		if s.logger != nil {
			s.logger.WithError(err).Error("snapshot: write failed")
		}
		return
	}
	if err := s.w.Flush(); err != nil {
		if s.logger != nil {
			s.logger.WithError(err).Error("snapshot: flush failed")
		}
		return
	}
	s.offset += int64(n)

	// The leave marker is never compacted away: it stays the file's last line.
	if s.offset > s.maxSizeBytes && rec.Kind != RecordLeave {
		s.compactLocked()
	}
}

func (s *Snapshotter) maybeCompact() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offset > s.maxSizeBytes {
		s.compactLocked()
	}
}

// compactLocked must be called with s.mu held. It writes a compact snapshot
// (current alive set + current three clocks) to a tmp file and atomically
// renames it over path, then reopens for append at the new, smaller size.
func (s *Snapshotter) compactLocked() {
	var buf bytes.Buffer
	for name, addr := range s.alive {
		fmt.Fprintf(&buf, "alive: %s %s\n", name, addr)
	}
	fmt.Fprintf(&buf, "clock: %d\n", uint64(s.lastClock))
	fmt.Fprintf(&buf, "event-clock: %d\n", uint64(s.lastEventClock))
	fmt.Fprintf(&buf, "query-clock: %d\n", uint64(s.lastQuery))

	if err := atomicwriter.WriteFile(s.path, buf.Bytes(), 0o644); err != nil {
		if s.logger != nil {
			s.logger.WithError(err).Error("snapshot: compaction failed")
		}
		return
	}

	s.w.Flush()
	s.f.Close()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		if s.logger != nil {
			s.logger.WithError(err).Error("snapshot: reopen after compaction failed")
		}
		return
	}
	s.f = f
	s.w = bufio.NewWriter(f)
	s.offset = int64(buf.Len())
}
