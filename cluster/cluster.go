package cluster

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	events "github.com/docker/go-events"

	"github.com/BoolHak/NSerfProject-sub006/broadcast"
	"github.com/BoolHak/NSerfProject-sub006/event"
	"github.com/BoolHak/NSerfProject-sub006/keymanager"
	"github.com/BoolHak/NSerfProject-sub006/lamport"
	"github.com/BoolHak/NSerfProject-sub006/member"
	"github.com/BoolHak/NSerfProject-sub006/proto"
	"github.com/BoolHak/NSerfProject-sub006/query"
	"github.com/BoolHak/NSerfProject-sub006/security"
	"github.com/BoolHak/NSerfProject-sub006/snapshot"
	"github.com/BoolHak/NSerfProject-sub006/swim"
	"github.com/BoolHak/NSerfProject-sub006/transport"
)

// LifecycleState is the coordinator's own position in the §4.12 lifecycle,
// distinct from any one member's Status.
type LifecycleState int32

const (
	StateAlive LifecycleState = iota
	StateLeaving
	StateLeft
	StateShutdown
)

// Cluster is the coordination engine of spec §4.12: it owns the member,
// event, query, snapshot and key managers, and wires them to a swim.Engine
// via swim.Delegates, closing the cycle spec §9 calls "cutting the cycle at
// construction time".
type Cluster struct {
	cfg    *Config
	logger *logrus.Entry

	memberClock *lamport.Clock
	eventClock  *lamport.Clock
	queryClock  *lamport.Clock

	members *member.Manager
	events  *event.Manager
	queries *query.Manager
	keys    *keymanager.Manager
	snap    *snapshot.Snapshotter

	queue  *broadcast.TransmitLimitedQueue
	engine *swim.Engine

	recoveredAlive []snapshot.ReconnectCandidate

	state        int32 // atomic LifecycleState
	stateLock    sync.Mutex
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// Create builds a Cluster bound to transport tr. The local node is
// registered Alive in both the gossip engine and the member manager; no
// background loop runs until Start is called.
func Create(cfg *Config, tr transport.Transport) (*Cluster, error) {
	if cfg.NodeName == "" {
		return nil, errors.New("cluster: NodeName is required")
	}
	if cfg.Swim == nil {
		cfg.Swim = swim.DefaultConfig()
	}
	cfg.Swim.Name = cfg.NodeName
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	c := &Cluster{
		cfg:         cfg,
		logger:      cfg.Logger,
		memberClock: &lamport.Clock{},
		eventClock:  &lamport.Clock{},
		queryClock:  &lamport.Clock{},
		shutdownCh:  make(chan struct{}),
	}

	recovered := &snapshot.RecoveredState{}
	if cfg.SnapshotPath != "" {
		r, err := snapshot.Recover(cfg.SnapshotPath)
		if err != nil {
			return nil, errors.Wrap(err, "cluster: recover snapshot")
		}
		recovered = r
	}
	c.memberClock.Witness(recovered.Clock)
	c.eventClock.Witness(recovered.EventClock)
	c.queryClock.Witness(recovered.QueryClock)
	c.recoveredAlive = recovered.Alive

	members, err := member.NewManager()
	if err != nil {
		return nil, errors.Wrap(err, "cluster: build member manager")
	}
	c.members = members

	c.queue = &broadcast.TransmitLimitedQueue{
		NumNodes:       func() int { return c.members.GetMemberCount() },
		RetransmitMult: cfg.BroadcastRetransmitMult,
	}

	c.events = event.NewManager(c.eventClock, c.queue, cfg.EventChBufferSize, c.logger)
	c.events.SetMinTime(recovered.EventClock)
	if cfg.MemberEventCoalescePeriod > 0 && cfg.MemberEventQuiescentPeriod > 0 {
		c.events.EnableMemberEventCoalescing(cfg.MemberEventQuiescentPeriod, cfg.MemberEventCoalescePeriod)
	}

	c.queries = query.NewManager(c.queryClock, cfg.NodeName, c.tagsFn, c.queue, c, c.peerPicker, cfg.QueryChBufferSize, c.logger)
	c.queries.SetMinTime(recovered.QueryClock)
	c.queries.RegisterInternalHandler(query.QueryConflict, c.handleConflictQuery)
	c.queries.RegisterInternalHandler(query.QueryPing, c.handlePingQuery)

	keyring := cfg.Swim.Keyring
	if keyring == nil && cfg.KeyringPath != "" {
		primary, extra, err := keymanager.LoadKeyringFile(cfg.KeyringPath)
		if err != nil {
			return nil, errors.Wrap(err, "cluster: load keyring file")
		}
		keyring, err = security.NewKeyring(primary, extra...)
		if err != nil {
			return nil, errors.Wrap(err, "cluster: build keyring")
		}
		cfg.Swim.Keyring = keyring
	}
	if keyring != nil {
		c.keys = keymanager.New(c.queries, keyring, cfg.KeyringPath, cfg.QueryTimeout)
	}

	if cfg.SnapshotPath != "" {
		snap, err := snapshot.NewSnapshotter(cfg.SnapshotPath, cfg.SnapshotMaxSizeBytes, cfg.SnapshotCompactInterval, cfg.SnapshotQueueLen, c.logger)
		if err != nil {
			return nil, errors.Wrap(err, "cluster: build snapshotter")
		}
		c.snap = snap
	}

	if _, err := encodeTags(cfg.Tags); err != nil {
		return nil, err
	}
	_ = members.ExecuteUnderLock(func(a member.Accessor) error {
		return a.Upsert(member.Member{
			Name:        cfg.NodeName,
			Tags:        cfg.Tags,
			Status:      member.StatusAlive,
			StatusLTime: c.memberClock.Time(),
		})
	})

	delegates := swim.Delegates{
		NotifyJoin:    c.notifyJoin,
		NotifyLeave:   c.notifyLeave,
		NotifyUpdate:  c.notifyUpdate,
		NodeMeta:      c.nodeMeta,
		HandleUserMsg: c.handleUserMsg,
		GetBroadcasts: c.queue.GetBroadcasts,
	}
	engine, err := swim.NewEngine(cfg.Swim, tr, delegates)
	if err != nil {
		return nil, errors.Wrap(err, "cluster: build swim engine")
	}
	c.engine = engine

	return c, nil
}

func (c *Cluster) nodeMeta() []byte {
	b, err := encodeTags(c.cfg.Tags)
	if err != nil {
		return nil
	}
	return b
}

func (c *Cluster) tagsFn() map[string]string { return c.cfg.Tags }

// SendToUDP implements query.Sender by routing through the gossip engine's
// label/encryption-wrapped UDP send.
func (c *Cluster) SendToUDP(addr string, msg []byte) error {
	return c.engine.SendUDP(msg, addr)
}

func (c *Cluster) peerPicker(k int) []proto.NodeAddr {
	return c.engine.RandomAlivePeers(k, c.cfg.NodeName)
}

func (c *Cluster) lifecycleState() LifecycleState {
	return LifecycleState(atomic.LoadInt32(&c.state))
}

// Start launches the gossip engine and the coordination layer's own
// background loops (reap, reconnect), and kicks off auto-rejoin against any
// nodes the recovered snapshot last saw alive.
func (c *Cluster) Start() {
	c.engine.Start()
	c.wg.Add(2)
	go c.reapLoop()
	go c.reconnectLoop()

	if len(c.recoveredAlive) > 0 {
		addrs := make([]string, 0, len(c.recoveredAlive))
		for _, cand := range c.recoveredAlive {
			addrs = append(addrs, cand.Addr)
		}
		go func() {
			if _, err := c.Join(addrs); err != nil {
				c.logger.WithError(err).Warn("cluster: auto-rejoin from snapshot failed")
			}
		}()
	}
}

// Join contacts existing via push/pull and, on at least one success,
// announces a fresh join intent for the local node cluster-wide.
func (c *Cluster) Join(existing []string) (int, error) {
	n, err := c.engine.Join(existing)
	if n > 0 {
		ltime := c.memberClock.Increment()
		_ = c.snapRecordClock()
		if berr := c.broadcastJoin(ltime); berr != nil {
			c.logger.WithError(berr).Warn("cluster: broadcast join intent failed")
		}
	}
	return n, err
}

// Leave transitions the local node through Leaving -> Left, per spec §4.12:
// a LeaveIntent against the member clock, a cluster-wide Leave broadcast
// (skipped if no other member is alive to hear it), then the gossip
// engine's own graceful departure.
func (c *Cluster) Leave(timeout time.Duration) error {
	c.stateLock.Lock()
	if c.lifecycleState() != StateAlive {
		c.stateLock.Unlock()
		return nil
	}
	atomic.StoreInt32(&c.state, int32(StateLeaving))
	c.stateLock.Unlock()

	ltime := c.memberClock.Increment()
	_ = c.members.ExecuteUnderLock(func(a member.Accessor) error {
		self, _ := a.Get(c.cfg.NodeName)
		result := member.ApplyLeaveIntent(self, ltime)
		return a.Upsert(result.New)
	})

	if c.hasAliveMembers() {
		if err := c.broadcastLeave(ltime); err != nil {
			c.logger.WithError(err).Warn("cluster: broadcast leave intent failed")
		}
		c.drainQueue(c.cfg.LeaveBroadcastTimeout)
	}

	if err := c.engine.Leave(timeout); err != nil {
		return errors.Wrap(err, "cluster: gossip engine leave failed")
	}

	_ = c.members.ExecuteUnderLock(func(a member.Accessor) error {
		self, _ := a.Get(c.cfg.NodeName)
		result := member.ApplyLeaveComplete(self)
		return a.Upsert(result.New)
	})

	atomic.StoreInt32(&c.state, int32(StateLeft))
	return nil
}

func (c *Cluster) drainQueue(timeout time.Duration) {
	deadline := time.After(timeout)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			return
		case <-tick.C:
			if c.queue.NumQueued() == 0 {
				return
			}
		}
	}
}

// Shutdown tears down every background loop, the gossip engine, and the
// snapshotter. Idempotent; warns if called without a preceding Leave.
func (c *Cluster) Shutdown() error {
	c.stateLock.Lock()
	if c.lifecycleState() == StateShutdown {
		c.stateLock.Unlock()
		return nil
	}
	if c.lifecycleState() != StateLeft {
		c.logger.Warn("cluster: shutdown called without a preceding graceful leave")
	}
	atomic.StoreInt32(&c.state, int32(StateShutdown))
	c.stateLock.Unlock()

	c.shutdownOnce.Do(func() { close(c.shutdownCh) })
	c.wg.Wait()

	if err := c.engine.Shutdown(); err != nil {
		return errors.Wrap(err, "cluster: swim engine shutdown failed")
	}
	_ = c.events.Close()

	if c.snap != nil {
		return c.snap.Shutdown()
	}
	return nil
}

// Members returns a point-in-time snapshot of every known member.
func (c *Cluster) Members() []member.Member { return c.members.GetMembers() }

// MemberCount returns the number of known members, all statuses included.
func (c *Cluster) MemberCount() int { return c.members.GetMemberCount() }

func (c *Cluster) hasAliveMembers() bool {
	for _, m := range c.members.GetMembers() {
		if m.Name == c.cfg.NodeName {
			continue
		}
		if m.Status == member.StatusAlive {
			return true
		}
	}
	return false
}

// UserEvent broadcasts a user event cluster-wide.
func (c *Cluster) UserEvent(name string, payload []byte, coalesce bool) error {
	return c.events.UserEventAsync(name, payload, coalesce)
}

// EventCh returns the channel user events and member events are delivered on.
func (c *Cluster) EventCh() <-chan events.Event { return c.events.C() }

// Query issues a cluster-wide query.
func (c *Cluster) Query(name string, payload []byte, opts query.QueryOptions) (*query.Response, error) {
	if opts.RelayFactor == 0 {
		opts.RelayFactor = c.cfg.RelayFactor
	}
	return c.queries.Query(name, payload, opts)
}

// Queries returns the channel inbound application-level queries arrive on.
func (c *Cluster) Queries() <-chan events.Event { return c.queries.Queries() }

// Keys exposes the key manager, nil if no keyring is configured.
func (c *Cluster) Keys() *keymanager.Manager { return c.keys }

func (c *Cluster) snapRecordClock() error {
	if c.snap == nil {
		return nil
	}
	return c.snap.RecordClock(c.memberClock.Time())
}
