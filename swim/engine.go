package swim

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/BoolHak/NSerfProject-sub006/awareness"
	"github.com/BoolHak/NSerfProject-sub006/broadcast"
	"github.com/BoolHak/NSerfProject-sub006/proto"
	"github.com/BoolHak/NSerfProject-sub006/state"
	"github.com/BoolHak/NSerfProject-sub006/transport"
)

// compoundOverhead is the per-message framing cost reserved when packing a
// compound message, conservatively the compound header's own worst case
// per-part cost (2-byte length); the 1-byte type + 1-byte count is amortized
// once by the caller.
const compoundOverhead = 2

// Engine runs the SWIM failure-detection loop and the retransmit-limited
// gossip/anti-entropy loops over a Transport. It knows nothing about member
// status, events, or queries beyond Delegates (see delegate.go).
type Engine struct {
	cfg       *Config
	transport transport.Transport
	store     *state.Store
	queue     *broadcast.TransmitLimitedQueue
	awareness *awareness.Awareness
	delegates Delegates
	ackReg    *ackRegistry

	sequence    uint32 // atomic
	incarnation uint32 // atomic

	mu         sync.Mutex
	probeIndex int
	suspicions map[string]*suspicion

	logger *logrus.Entry

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewEngine constructs an Engine bound to transport tr, with the local node
// registered Alive at incarnation 0.
func NewEngine(cfg *Config, tr transport.Transport, delegates Delegates) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	ip, port, err := tr.FinalAdvertiseAddr()
	if err != nil {
		return nil, errors.Wrap(err, "swim: resolve advertise address")
	}
	if cfg.Addr == "" {
		cfg.Addr = ip.String()
	}
	if cfg.Port == 0 {
		cfg.Port = uint16(port)
	}

	e := &Engine{
		cfg:        cfg,
		transport:  tr,
		store:      state.NewStore(),
		awareness:  awareness.New(8, nil),
		delegates:  delegates,
		ackReg:     newAckRegistry(),
		suspicions: make(map[string]*suspicion),
		logger:     cfg.Logger,
		shutdownCh: make(chan struct{}),
	}
	e.queue = &broadcast.TransmitLimitedQueue{
		NumNodes:       func() int { return e.store.Len() },
		RetransmitMult: cfg.RetransmitMult,
	}

	self := state.NodeState{
		Node: state.Node{
			Name: cfg.Name,
			Addr: net.ParseIP(cfg.Addr),
			Port: cfg.Port,
			Meta: delegates.nodeMeta(),
			PMin: cfg.Vsn[0], PMax: cfg.Vsn[1], PCur: cfg.Vsn[2],
			DMin: cfg.Vsn[3], DMax: cfg.Vsn[4], DCur: cfg.Vsn[5],
		},
		Incarnation: 0,
		State:       state.StatusAlive,
		StateChange: time.Now().UnixNano(),
	}
	e.store.Upsert(cfg.Name, self, nil)

	return e, nil
}

func (e *Engine) nextSeqNo() uint32 {
	return atomic.AddUint32(&e.sequence, 1)
}

func (e *Engine) nextIncarnation() uint32 {
	return atomic.AddUint32(&e.incarnation, 1)
}

func (e *Engine) currentIncarnation() uint32 {
	return atomic.LoadUint32(&e.incarnation)
}

// forceIncarnation bumps the local incarnation strictly above at least,
// used when refuting a suspicion/death claim that names a higher value.
func (e *Engine) forceIncarnation(atLeast uint32) uint32 {
	for {
		cur := atomic.LoadUint32(&e.incarnation)
		if cur > atLeast {
			return cur
		}
		next := atLeast + 1
		if atomic.CompareAndSwapUint32(&e.incarnation, cur, next) {
			return next
		}
	}
}

// Self returns the local node's current recorded state.
func (e *Engine) Self() state.NodeState {
	ns, _ := e.store.Get(e.cfg.Name)
	return ns
}

// Store exposes the underlying node-state store for read-only inspection
// (member count, snapshot, etc.) by the coordination layer.
func (e *Engine) Store() *state.Store { return e.store }

// Start launches the engine's background loops. Must be called once.
func (e *Engine) Start() {
	e.wg.Add(5)
	go e.probeLoop()
	go e.gossipLoop()
	go e.pushPullLoop()
	go e.packetLoop()
	go e.streamLoop()
}

// Shutdown stops every background loop and tears down the transport.
func (e *Engine) Shutdown() error {
	e.shutdownOnce.Do(func() { close(e.shutdownCh) })
	e.wg.Wait()
	return e.transport.Shutdown()
}

// Join contacts each address in existing via push/pull and merges their
// state. Returns the number of addresses successfully contacted.
func (e *Engine) Join(existing []string) (int, error) {
	var successes int
	var lastErr error
	for _, addr := range existing {
		if err := e.pushPullNode(addr, true); err != nil {
			lastErr = err
			e.logger.WithError(err).WithField("addr", addr).Warn("swim: join push/pull failed")
			continue
		}
		successes++
	}
	if successes == 0 && lastErr != nil {
		return 0, errors.Wrap(lastErr, "swim: failed to join any address")
	}
	return successes, nil
}

// Leave announces a graceful departure (Dead with From==Node) and gives the
// broadcast queue up to timeout to drain before returning.
func (e *Engine) Leave(timeout time.Duration) error {
	inc := e.nextIncarnation()
	self, _ := e.store.Get(e.cfg.Name)
	self.Incarnation = inc
	self.State = state.StatusLeft
	self.StateChange = time.Now().UnixNano()
	e.store.Upsert(e.cfg.Name, self, func(state.NodeState) (state.NodeState, bool) { return self, true })

	d := &proto.Dead{Incarnation: inc, Node: e.cfg.Name, From: e.cfg.Name}
	e.broadcastDead(d)

	deadline := time.After(timeout)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			return nil
		case <-tick.C:
			if e.queue.NumQueued() == 0 {
				return nil
			}
		}
	}
}

func (e *Engine) localAddr(ns state.NodeState) string {
	return net.JoinHostPort(ns.Addr.String(), strconv.Itoa(int(ns.Port)))
}

// SendUDP sends an already-framed message directly to addr, applying the
// same label/encryption wrapping as gossip traffic. Exposed for the query
// manager's direct ack/response/relay sends, which bypass the broadcast
// queue (spec §4.9).
func (e *Engine) SendUDP(msg []byte, addr string) error {
	e.sendRaw(msg, addr)
	return nil
}

// RandomAlivePeers returns up to k random live peers (excluding name) as
// wire addresses, for the query manager's relay fan-out.
func (e *Engine) RandomAlivePeers(k int, excludeName string) []proto.NodeAddr {
	peers := e.store.RandomPeers(k, map[string]bool{excludeName: true}, true)
	out := make([]proto.NodeAddr, 0, len(peers))
	for _, p := range peers {
		out = append(out, proto.NodeAddr{Name: p.Name, Addr: p.Addr, Port: p.Port})
	}
	return out
}
