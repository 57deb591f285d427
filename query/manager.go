// Package query implements the query manager of spec §4.9: query issue with
// async ack/response iterables, dedupe-and-evaluate on receive, relay through
// K random peers, and a prefix-dispatched internal-query surface shared by
// the key manager, conflict resolution, and ping-by-name. Grounded on spec
// §4.9 directly, reusing the dedupe-buffer shape of the event manager
// (itself grounded on the hashicorp-serf eventBuffer) keyed by (LTime, ID)
// instead of (LTime, payload hash).
package query

import (
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	events "github.com/docker/go-events"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/BoolHak/NSerfProject-sub006/broadcast"
	"github.com/BoolHak/NSerfProject-sub006/lamport"
	"github.com/BoolHak/NSerfProject-sub006/proto"
)

// InternalQueryPrefix marks a query name as subsystem-owned rather than
// application-level (spec §4.9's "Handlers are dispatched by a leading name
// prefix").
const InternalQueryPrefix = "_nserf_"

// Well-known internal query names.
const (
	QueryConflict   = InternalQueryPrefix + "conflict"
	QueryInstallKey = InternalQueryPrefix + "install-key"
	QueryUseKey     = InternalQueryPrefix + "use-key"
	QueryRemoveKey  = InternalQueryPrefix + "remove-key"
	QueryListKeys   = InternalQueryPrefix + "list-keys"
	QueryPing       = InternalQueryPrefix + "ping"
)

// bufferSize bounds how many (LTime, ID) pairs the dedupe ring remembers.
const bufferSize = 1024

type slot struct {
	ltime lamport.Time
	ids   []uint32
}

// Sender is the minimal outbound capability the query manager needs from the
// transport layer: a direct, best-effort UDP send to an arbitrary address.
type Sender interface {
	SendToUDP(addr string, msg []byte) error
}

// PeerPicker returns up to k random live peer addresses, excluding none in
// particular (relay fan-out doesn't need to avoid any one node).
type PeerPicker func(k int) []proto.NodeAddr

// InternalHandler answers a subsystem-owned query. respond indicates whether
// a QueryResponseMessage carrying payload should be sent back.
type InternalHandler func(msg proto.QueryMessage) (respond bool, payload []byte, err error)

// Query is an inbound application-level query surfaced to the user.
type Query struct {
	proto.QueryMessage
	mgr *Manager
}

// Respond answers the query. It does not check the query's deadline: the
// response is sent even after the deadline has passed.
func (q *Query) Respond(payload []byte) error {
	return q.mgr.sendResponse(q.QueryMessage, payload)
}

// Manager is the query manager of spec §4.9.
type Manager struct {
	mu      sync.Mutex
	clock   *lamport.Clock
	minTime lamport.Time
	buffer  []slot
	pending map[uint32]*Response
	internal map[string]InternalHandler

	selfName string
	tagsFn   func() map[string]string

	queue  *broadcast.TransmitLimitedQueue
	sender Sender
	peers  PeerPicker

	userCh *events.Channel
	logger *logrus.Entry
}

// NewManager creates a query manager.
//
// clock is the query-Lamport clock (distinct from the member and event
// clocks). selfName/tagsFn identify the local node for filter evaluation and
// self-origination checks. queue is the broadcast queue queries are
// gossiped on; sender performs direct UDP replies/relays; peers selects
// relay targets; userChCap bounds the channel Queries() returns.
func NewManager(clock *lamport.Clock, selfName string, tagsFn func() map[string]string, queue *broadcast.TransmitLimitedQueue, sender Sender, peers PeerPicker, userChCap int, logger *logrus.Entry) *Manager {
	return &Manager{
		clock:    clock,
		buffer:   make([]slot, bufferSize),
		pending:  make(map[uint32]*Response),
		internal: make(map[string]InternalHandler),
		selfName: selfName,
		tagsFn:   tagsFn,
		queue:    queue,
		sender:   sender,
		peers:    peers,
		userCh:   events.NewChannel(userChCap),
		logger:   logger,
	}
}

// Queries returns the channel application-level inbound queries arrive on.
func (m *Manager) Queries() <-chan events.Event { return m.userCh.C }

// RegisterInternalHandler wires a subsystem handler for one internal query
// name (one of the Query* constants, or a caller-defined one).
func (m *Manager) RegisterInternalHandler(name string, h InternalHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.internal[name] = h
}

// SetMinTime establishes the recovered query-clock floor, mirroring the
// event manager's recovery filter.
func (m *Manager) SetMinTime(t lamport.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t > m.minTime {
		m.minTime = t
	}
}

func (m *Manager) recordSeen(ltime lamport.Time, id uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := int(ltime % lamport.Time(len(m.buffer)))
	s := &m.buffer[idx]
	if s.ltime != ltime {
		*s = slot{ltime: ltime}
	}
	for _, existing := range s.ids {
		if existing == id {
			return false
		}
	}
	s.ids = append(s.ids, id)
	return true
}

// QueryOptions configures an outbound query.
type QueryOptions struct {
	Timeout     time.Duration
	RequestAck  bool
	RelayFactor uint8
	Filters     [][]byte
}

// Query issues a cluster-wide query, per spec §4.9.
func (m *Manager) Query(name string, payload []byte, opts QueryOptions) (*Response, error) {
	ltime := m.clock.Increment()
	id := rand.Uint32()

	flags := uint32(0)
	if opts.RequestAck {
		flags |= proto.QueryFlagAck
	}
	msg := proto.QueryMessage{
		ID:          id,
		LTime:       ltime,
		Name:        name,
		Payload:     payload,
		Filters:     opts.Filters,
		Requester:   proto.NodeAddr{Name: m.selfName},
		Flags:       flags,
		RelayFactor: opts.RelayFactor,
		Timeout:     int64(opts.Timeout),
	}

	if !m.recordSeen(ltime, id) {
		return nil, errors.New("query: local id collision")
	}

	resp := newResponse(opts.Timeout)
	m.mu.Lock()
	m.pending[id] = resp
	m.mu.Unlock()

	go func() {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-resp.Done():
		}
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
		resp.Close()
	}()

	if err := m.broadcastQuery(&msg); err != nil {
		return nil, err
	}

	// Internal queries (key manager, conflict resolution, ping) are meant to
	// reach every live node including the issuer, and gossip never loops a
	// broadcast back to its own sender, so the issuer dispatches its own
	// internal handler directly. An application-level query is never
	// delivered to its own issuer, and the issuer's filters are not
	// evaluated for it.
	m.deliverOrDispatch(msg)

	return resp, nil
}

func (m *Manager) broadcastQuery(msg *proto.QueryMessage) error {
	inner, err := proto.EncodeEnvelope(proto.EnvelopeQuery, msg)
	if err != nil {
		return errors.Wrap(err, "query: encode query")
	}
	outer, err := proto.Encode(proto.UserMsg, &proto.UserMsgEnvelope{Payload: inner})
	if err != nil {
		return errors.Wrap(err, "query: encode frame")
	}
	m.queue.QueueBroadcast(&broadcast.TokenBroadcast{Token: broadcast.NewUniqueToken(), Msg: outer})
	return nil
}

// HandleQueryMessage processes an inbound QueryMessage decoded from a peer's
// UserMsgEnvelope.
func (m *Manager) HandleQueryMessage(msg proto.QueryMessage) {
	m.clock.Witness(msg.LTime)

	m.mu.Lock()
	belowFloor := msg.LTime <= m.minTime
	m.mu.Unlock()
	if belowFloor {
		return
	}
	if !m.recordSeen(msg.LTime, msg.ID) {
		return
	}

	_ = m.broadcastQuery(&msg) // continue gossiping to the rest of the cluster
	m.deliverOrDispatch(msg)
}

func (m *Manager) deliverOrDispatch(msg proto.QueryMessage) {
	if strings.HasPrefix(msg.Name, InternalQueryPrefix) {
		m.dispatchInternal(msg)
		return
	}

	if msg.Requester.Name == m.selfName {
		return
	}

	var tags map[string]string
	if m.tagsFn != nil {
		tags = m.tagsFn()
	}
	if !EvaluateFilters(msg.Filters, m.selfName, tags) {
		return
	}

	select {
	case m.userCh.C <- &Query{QueryMessage: msg, mgr: m}:
	default:
		if m.logger != nil {
			m.logger.Warn("query: subscriber channel full, dropping query")
		}
	}

	if msg.Flags&proto.QueryFlagAck != 0 {
		m.sendAck(msg)
	}
}

func (m *Manager) dispatchInternal(msg proto.QueryMessage) {
	m.mu.Lock()
	h, ok := m.internal[msg.Name]
	m.mu.Unlock()
	if !ok {
		return
	}

	respond, payload, err := h(msg)
	if err != nil && m.logger != nil {
		m.logger.WithError(err).Warnf("query: internal handler %q failed", msg.Name)
	}
	if msg.Flags&proto.QueryFlagAck != 0 {
		m.sendAck(msg)
	}
	if respond {
		_ = m.sendResponse(msg, payload)
	}
}

func (m *Manager) sendAck(msg proto.QueryMessage) error {
	resp := proto.QueryResponseMessage{
		LTime: m.clock.Time(),
		ID:    msg.ID,
		From:  proto.NodeAddr{Name: m.selfName},
		Ack:   true,
	}
	return m.sendQueryResponse(msg, &resp)
}

func (m *Manager) sendResponse(msg proto.QueryMessage, payload []byte) error {
	resp := proto.QueryResponseMessage{
		LTime:   m.clock.Time(),
		ID:      msg.ID,
		From:    proto.NodeAddr{Name: m.selfName},
		Payload: payload,
	}
	return m.sendQueryResponse(msg, &resp)
}

func (m *Manager) sendQueryResponse(msg proto.QueryMessage, resp *proto.QueryResponseMessage) error {
	// The issuer is also where every internal query is dispatched locally
	// (deliverOrDispatch), so a self-addressed response never needs the
	// wire: deliver it straight to the pending Response.
	if msg.Requester.Name == m.selfName {
		m.mu.Lock()
		pending, ok := m.pending[msg.ID]
		m.mu.Unlock()
		if ok {
			if resp.Ack {
				pending.deliverAck(resp.From.Name)
			} else {
				pending.deliverResponse(resp.From.Name, resp.Payload)
			}
		}
		return nil
	}

	inner, err := proto.EncodeEnvelope(proto.EnvelopeQueryResponse, resp)
	if err != nil {
		return errors.Wrap(err, "query: encode response")
	}
	outer, err := proto.Encode(proto.UserMsg, &proto.UserMsgEnvelope{Payload: inner})
	if err != nil {
		return errors.Wrap(err, "query: encode response frame")
	}

	if m.sender == nil {
		return nil
	}

	if addr, ok := nodeAddrString(msg.Requester); ok {
		_ = m.sender.SendToUDP(addr, outer)
	}

	m.relay(msg.Requester, outer, msg.RelayFactor)
	return nil
}

func (m *Manager) relay(target proto.NodeAddr, frame []byte, factor uint8) {
	if factor == 0 || m.peers == nil {
		return
	}
	relayMsg := proto.RelayMessage{Target: target, Payload: frame}
	inner, err := proto.EncodeEnvelope(proto.EnvelopeRelay, &relayMsg)
	if err != nil {
		return
	}
	outer, err := proto.Encode(proto.UserMsg, &proto.UserMsgEnvelope{Payload: inner})
	if err != nil {
		return
	}

	for _, peer := range m.peers(int(factor)) {
		if addr, ok := nodeAddrString(peer); ok {
			_ = m.sender.SendToUDP(addr, outer)
		}
	}
}

// HandleQueryResponseMessage delivers an inbound ack or response to the
// matching in-flight Response, if any (a late arrival after the deadline is
// silently dropped).
func (m *Manager) HandleQueryResponseMessage(msg proto.QueryResponseMessage) {
	m.clock.Witness(msg.LTime)

	m.mu.Lock()
	resp, ok := m.pending[msg.ID]
	m.mu.Unlock()
	if !ok {
		return
	}

	if msg.Ack {
		resp.deliverAck(msg.From.Name)
	} else {
		resp.deliverResponse(msg.From.Name, msg.Payload)
	}
}

// HandleRelayMessage forwards rm.Payload on toward rm.Target, one hop, for a
// peer that was asked to help relay a response (spec §4.9).
func (m *Manager) HandleRelayMessage(rm proto.RelayMessage) {
	if m.sender == nil {
		return
	}
	if addr, ok := nodeAddrString(rm.Target); ok {
		_ = m.sender.SendToUDP(addr, rm.Payload)
	}
}

func nodeAddrString(n proto.NodeAddr) (string, bool) {
	if len(n.Addr) == 0 {
		return "", false
	}
	return net.JoinHostPort(net.IP(n.Addr).String(), strconv.Itoa(int(n.Port))), true
}
