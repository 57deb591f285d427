package cluster

import (
	"bytes"
	"net"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/pkg/errors"

	"github.com/BoolHak/NSerfProject-sub006/broadcast"
	"github.com/BoolHak/NSerfProject-sub006/event"
	"github.com/BoolHak/NSerfProject-sub006/lamport"
	"github.com/BoolHak/NSerfProject-sub006/member"
	"github.com/BoolHak/NSerfProject-sub006/proto"
	"github.com/BoolHak/NSerfProject-sub006/query"
	"github.com/BoolHak/NSerfProject-sub006/state"
)

// memberFromNodeState refreshes old's identity/tags from an authoritative
// gossip-engine record, leaving Status/StatusLTime/LeaveTime for the caller
// to set via one of the member package's Apply* transitions.
func memberFromNodeState(old member.Member, ns state.NodeState) member.Member {
	m := old
	m.Name = ns.Name
	m.Addr = ns.Addr
	m.Port = ns.Port
	m.Tags = decodeTags(ns.Meta)
	return m
}

// notifyJoin handles an authoritative gossip-engine join (direct Alive or a
// push/pull merge bringing a node in for the first time), per spec §4.6's
// MemberlistJoin transition.
func (c *Cluster) notifyJoin(ns state.NodeState) {
	var result member.TransitionResult
	_ = c.members.ExecuteUnderLock(func(a member.Accessor) error {
		old, _ := a.Get(ns.Name)
		result = member.ApplyMemberlistJoin(memberFromNodeState(old, ns))
		return a.Upsert(result.New)
	})
	if c.snap != nil {
		_ = c.snap.RecordAlive(ns.Name, ns.Address())
	}
	if result.Changed() {
		c.events.EmitMemberEvent(event.MemberEvent{Kind: event.KindMemberJoin, Members: []string{ns.Name}})
	}
}

// notifyLeave handles an authoritative gossip-engine departure (Dead or
// Left), per spec §4.6's MemberlistLeave transition. isDead distinguishes a
// non-graceful failure from a graceful departure.
func (c *Cluster) notifyLeave(ns state.NodeState) {
	isDead := ns.State == state.StatusDead

	var result member.TransitionResult
	_ = c.members.ExecuteUnderLock(func(a member.Accessor) error {
		old, _ := a.Get(ns.Name)
		result = member.ApplyMemberlistLeave(memberFromNodeState(old, ns), isDead)
		return a.Upsert(result.New)
	})
	if c.snap != nil {
		_ = c.snap.RecordNotAlive(ns.Name)
	}
	if !result.Changed() {
		return
	}
	kind := event.KindMemberLeave
	if isDead {
		kind = event.KindMemberFailed
	}
	c.events.EmitMemberEvent(event.MemberEvent{Kind: kind, Members: []string{ns.Name}})
}

// notifyUpdate handles any other accepted gossip-engine change (incarnation
// bump, metadata/tag change, Suspect) that isn't itself a join or leave.
func (c *Cluster) notifyUpdate(ns state.NodeState) {
	_ = c.members.ExecuteUnderLock(func(a member.Accessor) error {
		old, ok := a.Get(ns.Name)
		if !ok {
			return nil
		}
		return a.Upsert(memberFromNodeState(old, ns))
	})
	c.events.EmitMemberEvent(event.MemberEvent{Kind: event.KindMemberUpdate, Members: []string{ns.Name}})
}

// handleUserMsg is the swim.Delegates.HandleUserMsg implementation: it
// decodes the envelope-tagged payload and routes it to the event manager,
// the query manager, or this package's own join/leave intent handlers.
func (c *Cluster) handleUserMsg(t proto.EnvelopeType, payload []byte) {
	switch t {
	case proto.EnvelopeUserEvent:
		var msg proto.UserEventMessage
		if err := proto.Decode(payload, &msg); err != nil {
			c.logger.WithError(err).Warn("cluster: decode user event failed")
			return
		}
		c.events.HandleUserEventMessage(msg)

	case proto.EnvelopeQuery:
		var msg proto.QueryMessage
		if err := proto.Decode(payload, &msg); err != nil {
			c.logger.WithError(err).Warn("cluster: decode query failed")
			return
		}
		c.queries.HandleQueryMessage(msg)

	case proto.EnvelopeQueryResponse:
		var msg proto.QueryResponseMessage
		if err := proto.Decode(payload, &msg); err != nil {
			c.logger.WithError(err).Warn("cluster: decode query response failed")
			return
		}
		c.queries.HandleQueryResponseMessage(msg)

	case proto.EnvelopeMemberJoin:
		var msg proto.MemberJoinMessage
		if err := proto.Decode(payload, &msg); err != nil {
			c.logger.WithError(err).Warn("cluster: decode join intent failed")
			return
		}
		c.handleJoinIntent(msg)

	case proto.EnvelopeMemberLeave:
		var msg proto.MemberLeaveMessage
		if err := proto.Decode(payload, &msg); err != nil {
			c.logger.WithError(err).Warn("cluster: decode leave intent failed")
			return
		}
		c.handleLeaveIntent(msg)

	default:
		c.logger.WithField("envelope", t).Debug("cluster: unrecognized envelope type")
	}
}

func (c *Cluster) handleJoinIntent(msg proto.MemberJoinMessage) {
	c.memberClock.Witness(msg.LTime)

	var result member.TransitionResult
	_ = c.members.ExecuteUnderLock(func(a member.Accessor) error {
		old, ok := a.Get(msg.Node)
		if !ok {
			old = member.Member{Name: msg.Node}
		}
		result = member.ApplyJoinIntent(old, msg.LTime)
		if result.Kind == member.Rejected {
			return nil
		}
		return a.Upsert(result.New)
	})
	if result.Kind == member.Rejected {
		return
	}
	// Continue the epidemic spread, the way the event/query managers
	// re-broadcast an accepted inbound message; StatusLTime's monotonic
	// gate (checked above) stops this from looping forever.
	if err := c.sendMemberMsg(proto.EnvelopeMemberJoin, &msg, "member-join:"+msg.Node); err != nil {
		c.logger.WithError(err).Warn("cluster: re-broadcast join intent failed")
	}
	if result.Changed() {
		c.events.EmitMemberEvent(event.MemberEvent{Kind: event.KindMemberJoin, Members: []string{msg.Node}})
	}
}

func (c *Cluster) handleLeaveIntent(msg proto.MemberLeaveMessage) {
	c.memberClock.Witness(msg.LTime)

	var result member.TransitionResult
	_ = c.members.ExecuteUnderLock(func(a member.Accessor) error {
		old, ok := a.Get(msg.Node)
		if !ok {
			old = member.Member{Name: msg.Node}
		}
		result = member.ApplyLeaveIntent(old, msg.LTime)
		if result.Kind == member.Rejected {
			return nil
		}
		return a.Upsert(result.New)
	})
	if result.Kind == member.Rejected {
		return
	}
	if err := c.sendMemberMsg(proto.EnvelopeMemberLeave, &msg, "member-leave:"+msg.Node); err != nil {
		c.logger.WithError(err).Warn("cluster: re-broadcast leave intent failed")
	}
}

func (c *Cluster) broadcastJoin(ltime lamport.Time) error {
	msg := &proto.MemberJoinMessage{LTime: ltime, Node: c.cfg.NodeName}
	return c.sendMemberMsg(proto.EnvelopeMemberJoin, msg, "member-join:"+c.cfg.NodeName)
}

func (c *Cluster) broadcastLeave(ltime lamport.Time) error {
	msg := &proto.MemberLeaveMessage{LTime: ltime, Node: c.cfg.NodeName}
	return c.sendMemberMsg(proto.EnvelopeMemberLeave, msg, "member-leave:"+c.cfg.NodeName)
}

func (c *Cluster) sendMemberMsg(t proto.EnvelopeType, v interface{}, key string) error {
	inner, err := proto.EncodeEnvelope(t, v)
	if err != nil {
		return errors.Wrap(err, "cluster: encode member envelope")
	}
	outer, err := proto.Encode(proto.UserMsg, &proto.UserMsgEnvelope{Payload: inner})
	if err != nil {
		return errors.Wrap(err, "cluster: encode member frame")
	}
	c.queue.QueueBroadcast(&broadcast.KeyedBroadcast{Key: key, Msg: outer})
	return nil
}

var conflictHandle = &codec.MsgpackHandle{}

type conflictRequest struct {
	Name string
}

type conflictResponse struct {
	Found bool
	Addr  []byte
	Port  uint16
}

func (c *Cluster) handleConflictQuery(msg proto.QueryMessage) (bool, []byte, error) {
	var req conflictRequest
	dec := codec.NewDecoder(bytes.NewReader(msg.Payload), conflictHandle)
	if err := dec.Decode(&req); err != nil {
		return false, nil, errors.Wrap(err, "cluster: decode conflict query")
	}

	ns, ok := c.engine.Store().Get(req.Name)
	resp := conflictResponse{Found: ok}
	if ok {
		resp.Addr = ns.Addr
		resp.Port = ns.Port
	}

	buf := bytes.NewBuffer(nil)
	enc := codec.NewEncoder(buf, conflictHandle)
	if err := enc.Encode(&resp); err != nil {
		return false, nil, errors.Wrap(err, "cluster: encode conflict response")
	}
	return true, buf.Bytes(), nil
}

// ResolveConflict asks every live node which address it holds for name and
// reports the address a strict majority agrees on, per SPEC_FULL.md §C.
func (c *Cluster) ResolveConflict(name string) (net.IP, uint16, bool, error) {
	payload, err := encodeConflictRequest(name)
	if err != nil {
		return nil, 0, false, err
	}

	opts := query.QueryOptions{Timeout: c.cfg.QueryTimeout}
	resp, err := c.queries.Query(query.QueryConflict, payload, opts)
	if err != nil {
		return nil, 0, false, err
	}

	type tally struct {
		addr net.IP
		port uint16
		n    int
	}
	counts := make(map[string]*tally)
	total := 0

collect:
	for {
		select {
		case r := <-resp.ResponseCh():
			var cr conflictResponse
			dec := codec.NewDecoder(bytes.NewReader(r.Payload), conflictHandle)
			if err := dec.Decode(&cr); err != nil || !cr.Found {
				continue
			}
			key := net.IP(cr.Addr).String()
			if counts[key] == nil {
				counts[key] = &tally{addr: net.IP(cr.Addr), port: cr.Port}
			}
			counts[key].n++
			total++
		case <-resp.Done():
			break collect
		}
	}

	var best *tally
	for _, t := range counts {
		if best == nil || t.n > best.n {
			best = t
		}
	}
	if best == nil || total == 0 || best.n*2 <= total {
		return nil, 0, false, nil
	}
	return best.addr, best.port, true, nil
}

func encodeConflictRequest(name string) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	enc := codec.NewEncoder(buf, conflictHandle)
	if err := enc.Encode(&conflictRequest{Name: name}); err != nil {
		return nil, errors.Wrap(err, "cluster: encode conflict request")
	}
	return buf.Bytes(), nil
}

func (c *Cluster) handlePingQuery(msg proto.QueryMessage) (bool, []byte, error) {
	return false, nil, nil
}
