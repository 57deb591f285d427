package swim

import (
	"time"

	"github.com/BoolHak/NSerfProject-sub006/proto"
	"github.com/BoolHak/NSerfProject-sub006/security"
	"github.com/BoolHak/NSerfProject-sub006/state"
)

func (e *Engine) probeLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.shutdownCh:
			return
		case <-ticker.C:
			e.probeCycle()
		}
	}
}

// reapTimeout is how long a Dead/Left tombstone is retained before
// ResetAndShuffle reclaims it, matching the reference's GossipToTheDeadTime
// in spirit: long enough that a straggling gossip message still finds the
// tombstone and doesn't resurrect a stale Alive.
func (e *Engine) reapTimeout() time.Duration {
	return 3 * e.cfg.PushPullInterval
}

func (e *Engine) reclaimable(ns state.NodeState) bool {
	return time.Since(time.Unix(0, ns.StateChange)) > e.reapTimeout()
}

// probeCycle advances the probe cursor by one, per the reference's
// schedule/probe loop: a full pass over the probe-order slice reshuffles it
// and reaps expired tombstones (resetNodes).
func (e *Engine) probeCycle() {
	e.mu.Lock()
	n := e.store.Len()
	if n == 0 {
		e.mu.Unlock()
		return
	}
	idx := e.probeIndex
	e.probeIndex++
	wrapped := e.probeIndex >= n
	if wrapped {
		e.probeIndex = 0
	}
	e.mu.Unlock()

	if wrapped {
		e.store.ResetAndShuffle(e.reclaimable)
	}

	target, ok := e.store.NodeAt(idx)
	if !ok || target.Name == e.cfg.Name {
		return
	}
	if target.State == state.StatusDead || target.State == state.StatusLeft {
		return
	}
	e.probeNode(target)
}

// probeNode runs one SWIM probe cycle against target: direct ping, then on
// timeout indirect pings via K random peers plus a TCP-fallback direct ping
// (the addition spec §4.4 makes over the reference's UDP-only timeout),
// suspecting the node only if none of those produce an ack.
func (e *Engine) probeNode(target state.NodeState) {
	seq := e.nextSeqNo()
	addr := e.localAddr(target)

	ackCh := make(chan struct{}, 1)
	timeout := e.awareness.ScaleTimeout(e.cfg.ProbeTimeout)

	e.ackReg.register(seq, func(payload []byte, ts time.Time) {
		select {
		case ackCh <- struct{}{}:
		default:
		}
	}, func() {}, 2*timeout+time.Second)

	self := e.Self()
	ping := &proto.Ping{
		SeqNo:      seq,
		Node:       target.Name,
		SourceAddr: self.Addr,
		SourcePort: self.Port,
		SourceNode: self.Name,
	}
	e.sendMessage(proto.PingMsg, ping, addr)

	select {
	case <-ackCh:
		e.awareness.ApplyDelta(-1)
		return
	case <-time.After(timeout):
	case <-e.shutdownCh:
		return
	}

	e.awareness.ApplyDelta(1)

	exclude := map[string]bool{e.cfg.Name: true, target.Name: true}
	helpers := e.store.RandomPeers(e.cfg.IndirectChecks, exclude, true)

	for _, h := range helpers {
		ip := &proto.IndirectPing{
			SeqNo:      seq,
			Target:     target.Addr,
			Port:       target.Port,
			Node:       target.Name,
			Nack:       true,
			SourceAddr: self.Addr,
			SourcePort: self.Port,
			SourceNode: self.Name,
		}
		e.sendMessage(proto.IndirectPingMsg, ip, e.localAddr(h))
	}

	go e.tcpFallbackPing(target, seq, ackCh)

	select {
	case <-ackCh:
		return
	case <-time.After(timeout):
	case <-e.shutdownCh:
		return
	}

	e.suspectTarget(target)
}

// tcpFallbackPing attempts a reliable ping over TCP, signaling ackCh on
// success. Used alongside indirect UDP pings since a node can be UDP-lossy
// but still TCP-reachable.
func (e *Engine) tcpFallbackPing(target state.NodeState, seq uint32, ackCh chan struct{}) {
	addr := e.localAddr(target)
	conn, err := e.transport.DialTimeout(addr, e.cfg.TCPTimeout)
	if err != nil {
		return
	}
	defer conn.Close()

	self := e.Self()
	ping := &proto.Ping{SeqNo: seq, Node: target.Name, SourceNode: self.Name}
	body, err := proto.Encode(proto.PingMsg, ping)
	if err != nil {
		return
	}
	if err := writeFramed(conn, body); err != nil {
		return
	}
	conn.SetReadDeadline(time.Now().Add(e.cfg.TCPTimeout))
	resp, err := readFramed(conn)
	if err != nil {
		return
	}
	mt, respBody, err := proto.MessageTypeOf(resp)
	if err != nil || mt != proto.AckRespMsg {
		return
	}
	var ack proto.AckResp
	if err := proto.Decode(respBody, &ack); err != nil || ack.SeqNo != seq {
		return
	}
	select {
	case ackCh <- struct{}{}:
	default:
	}
}

func (e *Engine) suspectTarget(target state.NodeState) {
	s := &proto.Suspect{Incarnation: target.Incarnation, Node: target.Name, From: e.cfg.Name}
	e.suspectNode(s)
}

func (e *Engine) sendMessage(t proto.MessageType, v interface{}, addr string) {
	body, err := proto.Encode(t, v)
	if err != nil {
		e.logger.WithError(err).Warn("swim: encode failed")
		return
	}
	e.sendRaw(body, addr)
}

// sendRaw applies the label header and keyring encryption (if configured)
// before handing the frame to the transport, per spec §4.2/§6.1.
func (e *Engine) sendRaw(body []byte, addr string) {
	out := body
	if e.cfg.Keyring != nil && e.cfg.Keyring.PrimaryKey() != nil {
		ad := []byte(e.cfg.Label)
		enc, err := security.EncryptPayload(e.cfg.EncryptionVersion, e.cfg.Keyring.PrimaryKey(), body, ad)
		if err != nil {
			e.logger.WithError(err).Warn("swim: encrypt failed")
			return
		}
		out = append([]byte{uint8(proto.EncryptMsg)}, enc...)
	}
	framed, err := security.AddLabelHeader(out, e.cfg.Label)
	if err != nil {
		e.logger.WithError(err).Warn("swim: label header failed")
		return
	}
	if _, err := e.transport.WriteTo(framed, addr); err != nil {
		e.logger.WithError(err).WithField("addr", addr).Warn("swim: udp send failed")
	}
}

// gossipLoop periodically drains queued broadcasts to a random subset of
// live peers, compounding them into a single packet when more than one fits.
func (e *Engine) gossipLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.GossipInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.shutdownCh:
			return
		case <-ticker.C:
			e.gossip()
		}
	}
}

func (e *Engine) gossip() {
	msgs := e.queue.GetBroadcasts(compoundOverhead, e.cfg.UDPBufferSize)
	if extra := e.delegates.getBroadcasts(compoundOverhead, e.cfg.UDPBufferSize); len(extra) > 0 {
		// The coordination layer's queue is size-limited independently of
		// the engine's own queue; a combined transmission can in theory
		// exceed UDPBufferSize when both are nearly full at once. Real
		// memberlist accepts the same risk for its Delegate.GetBroadcasts
		// hook rather than re-splitting across two packets.
		msgs = append(msgs, extra...)
	}
	if len(msgs) == 0 {
		return
	}

	frame := msgs[0]
	if len(msgs) > 1 {
		frame = proto.MakeCompoundMessage(msgs)
	}

	peers := e.store.RandomPeers(e.cfg.GossipNodes, map[string]bool{e.cfg.Name: true}, true)
	for _, p := range peers {
		e.sendRaw(frame, e.localAddr(p))
	}
}
