package swim

import (
	"net"
	"strconv"
	"time"

	"github.com/BoolHak/NSerfProject-sub006/proto"
	"github.com/BoolHak/NSerfProject-sub006/security"
	"github.com/BoolHak/NSerfProject-sub006/transport"
)

func (e *Engine) packetLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.shutdownCh:
			return
		case pkt, ok := <-e.transport.PacketCh():
			if !ok {
				return
			}
			e.handlePacket(pkt)
		}
	}
}

func (e *Engine) streamLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.shutdownCh:
			return
		case conn, ok := <-e.transport.StreamCh():
			if !ok {
				return
			}
			go e.handlePushPullStream(conn)
		}
	}
}

// handlePacket strips the optional label header, decrypts if necessary, and
// dispatches on the leading message type, unwrapping Compress/HasCrc/
// Compound envelopes recursively.
func (e *Engine) handlePacket(pkt *transport.Packet) {
	label, body, err := security.RemoveLabelHeader(pkt.Buf)
	if err != nil {
		e.logger.WithError(err).Debug("swim: malformed label header")
		return
	}
	if label != e.cfg.Label {
		e.logger.WithField("label", label).Debug("swim: label mismatch, dropping packet")
		return
	}
	e.dispatch(body, pkt.From, pkt.Timestamp)
}

func (e *Engine) dispatch(body []byte, from net.Addr, ts time.Time) {
	mt, rest, err := proto.MessageTypeOf(body)
	if err != nil {
		return
	}

	switch mt {
	case proto.EncryptMsg:
		if e.cfg.Keyring == nil {
			e.logger.Debug("swim: received encrypted packet with no keyring configured")
			return
		}
		plain, err := security.DecryptPayload(e.cfg.Keyring, rest, []byte(e.cfg.Label))
		if err != nil {
			e.logger.WithError(err).Warn("swim: decrypt failed")
			return
		}
		e.dispatch(plain, from, ts)

	case proto.CompressMsg:
		plain, err := proto.DecodeCompressedMessage(rest)
		if err != nil {
			e.logger.WithError(err).Warn("swim: decompress failed")
			return
		}
		e.dispatch(plain, from, ts)

	case proto.HasCrcMsg:
		plain, err := proto.VerifyAndStripCrc(rest)
		if err != nil {
			e.logger.WithError(err).Warn("swim: crc check failed")
			return
		}
		e.dispatch(plain, from, ts)

	case proto.CompoundMsg:
		_, parts, err := proto.DecodeCompoundMessage(rest)
		if err != nil {
			e.logger.WithError(err).Warn("swim: compound decode failed")
			return
		}
		for _, p := range parts {
			e.dispatch(p, from, ts)
		}

	case proto.PingMsg:
		e.handlePing(rest, from)
	case proto.IndirectPingMsg:
		e.handleIndirectPing(rest)
	case proto.AckRespMsg:
		e.handleAckResp(rest, ts)
	case proto.NackRespMsg:
		e.handleNackResp(rest)
	case proto.AliveMsg:
		var a proto.Alive
		if err := proto.Decode(rest, &a); err == nil {
			e.aliveNode(&a, true)
		}
	case proto.SuspectMsg:
		var s proto.Suspect
		if err := proto.Decode(rest, &s); err == nil {
			e.suspectNode(&s)
		}
	case proto.DeadMsg:
		var d proto.Dead
		if err := proto.Decode(rest, &d); err == nil {
			e.deadNode(&d)
		}
	case proto.UserMsg:
		var env proto.UserMsgEnvelope
		if err := proto.Decode(rest, &env); err != nil {
			e.logger.WithError(err).Warn("swim: decode user envelope failed")
			return
		}
		et, payload, err := proto.EnvelopeTypeOf(env.Payload)
		if err != nil {
			e.logger.WithError(err).Warn("swim: decode envelope type failed")
			return
		}
		if et == proto.EnvelopeRelay {
			e.handleRelay(payload, from, ts)
			return
		}
		e.delegates.handleUserMsg(et, payload)

	default:
		e.logger.WithField("type", mt).Debug("swim: unrecognized message type")
	}
}

func (e *Engine) handlePing(body []byte, from net.Addr) {
	var p proto.Ping
	if err := proto.Decode(body, &p); err != nil {
		return
	}
	if p.Node != "" && p.Node != e.cfg.Name {
		// Misdirected ping (stale membership view on the sender's side);
		// silently ignored, matching the reference's behavior.
		return
	}
	ack := &proto.AckResp{SeqNo: p.SeqNo}
	e.sendMessage(proto.AckRespMsg, ack, from.String())
}

// handleIndirectPing performs the requested ping on the asker's behalf and
// relays the result back using the asker's original sequence number.
func (e *Engine) handleIndirectPing(body []byte) {
	var ip proto.IndirectPing
	if err := proto.Decode(body, &ip); err != nil {
		return
	}
	targetAddr := net.JoinHostPort(net.IP(ip.Target).String(), strconv.Itoa(int(ip.Port)))
	requesterAddr := net.JoinHostPort(net.IP(ip.SourceAddr).String(), strconv.Itoa(int(ip.SourcePort)))

	localSeq := e.nextSeqNo()
	ackCh := make(chan struct{}, 1)
	e.ackReg.register(localSeq, func(payload []byte, ts time.Time) {
		select {
		case ackCh <- struct{}{}:
		default:
		}
	}, func() {}, e.cfg.ProbeTimeout)

	self := e.Self()
	ping := &proto.Ping{SeqNo: localSeq, Node: ip.Node, SourceNode: self.Name}
	e.sendMessage(proto.PingMsg, ping, targetAddr)

	select {
	case <-ackCh:
		ack := &proto.AckResp{SeqNo: ip.SeqNo}
		e.sendMessage(proto.AckRespMsg, ack, requesterAddr)
	case <-time.After(e.cfg.ProbeTimeout):
		if ip.Nack {
			nack := &proto.NackResp{SeqNo: ip.SeqNo}
			e.sendMessage(proto.NackRespMsg, nack, requesterAddr)
		}
	case <-e.shutdownCh:
	}
}

func (e *Engine) handleAckResp(body []byte, ts time.Time) {
	var a proto.AckResp
	if err := proto.Decode(body, &a); err != nil {
		return
	}
	e.ackReg.invokeAck(a.SeqNo, a.Payload, ts)
}

func (e *Engine) handleNackResp(body []byte) {
	var n proto.NackResp
	if err := proto.Decode(body, &n); err != nil {
		return
	}
	e.ackReg.invokeNack(n.SeqNo)
}

// handleRelay forwards a relayed frame one hop toward its target without
// interpreting it, per the query manager's reachability aid (spec §4.9).
func (e *Engine) handleRelay(raw []byte, from net.Addr, ts time.Time) {
	var rm proto.RelayMessage
	if err := proto.Decode(raw, &rm); err != nil {
		e.logger.WithError(err).Warn("swim: decode relay message failed")
		return
	}
	if rm.Target.Name == e.cfg.Name {
		e.dispatch(rm.Payload, from, ts)
		return
	}
	addr := net.JoinHostPort(net.IP(rm.Target.Addr).String(), strconv.Itoa(int(rm.Target.Port)))
	e.sendRaw(rm.Payload, addr)
}
