package swim

import (
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/BoolHak/NSerfProject-sub006/proto"
)

// writeFramed/readFramed give the push/pull TCP exchange the "reliable
// length-prefixed stream" framing spec §6.1 calls for: a 4-byte big-endian
// length prefix followed by the body.
func writeFramed(w io.Writer, body []byte) error {
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(len(body)))
	if _, err := w.Write(hdr); err != nil {
		return errors.Wrap(err, "swim: write frame header")
	}
	if _, err := w.Write(body); err != nil {
		return errors.Wrap(err, "swim: write frame body")
	}
	return nil
}

func readFramed(r io.Reader) ([]byte, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, errors.Wrap(err, "swim: read frame header")
	}
	n := binary.BigEndian.Uint32(hdr)
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errors.Wrap(err, "swim: read frame body")
	}
	return body, nil
}

func (e *Engine) localState() []proto.PushNodeState {
	snap := e.store.Snapshot()
	out := make([]proto.PushNodeState, 0, len(snap))
	for _, n := range snap {
		out = append(out, proto.PushNodeState{
			Name:        n.Name,
			Addr:        n.Addr,
			Port:        n.Port,
			Meta:        n.Meta,
			Incarnation: n.Incarnation,
			State:       uint8(n.State),
			Vsn:         [6]uint8{n.PMin, n.PMax, n.PCur, n.DMin, n.DMax, n.DCur},
		})
	}
	return out
}

// pushPullLoop periodically reconciles full state with one random peer, the
// anti-entropy mechanism that bounds how long a missed gossip message can
// leave two nodes diverged.
func (e *Engine) pushPullLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.PushPullInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.shutdownCh:
			return
		case <-ticker.C:
			peers := e.store.RandomPeers(1, map[string]bool{e.cfg.Name: true}, true)
			if len(peers) == 0 {
				continue
			}
			addr := e.localAddr(peers[0])
			if err := e.pushPullNode(addr, false); err != nil {
				e.logger.WithError(err).WithField("addr", addr).Debug("swim: push/pull failed")
			}
		}
	}
}

// pushPullNode dials addr, exchanges full node state, and merges the
// remote's view into the local store.
func (e *Engine) pushPullNode(addr string, join bool) error {
	conn, err := e.transport.DialTimeout(addr, e.cfg.TCPTimeout)
	if err != nil {
		return errors.Wrap(err, "swim: dial failed")
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(e.cfg.TCPTimeout))

	local := e.localState()
	hdr := proto.PushPullHeader{NodeCount: len(local), Join: join}
	hdrBody, err := proto.Encode(proto.PushPullMsg, &hdr)
	if err != nil {
		return errors.Wrap(err, "swim: encode header")
	}
	if err := writeFramed(conn, hdrBody); err != nil {
		return err
	}
	for _, n := range local {
		body, err := proto.Encode(proto.PushPullMsg, &n)
		if err != nil {
			return errors.Wrap(err, "swim: encode node state")
		}
		if err := writeFramed(conn, body); err != nil {
			return err
		}
	}

	remote, err := e.readPushPull(conn)
	if err != nil {
		return err
	}
	e.mergeState(remote)
	return nil
}

func (e *Engine) readPushPull(r io.Reader) ([]proto.PushNodeState, error) {
	hdrBody, err := readFramed(r)
	if err != nil {
		return nil, err
	}
	_, hdrBody, err = proto.MessageTypeOf(hdrBody)
	if err != nil {
		return nil, err
	}
	var hdr proto.PushPullHeader
	if err := proto.Decode(hdrBody, &hdr); err != nil {
		return nil, errors.Wrap(err, "swim: decode push/pull header")
	}

	out := make([]proto.PushNodeState, 0, hdr.NodeCount)
	for i := 0; i < hdr.NodeCount; i++ {
		body, err := readFramed(r)
		if err != nil {
			return nil, err
		}
		_, body, err = proto.MessageTypeOf(body)
		if err != nil {
			return nil, err
		}
		var ns proto.PushNodeState
		if err := proto.Decode(body, &ns); err != nil {
			return nil, errors.Wrap(err, "swim: decode node state")
		}
		out = append(out, ns)
	}
	return out, nil
}

// handlePushPullStream is the server side of pushPullNode: it reads the
// peer's state, replies with its own, and merges.
func (e *Engine) handlePushPullStream(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(e.cfg.TCPTimeout))

	remote, err := e.readPushPull(conn)
	if err != nil {
		e.logger.WithError(err).Debug("swim: inbound push/pull read failed")
		return
	}

	local := e.localState()
	hdr := proto.PushPullHeader{NodeCount: len(local)}
	hdrBody, err := proto.Encode(proto.PushPullMsg, &hdr)
	if err != nil {
		return
	}
	if err := writeFramed(conn, hdrBody); err != nil {
		return
	}
	for _, n := range local {
		body, err := proto.Encode(proto.PushPullMsg, &n)
		if err != nil {
			return
		}
		if err := writeFramed(conn, body); err != nil {
			return
		}
	}

	e.mergeState(remote)
}
