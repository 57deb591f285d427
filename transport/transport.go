// Package transport provides the UDP+TCP network boundary the gossip engine
// runs over: best-effort packets and reliable length-prefixed streams,
// grounded on the memberlist reference's net.UDPConn/net.TCPListener usage
// (see DESIGN.md). A second, in-memory implementation lets tests simulate a
// cluster without binding real sockets.
package transport

import (
	"net"
	"time"
)

// Packet is a single received datagram.
type Packet struct {
	Buf       []byte
	From      net.Addr
	Timestamp time.Time
}

// Transport is the network boundary the SWIM engine and push/pull sync run
// over. WriteTo is safe to call from any goroutine; the channels deliver in
// arrival order per-socket, but there is no cross-socket ordering guarantee.
type Transport interface {
	// FinalAdvertiseAddr returns the IP/port this transport is reachable at,
	// resolving any configured advertise override.
	FinalAdvertiseAddr() (net.IP, int, error)

	// WriteTo sends a best-effort packet to addr.
	WriteTo(b []byte, addr string) (time.Time, error)

	// PacketCh returns the channel inbound packets are delivered on.
	PacketCh() <-chan *Packet

	// DialTimeout opens a reliable, ordered stream to addr.
	DialTimeout(addr string, timeout time.Duration) (net.Conn, error)

	// StreamCh returns the channel accepted incoming streams are delivered on.
	StreamCh() <-chan net.Conn

	// Shutdown tears down listeners. The delivery channels are not closed.
	Shutdown() error
}
