package transport

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// NetTransportConfig configures a real UDP+TCP NetTransport.
type NetTransportConfig struct {
	BindAddr string
	BindPort int

	// AdvertiseAddr/AdvertisePort override the address reported by
	// FinalAdvertiseAddr, e.g. behind NAT. Empty/zero means "use bind".
	AdvertiseAddr string
	AdvertisePort int

	UDPRecvBufSize int
	Logger         *logrus.Entry
}

// NetTransport is the real UDP+TCP implementation.
type NetTransport struct {
	cfg NetTransportConfig

	udpConn  *net.UDPConn
	tcpLn    *net.TCPListener
	packetCh chan *Packet
	streamCh chan net.Conn

	wg sync.WaitGroup
}

// NewNetTransport binds the configured UDP and TCP sockets and starts the
// ingest loops.
func NewNetTransport(cfg NetTransportConfig) (*NetTransport, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	udpAddr := &net.UDPAddr{IP: net.ParseIP(cfg.BindAddr), Port: cfg.BindPort}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.Wrap(err, "transport: failed to start UDP listener")
	}

	tcpAddr := &net.TCPAddr{IP: net.ParseIP(cfg.BindAddr), Port: cfg.BindPort}
	tcpLn, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		udpConn.Close()
		return nil, errors.Wrap(err, "transport: failed to start TCP listener")
	}

	t := &NetTransport{
		cfg:      cfg,
		udpConn:  udpConn,
		tcpLn:    tcpLn,
		packetCh: make(chan *Packet, 1024),
		streamCh: make(chan net.Conn, 256),
	}

	t.wg.Add(2)
	go t.udpListen()
	go t.tcpListen()

	return t, nil
}

func (t *NetTransport) udpListen() {
	defer t.wg.Done()
	buf := make([]byte, 65536)
	for {
		n, addr, err := t.udpConn.ReadFrom(buf)
		if err != nil {
			if isShutdownErr(err) {
				return
			}
			t.cfg.Logger.WithError(err).Warn("transport: udp read failed")
			continue
		}
		if n < 1 {
			continue
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case t.packetCh <- &Packet{Buf: cp, From: addr, Timestamp: time.Now()}:
		default:
			t.cfg.Logger.Warn("transport: packet channel full, dropping datagram")
		}
	}
}

func (t *NetTransport) tcpListen() {
	defer t.wg.Done()
	for {
		conn, err := t.tcpLn.Accept()
		if err != nil {
			if isShutdownErr(err) {
				return
			}
			t.cfg.Logger.WithError(err).Warn("transport: tcp accept failed")
			continue
		}
		select {
		case t.streamCh <- conn:
		default:
			conn.Close()
			t.cfg.Logger.Warn("transport: stream channel full, rejecting connection")
		}
	}
}

func isShutdownErr(err error) bool {
	return strings.Contains(err.Error(), "use of closed network connection")
}

// FinalAdvertiseAddr implements Transport.
func (t *NetTransport) FinalAdvertiseAddr() (net.IP, int, error) {
	if t.cfg.AdvertiseAddr != "" {
		ip := net.ParseIP(t.cfg.AdvertiseAddr)
		if ip == nil {
			return nil, 0, errors.Errorf("transport: invalid advertise address %q", t.cfg.AdvertiseAddr)
		}
		port := t.cfg.AdvertisePort
		if port == 0 {
			port = t.cfg.BindPort
		}
		return ip, port, nil
	}

	addr := t.udpConn.LocalAddr().(*net.UDPAddr)
	ip := addr.IP
	if ip == nil || ip.IsUnspecified() {
		ip = net.ParseIP("127.0.0.1")
	}
	return ip, addr.Port, nil
}

// WriteTo implements Transport.
func (t *NetTransport) WriteTo(b []byte, addr string) (time.Time, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "transport: resolve failed")
	}
	_, err = t.udpConn.WriteTo(b, udpAddr)
	return time.Now(), err
}

// PacketCh implements Transport.
func (t *NetTransport) PacketCh() <-chan *Packet { return t.packetCh }

// DialTimeout implements Transport.
func (t *NetTransport) DialTimeout(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}

// StreamCh implements Transport.
func (t *NetTransport) StreamCh() <-chan net.Conn { return t.streamCh }

// Shutdown implements Transport.
func (t *NetTransport) Shutdown() error {
	t.udpConn.Close()
	t.tcpLn.Close()
	t.wg.Wait()
	return nil
}
