package transport

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// MockHub wires a set of MockTransport instances together, as a fake
// network. Packets to an address not registered on the hub are dropped
// silently, faithfully simulating UDP to an unbound address (§4.1).
type MockHub struct {
	mu    sync.RWMutex
	peers map[string]*MockTransport
}

// NewMockHub creates an empty fake network.
func NewMockHub() *MockHub {
	return &MockHub{peers: make(map[string]*MockTransport)}
}

func (h *MockHub) register(addr string, t *MockTransport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[addr] = t
}

func (h *MockHub) unregister(addr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, addr)
}

func (h *MockHub) lookup(addr string) (*MockTransport, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.peers[addr]
	return t, ok
}

// MockTransport is an in-memory Transport for deterministic tests.
type MockTransport struct {
	hub  *MockHub
	addr string
	ip   net.IP
	port int

	packetCh chan *Packet
	streamCh chan net.Conn

	mu       sync.Mutex
	shutdown bool
}

// NewMockTransport registers a new node at addr ("ip:port") on the hub.
func NewMockTransport(hub *MockHub, addr string) (*MockTransport, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errors.Wrap(err, "transport: invalid mock address")
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, errors.Errorf("transport: invalid mock ip %q", host)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, errors.Wrap(err, "transport: invalid mock port")
	}

	t := &MockTransport{
		hub:      hub,
		addr:     addr,
		ip:       ip,
		port:     port,
		packetCh: make(chan *Packet, 1024),
		streamCh: make(chan net.Conn, 256),
	}
	hub.register(addr, t)
	return t, nil
}

// FinalAdvertiseAddr implements Transport.
func (t *MockTransport) FinalAdvertiseAddr() (net.IP, int, error) {
	return t.ip, t.port, nil
}

// WriteTo implements Transport. Delivery to an address not present on the
// hub is a silent drop, matching real UDP to an unreachable host.
func (t *MockTransport) WriteTo(b []byte, addr string) (time.Time, error) {
	now := time.Now()
	dst, ok := t.hub.lookup(addr)
	if !ok {
		return now, nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)

	selfAddr := &mockAddr{addr: t.addr}
	select {
	case dst.packetCh <- &Packet{Buf: cp, From: selfAddr, Timestamp: now}:
	default:
	}
	return now, nil
}

// PacketCh implements Transport.
func (t *MockTransport) PacketCh() <-chan *Packet { return t.packetCh }

// DialTimeout implements Transport. There is no real stream support in the
// mock; callers that need push/pull exercised against a mock network should
// use a loopback NetTransport pair instead. Returning an error here keeps
// the mock honest about that limitation rather than faking a connection.
func (t *MockTransport) DialTimeout(addr string, timeout time.Duration) (net.Conn, error) {
	return nil, errors.New("transport: mock transport does not support streams")
}

// StreamCh implements Transport.
func (t *MockTransport) StreamCh() <-chan net.Conn { return t.streamCh }

// Shutdown implements Transport.
func (t *MockTransport) Shutdown() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.shutdown {
		return nil
	}
	t.shutdown = true
	t.hub.unregister(t.addr)
	return nil
}

type mockAddr struct{ addr string }

func (m *mockAddr) Network() string { return "mock" }
func (m *mockAddr) String() string  { return m.addr }
