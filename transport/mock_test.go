package transport

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestMockTransportDeliversToRegisteredPeer(t *testing.T) {
	hub := NewMockHub()
	a, err := NewMockTransport(hub, "127.0.0.1:1001")
	assert.NilError(t, err)
	b, err := NewMockTransport(hub, "127.0.0.1:1002")
	assert.NilError(t, err)
	defer a.Shutdown()
	defer b.Shutdown()

	_, err = a.WriteTo([]byte("hello"), "127.0.0.1:1002")
	assert.NilError(t, err)

	select {
	case pkt := <-b.PacketCh():
		assert.Equal(t, string(pkt.Buf), "hello")
		assert.Equal(t, pkt.From.String(), "127.0.0.1:1001")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for packet")
	}
}

func TestMockTransportDropsToUnboundAddress(t *testing.T) {
	hub := NewMockHub()
	a, err := NewMockTransport(hub, "127.0.0.1:1001")
	assert.NilError(t, err)
	defer a.Shutdown()

	_, err = a.WriteTo([]byte("hello"), "127.0.0.1:9999")
	assert.NilError(t, err)
	// No panic, no delivery anywhere: nothing further to assert beyond "no error".
}

func TestMockTransportShutdownUnregisters(t *testing.T) {
	hub := NewMockHub()
	a, err := NewMockTransport(hub, "127.0.0.1:1001")
	assert.NilError(t, err)
	b, err := NewMockTransport(hub, "127.0.0.1:1002")
	assert.NilError(t, err)
	defer b.Shutdown()

	assert.NilError(t, a.Shutdown())

	_, err = b.WriteTo([]byte("hi"), "127.0.0.1:1001")
	assert.NilError(t, err)

	select {
	case <-a.PacketCh():
		t.Fatal("should not receive after shutdown")
	case <-time.After(50 * time.Millisecond):
	}
}
