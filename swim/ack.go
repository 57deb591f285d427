package swim

import (
	"sync"
	"time"
)

// ackHandler is invoked when an AckResp/NackResp with a matching sequence
// number arrives, and reaped by its own timer otherwise. Grounded on the
// memberlist reference's ackHandler/setAckHandler/invokeAckHandler.
type ackHandler struct {
	onAck  func(payload []byte, timestamp time.Time)
	onNack func()
	timer  *time.Timer
}

type ackRegistry struct {
	mu       sync.Mutex
	handlers map[uint32]*ackHandler
}

func newAckRegistry() *ackRegistry {
	return &ackRegistry{handlers: make(map[uint32]*ackHandler)}
}

func (r *ackRegistry) register(seqNo uint32, onAck func([]byte, time.Time), onNack func(), timeout time.Duration) {
	ah := &ackHandler{onAck: onAck, onNack: onNack}
	r.mu.Lock()
	r.handlers[seqNo] = ah
	r.mu.Unlock()

	ah.timer = time.AfterFunc(timeout, func() {
		r.mu.Lock()
		delete(r.handlers, seqNo)
		r.mu.Unlock()
	})
}

func (r *ackRegistry) invokeAck(seqNo uint32, payload []byte, timestamp time.Time) {
	r.mu.Lock()
	ah, ok := r.handlers[seqNo]
	if ok {
		delete(r.handlers, seqNo)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	ah.timer.Stop()
	if ah.onAck != nil {
		ah.onAck(payload, timestamp)
	}
}

func (r *ackRegistry) invokeNack(seqNo uint32) {
	r.mu.Lock()
	ah, ok := r.handlers[seqNo]
	r.mu.Unlock()
	if !ok {
		return
	}
	if ah.onNack != nil {
		ah.onNack()
	}
}
