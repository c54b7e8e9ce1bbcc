package transport

import (
	"log"
	"sync"

	"carenet/pkg/protocol"
)

// Bus is an in-process transport: one buffered inbox channel per agent.
// Delivery is at-most-once; an unknown receiver or a full inbox drops the
// envelope, which is exactly what the protocol must tolerate.
type Bus struct {
	mu      sync.RWMutex
	inboxes map[string]chan protocol.Envelope
	buffer  int

	// DropRate in [0,1] makes the bus lossy for tests. Guarded by mu.
	dropFn func(env protocol.Envelope) bool
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{inboxes: make(map[string]chan protocol.Envelope), buffer: buffer}
}

// Register creates (or returns) the inbox for an agent id.
func (b *Bus) Register(agentID string) <-chan protocol.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.inboxes[agentID]; ok {
		return ch
	}
	ch := make(chan protocol.Envelope, b.buffer)
	b.inboxes[agentID] = ch
	return ch
}

// SetDropFunc installs a fault-injection predicate; envelopes it matches
// are silently lost. Test hook.
func (b *Bus) SetDropFunc(fn func(env protocol.Envelope) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropFn = fn
}

func (b *Bus) Send(env protocol.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	b.mu.RLock()
	ch, ok := b.inboxes[env.Receiver]
	drop := b.dropFn
	b.mu.RUnlock()
	if drop != nil && drop(env) {
		return nil
	}
	if !ok {
		log.Printf("[bus] no inbox for %s, dropping %s for %s", env.Receiver, env.Performative, env.NegotiationID)
		return nil
	}
	select {
	case ch <- env:
	default:
		log.Printf("[bus] inbox full for %s, dropping %s for %s", env.Receiver, env.Performative, env.NegotiationID)
	}
	return nil
}
