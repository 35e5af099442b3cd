package bluez

import (
	"sync"

	"github.com/sky-uk/blercud/internal/capability"
)

// RecoveryBus is a simple broadcast implementation of capability.RecoveryBus
// (spec.md §6.4/§9): any subsystem publishes a RecoveryEvent, every
// subscriber (in practice, just the adapter layer) receives it.
type RecoveryBus struct {
	mu   sync.Mutex
	subs []chan capability.RecoveryEvent
}

// NewRecoveryBus builds an empty bus.
func NewRecoveryBus() *RecoveryBus {
	return &RecoveryBus{}
}

// Publish fans ev out to every current subscriber, non-blocking; a
// subscriber that is not keeping up misses the event rather than stalling
// the publisher.
func (b *RecoveryBus) Publish(ev capability.RecoveryEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a new listener and returns its receive-only channel.
func (b *RecoveryBus) Subscribe() <-chan capability.RecoveryEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan capability.RecoveryEvent, 16)
	b.subs = append(b.subs, ch)
	return ch
}

var _ capability.RecoveryBus = (*RecoveryBus)(nil)
