// Package events is a small in-process publisher of typed domain events.
// Delivery is synchronous on the publisher's goroutine, so handlers must be
// non-blocking or dispatch onto their own workers. Events from a single
// publisher arrive in order; across publishers there is no ordering
// guarantee.
package events

import (
	"sync"

	"github.com/aws-greengrass/client-device-auth/core"
)

// Kind discriminates event types on the bus.
type Kind string

const (
	KindCAChanged              = Kind("ca-changed")
	KindConnectionStateChanged = Kind("connection-state-changed")
	KindConfigurationChanged   = Kind("configuration-changed")
)

// Event is implemented by all bus payloads.
type Event interface {
	Kind() Kind
}

// CAChanged is published after the certificate authority has been created
// or rotated. The chain is PEM-encoded, leaf (the CA certificate) first.
type CAChanged struct {
	Type      core.CAType
	ChainPEMs [][]byte
}

func (CAChanged) Kind() Kind { return KindCAChanged }

// ConnectionStateChanged is published when the gateway's view of cloud
// reachability flips.
type ConnectionStateChanged struct {
	State core.ConnectionState
}

func (ConnectionStateChanged) Kind() Kind { return KindConnectionStateChanged }

// ConfigurationChanged is published when the service configuration has been
// re-read.
type ConfigurationChanged struct{}

func (ConfigurationChanged) Kind() Kind { return KindConfigurationChanged }

// Handler consumes one event.
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a typed publish/subscribe table keyed by event kind.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[Kind][]subscription
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: map[Kind][]subscription{}}
}

// Subscribe registers a handler for one event kind and returns a function
// that removes it. Unsubscribing is idempotent.
func (b *Bus) Subscribe(kind Kind, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[kind] = append(b.subs[kind], subscription{id: id, handler: handler})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		kept := b.subs[kind][:0]
		for _, s := range b.subs[kind] {
			if s.id != id {
				kept = append(kept, s)
			}
		}
		b.subs[kind] = kept
	}
}

// Publish delivers the event to every handler subscribed to its kind, in
// subscription order, on the caller's goroutine.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.subs[e.Kind()]))
	for _, s := range b.subs[e.Kind()] {
		handlers = append(handlers, s.handler)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(e)
	}
}
