// Package bus is the narrow transport seam between a node and the mesh:
// Publish/Subscribe over signed envelopes. The external pub/sub bus is out
// of scope here; this package provides only the in-process
// implementation used by tests and cmd/concordd's single-process demo,
// behind the same interface a real transport (NATS, Kafka, a libp2p
// gossipsub mesh) would implement.
package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/concordmesh/kernel/pkg/envelope"
)

// Publisher publishes signed envelopes to the bus.
type Publisher interface {
	Publish(ctx context.Context, env envelope.Envelope) error
}

// Subscriber subscribes to envelopes carrying any of the given verbs. An
// empty verb list subscribes to every verb. The returned channel is closed
// when ctx is cancelled or Close is called.
type Subscriber interface {
	Subscribe(ctx context.Context, verbs ...envelope.Verb) (<-chan envelope.Envelope, error)
}

// Bus composes Publisher and Subscriber, the full transport seam every
// component talks to.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

type subscription struct {
	verbs map[envelope.Verb]bool // nil/empty = all verbs
	ch    chan envelope.Envelope
}

func (s *subscription) wants(v envelope.Verb) bool {
	if len(s.verbs) == 0 {
		return true
	}
	return s.verbs[v]
}

// InProcessBus is a fan-out in-memory Bus: every Publish is delivered to
// every live Subscribe channel whose verb filter matches, dropping
// delivery to a subscriber whose channel is full rather than blocking the
// publisher.
type InProcessBus struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	closed bool
	bufLen int
}

// NewInProcessBus returns an InProcessBus whose per-subscriber channel
// buffers up to bufLen envelopes before Publish drops to that subscriber.
func NewInProcessBus(bufLen int) *InProcessBus {
	if bufLen <= 0 {
		bufLen = 64
	}
	return &InProcessBus{
		subs:   make(map[int]*subscription),
		bufLen: bufLen,
	}
}

// Publish delivers env to every matching live subscriber.
func (b *InProcessBus) Publish(ctx context.Context, env envelope.Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus: publish on closed bus")
	}
	if !env.Verb.IsValid() {
		return fmt.Errorf("bus: refusing to publish unknown verb %q", env.Verb)
	}
	for _, sub := range b.subs {
		if !sub.wants(env.Verb) {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			// Slow subscriber; drop rather than block the publisher.
		}
	}
	return nil
}

// Subscribe registers a new channel delivering envelopes matching verbs
// (all verbs if none given). The channel closes when ctx is done.
func (b *InProcessBus) Subscribe(ctx context.Context, verbs ...envelope.Verb) (<-chan envelope.Envelope, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("bus: subscribe on closed bus")
	}
	filter := make(map[envelope.Verb]bool, len(verbs))
	for _, v := range verbs {
		filter[v] = true
	}
	id := b.nextID
	b.nextID++
	sub := &subscription{verbs: filter, ch: make(chan envelope.Envelope, b.bufLen)}
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(sub.ch)
		b.mu.Unlock()
	}()

	return sub.ch, nil
}

// Close shuts down the bus, closing every live subscription channel.
func (b *InProcessBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
	return nil
}
