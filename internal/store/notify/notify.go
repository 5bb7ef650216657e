// Package notify carries "room changed" signals from writers to stream
// subscribers. Signals carry no payload; subscribers re-read the log.
package notify

import (
	"context"
	"sync"
)

// Notifier publishes and subscribes to per-room change signals
type Notifier interface {
	// Publish signals that roomID's log changed
	Publish(ctx context.Context, roomID string) error
	// Subscribe returns a channel that receives at least one value after every
	// Publish for roomID. Bursts may be coalesced. The channel is closed when
	// cancel is called, ctx ends, or the transport fails.
	Subscribe(ctx context.Context, roomID string) (<-chan struct{}, func(), error)
	Close() error
}

// signal performs a non-blocking send; a pending value already covers the change
func signal(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Broker is an in-process Notifier for single-instance deployments and tests
type Broker struct {
	mu     sync.Mutex
	subs   map[string]map[*brokerSub]struct{}
	closed bool
}

type brokerSub struct {
	ch   chan struct{}
	once sync.Once
}

// NewBroker creates an empty in-process broker
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[*brokerSub]struct{})}
}

// Publish signals every current subscriber of roomID. It never blocks.
func (b *Broker) Publish(_ context.Context, roomID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for s := range b.subs[roomID] {
		signal(s.ch)
	}
	return nil
}

// Subscribe registers a subscriber for roomID
func (b *Broker) Subscribe(ctx context.Context, roomID string) (<-chan struct{}, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, nil, ErrClosed
	}

	s := &brokerSub{ch: make(chan struct{}, 1)}
	if b.subs[roomID] == nil {
		b.subs[roomID] = make(map[*brokerSub]struct{})
	}
	b.subs[roomID][s] = struct{}{}

	stop := context.AfterFunc(ctx, func() { b.remove(roomID, s) })
	cancel := func() {
		stop()
		b.remove(roomID, s)
	}
	return s.ch, cancel, nil
}

func (b *Broker) remove(roomID string, s *brokerSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if set, ok := b.subs[roomID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, roomID)
		}
	}
	s.once.Do(func() { close(s.ch) })
}

// Subscribers returns the number of subscribers for roomID
func (b *Broker) Subscribers(roomID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[roomID])
}

// Close closes every subscriber channel
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for roomID, set := range b.subs {
		for s := range set {
			s.once.Do(func() { close(s.ch) })
		}
		delete(b.subs, roomID)
	}
	return nil
}
