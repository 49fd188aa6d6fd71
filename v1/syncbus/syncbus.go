// Package syncbus carries release notifications between processes that
// contend for the same lock names. A waiter that subscribes to a name is
// woken as soon as the holder releases it instead of sleeping out its
// poll tick. Delivery is best effort; waiters still poll.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus is a best-effort pub/sub channel keyed by string.
type Bus interface {
	Publish(ctx context.Context, key string) error
	// Subscribe returns a channel that receives a signal for every publish
	// on key. The channel is closed by Unsubscribe or when ctx is done.
	Subscribe(ctx context.Context, key string) (<-chan struct{}, error)
	Unsubscribe(ctx context.Context, key string, ch <-chan struct{}) error
}

// Metrics reports publish and delivery counters of a bus.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// subscribers tracks the local channels of every subscribed key. It is
// shared by the bus implementations.
type subscribers struct {
	mu    sync.Mutex
	subs  map[string][]chan struct{}
	stops map[<-chan struct{}]chan struct{}

	delivered atomic.Uint64
}

func newSubscribers() *subscribers {
	return &subscribers{
		subs:  make(map[string][]chan struct{}),
		stops: make(map[<-chan struct{}]chan struct{}),
	}
}

// add registers a channel for key and reports whether it is the first one.
func (s *subscribers) add(ctx context.Context, key string, onDone func(ch <-chan struct{})) (chan struct{}, bool) {
	ch := make(chan struct{}, 1)
	stop := make(chan struct{})
	s.mu.Lock()
	first := len(s.subs[key]) == 0
	s.subs[key] = append(s.subs[key], ch)
	s.stops[ch] = stop
	s.mu.Unlock()

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				onDone(ch)
			case <-stop:
			}
		}()
	}
	return ch, first
}

// remove drops ch from key, closes it and reports whether key has no
// subscribers left. Removing an unknown channel is a no-op.
func (s *subscribers) remove(key string, ch <-chan struct{}) (found, last bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.subs[key]
	for i, c := range subs {
		if c != ch {
			continue
		}
		subs[i] = subs[len(subs)-1]
		subs = subs[:len(subs)-1]
		close(c)
		close(s.stops[c])
		delete(s.stops, c)
		found = true
		break
	}
	if len(subs) == 0 {
		delete(s.subs, key)
	} else {
		s.subs[key] = subs
	}
	return found, found && len(subs) == 0
}

// deliver signals every channel subscribed to key without blocking.
func (s *subscribers) deliver(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.subs[key] {
		select {
		case c <- struct{}{}:
			s.delivered.Add(1)
		default:
		}
	}
}

func (s *subscribers) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, subs := range s.subs {
		for _, c := range subs {
			close(c)
			close(s.stops[c])
			delete(s.stops, c)
		}
		delete(s.subs, key)
	}
}

func (s *subscribers) count(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[key])
}

// InMemoryBus is a Bus local to one process, mainly for tests.
type InMemoryBus struct {
	subs      *subscribers
	published atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: newSubscribers()}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, key string) error {
	b.published.Add(1)
	b.subs.deliver(key)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, key string) (<-chan struct{}, error) {
	ch, _ := b.subs.add(ctx, key, func(ch <-chan struct{}) {
		_ = b.Unsubscribe(context.Background(), key, ch)
	})
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, key string, ch <-chan struct{}) error {
	b.subs.remove(key, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.subs.delivered.Load(),
	}
}
