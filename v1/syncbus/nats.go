package syncbus

import (
	"context"
	"encoding/hex"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"
)

const defaultNATSSubjectPrefix = "lockable.unlock."

// NATSBus implements Bus on NATS core subjects. Keys are hex encoded into
// the subject so any lock name is a valid single token.
type NATSBus struct {
	conn   *nats.Conn
	prefix string

	mu        sync.Mutex
	natsSubs  map[string]*nats.Subscription
	subs      *subscribers
	published atomic.Uint64
}

// NewNATSBus returns a NATSBus using conn. The connection stays owned by
// the caller.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn:     conn,
		prefix:   defaultNATSSubjectPrefix,
		natsSubs: make(map[string]*nats.Subscription),
		subs:     newSubscribers(),
	}
}

func (b *NATSBus) subject(key string) string {
	return b.prefix + hex.EncodeToString([]byte(key))
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, key string) error {
	if err := b.conn.Publish(b.subject(key), nil); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, key string) (<-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.natsSubs[key]; !ok {
		ns, err := b.conn.Subscribe(b.subject(key), func(_ *nats.Msg) {
			b.subs.deliver(key)
		})
		if err != nil {
			return nil, err
		}
		// Make sure the server knows about the interest before returning,
		// otherwise an immediate release could be missed.
		if err := b.conn.Flush(); err != nil {
			_ = ns.Unsubscribe()
			return nil, err
		}
		b.natsSubs[key] = ns
	}
	ch, _ := b.subs.add(ctx, key, func(ch <-chan struct{}) {
		_ = b.Unsubscribe(context.Background(), key, ch)
	})
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, key string, ch <-chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, last := b.subs.remove(key, ch); !last {
		return nil
	}
	ns, ok := b.natsSubs[key]
	if !ok {
		return nil
	}
	delete(b.natsSubs, key)
	return ns.Unsubscribe()
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.subs.delivered.Load(),
	}
}
