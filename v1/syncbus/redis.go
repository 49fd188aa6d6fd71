package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	lockerrors "github.com/mirkobrombin/go-lockable/v1/errors"
)

const (
	redisBusTimeout       = 5 * time.Second
	defaultRedisBusPrefix = "lockable:unlock:"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-lockable/v1/syncbus")

// RedisBus implements Bus on Redis pub/sub. Each subscribed key owns one
// PubSub connection that fans out to the local channels.
type RedisBus struct {
	client redis.UniversalClient
	prefix string

	mu        sync.Mutex
	pubsubs   map[string]*redis.PubSub
	subs      *subscribers
	published atomic.Uint64
}

// NewRedisBus returns a RedisBus using client.
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{
		client:  client,
		prefix:  defaultRedisBusPrefix,
		pubsubs: make(map[string]*redis.PubSub),
		subs:    newSubscribers(),
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "RedisBus.Publish", trace.WithAttributes(attribute.String("lockable.bus.key", key)))
	defer span.End()

	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if err := b.client.Publish(cctx, b.prefix+key, "1").Err(); err != nil {
		span.RecordError(err)
		return lockerrors.Classify(err, redis.ErrClosed)
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (<-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pubsubs[key]; !ok {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), redisBusTimeout)
		defer cancel()
		ps := b.client.Subscribe(cctx, b.prefix+key)
		// Receive blocks until the subscription is confirmed.
		if _, err := ps.Receive(cctx); err != nil {
			_ = ps.Close()
			return nil, lockerrors.Classify(err, redis.ErrClosed)
		}
		b.pubsubs[key] = ps
		go b.dispatch(key, ps.Channel())
	}
	ch, _ := b.subs.add(ctx, key, func(ch <-chan struct{}) {
		_ = b.Unsubscribe(context.Background(), key, ch)
	})
	return ch, nil
}

func (b *RedisBus) dispatch(key string, msgs <-chan *redis.Message) {
	for range msgs {
		b.subs.deliver(key)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch <-chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, last := b.subs.remove(key, ch); !last {
		return nil
	}
	ps, ok := b.pubsubs[key]
	if !ok {
		return nil
	}
	delete(b.pubsubs, key)
	return ps.Close()
}

// Close drops every subscription. The client stays owned by the caller.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, ps := range b.pubsubs {
		_ = ps.Close()
		delete(b.pubsubs, key)
	}
	b.subs.closeAll()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.subs.delivered.Load(),
	}
}
