package syncbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newRedisBus(t *testing.T) (*RedisBus, *redis.Client, context.Context) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := NewRedisBus(client)
	t.Cleanup(func() {
		_ = bus.Close()
		_ = client.Close()
	})
	return bus, client, context.Background()
}

func TestRedisBusPublishSubscribe(t *testing.T) {
	bus, _, ctx := newRedisBus(t)
	ch, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "key"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for publish")
	}
	if got := bus.Metrics().Published; got != 1 {
		t.Fatalf("expected published 1 got %d", got)
	}
}

func TestRedisBusCrossInstance(t *testing.T) {
	a, client, ctx := newRedisBus(t)
	b := NewRedisBus(client)
	defer b.Close()

	ch, err := b.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := a.Publish(ctx, "key"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for publish from other bus")
	}
}

func TestRedisBusLastUnsubscribeClosesPubSub(t *testing.T) {
	bus, _, ctx := newRedisBus(t)
	ch1, _ := bus.Subscribe(ctx, "key")
	ch2, _ := bus.Subscribe(ctx, "key")

	if err := bus.Unsubscribe(ctx, "key", ch1); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	bus.mu.Lock()
	_, ok := bus.pubsubs["key"]
	bus.mu.Unlock()
	if !ok {
		t.Fatal("pubsub closed while a subscriber remains")
	}

	if err := bus.Unsubscribe(ctx, "key", ch2); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	bus.mu.Lock()
	_, ok = bus.pubsubs["key"]
	bus.mu.Unlock()
	if ok {
		t.Fatal("pubsub kept after last unsubscribe")
	}
}

func TestRedisBusClosedClient(t *testing.T) {
	bus, client, ctx := newRedisBus(t)
	_ = client.Close()
	if err := bus.Publish(ctx, "key"); err == nil {
		t.Fatal("expected error on closed client")
	}
}
