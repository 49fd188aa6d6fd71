package store

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	lockerrors "github.com/mirkobrombin/go-lockable/v1/errors"
)

const (
	defaultRedisOpTimeout = 5 * time.Second
	defaultRedisPrefix    = "lockable:"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-lockable/v1/store")

// RedisStore implements Store on Redis. Each lease is a plain string key
// holding the decimal expiry; Update uses WATCH/MULTI/EXEC so the read
// and the conditional write form one optimistic transaction.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	prefix  string
	timeout time.Duration
}

// WithRedisPrefix sets the key prefix. Default "lockable:".
func WithRedisPrefix(prefix string) RedisOption {
	return func(o *redisStoreOptions) {
		o.prefix = prefix
	}
}

// WithRedisTimeout sets the per-operation timeout. Default 5s.
func WithRedisTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// NewRedisStore returns a RedisStore using client. The client's lifetime
// stays with the caller.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) (*RedisStore, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	o := redisStoreOptions{prefix: defaultRedisPrefix, timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{client: client, prefix: o.prefix, timeout: o.timeout}, nil
}

// Update implements Store.Update.
func (s *RedisStore) Update(ctx context.Context, name string, fn UpdateFunc) (bool, error) {
	if err := contextErr(ctx); err != nil {
		return false, err
	}
	ctx, span := tracer.Start(ctx, "RedisStore.Update", trace.WithAttributes(attribute.String("lockable.name", name)))
	defer span.End()

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	key := s.prefix + name
	written := false
	err := s.client.Watch(cctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(cctx, key).Int64()
		found := true
		if errors.Is(err, redis.Nil) {
			cur, found, err = 0, false, nil
		}
		if err != nil {
			return err
		}
		next, write := fn(cur, found)
		if !write {
			return nil
		}
		_, err = tx.TxPipelined(cctx, func(pipe redis.Pipeliner) error {
			pipe.Set(cctx, key, next, 0)
			return nil
		})
		if err == nil {
			written = true
		}
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		span.SetAttributes(attribute.Bool("lockable.conflict", true))
		return false, nil
	}
	if err != nil {
		err = lockerrors.Classify(err, redis.ErrClosed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	return written, nil
}

// Delete implements Store.Delete.
func (s *RedisStore) Delete(ctx context.Context, name string) error {
	if err := contextErr(ctx); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Del(cctx, s.prefix+name).Err(); err != nil {
		return lockerrors.Classify(err, redis.ErrClosed)
	}
	return nil
}

// DeleteIf implements Store.DeleteIf.
func (s *RedisStore) DeleteIf(ctx context.Context, name string, expiresAt int64) (bool, error) {
	if err := contextErr(ctx); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	key := s.prefix + name
	deleted := false
	err := s.client.Watch(cctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(cctx, key).Int64()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur != expiresAt {
			return nil
		}
		_, err = tx.TxPipelined(cctx, func(pipe redis.Pipeliner) error {
			pipe.Del(cctx, key)
			return nil
		})
		if err == nil {
			deleted = true
		}
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// Rewritten since the read, so no longer this holder's lease.
		return false, nil
	}
	if err != nil {
		return false, lockerrors.Classify(err, redis.ErrClosed)
	}
	return deleted, nil
}
