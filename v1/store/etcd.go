package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	lockerrors "github.com/mirkobrombin/go-lockable/v1/errors"
)

const (
	defaultEtcdPrefix    = "/lockable/"
	defaultEtcdOpTimeout = 5 * time.Second
)

// EtcdStore implements Store on etcd. Update reads the key and commits
// the write in a transaction guarded by the revision it read, so a
// concurrent writer makes the commit fail instead of overwriting.
type EtcdStore struct {
	kv      clientv3.KV
	prefix  string
	timeout time.Duration
}

// EtcdOption configures an EtcdStore.
type EtcdOption func(*EtcdStore)

// WithEtcdPrefix sets the key prefix. Default "/lockable/".
func WithEtcdPrefix(prefix string) EtcdOption {
	return func(s *EtcdStore) {
		s.prefix = prefix
	}
}

// WithEtcdTimeout sets the per-operation timeout. Default 5s.
func WithEtcdTimeout(d time.Duration) EtcdOption {
	return func(s *EtcdStore) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewEtcdStore returns an EtcdStore on kv, usually a *clientv3.Client.
func NewEtcdStore(kv clientv3.KV, opts ...EtcdOption) (*EtcdStore, error) {
	if kv == nil {
		return nil, ErrNilClient
	}
	s := &EtcdStore{kv: kv, prefix: defaultEtcdPrefix, timeout: defaultEtcdOpTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Update implements Store.Update.
func (s *EtcdStore) Update(ctx context.Context, name string, fn UpdateFunc) (bool, error) {
	if err := contextErr(ctx); err != nil {
		return false, err
	}
	ctx, span := tracer.Start(ctx, "EtcdStore.Update", trace.WithAttributes(attribute.String("lockable.name", name)))
	defer span.End()

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	key := s.prefix + name
	fail := func(err error) (bool, error) {
		err = lockerrors.Classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}

	resp, err := s.kv.Get(cctx, key)
	if err != nil {
		return fail(err)
	}
	var (
		cur   int64
		found bool
		cmp   clientv3.Cmp
	)
	if len(resp.Kvs) > 0 {
		kv := resp.Kvs[0]
		cur, err = strconv.ParseInt(string(kv.Value), 10, 64)
		if err != nil {
			return fail(fmt.Errorf("%w: %q: %w", ErrCorruptRecord, name, err))
		}
		found = true
		cmp = clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)
	} else {
		cmp = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
	}

	next, write := fn(cur, found)
	if !write {
		return false, nil
	}
	txn, err := s.kv.Txn(cctx).
		If(cmp).
		Then(clientv3.OpPut(key, strconv.FormatInt(next, 10))).
		Commit()
	if err != nil {
		return fail(err)
	}
	if !txn.Succeeded {
		span.SetAttributes(attribute.Bool("lockable.conflict", true))
	}
	return txn.Succeeded, nil
}

// Delete implements Store.Delete.
func (s *EtcdStore) Delete(ctx context.Context, name string) error {
	if err := contextErr(ctx); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.kv.Delete(cctx, s.prefix+name)
	return lockerrors.Classify(err)
}

// DeleteIf implements Store.DeleteIf.
func (s *EtcdStore) DeleteIf(ctx context.Context, name string, expiresAt int64) (bool, error) {
	if err := contextErr(ctx); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	key := s.prefix + name
	txn, err := s.kv.Txn(cctx).
		If(clientv3.Compare(clientv3.Value(key), "=", strconv.FormatInt(expiresAt, 10))).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return false, lockerrors.Classify(err)
	}
	return txn.Succeeded, nil
}
