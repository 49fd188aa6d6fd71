package lock

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mirkobrombin/go-lockable/v1/metrics"
	"github.com/mirkobrombin/go-lockable/v1/store"
	"github.com/mirkobrombin/go-lockable/v1/syncbus"
)

// leaseProvider emulates the lock with one lease record per name in a
// shared store. Correctness rests on store.Update running the expiry check
// and the write in one transaction.
type leaseProvider struct {
	store store.Store
	bus   syncbus.Bus
	opts  *Options
}

func (p *leaseProvider) kind() Provider { return ProviderLease }

func (p *leaseProvider) run(ctx context.Context, req request) (bool, error) {
	start := time.Now()
	g, ok, err := p.acquire(ctx, req)
	observeWait(ProviderLease, start)
	if err != nil || !ok {
		return false, err
	}
	return true, runHeld(ctx, g.hold, ProviderLease, req, func(ctx context.Context) error {
		return p.release(ctx, req, g.expiresAt)
	})
}

// leaseGrant is a lease written by this request. hold is what is left of
// it once the store answered; the guard fires no later than that, so the
// callback never outlives its lease however slow the store round trip.
type leaseGrant struct {
	expiresAt int64
	hold      time.Duration
}

// acquireOnce writes a fresh lease if the name has none or its lease has
// expired, and returns the expiry it wrote. A lease that already expired
// by the time the store answered is not a grant.
func (p *leaseProvider) acquireOnce(ctx context.Context, name string) (leaseGrant, bool, error) {
	var expiresAt int64
	ok, err := p.store.Update(ctx, name, func(cur int64, found bool) (int64, bool) {
		now := p.opts.Now()
		if found && cur > now.UnixMilli() {
			return 0, false
		}
		expiresAt = now.Add(p.opts.HangTimeout).UnixMilli()
		return expiresAt, true
	})
	if err != nil {
		return leaseGrant{}, false, &StoreError{Op: "acquire", Name: name, Err: err}
	}
	if !ok {
		return leaseGrant{}, false, nil
	}
	hold := time.UnixMilli(expiresAt).Sub(p.opts.Now())
	if hold <= 0 {
		return leaseGrant{}, false, nil
	}
	return leaseGrant{expiresAt: expiresAt, hold: hold}, true, nil
}

func (p *leaseProvider) acquire(ctx context.Context, req request) (leaseGrant, bool, error) {
	if !req.waiting {
		return p.acquireOnce(ctx, req.name)
	}

	var wake <-chan struct{}
	if p.bus != nil {
		topic := UnlockTopic(req.name)
		ch, err := p.bus.Subscribe(ctx, topic)
		if err != nil {
			req.log.Debug("release notifications unavailable, polling only", zap.Error(err))
		} else {
			wake = ch
			defer func() {
				_ = p.bus.Unsubscribe(context.Background(), topic, ch)
			}()
		}
	}

	deadline := time.Now().Add(p.opts.WaitTimeout)
	for {
		g, ok, err := p.acquireOnce(ctx, req.name)
		if err != nil || ok {
			return g, ok, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			req.log.Debug("wait timeout elapsed", zap.Duration("wait_timeout", p.opts.WaitTimeout))
			return leaseGrant{}, false, ErrWaitTimeout
		}

		timer := time.NewTimer(min(p.opts.WaitTickDelay, remaining))
		select {
		case <-timer.C:
		case _, open := <-wake:
			timer.Stop()
			if !open {
				wake = nil
			}
		case <-ctx.Done():
			timer.Stop()
			return leaseGrant{}, false, ctx.Err()
		}
	}
}

// release deletes the lease written by this request and tells waiters
// about it. A lease that no longer holds expiresAt belongs to a successor
// and is left alone. A failed notification only costs waiters one poll
// tick.
func (p *leaseProvider) release(ctx context.Context, req request, expiresAt int64) error {
	deleted, err := p.store.DeleteIf(ctx, req.name, expiresAt)
	if err != nil {
		req.log.Warn("lease release failed", zap.Error(err))
		return &StoreError{Op: "release", Name: req.name, Err: err}
	}
	if !deleted {
		req.log.Debug("lease already expired and taken over, left in place")
		return nil
	}
	if p.bus == nil {
		return nil
	}
	if err := p.bus.Publish(ctx, UnlockTopic(req.name)); err != nil {
		metrics.BusPublishFailures.Inc()
		req.log.Debug("release notification failed", zap.Error(err))
	}
	return nil
}

// UnlockTopic is the bus topic a release of name is published on.
func UnlockTopic(name string) string {
	return "unlock:" + name
}
