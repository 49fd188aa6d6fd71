package lock

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mirkobrombin/go-lockable/v1/filelock"
)

const (
	enterWaiting int32 = iota
	enterSettled
	enterAbandoned
)

// nativeProvider runs the callback inside the host exclusive section. It
// never touches the lease store.
type nativeProvider struct {
	prim filelock.Primitive
	opts *Options
}

func (p *nativeProvider) kind() Provider { return ProviderNative }

func (p *nativeProvider) run(ctx context.Context, req request) (bool, error) {
	start := time.Now()
	sec, ok, err := p.enter(ctx, req)
	observeWait(ProviderNative, start)
	if err != nil || !ok {
		return false, err
	}
	return true, runHeld(ctx, p.opts.HangTimeout, ProviderNative, req, func(context.Context) error {
		if err := sec.Leave(); err != nil {
			req.log.Warn("leaving native section failed", zap.Error(err))
			return &StoreError{Op: "leave", Name: req.name, Err: err}
		}
		return nil
	})
}

type grant struct {
	sec filelock.Section
	ok  bool
	err error
}

func (p *nativeProvider) enter(ctx context.Context, req request) (filelock.Section, bool, error) {
	if !req.waiting {
		sec, ok, err := p.prim.Enter(req.name, false)
		if err != nil {
			return nil, false, &StoreError{Op: "enter", Name: req.name, Err: err}
		}
		return sec, ok, nil
	}

	// The blocking enter cannot be interrupted. Whoever moves state out of
	// enterWaiting first decides: the grant is either handed to the caller
	// or left on the spot because nobody is interested anymore.
	var state atomic.Int32
	granted := make(chan grant, 1)
	go func() {
		sec, ok, err := p.prim.Enter(req.name, true)
		if state.CompareAndSwap(enterWaiting, enterSettled) {
			granted <- grant{sec: sec, ok: ok, err: err}
			return
		}
		if ok {
			if lerr := sec.Leave(); lerr != nil {
				req.log.Warn("leaving late native grant failed", zap.Error(lerr))
			}
			req.log.Debug("late native grant dropped")
		}
	}()

	timer := time.NewTimer(p.opts.WaitTimeout)
	defer timer.Stop()

	var giveUp error
	select {
	case g := <-granted:
		return p.settle(req, g)
	case <-timer.C:
		giveUp = ErrWaitTimeout
	case <-ctx.Done():
		giveUp = ctx.Err()
	}
	if state.CompareAndSwap(enterWaiting, enterAbandoned) {
		return nil, false, giveUp
	}
	// The grant won the race; it is already on its way.
	return p.settle(req, <-granted)
}

func (p *nativeProvider) settle(req request, g grant) (filelock.Section, bool, error) {
	if g.err != nil {
		return nil, false, &StoreError{Op: "enter", Name: req.name, Err: g.err}
	}
	return g.sec, g.ok, nil
}
