package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-lockable/v1/lock"
)

var errExclusionViolated = errors.New("mutual exclusion violated")

type benchResult struct {
	acquired  int64
	failed    int64
	maxActive int32
	elapsed   time.Duration
}

func benchCommand() *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "contend for one name and verify mutual exclusion",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Usage: "lock name", Value: "lockctl-bench"},
			&cli.IntFlag{Name: "concurrency", Aliases: []string{"c"}, Usage: "number of contenders", Value: 8},
			&cli.IntFlag{Name: "requests", Aliases: []string{"n"}, Usage: "total number of requests", Value: 100},
			&cli.DurationFlag{Name: "hold", Usage: "time each contender holds the lock", Value: time.Millisecond},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			concurrency, requests := cmd.Int("concurrency"), cmd.Int("requests")
			if concurrency < 1 || requests < 1 {
				return fmt.Errorf("%w: concurrency and requests must be positive", errUsage)
			}
			e, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.close()

			name := cmd.String("name")
			w := cmd.Root().Writer
			fmt.Fprintf(w, "Starting benchmark: %d requests, %d contenders on %q\n", requests, concurrency, name)

			res, err := bench(ctx, e, name, concurrency, requests, cmd.Duration("hold"))
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "Finished in %v\n", res.elapsed)
			fmt.Fprintf(w, "Throughput: %.2f acquisitions/s\n", float64(res.acquired)/res.elapsed.Seconds())
			fmt.Fprintf(w, "Max concurrent holders: %d\n", res.maxActive)
			if res.failed > 0 {
				fmt.Fprintf(w, "Failed requests: %d\n", res.failed)
			}
			return nil
		},
	}
}

// bench gives every contender its own Lock, the way separate processes
// would, and counts how many hold the name at once.
func bench(ctx context.Context, e *env, name string, concurrency, requests int, hold time.Duration) (benchResult, error) {
	var (
		res    benchResult
		active atomic.Int32
		maxAct atomic.Int32
	)
	perWorker := requests / concurrency
	extra := requests % concurrency

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		n := perWorker
		if i < extra {
			n++
		}
		l, err := e.newLock(name)
		if err != nil {
			return res, err
		}
		g.Go(func() error {
			for j := 0; j < n; j++ {
				ran, err := l.RequestWith(gctx, lock.RequestOptions{Waiting: true}, func(ctx context.Context) error {
					cur := active.Add(1)
					defer active.Add(-1)
					for {
						m := maxAct.Load()
						if cur <= m || maxAct.CompareAndSwap(m, cur) {
							break
						}
					}
					if cur > 1 {
						return errExclusionViolated
					}
					select {
					case <-time.After(hold):
						return nil
					case <-ctx.Done():
						return ctx.Err()
					}
				})
				switch {
				case errors.Is(err, errExclusionViolated):
					return err
				case gctx.Err() != nil:
					return gctx.Err()
				case ran:
					atomic.AddInt64(&res.acquired, 1)
				}
				if err != nil || !ran {
					atomic.AddInt64(&res.failed, 1)
					e.log.Debug("bench request failed", zap.Error(err))
				}
			}
			return nil
		})
	}
	err := g.Wait()
	res.elapsed = time.Since(start)
	res.maxActive = maxAct.Load()
	return res, err
}
