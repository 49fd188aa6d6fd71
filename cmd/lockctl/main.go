// lockctl runs commands under a lockable lock and inspects lease stores.
//
// Usage:
//
//	lockctl [global options] <command> [command options]
//
// Commands:
//
//	run      run a command while holding a lock
//	status   print the lease of a name
//	release  force-delete the lease of a name
//	bench    contend for one name and verify mutual exclusion
//
// Exit codes:
//
//	0: success
//	1: failure
//	2: usage error
//	3: lock busy or wait timeout
//	4: hang timeout
//
// run exits with the code of the child process when it ran and failed.
//
// Examples:
//
//	lockctl --store bolt --dsn /var/lib/app/leases.db run --name nightly -- ./backup.sh
//	lockctl --config lockable.yaml run --wait --name nightly -- ./backup.sh
//	lockctl --store redis --dsn redis://localhost:6379/0 status --name nightly
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-lockable/v1/config"
	"github.com/mirkobrombin/go-lockable/v1/filelock"
	"github.com/mirkobrombin/go-lockable/v1/lock"
	"github.com/mirkobrombin/go-lockable/v1/store"
	"github.com/mirkobrombin/go-lockable/v1/syncbus"
)

const (
	exitOK = iota
	exitFailure
	exitUsage
	exitBusy
	exitHang
)

var errUsage = errors.New("usage error")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	app := createApp()
	app.Writer = stdout
	app.ErrWriter = stderr
	err := app.Run(ctx, args)
	if err == nil {
		return exitOK
	}
	var coder cli.ExitCoder
	if errors.As(err, &coder) {
		if msg := err.Error(); msg != "" {
			fmt.Fprintln(stderr, "lockctl:", msg)
		}
		return coder.ExitCode()
	}
	fmt.Fprintln(stderr, "lockctl:", err)
	if errors.Is(err, errUsage) {
		return exitUsage
	}
	return exitFailure
}

func createApp() *cli.Command {
	return &cli.Command{
		Name:  "lockctl",
		Usage: "named locks shared by independent processes",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "YAML or JSON config file"},
			&cli.StringFlag{Name: "store", Usage: "lease store: memory, redis, bolt, sqlite or etcd"},
			&cli.StringFlag{Name: "dsn", Usage: "store address, file or endpoints"},
			&cli.StringFlag{Name: "lock-dir", Usage: "directory of native lock files"},
			&cli.BoolFlag{Name: "native", Usage: "prefer native file locks over the lease store"},
			&cli.StringFlag{Name: "bus", Usage: "release notifier: none, redis, nats or kafka"},
			&cli.StringFlag{Name: "bus-url", Usage: "release notifier address"},
			&cli.DurationFlag{Name: "wait-timeout", Usage: "how long --wait keeps trying"},
			&cli.DurationFlag{Name: "wait-tick", Usage: "poll interval while waiting"},
			&cli.DurationFlag{Name: "hang-timeout", Usage: "maximum time the lock is held"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
		},
		Commands: []*cli.Command{
			runCommand(),
			statusCommand(),
			releaseCommand(),
			benchCommand(),
		},
		// Exit codes are mapped by run.
		ExitErrHandler: func(context.Context, *cli.Command, error) {},
	}
}

// env holds what every command builds from the configuration.
type env struct {
	cfg    config.Config
	log    *zap.Logger
	store  store.Store
	bus    syncbus.Bus
	prim   filelock.Primitive
	closes []config.CloseFunc
}

func loadConfig(cmd *cli.Command) (config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return cfg, err
	}
	if cmd.IsSet("store") {
		cfg.Store.Driver = cmd.String("store")
	}
	if cmd.IsSet("dsn") {
		cfg.Store.DSN = cmd.String("dsn")
	}
	if cmd.IsSet("lock-dir") {
		cfg.Native.Dir = cmd.String("lock-dir")
	}
	if cmd.IsSet("native") {
		cfg.Native.Enabled = cmd.Bool("native")
	}
	if cmd.IsSet("bus") {
		cfg.Bus.Driver = cmd.String("bus")
	}
	if cmd.IsSet("bus-url") {
		cfg.Bus.URL = cmd.String("bus-url")
	}
	if cmd.IsSet("wait-timeout") {
		cfg.Lock.WaitTimeout = cmd.Duration("wait-timeout")
	}
	if cmd.IsSet("wait-tick") {
		cfg.Lock.WaitTickDelay = cmd.Duration("wait-tick")
	}
	if cmd.IsSet("hang-timeout") {
		cfg.Lock.HangTimeout = cmd.Duration("hang-timeout")
	}
	if cmd.IsSet("log-level") {
		cfg.Log.Level = cmd.String("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%w: %w", errUsage, err)
	}
	return cfg, nil
}

func setup(ctx context.Context, cmd *cli.Command) (*env, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errUsage, err)
	}
	e := &env{cfg: cfg, log: logger, prim: config.Primitive(cfg.Native)}

	st, closeStore, err := config.OpenStore(ctx, cfg.Store)
	if err != nil {
		e.close()
		return nil, err
	}
	e.store = st
	e.closes = append(e.closes, closeStore)

	bus, closeBus, err := config.OpenBus(ctx, cfg.Bus)
	if err != nil {
		e.close()
		return nil, err
	}
	e.bus = bus
	e.closes = append(e.closes, closeBus)
	return e, nil
}

func (e *env) close() {
	for i := len(e.closes) - 1; i >= 0; i-- {
		if err := e.closes[i](); err != nil {
			e.log.Debug("close failed", zap.Error(err))
		}
	}
	_ = e.log.Sync()
}

func (e *env) newLock(name string) (*lock.Lock, error) {
	opts := append(e.cfg.LockOptions(),
		lock.WithStore(e.store),
		lock.WithLogger(e.log),
	)
	if e.bus != nil {
		opts = append(opts, lock.WithBus(e.bus))
	}
	if e.prim != nil {
		opts = append(opts, lock.WithPrimitive(e.prim))
	}
	return lock.New(name, opts...)
}

func nameFlag() cli.Flag {
	return &cli.StringFlag{Name: "name", Usage: "lock name", Required: true}
}
