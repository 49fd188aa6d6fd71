package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-lockable/v1/lock"
)

// childWaitDelay bounds how long a killed child may keep its pipes open.
const childWaitDelay = 2 * time.Second

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "run a command while holding a lock",
		ArgsUsage: "-- <command> [args...]",
		Flags: []cli.Flag{
			nameFlag(),
			&cli.BoolFlag{Name: "wait", Aliases: []string{"w"}, Usage: "wait for a busy lock instead of giving up"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args := cmd.Args().Slice()
			if len(args) == 0 {
				return fmt.Errorf("%w: run needs a command after --", errUsage)
			}
			e, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.close()

			l, err := e.newLock(cmd.String("name"))
			if err != nil {
				return err
			}
			e.log.Debug("running under lock",
				zap.String("name", l.Name()),
				zap.Stringer("provider", l.Provider()),
				zap.Strings("argv", args),
			)

			var childErr error
			ran, err := l.RequestWith(ctx, lock.RequestOptions{Waiting: cmd.Bool("wait")}, func(ctx context.Context) error {
				// The hang guard cancels ctx, which kills the child.
				c := exec.CommandContext(ctx, args[0], args[1:]...)
				c.Stdin = os.Stdin
				c.Stdout = cmd.Root().Writer
				c.Stderr = cmd.Root().ErrWriter
				c.WaitDelay = childWaitDelay
				childErr = c.Run()
				return childErr
			})
			return runResult(l.Name(), ran, err, childErr)
		},
	}
}

func runResult(name string, ran bool, err, childErr error) error {
	switch {
	case errors.Is(err, lock.ErrHangTimeout):
		return cli.Exit(err.Error(), exitHang)
	case !ran && err == nil:
		return cli.Exit(fmt.Sprintf("lock %q is busy", name), exitBusy)
	case errors.Is(err, lock.ErrWaitTimeout):
		return cli.Exit(err.Error(), exitBusy)
	}
	var exitErr *exec.ExitError
	if childErr != nil && errors.As(childErr, &exitErr) && errors.Is(err, childErr) {
		// The child already reported on its own stderr.
		return cli.Exit("", exitErr.ExitCode())
	}
	return err
}
