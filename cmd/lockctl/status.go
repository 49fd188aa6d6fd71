package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/mirkobrombin/go-lockable/v1/lock"
	"github.com/mirkobrombin/go-lockable/v1/store"
)

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "print the lease of a name",
		Flags: []cli.Flag{nameFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.close()

			name := cmd.String("name")
			lease, found, err := store.Get(ctx, e.store, name)
			if err != nil {
				return err
			}
			w := cmd.Root().Writer
			now := time.Now()
			switch {
			case !found:
				fmt.Fprintf(w, "%s: free\n", name)
			case lease.Valid(now):
				fmt.Fprintf(w, "%s: held until %s (%s left)\n", name,
					lease.ExpiresAt.Format(time.RFC3339Nano), lease.ExpiresAt.Sub(now).Round(time.Millisecond))
			default:
				fmt.Fprintf(w, "%s: expired at %s\n", name, lease.ExpiresAt.Format(time.RFC3339Nano))
			}
			return nil
		},
	}
}

func releaseCommand() *cli.Command {
	return &cli.Command{
		Name:  "release",
		Usage: "force-delete the lease of a name",
		Description: "Deleting the lease of a live holder breaks mutual exclusion until it " +
			"finishes. Use it for leases left by holders known to be gone.",
		Flags: []cli.Flag{nameFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.close()

			name := cmd.String("name")
			if err := e.store.Delete(ctx, name); err != nil {
				return err
			}
			if e.bus != nil {
				_ = e.bus.Publish(ctx, lock.UnlockTopic(name))
			}
			fmt.Fprintf(cmd.Root().Writer, "%s: released\n", name)
			return nil
		},
	}
}
