package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/openmined/drivesync/internal/ignore"
	"github.com/openmined/drivesync/internal/synchronizer"
	"github.com/openmined/drivesync/internal/watcher"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	defaultInterval = 5 * time.Minute
	defaultQuiet    = 2 * time.Second
)

func init() {
	rootCmd.AddCommand(newWatchCmd())
}

func newWatchCmd() *cobra.Command {
	var interval, quiet time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Sync continuously: on local changes and on a timer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadValidConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ign := ignore.Load(a.fs)
			w := watcher.New(cfg.LocalRoot, watcher.Options{
				Quiet: quiet,
				Filter: func(rel string) bool {
					return ign.ShouldIgnore(rel, false)
				},
			})
			if err := w.Start(cmd.Context()); err != nil {
				return err
			}
			defer w.Stop()

			defer slog.Info("Bye!")
			return watchLoop(cmd.Context(), clockwork.NewRealClock(), interval, w.Changes(), func(ctx context.Context) error {
				_, err := a.pass(ctx, "")
				return err
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", defaultInterval, "time between full passes when nothing changes")
	cmd.Flags().DurationVar(&quiet, "quiet", defaultQuiet, "how long the tree must stay still before a change triggers a pass")
	return cmd
}

// watchLoop runs a pass at once, then whenever changes arrive or interval
// passes without one. Passes never overlap; changes seen during a pass
// trigger one more. A failed pass is logged and the loop carries on until
// ctx ends.
func watchLoop(ctx context.Context, clock clockwork.Clock, interval time.Duration, changes <-chan []string, run func(context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)
	trigger := make(chan struct{}, 1)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case batch, ok := <-changes:
				if !ok {
					return nil
				}
				slog.Debug("local changes", "count", len(batch))
				select {
				case trigger <- struct{}{}:
				default:
				}
			}
		}
	})

	g.Go(func() error {
		pass := func() bool {
			err := run(ctx)
			switch {
			case err == nil:
			case ctx.Err() != nil:
				return false
			case errors.Is(err, synchronizer.ErrSyncAlreadyRunning):
				slog.Debug("sync pass skipped", "reason", err)
			default:
				slog.Error("sync pass", "error", err)
			}
			return true
		}

		if !pass() {
			return nil
		}
		timer := clock.NewTimer(interval)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-timer.Chan():
			case <-trigger:
			}
			if !pass() {
				return nil
			}

			if !timer.Stop() {
				select {
				case <-timer.Chan():
				default:
				}
			}
			timer.Reset(interval)
		}
	})

	return g.Wait()
}
