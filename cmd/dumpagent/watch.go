package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	dumpagent "github.com/qsmonitor/dumpagent"
	"github.com/qsmonitor/dumpagent/internal/artifact"
	"github.com/qsmonitor/dumpagent/internal/notify"
	"github.com/qsmonitor/dumpagent/internal/storage"
	"github.com/qsmonitor/dumpagent/providers/adb"
)

func newWatchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the fleet for fresh coredumps and extract automatically",
		Long: `watch polls every connected device for new files in the systemd coredump
directory. When a fresh coredump appears anywhere in the fleet, a headless
extraction runs across all connected devices and the results land under the
configured log directory. Runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), interval)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "coredump poll interval (default: CRASH_POLL_INTERVAL or 30s)")
	return cmd
}

func runWatch(parent context.Context, interval time.Duration) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := dumpagent.ConfigFromEnv()
	cfg.Runner = dumpagent.NewExecProcessRunner()

	transport, err := adb.NewDefault()
	if err != nil {
		return err
	}
	cfg.Transport = transport

	history, err := storage.Open("")
	if err != nil {
		return err
	}
	defer history.Close()
	cfg.History = history

	if n := notify.NewFromEnv(); n != nil {
		cfg.Notifier = n
	}
	if store := artifact.ConfigFromEnv(); store.Enabled() {
		uploader, err := artifact.NewStore(store)
		if err != nil {
			return err
		}
		cfg.Uploader = uploader
	}

	coordinator, err := dumpagent.NewFleetDumpCoordinator(cfg)
	if err != nil {
		return err
	}
	if interval <= 0 {
		interval = dumpagent.CrashPollInterval()
	}
	monitor, err := dumpagent.NewCrashMonitor(transport, coordinator, interval)
	if err != nil {
		return err
	}

	log.Info().Dur("interval", interval).Msg("watching fleet for coredumps")

	group, groupCtx := errgroup.WithContext(ctx)
	dumpagent.GroupGoSafe(groupCtx, group, "coordinator", coordinator.Run)
	dumpagent.GroupGoSafe(groupCtx, group, "crash-monitor", monitor.Run)

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
