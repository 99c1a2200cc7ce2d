package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

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

type dumpFlags struct {
	devices        []string
	mode           string
	strategy       string
	upload         bool
	noUpload       bool
	maxConcurrency int
	logDir         string
	prefix         string
	script         string
}

func newDumpCmd() *cobra.Command {
	flags := &dumpFlags{}
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Run a dump extraction across connected devices",
		Long: `dump triggers one coredump extraction across the selected devices (all
connected devices when --devices is omitted), waits for every device to
finish, and prints the per-device results. With --upload the finished issue
directory is pushed to the artifact store after an interactive confirmation.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(cmd.Context(), flags)
		},
	}
	cmd.Flags().StringSliceVar(&flags.devices, "devices", nil, "device serials to dump (default: all connected)")
	cmd.Flags().StringVar(&flags.mode, "mode", "", "dump mode: interactive or headless (default: per trigger)")
	cmd.Flags().StringVar(&flags.strategy, "strategy", "", "path strategy: unified, individual or hybrid")
	cmd.Flags().BoolVar(&flags.upload, "upload", false, "upload the issue directory after extraction")
	cmd.Flags().BoolVar(&flags.noUpload, "no-upload", false, "never upload, even when auto-upload is configured")
	cmd.Flags().IntVar(&flags.maxConcurrency, "max-concurrency", 0, "maximum concurrent device extractions")
	cmd.Flags().StringVar(&flags.logDir, "log-dir", "", "root directory for dump output")
	cmd.Flags().StringVar(&flags.prefix, "prefix", "", "issue directory prefix under the log dir")
	cmd.Flags().StringVar(&flags.script, "script", "", "path to the extraction script")
	return cmd
}

func runDump(parent context.Context, flags *dumpFlags) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := buildConfig(flags)

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
	cfg.ConfirmUpload = promptUploadConfirm

	targets := flags.devices
	if len(targets) == 0 {
		targets, err = transport.ListDevices(ctx)
		if err != nil {
			return errors.Wrap(err, "list connected devices failed")
		}
	}
	if len(targets) == 0 {
		return errors.New("no devices connected")
	}

	opts := dumpagent.RequestOptions{Mode: parseMode(flags.mode)}
	uploadWanted := cfg.AutoUpload
	switch {
	case flags.upload:
		enabled := true
		opts.UploadEnabled = &enabled
		uploadWanted = true
	case flags.noUpload:
		enabled := false
		opts.UploadEnabled = &enabled
		uploadWanted = false
	}

	sink := newConsoleSink(cfg.Uploader != nil && uploadWanted)
	cfg.Sink = sink

	coordinator, err := dumpagent.NewFleetDumpCoordinator(cfg)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, groupCtx := errgroup.WithContext(runCtx)
	dumpagent.GroupGoSafe(groupCtx, group, "coordinator", coordinator.Run)

	coordinator.Request(dumpagent.TriggerManual, targets, opts)

	select {
	case <-sink.done:
		cancel()
	case <-ctx.Done():
		log.Warn().Msg("interrupted, waiting for in-flight extractions")
		cancel()
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return sink.exitError()
}

func buildConfig(flags *dumpFlags) dumpagent.Config {
	cfg := dumpagent.ConfigFromEnv()
	cfg.Runner = dumpagent.NewExecProcessRunner()
	if flags.logDir != "" {
		cfg.LogDir = flags.logDir
	}
	if flags.prefix != "" {
		cfg.DirectoryPrefix = flags.prefix
	}
	if flags.script != "" {
		cfg.ScriptPath = flags.script
	}
	if flags.strategy != "" {
		cfg.PathStrategy = flags.strategy
	}
	if flags.maxConcurrency > 0 {
		cfg.MaxConcurrency = flags.maxConcurrency
	}
	return cfg
}

func parseMode(mode string) dumpagent.DumpMode {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "headless":
		return dumpagent.ModeHeadless
	case "interactive":
		return dumpagent.ModeInteractive
	default:
		return ""
	}
}

// promptUploadConfirm asks the operator before a manual dump is uploaded. It
// runs on the upload worker goroutine, so blocking on stdin is fine.
func promptUploadConfirm(issueID, issueRoot string) bool {
	fmt.Fprintf(os.Stderr, "Upload dump %s (%s) to the artifact store? [y/N]: ", issueID, issueRoot)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// consoleSink prints progress to stdout and closes done once the request (and
// its upload, when one is expected) has finished.
type consoleSink struct {
	uploadExpected bool
	done           chan struct{}
	failCount      int
	fleetErr       error
}

func newConsoleSink(uploadExpected bool) *consoleSink {
	return &consoleSink{uploadExpected: uploadExpected, done: make(chan struct{})}
}

func (s *consoleSink) DumpStatusChanged(deviceID string, oldState, newState dumpagent.DumpState, trigger dumpagent.TriggerReason) {
	fmt.Printf("[%s] %s -> %s\n", deviceID, oldState, newState)
}

func (s *consoleSink) DumpProgress(deviceID, message string) {
	fmt.Printf("[%s] %s\n", deviceID, message)
}

func (s *consoleSink) FleetProgress(issueID string, completed, total int) {
	fmt.Printf("progress: %d/%d devices finished\n", completed, total)
}

func (s *consoleSink) FleetCompleted(issueID string, successCount, failCount int, issueRoot string) {
	s.failCount = failCount
	fmt.Printf("fleet dump %s finished: %d ok, %d failed\nresults: %s\n",
		issueID, successCount, failCount, issueRoot)
	// An upload only follows when one is configured and something succeeded.
	if !s.uploadExpected || successCount == 0 {
		close(s.done)
	}
}

func (s *consoleSink) FleetError(issueID string, err error) {
	s.fleetErr = err
	fmt.Printf("fleet dump failed: %v\n", err)
	close(s.done)
}

func (s *consoleSink) UploadCompleted(issueID string, success bool, message string) {
	fmt.Printf("upload: success=%v %s\n", success, message)
	close(s.done)
}

func (s *consoleSink) exitError() error {
	if s.fleetErr != nil {
		return s.fleetErr
	}
	if s.failCount > 0 {
		return errors.Errorf("%d device(s) failed to produce a dump", s.failCount)
	}
	return nil
}
