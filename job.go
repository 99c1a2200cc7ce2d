package dumpagent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultHeadlessTimeout bounds unattended extractions, which must fail
	// fast since nobody is watching.
	DefaultHeadlessTimeout = 300 * time.Second
	// DefaultInteractiveTimeout leaves room for the two-stage cancel dialog.
	DefaultInteractiveTimeout = 600 * time.Second
	// DefaultKillGracePeriod is how long a cancelled process gets to exit
	// after a graceful terminate before it is force-killed.
	DefaultKillGracePeriod = 5 * time.Second
)

// cleanupCommands removes extraction leftovers from the target device after a
// confirmed cancellation. Issued best-effort, exactly once, after the process
// is gone.
var cleanupCommands = []string{
	"rm -rf /data/var/lib/systemd/systemd-coredump/*",
	"rm -rf /data/tmp/crash-alarm/*",
}

// requiredDumpItems are expected alongside the archives; missing ones are
// logged as warnings, never failures.
var requiredDumpItems = []string{"sw_version.txt", "coredump"}

// JobConfig carries everything a DumpJob needs for one extraction.
type JobConfig struct {
	DeviceID   string
	Trigger    TriggerReason
	Mode       DumpMode
	WorkDir    string
	ScriptPath string
	Runner     ProcessRunner
	Transport  Transport
	Sink       EventSink
	// Timeout overrides the mode default when positive.
	Timeout time.Duration
	// KillGracePeriod overrides DefaultKillGracePeriod when positive.
	KillGracePeriod time.Duration
}

type cancelRequest struct {
	cleanup bool
}

// DumpJob owns one device's extraction lifecycle. Transitions are strictly
// sequential within a job; EXTRACTING is never re-entered without passing
// through a terminal state and a reset. A job never retries itself.
type DumpJob struct {
	cfg      JobConfig
	sink     EventSink
	timeout  time.Duration
	grace    time.Duration
	state    DumpState
	cancelCh chan cancelRequest
}

// NewDumpJob builds an idle job for one device.
func NewDumpJob(cfg JobConfig) *DumpJob {
	if cfg.Sink == nil {
		cfg.Sink = noopSink{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		if cfg.Mode == ModeHeadless {
			timeout = DefaultHeadlessTimeout
		} else {
			timeout = DefaultInteractiveTimeout
		}
	}
	grace := cfg.KillGracePeriod
	if grace <= 0 {
		grace = DefaultKillGracePeriod
	}
	return &DumpJob{
		cfg:      cfg,
		sink:     cfg.Sink,
		timeout:  timeout,
		grace:    grace,
		state:    StateIdle,
		cancelCh: make(chan cancelRequest, 1),
	}
}

// Cancel requests a graceful stop. The cleanup flag asks for target-side
// coredump removal once the process is gone. Duplicate requests while one is
// pending are dropped.
func (j *DumpJob) Cancel(cleanup bool) {
	select {
	case j.cancelCh <- cancelRequest{cleanup: cleanup}:
	default:
		log.Debug().Str("serial", j.cfg.DeviceID).Msg("cancellation already requested, ignoring duplicate")
	}
}

// Run drives the job to a terminal outcome and resets it to idle. It returns
// only once the extraction process has actually terminated, so the caller can
// safely treat the return as the release of a concurrency slot.
func (j *DumpJob) Run(ctx context.Context) Outcome {
	outcome := j.run(ctx)
	j.transition(StateIdle)
	return outcome
}

func (j *DumpJob) run(ctx context.Context) Outcome {
	j.transition(StateStarting)

	if err := j.prepare(); err != nil {
		log.Error().Err(err).Str("serial", j.cfg.DeviceID).Msg("dump setup failed, no process launched")
		j.transition(StateFailed)
		return j.failure(OutcomeSetupError, err.Error())
	}

	handle, err := j.cfg.Runner.Start(ctx, j.cfg.ScriptPath, j.cfg.WorkDir, map[string]string{
		"ADB_SERIAL": j.cfg.DeviceID,
	})
	if err != nil {
		log.Error().Err(err).Str("serial", j.cfg.DeviceID).Msg("dump process failed to start")
		j.transition(StateFailed)
		return j.failure(OutcomeProcessError, err.Error())
	}

	j.transition(StateExtracting)
	log.Info().
		Str("serial", j.cfg.DeviceID).
		Str("mode", string(j.cfg.Mode)).
		Str("triggered_by", string(j.cfg.Trigger)).
		Dur("timeout", j.timeout).
		Msg("dump extraction started")

	exit, cancelled, cleanup, timedOut := j.awaitExit(ctx, handle)

	switch {
	case timedOut:
		j.transition(StateTimeout)
		log.Warn().Str("serial", j.cfg.DeviceID).Dur("timeout", j.timeout).Msg("dump extraction timed out, process killed")
		return j.failure(OutcomeTimeout, "dump extraction timed out")
	case cancelled:
		if cleanup {
			j.cleanupTarget(ctx)
		}
		log.Info().Str("serial", j.cfg.DeviceID).Msg("dump extraction cancelled by user")
		return Outcome{
			DeviceID:  j.cfg.DeviceID,
			Cancelled: true,
			Class:     OutcomeCancelled,
			Detail:    "dump extraction cancelled by user",
			DumpPath:  j.cfg.WorkDir,
		}
	case ctx.Err() != nil:
		j.transition(StateFailed)
		return j.failure(OutcomeProcessError, ctx.Err().Error())
	case exit.Err != nil:
		j.transition(StateFailed)
		return j.failure(OutcomeProcessError, exit.Err.Error())
	case exit.Crashed:
		j.transition(StateFailed)
		return j.failure(OutcomeProcessError, "dump process crashed")
	case exit.Code != 0:
		j.transition(StateFailed)
		return j.failure(OutcomeProcessError, fmt.Sprintf("dump process failed with exit code %d", exit.Code))
	}

	j.transition(StateVerifying)
	j.sink.DumpProgress(j.cfg.DeviceID, "Verifying dump results...")
	if err := j.verify(); err != nil {
		log.Error().Err(err).Str("serial", j.cfg.DeviceID).Msg("dump verification failed")
		j.transition(StateFailed)
		return j.failure(OutcomeVerificationError, err.Error())
	}

	j.transition(StateCompleted)
	log.Info().Str("serial", j.cfg.DeviceID).Str("dump_path", j.cfg.WorkDir).Msg("dump extraction completed")
	return Outcome{
		DeviceID: j.cfg.DeviceID,
		Success:  true,
		Class:    OutcomeCompleted,
		Detail:   "dump completed successfully",
		DumpPath: j.cfg.WorkDir,
	}
}

// prepare validates the working directory and script before any process is
// launched. Any failure here is a setup error: fatal, nothing to kill.
func (j *DumpJob) prepare() error {
	if strings.TrimSpace(j.cfg.DeviceID) == "" {
		return errors.New("device id is empty")
	}
	if j.cfg.Runner == nil {
		return errors.New("process runner is nil")
	}
	if err := os.MkdirAll(j.cfg.WorkDir, 0o755); err != nil {
		return errors.Wrapf(err, "create working directory %s failed", j.cfg.WorkDir)
	}
	info, err := os.Stat(j.cfg.ScriptPath)
	if err != nil {
		return errors.Wrapf(err, "dump script not found: %s", j.cfg.ScriptPath)
	}
	if info.IsDir() {
		return errors.Errorf("dump script is a directory: %s", j.cfg.ScriptPath)
	}
	return nil
}

// awaitExit blocks until the process terminates, handling the deadline,
// cancellation with delayed force-kill, and headless elapsed-time ticks. The
// deadline timer is armed once at entry and disarmed exactly once on return.
func (j *DumpJob) awaitExit(ctx context.Context, handle ProcessHandle) (exit ProcessExit, cancelled, cleanup, timedOut bool) {
	deadline := time.NewTimer(j.timeout)
	defer deadline.Stop()

	var tickC <-chan time.Time
	if j.cfg.Mode == ModeHeadless {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		tickC = ticker.C
	}

	start := time.Now()
	var forceKill <-chan time.Time
	for {
		select {
		case exit = <-handle.Exited():
			return exit, cancelled, cleanup, false
		case <-deadline.C:
			handle.Kill()
			exit = <-handle.Exited()
			// A confirmed cancellation stays a cancellation even when the
			// process only dies at the deadline.
			return exit, cancelled, cleanup, !cancelled
		case req := <-j.cancelCh:
			if cancelled {
				continue
			}
			cancelled = true
			cleanup = req.cleanup
			log.Info().
				Str("serial", j.cfg.DeviceID).
				Bool("cleanup_target", cleanup).
				Msg("cancellation confirmed, terminating dump process")
			handle.Terminate()
			killTimer := time.NewTimer(j.grace)
			defer killTimer.Stop()
			forceKill = killTimer.C
		case <-forceKill:
			log.Warn().Str("serial", j.cfg.DeviceID).Msg("dump process still alive after terminate, force killing")
			handle.Kill()
			forceKill = nil
		case <-tickC:
			elapsed := int(time.Since(start).Seconds())
			j.sink.DumpProgress(j.cfg.DeviceID, fmt.Sprintf("Extracting coredump... (%ds)", elapsed))
		case <-ctx.Done():
			handle.Kill()
			exit = <-handle.Exited()
			return exit, cancelled, cleanup, false
		}
	}
}

// verify checks the extraction produced at least one non-empty archive.
// Other expected items are only warned about when missing.
func (j *DumpJob) verify() error {
	entries, err := os.ReadDir(j.cfg.WorkDir)
	if err != nil {
		return errors.Wrapf(err, "read working directory %s failed", j.cfg.WorkDir)
	}
	validZips := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".zip") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			log.Warn().Err(err).Str("serial", j.cfg.DeviceID).Str("file", entry.Name()).Msg("stat dump archive failed")
			continue
		}
		if info.Size() > 0 {
			validZips++
		}
	}
	if validZips == 0 {
		return errors.New("no valid zip files found")
	}
	for _, item := range requiredDumpItems {
		if _, err := os.Stat(filepath.Join(j.cfg.WorkDir, item)); err != nil {
			log.Warn().Str("serial", j.cfg.DeviceID).Str("item", item).Msg("expected dump item not found")
		}
	}
	log.Debug().Str("serial", j.cfg.DeviceID).Int("zip_files", validZips).Msg("dump archives verified")
	return nil
}

// cleanupTarget removes coredump leftovers from the device after a confirmed
// cancellation. Failures are logged and ignored.
func (j *DumpJob) cleanupTarget(ctx context.Context) {
	if j.cfg.Transport == nil {
		log.Debug().Str("serial", j.cfg.DeviceID).Msg("no transport configured, skipping target cleanup")
		return
	}
	for _, command := range cleanupCommands {
		if _, err := j.cfg.Transport.ExecuteShell(ctx, j.cfg.DeviceID, command); err != nil {
			log.Warn().Err(err).Str("serial", j.cfg.DeviceID).Str("command", command).Msg("target cleanup command failed")
			continue
		}
		log.Debug().Str("serial", j.cfg.DeviceID).Str("command", command).Msg("target cleanup command executed")
	}
}

func (j *DumpJob) transition(newState DumpState) {
	oldState := j.state
	j.state = newState
	log.Debug().
		Str("serial", j.cfg.DeviceID).
		Str("old_state", string(oldState)).
		Str("new_state", string(newState)).
		Str("triggered_by", string(j.cfg.Trigger)).
		Msg("dump state changed")
	j.sink.DumpStatusChanged(j.cfg.DeviceID, oldState, newState, j.cfg.Trigger)
}

func (j *DumpJob) failure(class OutcomeClass, detail string) Outcome {
	return Outcome{
		DeviceID: j.cfg.DeviceID,
		Class:    class,
		Detail:   detail,
		DumpPath: j.cfg.WorkDir,
	}
}
