package dumpagent

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const issueTimestampLayout = "20060102_150405"

// Config controls FleetDumpCoordinator behavior. Collaborators left nil fall
// back to no-ops (History, Sink, Notifier) or defaults (Runner); a nil
// Uploader disables upload dispatch entirely.
type Config struct {
	LogDir          string
	ScriptPath      string
	MaxConcurrency  int
	PathStrategy    string
	DirectoryPrefix string
	UploadPrefix    string
	// AutoUpload is the global default applied when a request carries no
	// explicit upload flag.
	AutoUpload         bool
	HeadlessTimeout    time.Duration
	InteractiveTimeout time.Duration
	KillGracePeriod    time.Duration

	Transport Transport
	Runner    ProcessRunner
	Uploader  Uploader
	History   HistoryRecorder
	Sink      EventSink
	Notifier  Notifier
	// ConfirmUpload gates uploads for manual triggers. Called from the upload
	// worker, never from the control loop. Nil means manual uploads are
	// skipped.
	ConfirmUpload func(issueID, issueRoot string) bool
}

// RequestOptions tunes one fleet request.
type RequestOptions struct {
	// IssueID overrides the generated timestamp id.
	IssueID string
	// Mode overrides the trigger's default dump mode.
	Mode DumpMode
	// UploadEnabled overrides the global AutoUpload default when non-nil.
	UploadEnabled *bool
}

type fleetRequest struct {
	issueID       string
	trigger       TriggerReason
	mode          DumpMode
	issueRoot     string
	uploadEnabled *bool
	targets       map[string]struct{}
	targetOrder   []string
	results       map[string]Outcome
	successCount  int
	failCount     int
	pending       []string
	inflight      int
	jobs          map[string]*DumpJob
}

type requestCommand struct {
	trigger TriggerReason
	targets []string
	opts    RequestOptions
}

type reportCommand struct {
	issueID string
	outcome Outcome
}

type cancelCommand struct {
	deviceID string
	cleanup  bool
}

type uploadReportCommand struct {
	issueID   string
	issueRoot string
	outcome   UploadOutcome
}

// FleetDumpCoordinator fans one dump request out to every target device,
// bounds concurrent extractions, aggregates per-device outcomes into the
// manifest, and drives the follow-on upload. All mutable fleet state is owned
// by the single control loop in Run; collaborators communicate with it
// through the command channel only.
type FleetDumpCoordinator struct {
	cfg      Config
	strategy PathStrategy
	history  HistoryRecorder
	sink     EventSink

	commands chan any
	// uploadSlot serializes background uploads: one at a time, matching the
	// manifest's single-writer discipline for upload results.
	uploadSlot chan struct{}
	group      sync.WaitGroup

	active *fleetRequest
}

// NewFleetDumpCoordinator builds a coordinator with the given configuration.
func NewFleetDumpCoordinator(cfg Config) (*FleetDumpCoordinator, error) {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 3
	}
	if cfg.LogDir == "" {
		cfg.LogDir = "logs"
	}
	if cfg.DirectoryPrefix == "" {
		cfg.DirectoryPrefix = "issues"
	}
	if cfg.UploadPrefix == "" {
		cfg.UploadPrefix = "issues"
	}
	if strings.TrimSpace(cfg.ScriptPath) == "" {
		return nil, errors.New("dump script path cannot be empty")
	}
	if cfg.Runner == nil {
		cfg.Runner = NewExecProcessRunner()
	}
	history := cfg.History
	if history == nil {
		history = noopHistory{}
	}
	sink := cfg.Sink
	if sink == nil {
		sink = noopSink{}
	}
	strategy := NewPathStrategy(cfg.PathStrategy, cfg.LogDir, cfg.DirectoryPrefix)
	coordinator := &FleetDumpCoordinator{
		cfg:        cfg,
		strategy:   strategy,
		history:    history,
		sink:       sink,
		commands:   make(chan any, 64),
		uploadSlot: make(chan struct{}, 1),
	}
	log.Debug().Str("path_strategy", strategy.Name()).Int("max_concurrency", cfg.MaxConcurrency).Msg("fleet dump coordinator initialized")
	return coordinator, nil
}

// Request asks for one fleet dump. It never blocks the caller; admission is
// decided by the control loop. While a request is active, further requests
// are logged and dropped, never queued.
func (c *FleetDumpCoordinator) Request(trigger TriggerReason, targets []string, opts RequestOptions) {
	c.commands <- requestCommand{trigger: trigger, targets: targets, opts: opts}
}

// CancelDevice forwards a two-stage-confirmed cancellation to the named
// device's live job. No-op when the device has no job in flight.
func (c *FleetDumpCoordinator) CancelDevice(deviceID string, cleanup bool) {
	c.commands <- cancelCommand{deviceID: deviceID, cleanup: cleanup}
}

// Run executes the control loop until ctx is cancelled, then waits for any
// in-flight jobs and uploads to wind down.
func (c *FleetDumpCoordinator) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context cannot be nil")
	}
	for {
		select {
		case <-ctx.Done():
			c.group.Wait()
			return nil
		case cmd := <-c.commands:
			switch cmd := cmd.(type) {
			case requestCommand:
				c.handleRequest(ctx, cmd)
			case reportCommand:
				c.handleReport(ctx, cmd)
			case cancelCommand:
				c.handleCancel(cmd)
			case uploadReportCommand:
				c.handleUploadReport(ctx, cmd)
			}
		}
	}
}

func (c *FleetDumpCoordinator) handleRequest(ctx context.Context, cmd requestCommand) {
	if c.active != nil {
		log.Warn().
			Str("active_issue_id", c.active.issueID).
			Str("triggered_by", string(cmd.trigger)).
			Msg("another fleet dump is in progress, ignoring request")
		return
	}

	targets := dedupeSerials(cmd.targets)
	if len(targets) == 0 {
		log.Warn().Str("triggered_by", string(cmd.trigger)).Msg("no target devices to dump")
		c.sink.FleetError("", errors.New("no target devices to dump"))
		return
	}

	issueID := strings.TrimSpace(cmd.opts.IssueID)
	if issueID == "" {
		issueID = time.Now().Format(issueTimestampLayout) + "_" + uuid.NewString()[:8]
	}
	mode := cmd.opts.Mode
	if mode == "" {
		mode = defaultModeFor(cmd.trigger)
	}

	issueRoot := filepath.Dir(c.strategy.DumpDirectory(targets[0], issueID, cmd.trigger))
	if err := os.MkdirAll(issueRoot, 0o755); err != nil {
		log.Error().Err(err).Str("issue_dir", issueRoot).Msg("create issue directory failed")
		c.sink.FleetError(issueID, errors.Wrap(err, "create issue directory failed"))
		return
	}

	req := &fleetRequest{
		issueID:       issueID,
		trigger:       cmd.trigger,
		mode:          mode,
		issueRoot:     issueRoot,
		uploadEnabled: cmd.opts.UploadEnabled,
		targets:       make(map[string]struct{}, len(targets)),
		targetOrder:   targets,
		results:       make(map[string]Outcome, len(targets)),
		pending:       append([]string(nil), targets...),
		jobs:          make(map[string]*DumpJob, len(targets)),
	}
	for _, serial := range targets {
		req.targets[serial] = struct{}{}
	}
	c.active = req

	log.Info().
		Str("issue_id", issueID).
		Str("triggered_by", string(cmd.trigger)).
		Str("mode", string(mode)).
		Int("targets", len(targets)).
		Str("issue_dir", issueRoot).
		Msg("fleet dump request accepted")

	c.persistManifest(req)
	if err := c.history.RecordRequest(ctx, &RequestRecord{
		IssueID:      issueID,
		TriggeredBy:  cmd.trigger,
		PathStrategy: c.strategy.Name(),
		IssueRoot:    issueRoot,
		TargetCount:  len(targets),
		StartedAt:    time.Now(),
	}); err != nil {
		log.Error().Err(err).Str("issue_id", issueID).Msg("record fleet request failed")
	}

	c.launchMore(ctx)
}

// launchMore admits queued devices while concurrency allows. A device whose
// dump directory cannot be created fails setup immediately, consuming no
// slot.
func (c *FleetDumpCoordinator) launchMore(ctx context.Context) {
	req := c.active
	if req == nil {
		return
	}
	for len(req.pending) > 0 && req.inflight < c.cfg.MaxConcurrency {
		deviceID := req.pending[0]
		req.pending = req.pending[1:]

		deviceDir := c.strategy.DumpDirectory(deviceID, req.issueID, req.trigger)
		if err := os.MkdirAll(deviceDir, 0o755); err != nil {
			log.Error().Err(err).Str("serial", deviceID).Str("dump_dir", deviceDir).Msg("create device dump directory failed")
			c.recordOutcome(ctx, req, Outcome{
				DeviceID: deviceID,
				Class:    OutcomeSetupError,
				Detail:   errors.Wrap(err, "create device dump directory failed").Error(),
			})
			if c.active != req {
				return
			}
			continue
		}

		timeout := c.cfg.HeadlessTimeout
		if req.mode == ModeInteractive {
			timeout = c.cfg.InteractiveTimeout
		}
		job := NewDumpJob(JobConfig{
			DeviceID:        deviceID,
			Trigger:         req.trigger,
			Mode:            req.mode,
			WorkDir:         deviceDir,
			ScriptPath:      c.cfg.ScriptPath,
			Runner:          c.cfg.Runner,
			Transport:       c.cfg.Transport,
			Sink:            c.sink,
			Timeout:         timeout,
			KillGracePeriod: c.cfg.KillGracePeriod,
		})
		req.jobs[deviceID] = job
		req.inflight++

		issueID := req.issueID
		c.group.Add(1)
		go func() {
			defer c.group.Done()
			outcome := job.Run(ctx)
			select {
			case c.commands <- reportCommand{issueID: issueID, outcome: outcome}:
			case <-ctx.Done():
			}
		}()
	}
}

func (c *FleetDumpCoordinator) handleReport(ctx context.Context, cmd reportCommand) {
	req := c.active
	if req == nil || req.issueID != cmd.issueID {
		log.Debug().Str("issue_id", cmd.issueID).Str("serial", cmd.outcome.DeviceID).Msg("stale dump report, ignoring")
		return
	}
	if _, done := req.results[cmd.outcome.DeviceID]; done {
		log.Debug().Str("serial", cmd.outcome.DeviceID).Msg("duplicate dump report, ignoring")
		return
	}
	// The job goroutine reports only after its process has actually
	// terminated, so releasing the slot here is safe.
	req.inflight--
	delete(req.jobs, cmd.outcome.DeviceID)
	c.recordOutcome(ctx, req, cmd.outcome)
	if c.active == req {
		c.launchMore(ctx)
	}
}

// recordOutcome merges one terminal outcome into the request. The merge is
// commutative: devices may finish in any order.
func (c *FleetDumpCoordinator) recordOutcome(ctx context.Context, req *fleetRequest, outcome Outcome) {
	if _, isTarget := req.targets[outcome.DeviceID]; !isTarget {
		log.Warn().Str("serial", outcome.DeviceID).Str("issue_id", req.issueID).Msg("dump report for unknown device, ignoring")
		return
	}
	if _, done := req.results[outcome.DeviceID]; done {
		return
	}
	req.results[outcome.DeviceID] = outcome
	switch {
	case outcome.Success:
		req.successCount++
	case outcome.Cancelled:
		// User cancellations are a distinguished result, not a failure for
		// statistics.
	default:
		req.failCount++
	}

	c.persistManifest(req)
	if err := c.history.RecordResult(ctx, req.issueID, &ResultRecord{
		DeviceSerial: outcome.DeviceID,
		Success:      outcome.Success,
		Cancelled:    outcome.Cancelled,
		Detail:       outcome.Detail,
		DumpPath:     outcome.DumpPath,
	}); err != nil {
		log.Error().Err(err).Str("serial", outcome.DeviceID).Msg("record dump result failed")
	}

	log.Info().
		Str("issue_id", req.issueID).
		Str("serial", outcome.DeviceID).
		Bool("success", outcome.Success).
		Str("detail", outcome.Detail).
		Int("completed", len(req.results)).
		Int("total", len(req.targets)).
		Msg("device dump finished")
	c.sink.FleetProgress(req.issueID, len(req.results), len(req.targets))

	if len(req.results) == len(req.targets) {
		c.finish(ctx, req)
	}
}

// finish emits completion, dispatches the upload when warranted, and clears
// in-memory state. The manifest file remains as the durable record.
func (c *FleetDumpCoordinator) finish(ctx context.Context, req *fleetRequest) {
	log.Info().
		Str("issue_id", req.issueID).
		Int("success_count", req.successCount).
		Int("fail_count", req.failCount).
		Str("issue_dir", req.issueRoot).
		Msg("fleet dump completed")
	c.sink.FleetCompleted(req.issueID, req.successCount, req.failCount, req.issueRoot)

	if err := c.history.FinishRequest(ctx, req.issueID, req.successCount, req.failCount); err != nil {
		log.Error().Err(err).Str("issue_id", req.issueID).Msg("finish fleet request record failed")
	}
	if c.cfg.Notifier != nil {
		summary := FleetSummary{
			IssueID:      req.issueID,
			TriggeredBy:  req.trigger,
			SuccessCount: req.successCount,
			FailCount:    req.failCount,
			IssueRoot:    req.issueRoot,
		}
		c.group.Add(1)
		go func() {
			defer c.group.Done()
			if err := c.cfg.Notifier.FleetCompleted(ctx, summary); err != nil {
				log.Warn().Err(err).Str("issue_id", summary.IssueID).Msg("fleet completion notification failed")
			}
		}()
	}

	c.maybeDispatchUpload(ctx, req)
	c.active = nil
}

func (c *FleetDumpCoordinator) maybeDispatchUpload(ctx context.Context, req *fleetRequest) {
	if c.cfg.Uploader == nil {
		return
	}
	enabled := c.cfg.AutoUpload
	if req.uploadEnabled != nil {
		enabled = *req.uploadEnabled
	}
	if !enabled {
		log.Debug().Str("issue_id", req.issueID).Msg("upload not requested for this dump")
		return
	}
	if req.successCount == 0 {
		log.Info().Str("issue_id", req.issueID).Msg("no successful dumps, skipping upload")
		return
	}

	manual := req.trigger == TriggerManual
	if manual && c.cfg.ConfirmUpload == nil {
		log.Info().Str("issue_id", req.issueID).Msg("manual dump without upload confirmation handler, skipping upload")
		return
	}

	issueID := req.issueID
	issueRoot := req.issueRoot
	remotePath := path.Join(c.cfg.UploadPrefix, issueID)
	c.group.Add(1)
	go func() {
		defer c.group.Done()
		c.uploadSlot <- struct{}{}
		defer func() { <-c.uploadSlot }()

		var outcome UploadOutcome
		if manual && !c.cfg.ConfirmUpload(issueID, issueRoot) {
			log.Info().Str("issue_id", issueID).Msg("upload declined by operator")
			outcome = UploadOutcome{
				Message:   "upload declined by operator",
				Timestamp: time.Now().Format(issueTimestampLayout),
			}
		} else {
			outcome = c.performUpload(ctx, issueRoot, remotePath)
		}
		select {
		case c.commands <- uploadReportCommand{issueID: issueID, issueRoot: issueRoot, outcome: outcome}:
		case <-ctx.Done():
		}
	}()
}

func (c *FleetDumpCoordinator) performUpload(ctx context.Context, issueRoot, remotePath string) UploadOutcome {
	stamp := time.Now().Format(issueTimestampLayout)
	if err := c.cfg.Uploader.VerifySetup(ctx); err != nil {
		log.Warn().Err(err).Msg("upload setup verification failed")
		return UploadOutcome{Message: errors.Wrap(err, "upload setup verification failed").Error(), Timestamp: stamp}
	}
	log.Info().Str("local_path", issueRoot).Str("remote_path", remotePath).Msg("uploading dump artifacts")
	result, err := c.cfg.Uploader.UploadDirectory(ctx, issueRoot, remotePath)
	if err != nil {
		log.Error().Err(err).Str("local_path", issueRoot).Msg("dump upload failed")
		return UploadOutcome{Message: err.Error(), Timestamp: stamp}
	}
	return UploadOutcome{
		Success:       result.Success,
		Message:       result.Message,
		UploadedFiles: result.UploadedFiles,
		Timestamp:     stamp,
	}
}

// handleUploadReport stamps the upload result into the (already finalized)
// manifest on disk. In-memory state is gone by now, so this is a
// read-modify-write of the file itself.
func (c *FleetDumpCoordinator) handleUploadReport(ctx context.Context, cmd uploadReportCommand) {
	manifest, err := LoadManifest(cmd.issueRoot)
	if err != nil {
		log.Warn().Err(err).Str("issue_id", cmd.issueID).Msg("load manifest for upload result failed")
		return
	}
	// Under the individual strategy all requests share one issue root, so a
	// slow upload may outlive its request. Never stamp another request's
	// manifest.
	if manifest.IssueID != cmd.issueID {
		log.Warn().
			Str("issue_id", cmd.issueID).
			Str("manifest_issue_id", manifest.IssueID).
			Msg("manifest belongs to a different request, dropping upload result")
		return
	}
	outcome := cmd.outcome
	manifest.UploadResult = &outcome
	if err := manifest.Write(cmd.issueRoot); err != nil {
		log.Warn().Err(err).Str("issue_id", cmd.issueID).Msg("update manifest with upload result failed")
	}
	if err := c.history.RecordUpload(ctx, cmd.issueID, outcome.Success, outcome.Message); err != nil {
		log.Error().Err(err).Str("issue_id", cmd.issueID).Msg("record upload result failed")
	}
	log.Info().
		Str("issue_id", cmd.issueID).
		Bool("success", outcome.Success).
		Int("uploaded_files", len(outcome.UploadedFiles)).
		Msg("dump upload finished")
	c.sink.UploadCompleted(cmd.issueID, outcome.Success, outcome.Message)
}

func (c *FleetDumpCoordinator) handleCancel(cmd cancelCommand) {
	req := c.active
	if req == nil {
		log.Debug().Str("serial", cmd.deviceID).Msg("no active fleet request, ignoring cancellation")
		return
	}
	job, ok := req.jobs[cmd.deviceID]
	if !ok {
		log.Debug().Str("serial", cmd.deviceID).Msg("no live dump job for device, ignoring cancellation")
		return
	}
	job.Cancel(cmd.cleanup)
}

// persistManifest rebuilds the manifest from in-memory state and rewrites it
// wholesale. Write failure is non-fatal: memory stays authoritative and the
// next event retries persistence.
func (c *FleetDumpCoordinator) persistManifest(req *fleetRequest) {
	manifest := &Manifest{
		IssueID:       req.issueID,
		TriggeredBy:   string(req.trigger),
		PathStrategy:  c.strategy.Name(),
		Targets:       append([]string(nil), req.targetOrder...),
		Results:       make(map[string]DeviceResult, len(req.results)),
		SuccessCount:  req.successCount,
		FailCount:     req.failCount,
		IssueDir:      req.issueRoot,
		UploadEnabled: req.uploadEnabled,
	}
	for serial, outcome := range req.results {
		manifest.Results[serial] = DeviceResult{
			Success:   outcome.Success,
			Cancelled: outcome.Cancelled,
			Detail:    outcome.Detail,
			DumpPath:  outcome.DumpPath,
		}
	}
	if err := manifest.Write(req.issueRoot); err != nil {
		log.Warn().Err(err).Str("issue_id", req.issueID).Msg("write manifest failed")
	}
}

func defaultModeFor(trigger TriggerReason) DumpMode {
	switch trigger {
	case TriggerCrashMonitor, TriggerHealthCheck:
		return ModeHeadless
	default:
		return ModeInteractive
	}
}

func dedupeSerials(serials []string) []string {
	seen := make(map[string]struct{}, len(serials))
	result := make([]string, 0, len(serials))
	for _, serial := range serials {
		serial = strings.TrimSpace(serial)
		if serial == "" {
			continue
		}
		if _, ok := seen[serial]; ok {
			continue
		}
		seen[serial] = struct{}{}
		result = append(result, serial)
	}
	return result
}
