package dumpagent

import (
	"context"
	"time"
)

// DumpState 描述单台设备 dump 提取的生命周期状态。
type DumpState string

const (
	StateIdle       DumpState = "idle"
	StateStarting   DumpState = "starting"
	StateExtracting DumpState = "extracting"
	StateVerifying  DumpState = "verifying"
	StateCompleted  DumpState = "completed"
	StateFailed     DumpState = "failed"
	StateTimeout    DumpState = "timeout"
)

// DumpMode controls whether an extraction runs unattended or with an
// operator watching (and able to cancel).
type DumpMode string

const (
	// ModeInteractive tolerates the two-stage cancel dialog, so it gets the
	// longer deadline.
	ModeInteractive DumpMode = "interactive"
	// ModeHeadless runs unattended and must fail fast.
	ModeHeadless DumpMode = "headless"
)

// TriggerReason 描述触发 dump 的来源。
type TriggerReason string

const (
	TriggerManual       TriggerReason = "manual"
	TriggerCrashMonitor TriggerReason = "crash_monitor"
	TriggerHealthCheck  TriggerReason = "health_check"
)

// OutcomeClass categorizes how a dump job reached its terminal state.
type OutcomeClass string

const (
	OutcomeCompleted         OutcomeClass = "completed"
	OutcomeSetupError        OutcomeClass = "setup_error"
	OutcomeProcessError      OutcomeClass = "process_error"
	OutcomeTimeout           OutcomeClass = "timeout"
	OutcomeVerificationError OutcomeClass = "verification_error"
	OutcomeCancelled         OutcomeClass = "cancelled"
)

// Outcome is the terminal result of one device's dump job. A job never
// retries itself; retry decisions belong to the caller.
type Outcome struct {
	DeviceID  string
	Success   bool
	Cancelled bool
	Class     OutcomeClass
	Detail    string
	DumpPath  string
}

// Transport executes shell commands on a connected device. A returned error
// signals the operation failed; empty output with a nil error is a valid,
// distinct result.
type Transport interface {
	ListDevices(ctx context.Context) ([]string, error)
	ExecuteShell(ctx context.Context, serial, command string) (string, error)
}

// ProcessExit carries the terminal status of an extraction process.
type ProcessExit struct {
	Code    int
	Crashed bool
	Err     error
}

// ProcessHandle controls one live extraction process.
type ProcessHandle interface {
	// Exited delivers exactly one ProcessExit when the process terminates.
	Exited() <-chan ProcessExit
	// Terminate asks the process to stop gracefully.
	Terminate()
	// Kill stops the process immediately.
	Kill()
}

// ProcessRunner launches the device-side extraction script.
type ProcessRunner interface {
	Start(ctx context.Context, scriptPath, workDir string, env map[string]string) (ProcessHandle, error)
}

// UploadResult reports the outcome of uploading a finished dump directory.
type UploadResult struct {
	Success       bool
	Message       string
	UploadedFiles []string
}

// Uploader pushes a finished issue directory to the remote artifact store.
type Uploader interface {
	VerifySetup(ctx context.Context) error
	UploadDirectory(ctx context.Context, localPath, remotePath string) (*UploadResult, error)
}

// FleetSummary describes one finished fleet request.
type FleetSummary struct {
	IssueID      string
	TriggeredBy  TriggerReason
	SuccessCount int
	FailCount    int
	IssueRoot    string
}

// Notifier receives a notice once a fleet request finishes. Headless failures
// are otherwise silent, so this is the only push-style surface for them.
type Notifier interface {
	FleetCompleted(ctx context.Context, summary FleetSummary) error
}

// RequestRecord 描述写入历史账本的一次 fleet 请求。
type RequestRecord struct {
	IssueID      string
	TriggeredBy  TriggerReason
	PathStrategy string
	IssueRoot    string
	TargetCount  int
	StartedAt    time.Time
}

// ResultRecord 描述写入历史账本的单台设备结果。
type ResultRecord struct {
	DeviceSerial string
	Success      bool
	Cancelled    bool
	Detail       string
	DumpPath     string
}

// HistoryRecorder persists fleet requests and per-device outcomes to a local
// ledger. All methods are best-effort from the coordinator's point of view.
type HistoryRecorder interface {
	RecordRequest(ctx context.Context, rec *RequestRecord) error
	RecordResult(ctx context.Context, issueID string, res *ResultRecord) error
	FinishRequest(ctx context.Context, issueID string, successCount, failCount int) error
	RecordUpload(ctx context.Context, issueID string, success bool, message string) error
}

// EventSink receives coordination events. Implementations must not block;
// the coordinator invokes them from its control loop.
type EventSink interface {
	DumpStatusChanged(deviceID string, oldState, newState DumpState, trigger TriggerReason)
	DumpProgress(deviceID, message string)
	FleetProgress(issueID string, completed, total int)
	FleetCompleted(issueID string, successCount, failCount int, issueRoot string)
	FleetError(issueID string, err error)
	UploadCompleted(issueID string, success bool, message string)
}

type noopSink struct{}

func (noopSink) DumpStatusChanged(string, DumpState, DumpState, TriggerReason) {}
func (noopSink) DumpProgress(string, string)                                   {}
func (noopSink) FleetProgress(string, int, int)                                {}
func (noopSink) FleetCompleted(string, int, int, string)                       {}
func (noopSink) FleetError(string, error)                                      {}
func (noopSink) UploadCompleted(string, bool, string)                          {}

var _ EventSink = noopSink{}

type noopHistory struct{}

func (noopHistory) RecordRequest(context.Context, *RequestRecord) error       { return nil }
func (noopHistory) RecordResult(context.Context, string, *ResultRecord) error { return nil }
func (noopHistory) FinishRequest(context.Context, string, int, int) error     { return nil }
func (noopHistory) RecordUpload(context.Context, string, bool, string) error  { return nil }
