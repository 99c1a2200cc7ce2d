package dumpagent

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type stubHandle struct {
	mu         sync.Mutex
	serial     string
	exitCh     chan ProcessExit
	exit       ProcessExit
	exitOnTerm bool
	exitOnKill bool
	// killsBeforeExit delays the exit until the Nth kill, for processes that
	// shrug off the first one.
	killsBeforeExit int
	terminated      int
	killed          int
}

func newStubHandle(exit ProcessExit) *stubHandle {
	return &stubHandle{exitCh: make(chan ProcessExit, 1), exit: exit}
}

func (h *stubHandle) Exited() <-chan ProcessExit { return h.exitCh }

func (h *stubHandle) Terminate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminated++
	if h.exitOnTerm {
		h.sendExitLocked()
	}
}

func (h *stubHandle) Kill() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.killed++
	if h.exitOnKill && h.killed >= h.killsBeforeExit {
		h.sendExitLocked()
	}
}

func (h *stubHandle) sendExit() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendExitLocked()
}

func (h *stubHandle) sendExitLocked() {
	select {
	case h.exitCh <- h.exit:
	default:
	}
}

func (h *stubHandle) terminateCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}

func (h *stubHandle) killCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

type stubRunner struct {
	mu      sync.Mutex
	handle  *stubHandle
	err     error
	started int
	lastEnv map[string]string
}

func (r *stubRunner) Start(ctx context.Context, scriptPath, workDir string, env map[string]string) (ProcessHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
	r.lastEnv = env
	if r.err != nil {
		return nil, r.err
	}
	return r.handle, nil
}

func (r *stubRunner) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

type stubTransport struct {
	mu       sync.Mutex
	serials  []string
	listErr  error
	output   map[string]string
	commands []string
}

func (t *stubTransport) ListDevices(ctx context.Context) ([]string, error) {
	if t.listErr != nil {
		return nil, t.listErr
	}
	return append([]string(nil), t.serials...), nil
}

func (t *stubTransport) ExecuteShell(ctx context.Context, serial, command string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.commands = append(t.commands, serial+": "+command)
	return t.output[command], nil
}

func (t *stubTransport) executedCommands() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.commands...)
}

type recordingSink struct {
	noopSink
	mu     sync.Mutex
	states []DumpState
}

func (s *recordingSink) DumpStatusChanged(deviceID string, oldState, newState DumpState, trigger TriggerReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, newState)
}

func (s *recordingSink) stateSequence() []DumpState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DumpState(nil), s.states...)
}

func writeScript(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "extract.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func testJobConfig(t *testing.T, runner *stubRunner) JobConfig {
	t.Helper()
	return JobConfig{
		DeviceID:   "dev-1",
		Trigger:    TriggerManual,
		Mode:       ModeInteractive,
		WorkDir:    t.TempDir(),
		ScriptPath: writeScript(t),
		Runner:     runner,
	}
}

func TestDumpJobCompletesOnCleanExit(t *testing.T) {
	handle := newStubHandle(ProcessExit{Code: 0})
	runner := &stubRunner{handle: handle}
	sink := &recordingSink{}

	cfg := testJobConfig(t, runner)
	cfg.Sink = sink
	if err := os.WriteFile(filepath.Join(cfg.WorkDir, "dump.zip"), []byte("payload"), 0o644); err != nil {
		t.Fatalf("write archive: %v", err)
	}

	job := NewDumpJob(cfg)
	handle.sendExit()
	outcome := job.Run(context.Background())

	if !outcome.Success {
		t.Fatalf("expected success, got %+v", outcome)
	}
	if outcome.Class != OutcomeCompleted {
		t.Fatalf("unexpected outcome class: %s", outcome.Class)
	}
	if outcome.DumpPath != cfg.WorkDir {
		t.Fatalf("unexpected dump path: %s", outcome.DumpPath)
	}

	want := []DumpState{StateStarting, StateExtracting, StateVerifying, StateCompleted, StateIdle}
	got := sink.stateSequence()
	if len(got) != len(want) {
		t.Fatalf("unexpected state sequence: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("state %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestDumpJobFailsWhenNoArchiveProduced(t *testing.T) {
	handle := newStubHandle(ProcessExit{Code: 0})
	runner := &stubRunner{handle: handle}

	cfg := testJobConfig(t, runner)
	job := NewDumpJob(cfg)
	handle.sendExit()
	outcome := job.Run(context.Background())

	if outcome.Success {
		t.Fatalf("expected failure, got %+v", outcome)
	}
	if outcome.Class != OutcomeVerificationError {
		t.Fatalf("unexpected outcome class: %s", outcome.Class)
	}
	if outcome.Detail != "no valid zip files found" {
		t.Fatalf("unexpected detail: %s", outcome.Detail)
	}
}

func TestDumpJobIgnoresEmptyArchives(t *testing.T) {
	handle := newStubHandle(ProcessExit{Code: 0})
	runner := &stubRunner{handle: handle}

	cfg := testJobConfig(t, runner)
	if err := os.WriteFile(filepath.Join(cfg.WorkDir, "empty.zip"), nil, 0o644); err != nil {
		t.Fatalf("write archive: %v", err)
	}

	job := NewDumpJob(cfg)
	handle.sendExit()
	outcome := job.Run(context.Background())

	if outcome.Class != OutcomeVerificationError {
		t.Fatalf("empty archive should not verify, got %+v", outcome)
	}
}

func TestDumpJobReportsNonZeroExit(t *testing.T) {
	handle := newStubHandle(ProcessExit{Code: 3})
	runner := &stubRunner{handle: handle}

	cfg := testJobConfig(t, runner)
	job := NewDumpJob(cfg)
	handle.sendExit()
	outcome := job.Run(context.Background())

	if outcome.Success || outcome.Cancelled {
		t.Fatalf("expected plain failure, got %+v", outcome)
	}
	if outcome.Class != OutcomeProcessError {
		t.Fatalf("unexpected outcome class: %s", outcome.Class)
	}
}

func TestDumpJobSetupErrorWithoutScript(t *testing.T) {
	runner := &stubRunner{handle: newStubHandle(ProcessExit{Code: 0})}

	cfg := testJobConfig(t, runner)
	cfg.ScriptPath = filepath.Join(t.TempDir(), "missing.sh")

	job := NewDumpJob(cfg)
	outcome := job.Run(context.Background())

	if outcome.Class != OutcomeSetupError {
		t.Fatalf("unexpected outcome class: %s", outcome.Class)
	}
	if runner.startCount() != 0 {
		t.Fatal("no process should be launched when setup fails")
	}
}

func TestDumpJobTimesOutAndKills(t *testing.T) {
	handle := newStubHandle(ProcessExit{Code: -1, Crashed: true})
	handle.exitOnKill = true
	runner := &stubRunner{handle: handle}

	cfg := testJobConfig(t, runner)
	cfg.Timeout = 30 * time.Millisecond

	job := NewDumpJob(cfg)
	outcome := job.Run(context.Background())

	if outcome.Class != OutcomeTimeout {
		t.Fatalf("unexpected outcome class: %s", outcome.Class)
	}
	if outcome.Cancelled {
		t.Fatal("timeout must not report as cancellation")
	}
	if handle.killCount() == 0 {
		t.Fatal("process should be killed on timeout")
	}
}

func TestDumpJobCancelTerminatesThenCleansTarget(t *testing.T) {
	handle := newStubHandle(ProcessExit{Code: -1, Crashed: true})
	handle.exitOnTerm = true
	runner := &stubRunner{handle: handle}
	transport := &stubTransport{output: map[string]string{}}

	cfg := testJobConfig(t, runner)
	cfg.Transport = transport
	cfg.Timeout = 5 * time.Second

	job := NewDumpJob(cfg)

	done := make(chan Outcome, 1)
	go func() { done <- job.Run(context.Background()) }()

	// Let the job reach EXTRACTING before cancelling.
	time.Sleep(20 * time.Millisecond)
	job.Cancel(true)

	var outcome Outcome
	select {
	case outcome = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not finish after cancellation")
	}

	if !outcome.Cancelled {
		t.Fatalf("expected cancelled outcome, got %+v", outcome)
	}
	if outcome.Success {
		t.Fatal("cancelled outcome must not be a success")
	}
	if handle.terminateCount() != 1 {
		t.Fatalf("expected exactly one terminate, got %d", handle.terminateCount())
	}
	commands := transport.executedCommands()
	if len(commands) != len(cleanupCommands) {
		t.Fatalf("expected %d cleanup commands, got %v", len(cleanupCommands), commands)
	}
}

func TestDumpJobCancelForceKillsAfterGrace(t *testing.T) {
	handle := newStubHandle(ProcessExit{Code: -1, Crashed: true})
	handle.exitOnKill = true
	runner := &stubRunner{handle: handle}

	cfg := testJobConfig(t, runner)
	cfg.Timeout = 5 * time.Second
	cfg.KillGracePeriod = 30 * time.Millisecond

	job := NewDumpJob(cfg)

	done := make(chan Outcome, 1)
	go func() { done <- job.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	job.Cancel(false)

	var outcome Outcome
	select {
	case outcome = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not finish after forced kill")
	}

	if !outcome.Cancelled {
		t.Fatalf("expected cancelled outcome, got %+v", outcome)
	}
	if handle.killCount() == 0 {
		t.Fatal("process should be force killed after the grace period")
	}
}

func TestDumpJobCancelStaysCancelledPastDeadline(t *testing.T) {
	// The process survives SIGTERM and the grace-period kill; only the
	// deadline's kill takes it down.
	handle := newStubHandle(ProcessExit{Code: -1, Crashed: true})
	handle.exitOnKill = true
	handle.killsBeforeExit = 2
	runner := &stubRunner{handle: handle}

	cfg := testJobConfig(t, runner)
	cfg.Timeout = 150 * time.Millisecond
	cfg.KillGracePeriod = 30 * time.Millisecond

	job := NewDumpJob(cfg)

	done := make(chan Outcome, 1)
	go func() { done <- job.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	job.Cancel(false)

	var outcome Outcome
	select {
	case outcome = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not finish after the deadline kill")
	}

	if !outcome.Cancelled {
		t.Fatalf("confirmed cancellation must stay cancelled, got %+v", outcome)
	}
	if outcome.Class == OutcomeTimeout {
		t.Fatalf("cancelled job must not report a timeout: %+v", outcome)
	}
	if handle.killCount() < 2 {
		t.Fatalf("expected grace kill and deadline kill, got %d", handle.killCount())
	}
}

func TestDumpJobStartsProcessWithDeviceSerial(t *testing.T) {
	handle := newStubHandle(ProcessExit{Code: 0})
	runner := &stubRunner{handle: handle}

	cfg := testJobConfig(t, runner)
	if err := os.WriteFile(filepath.Join(cfg.WorkDir, "dump.zip"), []byte("payload"), 0o644); err != nil {
		t.Fatalf("write archive: %v", err)
	}

	job := NewDumpJob(cfg)
	handle.sendExit()
	job.Run(context.Background())

	runner.mu.Lock()
	serial := runner.lastEnv["ADB_SERIAL"]
	runner.mu.Unlock()
	if serial != "dev-1" {
		t.Fatalf("process env missing device serial: %v", runner.lastEnv)
	}
}
