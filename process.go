package dumpagent

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// NewExecProcessRunner returns the default ProcessRunner backed by os/exec.
func NewExecProcessRunner() ProcessRunner {
	return execRunner{}
}

type execRunner struct{}

func (execRunner) Start(ctx context.Context, scriptPath, workDir string, env map[string]string) (ProcessHandle, error) {
	cmd := exec.Command(scriptPath)
	cmd.Dir = workDir
	cmd.Env = os.Environ()
	for key, value := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
	}

	// Merge stderr into stdout, matching the extraction script's expectation
	// of a single output channel.
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "open stdout pipe failed")
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start extraction script %s failed", scriptPath)
	}

	serial := env["ADB_SERIAL"]
	handle := &execHandle{
		cmd:    cmd,
		exited: make(chan ProcessExit, 1),
	}

	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			if line := scanner.Text(); line != "" {
				log.Debug().Str("serial", serial).Str("output", line).Msg("extraction script output")
			}
		}
	}()

	go func() {
		err := cmd.Wait()
		exit := ProcessExit{}
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				exit.Code = exitErr.ExitCode()
				// A negative exit code means the process was terminated by a
				// signal rather than exiting on its own.
				exit.Crashed = exit.Code < 0
			} else {
				exit.Code = -1
				exit.Err = err
			}
		}
		handle.exited <- exit
	}()

	return handle, nil
}

type execHandle struct {
	cmd    *exec.Cmd
	exited chan ProcessExit

	signalMu sync.Mutex
}

func (h *execHandle) Exited() <-chan ProcessExit { return h.exited }

func (h *execHandle) Terminate() {
	h.signalMu.Lock()
	defer h.signalMu.Unlock()
	if h.cmd.Process == nil {
		return
	}
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		log.Debug().Err(err).Msg("terminate extraction process failed")
	}
}

func (h *execHandle) Kill() {
	h.signalMu.Lock()
	defer h.signalMu.Unlock()
	if h.cmd.Process == nil {
		return
	}
	if err := h.cmd.Process.Kill(); err != nil {
		log.Debug().Err(err).Msg("kill extraction process failed")
	}
}
