// Package runner executes external solver programs one at a time with a
// wall-clock timeout and on-demand termination.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

var (
	ErrTimeout    = errors.New("process timed out")
	ErrAborted    = errors.New("process aborted")
	ErrInProgress = errors.New("process already running")
)

// waitDelay bounds how long Wait keeps draining output after the process is
// gone; grandchildren holding the pipe open would block forever otherwise.
const waitDelay = 2 * time.Second

// LaunchError reports that the program could not be started at all.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Command describes one invocation.
type Command struct {
	Path    string
	Args    []string
	Dir     string
	Timeout time.Duration
}

// Result is what a finished process left behind. A non-zero exit code is not
// an error.
type Result struct {
	ExitCode int
	Output   []byte
	Started  time.Time
	Stopped  time.Time
}

// Duration is the wall time between start and exit.
func (r Result) Duration() time.Duration {
	return r.Stopped.Sub(r.Started)
}

// Runner holds at most one live process handle.
type Runner struct {
	logger *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	aborted bool
}

// New creates a Runner.
func New(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger}
}

// Run starts the command and blocks until it exits, the timeout expires, ctx
// is cancelled or Kill is called. Output is stdout and stderr combined.
func (r *Runner) Run(ctx context.Context, c Command) (Result, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	cmd.WaitDelay = waitDelay

	r.mu.Lock()
	if r.cmd != nil {
		r.mu.Unlock()
		return Result{}, ErrInProgress
	}
	res := Result{Started: time.Now()}
	if err := cmd.Start(); err != nil {
		r.mu.Unlock()
		res.Stopped = time.Now()
		r.logger.Error("process launch failed", "path", c.Path, "error", err)
		return res, &LaunchError{Path: c.Path, Err: err}
	}
	r.cmd = cmd
	r.aborted = false
	r.mu.Unlock()

	r.logger.Debug("process started", "path", c.Path, "args", c.Args, "pid", cmd.Process.Pid, "timeout", c.Timeout)

	waitErr := cmd.Wait()
	res.Stopped = time.Now()
	res.Output = buf.Bytes()

	r.mu.Lock()
	aborted := r.aborted
	r.cmd = nil
	r.mu.Unlock()

	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	r.logOutput(res)

	switch {
	case aborted:
		r.logger.Warn("process aborted", "path", c.Path)
		return res, ErrAborted
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		r.logger.Error("process timed out", "path", c.Path, "timeout", c.Timeout)
		return res, ErrTimeout
	case ctx.Err() != nil:
		return res, fmt.Errorf("%w: %v", ErrAborted, ctx.Err())
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return res, waitErr
	}
	r.logger.Debug("process finished", "path", c.Path, "exit_code", res.ExitCode, "runtime", res.Duration().Round(time.Millisecond))
	return res, nil
}

// Kill terminates the running process, if any. It reports whether there was
// one to kill and is safe to call from any goroutine.
func (r *Runner) Kill() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd == nil || r.cmd.Process == nil {
		return false
	}
	if err := r.cmd.Process.Kill(); err != nil {
		// exited on its own before Wait released the handle
		if errors.Is(err, os.ErrProcessDone) {
			return false
		}
		r.logger.Warn("process kill failed", "error", err)
		return false
	}
	r.aborted = true
	return true
}

// Running reports whether a process handle is held.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cmd != nil
}

func (r *Runner) logOutput(res Result) {
	if !r.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	sc := bufio.NewScanner(bytes.NewReader(res.Output))
	for sc.Scan() {
		r.logger.Debug("solver output", "line", sc.Text())
	}
}
