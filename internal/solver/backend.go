// Package solver drives the external plate-solving programs. Each backend
// knows its tool's invocation, its return codes and its install layout; the
// shared Assembler turns a produced WCS file into a Result.
package solver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"platesolve/internal/config"
	"platesolve/internal/runner"
)

// Backend is one interchangeable solving engine.
type Backend interface {
	Name() string
	// Solve never returns an error; every failure is a Result with
	// Success false and a human-readable Message.
	Solve(ctx context.Context, imagePath string, updateHeader bool) Result
	// Abort kills the running tool and reports whether one was running.
	Abort() bool
	CheckAvailabilityProgram(appPath string) bool
	CheckAvailabilityIndex(indexPath string) bool
	DefaultConfig() config.Backend
	Config() config.Backend
	SetConfig(config.Backend)
	ReturnCodes() map[int]string
}

// Result is the terminal artifact of one solve. Angles are degrees, pixel
// scale is arcsec per pixel.
type Result struct {
	Success       bool          `json:"success"`
	Message       string        `json:"message"`
	ImagePath     string        `json:"imagePath"`
	Framework     string        `json:"framework,omitempty"`
	RAJ2000       float64       `json:"raJ2000"`
	DecJ2000      float64       `json:"decJ2000"`
	RAJNow        float64       `json:"raJNow"`
	DecJNow       float64       `json:"decJNow"`
	PixelScale    float64       `json:"pixelScale"`
	RotationAngle float64       `json:"rotationAngle"`
	Mirrored      bool          `json:"mirrored"`
	FieldWidth    float64       `json:"fieldWidth"`
	FieldHeight   float64       `json:"fieldHeight"`
	ErrorRA       float64       `json:"errorRA"`
	ErrorDec      float64       `json:"errorDec"`
	ErrorRMS      float64       `json:"errorRMS"`
	Duration      time.Duration `json:"duration,omitempty"`
}

// Failed builds an unsuccessful result.
func Failed(imagePath, message string) Result {
	return Result{ImagePath: imagePath, Message: message}
}

const (
	msgUnknownCode = "Unknown code"
	msgTimeout     = "Timeout expired"
	msgAborted     = "Solving aborted"
	msgBusy        = "Solver workspace busy"
)

var errWorkspaceBusy = errors.New("solver workspace locked")

// Options carries what every backend needs besides its config block.
type Options struct {
	// TempDir holds this backend's private artifacts.
	TempDir string
	// WorkDir is the base for bundled installs.
	WorkDir   string
	Logger    *slog.Logger
	Assembler *Assembler
	Runner    *runner.Runner
}

func (o Options) withDefaults(name string) Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	o.Logger = o.Logger.With("framework", name)
	if o.Runner == nil {
		o.Runner = runner.New(o.Logger)
	}
	if o.Assembler == nil {
		o.Assembler = NewAssembler(o.Logger, nil)
	}
	if o.TempDir == "" {
		o.TempDir = filepath.Join(os.TempDir(), "platesolve", name)
	}
	return o
}

// engine carries the state shared by the three backends.
type engine struct {
	name   string
	codes  map[int]string
	opts   Options
	logger *slog.Logger

	mu  sync.RWMutex
	cfg config.Backend

	// cancel is set while a Solve is active; aborted latches an Abort for
	// the rest of that Solve.
	runMu   sync.Mutex
	cancel  context.CancelFunc
	aborted bool
}

func newEngine(name string, codes map[int]string, opts Options, def config.Backend) *engine {
	opts = opts.withDefaults(name)
	return &engine{
		name:   name,
		codes:  codes,
		opts:   opts,
		logger: opts.Logger,
		cfg:    def,
	}
}

func (e *engine) Name() string { return e.name }

// begin marks a Solve as active. The returned context is cancelled by Abort
// and end must be called when the Solve returns.
func (e *engine) begin(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	e.runMu.Lock()
	e.cancel = cancel
	e.aborted = false
	e.runMu.Unlock()
	return ctx, func() {
		e.runMu.Lock()
		e.cancel = nil
		e.runMu.Unlock()
		cancel()
	}
}

// Abort fails the active Solve, killing its tool if one is running. It
// reports false when no Solve is active.
func (e *engine) Abort() bool {
	e.runMu.Lock()
	cancel := e.cancel
	if cancel != nil {
		e.aborted = true
	}
	e.runMu.Unlock()

	killed := e.opts.Runner.Kill()
	if cancel == nil {
		return killed
	}
	cancel()
	return true
}

func (e *engine) abortRequested() bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.aborted
}

func (e *engine) Config() config.Backend {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c := e.cfg
	c.DeviceList = append([]string(nil), e.cfg.DeviceList...)
	return c
}

func (e *engine) SetConfig(c config.Backend) {
	e.mu.Lock()
	e.cfg = c
	e.mu.Unlock()
}

func (e *engine) ReturnCodes() map[int]string {
	out := make(map[int]string, len(e.codes))
	for k, v := range e.codes {
		out[k] = v
	}
	return out
}

func (e *engine) codeMessage(code int) string {
	if msg, ok := e.codes[code]; ok {
		return msg
	}
	return msgUnknownCode
}

func (e *engine) timeout(c config.Backend) time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// run executes one tool invocation and condenses the outcome into the
// success flag and message the result carries.
func (e *engine) run(ctx context.Context, cmd runner.Command) (bool, string) {
	if e.abortRequested() {
		return false, msgAborted
	}
	res, err := e.opts.Runner.Run(ctx, cmd)
	var launchErr *runner.LaunchError
	switch {
	case e.abortRequested():
		return false, msgAborted
	case err == nil:
	case errors.Is(err, runner.ErrTimeout):
		return false, msgTimeout
	case errors.Is(err, runner.ErrAborted):
		return false, msgAborted
	case errors.As(err, &launchErr):
		return false, fmt.Sprintf("Exception %v during process run", launchErr.Err)
	default:
		return false, fmt.Sprintf("Exception %v during process run", err)
	}
	e.logger.Debug("solver runtime", "binary", filepath.Base(cmd.Path), "seconds", res.Duration().Seconds(), "exit_code", res.ExitCode)
	return res.ExitCode == 0, e.codeMessage(res.ExitCode)
}

// workspace prepares the temp dir, takes its file lock and removes stale
// artifacts. The returned func releases the lock.
func (e *engine) workspace(stale ...string) (func(), error) {
	if err := os.MkdirAll(e.opts.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	lock := flock.New(filepath.Join(e.opts.TempDir, ".solve.lock"))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock temp dir: %w", err)
	}
	if !ok {
		return nil, errWorkspaceBusy
	}
	release := func() {
		if err := lock.Unlock(); err != nil {
			e.logger.Warn("unlock temp dir failed", "error", err)
		}
	}
	for _, p := range stale {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			release()
			return nil, fmt.Errorf("remove stale %s: %w", filepath.Base(p), err)
		}
	}
	return release, nil
}

func (e *engine) workspaceFailure(imagePath string, err error) Result {
	e.logger.Error("solver workspace unavailable", "image", filepath.Base(imagePath), "error", err)
	if errors.Is(err, errWorkspaceBusy) {
		return Failed(imagePath, msgBusy)
	}
	return Failed(imagePath, err.Error())
}

func (e *engine) logFailure(imagePath, message string, c config.Backend) {
	e.logger.Warn("solve failed",
		"image", filepath.Base(imagePath),
		"message", message,
		"timeout", c.Timeout,
		"radius", c.SearchRadius,
	)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
