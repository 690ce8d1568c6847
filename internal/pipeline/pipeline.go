// Package pipeline owns the solve queue and the single background consumer
// that feeds jobs to the active solver backend.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"platesolve/internal/logging"
	"platesolve/internal/solver"
	"platesolve/internal/storage"
	"platesolve/internal/telemetry"
)

var (
	ErrStopped          = errors.New("pipeline stopped")
	ErrUnknownFramework = errors.New("unknown framework")
	ErrNotAvailable     = errors.New("solver not available")
)

// State of the orchestrator.
type State int

const (
	Idle State = iota
	Ready
	LoopRunning
	Solving
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Ready:
		return "ready"
	case LoopRunning:
		return "running"
	case Solving:
		return "solving"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Request asks for one image to be solved.
type Request struct {
	ImagePath    string `json:"imagePath"`
	UpdateHeader bool   `json:"updateHeader"`
}

// Job is a queued request with its id.
type Job struct {
	ID string
	Request
	// Framework is filled in when the job is dispatched.
	Framework string
	Queued    time.Time
}

// Backends resolves framework names to solver backends.
type Backends interface {
	Get(name string) (solver.Backend, bool)
	Names() []string
}

// Processor solves one job.
type Processor interface {
	Process(ctx context.Context, job Job) solver.Result
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMetrics records solve counts, durations and queue depth.
func WithMetrics(m *telemetry.SolveMetrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithProcessor replaces the backend dispatch, mainly for tests.
func WithProcessor(proc Processor) Option {
	return func(p *Pipeline) { p.processor = proc }
}

// Pipeline is the solve orchestrator: a FIFO queue drained by one
// background loop, so at most one job is ever in flight.
type Pipeline struct {
	log       *slog.Logger
	store     *storage.Store
	metrics   *telemetry.SolveMetrics
	backends  Backends
	processor Processor

	// startMu serializes StartCommunication across its availability checks.
	startMu sync.Mutex

	mu        sync.Mutex
	state     State
	framework string
	queue     []Job
	current   *Job
	closed    bool
	stop      chan struct{}
	done      chan struct{}
	waiters   map[string]chan solver.Result

	notify chan struct{}

	subMu     sync.Mutex
	subs      map[int]*subscriber
	nextSubID int
}

// New creates an idle pipeline using framework as the active backend.
func New(logger *slog.Logger, store *storage.Store, backends Backends, framework string, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		log:       logger,
		store:     store,
		backends:  backends,
		framework: framework,
		waiters:   make(map[string]chan solver.Result),
		notify:    make(chan struct{}, 1),
		subs:      make(map[int]*subscriber),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.processor == nil {
		p.processor = newRouter(logger, backends)
	}
	return p
}

// State returns the current state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Framework returns the active backend name.
func (p *Pipeline) Framework() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.framework
}

// QueueLen is the number of jobs waiting for dispatch.
func (p *Pipeline) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Current returns the job being solved, if any.
func (p *Pipeline) Current() (Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return Job{}, false
	}
	return *p.current, true
}

// SetFramework selects the backend used for the next dispatched job.
func (p *Pipeline) SetFramework(name string) error {
	if _, ok := p.backends.Get(name); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFramework, name)
	}
	p.mu.Lock()
	p.framework = name
	p.mu.Unlock()
	p.log.Info("framework selected", "framework", name)
	return nil
}

// StartCommunication checks the active backend's program and index and,
// when both are present, starts the background loop. Concurrent callers are
// serialized; only the first one starts a loop.
func (p *Pipeline) StartCommunication() error {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrStopped
	}
	if p.state == LoopRunning || p.state == Solving {
		p.mu.Unlock()
		return nil
	}
	prevDone := p.done
	name := p.framework
	p.mu.Unlock()

	// a previous loop may still be finishing its last job
	if prevDone != nil {
		<-prevDone
	}

	b, ok := p.backends.Get(name)
	if !ok {
		p.broadcast(Event{Kind: EventConnectionFailed, Name: name, Message: "unknown framework"})
		return fmt.Errorf("%w: %s", ErrUnknownFramework, name)
	}
	cfg := b.Config()
	program := b.CheckAvailabilityProgram(cfg.AppPath)
	index := b.CheckAvailabilityIndex(cfg.IndexPath)
	logging.LogToolStatus(p.log, name, program, "program", cfg.AppPath)
	logging.LogToolStatus(p.log, name, index, "index", cfg.IndexPath)
	if !program || !index {
		msg := "program not found"
		if program {
			msg = "index not found"
		}
		p.broadcast(Event{Kind: EventConnectionFailed, Name: cfg.DeviceName, Message: msg})
		return fmt.Errorf("%w: %s %s", ErrNotAvailable, name, msg)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrStopped
	}
	p.state = Ready
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	stop, done := p.stop, p.done
	p.state = LoopRunning
	p.mu.Unlock()

	p.broadcast(Event{Kind: EventDeviceConnected, Name: cfg.DeviceName})
	p.broadcast(Event{Kind: EventServerConnected})
	p.log.Info("solver connected", "framework", name, "device", cfg.DeviceName)

	go p.loop(stop, done)
	return nil
}

// StopCommunication tells the loop to exit after the current job. An
// in-flight solve is not killed; call Abort first for an immediate stop.
func (p *Pipeline) StopCommunication() {
	p.mu.Lock()
	if p.stop == nil || p.state == Stopped {
		p.mu.Unlock()
		return
	}
	close(p.stop)
	p.stop = nil
	p.state = Stopped
	name := p.framework
	p.mu.Unlock()

	device := name
	if b, ok := p.backends.Get(name); ok {
		device = b.Config().DeviceName
	}
	p.broadcast(Event{Kind: EventServerDisconnected, Name: device})
	p.broadcast(Event{Kind: EventDeviceDisconnected, Name: device})
	p.log.Info("solver disconnected", "framework", name)
}

// Abort kills the running solve of the active backend. It reports whether
// anything was running; queued jobs are left alone.
func (p *Pipeline) Abort() bool {
	name := p.Framework()
	if job, ok := p.Current(); ok {
		name = job.Framework
	}
	b, ok := p.backends.Get(name)
	if !ok {
		return false
	}
	aborted := b.Abort()
	if aborted {
		p.log.Warn("solve aborted", "framework", name)
	}
	return aborted
}

// Close stops the loop, aborts the in-flight solve, waits for the loop to
// exit and closes every subscription. Pending waiters receive ErrStopped.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	done := p.done
	p.mu.Unlock()

	p.StopCommunication()
	p.Abort()
	if done != nil {
		<-done
	}

	p.mu.Lock()
	for id, ch := range p.waiters {
		close(ch)
		delete(p.waiters, id)
	}
	p.mu.Unlock()

	p.subMu.Lock()
	for id, sub := range p.subs {
		sub.close()
		delete(p.subs, id)
	}
	p.subMu.Unlock()
}

// Enqueue appends a request to the tail of the queue and returns its job
// id. It does not start processing by itself.
func (p *Pipeline) Enqueue(req Request) (string, error) {
	id, _, err := p.enqueue(req, false)
	return id, err
}

// Submit enqueues req and blocks until its result is emitted.
func (p *Pipeline) Submit(ctx context.Context, req Request) (solver.Result, error) {
	id, wait, err := p.enqueue(req, true)
	if err != nil {
		return solver.Result{}, err
	}
	select {
	case res, ok := <-wait:
		if !ok {
			return solver.Result{}, ErrStopped
		}
		return res, nil
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.waiters, id)
		p.mu.Unlock()
		return solver.Result{}, ctx.Err()
	}
}

func (p *Pipeline) enqueue(req Request, wait bool) (string, chan solver.Result, error) {
	job := Job{ID: uuid.NewString(), Request: req, Queued: time.Now()}

	p.mu.Lock()
	if p.closed || p.state == Stopped {
		p.mu.Unlock()
		return "", nil, ErrStopped
	}
	var ch chan solver.Result
	if wait {
		ch = make(chan solver.Result, 1)
		p.waiters[job.ID] = ch
	}
	p.queue = append(p.queue, job)
	p.mu.Unlock()

	if err := p.store.RecordJobQueued(storage.JobRecord{
		ID:           job.ID,
		ImagePath:    req.ImagePath,
		UpdateHeader: req.UpdateHeader,
	}); err != nil {
		p.log.Warn("record queued job failed", "id", job.ID, "error", err)
	}
	p.metrics.QueueChanged(context.Background(), 1)

	select {
	case p.notify <- struct{}{}:
	default:
	}
	p.log.Debug("job queued", "id", job.ID, "image", req.ImagePath)
	return job.ID, ch, nil
}

func (p *Pipeline) dequeue() (Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return Job{}, false
	}
	job := p.queue[0]
	p.queue[0] = Job{}
	p.queue = p.queue[1:]
	job.Framework = p.framework
	p.current = &job
	p.state = Solving
	return job, true
}

func (p *Pipeline) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}

		job, ok := p.dequeue()
		if !ok {
			select {
			case <-stop:
				return
			case <-p.notify:
			}
			continue
		}
		p.metrics.QueueChanged(context.Background(), -1)
		p.process(job)
	}
}

func (p *Pipeline) process(job Job) {
	ctx := context.Background()
	start := time.Now()

	var cfg struct {
		timeout int
		radius  float64
	}
	if b, ok := p.backends.Get(job.Framework); ok {
		c := b.Config()
		cfg.timeout, cfg.radius = c.Timeout, c.SearchRadius
	}
	logging.LogSolveStart(p.log, job.Framework, job.ID, job.ImagePath, cfg.timeout, cfg.radius)
	if err := p.store.RecordJobStart(job.ID, job.Framework); err != nil {
		p.log.Warn("record job start failed", "id", job.ID, "error", err)
	}
	p.broadcast(Event{Kind: EventMessage, JobID: job.ID, Message: "solving"})

	res := p.processor.Process(ctx, job)
	res.Framework = job.Framework
	if res.ImagePath == "" {
		res.ImagePath = job.ImagePath
	}
	res.Duration = time.Since(start)

	if res.Success {
		logging.LogSolveComplete(p.log, job.Framework, job.ID, res.Duration, map[string]any{
			"ra":    res.RAJ2000,
			"dec":   res.DecJ2000,
			"scale": res.PixelScale,
			"angle": res.RotationAngle,
		})
	} else {
		logging.LogSolveError(p.log, job.Framework, job.ID, res.Duration, res.Message, map[string]any{
			"image":   job.ImagePath,
			"timeout": cfg.timeout,
			"radius":  cfg.radius,
		})
	}
	p.record(job, res)
	p.metrics.RecordSolve(ctx, job.Framework, res.Duration, res.Success)

	p.mu.Lock()
	p.current = nil
	if p.state == Solving {
		p.state = LoopRunning
	}
	wait := p.waiters[job.ID]
	delete(p.waiters, job.ID)
	p.mu.Unlock()

	p.broadcast(Event{Kind: EventMessage, JobID: job.ID, Message: ""})
	r := res
	p.broadcast(Event{Kind: EventResult, JobID: job.ID, Result: &r})
	if wait != nil {
		wait <- res
	}
}

func (p *Pipeline) record(job Job, res solver.Result) {
	errMsg := ""
	if !res.Success {
		errMsg = res.Message
	}
	err := p.store.RecordJobResult(job.ID, storage.ResultRecord{
		Success:    res.Success,
		RAJ2000:    res.RAJ2000,
		DecJ2000:   res.DecJ2000,
		PixelScale: res.PixelScale,
	}, res, errMsg)
	if err != nil {
		p.log.Warn("record job result failed", "id", job.ID, "error", err)
	}
}
