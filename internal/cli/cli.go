package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"

	"platesolve/internal/config"
	"platesolve/internal/pipeline"
	"platesolve/internal/solver"
	"platesolve/internal/storage"
)

// Version is stamped at build time.
var Version = "dev"

type pipelineClient interface {
	StartCommunication() error
	StopCommunication()
	SetFramework(name string) error
	Framework() string
	Enqueue(req pipeline.Request) (string, error)
	Submit(ctx context.Context, req pipeline.Request) (solver.Result, error)
	Abort() bool
	State() pipeline.State
	QueueLen() int
	Current() (pipeline.Job, bool)
	Subscribe() (<-chan pipeline.Event, func())
}

type toolStatuser interface {
	StatusAll() []solver.ToolStatus
	Status(name string) (solver.ToolStatus, error)
}

type serveOptions struct {
	addr         string
	grpcAddr     string
	watchDirs    []string
	updateHeader bool
}

type serverFunc func(ctx context.Context, root *Root, opts serveOptions) error

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	tools    toolStatuser
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	metrics  http.Handler
	serveFn  serverFunc
	// retryPolicy builds the backoff used by solve --retries.
	retryPolicy func() backoff.BackOff
}

// NewRoot constructs the CLI root. metrics may be nil.
func NewRoot(pl *pipeline.Pipeline, reg *solver.Registry, cfg *config.Config, logger *slog.Logger, store *storage.Store, metrics http.Handler) *Root {
	return &Root{
		pipeline: pl,
		tools:    reg,
		cfg:      cfg,
		log:      logger,
		store:    store,
		metrics:  metrics,
		serveFn:  defaultServe,
		retryPolicy: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 2 * time.Second
			return b
		},
	}
}

// connect selects framework (when given) and starts the solve loop.
func (r *Root) connect(framework string) error {
	if framework != "" {
		if err := r.pipeline.SetFramework(framework); err != nil {
			return err
		}
	}
	if err := r.pipeline.StartCommunication(); err != nil {
		return fmt.Errorf("start %s: %w", r.pipeline.Framework(), err)
	}
	return nil
}

// solveWithRetry submits one image, resubmitting failed solves up to
// retries more times.
func (r *Root) solveWithRetry(ctx context.Context, req pipeline.Request, retries int) (solver.Result, error) {
	var (
		last      solver.Result
		submitErr error
	)
	op := func() (solver.Result, error) {
		res, err := r.pipeline.Submit(ctx, req)
		if err != nil {
			submitErr = err
			return res, backoff.Permanent(err)
		}
		last = res
		if !res.Success {
			r.log.Info("solve attempt failed", "image", filepath.Base(req.ImagePath), "message", res.Message)
			return res, errors.New(res.Message)
		}
		return res, nil
	}
	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(r.retryPolicy()),
		backoff.WithMaxTries(uint(retries+1)),
	)
	switch {
	case submitErr != nil:
		return solver.Result{}, submitErr
	case err != nil && last.ImagePath != "":
		// a failed solve is reported as a result
		return last, nil
	}
	return res, err
}

func printResult(w io.Writer, res solver.Result) {
	name := filepath.Base(res.ImagePath)
	if !res.Success {
		fmt.Fprintf(w, "FAIL %s: %s\n", name, res.Message)
		return
	}
	fmt.Fprintf(w, "OK   %s [%s] %.1fs\n", name, res.Framework, res.Duration.Seconds())
	fmt.Fprintf(w, "     RA J2000  %10.5f  Dec J2000 %+10.5f\n", res.RAJ2000, res.DecJ2000)
	fmt.Fprintf(w, "     RA JNow   %10.5f  Dec JNow  %+10.5f\n", res.RAJNow, res.DecJNow)
	fmt.Fprintf(w, "     scale %.3f\"/px  angle %.2f  field %.2f x %.2f deg", res.PixelScale, res.RotationAngle, res.FieldWidth, res.FieldHeight)
	if res.Mirrored {
		fmt.Fprint(w, "  mirrored")
	}
	fmt.Fprintln(w)
}

func configPathLabel() string {
	if os.Getenv("PLATESOLVE_CONFIG") != "" {
		return config.Path()
	}
	return "(default) " + config.Path()
}
