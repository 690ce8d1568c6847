package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"platesolve/internal/fsutil"
	"platesolve/internal/solver"
)

// router implements Processor by handing the job to its backend.
type router struct {
	log      *slog.Logger
	backends Backends
}

func newRouter(logger *slog.Logger, backends Backends) Processor {
	return &router{log: logger, backends: backends}
}

func (r *router) Process(ctx context.Context, job Job) (res solver.Result) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("solver panic", "framework", job.Framework, "id", job.ID, "panic", rec, "stack", string(debug.Stack()))
			res = solver.Failed(job.ImagePath, fmt.Sprintf("Exception %v during solve", rec))
		}
	}()

	b, ok := r.backends.Get(job.Framework)
	if !ok {
		return solver.Failed(job.ImagePath, fmt.Sprintf("unknown framework: %s", job.Framework))
	}
	if !fsutil.Exists(job.ImagePath) {
		return solver.Failed(job.ImagePath, fmt.Sprintf("%s not found", job.ImagePath))
	}
	return b.Solve(ctx, job.ImagePath, job.UpdateHeader)
}
