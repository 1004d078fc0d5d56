package scheduler

import (
	"github.com/dreamforge/dream-server/internal/registry"
	"github.com/dreamforge/dream-server/internal/types"
	"github.com/dreamforge/dream-server/internal/worker"
)

// ExecContext gives a job access to the pool state it may touch. Jobs run
// exclusively on the consumer goroutine, so no locking is needed inside
// Execute.
type ExecContext struct {
	pool *WorkerPool
}

// Worker returns the currently loaded worker, or nil when unloaded.
func (ec *ExecContext) Worker() worker.Worker { return ec.pool.worker }

// Mode returns the currently loaded mode name, empty when unloaded.
func (ec *ExecContext) Mode() string { return ec.pool.currentMode }

func (ec *ExecContext) Registry() *registry.Registry { return ec.pool.registry }

// UnloadCurrent releases the loaded worker, if any. Idempotent.
func (ec *ExecContext) UnloadCurrent() { ec.pool.unloadCurrent() }

// Job is one unit of work for the consumer goroutine. The taxonomy is
// closed: generation, mode switch, maintenance.
type Job interface {
	Execute(ec *ExecContext) (any, error)

	bind(h *Handle)
	handle() *Handle
}

// jobHandle is embedded by every job variant to carry its result handle,
// attached at submission.
type jobHandle struct {
	h *Handle
}

func (j *jobHandle) bind(h *Handle)  { j.h = h }
func (j *jobHandle) handle() *Handle { return j.h }

// GenerationJob runs one request against the loaded worker and returns the
// backend's result verbatim. With nothing loaded it fails with
// ErrNoWorkerAvailable.
type GenerationJob struct {
	jobHandle
	Request *types.GenerateParams
}

func NewGenerationJob(req *types.GenerateParams) *GenerationJob {
	return &GenerationJob{Request: req}
}

func (j *GenerationJob) Execute(ec *ExecContext) (any, error) {
	w := ec.Worker()
	if w == nil {
		return nil, ErrNoWorkerAvailable
	}

	// Worker failures are not retried; they propagate as the job's failure.
	res, err := w.Run(ec.pool.baseCtx, j.Request)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ModeSwitchJob transitions the pool to the target mode. Switching to the
// already-loaded mode is a no-op that skips worker construction.
type ModeSwitchJob struct {
	jobHandle
	Target string
}

func NewModeSwitchJob(target string) *ModeSwitchJob {
	return &ModeSwitchJob{Target: target}
}

func (j *ModeSwitchJob) Execute(ec *ExecContext) (any, error) {
	if err := ec.pool.switchTo(j.Target); err != nil {
		return nil, err
	}
	return j.Target, nil
}

// MaintenanceJob runs an arbitrary operation on the consumer goroutine, for
// work that must not race with generation (forced unload, registry clear).
type MaintenanceJob struct {
	jobHandle
	Task func(ec *ExecContext) (any, error)
}

func NewMaintenanceJob(task func(ec *ExecContext) (any, error)) *MaintenanceJob {
	return &MaintenanceJob{Task: task}
}

func (j *MaintenanceJob) Execute(ec *ExecContext) (any, error) {
	return j.Task(ec)
}
