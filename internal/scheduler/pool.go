package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/dreamforge/dream-server/internal/events"
	"github.com/dreamforge/dream-server/internal/registry"
	"github.com/dreamforge/dream-server/internal/types"
	"github.com/dreamforge/dream-server/internal/worker"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultQueueSize = 10

// ModeSource resolves a mode name to the parameters its worker needs.
// Reads happen at switch time only; reloading definitions is the
// configuration layer's concern.
type ModeSource interface {
	Mode(name string) (worker.Params, error)
}

// Config wires a WorkerPool. Factory, Modes and Registry are required.
type Config struct {
	QueueSize int
	Factory   worker.Factory
	Modes     ModeSource
	Registry  *registry.Registry
	Logger    *zap.Logger
	Events    *events.Hub
	// BaseContext bounds worker execution; defaults to context.Background().
	BaseContext context.Context
}

// WorkerPool owns a bounded FIFO queue served by exactly one consumer
// goroutine, which in turn owns at most one loaded worker at a time. All
// access to the worker is serialized through the queue: a mode switch can
// never race with a generation because both travel the same channel.
type WorkerPool struct {
	factory  worker.Factory
	modes    ModeSource
	registry *registry.Registry
	log      *zap.Logger
	events   *events.Hub
	baseCtx  context.Context

	queue chan Job
	wg    sync.WaitGroup

	// mu guards closed and the currentMode/worker pair. Only the consumer
	// goroutine mutates the pair; other goroutines read through accessors.
	mu          sync.Mutex
	closed      bool
	currentMode string
	worker      worker.Worker
}

func New(cfg Config) (*WorkerPool, error) {
	if cfg.Factory == nil {
		return nil, errors.New("scheduler: worker factory is required")
	}
	if cfg.Modes == nil {
		return nil, errors.New("scheduler: mode source is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("scheduler: registry is required")
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	baseCtx := cfg.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}

	p := &WorkerPool{
		factory:  cfg.Factory,
		modes:    cfg.Modes,
		registry: cfg.Registry,
		log:      log,
		events:   cfg.Events,
		baseCtx:  baseCtx,
		queue:    make(chan Job, queueSize),
	}

	p.wg.Add(1)
	go p.run()

	return p, nil
}

// Submit enqueues a job and returns its result handle. When the queue is at
// capacity it fails synchronously with ErrQueueFull and no handle is
// created; after Shutdown it fails with ErrShuttingDown.
func (p *WorkerPool) Submit(job Job) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if len(p.queue) == cap(p.queue) {
		p.mu.Unlock()
		return nil, ErrQueueFull
	}

	h := newHandle()
	job.bind(h)
	// Cannot block: only the consumer drains the queue and we hold mu
	// against competing submitters.
	p.queue <- job
	p.mu.Unlock()

	p.publish(events.Event{Type: events.JobQueued, JobID: jobID(job)})
	return h, nil
}

// SubmitGeneration enqueues a generation request.
func (p *WorkerPool) SubmitGeneration(req *types.GenerateParams) (*Handle, error) {
	return p.Submit(NewGenerationJob(req))
}

// SwitchMode enqueues a switch to the named mode. Because it shares the
// queue with generation jobs, the switch runs only after everything
// submitted before it has completed, and everything submitted after it
// observes the new (or failed, hence unloaded) state.
func (p *WorkerPool) SwitchMode(name string) (*Handle, error) {
	return p.Submit(NewModeSwitchJob(name))
}

// Unload enqueues a forced unload of the current worker. Safe in any state.
func (p *WorkerPool) Unload() (*Handle, error) {
	return p.Submit(NewMaintenanceJob(func(ec *ExecContext) (any, error) {
		ec.UnloadCurrent()
		return nil, nil
	}))
}

// CurrentMode reports the loaded mode, false when unloaded.
func (p *WorkerPool) CurrentMode() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentMode, p.currentMode != ""
}

// QueueDepth is the number of jobs waiting, excluding any in-flight job.
func (p *WorkerPool) QueueDepth() int {
	return len(p.queue)
}

// Shutdown stops accepting jobs, fails everything still queued with
// ErrShuttingDown, unloads the worker, and joins the consumer goroutine.
// The in-flight job, if any, runs to completion first. Safe to call more
// than once.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the consumer loop: the only goroutine that touches the worker or
// calls the factory. It exits once the queue is closed and drained.
func (p *WorkerPool) run() {
	defer p.wg.Done()

	ec := &ExecContext{pool: p}
	for job := range p.queue {
		if p.isClosed() {
			job.handle().reject(ErrShuttingDown)
			continue
		}
		p.execute(ec, job)
	}

	p.unloadCurrent()
}

func (p *WorkerPool) execute(ec *ExecContext, job Job) {
	h := job.handle()
	id := jobID(job)

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("job panicked: %v", r)
			p.log.Error("job panicked", zap.String("job_id", id), zap.Any("panic", r))
			h.reject(err)
			p.publish(events.Event{Type: events.JobFailed, JobID: id, Error: err.Error()})
		}
	}()

	p.publish(events.Event{Type: events.JobStarted, JobID: id})

	value, err := job.Execute(ec)
	if err != nil {
		h.reject(err)
		p.publish(events.Event{Type: events.JobFailed, JobID: id, Error: err.Error()})
		return
	}

	h.resolve(value)
	p.publish(events.Event{Type: events.JobFinished, JobID: id})
}

// switchTo runs on the consumer goroutine. Switching to the loaded mode is
// a no-op that never touches the factory. Otherwise the current worker is
// released first, then the target is loaded; a factory failure therefore
// leaves the pool unloaded rather than half-switched.
func (p *WorkerPool) switchTo(target string) error {
	if cur, ok := p.CurrentMode(); ok && cur == target {
		p.log.Info("mode already loaded, skipping switch", zap.String("mode", target))
		return nil
	}

	params, err := p.modes.Mode(target)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrUnknownMode, target)
	}

	p.unloadCurrent()

	if est := p.registry.EstimateVRAM(params.ModelPath); est > 0 && !p.registry.CanFit(est) {
		// Advisory only: the estimate is rough and the runtime may still
		// fit the model after its own cache housekeeping.
		p.log.Warn("estimated footprint exceeds available VRAM",
			zap.String("mode", target),
			zap.Uint64("estimated_bytes", est),
			zap.Uint64("available_bytes", p.registry.AvailableVRAM()))
	}

	usedBefore := p.registry.UsedVRAM()
	workerID := uuid.NewString()

	w, err := p.factory(workerID, params)
	if err != nil {
		return &ModeLoadError{Mode: target, Err: err}
	}

	usedAfter := p.registry.UsedVRAM()
	var measured uint64
	if usedAfter > usedBefore {
		measured = usedAfter - usedBefore
	}

	p.registry.Register(registry.LoadedModel{
		Name:       target,
		ModelPath:  params.ModelPath,
		VRAMBytes:  measured,
		WorkerID:   workerID,
		AuxWeights: params.AuxWeights,
	})

	p.mu.Lock()
	p.worker = w
	p.currentMode = target
	p.mu.Unlock()

	p.log.Info("mode loaded",
		zap.String("mode", target),
		zap.String("worker_id", workerID),
		zap.Uint64("measured_vram_bytes", measured))
	p.publish(events.Event{Type: events.ModeLoaded, Mode: target})
	return nil
}

// unloadCurrent releases the loaded worker. Idempotent; runs only on the
// consumer goroutine. Memory reclamation is best-effort: a failed release
// is logged, never surfaced, because the state transition must complete
// regardless.
func (p *WorkerPool) unloadCurrent() {
	p.mu.Lock()
	w, mode := p.worker, p.currentMode
	p.worker, p.currentMode = nil, ""
	p.mu.Unlock()

	if w == nil {
		return
	}

	p.registry.Unregister(mode)

	if err := w.Close(); err != nil {
		p.log.Warn("worker release failed",
			zap.String("mode", mode), zap.Error(err))
	}

	// The worker reference is gone; force a collection pass so the runtime
	// lets go of whatever it was pinning.
	runtime.GC()

	p.log.Info("mode unloaded", zap.String("mode", mode))
	p.publish(events.Event{Type: events.ModeUnloaded, Mode: mode})
}

func (p *WorkerPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *WorkerPool) publish(ev events.Event) {
	if p.events != nil {
		p.events.Publish(ev)
	}
}

func jobID(job Job) string {
	if g, ok := job.(*GenerationJob); ok && g.Request != nil {
		return g.Request.ID
	}
	return ""
}
