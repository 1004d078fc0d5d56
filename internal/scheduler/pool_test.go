package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dreamforge/dream-server/internal/events"
	"github.com/dreamforge/dream-server/internal/registry"
	"github.com/dreamforge/dream-server/internal/types"
	"github.com/dreamforge/dream-server/internal/worker"
	"go.uber.org/zap"
)

var fakePNG = []byte("\x89PNG fake image data")

// stubDevice drives the registry's live memory queries.
type stubDevice struct {
	total uint64
	used  atomic.Uint64
}

func (d *stubDevice) Name() string       { return "Stub GPU" }
func (d *stubDevice) TotalBytes() uint64 { return d.total }
func (d *stubDevice) UsedBytes() uint64  { return d.used.Load() }
func (d *stubDevice) Present() bool      { return true }

// fakeWorker asserts single-flight execution: a reentrant Run trips inFlight.
type fakeWorker struct {
	id        string
	runDelay  time.Duration
	runErr    error
	closeErr  error
	inFlight  atomic.Int32
	reentered atomic.Bool
	closed    atomic.Bool
	runs      atomic.Int32
}

func (w *fakeWorker) Run(ctx context.Context, req *types.GenerateParams) (*worker.Result, error) {
	if w.inFlight.Add(1) > 1 {
		w.reentered.Store(true)
	}
	defer w.inFlight.Add(-1)

	w.runs.Add(1)
	if w.runDelay > 0 {
		time.Sleep(w.runDelay)
	}
	if w.runErr != nil {
		return nil, w.runErr
	}
	return &worker.Result{Image: fakePNG, Seed: 42}, nil
}

func (w *fakeWorker) Close() error {
	w.closed.Store(true)
	return w.closeErr
}

// fakeFactory counts constructions and hands out fakeWorkers.
type fakeFactory struct {
	mu       sync.Mutex
	built    int
	failWith error
	delay    time.Duration
	device   *stubDevice
	loadCost uint64
	workers  []*fakeWorker
	runDelay time.Duration
}

func (f *fakeFactory) factory(workerID string, params worker.Params) (worker.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.failWith != nil {
		return nil, f.failWith
	}

	f.built++
	if f.device != nil && f.loadCost > 0 {
		f.device.used.Add(f.loadCost)
	}

	w := &fakeWorker{id: workerID, runDelay: f.runDelay}
	f.workers = append(f.workers, w)
	return w, nil
}

func (f *fakeFactory) builtCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built
}

type fakeModes struct {
	modes map[string]worker.Params
}

func (m *fakeModes) Mode(name string) (worker.Params, error) {
	p, ok := m.modes[name]
	if !ok {
		return worker.Params{}, fmt.Errorf("mode %q not defined", name)
	}
	return p, nil
}

func testModes() *fakeModes {
	return &fakeModes{modes: map[string]worker.Params{
		"mode-a": {
			Mode:            "mode-a",
			ModelPath:       "/models/sdxl.safetensors",
			DefaultSize:     "1024x1024",
			DefaultSteps:    30,
			DefaultGuidance: 7.5,
		},
		"mode-b": {
			Mode:            "mode-b",
			ModelPath:       "/models/sd15.safetensors",
			DefaultSize:     "512x512",
			DefaultSteps:    4,
			DefaultGuidance: 1.0,
		},
	}}
}

type poolFixture struct {
	pool     *WorkerPool
	factory  *fakeFactory
	registry *registry.Registry
	device   *stubDevice
	hub      *events.Hub
}

func newFixture(t *testing.T, queueSize int) *poolFixture {
	t.Helper()

	device := &stubDevice{total: 24 << 30}
	reg := registry.New(device, zap.NewNop())
	factory := &fakeFactory{device: device, loadCost: 4 << 30}
	hub := events.NewHub(zap.NewNop())

	pool, err := New(Config{
		QueueSize: queueSize,
		Factory:   factory.factory,
		Modes:     testModes(),
		Registry:  reg,
		Logger:    zap.NewNop(),
		Events:    hub,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Shutdown(ctx)
	})

	return &poolFixture{pool: pool, factory: factory, registry: reg, device: device, hub: hub}
}

func awaitOK(t *testing.T, h *Handle) any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := h.Await(ctx)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	return v
}

func awaitErr(t *testing.T, h *Handle) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := h.Await(ctx)
	if err == nil {
		t.Fatal("Await: expected error")
	}
	return err
}

func switchOK(t *testing.T, p *WorkerPool, mode string) {
	t.Helper()
	h, err := p.SwitchMode(mode)
	if err != nil {
		t.Fatalf("SwitchMode(%s): %v", mode, err)
	}
	awaitOK(t, h)
}

func generate(t *testing.T, p *WorkerPool, id string) (*Handle, error) {
	t.Helper()
	return p.SubmitGeneration(&types.GenerateParams{ID: id, Prompt: "a quiet harbor at dawn"})
}

func TestGenerateWithLoadedMode(t *testing.T) {
	f := newFixture(t, 10)
	switchOK(t, f.pool, "mode-a")

	h, err := generate(t, f.pool, "job-1")
	if err != nil {
		t.Fatalf("SubmitGeneration: %v", err)
	}

	res, ok := awaitOK(t, h).(*worker.Result)
	if !ok {
		t.Fatalf("result has unexpected type %T", res)
	}
	if string(res.Image) != string(fakePNG) || res.Seed != 42 {
		t.Errorf("result = %+v", res)
	}
}

func TestGenerateWithoutWorkerFails(t *testing.T) {
	f := newFixture(t, 10)

	h, err := generate(t, f.pool, "job-1")
	if err != nil {
		t.Fatalf("SubmitGeneration: %v", err)
	}
	if err := awaitErr(t, h); !errors.Is(err, ErrNoWorkerAvailable) {
		t.Fatalf("error = %v, want ErrNoWorkerAvailable", err)
	}

	// The failure is repeatable, not a one-shot.
	h2, _ := generate(t, f.pool, "job-2")
	if err := awaitErr(t, h2); !errors.Is(err, ErrNoWorkerAvailable) {
		t.Fatalf("second error = %v, want ErrNoWorkerAvailable", err)
	}
}

func TestFullLifecycleMatrix(t *testing.T) {
	f := newFixture(t, 10)

	// Load mode-a, generate succeeds.
	switchOK(t, f.pool, "mode-a")
	h1, _ := generate(t, f.pool, "job-1")
	if res := awaitOK(t, h1).(*worker.Result); string(res.Image) != string(fakePNG) {
		t.Fatal("step 1: unexpected payload")
	}

	// Unload, generate fails with ErrNoWorkerAvailable.
	hu, _ := f.pool.Unload()
	awaitOK(t, hu)
	h2, _ := generate(t, f.pool, "job-2")
	if err := awaitErr(t, h2); !errors.Is(err, ErrNoWorkerAvailable) {
		t.Fatalf("step 2: error = %v", err)
	}

	// Load mode-b, generate succeeds again.
	switchOK(t, f.pool, "mode-b")
	if mode, ok := f.pool.CurrentMode(); !ok || mode != "mode-b" {
		t.Fatalf("step 3: CurrentMode = %q, %v", mode, ok)
	}
	h3, _ := generate(t, f.pool, "job-3")
	if res := awaitOK(t, h3).(*worker.Result); res.Seed != 42 {
		t.Fatal("step 3: unexpected payload")
	}

	// Unload again, generate fails again.
	hu2, _ := f.pool.Unload()
	awaitOK(t, hu2)
	h4, _ := generate(t, f.pool, "job-4")
	if err := awaitErr(t, h4); !errors.Is(err, ErrNoWorkerAvailable) {
		t.Fatalf("step 4: error = %v", err)
	}

	// A further unload is a safe no-op.
	hu3, _ := f.pool.Unload()
	awaitOK(t, hu3)
	if _, ok := f.pool.CurrentMode(); ok {
		t.Fatal("step 5: pool should be unloaded")
	}
}

func TestUnloadIsIdempotent(t *testing.T) {
	f := newFixture(t, 10)
	switchOK(t, f.pool, "mode-a")

	for i := 0; i < 3; i++ {
		h, err := f.pool.Unload()
		if err != nil {
			t.Fatalf("Unload #%d: %v", i+1, err)
		}
		awaitOK(t, h)
	}

	if _, ok := f.pool.CurrentMode(); ok {
		t.Fatal("pool should be unloaded after triple unload")
	}
	if f.registry.IsLoaded("mode-a") {
		t.Fatal("mode-a should be unregistered")
	}
}

func TestSwitchToSameModeSkipsFactory(t *testing.T) {
	f := newFixture(t, 10)
	switchOK(t, f.pool, "mode-a")

	before := f.factory.builtCount()
	switchOK(t, f.pool, "mode-a")

	if got := f.factory.builtCount(); got != before {
		t.Fatalf("factory built %d workers, want %d (no-op switch)", got, before)
	}
}

func TestSwitchUnloadsOldMode(t *testing.T) {
	f := newFixture(t, 10)
	switchOK(t, f.pool, "mode-a")
	switchOK(t, f.pool, "mode-b")

	if f.registry.IsLoaded("mode-a") {
		t.Error("mode-a should have been unregistered during the switch")
	}
	if !f.registry.IsLoaded("mode-b") {
		t.Error("mode-b should be registered")
	}
	if !f.factory.workers[0].closed.Load() {
		t.Error("old worker should have been closed")
	}
}

func TestSwitchMeasuresVRAMDelta(t *testing.T) {
	f := newFixture(t, 10)
	switchOK(t, f.pool, "mode-a")

	m, ok := f.registry.Model("mode-a")
	if !ok {
		t.Fatal("mode-a not registered")
	}
	if m.VRAMBytes != f.factory.loadCost {
		t.Fatalf("registered VRAM = %d, want measured delta %d", m.VRAMBytes, f.factory.loadCost)
	}
	if m.WorkerID == "" {
		t.Error("worker id should be recorded")
	}
}

func TestFailedLoadLeavesPoolUnloaded(t *testing.T) {
	f := newFixture(t, 10)
	switchOK(t, f.pool, "mode-a")

	f.factory.failWith = errors.New("checkpoint is corrupt")
	h, err := f.pool.SwitchMode("mode-b")
	if err != nil {
		t.Fatalf("SwitchMode: %v", err)
	}

	err = awaitErr(t, h)
	if !IsModeLoadError(err) {
		t.Fatalf("error = %v, want ModeLoadError", err)
	}
	var mle *ModeLoadError
	errors.As(err, &mle)
	if mle.Mode != "mode-b" {
		t.Errorf("ModeLoadError.Mode = %q", mle.Mode)
	}

	// Fail-safe: the old mode was released before the load attempt, and the
	// failed mode never got registered.
	if _, ok := f.pool.CurrentMode(); ok {
		t.Error("pool should be unloaded after a failed switch")
	}
	if f.registry.IsLoaded("mode-a") || f.registry.IsLoaded("mode-b") {
		t.Error("registry should have no entries after a failed switch")
	}

	// Generation now reports the unloaded state, not the load failure.
	f.factory.failWith = nil
	hg, _ := generate(t, f.pool, "job-after-fail")
	if err := awaitErr(t, hg); !errors.Is(err, ErrNoWorkerAvailable) {
		t.Fatalf("post-failure generation error = %v", err)
	}
}

func TestSwitchToUnknownMode(t *testing.T) {
	f := newFixture(t, 10)

	h, err := f.pool.SwitchMode("mode-z")
	if err != nil {
		t.Fatalf("SwitchMode: %v", err)
	}
	if err := awaitErr(t, h); !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("error = %v, want ErrUnknownMode", err)
	}
}

func TestWorkerFailurePropagatesVerbatim(t *testing.T) {
	f := newFixture(t, 10)
	switchOK(t, f.pool, "mode-a")

	execErr := errors.New("CUDA out of memory")
	f.factory.workers[0].runErr = execErr

	h, _ := generate(t, f.pool, "job-1")
	if err := awaitErr(t, h); !errors.Is(err, execErr) {
		t.Fatalf("error = %v, want the worker's own failure", err)
	}
}

func TestQueueFullBackpressure(t *testing.T) {
	f := newFixture(t, 2)
	switchOK(t, f.pool, "mode-a")
	f.factory.workers[0].runDelay = 200 * time.Millisecond

	// First job occupies the consumer; two more fill the queue.
	var handles []*Handle
	for i := 0; i < 3; i++ {
		h, err := generate(t, f.pool, fmt.Sprintf("job-%d", i))
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		handles = append(handles, h)
	}

	// Give the consumer a moment to pick up the first job so the queue is
	// exactly at capacity.
	time.Sleep(50 * time.Millisecond)

	if _, err := generate(t, f.pool, "job-overflow"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("overflow submit error = %v, want ErrQueueFull", err)
	}

	// Already-queued jobs still execute normally.
	for i, h := range handles {
		if res := awaitOK(t, h).(*worker.Result); res.Seed != 42 {
			t.Fatalf("queued job %d: unexpected payload", i)
		}
	}
}

func TestSingleFlight(t *testing.T) {
	f := newFixture(t, 32)
	switchOK(t, f.pool, "mode-a")
	w := f.factory.workers[0]
	w.runDelay = 5 * time.Millisecond

	var wg sync.WaitGroup
	var handles sync.Map
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 3; j++ {
				h, err := generate(t, f.pool, fmt.Sprintf("job-%d-%d", i, j))
				if err != nil {
					continue // queue-full is acceptable under pressure
				}
				handles.Store(h, struct{}{})
			}
		}(i)
	}
	wg.Wait()

	handles.Range(func(k, _ any) bool {
		awaitOK(t, k.(*Handle))
		return true
	})

	if w.reentered.Load() {
		t.Fatal("worker observed reentrant Run calls; single-flight violated")
	}
}

func TestAwaitTimeoutDoesNotCancelJob(t *testing.T) {
	f := newFixture(t, 10)
	switchOK(t, f.pool, "mode-a")
	w := f.factory.workers[0]
	w.runDelay = 150 * time.Millisecond

	h, _ := generate(t, f.pool, "job-slow")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := h.Await(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("short await error = %v, want deadline exceeded", err)
	}

	// The job kept running and resolves for a later waiter.
	if res := awaitOK(t, h).(*worker.Result); res.Seed != 42 {
		t.Fatal("job should still resolve after an abandoned await")
	}
	if w.runs.Load() != 1 {
		t.Fatalf("runs = %d, want exactly 1", w.runs.Load())
	}
}

func TestShutdownRejectsQueuedAndRefusesNew(t *testing.T) {
	f := newFixture(t, 10)
	switchOK(t, f.pool, "mode-a")
	f.factory.workers[0].runDelay = 100 * time.Millisecond

	running, _ := generate(t, f.pool, "job-running")
	queued, _ := generate(t, f.pool, "job-queued")
	time.Sleep(20 * time.Millisecond) // let the consumer pick up the first

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.pool.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	// The in-flight job completed; the queued one was rejected.
	if res := awaitOK(t, running).(*worker.Result); res.Seed != 42 {
		t.Fatal("in-flight job should complete")
	}
	if err := awaitErr(t, queued); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("queued job error = %v, want ErrShuttingDown", err)
	}

	// New submissions are refused synchronously.
	if _, err := generate(t, f.pool, "job-late"); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("late submit error = %v, want ErrShuttingDown", err)
	}

	// The worker was unloaded on the way out.
	if !f.factory.workers[0].closed.Load() {
		t.Error("worker should be closed by shutdown")
	}
	if _, ok := f.pool.CurrentMode(); ok {
		t.Error("pool should be unloaded after shutdown")
	}

	// Repeated shutdown is a no-op.
	if err := f.pool.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestMaintenanceJobRunsOnConsumer(t *testing.T) {
	f := newFixture(t, 10)
	switchOK(t, f.pool, "mode-a")

	h, err := f.pool.Submit(NewMaintenanceJob(func(ec *ExecContext) (any, error) {
		return ec.Mode(), nil
	}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if mode := awaitOK(t, h).(string); mode != "mode-a" {
		t.Fatalf("maintenance saw mode %q, want mode-a", mode)
	}
}

func TestMaintenanceJobFailurePropagates(t *testing.T) {
	f := newFixture(t, 10)

	boom := errors.New("registry scrub failed")
	h, _ := f.pool.Submit(NewMaintenanceJob(func(ec *ExecContext) (any, error) {
		return nil, boom
	}))

	if err := awaitErr(t, h); !errors.Is(err, boom) {
		t.Fatalf("error = %v, want task failure", err)
	}
}

func TestPanickingJobRejectsHandle(t *testing.T) {
	f := newFixture(t, 10)

	h, _ := f.pool.Submit(NewMaintenanceJob(func(ec *ExecContext) (any, error) {
		panic("unexpected tensor shape")
	}))

	err := awaitErr(t, h)
	if !strings.Contains(err.Error(), "unexpected tensor shape") {
		t.Fatalf("error = %v, want panic message", err)
	}

	// The consumer survived and keeps serving.
	switchOK(t, f.pool, "mode-a")
}

func TestFIFOOrderingAcrossSwitch(t *testing.T) {
	f := newFixture(t, 16)
	switchOK(t, f.pool, "mode-a")

	// Queue: generate (mode-a), switch to mode-b, generate (mode-b).
	// The switch must not interleave with the first generation, and the
	// second generation must run against the new worker.
	h1, _ := generate(t, f.pool, "before-switch")
	hs, _ := f.pool.SwitchMode("mode-b")
	h2, _ := generate(t, f.pool, "after-switch")

	awaitOK(t, h1)
	awaitOK(t, hs)
	awaitOK(t, h2)

	if f.factory.workers[0].runs.Load() != 1 {
		t.Errorf("mode-a worker ran %d jobs, want 1", f.factory.workers[0].runs.Load())
	}
	if f.factory.workers[1].runs.Load() != 1 {
		t.Errorf("mode-b worker ran %d jobs, want 1", f.factory.workers[1].runs.Load())
	}
}

func TestEventsPublishedOnTransitions(t *testing.T) {
	f := newFixture(t, 10)

	var mu sync.Mutex
	var seen []events.Type
	f.hub.Subscribe(func(ev events.Event) {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
	})

	switchOK(t, f.pool, "mode-a")
	hu, _ := f.pool.Unload()
	awaitOK(t, hu)

	mu.Lock()
	defer mu.Unlock()
	var gotLoaded, gotUnloaded bool
	for _, ty := range seen {
		if ty == events.ModeLoaded {
			gotLoaded = true
		}
		if ty == events.ModeUnloaded {
			gotUnloaded = true
		}
	}
	if !gotLoaded || !gotUnloaded {
		t.Fatalf("events = %v, want mode_loaded and mode_unloaded", seen)
	}
}
