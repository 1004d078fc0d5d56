package worker

import (
	"context"

	"github.com/dreamforge/dream-server/internal/types"
)

// Params carries everything a backend needs to load one mode. The scheduler
// treats it as opaque and passes it straight to the factory.
type Params struct {
	Mode            string   `msgpack:"mode"`
	ModelPath       string   `msgpack:"model_path"`
	AuxWeights      []string `msgpack:"aux_weights,omitempty"`
	DefaultSize     string   `msgpack:"default_size,omitempty"`
	DefaultSteps    int      `msgpack:"default_steps,omitempty"`
	DefaultGuidance float64  `msgpack:"default_guidance,omitempty"`
}

// Result is whatever one generation pass produced. Seed is the seed actually
// used; Latents is a small fixed-shape tensor (NCHW [1,4,8,8], little-endian
// float16 bytes) returned only when the request asked for it.
type Result struct {
	Image   []byte `msgpack:"image"`
	Seed    int64  `msgpack:"seed"`
	Latents []byte `msgpack:"latents,omitempty"`
}

// Worker executes one generation request at a time. The scheduler guarantees
// Run is never called reentrantly, so implementations need no locking around
// the loaded pipeline. Close releases the backing model's device memory;
// failures there are best-effort and must not corrupt the caller's state.
type Worker interface {
	Run(ctx context.Context, req *types.GenerateParams) (*Result, error)
	Close() error
}

// Factory builds a worker for one mode. workerID is fresh per load attempt.
type Factory func(workerID string, params Params) (Worker, error)
