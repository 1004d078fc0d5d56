package registry

import (
	"os"
	"sync"

	"github.com/dreamforge/dream-server/internal/gpu"
	"go.uber.org/zap"
)

// vramOverheadFactor is the inference-time margin applied on top of the
// model's file size when estimating a pre-load footprint.
const vramOverheadFactor = 1.2

// LoadedModel describes one registered model and its measured footprint.
type LoadedModel struct {
	Name       string   `json:"name"`
	ModelPath  string   `json:"model_path"`
	VRAMBytes  uint64   `json:"vram_bytes"`
	WorkerID   string   `json:"worker_id,omitempty"`
	AuxWeights []string `json:"aux_weights,omitempty"`
}

// Stats is a read-only snapshot for status endpoints.
type Stats struct {
	Device         string        `json:"device"`
	TotalBytes     uint64        `json:"total_bytes"`
	UsedBytes      uint64        `json:"used_bytes"`
	AvailableBytes uint64        `json:"available_bytes"`
	UsagePercent   float64       `json:"usage_percent"`
	ModelsLoaded   int           `json:"models_loaded"`
	Models         []LoadedModel `json:"models"`
}

// Registry tracks which named models are loaded and how much device memory
// each consumes. It is pure bookkeeping: admission checks are advisory and
// the memory figures always come from a live device query, so correctness
// does not depend on this registry's view matching the runtime's exactly.
type Registry struct {
	mu     sync.Mutex
	loaded map[string]LoadedModel
	device gpu.Device
	log    *zap.Logger
}

func New(device gpu.Device, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		loaded: make(map[string]LoadedModel),
		device: device,
		log:    log,
	}
}

// Register inserts or overwrites the entry for name. Idempotent.
func (r *Registry) Register(m LoadedModel) {
	r.mu.Lock()
	r.loaded[m.Name] = m
	r.mu.Unlock()

	r.log.Info("registered model",
		zap.String("name", m.Name),
		zap.Uint64("vram_bytes", m.VRAMBytes))
}

// Unregister removes the entry if present; a missing entry is logged and
// otherwise a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	m, ok := r.loaded[name]
	if ok {
		delete(r.loaded, name)
	}
	r.mu.Unlock()

	if !ok {
		r.log.Warn("model not registered", zap.String("name", name))
		return
	}
	r.log.Info("unregistered model",
		zap.String("name", name),
		zap.Uint64("freed_bytes", m.VRAMBytes))
}

func (r *Registry) Model(name string) (LoadedModel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.loaded[name]
	return m, ok
}

func (r *Registry) IsLoaded(name string) bool {
	_, ok := r.Model(name)
	return ok
}

// Clear drops all registrations without unloading anything.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.loaded = make(map[string]LoadedModel)
	r.mu.Unlock()
	r.log.Info("cleared model registrations")
}

// UsedVRAM is a live device query, not a sum of registrations, so it
// reflects memory consumed by the whole process.
func (r *Registry) UsedVRAM() uint64 {
	return r.device.UsedBytes()
}

func (r *Registry) TotalVRAM() uint64 {
	return r.device.TotalBytes()
}

func (r *Registry) AvailableVRAM() uint64 {
	total := r.device.TotalBytes()
	used := r.device.UsedBytes()
	if used >= total {
		return 0
	}
	return total - used
}

// CanFit reports whether estimatedBytes fits in available memory. Advisory
// only; always false when no device is present.
func (r *Registry) CanFit(estimatedBytes uint64) bool {
	if !r.device.Present() {
		return false
	}
	return estimatedBytes <= r.AvailableVRAM()
}

// EstimateVRAM guesses a model's footprint from its file size plus a 20%
// inference overhead margin. The measured before/after load delta, not this
// figure, is what ends up registered.
func (r *Registry) EstimateVRAM(modelPath string) uint64 {
	info, err := os.Stat(modelPath)
	if err != nil {
		r.log.Warn("model file not found for estimate", zap.String("path", modelPath))
		return 0
	}
	return uint64(float64(info.Size()) * vramOverheadFactor)
}

// Stats assembles a consistent snapshot of registrations together with the
// live device figures. Device queries happen outside the critical section.
func (r *Registry) Stats() Stats {
	total := r.device.TotalBytes()
	used := r.device.UsedBytes()
	available := uint64(0)
	if total > used {
		available = total - used
	}

	usagePercent := 0.0
	if total > 0 {
		usagePercent = float64(used) / float64(total) * 100
	}

	r.mu.Lock()
	models := make([]LoadedModel, 0, len(r.loaded))
	for _, m := range r.loaded {
		models = append(models, m)
	}
	r.mu.Unlock()

	return Stats{
		Device:         r.device.Name(),
		TotalBytes:     total,
		UsedBytes:      used,
		AvailableBytes: available,
		UsagePercent:   usagePercent,
		ModelsLoaded:   len(models),
		Models:         models,
	}
}
