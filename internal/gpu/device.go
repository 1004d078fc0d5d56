package gpu

import (
	"os/exec"

	"github.com/jaypipes/ghw"
	"go.uber.org/zap"
)

// Device answers live device-memory queries. Used and total figures are
// read from the device at call time, never cached, so they include memory
// consumed outside this process's own bookkeeping.
type Device interface {
	Name() string
	TotalBytes() uint64
	UsedBytes() uint64
	Present() bool
}

// Detect picks the best available device query: nvidia-smi when the binary
// is on PATH, a static-total ghw readout otherwise, and a null device when
// no GPU can be found at all.
func Detect(log *zap.Logger) Device {
	if _, err := exec.LookPath("nvidia-smi"); err == nil {
		if d, err := newNvidiaSMI(log); err == nil {
			log.Info("GPU detected",
				zap.String("device", d.Name()),
				zap.Uint64("total_bytes", d.TotalBytes()))
			return d
		} else {
			log.Warn("nvidia-smi present but query failed", zap.Error(err))
		}
	}

	if d := detectGHW(log); d != nil {
		return d
	}

	log.Warn("no GPU detected, VRAM admission disabled")
	return None{}
}

// None is the no-device fallback: everything reads zero and can_fit style
// checks always fail.
type None struct{}

func (None) Name() string       { return "No GPU" }
func (None) TotalBytes() uint64 { return 0 }
func (None) UsedBytes() uint64  { return 0 }
func (None) Present() bool      { return false }

// ghwDevice knows the card name but has no live usage counter. It reports
// zero used bytes, which keeps admission advisory rather than blocking.
type ghwDevice struct {
	name string
}

func detectGHW(log *zap.Logger) Device {
	info, err := ghw.GPU()
	if err != nil || len(info.GraphicsCards) == 0 {
		return nil
	}

	card := info.GraphicsCards[0]
	name := "Unknown GPU"
	if card.DeviceInfo != nil && card.DeviceInfo.Product != nil {
		name = card.DeviceInfo.Product.Name
	}

	log.Info("GPU detected via ghw (no live memory counters)", zap.String("device", name))
	return &ghwDevice{name: name}
}

func (d *ghwDevice) Name() string       { return d.name }
func (d *ghwDevice) TotalBytes() uint64 { return 0 }
func (d *ghwDevice) UsedBytes() uint64  { return 0 }
func (d *ghwDevice) Present() bool      { return true }
