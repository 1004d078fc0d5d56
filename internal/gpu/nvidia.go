package gpu

import (
	"bytes"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const mib = 1024 * 1024

// nvidiaSMI queries device 0 through the nvidia-smi CLI. The name and total
// are read once at construction; used memory is re-queried on every call.
type nvidiaSMI struct {
	name  string
	total uint64
	log   *zap.Logger
}

func newNvidiaSMI(log *zap.Logger) (*nvidiaSMI, error) {
	out, err := querySMI("name,memory.total")
	if err != nil {
		return nil, err
	}

	name, totalMiB, err := parseNameTotal(out)
	if err != nil {
		return nil, err
	}

	return &nvidiaSMI{name: name, total: totalMiB * mib, log: log}, nil
}

func (d *nvidiaSMI) Name() string       { return d.name }
func (d *nvidiaSMI) TotalBytes() uint64 { return d.total }
func (d *nvidiaSMI) Present() bool      { return true }

func (d *nvidiaSMI) UsedBytes() uint64 {
	out, err := querySMI("memory.used")
	if err != nil {
		d.log.Warn("nvidia-smi memory query failed", zap.Error(err))
		return 0
	}

	usedMiB, err := parseUsed(out)
	if err != nil {
		d.log.Warn("unexpected nvidia-smi output", zap.Error(err))
		return 0
	}
	return usedMiB * mib
}

func querySMI(fields string) (string, error) {
	cmd := exec.Command("nvidia-smi",
		"--query-gpu="+fields,
		"--format=csv,noheader,nounits",
		"--id=0")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("nvidia-smi: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func parseNameTotal(out string) (string, uint64, error) {
	line := firstLine(out)
	parts := strings.Split(line, ",")
	if len(parts) < 2 {
		return "", 0, fmt.Errorf("malformed nvidia-smi line %q", line)
	}

	name := strings.TrimSpace(parts[0])
	total, err := parseMiB(parts[1])
	if err != nil {
		return "", 0, err
	}
	return name, total, nil
}

func parseUsed(out string) (uint64, error) {
	return parseMiB(firstLine(out))
}

// parseMiB handles the "[N/A]" readout some unified-memory devices report
// by treating it as zero.
func parseMiB(field string) (uint64, error) {
	s := strings.TrimSpace(field)
	if s == "" || s == "[N/A]" {
		return 0, nil
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed memory value %q", s)
	}
	if v < 0 {
		return 0, nil
	}
	return uint64(v), nil
}

func firstLine(out string) string {
	s := strings.TrimSpace(out)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
