package governor

import (
	"errors"
	"runtime"

	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
)

const gigabyte = 1 << 30

// Limits clamp the probed capacity.
type Limits struct {
	Min        int
	Max        int
	Default    int
	PerImageGB float64
}

// DefaultLimits mirrors the sizing used in production: half a gigabyte per
// image, between two and ten images at once, two when probing fails.
func DefaultLimits() Limits {
	return Limits{Min: 2, Max: 10, Default: 2, PerImageGB: 0.5}
}

// Probe reports host resources.
type Probe interface {
	Cores() (int, error)
	AvailableMemoryGB() (float64, error)
}

// SystemProbe reads the host through the Go runtime and gopsutil.
type SystemProbe struct{}

// Cores returns the logical CPU count.
func (SystemProbe) Cores() (int, error) {
	return runtime.NumCPU(), nil
}

// AvailableMemoryGB returns memory available for new allocations.
func (SystemProbe) AvailableMemoryGB() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return float64(vm.Available) / gigabyte, nil
}

var errInvalidProbe = errors.New("probe returned no usable resources")

// ProbeCapacity computes min(Max, max(Min, min(cores-1, availableGB/PerImageGB))).
// Any probing error yields limits.Default.
func ProbeCapacity(limits Limits, probe Probe, logger *zap.Logger) int {
	if logger == nil {
		logger = zap.NewNop()
	}
	optimal, cpuBased, memoryBased, err := compute(limits, probe)
	if err != nil {
		logger.Warn("failed to probe resources, using default capacity",
			zap.Error(err), zap.Int("capacity", limits.Default))
		return limits.Default
	}
	logger.Info("calculated governor capacity",
		zap.Int("capacity", optimal),
		zap.Int("cpu_based", cpuBased),
		zap.Int("memory_based", memoryBased))
	return optimal
}

func compute(limits Limits, probe Probe) (optimal, cpuBased, memoryBased int, err error) {
	if probe == nil || limits.PerImageGB <= 0 {
		return 0, 0, 0, errInvalidProbe
	}
	cores, err := probe.Cores()
	if err != nil {
		return 0, 0, 0, err
	}
	available, err := probe.AvailableMemoryGB()
	if err != nil {
		return 0, 0, 0, err
	}
	if cores <= 0 || available < 0 {
		return 0, 0, 0, errInvalidProbe
	}

	cpuBased = cores - 1
	memoryBased = int(available / limits.PerImageGB)
	optimal = min(cpuBased, memoryBased)
	optimal = max(limits.Min, min(optimal, limits.Max))
	return optimal, cpuBased, memoryBased, nil
}
