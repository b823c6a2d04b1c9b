package dispatch

import (
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	bytesPerWorker = 2 << 30
	maxAutoWorkers = 4
	// minFreeDiskMB is the free space under the data directory below which a
	// cycle logs a warning before starting workers.
	minFreeDiskMB = 512
)

// ResourceSnapshot is a point-in-time view of host capacity.
type ResourceSnapshot struct {
	MemAvailableMB float64
	MemPercent     float64
	DiskFreeMB     float64
	Load1          float64
	NumCPU         int
}

// ResourceProbe reads host capacity.
type ResourceProbe func(dataDir string) ResourceSnapshot

// ProbeResources reads memory, disk and load figures. Missing figures are zero.
func ProbeResources(dataDir string) ResourceSnapshot {
	snap := ResourceSnapshot{NumCPU: runtime.NumCPU()}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemAvailableMB = float64(vm.Available) / 1024 / 1024
		snap.MemPercent = vm.UsedPercent
	}
	if dataDir != "" {
		if usage, err := disk.Usage(dataDir); err == nil {
			snap.DiskFreeMB = float64(usage.Free) / 1024 / 1024
		}
	}
	if avg, err := load.Avg(); err == nil {
		snap.Load1 = avg.Load1
	}
	return snap
}

// Concurrency returns the worker bound: one per 2 GiB of available memory,
// at least one and at most four. Unknown memory yields one.
func (s ResourceSnapshot) Concurrency() int {
	n := int(s.MemAvailableMB * 1024 * 1024 / bytesPerWorker)
	if n < 1 {
		return 1
	}
	if n > maxAutoWorkers {
		return maxAutoWorkers
	}
	return n
}

// Warnings lists capacity problems worth logging before starting workers.
func (s ResourceSnapshot) Warnings() []string {
	var out []string
	if s.DiskFreeMB > 0 && s.DiskFreeMB < minFreeDiskMB {
		out = append(out, fmt.Sprintf("low disk space under data dir: %.0f MB free", s.DiskFreeMB))
	}
	if s.MemPercent > 90 {
		out = append(out, fmt.Sprintf("memory usage high: %.1f%%", s.MemPercent))
	}
	if s.NumCPU > 0 && s.Load1 > float64(2*s.NumCPU) {
		out = append(out, fmt.Sprintf("load average %.2f exceeds twice the CPU count", s.Load1))
	}
	return out
}
