package ml

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/videotuna/wanvideo/format"
)

// ErrNoMem is returned when an accelerator cannot satisfy an allocation.
type ErrNoMem struct {
	Module   string
	Required uint64
}

func (e ErrNoMem) Error() string {
	if e.Required == 0 {
		return fmt.Sprintf("insufficient memory loading %s", e.Module)
	}
	return fmt.Sprintf("insufficient memory loading %s: %s required", e.Module, format.HumanBytes2(e.Required))
}

// MemoryStats reports accelerator memory in bytes.
type MemoryStats struct {
	Allocated uint64
	Peak      uint64
	Total     uint64
}

func (m MemoryStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("allocated", format.HumanBytes2(m.Allocated)),
		slog.String("peak", format.HumanBytes2(m.Peak)),
		slog.String("total", format.HumanBytes2(m.Total)),
	)
}

// Accelerator is the compute device a pipeline runs on.
type Accelerator interface {
	Name() string
	// Upload copies a host tensor into accelerator memory.
	Upload(*Tensor) (*Tensor, error)
	// EmptyCache releases cached allocations back to the device.
	EmptyCache()
	// Synchronize blocks until queued work has finished.
	Synchronize() error
	MemoryStats() MemoryStats
}

// CPU runs everything in host memory. Upload is a copy and the cache
// operations do nothing.
type CPU struct{}

func (CPU) Name() string { return "cpu" }

func (CPU) Upload(t *Tensor) (*Tensor, error) { return t.Clone(), nil }

func (CPU) EmptyCache() { runtime.GC() }

func (CPU) Synchronize() error { return nil }

func (CPU) MemoryStats() MemoryStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return MemoryStats{Allocated: ms.HeapAlloc, Peak: ms.HeapSys, Total: ms.Sys}
}
