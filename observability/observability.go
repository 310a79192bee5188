// Package observability samples process health for the health endpoint and
// a periodic heartbeat log line.
package observability

import (
	"context"
	"log/slog"
	"runtime"
	"time"
)

// RuntimeMetrics captures Go process health at a point in time.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memoryAllocMb"`
	MemorySysMB   float64 `json:"memorySysMb"`
	GCCount       uint32  `json:"gcCount"`
}

// CollectRuntimeMetrics reads current Go runtime stats.
func CollectRuntimeMetrics() RuntimeMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return RuntimeMetrics{
		Goroutines:    runtime.NumGoroutine(),
		MemoryAllocMB: float64(mem.Alloc) / 1024 / 1024,
		MemorySysMB:   float64(mem.Sys) / 1024 / 1024,
		GCCount:       mem.NumGC,
	}
}

// Probe contributes attributes to each heartbeat.
type Probe func() []slog.Attr

// Heartbeat logs runtime metrics plus probe attributes every interval.
type Heartbeat struct {
	logger   *slog.Logger
	interval time.Duration
	probes   []Probe
}

// NewHeartbeat creates a Heartbeat. Default interval: 1 minute.
func NewHeartbeat(logger *slog.Logger, interval time.Duration, probes ...Probe) *Heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Heartbeat{logger: logger, interval: interval, probes: probes}
}

// Run beats every interval until ctx is done.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Beat(ctx)
		}
	}
}

// Beat writes one heartbeat line.
func (h *Heartbeat) Beat(ctx context.Context) {
	m := CollectRuntimeMetrics()
	attrs := []slog.Attr{
		slog.Int("goroutines", m.Goroutines),
		slog.Float64("memory_alloc_mb", m.MemoryAllocMB),
		slog.Float64("memory_sys_mb", m.MemorySysMB),
		slog.Uint64("gc_count", uint64(m.GCCount)),
	}
	for _, p := range h.probes {
		attrs = append(attrs, p()...)
	}
	h.logger.LogAttrs(ctx, slog.LevelInfo, "heartbeat", attrs...)
}
