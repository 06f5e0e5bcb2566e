// Package stats implements the Stats Collector (C8): per-layer wall time,
// per-worker send/receive/compute time, and process-wide transfer counters.
// The counters are adapted directly from the teacher's metrics.go
// (DefaultMetrics: an atomic-counter struct behind a small interface) —
// here shaped around inference traffic instead of storage-API transactions.
package stats

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks process-wide transfer counters across every worker
// connection, independent of any single inference run.
type Metrics interface {
	IncrementTasksSent()
	IncrementResultsReceived()
	IncrementBytesSent(n int64)
	IncrementBytesReceived(n int64)

	GetTasksSent() int64
	GetResultsReceived() int64
	GetBytesSent() int64
	GetBytesReceived() int64
}

// DefaultMetrics implements Metrics with atomic counters.
type DefaultMetrics struct {
	tasksSent       int64
	resultsReceived int64
	bytesSent       int64
	bytesReceived   int64
}

// NewDefaultMetrics creates a zeroed DefaultMetrics.
func NewDefaultMetrics() *DefaultMetrics { return &DefaultMetrics{} }

func (m *DefaultMetrics) IncrementTasksSent()            { atomic.AddInt64(&m.tasksSent, 1) }
func (m *DefaultMetrics) IncrementResultsReceived()      { atomic.AddInt64(&m.resultsReceived, 1) }
func (m *DefaultMetrics) IncrementBytesSent(n int64)     { atomic.AddInt64(&m.bytesSent, n) }
func (m *DefaultMetrics) IncrementBytesReceived(n int64) { atomic.AddInt64(&m.bytesReceived, n) }

func (m *DefaultMetrics) GetTasksSent() int64       { return atomic.LoadInt64(&m.tasksSent) }
func (m *DefaultMetrics) GetResultsReceived() int64 { return atomic.LoadInt64(&m.resultsReceived) }
func (m *DefaultMetrics) GetBytesSent() int64       { return atomic.LoadInt64(&m.bytesSent) }
func (m *DefaultMetrics) GetBytesReceived() int64   { return atomic.LoadInt64(&m.bytesReceived) }

// WorkerStat is one worker's contribution to a single layer.
type WorkerStat struct {
	WorkerID    byte
	SendTime    time.Duration
	RecvTime    time.Duration
	ComputeTime time.Duration // worker-reported compute_time_us, converted
}

// LayerStat is the per-layer record spec §4.8 asks for.
type LayerStat struct {
	LayerIdx int
	Name     string
	WallTime time.Duration
	Workers  []WorkerStat
}

// RunStats aggregates every layer's stats for one execute_inference call.
type RunStats struct {
	RunID  string
	mu     sync.Mutex
	Layers []LayerStat
}

// NewRun starts a fresh RunStats tagged with runID (a UUID in practice).
func NewRun(runID string) *RunStats {
	return &RunStats{RunID: runID}
}

// AddLayer appends a completed layer's stats. Safe for concurrent use,
// though layers are recorded strictly sequentially in practice (spec §5).
func (r *RunStats) AddLayer(ls LayerStat) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Layers = append(r.Layers, ls)
}

// Summary renders the "printed as a summary after inference" report named
// in spec §4.8, in the coordinator's terse log register.
func (r *RunStats) Summary() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "inference %s: %d layers\n", r.RunID, len(r.Layers))
	var total time.Duration
	for _, l := range r.Layers {
		total += l.WallTime
		fmt.Fprintf(&b, "  layer %2d %-16s wall=%-10s workers=%d\n", l.LayerIdx, l.Name, l.WallTime, len(l.Workers))
		for _, w := range l.Workers {
			fmt.Fprintf(&b, "    worker %3d send=%-10s recv=%-10s compute=%-10s\n", w.WorkerID, w.SendTime, w.RecvTime, w.ComputeTime)
		}
	}
	fmt.Fprintf(&b, "  total wall time: %s", total)
	return b.String()
}

// Collector owns the process-wide Metrics and mints new per-run RunStats.
type Collector struct {
	metrics Metrics
}

// NewCollector builds a Collector backed by m. A nil m falls back to
// NewDefaultMetrics.
func NewCollector(m Metrics) *Collector {
	if m == nil {
		m = NewDefaultMetrics()
	}
	return &Collector{metrics: m}
}

// Metrics returns the process-wide transfer counters.
func (c *Collector) Metrics() Metrics { return c.metrics }

// NewRun starts a new RunStats for one execute_inference call.
func (c *Collector) NewRun(runID string) *RunStats { return NewRun(runID) }
