package ioruntime

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// covering 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks runtime-level operational statistics: ring submissions
// and completions, task lifecycle counts, and worker pool dispatch mode.
type Metrics struct {
	TasksSpawned   atomic.Uint64
	TasksCompleted atomic.Uint64
	TasksFailed    atomic.Uint64

	Submissions atomic.Uint64
	Completions atomic.Uint64
	KernelErrors atomic.Uint64

	WorkerDirectDispatch atomic.Uint64 // dispatched straight to a free worker
	WorkerQueuedDispatch atomic.Uint64 // fell back to the overflow queue
	WorkerCompleted      atomic.Uint64

	ChannelSends    atomic.Uint64
	ChannelRecvs    atomic.Uint64
	ChannelDropped  atomic.Uint64 // payloads dropped on a failed send

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordCompletion records one ring completion and its latency since
// submission.
func (m *Metrics) RecordCompletion(latencyNs uint64, kernelFailed bool) {
	m.Completions.Add(1)
	if kernelFailed {
		m.KernelErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordTaskSpawned records a new task entering the registry.
func (m *Metrics) RecordTaskSpawned() { m.TasksSpawned.Add(1) }

// RecordTaskCompleted records a task reaching a terminal state.
func (m *Metrics) RecordTaskCompleted(failed bool) {
	m.TasksCompleted.Add(1)
	if failed {
		m.TasksFailed.Add(1)
	}
}

// RecordWorkerDispatch records whether a CPU callable was dispatched
// directly to a free worker or queued to the overflow pipe.
func (m *Metrics) RecordWorkerDispatch(direct bool) {
	if direct {
		m.WorkerDirectDispatch.Add(1)
	} else {
		m.WorkerQueuedDispatch.Add(1)
	}
}

func (m *Metrics) RecordWorkerCompleted() { m.WorkerCompleted.Add(1) }

func (m *Metrics) RecordChannelSend(dropped bool) {
	m.ChannelSends.Add(1)
	if dropped {
		m.ChannelDropped.Add(1)
	}
}

func (m *Metrics) RecordChannelRecv() { m.ChannelRecvs.Add(1) }

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the runtime as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics with derived rates.
type MetricsSnapshot struct {
	TasksSpawned   uint64
	TasksCompleted uint64
	TasksFailed    uint64

	Submissions  uint64
	Completions  uint64
	KernelErrors uint64

	WorkerDirectDispatch uint64
	WorkerQueuedDispatch uint64
	WorkerCompleted      uint64

	ChannelSends   uint64
	ChannelRecvs   uint64
	ChannelDropped uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyHistogram [numLatencyBuckets]uint64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		TasksSpawned:         m.TasksSpawned.Load(),
		TasksCompleted:       m.TasksCompleted.Load(),
		TasksFailed:          m.TasksFailed.Load(),
		Submissions:          m.Submissions.Load(),
		Completions:          m.Completions.Load(),
		KernelErrors:         m.KernelErrors.Load(),
		WorkerDirectDispatch: m.WorkerDirectDispatch.Load(),
		WorkerQueuedDispatch: m.WorkerQueuedDispatch.Load(),
		WorkerCompleted:      m.WorkerCompleted.Load(),
		ChannelSends:         m.ChannelSends.Load(),
		ChannelRecvs:         m.ChannelRecvs.Load(),
		ChannelDropped:       m.ChannelDropped.Load(),
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	return snap
}

// Reset resets all metrics counters. Useful for testing.
func (m *Metrics) Reset() {
	m.TasksSpawned.Store(0)
	m.TasksCompleted.Store(0)
	m.TasksFailed.Store(0)
	m.Submissions.Store(0)
	m.Completions.Store(0)
	m.KernelErrors.Store(0)
	m.WorkerDirectDispatch.Store(0)
	m.WorkerQueuedDispatch.Store(0)
	m.WorkerCompleted.Store(0)
	m.ChannelSends.Store(0)
	m.ChannelRecvs.Store(0)
	m.ChannelDropped.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := range m.LatencyBuckets {
		m.LatencyBuckets[i].Store(0)
	}
	m.StopTime.Store(0)
	m.StartTime.Store(time.Now().UnixNano())
}

// Observer allows pluggable metrics collection by the runtime loop.
type Observer interface {
	ObserveCompletion(latencyNs uint64, kernelFailed bool)
	ObserveTaskSpawned()
	ObserveTaskCompleted(failed bool)
	ObserveWorkerDispatch(direct bool)
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveCompletion(uint64, bool)  {}
func (NoOpObserver) ObserveTaskSpawned()              {}
func (NoOpObserver) ObserveTaskCompleted(bool)        {}
func (NoOpObserver) ObserveWorkerDispatch(bool)        {}

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveCompletion(latencyNs uint64, kernelFailed bool) {
	o.metrics.RecordCompletion(latencyNs, kernelFailed)
}

func (o *MetricsObserver) ObserveTaskSpawned() { o.metrics.RecordTaskSpawned() }

func (o *MetricsObserver) ObserveTaskCompleted(failed bool) {
	o.metrics.RecordTaskCompleted(failed)
}

func (o *MetricsObserver) ObserveWorkerDispatch(direct bool) {
	o.metrics.RecordWorkerDispatch(direct)
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
