package core

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/spaghettifunk/swarm/engine/containers"
)

const AVG_COUNT int = 30

// Metrics counts cache and submission activity for one engine.
type Metrics struct {
	BindHits     atomic.Uint64
	BindMisses   atomic.Uint64
	Evictions    atomic.Uint64
	DecayPasses  atomic.Uint64
	Reflections  atomic.Uint64
	Submissions  atomic.Uint64
	LayoutMisses atomic.Uint64
	Reloads      atomic.Uint64

	mu          sync.Mutex
	submitTimes *containers.RingQueue[time.Duration]
}

type MetricsSnapshot struct {
	BindHits      uint64
	BindMisses    uint64
	Evictions     uint64
	DecayPasses   uint64
	Reflections   uint64
	Submissions   uint64
	LayoutMisses  uint64
	Reloads       uint64
	AvgSubmitTime time.Duration
}

func NewMetrics() *Metrics {
	return &Metrics{
		submitTimes: containers.NewRingQueue[time.Duration](AVG_COUNT),
	}
}

// RecordSubmission counts a submission and adds its latency to the rolling window.
func (m *Metrics) RecordSubmission(elapsed time.Duration) {
	m.Submissions.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitTimes.Push(elapsed)
}

// AvgSubmitTime averages the last AVG_COUNT submissions.
func (m *Metrics) AvgSubmitTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.submitTimes.IsEmpty() {
		return 0
	}
	var total time.Duration
	m.submitTimes.Each(func(d time.Duration) {
		total += d
	})
	return total / time.Duration(m.submitTimes.Len())
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		BindHits:      m.BindHits.Load(),
		BindMisses:    m.BindMisses.Load(),
		Evictions:     m.Evictions.Load(),
		DecayPasses:   m.DecayPasses.Load(),
		Reflections:   m.Reflections.Load(),
		Submissions:   m.Submissions.Load(),
		LayoutMisses:  m.LayoutMisses.Load(),
		Reloads:       m.Reloads.Load(),
		AvgSubmitTime: m.AvgSubmitTime(),
	}
}
