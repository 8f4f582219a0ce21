package metrics

import (
	"sync"
	"time"

	"github.com/trialflow/trialflow/pkg/interfaces"
)

// MemoryMetrics accumulates metrics in memory. Counters are summed; gauges,
// histograms and timers keep every observation.
type MemoryMetrics struct {
	mu       sync.Mutex
	counters map[string]int64
	values   map[string][]float64
	timers   map[string][]time.Duration
}

// NewMemoryMetrics creates an empty in-memory exporter.
func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{
		counters: make(map[string]int64),
		values:   make(map[string][]float64),
		timers:   make(map[string][]time.Duration),
	}
}

// Counter adds value to the named counter.
func (m *MemoryMetrics) Counter(name string, value int64, _ map[string]string) {
	m.mu.Lock()
	m.counters[name] += value
	m.mu.Unlock()
}

// Gauge records a gauge observation.
func (m *MemoryMetrics) Gauge(name string, value float64, _ map[string]string) {
	m.mu.Lock()
	m.values[name] = append(m.values[name], value)
	m.mu.Unlock()
}

// Histogram records a histogram observation.
func (m *MemoryMetrics) Histogram(name string, value float64, _ map[string]string) {
	m.Gauge(name, value, nil)
}

// Timer records a duration.
func (m *MemoryMetrics) Timer(name string, duration time.Duration, _ map[string]string) {
	m.mu.Lock()
	m.timers[name] = append(m.timers[name], duration)
	m.mu.Unlock()
}

// CounterValue returns the current value of a counter.
func (m *MemoryMetrics) CounterValue(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// Values returns the gauge and histogram observations for name.
func (m *MemoryMetrics) Values(name string) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.values[name]...)
}

// Timings returns the recorded durations for name.
func (m *MemoryMetrics) Timings(name string) []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.timers[name]...)
}

// Flush does nothing.
func (m *MemoryMetrics) Flush() error { return nil }

// Close does nothing.
func (m *MemoryMetrics) Close() error { return nil }

var _ interfaces.MetricsExporter = (*MemoryMetrics)(nil)
