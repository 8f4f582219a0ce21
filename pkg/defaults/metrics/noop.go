// Package metrics holds the MetricsExporter implementations trialflow
// ships with: NoopMetrics when nothing is listening, LogMetrics for the
// CLI's --verbose mode and MemoryMetrics for tests.
package metrics

import (
	"time"

	"github.com/trialflow/trialflow/pkg/interfaces"
)

var _ interfaces.MetricsExporter = (*NoopMetrics)(nil)

// NoopMetrics is the engine's default exporter. Jobs record trial counts
// and durations unconditionally; without an exporter they end up here.
type NoopMetrics struct{}

func NewNoopMetrics() *NoopMetrics { return &NoopMetrics{} }

func (*NoopMetrics) Counter(string, int64, map[string]string) {}
func (*NoopMetrics) Gauge(string, float64, map[string]string) {}
func (*NoopMetrics) Histogram(string, float64, map[string]string) {}
func (*NoopMetrics) Timer(string, time.Duration, map[string]string) {}
func (*NoopMetrics) Flush() error { return nil }
func (*NoopMetrics) Close() error { return nil }
