package metrics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/trialflow/trialflow/pkg/interfaces"
)

// LogMetrics writes metrics as structured log records.
// Useful for debugging and development.
type LogMetrics struct {
	mu         sync.Mutex
	logger     *slog.Logger
	level      slog.Level
	minLevel   LogLevel
	buffer     []slog.Record
	bufferSize int
}

// LogLevel controls which metrics are logged.
type LogLevel int

const (
	LogLevelAll LogLevel = iota
	LogLevelTimers
	LogLevelNone
)

// LogMetricsOption configures LogMetrics.
type LogMetricsOption func(*LogMetrics)

// WithLogger sets the destination logger.
func WithLogger(l *slog.Logger) LogMetricsOption {
	return func(m *LogMetrics) {
		m.logger = l
	}
}

// WithLevel sets the slog level metric records are emitted at.
func WithLevel(level slog.Level) LogMetricsOption {
	return func(m *LogMetrics) {
		m.level = level
	}
}

// WithMinLevel sets the minimum metric level.
func WithMinLevel(level LogLevel) LogMetricsOption {
	return func(m *LogMetrics) {
		m.minLevel = level
	}
}

// WithBufferSize sets the buffer size for batched logging.
func WithBufferSize(size int) LogMetricsOption {
	return func(m *LogMetrics) {
		m.bufferSize = size
	}
}

// NewLogMetrics creates a new log-based metrics exporter.
func NewLogMetrics(opts ...LogMetricsOption) *LogMetrics {
	m := &LogMetrics{
		logger: slog.Default(),
		level:  slog.LevelDebug,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Counter logs a counter metric.
func (m *LogMetrics) Counter(name string, value int64, tags map[string]string) {
	if m.minLevel >= LogLevelTimers {
		return
	}
	m.log("counter", name, slog.Int64("value", value), tags)
}

// Gauge logs a gauge metric.
func (m *LogMetrics) Gauge(name string, value float64, tags map[string]string) {
	if m.minLevel >= LogLevelTimers {
		return
	}
	m.log("gauge", name, slog.Float64("value", value), tags)
}

// Histogram logs a histogram metric.
func (m *LogMetrics) Histogram(name string, value float64, tags map[string]string) {
	if m.minLevel >= LogLevelTimers {
		return
	}
	m.log("histogram", name, slog.Float64("value", value), tags)
}

// Timer logs a timer metric.
func (m *LogMetrics) Timer(name string, duration time.Duration, tags map[string]string) {
	if m.minLevel >= LogLevelNone {
		return
	}
	m.log("timer", name, slog.Duration("value", duration), tags)
}

// Flush outputs any buffered metrics.
func (m *LogMetrics) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushLocked()
	return nil
}

// Close flushes and closes the exporter.
func (m *LogMetrics) Close() error {
	return m.Flush()
}

func (m *LogMetrics) flushLocked() {
	h := m.logger.Handler()
	for _, r := range m.buffer {
		_ = h.Handle(context.Background(), r)
	}
	m.buffer = nil
}

func (m *LogMetrics) log(metricType, name string, value slog.Attr, tags map[string]string) {
	ctx := context.Background()
	if !m.logger.Enabled(ctx, m.level) {
		return
	}
	r := slog.NewRecord(time.Now(), m.level, "metric", 0)
	r.AddAttrs(slog.String("type", metricType), slog.String("name", name), value)
	if len(tags) > 0 {
		r.AddAttrs(slog.Group("tags", tagAttrs(tags)...))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bufferSize > 0 {
		m.buffer = append(m.buffer, r)
		if len(m.buffer) >= m.bufferSize {
			m.flushLocked()
		}
		return
	}
	_ = m.logger.Handler().Handle(ctx, r)
}

// tagAttrs returns tags as attributes sorted by key.
func tagAttrs(tags map[string]string) []any {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]any, len(keys))
	for i, k := range keys {
		attrs[i] = slog.String(k, tags[k])
	}
	return attrs
}

// Verify interface compliance.
var _ interfaces.MetricsExporter = (*LogMetrics)(nil)
