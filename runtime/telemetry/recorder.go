package telemetry

import (
	"context"
	"sync"
	"time"
)

type (
	// Entry is one message captured by a RecordingLogger.
	Entry struct {
		Level   string
		Msg     string
		KeyVals []any
	}

	// RecordingLogger keeps every logged message in memory. It is meant for
	// tests that assert on logging side effects.
	RecordingLogger struct {
		mu      sync.Mutex
		entries []Entry
	}

	// RecordingMetrics accumulates counter totals and timer observations in
	// memory.
	RecordingMetrics struct {
		mu       sync.Mutex
		counters map[string]float64
		timers   map[string][]time.Duration
	}
)

// NewRecordingLogger returns an empty RecordingLogger.
func NewRecordingLogger() *RecordingLogger { return &RecordingLogger{} }

// NewRecordingMetrics returns an empty RecordingMetrics.
func NewRecordingMetrics() *RecordingMetrics {
	return &RecordingMetrics{
		counters: make(map[string]float64),
		timers:   make(map[string][]time.Duration),
	}
}

func (l *RecordingLogger) Debug(_ context.Context, msg string, kv ...any) { l.add("debug", msg, kv) }
func (l *RecordingLogger) Info(_ context.Context, msg string, kv ...any)  { l.add("info", msg, kv) }
func (l *RecordingLogger) Warn(_ context.Context, msg string, kv ...any)  { l.add("warn", msg, kv) }
func (l *RecordingLogger) Error(_ context.Context, msg string, kv ...any) { l.add("error", msg, kv) }

// Entries returns a copy of the captured entries.
func (l *RecordingLogger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Has reports whether a message was logged at level.
func (l *RecordingLogger) Has(level, msg string) bool {
	for _, e := range l.Entries() {
		if e.Level == level && e.Msg == msg {
			return true
		}
	}
	return false
}

func (l *RecordingLogger) add(level, msg string, kv []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, Entry{Level: level, Msg: msg, KeyVals: append([]any(nil), kv...)})
}

// IncCounter implements Metrics.
func (m *RecordingMetrics) IncCounter(name string, value float64, _ ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += value
}

// RecordTimer implements Metrics.
func (m *RecordingMetrics) RecordTimer(name string, d time.Duration, _ ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timers[name] = append(m.timers[name], d)
}

// Counter returns the accumulated total for name.
func (m *RecordingMetrics) Counter(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// Timers returns the observations recorded for name.
func (m *RecordingMetrics) Timers(name string) []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.timers[name]...)
}
