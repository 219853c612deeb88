// Package metrics records per-invocation streaming timings.
package metrics

import (
	"log/slog"
	"sync"
	"time"
)

// Streaming tracks time-to-first-chunk and throughput for one upstream call.
type Streaming struct {
	mu         sync.Mutex
	name       string
	start      time.Time
	firstChunk time.Time
	end        time.Time
	chunks     int
	bytes      int
	now        func() time.Time
}

// NewStreaming starts a measurement labelled name.
func NewStreaming(name string) *Streaming {
	return newStreaming(name, time.Now)
}

func newStreaming(name string, now func() time.Time) *Streaming {
	return &Streaming{name: name, start: now(), now: now}
}

// Record counts one chunk of n bytes.
func (m *Streaming) Record(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.chunks == 0 {
		m.firstChunk = m.now()
	}
	m.chunks++
	m.bytes += n
}

// Finish stops the clock. Later calls are ignored.
func (m *Streaming) Finish() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.end.IsZero() {
		m.end = m.now()
	}
}

// FirstChunkLatency returns zero if no chunk was recorded.
func (m *Streaming) FirstChunkLatency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.firstChunk.IsZero() {
		return 0
	}
	return m.firstChunk.Sub(m.start)
}

// Total returns the elapsed time up to Finish, or up to now if still running.
func (m *Streaming) Total() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.end.IsZero() {
		return m.now().Sub(m.start)
	}
	return m.end.Sub(m.start)
}

// Chunks returns the number of recorded chunks.
func (m *Streaming) Chunks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chunks
}

// LogValue implements slog.LogValuer.
func (m *Streaming) LogValue() slog.Value {
	first := m.FirstChunkLatency()
	total := m.Total()
	m.mu.Lock()
	chunks, size := m.chunks, m.bytes
	m.mu.Unlock()
	return slog.GroupValue(
		slog.String("name", m.name),
		slog.Duration("first_chunk", first),
		slog.Duration("total", total),
		slog.Int("chunks", chunks),
		slog.Int("bytes", size),
	)
}
