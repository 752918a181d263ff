package bandwidth

import (
	"sync"
	"time"
)

const (
	defaultWindow   = 60 * time.Second
	defaultInterval = time.Second
)

type sample struct {
	at  time.Time
	bps float64
}

// Monitor accumulates transfer byte counts and turns them into throughput
// samples over a sliding window. One sample is emitted per sampling interval
// using wall-clock deltas, so the rate stays correct even when callbacks
// arrive irregularly.
type Monitor struct {
	mu           sync.Mutex
	window       time.Duration
	interval     time.Duration
	start        time.Time
	lastSample   time.Time
	pendingBytes int64
	samples      []sample
}

// NewMonitor creates a Monitor keeping window's worth of samples, one per
// interval. Zero values select the defaults (60s window, 1s interval).
func NewMonitor(window, interval time.Duration) *Monitor {
	if window <= 0 {
		window = defaultWindow
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	now := time.Now()
	return &Monitor{
		window:     window,
		interval:   interval,
		start:      now,
		lastSample: now,
	}
}

// AddSample records bytes transferred since the previous call. A throughput
// point is materialized once at least one sampling interval has elapsed.
func (m *Monitor) AddSample(bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pendingBytes += bytes

	now := time.Now()
	elapsed := now.Sub(m.lastSample)
	if elapsed < m.interval {
		return
	}

	bps := float64(m.pendingBytes) / elapsed.Seconds()
	m.samples = append(m.samples, sample{at: now, bps: bps})
	m.pendingBytes = 0
	m.lastSample = now

	m.evictLocked(now)
}

// History returns the retained samples as parallel slices of elapsed seconds
// (relative to the monitor's zero point) and bytes per second.
func (m *Monitor) History() ([]float64, []float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.evictLocked(time.Now())

	times := make([]float64, len(m.samples))
	rates := make([]float64, len(m.samples))
	for i, s := range m.samples {
		times[i] = s.at.Sub(m.start).Seconds()
		rates[i] = s.bps
	}
	return times, rates
}

// Reset drops all samples and restarts the elapsed-time zero point.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.start = now
	m.lastSample = now
	m.pendingBytes = 0
	m.samples = nil
}

// evictLocked drops samples older than the window. Caller holds the mutex.
func (m *Monitor) evictLocked(now time.Time) {
	cutoff := now.Add(-m.window)
	drop := 0
	for drop < len(m.samples) && m.samples[drop].at.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		m.samples = append(m.samples[:0], m.samples[drop:]...)
	}
}
