package flow

import (
	"sync/atomic"
	"time"

	"github.com/thatsimonsguy/flush-controller/internal/model"
)

// Meter integrates flow-sensor pulse edges into a smoothed rate and a
// cumulative volume. OnEdge is the only cross-goroutine entry point: the
// adapter calls it once per debounced falling edge, everything else runs on
// the control loop.
type Meter struct {
	pulsesPerLiter float64
	windowSize     int
	staleAfter     time.Duration

	// Written by the edge goroutine, read by Sample. The counter is the only
	// state crossing the interrupt boundary.
	pulses atomic.Uint64

	baseline   uint64 // pulse count at the last ResetTotal
	lastCount  uint64
	lastSample time.Time
	lastEdgeAt time.Time
	expecting  bool

	window   []float64
	lastRate float64
}

func New(pulsesPerLiter float64, windowSize int, staleAfter time.Duration) *Meter {
	if windowSize < 1 {
		windowSize = 1
	}
	return &Meter{
		pulsesPerLiter: pulsesPerLiter,
		windowSize:     windowSize,
		staleAfter:     staleAfter,
	}
}

// OnEdge records one sensor pulse. Safe to call from the edge-detection
// goroutine.
func (m *Meter) OnEdge() {
	m.pulses.Add(1)
}

// SetExpecting tells the meter whether flow should currently be present
// (pump running). Missing edges are only flagged stale while expecting.
func (m *Meter) SetExpecting(expecting bool) {
	m.expecting = expecting
}

// Sample computes the smoothed rate and cumulative volume as of now. Rate is
// averaged over the configured rolling window to suppress jitter from uneven
// pulse spacing.
func (m *Meter) Sample(now time.Time) model.FlowSample {
	count := m.pulses.Load()

	if m.lastSample.IsZero() {
		m.lastSample = now
		m.lastCount = count
		m.lastEdgeAt = now
		return model.FlowSample{TotalLiters: m.litersSinceReset(count)}
	}

	dt := now.Sub(m.lastSample).Seconds()
	delta := count - m.lastCount
	m.lastSample = now
	m.lastCount = count

	if delta > 0 {
		m.lastEdgeAt = now
	}

	if dt > 0 {
		instant := (float64(delta) / m.pulsesPerLiter) / dt * 60.0
		m.window = append(m.window, instant)
		if len(m.window) > m.windowSize {
			m.window = m.window[1:]
		}
	}

	var sum float64
	for _, r := range m.window {
		sum += r
	}
	rate := 0.0
	if len(m.window) > 0 {
		rate = sum / float64(len(m.window))
	}

	stale := m.expecting && m.staleAfter > 0 && now.Sub(m.lastEdgeAt) > m.staleAfter
	if stale {
		// Hold the last known rate rather than fabricating a fresh zero.
		rate = m.lastRate
	} else {
		m.lastRate = rate
	}

	return model.FlowSample{
		RateLPerMin: rate,
		TotalLiters: m.litersSinceReset(count),
		Stale:       stale,
	}
}

// TotalLiters returns the cumulative volume since the last reset.
func (m *Meter) TotalLiters() float64 {
	return m.litersSinceReset(m.pulses.Load())
}

// ResetTotal zeroes the cumulative volume. Rate history is preserved.
func (m *Meter) ResetTotal() {
	m.baseline = m.pulses.Load()
}

func (m *Meter) litersSinceReset(count uint64) float64 {
	return float64(count-m.baseline) / m.pulsesPerLiter
}
