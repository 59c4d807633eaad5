package machineio

import (
	"testing"
	"time"

	"github.com/thatsimonsguy/flush-controller/internal/gpio"
	"github.com/thatsimonsguy/flush-controller/internal/model"
)

const debounce = 30 * time.Millisecond

func mockLevels(t *testing.T) map[int]bool {
	t.Helper()
	levels := map[int]bool{}
	gpio.Mock(
		func(pin int, high bool) { levels[pin] = high },
		func(pin int) bool { return levels[pin] },
	)
	t.Cleanup(gpio.Reset)
	return levels
}

func testInput() (*GPIOInput, map[int]model.GPIOPin) {
	buttons := map[int]model.GPIOPin{
		1: {Number: 5, ActiveHigh: true},
		2: {Number: 6, ActiveHigh: true},
	}
	selector := []model.GPIOPin{
		{Number: 7, ActiveHigh: true},
		{Number: 8, ActiveHigh: true},
		{Number: 9, ActiveHigh: true},
	}
	air := model.GPIOPin{Number: 10, ActiveHigh: true}
	return NewGPIOInput(buttons, selector, air, debounce), buttons
}

func TestButtonPressEmitsOneEventAfterDebounce(t *testing.T) {
	levels := mockLevels(t)
	in, _ := testInput()
	now := time.Unix(0, 0)

	levels[5] = true
	in.Poll(now)
	if evs := in.Events(); len(evs) != 0 {
		t.Fatalf("event before debounce interval: %+v", evs)
	}

	in.Poll(now.Add(debounce))
	evs := in.Events()
	if len(evs) != 1 {
		t.Fatalf("expected one event, got %d", len(evs))
	}
	if evs[0].Type != ButtonPressed || evs[0].Button != 1 {
		t.Fatalf("unexpected event: %+v", evs[0])
	}

	// Held level must not repeat the event.
	in.Poll(now.Add(time.Second))
	if evs := in.Events(); len(evs) != 0 {
		t.Fatalf("held button re-emitted: %+v", evs)
	}
}

func TestShortGlitchFilteredOut(t *testing.T) {
	levels := mockLevels(t)
	in, _ := testInput()
	now := time.Unix(0, 0)

	levels[5] = true
	in.Poll(now)
	levels[5] = false
	in.Poll(now.Add(10 * time.Millisecond))
	in.Poll(now.Add(100 * time.Millisecond))

	if evs := in.Events(); len(evs) != 0 {
		t.Fatalf("glitch shorter than debounce produced events: %+v", evs)
	}
}

func TestButtonReleaseEmitsNothing(t *testing.T) {
	levels := mockLevels(t)
	in, _ := testInput()
	now := time.Unix(0, 0)

	levels[5] = true
	in.Poll(now)
	in.Poll(now.Add(debounce))
	in.Events()

	levels[5] = false
	in.Poll(now.Add(time.Second))
	in.Poll(now.Add(time.Second + debounce))
	if evs := in.Events(); len(evs) != 0 {
		t.Fatalf("release produced events: %+v", evs)
	}
}

func TestSelectorReading(t *testing.T) {
	levels := mockLevels(t)
	in, _ := testInput()
	now := time.Unix(0, 0)

	// Nothing selected.
	in.Poll(now)
	if _, ok := in.Selector(); ok {
		t.Fatal("empty selector should not read ok")
	}

	// One contact active, debounced.
	levels[8] = true
	in.Poll(now.Add(time.Second))
	in.Poll(now.Add(time.Second + debounce))
	pos, ok := in.Selector()
	if !ok || pos != 2 {
		t.Fatalf("selector = (%d, %v), want (2, true)", pos, ok)
	}

	// Two contacts active at once is an invalid reading.
	levels[9] = true
	in.Poll(now.Add(2 * time.Second))
	in.Poll(now.Add(2*time.Second + debounce))
	if _, ok := in.Selector(); ok {
		t.Fatal("ambiguous selector should not read ok")
	}
}

func TestAirRequestChangeEvents(t *testing.T) {
	levels := mockLevels(t)
	in, _ := testInput()
	now := time.Unix(0, 0)

	levels[10] = true
	in.Poll(now)
	in.Poll(now.Add(debounce))
	evs := in.Events()
	if len(evs) != 1 || evs[0].Type != AirRequestChanged || !evs[0].AirRequest {
		t.Fatalf("expected air-on event, got %+v", evs)
	}
	if !in.AirRequest() {
		t.Fatal("air request should read true")
	}

	levels[10] = false
	in.Poll(now.Add(time.Second))
	in.Poll(now.Add(time.Second + debounce))
	evs = in.Events()
	if len(evs) != 1 || evs[0].AirRequest {
		t.Fatalf("expected air-off event, got %+v", evs)
	}
}

func TestFlowEdgePollerDetectsFallingEdges(t *testing.T) {
	levels := mockLevels(t)
	edges := 0
	p := NewFlowEdgePoller(model.GPIOPin{Number: 12, ActiveHigh: true}, func() { edges++ })

	// First poll only primes; no edge can be claimed yet.
	levels[12] = false
	p.Poll()
	if edges != 0 {
		t.Fatal("edge claimed on the priming poll")
	}

	levels[12] = true
	p.Poll()
	levels[12] = false
	p.Poll()
	if edges != 1 {
		t.Fatalf("edges = %d, want 1", edges)
	}

	// Holding low is not another edge.
	p.Poll()
	p.Poll()
	if edges != 1 {
		t.Fatalf("edges = %d after holding low, want 1", edges)
	}

	levels[12] = true
	p.Poll()
	levels[12] = false
	p.Poll()
	if edges != 2 {
		t.Fatalf("edges = %d, want 2", edges)
	}
}
