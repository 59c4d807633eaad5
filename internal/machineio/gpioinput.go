package machineio

import (
	"time"

	"github.com/thatsimonsguy/flush-controller/internal/gpio"
	"github.com/thatsimonsguy/flush-controller/internal/model"
)

type debounced struct {
	raw        bool
	stable     bool
	lastChange time.Time
}

// GPIOInput is a polled input adapter for panels wired straight to GPIO:
// program buttons, the selector's position contacts, and the air button.
// Poll runs once per control tick; edges are reported only after a level has
// held stable for the debounce interval.
type GPIOInput struct {
	buttons   map[int]model.GPIOPin
	selector  []model.GPIOPin
	airButton model.GPIOPin
	debounce  time.Duration

	btnState map[int]*debounced
	selState []*debounced
	airState debounced

	events []Event
}

func NewGPIOInput(buttons map[int]model.GPIOPin, selector []model.GPIOPin, airButton model.GPIOPin, debounce time.Duration) *GPIOInput {
	g := &GPIOInput{
		buttons:   buttons,
		selector:  selector,
		airButton: airButton,
		debounce:  debounce,
		btnState:  make(map[int]*debounced, len(buttons)),
		selState:  make([]*debounced, len(selector)),
	}
	for n := range buttons {
		g.btnState[n] = &debounced{}
	}
	for i := range selector {
		g.selState[i] = &debounced{}
	}
	return g
}

// Poll samples every input once. Called from the control loop before the
// state machine tick.
func (g *GPIOInput) Poll(now time.Time) {
	for n, pin := range g.buttons {
		st := g.btnState[n]
		if g.settle(st, gpio.CurrentlyActive(pin), now) && st.stable {
			g.events = append(g.events, Event{Type: ButtonPressed, Button: n, At: now})
		}
	}
	selChanged := false
	for i, pin := range g.selector {
		if g.settle(g.selState[i], gpio.CurrentlyActive(pin), now) {
			selChanged = true
		}
	}
	if selChanged {
		pos, _ := g.Selector()
		g.events = append(g.events, Event{Type: SelectorChanged, Selector: pos, At: now})
	}
	if g.settle(&g.airState, gpio.CurrentlyActive(g.airButton), now) {
		g.events = append(g.events, Event{Type: AirRequestChanged, AirRequest: g.airState.stable, At: now})
	}
}

// settle advances one debouncer; returns true when the stable level changed.
func (g *GPIOInput) settle(st *debounced, level bool, now time.Time) bool {
	if level != st.raw {
		st.raw = level
		st.lastChange = now
	}
	if st.stable != st.raw && now.Sub(st.lastChange) >= g.debounce {
		st.stable = st.raw
		return true
	}
	return false
}

func (g *GPIOInput) Events() []Event {
	evs := g.events
	g.events = nil
	return evs
}

// Selector reports the selector position (1-based contact index). ok is
// false when no contact or more than one contact reads active.
func (g *GPIOInput) Selector() (int, bool) {
	active := -1
	for i, st := range g.selState {
		if !st.stable {
			continue
		}
		if active >= 0 {
			return 0, false
		}
		active = i
	}
	if active < 0 {
		return 0, false
	}
	return active + 1, true
}

func (g *GPIOInput) AirRequest() bool {
	return g.airState.stable
}

// FlowEdgePoller detects falling edges on the flow sensor line by polling.
// The sensor's open-collector output with an external pull-up reads high
// between pulses.
type FlowEdgePoller struct {
	pin    model.GPIOPin
	last   bool
	primed bool
	onFall func()
}

func NewFlowEdgePoller(pin model.GPIOPin, onFall func()) *FlowEdgePoller {
	return &FlowEdgePoller{pin: pin, onFall: onFall}
}

func (f *FlowEdgePoller) Poll() {
	level := gpio.ReadLevel(f.pin.Number)
	if f.primed && f.last && !level {
		f.onFall()
	}
	f.last = level
	f.primed = true
}
