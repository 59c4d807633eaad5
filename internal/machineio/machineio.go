package machineio

import (
	"time"

	"github.com/rs/zerolog/log"
)

// The core never touches raw I2C or analog registers. The adapter owns
// debouncing and hardware filtering and presents clean edges and stable
// readings through these interfaces.

type EventType int

const (
	ButtonPressed EventType = iota
	SelectorChanged
	AirRequestChanged
)

type Event struct {
	Type       EventType
	Button     int // program button number, 1-based
	Selector   int
	AirRequest bool
	At         time.Time
}

// Input is the debounced operator-input boundary.
type Input interface {
	// Events drains debounced edges detected since the previous call.
	Events() []Event
	// Selector returns the discrete selector position. ok is false when no
	// position or more than one position reads active.
	Selector() (position int, ok bool)
	// AirRequest reports the operator's air toggle.
	AirRequest() bool
}

// Frame is the structured display record the core emits each refresh.
// Rendering and formatting belong to the adapter.
type Frame struct {
	State          string
	Program        int
	ProgramName    string
	ElapsedSeconds int
	RemainingSec   int // -1 for unbounded programs
	RateLPerMin    float64
	VolumeL        float64
	TotalLiters    float64
	AirOn          bool
	PumpOn         bool
	FlowStale      bool
}

type Display interface {
	Render(Frame)
}

// LogDisplay renders frames as structured log events. Used when no LCD
// adapter is attached (bench runs, safe mode).
type LogDisplay struct{}

func (LogDisplay) Render(f Frame) {
	log.Debug().
		Str("state", f.State).
		Int("program", f.Program).
		Int("elapsed_s", f.ElapsedSeconds).
		Float64("rate_l_min", f.RateLPerMin).
		Float64("volume_l", f.VolumeL).
		Bool("air", f.AirOn).
		Bool("pump", f.PumpOn).
		Bool("flow_stale", f.FlowStale).
		Msg("display refresh")
}
