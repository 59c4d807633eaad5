package model

import "time"

type Direction int

const (
	DirectionOpen Direction = iota
	DirectionClose
)

func (d Direction) String() string {
	if d == DirectionOpen {
		return "open"
	}
	return "close"
}

type GPIOPin struct {
	Number     int
	ActiveHigh bool
}

// AirMode selects how the compressed-air valve is driven for a program.
type AirMode int

const (
	AirBlocked AirMode = iota // air forced off regardless of operator input
	AirManual                 // air follows the operator's air request input
)

func (m AirMode) String() string {
	if m == AirManual {
		return "manual"
	}
	return "blocked"
}

type ValveModeKind int

const (
	ValveManual ValveModeKind = iota // V4V follows the operator selector
	ValveAuto                        // policy computes the required position
)

type ValveMode struct {
	Kind   ValveModeKind
	Target int // required V4V position index when Kind == ValveAuto
}

type PumpModeKind int

const (
	PumpManual PumpModeKind = iota
	PumpAuto
)

type PumpMode struct {
	Kind             PumpModeKind
	StartOnProgram   bool
	StopOnProgramEnd bool
}

// SafetyConfig is the per-program interlock configuration.
type SafetyConfig struct {
	Air   AirMode
	Valve ValveMode
	Pump  PumpMode
}

type ProgramConfig struct {
	ID          int
	Name        string
	Enabled     bool
	Duration    time.Duration // 0 = unbounded, ends only on re-press
	OpenValves  []string
	CloseValves []string
	Safety      SafetyConfig
}

// ActuatorConfig is immutable after config load.
type ActuatorConfig struct {
	Name            string
	StepPin         GPIOPin
	DirBit          int // direction bit index on the output bank
	EnableBit       int // enable bit index on the output bank
	EnableActiveLow bool
	StepsPerTravel  int     // full open-to-close travel in steps
	MinStepRate     float64 // steps/s at the start of a ramp
	MaxStepRate     float64 // steps/s cruise
	AccelRate       float64 // steps/s^2
	HomeBackoff     int     // extra settle steps after the homing budget
	Positions       []int   // absolute step targets for indexed seeks (V4V)
}

// SafetyState is the single process-wide air/valve/pump state. It is owned by
// the safety policy and only mutated through its approved-transition path.
type SafetyState struct {
	AirOn         bool
	ValvePosition int // current V4V position index, -1 before the first seek
	PumpOn        bool
}

// FlowSample is one reading from the flow integrator.
type FlowSample struct {
	RateLPerMin float64
	TotalLiters float64
	Stale       bool // no edges inside the expected window; rate is last-known
}

// ProgramRun is the ephemeral record of one program execution.
type ProgramRun struct {
	ProgramID int
	StartedAt time.Time
	EndedAt   time.Time
	VolumeL   float64
	Cancelled bool
	Outcome   string // "completed", "cancelled", "aborted", "emergency"
}
