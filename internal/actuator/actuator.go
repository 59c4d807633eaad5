package actuator

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/flush-controller/internal/gpio"
	"github.com/thatsimonsguy/flush-controller/internal/model"
	"github.com/thatsimonsguy/flush-controller/internal/shiftreg"
)

type motionKind int

const (
	motionSeek motionKind = iota
	motionHome
)

type motion struct {
	kind       motionKind
	dir        model.Direction
	target     int // absolute step target for seeks
	budget     int // remaining steps for homing
	stepsDone  int
	totalSteps int
	nextStepAt time.Time
	cancelled  bool
	prevEnable bool // bank enable bit before the motion, restored on exit
}

// Actuator drives one stepper axis open loop. Position is a pure integration
// of emitted pulses: zero is the closed end-stop established by homing, and
// drift can only be corrected by homing again. The control loop calls Step
// once per tick; at most one pulse is emitted per call, so several actuators
// interleave instead of serializing full motions.
type Actuator struct {
	cfg  model.ActuatorConfig
	bank *shiftreg.Bank

	// Optional homing reference input. When nil, homing completes
	// unconditionally after the step budget.
	limit func() bool

	position int
	homed    bool
	m        *motion
}

func New(cfg model.ActuatorConfig, bank *shiftreg.Bank, limit func() bool) *Actuator {
	return &Actuator{cfg: cfg, bank: bank, limit: limit}
}

func (a *Actuator) Name() string     { return a.cfg.Name }
func (a *Actuator) Position() int    { return a.position }
func (a *Actuator) Homed() bool      { return a.homed }
func (a *Actuator) Busy() bool       { return a.m != nil }
func (a *Actuator) DirBit() int      { return a.cfg.DirBit }
func (a *Actuator) TravelSteps() int { return a.cfg.StepsPerTravel }

// Home begins a homing cycle: drive toward the closed end-stop for the full
// travel budget plus backoff, then define that point as position zero.
func (a *Actuator) Home(now time.Time) {
	budget := a.cfg.StepsPerTravel + a.cfg.HomeBackoff
	a.begin(&motion{
		kind:       motionHome,
		dir:        model.DirectionClose,
		budget:     budget,
		totalSteps: budget,
	}, now)
	log.Debug().Str("actuator", a.cfg.Name).Int("budget", budget).Msg("Homing started")
}

// Rehome discards the current position and starts a fresh homing cycle. It is
// independent of program execution.
func (a *Actuator) Rehome(now time.Time) {
	a.homed = false
	a.Home(now)
}

// Seek begins a motion to an absolute step target. Requires a completed
// homing cycle.
func (a *Actuator) Seek(target int, now time.Time) error {
	if !a.homed {
		return model.ErrNotHomed
	}
	delta := target - a.position
	if delta == 0 {
		return nil
	}
	dir := model.DirectionOpen
	if delta < 0 {
		dir = model.DirectionClose
	}
	a.begin(&motion{
		kind:       motionSeek,
		dir:        dir,
		target:     target,
		totalSteps: abs(delta),
	}, now)
	return nil
}

// SeekIndex moves to one of the configured discrete positions (the four-way
// valve's indexed targets). An out-of-range index is an error: the recorded
// position index must always name the position physically sought, never a
// substitute.
func (a *Actuator) SeekIndex(index int, now time.Time) error {
	if index < 0 || index >= len(a.cfg.Positions) {
		return fmt.Errorf("position index %d out of range for %s (%d positions)",
			index, a.cfg.Name, len(a.cfg.Positions))
	}
	return a.Seek(a.cfg.Positions[index], now)
}

// Cancel requests a cooperative stop. The motion ends at the next Step call,
// so latency is bounded by one step period.
func (a *Actuator) Cancel() {
	if a.m != nil {
		a.m.cancelled = true
	}
}

// Stop halts pulse emission immediately. Position stays at the last emitted
// step; no extrapolation for in-flight pulses.
func (a *Actuator) Stop() {
	if a.m != nil {
		a.finish()
	}
}

// Step services the active motion: emits at most one pulse when one is due.
// Returns true when no motion remains. A HomingTimeoutError is returned when
// a limit input exists and the homing budget ran out without it asserting.
func (a *Actuator) Step(now time.Time) (bool, error) {
	m := a.m
	if m == nil {
		return true, nil
	}
	if m.cancelled {
		a.finish()
		return true, nil
	}
	if now.Before(m.nextStepAt) {
		return false, nil
	}

	if m.kind == motionHome {
		if a.limit != nil && a.limit() {
			a.position = 0
			a.homed = true
			a.finish()
			log.Info().Str("actuator", a.cfg.Name).Msg("Homing complete on limit input")
			return true, nil
		}
		if m.budget <= 0 {
			if a.limit != nil {
				a.finish()
				return true, &model.HomingTimeoutError{Actuator: a.cfg.Name, Budget: m.totalSteps}
			}
			// Open-loop assumption: with no reference input the budget is
			// the reference.
			a.position = 0
			a.homed = true
			a.finish()
			log.Info().Str("actuator", a.cfg.Name).Msg("Homing complete after step budget")
			return true, nil
		}
		a.pulse()
		m.budget--
		m.stepsDone++
		m.nextStepAt = now.Add(a.stepInterval(m))
		return false, nil
	}

	// Seek
	a.pulse()
	if m.dir == model.DirectionOpen {
		a.position++
	} else {
		a.position--
	}
	m.stepsDone++
	if a.position == m.target {
		a.finish()
		return true, nil
	}
	m.nextStepAt = now.Add(a.stepInterval(m))
	return false, nil
}

// ForceDisable drives the enable bit to disabled and abandons any motion
// without waiting for it. Emergency path only.
func (a *Actuator) ForceDisable() {
	a.m = nil
	a.bank.Set(shiftreg.EnableBase+a.cfg.EnableBit, a.cfg.EnableActiveLow)
}

func (a *Actuator) begin(m *motion, now time.Time) {
	if a.m != nil {
		a.finish()
	}
	m.prevEnable = a.bank.Bit(shiftreg.EnableBase + a.cfg.EnableBit)
	m.nextStepAt = now
	a.m = m

	// Direction and enable reach the driver in one bank push.
	a.bank.StageDirection(a.cfg.DirBit, m.dir)
	a.bank.Stage(shiftreg.EnableBase+a.cfg.EnableBit, !a.cfg.EnableActiveLow)
	a.bank.Push()
}

// finish releases the enable bit to its pre-motion state. Runs on every exit
// path, including cancellation.
func (a *Actuator) finish() {
	m := a.m
	a.m = nil
	a.bank.Set(shiftreg.EnableBase+a.cfg.EnableBit, m.prevEnable)
}

func (a *Actuator) pulse() {
	gpio.Write(a.cfg.StepPin.Number, a.cfg.StepPin.ActiveHigh)
	gpio.Write(a.cfg.StepPin.Number, !a.cfg.StepPin.ActiveHigh)
}

// stepInterval derives the next inter-pulse interval from a trapezoid
// profile: accelerate from MinStepRate, cruise at MaxStepRate, decelerate
// symmetrically into the target.
func (a *Actuator) stepInterval(m *motion) time.Duration {
	v := a.cfg.MaxStepRate
	if a.cfg.AccelRate > 0 {
		accel := math.Sqrt(2 * a.cfg.AccelRate * float64(m.stepsDone+1))
		remaining := float64(m.totalSteps - m.stepsDone)
		decel := math.Sqrt(2 * a.cfg.AccelRate * remaining)
		v = math.Min(v, math.Min(accel, decel))
	}
	if v < a.cfg.MinStepRate {
		v = a.cfg.MinStepRate
	}
	if v <= 0 {
		v = 1
	}
	return time.Duration(float64(time.Second) / v)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
