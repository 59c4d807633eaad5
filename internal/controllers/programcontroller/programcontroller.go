package programcontroller

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/flush-controller/internal/actuator"
	"github.com/thatsimonsguy/flush-controller/internal/datadog"
	"github.com/thatsimonsguy/flush-controller/internal/flow"
	"github.com/thatsimonsguy/flush-controller/internal/machineio"
	"github.com/thatsimonsguy/flush-controller/internal/model"
	"github.com/thatsimonsguy/flush-controller/internal/notifications"
	"github.com/thatsimonsguy/flush-controller/internal/safety"
	"github.com/thatsimonsguy/flush-controller/internal/shiftreg"
)

type State string

const (
	StateIdle       State = "idle"
	StateConfirming State = "confirming"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
)

// phases within Starting, advanced one tick at a time
type startPhase int

const (
	phaseHomeV4V startPhase = iota
	phaseSeekV4V
	phaseTransaction
	phaseManualWindow
	phasePumpStart
)

type stopPhase int

const (
	stopPhaseRelays stopPhase = iota
	stopPhaseValves
)

// RunStore records finished runs. Backed by sqlite in production; nil
// disables bookkeeping.
type RunStore interface {
	RecordRun(model.ProgramRun) error
	TotalVolume() (float64, error)
}

// Air pulse modes cycled by the operator's air button: off, short pulses,
// long-period pulses, continuous.
type airMode struct {
	Label  string
	Pulse  time.Duration
	Period time.Duration
}

var airModes = []airMode{
	{Label: "off"},
	{Label: "2s", Pulse: 2 * time.Second, Period: 2 * time.Second},
	{Label: "4s", Pulse: 2 * time.Second, Period: 4 * time.Second},
	{Label: "continuous"},
}

type run struct {
	prog        model.ProgramConfig
	startedAt   time.Time
	runningAt   time.Time
	startVolume float64
	cancelled   bool
	outcome     string

	phase       startPhase
	windowUntil time.Time
	lastTarget  int

	// valve transaction bookkeeping
	targets map[string]int
	rehomed map[string]bool

	stop stopPhase
}

type Config struct {
	V4VName       string
	ConfirmWindow time.Duration
	ManualWindow  time.Duration
	DisplayPeriod time.Duration
	SamplePeriod  time.Duration
}

// Controller is the program state machine. One instance owns the machine's
// run lifecycle; Tick must be called from the single control goroutine and
// never blocks longer than one step of actuator work.
type Controller struct {
	cfg      Config
	programs map[int]model.ProgramConfig
	acts     map[string]*actuator.Actuator
	policy   *safety.Policy
	meter    *flow.Meter
	input    machineio.Input
	display  machineio.Display
	bank     *shiftreg.Bank
	store    RunStore

	state        State
	pending      int
	confirmUntil time.Time
	active       *run

	airModeIdx    int
	airPulseOn    bool
	nextAirToggle time.Time
	airFrozen     bool

	lastSample   model.FlowSample
	lastSampleAt time.Time
	lastDisplay  time.Time
	grandTotal   float64
}

func New(cfg Config, programs []model.ProgramConfig, acts map[string]*actuator.Actuator,
	policy *safety.Policy, meter *flow.Meter, input machineio.Input,
	display machineio.Display, bank *shiftreg.Bank, store RunStore) *Controller {

	byID := make(map[int]model.ProgramConfig, len(programs))
	for _, p := range programs {
		byID[p.ID] = p
	}
	c := &Controller{
		cfg:      cfg,
		programs: byID,
		acts:     acts,
		policy:   policy,
		meter:    meter,
		input:    input,
		display:  display,
		bank:     bank,
		store:    store,
		state:    StateIdle,
	}
	if store != nil {
		if total, err := store.TotalVolume(); err == nil {
			c.grandTotal = total
		}
	}
	return c
}

func (c *Controller) State() State { return c.state }

// Tick services one control-loop iteration in fixed order: input events, the
// current state handler, flow sampling, display refresh, then one step of
// work per active actuator.
func (c *Controller) Tick(now time.Time) {
	for _, ev := range c.input.Events() {
		c.handleEvent(ev, now)
	}

	switch c.state {
	case StateConfirming:
		if now.After(c.confirmUntil) {
			log.Info().Int("program", c.pending).Msg("Program confirmation timed out")
			c.pending = 0
			c.state = StateIdle
		}
	case StateStarting:
		c.tickStarting(now)
	case StateRunning:
		c.tickRunning(now)
	case StateStopping:
		c.tickStopping(now)
	}

	if c.cfg.SamplePeriod > 0 && now.Sub(c.lastSampleAt) >= c.cfg.SamplePeriod {
		c.lastSampleAt = now
		st := c.policy.Snapshot()
		c.meter.SetExpecting(st.PumpOn)
		wasStale := c.lastSample.Stale
		c.lastSample = c.meter.Sample(now)
		if c.lastSample.Stale && !wasStale {
			ev := log.Warn()
			if c.active != nil {
				ev = ev.Int("program", c.active.prog.ID)
			}
			ev.Msg("Flow sensor timeout, holding last known rate")
			datadog.Incr("flow.sensor_timeout")
		}
		datadog.Gauge("flow.rate_l_min", c.lastSample.RateLPerMin)
		datadog.Gauge("flow.total_l", c.lastSample.TotalLiters)
	}

	if now.Sub(c.lastDisplay) >= c.cfg.DisplayPeriod {
		c.lastDisplay = now
		c.display.Render(c.frame(now))
	}

	c.stepActuators(now)
}

// EmergencyStop forces the machine to the safe state inside the current
// tick: every enable bit disabled, pump off, air blocked. It never waits for
// in-progress motion.
func (c *Controller) EmergencyStop(now time.Time) {
	for _, a := range c.acts {
		a.ForceDisable()
	}
	c.policy.ForceSafe()
	if c.active != nil {
		c.finishRun(now, "emergency")
	}
	c.state = StateIdle
	c.pending = 0
	log.Warn().Msg("Emergency stop: actuators disabled, pump off, air blocked")
	datadog.Incr("machine.emergency_stop")
	if err := notifications.Send("Emergency stop", "machine forced to safe state"); err != nil {
		log.Debug().Err(err).Msg("Notification not sent")
	}
}

// ---- events ----

func (c *Controller) handleEvent(ev machineio.Event, now time.Time) {
	switch ev.Type {
	case machineio.ButtonPressed:
		c.handleButton(ev.Button, now)
	case machineio.AirRequestChanged:
		if ev.AirRequest {
			c.cycleAirMode()
		}
	}
}

func (c *Controller) handleButton(button int, now time.Time) {
	switch c.state {
	case StateIdle:
		prog, ok := c.programs[button]
		if !ok || !prog.Enabled {
			log.Info().Int("button", button).Msg("Button ignored: no enabled program")
			return
		}
		c.pending = button
		c.confirmUntil = now.Add(c.cfg.ConfirmWindow)
		c.state = StateConfirming
		log.Info().Int("program", button).Msg("Program selected, waiting for confirmation")

	case StateConfirming:
		if button == c.pending {
			prog := c.programs[button]
			c.pending = 0
			c.beginStarting(prog, now)
			return
		}
		log.Info().Int("program", c.pending).Int("button", button).Msg("Program selection cancelled")
		c.pending = 0
		c.state = StateIdle

	case StateStarting, StateRunning:
		if button == c.active.prog.ID {
			c.active.cancelled = true
			log.Info().Int("program", button).Msg("Program cancelled by operator")
			c.beginStopping(now, "cancelled")
			return
		}
		// One program at a time: other buttons are ignored by explicit
		// guard, not as a debouncing side effect.
		log.Info().Int("running", c.active.prog.ID).Int("button", button).Msg("Button ignored while a program is active")

	case StateStopping:
		// Ignored until Idle.
		log.Info().Int("button", button).Msg("Button ignored during stop sequence")
	}
}

func (c *Controller) cycleAirMode() {
	c.airModeIdx = (c.airModeIdx + 1) % len(airModes)
	c.bank.SetLEDs(1 << uint(c.airModeIdx))
	c.airPulseOn = false
	c.nextAirToggle = time.Time{}
	log.Info().Str("mode", airModes[c.airModeIdx].Label).Msg("Air mode changed")
}

// airAllowed reports whether the operator's current air mode permits air.
func (c *Controller) airAllowed() bool {
	return c.airModeIdx != 0
}

// ---- Starting ----

func (c *Controller) beginStarting(prog model.ProgramConfig, now time.Time) {
	c.state = StateStarting
	c.active = &run{
		prog:        prog,
		startedAt:   now,
		startVolume: c.meter.TotalLiters(),
		phase:       phaseHomeV4V,
		targets:     map[string]int{},
		rehomed:     map[string]bool{},
		lastTarget:  -1,
	}

	// Air is frozen (forced off) for the whole pre-state sequence: valves
	// must never move against live air.
	c.freezeAir(true)

	log.Info().Int("program", prog.ID).Str("name", prog.Name).Msg("Program starting")
	datadog.Incr("program.started", fmt.Sprintf("program:%d", prog.ID))

	v4v := c.acts[c.cfg.V4VName]
	v4v.Rehome(now)
}

func (c *Controller) tickStarting(now time.Time) {
	r := c.active
	v4v := c.acts[c.cfg.V4VName]

	switch r.phase {
	case phaseHomeV4V:
		if v4v.Busy() {
			return
		}
		if !v4v.Homed() {
			// Homing failed; error already surfaced via stepActuators.
			return
		}
		target, err := c.approvedValveTarget(now)
		if err != nil {
			c.rejectStart(err, now)
			return
		}
		r.lastTarget = target
		c.policy.Apply(safety.Transition{ValveTarget: safety.Int(target)})
		if err := v4v.SeekIndex(target, now); err != nil {
			c.abortRun(err, now)
			return
		}
		r.phase = phaseSeekV4V

	case phaseSeekV4V:
		if v4v.Busy() {
			return
		}
		c.beginTransaction(now)
		r.phase = phaseTransaction

	case phaseTransaction:
		if c.tickTransaction(now) {
			if r.prog.Safety.Valve.Kind == model.ValveManual {
				r.windowUntil = now.Add(c.cfg.ManualWindow)
				r.phase = phaseManualWindow
				log.Info().Dur("window", c.cfg.ManualWindow).Msg("Manual valve window open")
			} else {
				r.phase = phasePumpStart
			}
		}

	case phaseManualWindow:
		// Live selector readings retarget the four-way valve until the
		// window elapses; the last selected position is then held.
		if pos, ok := c.input.Selector(); ok && pos != r.lastTarget && !v4v.Busy() {
			approved, err := c.policy.Request(r.prog,
				safety.Transition{ValveTarget: safety.Int(pos)}, c.operatorReads())
			if err == nil {
				r.lastTarget = *approved.ValveTarget
				c.policy.Apply(approved)
				if err := v4v.SeekIndex(*approved.ValveTarget, now); err != nil {
					c.abortRun(err, now)
					return
				}
			}
		}
		if now.After(r.windowUntil) && !v4v.Busy() {
			r.phase = phasePumpStart
		}

	case phasePumpStart:
		c.freezeAir(false)
		if r.prog.Safety.Pump.Kind == model.PumpAuto && r.prog.Safety.Pump.StartOnProgram {
			approved, err := c.policy.Request(r.prog,
				safety.Transition{PumpOn: safety.Bool(true)}, c.operatorReads())
			if err != nil {
				c.rejectStart(err, now)
				return
			}
			c.policy.Apply(approved)
		}
		r.runningAt = now
		c.state = StateRunning
		log.Info().Int("program", r.prog.ID).Msg("Program running")
	}
}

// approvedValveTarget asks the policy for the program's valve pre-state.
func (c *Controller) approvedValveTarget(now time.Time) (int, error) {
	r := c.active
	req := r.prog.Safety.Valve.Target
	if r.prog.Safety.Valve.Kind == model.ValveManual {
		// An absent or ambiguous selector reading is refused by the policy
		// below; the start is rejected rather than guessing a position.
		pos, _ := c.input.Selector()
		req = pos
	}
	approved, err := c.policy.Request(r.prog,
		safety.Transition{ValveTarget: safety.Int(req)}, c.operatorReads())
	if err != nil {
		return 0, err
	}
	return *approved.ValveTarget, nil
}

// beginTransaction stages every direction bit, pushes the bank once, then
// starts the open-set and close-set motions. The motions interleave one step
// per tick.
func (c *Controller) beginTransaction(now time.Time) {
	r := c.active
	for _, name := range r.prog.OpenValves {
		if a, ok := c.acts[name]; ok {
			r.targets[name] = travelTarget(a, true)
		}
	}
	for _, name := range r.prog.CloseValves {
		if _, ok := c.acts[name]; ok {
			r.targets[name] = 0
		}
	}
	for name, target := range r.targets {
		a := c.acts[name]
		dir := model.DirectionClose
		if target > a.Position() {
			dir = model.DirectionOpen
		}
		c.bank.StageDirection(dirBit(a), dir)
	}
	c.bank.Push()
	log.Info().Int("valves", len(r.targets)).Msg("Valve transaction started")
}

// tickTransaction drives pending valve motions; returns true when all valves
// reached their targets. An unhomed valve gets one automatic homing attempt
// before the seek is retried.
func (c *Controller) tickTransaction(now time.Time) bool {
	r := c.active
	done := true
	for name, target := range r.targets {
		a := c.acts[name]
		if a.Busy() {
			done = false
			continue
		}
		if a.Position() == target && a.Homed() {
			continue
		}
		err := a.Seek(target, now)
		if err == nil {
			done = false
			continue
		}
		if errors.Is(err, model.ErrNotHomed) && !r.rehomed[name] {
			r.rehomed[name] = true
			log.Warn().Str("actuator", name).Msg("Actuator not homed, attempting automatic homing")
			a.Home(now)
			done = false
			continue
		}
		c.abortRun(err, now)
		return false
	}
	return done
}

// ---- Running ----

func (c *Controller) tickRunning(now time.Time) {
	r := c.active

	c.tickAir(now)

	if r.prog.Duration > 0 && now.Sub(r.runningAt) >= r.prog.Duration {
		log.Info().Int("program", r.prog.ID).Msg("Program duration elapsed")
		c.beginStopping(now, "completed")
	}
}

// tickAir applies the operator's air mode through the interlock policy. All
// waits are elapsed-time comparisons; blocked-mode programs get air remapped
// off by the policy.
func (c *Controller) tickAir(now time.Time) {
	if c.airFrozen || c.active == nil {
		return
	}
	mode := airModes[c.airModeIdx]

	var want bool
	switch {
	case c.airModeIdx == 0:
		want = false
	case mode.Period == 0:
		want = c.airAllowed() // continuous
	default:
		if c.nextAirToggle.IsZero() {
			c.nextAirToggle = now
		}
		want = c.airPulseOn
		if !now.Before(c.nextAirToggle) {
			if c.airPulseOn {
				want = false
				c.nextAirToggle = now.Add(mode.Period - mode.Pulse)
			} else {
				want = true
				c.nextAirToggle = now.Add(mode.Pulse)
			}
		}
	}

	st := c.policy.Snapshot()
	if want == st.AirOn {
		c.airPulseOn = want
		return
	}
	approved, err := c.policy.Request(c.active.prog,
		safety.Transition{AirOn: safety.Bool(want)}, c.operatorReads())
	if err != nil {
		var ierr *model.InterlockError
		if errors.As(err, &ierr) {
			log.Warn().Str("rule", ierr.Rule).Int("program", ierr.Program).Msg("Air transition refused")
		}
		return
	}
	c.policy.Apply(approved)
	c.airPulseOn = want
}

// ---- Stopping ----

func (c *Controller) beginStopping(now time.Time, outcome string) {
	c.active.outcome = outcome
	c.active.stop = stopPhaseRelays
	c.state = StateStopping
}

func (c *Controller) tickStopping(now time.Time) {
	r := c.active

	switch r.stop {
	case stopPhaseRelays:
		if r.prog.Safety.Pump.StopOnProgramEnd {
			c.policy.Apply(safety.Transition{PumpOn: safety.Bool(false)})
		}
		c.freezeAir(true)
		c.beginCloseAll(now)
		r.stop = stopPhaseValves

	case stopPhaseValves:
		for _, a := range c.acts {
			if a.Busy() {
				return
			}
		}
		c.freezeAir(false)
		c.finishRun(now, r.outcome)
		c.state = StateIdle
	}
}

// beginCloseAll returns every valve except the four-way valve toward closed.
// The V4V holds its last position.
func (c *Controller) beginCloseAll(now time.Time) {
	for name, a := range c.acts {
		if name == c.cfg.V4VName {
			continue
		}
		if !a.Homed() {
			continue
		}
		if err := a.Seek(0, now); err != nil {
			log.Error().Err(err).Str("actuator", name).Msg("Failed to close valve during stop sequence")
		}
	}
	log.Info().Msg("Closing all valves except four-way valve")
}

func (c *Controller) finishRun(now time.Time, outcome string) {
	r := c.active
	c.active = nil
	if r == nil {
		return
	}
	volume := c.meter.TotalLiters() - r.startVolume
	rec := model.ProgramRun{
		ProgramID: r.prog.ID,
		StartedAt: r.startedAt,
		EndedAt:   now,
		VolumeL:   volume,
		Cancelled: outcome == "cancelled",
		Outcome:   outcome,
	}
	if c.store != nil {
		if err := c.store.RecordRun(rec); err != nil {
			log.Error().Err(err).Msg("Failed to record program run")
		}
	}
	log.Info().
		Int("program", rec.ProgramID).
		Str("outcome", outcome).
		Float64("volume_l", volume).
		Dur("elapsed", now.Sub(r.startedAt)).
		Msg("Program finished")
	datadog.Incr("program.finished", fmt.Sprintf("program:%d", rec.ProgramID), "outcome:"+outcome)
}

// ---- failure paths ----

// rejectStart handles an interlock refusal during the pre-state sequence:
// the run never starts, the machine returns to Idle.
func (c *Controller) rejectStart(err error, now time.Time) {
	var ierr *model.InterlockError
	if errors.As(err, &ierr) {
		log.Warn().Int("program", ierr.Program).Str("rule", ierr.Rule).Msg("Program start refused by interlock")
		datadog.Incr("interlock.violation", fmt.Sprintf("program:%d", ierr.Program))
		if nerr := notifications.Send("Interlock violation", ierr.Rule); nerr != nil {
			log.Debug().Err(nerr).Msg("Notification not sent")
		}
	} else {
		log.Error().Err(err).Msg("Program start failed")
	}
	c.freezeAir(false)
	c.active = nil
	c.state = StateIdle
}

// abortRun handles a program-fatal failure mid-run (homing timeout, unhomed
// retry exhausted): safe state, run recorded as aborted, other programs
// remain selectable.
func (c *Controller) abortRun(err error, now time.Time) {
	log.Error().Err(err).Int("program", c.active.prog.ID).Msg("Program aborted")
	var herr *model.HomingTimeoutError
	if errors.As(err, &herr) {
		datadog.Incr("homing.timeout", "actuator:"+herr.Actuator)
		if nerr := notifications.Send("Homing failure", herr.Error()); nerr != nil {
			log.Debug().Err(nerr).Msg("Notification not sent")
		}
	}
	for _, a := range c.acts {
		a.Cancel()
	}
	c.policy.Apply(safety.Transition{PumpOn: safety.Bool(false)})
	c.beginStopping(now, "aborted")
}

// ---- shared ----

func (c *Controller) freezeAir(frozen bool) {
	c.airFrozen = frozen
	if frozen {
		c.policy.Apply(safety.Transition{AirOn: safety.Bool(false)})
		c.airPulseOn = false
		c.nextAirToggle = time.Time{}
	}
}

func (c *Controller) operatorReads() safety.OperatorReads {
	pos, ok := c.input.Selector()
	return safety.OperatorReads{
		Selector:   pos,
		SelectorOK: ok,
		AirAllowed: c.airAllowed(),
	}
}

func (c *Controller) stepActuators(now time.Time) {
	for _, a := range c.acts {
		if !a.Busy() {
			continue
		}
		if _, err := a.Step(now); err != nil {
			if c.active != nil && c.state != StateStopping {
				c.abortRun(err, now)
			} else {
				log.Error().Err(err).Str("actuator", a.Name()).Msg("Actuator error")
			}
		}
	}
}

func (c *Controller) frame(now time.Time) machineio.Frame {
	st := c.policy.Snapshot()
	f := machineio.Frame{
		State:       string(c.state),
		RateLPerMin: c.lastSample.RateLPerMin,
		VolumeL:     0,
		TotalLiters: c.grandTotal + c.meter.TotalLiters(),
		AirOn:       st.AirOn,
		PumpOn:      st.PumpOn,
		FlowStale:   c.lastSample.Stale,
		RemainingSec: -1,
	}
	if c.active != nil {
		f.Program = c.active.prog.ID
		f.ProgramName = c.active.prog.Name
		f.ElapsedSeconds = int(now.Sub(c.active.startedAt).Seconds())
		f.VolumeL = c.meter.TotalLiters() - c.active.startVolume
		if c.active.prog.Duration > 0 && !c.active.runningAt.IsZero() {
			rem := c.active.prog.Duration - now.Sub(c.active.runningAt)
			if rem < 0 {
				rem = 0
			}
			f.RemainingSec = int(rem.Seconds())
		}
		datadog.Gauge("program.elapsed_s", float64(f.ElapsedSeconds), fmt.Sprintf("program:%d", f.Program))
	} else if c.pending != 0 {
		f.Program = c.pending
		f.ProgramName = c.programs[c.pending].Name
	}
	return f
}

func travelTarget(a *actuator.Actuator, open bool) int {
	if !open {
		return 0
	}
	return a.TravelSteps()
}

func dirBit(a *actuator.Actuator) int {
	return a.DirBit()
}
