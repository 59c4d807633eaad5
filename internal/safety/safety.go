package safety

import (
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/flush-controller/internal/gpio"
	"github.com/thatsimonsguy/flush-controller/internal/model"
)

// Transition is a requested change to the air/valve/pump state. Nil fields
// are left untouched.
type Transition struct {
	AirOn       *bool
	ValveTarget *int
	PumpOn      *bool
}

// OperatorReads are the physical selector states sampled at evaluation time.
// Manual-mode subsystems are gated on these.
type OperatorReads struct {
	Selector   int
	SelectorOK bool
	AirAllowed bool
}

// Policy owns the process-wide SafetyState. Every air, valve and pump change
// funnels through Request/Apply; nothing else drives the air or pump relays.
type Policy struct {
	airPin  model.GPIOPin
	pumpPin model.GPIOPin
	state   model.SafetyState
}

func New(airPin, pumpPin model.GPIOPin) *Policy {
	p := &Policy{airPin: airPin, pumpPin: pumpPin}
	p.state.ValvePosition = -1
	return p
}

func (p *Policy) Snapshot() model.SafetyState {
	return p.state
}

// Request evaluates a transition against the program's safety configuration.
// It returns the approved transition, possibly remapped (blocked air mode
// silently forces air off), or an InterlockError naming the refused rule.
func (p *Policy) Request(prog model.ProgramConfig, req Transition, op OperatorReads) (Transition, error) {
	var approved Transition

	if req.AirOn != nil {
		on := *req.AirOn
		switch prog.Safety.Air {
		case model.AirBlocked:
			off := false
			approved.AirOn = &off
		case model.AirManual:
			if on && !op.AirAllowed {
				return Transition{}, &model.InterlockError{Program: prog.ID, Rule: "air requested while operator air mode is off"}
			}
			approved.AirOn = &on
		}
	}

	if req.ValveTarget != nil {
		switch prog.Safety.Valve.Kind {
		case model.ValveAuto:
			// The policy computes the required position; the request is
			// overridden, not consulted.
			target := prog.Safety.Valve.Target
			approved.ValveTarget = &target
		case model.ValveManual:
			if !op.SelectorOK {
				return Transition{}, &model.InterlockError{Program: prog.ID, Rule: "valve target requested with invalid selector reading"}
			}
			if *req.ValveTarget != op.Selector {
				return Transition{}, &model.InterlockError{Program: prog.ID, Rule: "valve target does not match operator selector"}
			}
			target := *req.ValveTarget
			approved.ValveTarget = &target
		}
	}

	if req.PumpOn != nil {
		on := *req.PumpOn
		if on {
			if err := p.checkPumpStart(prog, op); err != nil {
				return Transition{}, err
			}
		}
		approved.PumpOn = &on
	}

	return approved, nil
}

// checkPumpStart enforces ordering: valve and air settle before the pump may
// be requested.
func (p *Policy) checkPumpStart(prog model.ProgramConfig, op OperatorReads) error {
	switch prog.Safety.Air {
	case model.AirBlocked:
		if p.state.AirOn {
			return &model.InterlockError{Program: prog.ID, Rule: "pump requested while air is on under blocked air mode"}
		}
	case model.AirManual:
		if p.state.AirOn && !op.AirAllowed {
			return &model.InterlockError{Program: prog.ID, Rule: "pump requested while air state disagrees with operator"}
		}
	}

	var required int
	switch prog.Safety.Valve.Kind {
	case model.ValveAuto:
		required = prog.Safety.Valve.Target
	case model.ValveManual:
		if !op.SelectorOK {
			return &model.InterlockError{Program: prog.ID, Rule: "pump requested with invalid selector reading"}
		}
		required = op.Selector
	}
	if p.state.ValvePosition != required {
		return &model.InterlockError{Program: prog.ID, Rule: "pump requested while valve path not in required position"}
	}
	return nil
}

// Apply drives the relays for an approved transition and records the new
// state. Valve targets are recorded only; the caller performs the motion and
// must apply exactly the approved value.
func (p *Policy) Apply(t Transition) {
	if t.AirOn != nil && *t.AirOn != p.state.AirOn {
		if *t.AirOn {
			gpio.Activate(p.airPin)
		} else {
			gpio.Deactivate(p.airPin)
		}
		p.state.AirOn = *t.AirOn
	}
	if t.ValveTarget != nil {
		p.state.ValvePosition = *t.ValveTarget
	}
	if t.PumpOn != nil && *t.PumpOn != p.state.PumpOn {
		if *t.PumpOn {
			gpio.Activate(p.pumpPin)
		} else {
			gpio.Deactivate(p.pumpPin)
		}
		p.state.PumpOn = *t.PumpOn
	}
}

// ForceSafe drives air and pump to the safe default immediately. Used at
// program end and on emergency stop; defined to always succeed.
func (p *Policy) ForceSafe() {
	gpio.Deactivate(p.airPin)
	gpio.Deactivate(p.pumpPin)
	p.state.AirOn = false
	p.state.PumpOn = false
	log.Info().Msg("Safety state forced to safe default")
}

// Bool and Int build transition fields in place.
func Bool(v bool) *bool { return &v }
func Int(v int) *int    { return &v }
