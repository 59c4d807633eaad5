package model

import (
	"errors"
	"fmt"
)

// ErrConfigInvalid is wrapped by every config validation failure. The process
// must not start against an ambiguous configuration.
var ErrConfigInvalid = errors.New("invalid configuration")

// ErrNotHomed is returned when a motion is requested on an actuator that has
// not completed a homing cycle since boot.
var ErrNotHomed = errors.New("actuator not homed")

// HomingTimeoutError means the homing step budget was exhausted without the
// limit input asserting.
type HomingTimeoutError struct {
	Actuator string
	Budget   int
}

func (e *HomingTimeoutError) Error() string {
	return fmt.Sprintf("homing timeout on %s after %d steps", e.Actuator, e.Budget)
}

// InterlockError is a rejected safety transition. Rule names the specific
// interlock that refused the request.
type InterlockError struct {
	Program int
	Rule    string
}

func (e *InterlockError) Error() string {
	return fmt.Sprintf("interlock violation for program %d: %s", e.Program, e.Rule)
}
