package gpio

import (
	"fmt"

	"github.com/thatsimonsguy/flush-controller/internal/model"
	"github.com/thatsimonsguy/flush-controller/internal/pinctrl"
)

var safeMode bool

// SetSafeMode disables all output writes system-wide. Reads still work.
func SetSafeMode(enabled bool) {
	safeMode = enabled
}

// Write and ReadLevel are package vars so tests can capture pin traffic
// without touching hardware.
var Write = func(pin int, high bool) {
	if safeMode {
		return
	}
	if err := pinctrl.Drive(pin, high); err != nil {
		panic(fmt.Sprintf("failed to drive pin %d: %v", pin, err))
	}
}

var ReadLevel = func(pin int) bool {
	level, err := pinctrl.ReadLevel(pin)
	if err != nil {
		panic(fmt.Sprintf("failed to read pin %d: %v", pin, err))
	}
	return level
}

// Mock replaces the hardware-backed pin functions for tests.
func Mock(write func(pin int, high bool), read func(pin int) bool) {
	Write = write
	ReadLevel = read
}

// Reset restores the hardware-backed pin functions.
func Reset() {
	safeMode = false
	Write = func(pin int, high bool) {
		if safeMode {
			return
		}
		if err := pinctrl.Drive(pin, high); err != nil {
			panic(fmt.Sprintf("failed to drive pin %d: %v", pin, err))
		}
	}
	ReadLevel = func(pin int) bool {
		level, err := pinctrl.ReadLevel(pin)
		if err != nil {
			panic(fmt.Sprintf("failed to read pin %d: %v", pin, err))
		}
		return level
	}
}

func Activate(pin model.GPIOPin) {
	Write(pin.Number, pin.ActiveHigh)
}

func Deactivate(pin model.GPIOPin) {
	Write(pin.Number, !pin.ActiveHigh)
}

func CurrentlyActive(pin model.GPIOPin) bool {
	return ReadLevel(pin.Number) == pin.ActiveHigh
}

// ValidateStartupPins refuses to start if any output pin is already driven
// active. An active pump or air relay at boot means a previous run did not
// shut down safely.
func ValidateStartupPins(named map[string]model.GPIOPin) error {
	for name, pin := range named {
		if CurrentlyActive(pin) {
			return fmt.Errorf("pin %d (%s) is active at startup, expected inactive", pin.Number, name)
		}
	}
	return nil
}
