package shutdown

import (
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/flush-controller/internal/actuator"
	"github.com/thatsimonsguy/flush-controller/internal/safety"
	"github.com/thatsimonsguy/flush-controller/internal/shiftreg"
)

// ForceSafeState drives the machine to its unconditional safe state: every
// actuator enable disabled, pump off, air off, bank cleared. It never waits
// on actuator motion and is defined to always succeed.
func ForceSafeState(acts map[string]*actuator.Actuator, policy *safety.Policy, bank *shiftreg.Bank) {
	for _, a := range acts {
		a.ForceDisable()
	}
	policy.ForceSafe()
	bank.Clear()
	log.Info().Msg("Machine forced to safe state")
}
