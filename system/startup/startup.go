package startup

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/thatsimonsguy/flush-controller/internal/config"
	"github.com/thatsimonsguy/flush-controller/internal/env"
	"github.com/thatsimonsguy/flush-controller/internal/model"
)

// WriteBootScript emits a pinctrl script that parks every output in its safe
// state before the controller runs: relays off, step lines low, bus lines
// low so the shift registers latch zeros.
func WriteBootScript(cfg *config.Config) error {
	var lines []string
	lines = append(lines, "#!/bin/bash", "", "# Flush machine GPIO pin configuration at boot", "")

	write := func(label string, pin model.GPIOPin, active bool) {
		drive := "dl"
		if pin.ActiveHigh == active {
			drive = "dh"
		}
		lines = append(lines, fmt.Sprintf("# %s", label))
		lines = append(lines, fmt.Sprintf("pinctrl set %d op pn %s", pin.Number, drive))
		lines = append(lines, "")
	}

	write("air_relay", cfg.AirRelayPin(), false)
	write("pump_relay", cfg.PumpRelayPin(), false)
	write("bus.data", model.GPIOPin{Number: *cfg.Bus.DataGPIO, ActiveHigh: true}, false)
	write("bus.clock", model.GPIOPin{Number: *cfg.Bus.ClockGPIO, ActiveHigh: true}, false)
	write("bus.latch", model.GPIOPin{Number: *cfg.Bus.LatchGPIO, ActiveHigh: true}, false)
	for _, a := range cfg.HydrateActuators() {
		write(a.Name+".step", a.StepPin, false)
	}

	contents := strings.Join(lines, "\n") + "\n"
	return os.WriteFile(cfg.BootScriptFilePath, []byte(contents), 0755)
}

// InstallBootService writes the systemd unit that runs the boot script.
func InstallBootService() error {
	unitContents := fmt.Sprintf(`[Unit]
Description=Configure GPIO pins at boot
After=network.target

[Service]
Type=oneshot
Environment=PATH=/usr/local/bin:/usr/bin:/bin
ExecStart=%s
RemainAfterExit=true

[Install]
WantedBy=multi-user.target
`, env.Cfg.BootScriptFilePath)

	return os.WriteFile(env.Cfg.OSServicePath, []byte(unitContents), 0644)
}

// RunBootScript applies the boot pin states immediately.
func RunBootScript() error {
	cmd := exec.Command("/bin/bash", env.Cfg.BootScriptFilePath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// InstallControllerService writes the main controller unit, ordered after
// the boot pin configuration.
func InstallControllerService() error {
	gpioUnitName := filepath.Base(env.Cfg.OSServicePath)

	unit := fmt.Sprintf(`[Unit]
Description=Flush machine controller
After=%s
Requires=%s

[Service]
Type=simple
WorkingDirectory=/opt/flush-controller
ExecStart=/opt/flush-controller/flush-controller -config-file /opt/flush-controller/config.json
Restart=on-failure
RestartSec=5s

[Install]
WantedBy=multi-user.target
`, gpioUnitName, gpioUnitName)

	return os.WriteFile(env.Cfg.MainServicePath, []byte(unit), 0644)
}
