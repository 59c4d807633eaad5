package startup

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/thatsimonsguy/flush-controller/internal/config"
)

func intPtr(n int) *int {
	return &n
}

func TestWriteBootScriptParksOutputsSafe(t *testing.T) {
	cfg := &config.Config{
		Bus:       config.Bus{DataGPIO: intPtr(2), ClockGPIO: intPtr(3), LatchGPIO: intPtr(4)},
		AirRelay:  config.Pin{GPIO: intPtr(10), ActiveHigh: true},
		PumpRelay: config.Pin{GPIO: intPtr(11), ActiveHigh: false},
		Actuators: []config.Actuator{
			{
				Name:      "v4v",
				StepPin:   config.Pin{GPIO: intPtr(13), ActiveHigh: true},
				DirBit:    intPtr(0),
				EnableBit: intPtr(0),
			},
		},
		BootScriptFilePath: filepath.Join(t.TempDir(), "set-pins.sh"),
	}

	if err := WriteBootScript(cfg); err != nil {
		t.Fatalf("write boot script: %v", err)
	}

	raw, err := os.ReadFile(cfg.BootScriptFilePath)
	if err != nil {
		t.Fatalf("read boot script: %v", err)
	}
	script := string(raw)

	if !strings.HasPrefix(script, "#!/bin/bash") {
		t.Fatal("script missing shebang")
	}
	for _, line := range []string{
		// Active-high relay parks low, active-low relay parks high.
		"pinctrl set 10 op pn dl",
		"pinctrl set 11 op pn dh",
		// Bus lines low so the registers latch zeros.
		"pinctrl set 2 op pn dl",
		"pinctrl set 3 op pn dl",
		"pinctrl set 4 op pn dl",
		// Step line idles at its inactive level.
		"pinctrl set 13 op pn dl",
	} {
		if !strings.Contains(script, line) {
			t.Errorf("script missing %q", line)
		}
	}

	info, err := os.Stat(cfg.BootScriptFilePath)
	if err != nil {
		t.Fatalf("stat boot script: %v", err)
	}
	if info.Mode().Perm()&0100 == 0 {
		t.Fatal("boot script is not executable")
	}
}
