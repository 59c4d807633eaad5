package config

import (
	"strings"
	"testing"
	"time"

	"github.com/thatsimonsguy/flush-controller/internal/model"
)

func intPtr(n int) *int {
	return &n
}

func validConfig() Config {
	return Config{
		Bus: Bus{DataGPIO: intPtr(2), ClockGPIO: intPtr(3), LatchGPIO: intPtr(4)},
		Inputs: Inputs{
			Buttons:   []Pin{{GPIO: intPtr(5)}, {GPIO: intPtr(6)}},
			Selector:  []Pin{{GPIO: intPtr(7)}, {GPIO: intPtr(8)}},
			AirButton: Pin{GPIO: intPtr(9)},
		},
		AirRelay:  Pin{GPIO: intPtr(10), ActiveHigh: true},
		PumpRelay: Pin{GPIO: intPtr(11), ActiveHigh: true},
		Flow:      Flowmeter{GPIO: intPtr(12), PulsesPerLiter: 300},
		Actuators: []Actuator{
			{
				Name:           "v4v",
				StepPin:        Pin{GPIO: intPtr(13), ActiveHigh: true},
				DirBit:         intPtr(0),
				EnableBit:      intPtr(0),
				StepsPerTravel: 800,
				MaxStepRate:    1000,
				Positions:      []int{0, 160, 320, 480, 640, 800},
			},
			{
				Name:           "v1",
				StepPin:        Pin{GPIO: intPtr(14), ActiveHigh: true},
				DirBit:         intPtr(1),
				EnableBit:      intPtr(1),
				StepsPerTravel: 400,
				MaxStepRate:    1000,
			},
		},
		Programs: []Program{
			{
				ID:          1,
				Name:        "rinse",
				Enabled:     true,
				DurationSec: 30,
				OpenValves:  []string{"v1"},
				Safety: Safety{
					AirMode:        "blocked",
					ValveMode:      "auto",
					ValveTarget:    2,
					PumpMode:       "auto",
					StartOnProgram: true,
				},
			},
		},
	}
}

func TestValidate_OK(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{
			name:    "pin conflict",
			mutate:  func(c *Config) { c.PumpRelay.GPIO = intPtr(10) },
			wantMsg: "both use GPIO 10",
		},
		{
			name:    "missing bus pin",
			mutate:  func(c *Config) { c.Bus.LatchGPIO = nil },
			wantMsg: "bus.latch_gpio is missing",
		},
		{
			name:    "zero pulses per liter",
			mutate:  func(c *Config) { c.Flow.PulsesPerLiter = 0 },
			wantMsg: "pulses_per_liter",
		},
		{
			name:    "no actuators",
			mutate:  func(c *Config) { c.Actuators = nil },
			wantMsg: "at least one actuator",
		},
		{
			name:    "duplicate actuator name",
			mutate:  func(c *Config) { c.Actuators[1].Name = "v4v" },
			wantMsg: "duplicate actuator name",
		},
		{
			name:    "shared direction bit",
			mutate:  func(c *Config) { c.Actuators[1].DirBit = intPtr(0) },
			wantMsg: "share bank bit 0",
		},
		{
			name:    "bank bit out of range",
			mutate:  func(c *Config) { c.Actuators[0].EnableBit = intPtr(8) },
			wantMsg: "out of range",
		},
		{
			name:    "position outside travel",
			mutate:  func(c *Config) { c.Actuators[0].Positions = []int{0, 900} },
			wantMsg: "outside travel",
		},
		{
			name:    "inverted step rates",
			mutate:  func(c *Config) { c.Actuators[0].MinStepRate = 2000 },
			wantMsg: "step rates invalid",
		},
		{
			name:    "auto valve target outside positions",
			mutate:  func(c *Config) { c.Programs[0].Safety.ValveTarget = 9 },
			wantMsg: "valve_target 9 outside",
		},
		{
			name:    "negative auto valve target",
			mutate:  func(c *Config) { c.Programs[0].Safety.ValveTarget = -1 },
			wantMsg: "valve_target -1 outside",
		},
		{
			name: "more selector contacts than valve positions",
			mutate: func(c *Config) {
				c.Inputs.Selector = []Pin{
					{GPIO: intPtr(30)}, {GPIO: intPtr(31)}, {GPIO: intPtr(32)},
					{GPIO: intPtr(33)}, {GPIO: intPtr(34)}, {GPIO: intPtr(35)},
				}
			},
			wantMsg: "positions above zero",
		},
		{
			name:    "unknown air mode",
			mutate:  func(c *Config) { c.Programs[0].Safety.AirMode = "sometimes" },
			wantMsg: "unknown air mode",
		},
		{
			name:    "unknown valve mode",
			mutate:  func(c *Config) { c.Programs[0].Safety.ValveMode = "" },
			wantMsg: "unknown valve mode",
		},
		{
			name:    "unknown pump mode",
			mutate:  func(c *Config) { c.Programs[0].Safety.PumpMode = "maybe" },
			wantMsg: "unknown pump mode",
		},
		{
			name:    "negative duration",
			mutate:  func(c *Config) { c.Programs[0].DurationSec = -5 },
			wantMsg: "negative duration",
		},
		{
			name:    "unknown valve reference",
			mutate:  func(c *Config) { c.Programs[0].OpenValves = []string{"v9"} },
			wantMsg: `unknown valve "v9"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Fatalf("error %q does not mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestHydratePrograms_TaggedModes(t *testing.T) {
	cfg := validConfig()
	cfg.Programs = append(cfg.Programs, Program{
		ID:          2,
		Name:        "manual",
		Enabled:     true,
		DurationSec: 0,
		Safety: Safety{
			AirMode:          "manual",
			ValveMode:        "manual",
			PumpMode:         "manual",
			StopOnProgramEnd: true,
		},
	})

	progs := cfg.HydratePrograms()
	if len(progs) != 2 {
		t.Fatalf("expected 2 programs, got %d", len(progs))
	}

	auto := progs[0]
	if auto.Safety.Air != model.AirBlocked {
		t.Error("blocked air mode not hydrated")
	}
	if auto.Safety.Valve.Kind != model.ValveAuto || auto.Safety.Valve.Target != 2 {
		t.Error("auto valve mode not hydrated with target")
	}
	if auto.Safety.Pump.Kind != model.PumpAuto || !auto.Safety.Pump.StartOnProgram {
		t.Error("auto pump mode not hydrated")
	}
	if auto.Duration != 30*time.Second {
		t.Errorf("duration = %v, want 30s", auto.Duration)
	}

	manual := progs[1]
	if manual.Safety.Air != model.AirManual {
		t.Error("manual air mode not hydrated")
	}
	if manual.Safety.Valve.Kind != model.ValveManual {
		t.Error("manual valve mode not hydrated")
	}
	if manual.Safety.Pump.Kind != model.PumpManual || !manual.Safety.Pump.StopOnProgramEnd {
		t.Error("manual pump mode not hydrated")
	}
	if manual.Duration != 0 {
		t.Error("unbounded program should have zero duration")
	}
}

func TestHydrateActuators(t *testing.T) {
	cfg := validConfig()
	acts := cfg.HydrateActuators()
	if len(acts) != 2 {
		t.Fatalf("expected 2 actuators, got %d", len(acts))
	}
	v4v := acts[0]
	if v4v.Name != "v4v" || v4v.StepPin.Number != 13 || !v4v.StepPin.ActiveHigh {
		t.Errorf("v4v hydrated wrong: %+v", v4v)
	}
	if len(v4v.Positions) != 6 || v4v.Positions[5] != 800 {
		t.Errorf("positions not carried over: %v", v4v.Positions)
	}
}
