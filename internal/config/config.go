package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/thatsimonsguy/flush-controller/internal/model"
)

type Pin struct {
	GPIO       *int `json:"gpio"`
	ActiveHigh bool `json:"active_high"`
}

type Bus struct {
	DataGPIO  *int `json:"data_gpio"`
	ClockGPIO *int `json:"clock_gpio"`
	LatchGPIO *int `json:"latch_gpio"`
}

type Flowmeter struct {
	GPIO              *int    `json:"gpio"`
	PulsesPerLiter    float64 `json:"pulses_per_liter"`
	SmoothingSamples  int     `json:"smoothing_samples"`
	StaleAfterSeconds int     `json:"stale_after_seconds"`
}

type Actuator struct {
	Name            string  `json:"name"`
	StepPin         Pin     `json:"step_pin"`
	DirBit          *int    `json:"dir_bit"`
	EnableBit       *int    `json:"enable_bit"`
	EnableActiveLow bool    `json:"enable_active_low"`
	StepsPerTravel  int     `json:"steps_per_travel"`
	MinStepRate     float64 `json:"min_step_rate"`
	MaxStepRate     float64 `json:"max_step_rate"`
	AccelRate       float64 `json:"accel_rate"`
	HomeBackoff     int     `json:"home_backoff"`
	Positions       []int   `json:"positions"`
	HasLimitInput   bool    `json:"has_limit_input"`
	LimitPin        Pin     `json:"limit_pin"`
}

type Inputs struct {
	Buttons        []Pin `json:"buttons"` // index 0 = program 1
	Selector       []Pin `json:"selector"`
	AirButton      Pin   `json:"air_button"`
	DebounceMillis int   `json:"debounce_millis"`
}

type Safety struct {
	AirMode          string `json:"air_mode"`  // "manual" | "blocked"
	ValveMode        string `json:"valve_mode"` // "manual" | "auto"
	ValveTarget      int    `json:"valve_target"`
	PumpMode         string `json:"pump_mode"` // "manual" | "auto"
	StartOnProgram   bool   `json:"start_on_program"`
	StopOnProgramEnd bool   `json:"stop_on_program_end"`
}

type Program struct {
	ID          int      `json:"id"`
	Name        string   `json:"name"`
	Enabled     bool     `json:"enabled"`
	DurationSec int      `json:"duration_sec"` // 0 = unbounded
	OpenValves  []string `json:"open_valves"`
	CloseValves []string `json:"close_valves"`
	Safety      Safety   `json:"safety"`
}

type Config struct {
	ConfigFile string
	DBFile     string
	LogLevel   zerolog.Level
	LogFile    string `json:"log_file"`
	SafeMode   bool
	Install    bool

	TickMillis            int `json:"tick_millis"`
	DisplayPeriodSeconds  int `json:"display_period_seconds"`
	ConfirmWindowSeconds  int `json:"confirm_window_seconds"`
	ManualValveWindowSecs int `json:"manual_valve_window_seconds"`

	Bus       Bus        `json:"bus"`
	Inputs    Inputs     `json:"inputs"`
	AirRelay  Pin        `json:"air_relay"`
	PumpRelay Pin        `json:"pump_relay"`
	Flow      Flowmeter  `json:"flowmeter"`
	Actuators []Actuator `json:"actuators"`
	Programs  []Program  `json:"programs"`

	EnableDatadog bool     `json:"enable_datadog"`
	DDAgentAddr   string   `json:"dd_agent_addr"`
	DDNamespace   string   `json:"dd_namespace"`
	DDTags        []string `json:"dd_tags"`
	NtfyTopic     string   `json:"ntfy_topic"`

	BootScriptFilePath string `json:"boot_script_file_path"`
	OSServicePath      string `json:"os_service_path"`
	MainServicePath    string `json:"main_service_path"`
}

func Load() (*Config, error) {
	var cfg Config
	var logLevel string

	flag.StringVar(&cfg.ConfigFile, "config-file", "config.json", "Path to controller config file")
	flag.StringVar(&cfg.DBFile, "db", "data/flush.db", "Path to the SQLite database file")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.BoolVar(&cfg.SafeMode, "safe-mode", false, "Disable all GPIO writes")
	flag.BoolVar(&cfg.Install, "install", false, "Write the boot pin script and systemd units, then exit")
	flag.Parse()

	cfg.LogLevel = parseLogLevel(logLevel)

	file, err := os.Open(cfg.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot open config file: %v", model.ErrConfigInvalid, err)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: cannot parse config file: %v", model.ErrConfigInvalid, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.TickMillis == 0 {
		cfg.TickMillis = 1
	}
	if cfg.DisplayPeriodSeconds == 0 {
		cfg.DisplayPeriodSeconds = 1
	}
	if cfg.ConfirmWindowSeconds == 0 {
		cfg.ConfirmWindowSeconds = 10
	}
	if cfg.ManualValveWindowSecs == 0 {
		cfg.ManualValveWindowSecs = 10
	}
	if cfg.Flow.SmoothingSamples == 0 {
		cfg.Flow.SmoothingSamples = 5
	}
	if cfg.Flow.StaleAfterSeconds == 0 {
		cfg.Flow.StaleAfterSeconds = 10
	}
	if cfg.Inputs.DebounceMillis == 0 {
		cfg.Inputs.DebounceMillis = 30
	}
	if cfg.LogFile == "" {
		cfg.LogFile = "/var/log/flush-controller.log"
	}
	if cfg.BootScriptFilePath == "" {
		cfg.BootScriptFilePath = "/usr/local/bin/set-flush-gpio-pins.sh"
	}
	if cfg.OSServicePath == "" {
		cfg.OSServicePath = "/etc/systemd/system/flush-gpio-pin-config.service"
	}
	if cfg.MainServicePath == "" {
		cfg.MainServicePath = "/etc/systemd/system/flush-controller.service"
	}
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Validate fails fast on an unsafe or ambiguous configuration.
func (cfg *Config) Validate() error {
	var problems []string

	usedPins := map[int]string{}
	claimPin := func(name string, p *int) {
		if p == nil {
			problems = append(problems, fmt.Sprintf("%s is missing", name))
			return
		}
		if other, exists := usedPins[*p]; exists {
			problems = append(problems, fmt.Sprintf("%s and %s both use GPIO %d", name, other, *p))
			return
		}
		usedPins[*p] = name
	}

	claimPin("bus.data_gpio", cfg.Bus.DataGPIO)
	claimPin("bus.clock_gpio", cfg.Bus.ClockGPIO)
	claimPin("bus.latch_gpio", cfg.Bus.LatchGPIO)
	claimPin("air_relay.gpio", cfg.AirRelay.GPIO)
	claimPin("pump_relay.gpio", cfg.PumpRelay.GPIO)
	claimPin("flowmeter.gpio", cfg.Flow.GPIO)

	for i := range cfg.Inputs.Buttons {
		claimPin(fmt.Sprintf("inputs.buttons[%d].gpio", i), cfg.Inputs.Buttons[i].GPIO)
	}
	for i := range cfg.Inputs.Selector {
		claimPin(fmt.Sprintf("inputs.selector[%d].gpio", i), cfg.Inputs.Selector[i].GPIO)
	}
	claimPin("inputs.air_button.gpio", cfg.Inputs.AirButton.GPIO)

	if cfg.Flow.PulsesPerLiter <= 0 {
		problems = append(problems, "flowmeter.pulses_per_liter must be > 0")
	}

	if len(cfg.Actuators) == 0 {
		problems = append(problems, "at least one actuator is required")
	}

	usedBits := map[int]string{}
	names := map[string]bool{}
	indexedPositions := 0
	for _, a := range cfg.Actuators {
		if len(a.Positions) > indexedPositions {
			indexedPositions = len(a.Positions)
		}
		if a.Name == "" {
			problems = append(problems, "actuator with empty name")
			continue
		}
		if names[a.Name] {
			problems = append(problems, fmt.Sprintf("duplicate actuator name %q", a.Name))
		}
		names[a.Name] = true

		claimPin("actuator "+a.Name+".step_pin", a.StepPin.GPIO)
		if a.HasLimitInput {
			claimPin("actuator "+a.Name+".limit_pin", a.LimitPin.GPIO)
		}
		for label, bit := range map[string]*int{"dir_bit": a.DirBit, "enable_bit": a.EnableBit} {
			full := "actuator " + a.Name + "." + label
			if bit == nil {
				problems = append(problems, full+" is missing")
				continue
			}
			if *bit < 0 || *bit > 7 {
				problems = append(problems, fmt.Sprintf("%s out of range: %d", full, *bit))
				continue
			}
			key := *bit
			if label == "enable_bit" {
				key += 8
			}
			if other, exists := usedBits[key]; exists {
				problems = append(problems, fmt.Sprintf("%s and %s share bank bit %d", full, other, *bit))
			} else {
				usedBits[key] = full
			}
		}
		if a.StepsPerTravel <= 0 {
			problems = append(problems, fmt.Sprintf("actuator %s.steps_per_travel must be > 0", a.Name))
		}
		if a.MaxStepRate <= 0 || a.MinStepRate < 0 || a.MinStepRate > a.MaxStepRate {
			problems = append(problems, fmt.Sprintf("actuator %s step rates invalid", a.Name))
		}
		for i, p := range a.Positions {
			if p < 0 || p > a.StepsPerTravel {
				problems = append(problems, fmt.Sprintf("actuator %s.positions[%d] outside travel", a.Name, i))
			}
		}
	}

	// Selector contact n maps to position index n on the indexed actuator;
	// every contact must land on a real position.
	if indexedPositions > 0 && len(cfg.Inputs.Selector) > indexedPositions-1 {
		problems = append(problems, fmt.Sprintf(
			"inputs.selector has %d contacts but the indexed actuator has only %d positions above zero",
			len(cfg.Inputs.Selector), indexedPositions-1))
	}

	ids := map[int]bool{}
	for _, p := range cfg.Programs {
		prefix := fmt.Sprintf("program %d", p.ID)
		if p.ID <= 0 {
			problems = append(problems, "program id must be >= 1")
		}
		if ids[p.ID] {
			problems = append(problems, prefix+" has a duplicate id")
		}
		ids[p.ID] = true
		if p.DurationSec < 0 {
			problems = append(problems, prefix+" has a negative duration")
		}
		switch p.Safety.AirMode {
		case "manual", "blocked":
		default:
			problems = append(problems, fmt.Sprintf("%s has unknown air mode %q", prefix, p.Safety.AirMode))
		}
		switch p.Safety.ValveMode {
		case "manual":
		case "auto":
			if p.Safety.ValveTarget < 0 || p.Safety.ValveTarget >= indexedPositions {
				problems = append(problems, fmt.Sprintf(
					"%s valve_target %d outside the indexed actuator's %d positions",
					prefix, p.Safety.ValveTarget, indexedPositions))
			}
		default:
			problems = append(problems, fmt.Sprintf("%s has unknown valve mode %q", prefix, p.Safety.ValveMode))
		}
		switch p.Safety.PumpMode {
		case "manual", "auto":
		default:
			problems = append(problems, fmt.Sprintf("%s has unknown pump mode %q", prefix, p.Safety.PumpMode))
		}
		for _, v := range append(append([]string{}, p.OpenValves...), p.CloseValves...) {
			if !names[v] {
				problems = append(problems, fmt.Sprintf("%s references unknown valve %q", prefix, v))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", model.ErrConfigInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// HydrateActuators converts the loaded actuator entries to immutable runtime
// configs.
func (cfg *Config) HydrateActuators() []model.ActuatorConfig {
	out := make([]model.ActuatorConfig, 0, len(cfg.Actuators))
	for _, a := range cfg.Actuators {
		out = append(out, model.ActuatorConfig{
			Name:            a.Name,
			StepPin:         model.GPIOPin{Number: *a.StepPin.GPIO, ActiveHigh: a.StepPin.ActiveHigh},
			DirBit:          *a.DirBit,
			EnableBit:       *a.EnableBit,
			EnableActiveLow: a.EnableActiveLow,
			StepsPerTravel:  a.StepsPerTravel,
			MinStepRate:     a.MinStepRate,
			MaxStepRate:     a.MaxStepRate,
			AccelRate:       a.AccelRate,
			HomeBackoff:     a.HomeBackoff,
			Positions:       a.Positions,
		})
	}
	return out
}

// HydratePrograms converts the loaded program entries, mode strings already
// validated, to tagged-variant runtime configs.
func (cfg *Config) HydratePrograms() []model.ProgramConfig {
	out := make([]model.ProgramConfig, 0, len(cfg.Programs))
	for _, p := range cfg.Programs {
		sc := model.SafetyConfig{}
		if p.Safety.AirMode == "manual" {
			sc.Air = model.AirManual
		}
		if p.Safety.ValveMode == "auto" {
			sc.Valve = model.ValveMode{Kind: model.ValveAuto, Target: p.Safety.ValveTarget}
		}
		if p.Safety.PumpMode == "auto" {
			sc.Pump = model.PumpMode{
				Kind:             model.PumpAuto,
				StartOnProgram:   p.Safety.StartOnProgram,
				StopOnProgramEnd: p.Safety.StopOnProgramEnd,
			}
		} else {
			sc.Pump = model.PumpMode{Kind: model.PumpManual, StopOnProgramEnd: p.Safety.StopOnProgramEnd}
		}
		out = append(out, model.ProgramConfig{
			ID:          p.ID,
			Name:        p.Name,
			Enabled:     p.Enabled,
			Duration:    time.Duration(p.DurationSec) * time.Second,
			OpenValves:  p.OpenValves,
			CloseValves: p.CloseValves,
			Safety:      sc,
		})
	}
	return out
}

// ButtonPins maps program number (1-based) to its button pin.
func (cfg *Config) ButtonPins() map[int]model.GPIOPin {
	out := make(map[int]model.GPIOPin, len(cfg.Inputs.Buttons))
	for i, p := range cfg.Inputs.Buttons {
		out[i+1] = model.GPIOPin{Number: *p.GPIO, ActiveHigh: p.ActiveHigh}
	}
	return out
}

func (cfg *Config) SelectorPins() []model.GPIOPin {
	out := make([]model.GPIOPin, 0, len(cfg.Inputs.Selector))
	for _, p := range cfg.Inputs.Selector {
		out = append(out, model.GPIOPin{Number: *p.GPIO, ActiveHigh: p.ActiveHigh})
	}
	return out
}

func (cfg *Config) AirButtonPin() model.GPIOPin {
	return model.GPIOPin{Number: *cfg.Inputs.AirButton.GPIO, ActiveHigh: cfg.Inputs.AirButton.ActiveHigh}
}

func (cfg *Config) FlowPin() model.GPIOPin {
	return model.GPIOPin{Number: *cfg.Flow.GPIO, ActiveHigh: true}
}

func (cfg *Config) AirRelayPin() model.GPIOPin {
	return model.GPIOPin{Number: *cfg.AirRelay.GPIO, ActiveHigh: cfg.AirRelay.ActiveHigh}
}

func (cfg *Config) PumpRelayPin() model.GPIOPin {
	return model.GPIOPin{Number: *cfg.PumpRelay.GPIO, ActiveHigh: cfg.PumpRelay.ActiveHigh}
}
