package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/flush-controller/db"
	"github.com/thatsimonsguy/flush-controller/internal/actuator"
	"github.com/thatsimonsguy/flush-controller/internal/config"
	"github.com/thatsimonsguy/flush-controller/internal/controllers/programcontroller"
	"github.com/thatsimonsguy/flush-controller/internal/datadog"
	"github.com/thatsimonsguy/flush-controller/internal/env"
	"github.com/thatsimonsguy/flush-controller/internal/flow"
	"github.com/thatsimonsguy/flush-controller/internal/gpio"
	"github.com/thatsimonsguy/flush-controller/internal/logging"
	"github.com/thatsimonsguy/flush-controller/internal/machineio"
	"github.com/thatsimonsguy/flush-controller/internal/model"
	"github.com/thatsimonsguy/flush-controller/internal/notifications"
	"github.com/thatsimonsguy/flush-controller/internal/safety"
	"github.com/thatsimonsguy/flush-controller/internal/shiftreg"
	"github.com/thatsimonsguy/flush-controller/system/shutdown"
	"github.com/thatsimonsguy/flush-controller/system/startup"
)

// install writes the boot pin script and systemd units and applies the safe
// pin states immediately. Run once per deployment, as root.
func install(cfg *config.Config) {
	if err := startup.WriteBootScript(cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to write boot pin script")
	}
	if err := startup.InstallBootService(); err != nil {
		log.Fatal().Err(err).Msg("Failed to install boot pin service unit")
	}
	if err := startup.InstallControllerService(); err != nil {
		log.Fatal().Err(err).Msg("Failed to install controller service unit")
	}
	if err := startup.RunBootScript(); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply boot pin states")
	}
	log.Info().
		Str("boot_script", cfg.BootScriptFilePath).
		Str("boot_unit", cfg.OSServicePath).
		Str("controller_unit", cfg.MainServicePath).
		Msg("Boot script and service units installed")
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Logging is not up yet; config failures go to stderr and exit.
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	env.Cfg = cfg
	logging.Init(cfg.LogLevel, cfg.LogFile)

	log.Info().
		Str("config_file", cfg.ConfigFile).
		Str("db_file", cfg.DBFile).
		Int("actuators", len(cfg.Actuators)).
		Int("programs", len(cfg.Programs)).
		Msg("Starting flush controller")

	if cfg.Install {
		install(cfg)
		return
	}

	gpio.SetSafeMode(cfg.SafeMode)
	if cfg.SafeMode {
		log.Warn().Msg("SAFE MODE ENABLED — GPIO writes are disabled system-wide")
	}

	if err := gpio.ValidateStartupPins(map[string]model.GPIOPin{
		"air_relay":  cfg.AirRelayPin(),
		"pump_relay": cfg.PumpRelayPin(),
	}); err != nil {
		log.Fatal().Err(err).Msg("Refusing to start with relays already energized")
	}

	conn, err := db.Open(cfg.DBFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open runtime database")
	}
	defer conn.Close()

	programs := cfg.HydratePrograms()
	if err := db.SeedPrograms(conn, programs); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed program table")
	}

	// Operator overrides made through the debug CLI win over config values.
	if settings, err := db.GetProgramSettings(conn); err != nil {
		log.Warn().Err(err).Msg("Failed to load program settings, using config values")
	} else {
		for i := range programs {
			if s, ok := settings[programs[i].ID]; ok {
				programs[i].Enabled = s.Enabled
				programs[i].Duration = time.Duration(s.DurationSec) * time.Second
			}
		}
	}

	bank := shiftreg.New(*cfg.Bus.DataGPIO, *cfg.Bus.ClockGPIO, *cfg.Bus.LatchGPIO)
	bank.Clear()

	policy := safety.New(cfg.AirRelayPin(), cfg.PumpRelayPin())

	meter := flow.New(cfg.Flow.PulsesPerLiter, cfg.Flow.SmoothingSamples,
		time.Duration(cfg.Flow.StaleAfterSeconds)*time.Second)
	edges := machineio.NewFlowEdgePoller(cfg.FlowPin(), meter.OnEdge)

	input := machineio.NewGPIOInput(cfg.ButtonPins(), cfg.SelectorPins(), cfg.AirButtonPin(),
		time.Duration(cfg.Inputs.DebounceMillis)*time.Millisecond)

	acts := make(map[string]*actuator.Actuator, len(cfg.Actuators))
	v4vName := ""
	for i, ac := range cfg.HydrateActuators() {
		var limit func() bool
		if cfg.Actuators[i].HasLimitInput {
			pin := model.GPIOPin{Number: *cfg.Actuators[i].LimitPin.GPIO, ActiveHigh: cfg.Actuators[i].LimitPin.ActiveHigh}
			limit = func() bool { return gpio.CurrentlyActive(pin) }
		}
		acts[ac.Name] = actuator.New(ac, bank, limit)
		if len(ac.Positions) > 1 {
			v4vName = ac.Name
		}
	}
	if v4vName == "" {
		log.Fatal().Msg("No actuator with indexed positions configured")
	}

	datadog.InitMetrics()
	notifications.Init()

	ctrl := programcontroller.New(programcontroller.Config{
		V4VName:       v4vName,
		ConfirmWindow: time.Duration(cfg.ConfirmWindowSeconds) * time.Second,
		ManualWindow:  time.Duration(cfg.ManualValveWindowSecs) * time.Second,
		DisplayPeriod: time.Duration(cfg.DisplayPeriodSeconds) * time.Second,
		SamplePeriod:  200 * time.Millisecond,
	}, programs, acts, policy, meter, input, machineio.LogDisplay{}, bank, &db.Store{Conn: conn})

	// Reference every axis before accepting programs. Homing interleaves one
	// step per tick across all actuators.
	now := time.Now()
	for _, a := range acts {
		a.Home(now)
	}
	log.Info().Int("actuators", len(acts)).Msg("Initial homing started")

	tick := time.Duration(cfg.TickMillis) * time.Millisecond
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case s := <-sig:
			log.Warn().Str("signal", s.String()).Msg("Shutdown signal received")
			ctrl.EmergencyStop(time.Now())
			shutdown.ForceSafeState(acts, policy, bank)
			return
		case now := <-ticker.C:
			input.Poll(now)
			edges.Poll()
			ctrl.Tick(now)
		}
	}
}
