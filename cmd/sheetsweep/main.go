package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/cjeanneret/SheetSweep/internal/config"
	"github.com/cjeanneret/SheetSweep/internal/debug"
	"github.com/cjeanneret/SheetSweep/internal/hw/gpio"
	"github.com/cjeanneret/SheetSweep/internal/hw/stepper"
	"github.com/cjeanneret/SheetSweep/internal/hw/tmc2130"
	"github.com/cjeanneret/SheetSweep/internal/logic/geometry"
	"github.com/cjeanneret/SheetSweep/internal/logic/motion"
	"github.com/cjeanneret/SheetSweep/internal/logic/oscillation"
	"github.com/cjeanneret/SheetSweep/internal/web"
)

// stateInterval is how often the web UI is told about state changes.
const stateInterval = 100 * time.Millisecond

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	width := flag.Int("width", 0, "override sheet width in steps")
	accel := flag.Int("accel", 0, "override acceleration in steps/s²")
	start := flag.Bool("start", false, "start oscillating immediately")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Zero means "use config value"
	if err := validateCLIOverrides(*width, *accel); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, *width, *accel)

	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(1, "Initializing GPIO driver")
	gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		log.Fatalf("init GPIO failed: %v", err)
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}()

	debug.Step(2, "Initializing SPI bus")
	bus, err := gpio.NewSPI(cfg.Defaults.MockGPIO, gpio.SPIConfig{
		ChipSelect: uint8(cfg.Stepper.CSPin),
		SpeedHz:    cfg.Driver.SPISpeedHz,
		Mode:       3,
	})
	if err != nil {
		log.Fatalf("init SPI failed: %v", err)
	}
	defer func() {
		if err := bus.Close(); err != nil {
			log.Printf("closing SPI bus failed: %v", err)
		}
	}()

	debug.Step(3, "Checking TMC2130")
	driver := tmc2130.New(bus)
	if !cfg.Defaults.MockGPIO {
		if err := driver.CheckConnection(); err != nil {
			log.Fatalf("TMC2130 not responding: %v", err)
		}
	}

	debug.Step(4, "Configuring driver and planner")
	planner := stepper.NewStepper(gpioDriver, stepper.Config{
		StepPin:       cfg.Stepper.StepPin,
		DirPin:        cfg.Stepper.DirPin,
		MinPulseWidth: cfg.MinPulseWidth(),
	})
	debug.PrintStruct("Stepper config", cfg.Stepper)
	if err := motion.Configure(driver, planner, motionSettings(cfg)); err != nil {
		log.Fatalf("configure motion failed: %v", err)
	}
	if rpi, ok := gpioDriver.(*gpio.RPiDriver); ok && cfg.Stepper.EnablePin > 0 {
		// Leave the driver disabled on exit, EN is active low
		rpi.Park(cfg.Stepper.EnablePin, gpio.Level(cfg.Motion.InvertEnable))
	}
	if status, err := driver.Status(); err == nil {
		debug.PrintStruct("Driver status", status)
		if status.Fault() {
			log.Printf("TMC2130 reports a fault: %+v", status)
		}
	}

	debug.Step(5, "Starting oscillation loop")
	stepsCalc := geometry.NewStepsCalculator(cfg)
	sheetWidth := stepsCalc.SheetWidthSteps(cfg)
	debug.Value("Sheet width (steps)", sheetWidth)
	debug.Value("Acceleration", cfg.Motion.Acceleration)

	queue := oscillation.NewQueue(cfg.Oscillation.QueueCapacity)
	ctrl := oscillation.NewController(planner, queue, oscillation.Options{
		SheetWidth:   sheetWidth,
		Acceleration: int(cfg.Motion.Acceleration),
		Tick:         cfg.Tick(),
	})
	if *start {
		queue.TrySend(oscillation.Command{Kind: oscillation.Start})
	}

	serverDone := make(chan struct{})
	if port := webPort.port(); port > 0 {
		webAddr := fmt.Sprintf(":%d", port)
		broadcaster := web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))

		go broadcaster.WatchState(ctx, ctrl.Snapshot, stateInterval)

		srv := web.NewServer(webAddr, broadcaster, queue, ctrl.Snapshot, webDefaults(cfg, sheetWidth))
		go func() {
			defer close(serverDone)
			if err := srv.Run(ctx); err != nil {
				log.Printf("web server: %v", err)
				cancel()
			}
		}()
	} else {
		close(serverDone)
	}

	if err := ctrl.Run(ctx); err != nil && err != context.Canceled {
		log.Printf("oscillation loop: %v", err)
	}
	<-serverDone
}

// validateCLIOverrides checks that non-zero CLI overrides are within valid ranges.
func validateCLIOverrides(width, accel int) error {
	if width < 0 || width > web.MaxSheetWidth {
		return fmt.Errorf("width must be between 1 and %d, got %d", web.MaxSheetWidth, width)
	}
	if accel < 0 || accel > web.MaxAcceleration {
		return fmt.Errorf("accel must be between 1 and %d, got %d", web.MaxAcceleration, accel)
	}
	return nil
}

// applyOverrides mutates cfg with overrides. Only non-zero values are applied.
// A width in steps replaces a width in mm.
func applyOverrides(cfg *config.Config, width, accel int) {
	if width > 0 {
		cfg.Oscillation.SheetWidthSteps = width
		cfg.Oscillation.SheetWidthMm = 0
	}
	if accel > 0 {
		cfg.Motion.Acceleration = float64(accel)
	}
}

func motionSettings(cfg *config.Config) motion.Settings {
	return motion.Settings{
		RMSCurrentMA:     cfg.Driver.RMSCurrentMA,
		Microsteps:       cfg.Driver.Microsteps,
		StealthChop:      cfg.Driver.StealthChop,
		StealthAutoscale: cfg.Driver.StealthAutoscale,
		HighSpeedMode:    cfg.Driver.HighSpeedMode,
		MaxSpeed:         cfg.Motion.MaxSpeed,
		Acceleration:     cfg.Motion.Acceleration,
		EnablePin:        cfg.Stepper.EnablePin,
		InvertDir:        cfg.Motion.InvertDir,
		InvertStep:       cfg.Motion.InvertStep,
		InvertEnable:     cfg.Motion.InvertEnable,
	}
}

func webDefaults(cfg *config.Config, sheetWidth int) web.Defaults {
	return web.Defaults{
		SheetWidth:   sheetWidth,
		SheetWidthMm: cfg.Oscillation.SheetWidthMm,
		Acceleration: cfg.Motion.Acceleration,
		MaxSpeed:     cfg.Motion.MaxSpeed,
		Microsteps:   cfg.Driver.Microsteps,
		TickMs:       cfg.Oscillation.TickMs,
	}
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
