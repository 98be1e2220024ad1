package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes bounds the size of a config file.
const MaxConfigFileBytes = 1 << 20

// StepperConfig holds the wiring of the stepper driver (BCM numbering).
type StepperConfig struct {
	StepPin     int `yaml:"step_pin"`
	DirPin      int `yaml:"dir_pin"`
	EnablePin   int `yaml:"enable_pin"` // TMC2130 EN, active LOW. 0 = not used.
	CSPin       int `yaml:"cs_pin"`     // SPI0 chip select: 0 = CE0, 1 = CE1
	StepsPerRev int `yaml:"steps_per_rev"`
}

// DriverConfig holds the TMC2130 electrical settings.
type DriverConfig struct {
	RMSCurrentMA     int  `yaml:"rms_current_ma"`
	Microsteps       int  `yaml:"microsteps"` // 1, 2, 4 ... 256
	StealthChop      bool `yaml:"stealth_chop"`
	StealthAutoscale bool `yaml:"stealth_autoscale"`
	HighSpeedMode    bool `yaml:"high_speed_mode"`
	SPISpeedHz       int  `yaml:"spi_speed_hz"`
}

// MotionConfig holds the planner limits and pin polarity.
type MotionConfig struct {
	MaxSpeed        float64 `yaml:"max_speed"`    // steps/s
	Acceleration    float64 `yaml:"acceleration"` // steps/s²
	MinPulseWidthUs int     `yaml:"min_pulse_width_us"`
	InvertDir       bool    `yaml:"invert_dir"`
	InvertStep      bool    `yaml:"invert_step"`
	InvertEnable    bool    `yaml:"invert_enable"`
}

// OscillationConfig holds the sweep parameters.
type OscillationConfig struct {
	SheetWidthSteps int     `yaml:"sheet_width_steps"`
	SheetWidthMm    float64 `yaml:"sheet_width_mm"` // optional, takes precedence over sheet_width_steps
	TickMs          int     `yaml:"tick_ms"`
	QueueCapacity   int     `yaml:"queue_capacity"`
}

// MechanicsConfig describes the arm carrying the head.
type MechanicsConfig struct {
	ArmRadiusMm float64 `yaml:"arm_radius_mm"` // motor axis to head, used with sheet_width_mm
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO and SPI (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Stepper     StepperConfig     `yaml:"stepper"`
	Driver      DriverConfig      `yaml:"driver"`
	Motion      MotionConfig      `yaml:"motion"`
	Oscillation OscillationConfig `yaml:"oscillation"`
	Mechanics   MechanicsConfig   `yaml:"mechanics"`
	Defaults    DefaultsConfig    `yaml:"defaults"`
}

// envOverrides lists the settings that can be changed without editing the file.
type envOverrides struct {
	DebugLevel   int     `env:"SHEETSWEEP_DEBUG_LEVEL"`
	MockGPIO     bool    `env:"SHEETSWEEP_MOCK_GPIO"`
	SheetWidth   int     `env:"SHEETSWEEP_SHEET_WIDTH"`
	Acceleration float64 `env:"SHEETSWEEP_ACCELERATION"`
}

// Default returns the configuration the head was tuned with.
func Default() Config {
	return Config{
		Stepper: StepperConfig{
			StepPin:     17,
			DirPin:      27,
			EnablePin:   22,
			CSPin:       0,
			StepsPerRev: 200,
		},
		Driver: DriverConfig{
			RMSCurrentMA:     600,
			Microsteps:       32,
			StealthChop:      true,
			StealthAutoscale: true,
			HighSpeedMode:    true,
			SPISpeedHz:       1000000,
		},
		Motion: MotionConfig{
			MaxSpeed:        8000,
			Acceleration:    1000,
			MinPulseWidthUs: 1,
			InvertEnable:    true,
		},
		Oscillation: OscillationConfig{
			SheetWidthSteps: 30,
			TickMs:          1,
			QueueCapacity:   10,
		},
		Defaults: DefaultsConfig{
			DebugLevel: 1,
		},
	}
}

// ValidateConfigPath checks that path names a .yaml file directly inside a
// directory called "configs", with no ".." elements.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	for _, elem := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == filepath.Separator }) {
		if elem == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}

	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file on top of Default, applies environment overrides,
// then validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", MaxConfigFileBytes)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides file values with SHEETSWEEP_* environment variables.
// A sheet width given in steps replaces one given in mm.
func (c *Config) applyEnv() error {
	o := envOverrides{
		DebugLevel:   c.Defaults.DebugLevel,
		MockGPIO:     c.Defaults.MockGPIO,
		SheetWidth:   c.Oscillation.SheetWidthSteps,
		Acceleration: c.Motion.Acceleration,
	}
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	c.Defaults.DebugLevel = o.DebugLevel
	c.Defaults.MockGPIO = o.MockGPIO
	c.Motion.Acceleration = o.Acceleration
	if o.SheetWidth != c.Oscillation.SheetWidthSteps {
		c.Oscillation.SheetWidthSteps = o.SheetWidth
		c.Oscillation.SheetWidthMm = 0
	}
	return nil
}

func (c *Config) validate() error {
	s := c.Stepper
	if s.StepPin <= 0 || s.DirPin <= 0 {
		return fmt.Errorf("stepper.step_pin and stepper.dir_pin are required")
	}
	if s.StepPin == s.DirPin || s.StepPin == s.EnablePin || s.DirPin == s.EnablePin {
		return fmt.Errorf("stepper pins must be distinct (step=%d, dir=%d, enable=%d)", s.StepPin, s.DirPin, s.EnablePin)
	}
	if s.EnablePin < 0 {
		return fmt.Errorf("stepper.enable_pin must be >= 0, got %d", s.EnablePin)
	}
	if s.CSPin != 0 && s.CSPin != 1 {
		return fmt.Errorf("stepper.cs_pin must be 0 (CE0) or 1 (CE1), got %d", s.CSPin)
	}
	if c.Stepper.StepsPerRev <= 0 {
		c.Stepper.StepsPerRev = 200
	}

	if c.Driver.RMSCurrentMA <= 0 {
		c.Driver.RMSCurrentMA = 600
	}
	if c.Driver.RMSCurrentMA > 2000 {
		return fmt.Errorf("driver.rms_current_ma must be <= 2000, got %d", c.Driver.RMSCurrentMA)
	}
	if c.Driver.Microsteps <= 0 {
		c.Driver.Microsteps = 32
	}
	if m := c.Driver.Microsteps; m > 256 || m&(m-1) != 0 {
		return fmt.Errorf("driver.microsteps must be a power of two up to 256, got %d", m)
	}
	if c.Driver.SPISpeedHz <= 0 {
		c.Driver.SPISpeedHz = 1000000
	}

	if c.Motion.MaxSpeed <= 0 {
		c.Motion.MaxSpeed = 8000
	}
	if c.Motion.Acceleration < 0 {
		return fmt.Errorf("motion.acceleration must be > 0, got %.2f", c.Motion.Acceleration)
	}
	if c.Motion.Acceleration == 0 {
		c.Motion.Acceleration = 1000
	}
	if c.Motion.MinPulseWidthUs <= 0 {
		c.Motion.MinPulseWidthUs = 1
	}

	if c.Oscillation.SheetWidthSteps < 0 {
		return fmt.Errorf("oscillation.sheet_width_steps must be >= 0, got %d", c.Oscillation.SheetWidthSteps)
	}
	if c.Oscillation.SheetWidthMm < 0 {
		return fmt.Errorf("oscillation.sheet_width_mm must be >= 0, got %.2f", c.Oscillation.SheetWidthMm)
	}
	if c.Oscillation.SheetWidthMm > 0 && c.Mechanics.ArmRadiusMm <= 0 {
		return fmt.Errorf("mechanics.arm_radius_mm is required when oscillation.sheet_width_mm is set")
	}
	if c.Oscillation.TickMs <= 0 {
		c.Oscillation.TickMs = 1
	}
	if c.Oscillation.QueueCapacity <= 0 {
		c.Oscillation.QueueCapacity = 10
	}

	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	return nil
}

// Tick returns the pause between two oscillation loop iterations.
func (c *Config) Tick() time.Duration {
	return time.Duration(c.Oscillation.TickMs) * time.Millisecond
}

// MinPulseWidth returns the STEP pulse high time.
func (c *Config) MinPulseWidth() time.Duration {
	return time.Duration(c.Motion.MinPulseWidthUs) * time.Microsecond
}

// MicrostepsPerRev returns the number of microsteps in one motor revolution.
func (c *Config) MicrostepsPerRev() int {
	return c.Stepper.StepsPerRev * c.Driver.Microsteps
}

// SheetWidthFromMm reports whether the sheet width is given as a length.
func (c *Config) SheetWidthFromMm() bool {
	return c.Oscillation.SheetWidthMm > 0
}
