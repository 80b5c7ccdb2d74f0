package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StepperConfig holds the wiring and calibration of one unipolar stepper.
type StepperConfig struct {
	Name               string  `yaml:"name"`
	Pins               []int   `yaml:"pins,flow"`           // 4 BCM pins, coil order
	PrincipalDirection int     `yaml:"principal_direction"` // +1, or -1 for a mirrored motor
	StepsPerDegree     float64 `yaml:"steps_per_degree"`    // e.g. 4096/360 for a geared 28BYJ-48
}

// PWMPins are the BCM pins with a hardware PWM channel.
var PWMPins = []int{12, 13, 18, 19}

// ServoConfig describes the continuous-rotation fallback servo.
// Pulse widths are in microseconds.
type ServoConfig struct {
	Pin     int `yaml:"pin"`      // PWM-capable BCM pin (12, 13, 18 or 19)
	CWUs    int `yaml:"cw_us"`    // e.g. 2000
	StopUs  int `yaml:"stop_us"`  // e.g. 1500
	CCWUs   int `yaml:"ccw_us"`   // e.g. 1000
	DelayMs int `yaml:"delay_ms"` // wait before and hold time of a switch
}

// SerialConfig describes the host command link.
type SerialConfig struct {
	Device        string `yaml:"device"` // e.g. /dev/ttyACM0. Empty = no serial link.
	Baud          int    `yaml:"baud"`
	ReadTimeoutMs int    `yaml:"read_timeout_ms"` // 0 = blocking
}

// DefaultsConfig contains timing and runtime parameters.
type DefaultsConfig struct {
	StepDelayMs   int     `yaml:"step_delay_ms"`   // wait before each phase write
	SettleDelayMs int     `yaml:"settle_delay_ms"` // wait before each connectivity read
	ServoSettleMs int     `yaml:"servo_settle_ms"` // wait after attaching the servo
	SwitchDegrees float64 `yaml:"switch_degrees"`  // default rotation of a switch request
	DebugLevel    int     `yaml:"debug_level"`     // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO      bool    `yaml:"mock_gpio"`       // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Steppers []StepperConfig `yaml:"steppers"`
	Servo    *ServoConfig    `yaml:"servo,omitempty"` // optional fallback
	Serial   SerialConfig    `yaml:"serial"`
	Defaults DefaultsConfig  `yaml:"defaults"`
}

// MaxConfigFileBytes bounds the size of a config file.
const MaxConfigFileBytes = 64 * 1024

// Load reads a YAML file and returns the validated configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file %s is larger than %d bytes", path, MaxConfigFileBytes)
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration, filling defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	if len(cfg.Steppers) == 0 && cfg.Servo == nil {
		return nil, fmt.Errorf("at least one stepper or a servo is required")
	}

	names := make(map[string]bool)
	used := make(map[int]string)
	for i := range cfg.Steppers {
		st := &cfg.Steppers[i]
		if st.Name == "" {
			st.Name = fmt.Sprintf("stepper%d", i+1)
		}
		if names[st.Name] {
			return nil, fmt.Errorf("duplicate stepper name %q", st.Name)
		}
		names[st.Name] = true

		if len(st.Pins) != 4 {
			return nil, fmt.Errorf("stepper %s: exactly 4 pins required, got %d", st.Name, len(st.Pins))
		}
		for _, pin := range st.Pins {
			if pin < 0 {
				return nil, fmt.Errorf("stepper %s: invalid pin %d", st.Name, pin)
			}
			if owner, ok := used[pin]; ok {
				return nil, fmt.Errorf("stepper %s: pin %d already used by %s", st.Name, pin, owner)
			}
			used[pin] = st.Name
		}
		if st.PrincipalDirection == 0 {
			st.PrincipalDirection = 1
		}
		if st.PrincipalDirection != 1 && st.PrincipalDirection != -1 {
			return nil, fmt.Errorf("stepper %s: principal_direction must be 1 or -1, got %d", st.Name, st.PrincipalDirection)
		}
		if !(st.StepsPerDegree > 0) || math.IsInf(st.StepsPerDegree, 0) {
			return nil, fmt.Errorf("stepper %s: steps_per_degree must be > 0, got %g", st.Name, st.StepsPerDegree)
		}
	}

	if s := cfg.Servo; s != nil {
		if owner, ok := used[s.Pin]; ok {
			return nil, fmt.Errorf("servo: pin %d already used by %s", s.Pin, owner)
		}
		// The mock driver accepts any pin.
		if !cfg.Defaults.MockGPIO && !slices.Contains(PWMPins, s.Pin) {
			return nil, fmt.Errorf("servo: pin %d has no hardware PWM, use one of %v", s.Pin, PWMPins)
		}
		lo, hi := s.CWUs, s.CCWUs
		if lo > hi {
			lo, hi = hi, lo
		}
		if !(lo < s.StopUs && s.StopUs < hi) {
			return nil, fmt.Errorf("servo: stop_us (%d) must lie strictly between cw_us (%d) and ccw_us (%d)", s.StopUs, s.CWUs, s.CCWUs)
		}
		if s.DelayMs <= 0 {
			s.DelayMs = 500 // reasonable default
		}
	}

	if cfg.Serial.Device != "" && cfg.Serial.Baud <= 0 {
		cfg.Serial.Baud = 9600 // Arduino-style default
	}

	if cfg.Defaults.StepDelayMs <= 0 {
		cfg.Defaults.StepDelayMs = 1 // minimum step period of a 28BYJ-48
	}
	if cfg.Defaults.SettleDelayMs <= 0 {
		cfg.Defaults.SettleDelayMs = 10
	}
	if cfg.Defaults.ServoSettleMs <= 0 {
		cfg.Defaults.ServoSettleMs = 250
	}
	if cfg.Defaults.SwitchDegrees == 0 {
		cfg.Defaults.SwitchDegrees = 90
	}
	if cfg.Defaults.DebugLevel < 0 || cfg.Defaults.DebugLevel > 4 {
		return nil, fmt.Errorf("debug_level must be between 0 and 4, got %d", cfg.Defaults.DebugLevel)
	}

	return &cfg, nil
}

// ValidateConfigPath accepts only .yaml files under a configs/ directory,
// without path traversal.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if strings.Contains(filepath.ToSlash(path), "..") {
		return fmt.Errorf("config path %q must not contain '..'", path)
	}
	if filepath.Ext(path) != ".yaml" {
		return fmt.Errorf("config path %q must have .yaml extension", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config path %q must be inside configs/", path)
	}
	return nil
}

// StepDelay returns the wait before each phase write.
func (c *Config) StepDelay() time.Duration {
	return time.Duration(c.Defaults.StepDelayMs) * time.Millisecond
}

// SettleDelay returns the wait before each connectivity read.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Defaults.SettleDelayMs) * time.Millisecond
}

// ServoSettle returns the wait after attaching the servo.
func (c *Config) ServoSettle() time.Duration {
	return time.Duration(c.Defaults.ServoSettleMs) * time.Millisecond
}

// ServoDelay returns the servo switch delay, 0 without servo.
func (c *Config) ServoDelay() time.Duration {
	if c.Servo == nil {
		return 0
	}
	return time.Duration(c.Servo.DelayMs) * time.Millisecond
}

// SerialReadTimeout returns the serial read timeout (0 = blocking).
func (c *Config) SerialReadTimeout() time.Duration {
	return time.Duration(c.Serial.ReadTimeoutMs) * time.Millisecond
}

// Microseconds converts a pulse width from the YAML file.
func Microseconds(us int) time.Duration {
	return time.Duration(us) * time.Microsecond
}
