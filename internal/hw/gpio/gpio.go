package gpio

import (
	"time"

	"github.com/cjeanneret/switcher/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

func (l Level) String() string {
	if l {
		return "HIGH"
	}
	return "LOW"
}

// PinMode indicates how a GPIO is configured.
type PinMode int

const (
	Input PinMode = iota
	Output
	PWM
)

func (m PinMode) String() string {
	switch m {
	case Input:
		return "input"
	case Output:
		return "output"
	case PWM:
		return "pwm"
	default:
		return "unknown"
	}
}

// Driver is the set of platform primitives the actuators are written against:
// pin-mode configuration, digital write, digital read, PWM pulse width and a
// blocking delay. A real Raspberry Pi implementation and a mock for
// development on PC are provided.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	// WritePulse sets the high time of the PWM signal on pin (50Hz frame).
	WritePulse(pin int, width time.Duration) error
	// Delay blocks the caller for d.
	Delay(d time.Duration)
	Close() error
}

// MockDriver only logs actions. Reads always return Low, so every stepper
// looks connected.
type MockDriver struct{}

// NewDriver creates a GPIO driver based on the chosen mode.
// If mock is true, returns a MockDriver (for dev/test).
// If mock is false, returns a real RPiDriver (for Raspberry Pi).
func NewDriver(mock bool) (Driver, error) {
	if mock {
		debug.Info("Using MOCK GPIO driver (development mode)")
		return &MockDriver{}, nil
	}
	return NewRPiRealDriver()
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, Low)
	return Low, nil
}

func (m *MockDriver) WritePulse(pin int, width time.Duration) error {
	debug.GPIO("WritePulse", pin, width)
	return nil
}

func (m *MockDriver) Delay(d time.Duration) {
	time.Sleep(d)
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	return nil
}
