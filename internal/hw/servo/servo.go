package servo

import (
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/switcher/internal/debug"
	"github.com/cjeanneret/switcher/internal/hw/gpio"
)

const defaultSettleDelay = 250 * time.Millisecond

// ErrPulseOrder is returned when the stop width is not strictly between the
// clockwise and counter-clockwise widths.
var ErrPulseOrder = errors.New("servo stop pulse must lie strictly between cw and ccw pulses")

// Config holds the calibration of a continuous-rotation servo.
type Config struct {
	Pin         int
	CW          time.Duration // pulse width turning clockwise, e.g. 2000µs
	Stop        time.Duration // neutral pulse width, e.g. 1500µs
	CCW         time.Duration // pulse width turning counter-clockwise, e.g. 1000µs
	Delay       time.Duration // wait before and hold time of a switch
	SettleDelay time.Duration // wait after attaching in Init. 0 = 250ms.
}

// Validate checks the pulse ordering.
func (c Config) Validate() error {
	lo, hi := c.CW, c.CCW
	if lo > hi {
		lo, hi = hi, lo
	}
	if !(lo < c.Stop && c.Stop < hi) {
		return fmt.Errorf("%w (cw=%v stop=%v ccw=%v)", ErrPulseOrder, c.CW, c.Stop, c.CCW)
	}
	return nil
}

// Actuator drives a continuous-rotation servo used as the switch fallback.
// A switch is a fixed-duration pulse followed by a return to neutral; there
// is no position feedback.
//
// Sequence of Switch(direction):
// 1. Wait Delay
// 2. Write the direction's pulse width
// 3. Hold for Delay
// 4. Write the stop width
type Actuator struct {
	gpio gpio.Driver
	cfg  Config
}

// NewActuator validates cfg. The PWM channel is attached by Init.
func NewActuator(g gpio.Driver, cfg Config) (*Actuator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	return &Actuator{gpio: g, cfg: cfg}, nil
}

// Init attaches the PWM channel, lets the servo settle and commands neutral.
func (a *Actuator) Init() error {
	if err := a.gpio.SetupPin(a.cfg.Pin, gpio.PWM); err != nil {
		return fmt.Errorf("attach servo on pin %d: %w", a.cfg.Pin, err)
	}
	a.gpio.Delay(a.cfg.SettleDelay)
	if err := a.gpio.WritePulse(a.cfg.Pin, a.cfg.Stop); err != nil {
		return fmt.Errorf("servo neutral: %w", err)
	}
	debug.Info("Initialized switch servo on pin %d", a.cfg.Pin)
	return nil
}

// Width returns the pulse width for a direction: CW for 1, CCW for -1 and
// Stop for anything else.
func (a *Actuator) Width(direction int) time.Duration {
	switch direction {
	case 1:
		return a.cfg.CW
	case -1:
		return a.cfg.CCW
	default:
		return a.cfg.Stop
	}
}

// Switch pulses the servo in direction for Delay, then returns to neutral.
func (a *Actuator) Switch(direction int) error {
	width := a.Width(direction)
	debug.Switch(direction, int(width/time.Microsecond))

	a.gpio.Delay(a.cfg.Delay)
	if err := a.gpio.WritePulse(a.cfg.Pin, width); err != nil {
		return fmt.Errorf("servo pulse %v: %w", width, err)
	}

	a.gpio.Delay(a.cfg.Delay)
	if err := a.gpio.WritePulse(a.cfg.Pin, a.cfg.Stop); err != nil {
		return fmt.Errorf("servo neutral: %w", err)
	}
	return nil
}

// Pin returns the PWM pin.
func (a *Actuator) Pin() int {
	return a.cfg.Pin
}
