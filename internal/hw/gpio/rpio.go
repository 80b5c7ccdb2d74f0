package gpio

import (
	"fmt"
	"time"

	"github.com/cjeanneret/switcher/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
)

const (
	// PWM clock of 1MHz gives one tick per microsecond; a 20000 tick cycle
	// is the 50Hz frame hobby servos expect.
	pwmClockHz    = 1000000
	pwmCycleTicks = 20000
)

// RPiDriver is the real implementation for Raspberry Pi using go-rpio.
type RPiDriver struct {
	pins  map[int]rpio.Pin
	modes map[int]PinMode
}

// NewRPiRealDriver creates a real GPIO driver for Raspberry Pi.
// Requires running on a Raspberry Pi with access to /dev/gpiomem or as root.
// PWM needs /dev/mem, i.e. root.
func NewRPiRealDriver() (*RPiDriver, error) {
	debug.Info("Initializing real GPIO driver (go-rpio)")

	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed to open GPIO: %w (are you running on a Raspberry Pi?)", err)
	}

	debug.Verbose("GPIO memory mapped successfully")

	return &RPiDriver{
		pins:  make(map[int]rpio.Pin),
		modes: make(map[int]PinMode),
	}, nil
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)

	p := rpio.Pin(pin)
	switch mode {
	case Input:
		p.Input()
	case Output:
		p.Output()
	case PWM:
		p.Pwm()
		p.Freq(pwmClockHz)
		p.DutyCycle(0, pwmCycleTicks)
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}

	r.pins[pin] = p
	r.modes[pin] = mode
	return nil
}

func (r *RPiDriver) pin(pin int, mode PinMode) (rpio.Pin, error) {
	p, ok := r.pins[pin]
	if !ok {
		// Pin not setup yet
		if err := r.SetupPin(pin, mode); err != nil {
			return 0, err
		}
		p = r.pins[pin]
	}
	return p, nil
}

func (r *RPiDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)

	p, err := r.pin(pin, Output)
	if err != nil {
		return err
	}

	if level == High {
		p.High()
	} else {
		p.Low()
	}

	return nil
}

func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)

	p, err := r.pin(pin, Input)
	if err != nil {
		return Low, err
	}

	if p.Read() == rpio.High {
		return High, nil
	}
	return Low, nil
}

func (r *RPiDriver) WritePulse(pin int, width time.Duration) error {
	debug.GPIO("WritePulse", pin, width)

	if width < 0 || width > pwmCycleTicks*time.Microsecond {
		return fmt.Errorf("pulse width %v out of range for pin %d", width, pin)
	}
	p, err := r.pin(pin, PWM)
	if err != nil {
		return err
	}
	if r.modes[pin] != PWM {
		return fmt.Errorf("pin %d is not configured for PWM", pin)
	}

	p.DutyCycle(uint32(width/time.Microsecond), pwmCycleTicks)
	return nil
}

func (r *RPiDriver) Delay(d time.Duration) {
	time.Sleep(d)
}

func (r *RPiDriver) Close() error {
	debug.Trace("GPIO Close (real driver)")

	// Reset all pins to input (safe state)
	for pin, p := range r.pins {
		debug.Verbose("Resetting pin %d to input", pin)
		if r.modes[pin] == PWM {
			p.DutyCycle(0, pwmCycleTicks)
		}
		p.Input()
	}

	return rpio.Close()
}
