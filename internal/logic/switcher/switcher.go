package switcher

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cjeanneret/switcher/internal/debug"
	"github.com/cjeanneret/switcher/internal/hw/stepper"
)

var (
	ErrNoServo    = errors.New("no servo configured")
	ErrNoActuator = errors.New("no connected stepper and no servo fallback")
	ErrBusy       = errors.New("switch already in progress")
)

// Motor is a stepper the controller can rotate and probe.
// *stepper.Sequencer implements it.
type Motor interface {
	Rotate(degrees float64) error
	IsConnected() (bool, error)
	PrincipalDirection() int
	Pins() stepper.PinSet
	Deenergize() error
}

// Fallback is the servo used when no stepper answers.
// *servo.Actuator implements it.
type Fallback interface {
	Switch(direction int) error
}

// Named pairs a motor with the name used in config and commands.
type Named struct {
	Name  string
	Motor Motor
}

// Result tells which actuators a rotation request used.
type Result struct {
	Moved    []string // steppers that rotated
	Skipped  []string // steppers found disconnected
	Fallback bool     // servo was used instead
}

// MotorStatus is the connectivity report of one stepper.
type MotorStatus struct {
	Name               string         `json:"name"`
	Pins               stepper.PinSet `json:"pins"`
	PrincipalDirection int            `json:"principal_direction"`
	Connected          bool           `json:"connected"`
	Error              string         `json:"error,omitempty"`
}

// Controller drives the redundant switch mechanism: every connected stepper
// turns for a rotation request, and the servo takes over when none is
// connected. One request runs at a time: the plain methods wait their turn,
// the Try variants return ErrBusy instead.
type Controller struct {
	mu     sync.Mutex
	motors []Named
	servo  Fallback
}

// NewController checks that motor names are unique and that no two motors
// share a pin. servo may be nil.
func NewController(motors []Named, servo Fallback) (*Controller, error) {
	for i, a := range motors {
		if a.Name == "" || a.Motor == nil {
			return nil, fmt.Errorf("motor %d: name and motor are required", i)
		}
		for _, b := range motors[:i] {
			if a.Name == b.Name {
				return nil, fmt.Errorf("duplicate motor name %q", a.Name)
			}
			if a.Motor.Pins().Overlaps(b.Motor.Pins()) {
				return nil, fmt.Errorf("motors %s and %s share a pin (%v / %v)", b.Name, a.Name, b.Motor.Pins(), a.Motor.Pins())
			}
		}
	}
	return &Controller{
		motors: motors,
		servo:  servo,
	}, nil
}

// Motor returns the motor registered under name.
func (c *Controller) Motor(name string) (Motor, bool) {
	for _, m := range c.motors {
		if m.Name == name {
			return m.Motor, true
		}
	}
	return nil, false
}

// HasServo reports whether a fallback servo is configured.
func (c *Controller) HasServo() bool {
	return c.servo != nil
}

// Rotate turns every connected stepper by degrees, one after the other.
// When none is connected the servo switches in the sign of degrees.
func (c *Controller) Rotate(degrees float64) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rotate(degrees)
}

// TryRotate is Rotate, failing with ErrBusy if another request is running.
func (c *Controller) TryRotate(degrees float64) (Result, error) {
	if !c.mu.TryLock() {
		return Result{}, ErrBusy
	}
	defer c.mu.Unlock()
	return c.rotate(degrees)
}

func (c *Controller) rotate(degrees float64) (Result, error) {
	var res Result
	var errs []error
	for _, m := range c.motors {
		ok, err := m.Motor.IsConnected()
		if err != nil {
			debug.Error(fmt.Errorf("check %s: %w", m.Name, err))
		}
		if !ok {
			debug.Live("Stepper %s not connected, skipping", m.Name)
			res.Skipped = append(res.Skipped, m.Name)
			continue
		}
		if err := m.Motor.Rotate(degrees); err != nil {
			errs = append(errs, fmt.Errorf("rotate %s: %w", m.Name, err))
			continue
		}
		res.Moved = append(res.Moved, m.Name)
	}

	if len(res.Moved) == 0 && len(errs) == 0 {
		if c.servo == nil {
			return res, ErrNoActuator
		}
		debug.Info("No stepper connected, falling back to servo")
		res.Fallback = true
		if err := c.servo.Switch(sign(degrees)); err != nil {
			errs = append(errs, fmt.Errorf("servo fallback: %w", err))
		}
	}
	return res, errors.Join(errs...)
}

// ManualSwitch drives the servo in direction (1, 0 or -1; anything else
// stops).
func (c *Controller) ManualSwitch(direction int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.manualSwitch(direction)
}

// TryManualSwitch is ManualSwitch, failing with ErrBusy if another request
// is running.
func (c *Controller) TryManualSwitch(direction int) error {
	if !c.mu.TryLock() {
		return ErrBusy
	}
	defer c.mu.Unlock()
	return c.manualSwitch(direction)
}

func (c *Controller) manualSwitch(direction int) error {
	if c.servo == nil {
		return ErrNoServo
	}
	return c.servo.Switch(direction)
}

// Status probes the connectivity of every stepper.
func (c *Controller) Status() []MotorStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status()
}

// TryStatus is Status, failing with ErrBusy rather than reading the
// connectivity pins while a rotation drives them.
func (c *Controller) TryStatus() ([]MotorStatus, error) {
	if !c.mu.TryLock() {
		return nil, ErrBusy
	}
	defer c.mu.Unlock()
	return c.status(), nil
}

func (c *Controller) status() []MotorStatus {
	out := make([]MotorStatus, 0, len(c.motors))
	for _, m := range c.motors {
		ok, err := m.Motor.IsConnected()
		st := MotorStatus{
			Name:               m.Name,
			Pins:               m.Motor.Pins(),
			PrincipalDirection: m.Motor.PrincipalDirection(),
			Connected:          ok,
		}
		if err != nil {
			st.Error = err.Error()
		}
		debug.Connectivity(m.Name, ok)
		out = append(out, st)
	}
	return out
}

// Release de-energizes every stepper.
func (c *Controller) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, m := range c.motors {
		if err := m.Motor.Deenergize(); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", m.Name, err))
		}
	}
	return errors.Join(errs...)
}

func sign(f float64) int {
	switch {
	case f > 0:
		return 1
	case f < 0:
		return -1
	default:
		return 0
	}
}
