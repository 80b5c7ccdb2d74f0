package stepper

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cjeanneret/switcher/internal/debug"
	"github.com/cjeanneret/switcher/internal/hw/gpio"
)

const (
	defaultStepDelay   = 1 * time.Millisecond
	defaultSettleDelay = 10 * time.Millisecond
)

var (
	ErrDuplicatePin   = errors.New("stepper pins must be distinct")
	ErrDirection      = errors.New("principal direction must be +1 or -1")
	ErrStepsPerDegree = errors.New("steps per degree must be a finite value > 0")
	ErrTooManySteps   = errors.New("rotation exceeds the step limit")
)

// MaxSteps bounds the step count of a single rotation.
const MaxSteps = math.MaxInt32

// phaseTable is the half-step energization sequence of a unipolar stepper.
// Rows are sequence steps, columns are the four coils in PinSet order.
var phaseTable = [8][4]gpio.Level{
	{gpio.Low, gpio.Low, gpio.Low, gpio.High},
	{gpio.Low, gpio.Low, gpio.High, gpio.High},
	{gpio.Low, gpio.Low, gpio.High, gpio.Low},
	{gpio.Low, gpio.High, gpio.High, gpio.Low},
	{gpio.Low, gpio.High, gpio.Low, gpio.Low},
	{gpio.High, gpio.High, gpio.Low, gpio.Low},
	{gpio.High, gpio.Low, gpio.Low, gpio.Low},
	{gpio.High, gpio.Low, gpio.Low, gpio.High},
}

// PhaseCount is the number of rows in the phase table.
const PhaseCount = len(phaseTable)

// Phase returns a copy of the coil levels for a phase table row. Rows wrap
// modulo PhaseCount, so -1 is row 7.
func Phase(row int) [4]gpio.Level {
	r := row % PhaseCount
	if r < 0 {
		r += PhaseCount
	}
	return phaseTable[r]
}

// PinSet lists the four coil pins (BCM numbers). Order matters: column i of
// the phase table drives PinSet[i].
type PinSet [4]int

// Validate checks that the four pins are pairwise distinct.
func (p PinSet) Validate() error {
	for i := 0; i < len(p); i++ {
		for j := i + 1; j < len(p); j++ {
			if p[i] == p[j] {
				return fmt.Errorf("%w: pin %d used twice", ErrDuplicatePin, p[i])
			}
		}
	}
	return nil
}

// Overlaps reports whether the two sets share at least one pin.
func (p PinSet) Overlaps(o PinSet) bool {
	for _, a := range p {
		for _, b := range o {
			if a == b {
				return true
			}
		}
	}
	return false
}

// Config holds the wiring and calibration of one unipolar stepper.
type Config struct {
	Pins PinSet
	// PrincipalDirection flips the rotation sign for motors mounted facing
	// each other, so a shared command turns both the same physical way.
	PrincipalDirection int
	StepsPerDegree     float64       // mechanical step angle and gear ratio
	StepDelay          time.Duration // wait before each phase write. 0 = 1ms.
	SettleDelay        time.Duration // wait before each read in IsConnected. 0 = 10ms.
}

// Sequencer drives a unipolar stepper (e.g. 28BYJ-48 on a ULN2003 board)
// through the half-step phase table. Motion is open loop and constant rate;
// every call blocks until the motor is de-energized again.
type Sequencer struct {
	gpio        gpio.Driver
	pins        PinSet
	direction   int
	stepsPerDeg float64
	stepDelay   time.Duration
	settleDelay time.Duration
}

// NewSequencer validates cfg and configures the four pins as outputs.
func NewSequencer(g gpio.Driver, cfg Config) (*Sequencer, error) {
	if err := cfg.Pins.Validate(); err != nil {
		return nil, err
	}
	if cfg.PrincipalDirection != 1 && cfg.PrincipalDirection != -1 {
		return nil, fmt.Errorf("%w, got %d", ErrDirection, cfg.PrincipalDirection)
	}
	if !(cfg.StepsPerDegree > 0) || math.IsInf(cfg.StepsPerDegree, 0) {
		return nil, fmt.Errorf("%w, got %g", ErrStepsPerDegree, cfg.StepsPerDegree)
	}

	s := &Sequencer{
		gpio:        g,
		pins:        cfg.Pins,
		direction:   cfg.PrincipalDirection,
		stepsPerDeg: cfg.StepsPerDegree,
		stepDelay:   cfg.StepDelay,
		settleDelay: cfg.SettleDelay,
	}
	if s.stepDelay <= 0 {
		s.stepDelay = defaultStepDelay
	}
	if s.settleDelay <= 0 {
		s.settleDelay = defaultSettleDelay
	}

	if err := s.setMode(gpio.Output); err != nil {
		return nil, fmt.Errorf("configure stepper pins %v: %w", cfg.Pins, err)
	}
	return s, nil
}

// Init puts the coil pins back in output mode and releases the coils. Call it
// once the wiring is stable, before the first Rotate.
func (s *Sequencer) Init() error {
	if err := s.setMode(gpio.Output); err != nil {
		return fmt.Errorf("configure stepper pins %v: %w", s.pins, err)
	}
	return s.Deenergize()
}

// Pins returns the coil pins.
func (s *Sequencer) Pins() PinSet {
	return s.pins
}

// PrincipalDirection returns the +1/-1 correction applied by Rotate.
func (s *Sequencer) PrincipalDirection() int {
	return s.direction
}

// StepsPerDegree returns the degree to step conversion factor.
func (s *Sequencer) StepsPerDegree() float64 {
	return s.stepsPerDeg
}

// Equal reports whether o drives the same four pins in the same order.
func (s *Sequencer) Equal(o *Sequencer) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.pins == o.pins
}

// Steps converts degrees to a step count, truncating toward zero and
// clamping to ±MaxSteps. Non-finite input yields 0.
func (s *Sequencer) Steps(degrees float64) int {
	if math.IsNaN(degrees) || math.IsInf(degrees, 0) {
		return 0
	}
	v := math.Trunc(degrees * s.stepsPerDeg)
	switch {
	case v > MaxSteps:
		return MaxSteps
	case v < -MaxSteps:
		return -MaxSteps
	}
	return int(v)
}

// Rotate turns the motor by degrees, corrected by the principal direction.
// A request beyond MaxSteps is refused without touching the coils.
func (s *Sequencer) Rotate(degrees float64) error {
	effective := degrees * float64(s.direction)
	if !math.IsNaN(effective) && !math.IsInf(effective, 0) {
		if v := math.Abs(effective * s.stepsPerDeg); v > MaxSteps {
			return fmt.Errorf("%w: %g° is %g steps, limit %d", ErrTooManySteps, effective, v, MaxSteps)
		}
	}
	steps := s.Steps(effective)
	debug.Move(s.pins.String(), effective, steps)
	return s.Step(steps)
}

// Step walks |steps| rows of the phase table, forward for positive counts and
// backward for negative ones, then de-energizes the coils. Zero steps only
// de-energizes.
func (s *Sequencer) Step(steps int) error {
	dir := sign(steps)
	n := steps * dir

	var err error
	for p := 0; p < n; p++ {
		s.gpio.Delay(s.stepDelay)
		row := phaseRow(dir, p)
		if err = s.writeRow(row); err != nil {
			err = fmt.Errorf("step %d/%d (row %d): %w", p+1, n, row, err)
			break
		}
	}
	if n > 0 && debug.IsEnabled(debug.LevelVerbose) {
		debug.Verbose("Stepper %v: %d steps done, last row %d", s.pins, n, phaseRow(dir, n-1))
	}

	if rerr := s.Deenergize(); err == nil {
		err = rerr
	}
	return err
}

// Deenergize drives all four coils LOW.
func (s *Sequencer) Deenergize() error {
	var errs []error
	for _, pin := range s.pins {
		if err := s.gpio.WritePin(pin, gpio.Low); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsConnected switches the coil pins to inputs and checks that none floats
// high. It stops at the first non-LOW pin. The pins are back in output mode
// when it returns, whatever the outcome.
func (s *Sequencer) IsConnected() (connected bool, err error) {
	defer func() {
		if rerr := s.setMode(gpio.Output); rerr != nil {
			connected = false
			if err == nil {
				err = fmt.Errorf("restore output mode: %w", rerr)
			}
		}
	}()

	if err := s.setMode(gpio.Input); err != nil {
		return false, fmt.Errorf("switch to input mode: %w", err)
	}

	for _, pin := range s.pins {
		s.gpio.Delay(s.settleDelay)
		level, err := s.gpio.ReadPin(pin)
		if err != nil {
			return false, fmt.Errorf("read pin %d: %w", pin, err)
		}
		if level != gpio.Low {
			debug.Verbose("Stepper %v: pin %d reads %v, not connected", s.pins, pin, level)
			return false, nil
		}
	}
	return true, nil
}

func (s *Sequencer) writeRow(row int) error {
	levels := phaseTable[row]
	for i, pin := range s.pins {
		if err := s.gpio.WritePin(pin, levels[i]); err != nil {
			return err
		}
	}
	return nil
}

// setMode configures every pin, even if one fails.
func (s *Sequencer) setMode(mode gpio.PinMode) error {
	var errs []error
	for _, pin := range s.pins {
		if err := s.gpio.SetupPin(pin, mode); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p PinSet) String() string {
	return fmt.Sprintf("%d/%d/%d/%d", p[0], p[1], p[2], p[3])
}

// phaseRow returns the table row for step p: 0,1,..,7,0,.. going forward and
// 7,6,..,0,7,.. going backward.
func phaseRow(dir, p int) int {
	r := p % PhaseCount
	if dir < 0 {
		return PhaseCount - 1 - r
	}
	return r
}

func sign(n int) int {
	switch {
	case n > 0:
		return 1
	case n < 0:
		return -1
	default:
		return 0
	}
}
