package gpio

import (
	"sync"
	"time"
)

// Op names recorded by FakeDriver.
const (
	OpSetup = "setup"
	OpWrite = "write"
	OpRead  = "read"
	OpPulse = "pulse"
	OpDelay = "delay"
)

// Call is one primitive recorded by FakeDriver.
type Call struct {
	Op    string
	Pin   int
	Mode  PinMode
	Level Level
	Width time.Duration
	Delay time.Duration
}

// FakeDriver is an in-memory Driver for tests. It records every primitive,
// tracks pin modes and output levels, and answers reads from Levels.
// Delay never sleeps.
type FakeDriver struct {
	mu sync.Mutex

	Calls []Call
	// Levels holds what ReadPin returns per pin; unset pins read Low.
	Levels map[int]Level
	// Errors makes any primitive touching the pin fail.
	Errors map[int]error

	modes   map[int]PinMode
	outputs map[int]Level
	closed  bool
}

// NewFakeDriver returns an empty FakeDriver.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		Levels:  make(map[int]Level),
		Errors:  make(map[int]error),
		modes:   make(map[int]PinMode),
		outputs: make(map[int]Level),
	}
}

func (f *FakeDriver) SetupPin(pin int, mode PinMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, Call{Op: OpSetup, Pin: pin, Mode: mode})
	if err := f.Errors[pin]; err != nil {
		return err
	}
	f.modes[pin] = mode
	return nil
}

func (f *FakeDriver) WritePin(pin int, level Level) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, Call{Op: OpWrite, Pin: pin, Level: level})
	if err := f.Errors[pin]; err != nil {
		return err
	}
	f.outputs[pin] = level
	return nil
}

func (f *FakeDriver) ReadPin(pin int) (Level, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, Call{Op: OpRead, Pin: pin})
	if err := f.Errors[pin]; err != nil {
		return Low, err
	}
	return f.Levels[pin], nil
}

func (f *FakeDriver) WritePulse(pin int, width time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, Call{Op: OpPulse, Pin: pin, Width: width})
	return f.Errors[pin]
}

func (f *FakeDriver) Delay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, Call{Op: OpDelay, Delay: d})
}

func (f *FakeDriver) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Reset forgets recorded calls, keeping pin state.
func (f *FakeDriver) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = nil
}

// Mode returns the last mode set on pin and whether it was ever set.
func (f *FakeDriver) Mode(pin int) (PinMode, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.modes[pin]
	return m, ok
}

// Output returns the last level written to pin.
func (f *FakeDriver) Output(pin int) Level {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outputs[pin]
}

// Closed reports whether Close was called.
func (f *FakeDriver) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Filter returns the recorded calls with the given op.
func (f *FakeDriver) Filter(op string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []Call
	for _, c := range f.Calls {
		if c.Op == op {
			result = append(result, c)
		}
	}
	return result
}

// Count returns how many calls with the given op were recorded.
func (f *FakeDriver) Count(op string) int {
	return len(f.Filter(op))
}
