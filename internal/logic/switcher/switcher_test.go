package switcher

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/switcher/internal/hw/gpio"
	"github.com/cjeanneret/switcher/internal/hw/servo"
	"github.com/cjeanneret/switcher/internal/hw/stepper"
)

var (
	leftPins  = stepper.PinSet{17, 18, 27, 22}
	rightPins = stepper.PinSet{5, 6, 13, 19}
)

func newSequencer(t *testing.T, drv gpio.Driver, pins stepper.PinSet, dir int) *stepper.Sequencer {
	t.Helper()
	s, err := stepper.NewSequencer(drv, stepper.Config{
		Pins:               pins,
		PrincipalDirection: dir,
		StepsPerDegree:     2,
		StepDelay:          time.Microsecond,
		SettleDelay:        time.Microsecond,
	})
	require.NoError(t, err)
	return s
}

func newServo(t *testing.T, drv gpio.Driver) *servo.Actuator {
	t.Helper()
	a, err := servo.NewActuator(drv, servo.Config{
		Pin:   12,
		CW:    2000 * time.Microsecond,
		Stop:  1500 * time.Microsecond,
		CCW:   1000 * time.Microsecond,
		Delay: time.Microsecond,
	})
	require.NoError(t, err)
	return a
}

func newTestController(t *testing.T, withServo bool) (*Controller, *gpio.FakeDriver) {
	t.Helper()
	drv := gpio.NewFakeDriver()
	motors := []Named{
		{Name: "left", Motor: newSequencer(t, drv, leftPins, 1)},
		{Name: "right", Motor: newSequencer(t, drv, rightPins, -1)},
	}
	var fb Fallback
	if withServo {
		fb = newServo(t, drv)
	}
	c, err := NewController(motors, fb)
	require.NoError(t, err)
	drv.Reset()
	return c, drv
}

func phaseWrites(drv *gpio.FakeDriver, pins stepper.PinSet) int {
	n := 0
	for _, c := range drv.Filter(gpio.OpWrite) {
		if c.Pin == pins[0] {
			n++
		}
	}
	return n
}

func TestNewController_Rejects(t *testing.T) {
	drv := gpio.NewFakeDriver()
	a := newSequencer(t, drv, stepper.PinSet{1, 2, 3, 4}, 1)
	b := newSequencer(t, drv, stepper.PinSet{5, 6, 7, 8}, 1)
	overlap := newSequencer(t, drv, stepper.PinSet{9, 10, 11, 4}, 1)
	same := newSequencer(t, drv, stepper.PinSet{1, 2, 3, 4}, -1)

	cases := []struct {
		name   string
		motors []Named
	}{
		{"duplicate_name", []Named{{"a", a}, {"a", b}}},
		{"shared_pin", []Named{{"a", a}, {"o", overlap}}},
		{"same_pins", []Named{{"a", a}, {"s", same}}},
		{"empty_name", []Named{{"", a}}},
		{"nil_motor", []Named{{"a", nil}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewController(tc.motors, nil)
			assert.Error(t, err)
		})
	}

	_, err := NewController([]Named{{"a", a}, {"b", b}}, nil)
	assert.NoError(t, err)
}

func TestRotate_AllConnected(t *testing.T) {
	c, drv := newTestController(t, true)

	res, err := c.Rotate(10)
	require.NoError(t, err)

	assert.Equal(t, []string{"left", "right"}, res.Moved)
	assert.Empty(t, res.Skipped)
	assert.False(t, res.Fallback)
	// 20 steps each, plus the release write
	assert.Equal(t, 21, phaseWrites(drv, leftPins))
	assert.Equal(t, 21, phaseWrites(drv, rightPins))
	assert.Zero(t, drv.Count(gpio.OpPulse), "servo must stay idle")
}

func TestRotate_SkipsDisconnected(t *testing.T) {
	c, drv := newTestController(t, true)
	drv.Levels[rightPins[2]] = gpio.High

	res, err := c.Rotate(10)
	require.NoError(t, err)

	assert.Equal(t, []string{"left"}, res.Moved)
	assert.Equal(t, []string{"right"}, res.Skipped)
	assert.False(t, res.Fallback)
	assert.Zero(t, phaseWrites(drv, rightPins))
	for _, pin := range rightPins {
		m, _ := drv.Mode(pin)
		assert.Equal(t, gpio.Output, m, "pin %d must be restored to output", pin)
	}
}

func TestRotate_FallsBackToServo(t *testing.T) {
	cases := []struct {
		name    string
		degrees float64
		width   time.Duration
	}{
		{"positive", 45, 2000 * time.Microsecond},
		{"negative", -45, 1000 * time.Microsecond},
		{"zero", 0, 1500 * time.Microsecond},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, drv := newTestController(t, true)
			drv.Levels[leftPins[0]] = gpio.High
			drv.Levels[rightPins[0]] = gpio.High

			res, err := c.Rotate(tc.degrees)
			require.NoError(t, err)

			assert.True(t, res.Fallback)
			assert.Empty(t, res.Moved)
			assert.Equal(t, []string{"left", "right"}, res.Skipped)
			pulses := drv.Filter(gpio.OpPulse)
			require.Len(t, pulses, 2)
			assert.Equal(t, tc.width, pulses[0].Width)
			assert.Equal(t, 1500*time.Microsecond, pulses[1].Width)
		})
	}
}

func TestRotate_NoActuator(t *testing.T) {
	c, drv := newTestController(t, false)
	drv.Levels[leftPins[0]] = gpio.High
	drv.Levels[rightPins[0]] = gpio.High

	_, err := c.Rotate(10)
	assert.ErrorIs(t, err, ErrNoActuator)
}

func TestRotate_ReadErrorCountsAsDisconnected(t *testing.T) {
	c, drv := newTestController(t, false)
	drv.Errors[leftPins[1]] = errors.New("gpio busy")

	res, err := c.Rotate(5)
	require.NoError(t, err)
	assert.Equal(t, []string{"left"}, res.Skipped)
	assert.Equal(t, []string{"right"}, res.Moved)
}

type failingMotor struct {
	pins stepper.PinSet
	err  error
}

func (f *failingMotor) Rotate(float64) error       { return f.err }
func (f *failingMotor) IsConnected() (bool, error) { return true, nil }
func (f *failingMotor) PrincipalDirection() int    { return 1 }
func (f *failingMotor) Pins() stepper.PinSet       { return f.pins }
func (f *failingMotor) Deenergize() error          { return nil }

func TestRotate_MotorErrorDoesNotTriggerFallback(t *testing.T) {
	drv := gpio.NewFakeDriver()
	boom := errors.New("boom")
	c, err := NewController([]Named{{"bad", &failingMotor{pins: leftPins, err: boom}}}, newServo(t, drv))
	require.NoError(t, err)
	drv.Reset()

	res, err := c.Rotate(10)
	assert.ErrorIs(t, err, boom)
	assert.False(t, res.Fallback)
	assert.Zero(t, drv.Count(gpio.OpPulse))
}

func TestManualSwitch(t *testing.T) {
	c, drv := newTestController(t, true)

	require.NoError(t, c.ManualSwitch(-1))
	pulses := drv.Filter(gpio.OpPulse)
	require.Len(t, pulses, 2)
	assert.Equal(t, 1000*time.Microsecond, pulses[0].Width)
	assert.Equal(t, 1500*time.Microsecond, pulses[1].Width)
	assert.True(t, c.HasServo())
}

func TestManualSwitch_NoServo(t *testing.T) {
	c, _ := newTestController(t, false)
	assert.ErrorIs(t, c.ManualSwitch(1), ErrNoServo)
	assert.False(t, c.HasServo())
}

func TestStatus(t *testing.T) {
	c, drv := newTestController(t, false)
	drv.Levels[rightPins[3]] = gpio.High

	st := c.Status()
	require.Len(t, st, 2)
	assert.Equal(t, MotorStatus{Name: "left", Pins: leftPins, PrincipalDirection: 1, Connected: true}, st[0])
	assert.Equal(t, MotorStatus{Name: "right", Pins: rightPins, PrincipalDirection: -1, Connected: false}, st[1])
}

func TestMotorLookup(t *testing.T) {
	c, _ := newTestController(t, false)
	m, ok := c.Motor("right")
	require.True(t, ok)
	assert.Equal(t, rightPins, m.Pins())
	_, ok = c.Motor("middle")
	assert.False(t, ok)
}

func TestRelease(t *testing.T) {
	c, drv := newTestController(t, false)
	require.NoError(t, c.Release())
	assert.Equal(t, 8, drv.Count(gpio.OpWrite))
	for _, pin := range append(leftPins[:], rightPins[:]...) {
		assert.Equal(t, gpio.Low, drv.Output(pin))
	}
}

// blockingMotor holds Rotate until release is closed.
type blockingMotor struct {
	pins    stepper.PinSet
	started chan struct{}
	release chan struct{}
}

func (b *blockingMotor) Rotate(float64) error {
	close(b.started)
	<-b.release
	return nil
}
func (b *blockingMotor) IsConnected() (bool, error) { return true, nil }
func (b *blockingMotor) PrincipalDirection() int    { return 1 }
func (b *blockingMotor) Pins() stepper.PinSet       { return b.pins }
func (b *blockingMotor) Deenergize() error          { return nil }

func TestTryMethods_BusyWhileRotating(t *testing.T) {
	drv := gpio.NewFakeDriver()
	m := &blockingMotor{pins: leftPins, started: make(chan struct{}), release: make(chan struct{})}
	c, err := NewController([]Named{{"left", m}}, newServo(t, drv))
	require.NoError(t, err)
	drv.Reset()

	done := make(chan error, 1)
	go func() {
		_, err := c.Rotate(90)
		done <- err
	}()
	<-m.started

	_, err = c.TryRotate(10)
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, c.TryManualSwitch(1), ErrBusy)
	st, err := c.TryStatus()
	assert.ErrorIs(t, err, ErrBusy)
	assert.Nil(t, st)
	assert.Zero(t, drv.Count(gpio.OpPulse), "servo must not move while busy")

	close(m.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("rotation did not finish")
	}

	st, err = c.TryStatus()
	require.NoError(t, err)
	require.Len(t, st, 1)
	assert.True(t, st[0].Connected)
	require.NoError(t, c.TryManualSwitch(1))
}

func TestTryRotate_Idle(t *testing.T) {
	c, drv := newTestController(t, false)

	res, err := c.TryRotate(5)
	require.NoError(t, err)
	assert.Equal(t, []string{"left", "right"}, res.Moved)
	assert.Equal(t, 11, phaseWrites(drv, leftPins))
}
