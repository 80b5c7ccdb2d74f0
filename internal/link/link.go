// Package link opens the serial line a host uses to send commands.
package link

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"

	"github.com/cjeanneret/switcher/internal/debug"
)

var ErrNoDevice = errors.New("no serial device configured")

// Config describes a serial port.
type Config struct {
	Device      string        // e.g. /dev/ttyACM0
	Baud        int           // e.g. 9600
	ReadTimeout time.Duration // 0 blocks until data arrives
}

// Port is an open command link.
type Port interface {
	io.ReadWriteCloser
}

// SerialPort wraps a tarm/serial port.
type SerialPort struct {
	port *serial.Port
	cfg  Config
}

// Validate checks that the config names a device and a usable baud rate.
func (c Config) Validate() error {
	if c.Device == "" {
		return ErrNoDevice
	}
	if c.Baud <= 0 {
		return fmt.Errorf("invalid baud rate %d", c.Baud)
	}
	if c.ReadTimeout < 0 {
		return fmt.Errorf("invalid read timeout %s", c.ReadTimeout)
	}
	return nil
}

// Open opens the serial device described by cfg.
func Open(cfg Config) (Port, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.Device, err)
	}
	debug.Info("Serial link open on %s at %d baud", cfg.Device, cfg.Baud)

	return &SerialPort{port: port, cfg: cfg}, nil
}

func (p *SerialPort) Read(b []byte) (int, error) {
	return p.port.Read(b)
}

func (p *SerialPort) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

// Close closes the port. Closing twice is a no-op.
func (p *SerialPort) Close() error {
	if p.port == nil {
		return nil
	}
	err := p.port.Close()
	p.port = nil
	return err
}

// Device returns the device path.
func (p *SerialPort) Device() string {
	return p.cfg.Device
}
