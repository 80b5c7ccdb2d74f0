package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/cjeanneret/switcher/internal/config"
	"github.com/cjeanneret/switcher/internal/debug"
	"github.com/cjeanneret/switcher/internal/hw/gpio"
	"github.com/cjeanneret/switcher/internal/hw/servo"
	"github.com/cjeanneret/switcher/internal/hw/stepper"
	"github.com/cjeanneret/switcher/internal/link"
	"github.com/cjeanneret/switcher/internal/logic/command"
	"github.com/cjeanneret/switcher/internal/logic/switcher"
	"github.com/cjeanneret/switcher/internal/web"
)

// cliOverrides holds values given on the command line. Zero values mean
// "use config".
type cliOverrides struct {
	Degrees float64
	Serial  string
}

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	serialDev := flag.String("serial", "", "read commands from this serial device (overrides serial.device)")
	useStdin := flag.Bool("stdin", false, "read commands from standard input")
	degrees := flag.Float64("degrees", 0, "override switch_degrees for the one-shot rotation")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	overrides := cliOverrides{Degrees: *degrees, Serial: *serialDev}
	if err := validateCLIOverrides(overrides); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, overrides)

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(1, "Initializing GPIO driver")
	gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		log.Fatalf("init GPIO failed: %v", err)
	}

	debug.Step(2, "Initializing actuators")
	ctrl, err := newController(gpioDriver, cfg)
	if err != nil {
		gpioDriver.Close()
		log.Fatalf("init actuators failed: %v", err)
	}
	cleanup := sync.OnceFunc(func() {
		if err := shutdown(ctrl, gpioDriver); err != nil {
			log.Printf("shutdown: %v", err)
		}
	})
	defer cleanup()

	debug.Summary("Connectivity report")
	reportConnectivity(ctrl)

	var broadcaster *web.StatusBroadcaster
	if webPort.port() > 0 {
		broadcaster = web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
	}

	sources := commandSources(cfg, webPort.port(), *useStdin, ctrl, broadcaster)
	if len(sources) == 0 {
		if err := switchOnce(ctrl, cfg.Defaults.SwitchDegrees); err != nil {
			log.Print(err)
			// os.Exit skips deferred calls
			cleanup()
			os.Exit(1)
		}
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, run := range sources {
		run := run
		g.Go(func() error { return run(gctx) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("stopped: %v", err)
	}
	debug.Info("Shutting down")
}

// newController builds the configured steppers and servo on g. The servo, if
// any, is attached and set to neutral.
func newController(g gpio.Driver, cfg *config.Config) (*switcher.Controller, error) {
	motors := make([]switcher.Named, 0, len(cfg.Steppers))
	for _, sc := range cfg.Steppers {
		var pins stepper.PinSet
		copy(pins[:], sc.Pins)
		seq, err := stepper.NewSequencer(g, stepper.Config{
			Pins:               pins,
			PrincipalDirection: sc.PrincipalDirection,
			StepsPerDegree:     sc.StepsPerDegree,
			StepDelay:          cfg.StepDelay(),
			SettleDelay:        cfg.SettleDelay(),
		})
		if err != nil {
			return nil, fmt.Errorf("stepper %s: %w", sc.Name, err)
		}
		if err := seq.Init(); err != nil {
			return nil, fmt.Errorf("stepper %s init: %w", sc.Name, err)
		}
		debug.PrintStruct("Stepper "+sc.Name, sc)
		motors = append(motors, switcher.Named{Name: sc.Name, Motor: seq})
	}

	var fb switcher.Fallback
	if sc := cfg.Servo; sc != nil {
		act, err := servo.NewActuator(g, servo.Config{
			Pin:         sc.Pin,
			CW:          config.Microseconds(sc.CWUs),
			Stop:        config.Microseconds(sc.StopUs),
			CCW:         config.Microseconds(sc.CCWUs),
			Delay:       cfg.ServoDelay(),
			SettleDelay: cfg.ServoSettle(),
		})
		if err != nil {
			return nil, fmt.Errorf("servo: %w", err)
		}
		if err := act.Init(); err != nil {
			return nil, fmt.Errorf("servo init: %w", err)
		}
		debug.PrintStruct("Servo", *sc)
		fb = act
	}

	return switcher.NewController(motors, fb)
}

// switchOnce runs the single rotation of a start without command sources.
func switchOnce(ctrl *switcher.Controller, degrees float64) error {
	res, err := ctrl.Rotate(degrees)
	if err != nil {
		return fmt.Errorf("switch failed: %w", err)
	}
	debug.Info("Switch done: moved=%v skipped=%v fallback=%t", res.Moved, res.Skipped, res.Fallback)
	return nil
}

// shutdown de-energizes every stepper and closes the GPIO driver.
func shutdown(ctrl *switcher.Controller, g gpio.Driver) error {
	var errs []error
	if err := ctrl.Release(); err != nil {
		errs = append(errs, fmt.Errorf("releasing steppers: %w", err))
	}
	if err := g.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing GPIO driver: %w", err))
	}
	return errors.Join(errs...)
}

// reportConnectivity logs the wiring check of every stepper. Status logs the
// per-motor verdicts itself.
func reportConnectivity(ctrl *switcher.Controller) {
	for _, st := range ctrl.Status() {
		if st.Error != "" {
			debug.Error(errors.New(st.Error))
		}
	}
	debug.Value("Servo fallback", ctrl.HasServo())
}

// commandSources returns one runner per enabled command input.
func commandSources(
	cfg *config.Config,
	webPort int,
	useStdin bool,
	ctrl *switcher.Controller,
	broadcaster *web.StatusBroadcaster,
) []func(context.Context) error {
	var sources []func(context.Context) error

	if webPort > 0 {
		sources = append(sources, func(ctx context.Context) error {
			srv, err := web.NewServer(fmt.Sprintf(":%d", webPort), broadcaster, ctrl)
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		})
	}

	if cfg.Serial.Device != "" {
		sources = append(sources, func(ctx context.Context) error {
			port, err := link.Open(link.Config{
				Device:      cfg.Serial.Device,
				Baud:        cfg.Serial.Baud,
				ReadTimeout: cfg.SerialReadTimeout(),
			})
			if err != nil {
				return err
			}
			return serveCommands(ctx, ctrl, port)
		})
	}

	if useStdin {
		sources = append(sources, func(ctx context.Context) error {
			return serveCommands(ctx, ctrl, stdio{os.Stdin, os.Stdout})
		})
	}

	return sources
}

// stdio joins standard input and output into a command link. Close is a no-op.
type stdio struct {
	io.Reader
	io.Writer
}

func (stdio) Close() error { return nil }

// serveCommands runs the line decoder on rwc until ctx is cancelled or the
// input ends. rwc is closed on return, which also unblocks a pending read.
func serveCommands(ctx context.Context, h command.Handler, rwc io.ReadWriteCloser) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- command.NewDecoder(h, rwc, rwc).Run(ctx)
	}()

	select {
	case err := <-errCh:
		rwc.Close()
		return err
	case <-ctx.Done():
		rwc.Close()
		return ctx.Err()
	}
}

// validateCLIOverrides checks that non-zero CLI overrides are usable.
// Zero values are ignored (they mean "use config default").
func validateCLIOverrides(o cliOverrides) error {
	if o.Degrees != 0 {
		if math.IsNaN(o.Degrees) || math.IsInf(o.Degrees, 0) || math.Abs(o.Degrees) > web.MaxDegrees {
			return fmt.Errorf("degrees must be a finite value between -%d and %d, got %g", web.MaxDegrees, web.MaxDegrees, o.Degrees)
		}
	}
	return nil
}

// applyOverrides mutates cfg with overrides. Only non-zero override values are applied.
func applyOverrides(cfg *config.Config, o cliOverrides) {
	if o.Degrees != 0 {
		cfg.Defaults.SwitchDegrees = o.Degrees
	}
	if o.Serial != "" {
		cfg.Serial.Device = o.Serial
		if cfg.Serial.Baud <= 0 {
			cfg.Serial.Baud = 9600
		}
	}
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
