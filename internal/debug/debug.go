package debug

import (
	"io"
	"log"
	"os"
	"sync"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Startup, connectivity report, errors
	LevelLive    = 2 // Every actuation (rotations, servo switches)
	LevelVerbose = 3 // Step counts, phase rows, timings
	LevelTrace   = 4 // Every GPIO primitive
)

var (
	mu     sync.Mutex
	level  int
	out    io.Writer = os.Stdout
	logger *log.Logger
)

// Init sets the debug level (0-4).
// 0 = no output
// 1 = startup and connectivity info
// 2 = live actuation events
// 3 = verbose (step counts, rows, delays)
// 4 = trace (GPIO, very low level)
func Init(debugLevel int) {
	mu.Lock()
	defer mu.Unlock()
	level = debugLevel
	logger = nil
	if level > LevelOff {
		logger = log.New(out, "[switcher] ", log.LstdFlags|log.Lmicroseconds)
	}
}

// SetOutput redirects log output, e.g. to tee it into the web status stream.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	if logger != nil {
		logger.SetOutput(w)
	}
}

// Level returns the current debug level.
func Level() int {
	mu.Lock()
	defer mu.Unlock()
	return level
}

// IsEnabled returns true if debug level is >= the requested level.
func IsEnabled(minLevel int) bool {
	return Level() >= minLevel
}

func logf(minLevel int, format string, args ...interface{}) {
	mu.Lock()
	l := logger
	enabled := level >= minLevel
	mu.Unlock()
	if enabled && l != nil {
		l.Printf(format, args...)
	}
}

// --- Level 1 (Info) ---

// Info prints a level 1 message.
func Info(format string, args ...interface{}) {
	logf(LevelInfo, "[INFO] "+format, args...)
}

// Summary prints a framed title (level 1).
func Summary(title string) {
	logf(LevelInfo, "═══════════════════════════════════════")
	logf(LevelInfo, "  %s", title)
	logf(LevelInfo, "═══════════════════════════════════════")
}

// Value prints a named value (level 1).
func Value(name string, value interface{}) {
	logf(LevelInfo, "[INFO]   %s = %v", name, value)
}

// Connectivity prints the wiring check verdict of one stepper (level 1).
func Connectivity(name string, connected bool) {
	verdict := "connected"
	if !connected {
		verdict = "NOT connected"
	}
	logf(LevelInfo, "[INFO] Stepper %s: %s", name, verdict)
}

// Error prints an error (level 1+).
func Error(err error) {
	logf(LevelInfo, "[ERROR] %v", err)
}

// --- Level 2 (Live) ---

// Live prints a level 2 message.
func Live(format string, args ...interface{}) {
	logf(LevelLive, "[LIVE] "+format, args...)
}

// Move prints a stepper rotation (level 2).
func Move(motor string, degrees float64, steps int) {
	logf(LevelLive, "[LIVE] Stepper %s: rotating %.2f° (%d steps)", motor, degrees, steps)
}

// Switch prints a servo actuation (level 2).
func Switch(direction int, width int) {
	logf(LevelLive, "[LIVE] Servo: switching direction=%d pulse=%dus", direction, width)
}

// --- Level 3 (Verbose) ---

// Verbose prints a level 3 message.
func Verbose(format string, args ...interface{}) {
	logf(LevelVerbose, "[VERBOSE] "+format, args...)
}

// PrintStruct prints a struct in formatted form (level 3).
func PrintStruct(name string, v interface{}) {
	logf(LevelVerbose, "[VERBOSE] %s: %+v", name, v)
}

// Section prints a section separator (level 3).
func Section(name string) {
	logf(LevelVerbose, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	logf(LevelVerbose, "  %s", name)
	logf(LevelVerbose, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}

// Step prints a numbered startup step (level 3).
func Step(num int, description string) {
	logf(LevelVerbose, "[VERBOSE] Step %d: %s", num, description)
}

// --- Level 4 (Trace) ---

// Trace prints a level 4 message.
func Trace(format string, args ...interface{}) {
	logf(LevelTrace, "[TRACE] "+format, args...)
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value interface{}) {
	logf(LevelTrace, "[GPIO] %s pin=%d value=%v", operation, pin, value)
}
