package command

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrMalformed      = errors.New("malformed command")
)

// MaxDegrees bounds the magnitude of a single rotation request, whatever
// link it arrives on.
const MaxDegrees = 3600

// Command identifies what a request asks for.
type Command int

const (
	Invalid Command = iota - 1
	Rotation
	ManualSwitch
	Check
)

func (c Command) String() string {
	switch c {
	case Rotation:
		return "rotate"
	case ManualSwitch:
		return "switch"
	case Check:
		return "check"
	default:
		return "invalid"
	}
}

// Request is one decoded command line.
type Request struct {
	Command   Command
	Degrees   float64 // Rotation
	Direction int     // ManualSwitch
}

// Parse decodes one line of the host protocol:
//
//	R <degrees>    | ROTATE <degrees>
//	S <direction>  | SWITCH <direction>
//	C              | CHECK
//
// Verbs are case-insensitive. Any integer direction is accepted; the servo
// treats values other than 1 and -1 as stop.
func Parse(line string) (Request, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Request{Command: Invalid}, fmt.Errorf("%w: empty line", ErrMalformed)
	}

	verb, args := strings.ToUpper(fields[0]), fields[1:]
	switch verb {
	case "R", "ROTATE":
		if len(args) != 1 {
			return Request{Command: Invalid}, fmt.Errorf("%w: rotate takes one argument, got %d", ErrMalformed, len(args))
		}
		deg, err := strconv.ParseFloat(args[0], 64)
		if err != nil || math.IsNaN(deg) || math.IsInf(deg, 0) {
			return Request{Command: Invalid}, fmt.Errorf("%w: bad degrees %q", ErrMalformed, args[0])
		}
		if math.Abs(deg) > MaxDegrees {
			return Request{Command: Invalid}, fmt.Errorf("%w: degrees %g outside ±%d", ErrMalformed, deg, MaxDegrees)
		}
		return Request{Command: Rotation, Degrees: deg}, nil

	case "S", "SWITCH":
		if len(args) != 1 {
			return Request{Command: Invalid}, fmt.Errorf("%w: switch takes one argument, got %d", ErrMalformed, len(args))
		}
		dir, err := strconv.Atoi(args[0])
		if err != nil {
			return Request{Command: Invalid}, fmt.Errorf("%w: bad direction %q", ErrMalformed, args[0])
		}
		return Request{Command: ManualSwitch, Direction: dir}, nil

	case "C", "CHECK":
		if len(args) != 0 {
			return Request{Command: Invalid}, fmt.Errorf("%w: check takes no argument", ErrMalformed)
		}
		return Request{Command: Check}, nil
	}

	return Request{Command: Invalid}, fmt.Errorf("%w %q", ErrUnknownCommand, fields[0])
}

func (r Request) String() string {
	switch r.Command {
	case Rotation:
		return fmt.Sprintf("rotate %g", r.Degrees)
	case ManualSwitch:
		return fmt.Sprintf("switch %d", r.Direction)
	default:
		return r.Command.String()
	}
}
