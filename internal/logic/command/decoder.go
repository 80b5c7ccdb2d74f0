package command

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cjeanneret/switcher/internal/debug"
	"github.com/cjeanneret/switcher/internal/logic/switcher"
)

// Handler executes decoded requests. *switcher.Controller implements it.
type Handler interface {
	Rotate(degrees float64) (switcher.Result, error)
	ManualSwitch(direction int) error
	Status() []switcher.MotorStatus
}

// Decoder reads command lines from a host link and answers each one with a
// single "OK ..." or "ERR ..." line.
type Decoder struct {
	h Handler
	r io.Reader
	w io.Writer
}

func NewDecoder(h Handler, r io.Reader, w io.Writer) *Decoder {
	return &Decoder{h: h, r: r, w: w}
}

// MaxLineBytes is the size of the line buffer. A longer line is answered
// with ERR and skipped; the next line is served normally.
const MaxLineBytes = 4096

// Run serves lines until EOF, a read error, or ctx is cancelled. Cancellation
// is only seen between lines; a running actuation always completes.
// Blank lines and lines starting with '#' are ignored.
func (d *Decoder) Run(ctx context.Context) error {
	br := bufio.NewReaderSize(d.r, MaxLineBytes)
	for {
		raw, tooLong, readErr := readLine(br)
		if len(raw) > 0 || tooLong {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			if err := d.serve(string(raw), tooLong); err != nil {
				return err
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read command: %w", readErr)
		}
	}
}

func (d *Decoder) serve(raw string, tooLong bool) error {
	var reply string
	if tooLong {
		err := fmt.Errorf("%w: line exceeds %d bytes", ErrMalformed, MaxLineBytes)
		debug.Error(err)
		reply = "ERR " + err.Error()
	} else {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			return nil
		}
		reply = Execute(d.h, line)
	}
	if _, err := fmt.Fprintln(d.w, reply); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}

// readLine returns the next line from br without its size limit turning into
// a fatal error: an overflowing line is drained up to its newline and
// reported as tooLong.
func readLine(br *bufio.Reader) ([]byte, bool, error) {
	tooLong := false
	for {
		chunk, err := br.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			tooLong = true
			continue
		}
		if tooLong {
			return nil, true, err
		}
		return chunk, false, err
	}
}

// Execute parses and runs one line, returning the reply line.
func Execute(h Handler, line string) string {
	req, err := Parse(line)
	if err != nil {
		debug.Error(err)
		return "ERR " + err.Error()
	}
	debug.Live("Command: %s", req)

	switch req.Command {
	case Rotation:
		res, err := h.Rotate(req.Degrees)
		if err != nil {
			debug.Error(err)
			return "ERR " + err.Error()
		}
		return fmt.Sprintf("OK %s moved=%s skipped=%s fallback=%t",
			req, strings.Join(res.Moved, ","), strings.Join(res.Skipped, ","), res.Fallback)

	case ManualSwitch:
		if err := h.ManualSwitch(req.Direction); err != nil {
			debug.Error(err)
			return "ERR " + err.Error()
		}
		return "OK " + req.String()

	case Check:
		var b strings.Builder
		b.WriteString("OK check")
		for _, st := range h.Status() {
			verdict := "connected"
			if !st.Connected {
				verdict = "disconnected"
			}
			fmt.Fprintf(&b, " %s=%s", st.Name, verdict)
		}
		return b.String()
	}

	return "ERR " + ErrUnknownCommand.Error()
}
