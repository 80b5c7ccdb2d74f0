package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"net/http"
	"time"

	"github.com/cjeanneret/switcher/internal/debug"
	"github.com/cjeanneret/switcher/internal/logic/command"
	"github.com/cjeanneret/switcher/internal/logic/switcher"
)

// MaxDegrees bounds a single rotation request. It is shared with the
// line protocol so every command source applies the same cap.
const MaxDegrees = command.MaxDegrees

const maxBodyBytes = 1 << 20

// Actuator runs switch requests without waiting for one already in
// progress: a busy actuator returns switcher.ErrBusy. *switcher.Controller
// implements it.
type Actuator interface {
	TryRotate(degrees float64) (switcher.Result, error)
	TryManualSwitch(direction int) error
	TryStatus() ([]switcher.MotorStatus, error)
	HasServo() bool
}

// RotateRequest is the body of POST /rotate.
type RotateRequest struct {
	Degrees float64 `json:"degrees"`
}

// SwitchRequest is the body of POST /switch.
type SwitchRequest struct {
	Direction int `json:"direction"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Motors []switcher.MotorStatus `json:"motors"`
	Servo  bool                   `json:"servo"`
	Busy   bool                   `json:"busy"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Actuator    Actuator
	staticFS    fs.FS
}

// NewHandlers creates handlers with the given dependencies.
// If act is nil, actuation endpoints return 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, act Actuator, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		Actuator:    act,
		staticFS:    staticFS,
	}
}

// ValidateRotate checks a rotation request.
func ValidateRotate(req RotateRequest) error {
	if math.IsNaN(req.Degrees) || math.IsInf(req.Degrees, 0) {
		return errors.New("degrees must be a finite number")
	}
	if math.Abs(req.Degrees) > MaxDegrees {
		return fmt.Errorf("degrees must be between -%d and %d", MaxDegrees, MaxDegrees)
	}
	return nil
}

// ValidateSwitch checks a manual switch request.
func ValidateSwitch(req SwitchRequest) error {
	if req.Direction < -1 || req.Direction > 1 {
		return errors.New("direction must be -1, 0 or 1")
	}
	return nil
}

// ServeIndex serves the control page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleStatus handles GET /status with a fresh connectivity check.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if h.Actuator == nil {
		http.Error(w, "switcher not configured", http.StatusServiceUnavailable)
		return
	}
	motors, err := h.Actuator.TryStatus()
	if errors.Is(err, switcher.ErrBusy) {
		writeJSON(w, http.StatusOK, StatusResponse{Servo: h.Actuator.HasServo(), Busy: true})
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Motors: motors,
		Servo:  h.Actuator.HasServo(),
	})
}

// HandleRotate handles POST /rotate.
func (h *Handlers) HandleRotate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req RotateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := ValidateRotate(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.run(w, func() (any, error) {
		res, err := h.Actuator.TryRotate(req.Degrees)
		if err == nil {
			h.Broadcaster.BroadcastMsg(fmt.Sprintf("Rotated %g° (moved=%v skipped=%v fallback=%t)",
				req.Degrees, res.Moved, res.Skipped, res.Fallback))
		}
		return res, err
	})
}

// HandleSwitch handles POST /switch.
func (h *Handlers) HandleSwitch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req SwitchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := ValidateSwitch(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.run(w, func() (any, error) {
		if err := h.Actuator.TryManualSwitch(req.Direction); err != nil {
			return nil, err
		}
		h.Broadcaster.BroadcastMsg(fmt.Sprintf("Servo switched, direction %d", req.Direction))
		return map[string]int{"direction": req.Direction}, nil
	})
}

// run executes one actuation. A request arriving while another one runs,
// from any command source, is rejected with 409.
func (h *Handlers) run(w http.ResponseWriter, fn func() (any, error)) {
	if h.Actuator == nil {
		http.Error(w, "switcher not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := fn()
	if errors.Is(err, switcher.ErrBusy) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		h.Broadcaster.Broadcast("error", "Switch failed: "+err.Error())
		debug.Error(err)
		status := http.StatusInternalServerError
		if errors.Is(err, switcher.ErrNoServo) || errors.Is(err, switcher.ErrNoActuator) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
