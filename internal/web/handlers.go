package web

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"github.com/cjeanneret/SheetSweep/internal/debug"
	"github.com/cjeanneret/SheetSweep/internal/logic/oscillation"
	"github.com/go-chi/render"
)

// MaxCommandBytes bounds the body of POST /command.
const MaxCommandBytes = 1 << 10

// Bounds accepted on the HTTP ingress for valued commands.
const (
	MaxSheetWidth   = 1000000 // steps
	MaxAcceleration = 1000000 // steps/s²
)

// Enqueuer accepts decoded commands without blocking. *oscillation.Queue implements it.
type Enqueuer interface {
	TrySend(cmd oscillation.Command) bool
}

// StateFunc returns the latest published oscillation state.
type StateFunc func() oscillation.Snapshot

// Defaults describes the machine setup shown by the control page.
type Defaults struct {
	SheetWidth   int     `json:"sheet_width"`
	SheetWidthMm float64 `json:"sheet_width_mm,omitempty"`
	Acceleration float64 `json:"acceleration"`
	MaxSpeed     float64 `json:"max_speed"`
	Microsteps   int     `json:"microsteps"`
	TickMs       int     `json:"tick_ms"`
}

// CommandResponse is returned by POST /command.
type CommandResponse struct {
	Status  string `json:"status"` // "queued" or "ignored"
	Command string `json:"command"`
	Value   int    `json:"value"`
}

// ErrResponse renders an error as JSON with its HTTP status.
type ErrResponse struct {
	HTTPStatusCode int    `json:"-"`
	ErrorText      string `json:"error"`
}

func (e *ErrResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

func errResponse(code int, err error) *ErrResponse {
	return &ErrResponse{HTTPStatusCode: code, ErrorText: err.Error()}
}

// ErrQueueFull is reported when the oscillation loop is not keeping up.
var ErrQueueFull = errors.New("command queue full")

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Queue       Enqueuer
	State       StateFunc
	Defaults    Defaults
	staticFS    fs.FS
}

// NewHandlers creates handlers with the given dependencies.
// If queue is nil, POST /command returns 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, queue Enqueuer, state StateFunc, defaults Defaults, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		Queue:       queue,
		State:       state,
		Defaults:    defaults,
		staticFS:    staticFS,
	}
}

// ValidateCommand checks the value carried by a decoded command. Commands
// without a value accept anything, the loop ignores it.
func ValidateCommand(cmd oscillation.Command) error {
	switch cmd.Kind {
	case oscillation.Width:
		if cmd.Value < 0 || cmd.Value > MaxSheetWidth {
			return fmt.Errorf("width must be between 0 and %d steps", MaxSheetWidth)
		}
	case oscillation.Accel:
		if cmd.Value <= 0 || cmd.Value > MaxAcceleration {
			return fmt.Errorf("acceleration must be between 1 and %d steps/s²", MaxAcceleration)
		}
	}
	return nil
}

// HandleCommand handles POST /command. The body is decoded once into an
// oscillation.Command and handed to the loop without blocking.
func (h *Handlers) HandleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var msg oscillation.Message
	r.Body = http.MaxBytesReader(w, r.Body, MaxCommandBytes)
	if err := render.DecodeJSON(r.Body, &msg); err != nil {
		render.Render(w, r, errResponse(http.StatusBadRequest, errors.New("invalid JSON")))
		return
	}

	cmd := oscillation.Decode(msg)
	resp := CommandResponse{Command: msg.Command, Value: msg.Value}

	if cmd.Kind == oscillation.Unknown {
		resp.Status = "ignored"
		render.Status(r, http.StatusAccepted)
		render.JSON(w, r, resp)
		return
	}
	if err := ValidateCommand(cmd); err != nil {
		render.Render(w, r, errResponse(http.StatusBadRequest, err))
		return
	}
	if h.Queue == nil {
		render.Render(w, r, errResponse(http.StatusServiceUnavailable, errors.New("oscillation loop not running")))
		return
	}
	if !h.Queue.TrySend(cmd) {
		debug.Live("Command %s dropped: queue full", cmd.Kind)
		render.Render(w, r, errResponse(http.StatusServiceUnavailable, ErrQueueFull))
		return
	}

	if h.Broadcaster != nil {
		h.Broadcaster.Broadcast("command", fmt.Sprintf("%s %d", cmd.Kind, cmd.Value))
	}
	resp.Status = "queued"
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, resp)
}

// HandleState returns the latest oscillation snapshot as JSON.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	if h.State == nil {
		render.Render(w, r, errResponse(http.StatusServiceUnavailable, errors.New("state not available")))
		return
	}
	render.JSON(w, r, h.State())
}

// HandleConfig returns the machine defaults (from config) as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.Defaults)
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
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

	// Heartbeat while idle
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
