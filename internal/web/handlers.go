package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/cjeanneret/RobArm/internal/debug"
	"github.com/cjeanneret/RobArm/internal/logic/control"
	"github.com/cjeanneret/RobArm/internal/logic/pid"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Controller is the request side of the arm controller.
type Controller interface {
	SetGains(ctx context.Context, channel string, req control.GainsRequest) (pid.Gains, error)
	GetTelemetry(ctx context.Context) (control.Telemetry, error)
	EmergencyStop() error
	Resume(ctx context.Context) error
	Channels() []control.ChannelInfo
}

// GainsResponse is returned by POST /pid/{channel}.
type GainsResponse struct {
	Channel  string  `json:"channel"`
	P        float64 `json:"p"`
	I        float64 `json:"i"`
	D        float64 `json:"d"`
	Setpoint float64 `json:"angle"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Ctrl        Controller
	Timeout     time.Duration // bound on queued controller requests
	staticFS    fs.FS
}

// NewHandlers creates handlers with the given dependencies.
func NewHandlers(broadcaster *StatusBroadcaster, ctrl Controller, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		Ctrl:        ctrl,
		Timeout:     2 * time.Second,
		staticFS:    staticFS,
	}
}

func (h *Handlers) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), h.Timeout)
}

// HandleConfig returns per-channel limits and the current gains as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"channels":     h.Ctrl.Channels(),
		"maxSetpoint":  control.MaxSetpoint,
		"integralClip": pid.IntegralLimit,
	})
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

// parseGains reads p, i, d and angle from a JSON body or a form.
// Absent fields stay nil.
func parseGains(w http.ResponseWriter, r *http.Request) (control.GainsRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req control.GainsRequest
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, errors.New("invalid JSON")
		}
		return req, nil
	}

	if err := r.ParseForm(); err != nil {
		return req, errors.New("invalid form")
	}
	for _, f := range []struct {
		name string
		dst  **float64
	}{{"p", &req.P}, {"i", &req.I}, {"d", &req.D}, {"angle", &req.Setpoint}} {
		if !r.PostForm.Has(f.name) {
			continue
		}
		v, err := strconv.ParseFloat(r.PostForm.Get(f.name), 64)
		if err != nil {
			return req, errors.New(f.name + " is not a number")
		}
		*f.dst = &v
	}
	return req, nil
}

func gainsStatus(err error) int {
	switch {
	case errors.Is(err, control.ErrUnknownChannel):
		return http.StatusNotFound
	case errors.Is(err, control.ErrMissingField), errors.Is(err, control.ErrInvalidValue):
		return http.StatusBadRequest
	}
	return http.StatusServiceUnavailable
}

// HandleSetGains handles POST /pid/{channel}.
func (h *Handlers) HandleSetGains(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	req, err := parseGains(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()
	g, err := h.Ctrl.SetGains(ctx, channel, req)
	if err != nil {
		http.Error(w, err.Error(), gainsStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, GainsResponse{Channel: channel, P: g.Kp, I: g.Ki, D: g.Kd, Setpoint: g.Setpoint})
}

// LegacySetGains serves the form-only /setArmPID and /setWristPID routes,
// answering in plain text.
func (h *Handlers) LegacySetGains(channel, label string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := parseGains(w, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ctx, cancel := h.requestContext(r)
		defer cancel()
		if _, err := h.Ctrl.SetGains(ctx, channel, req); err != nil {
			if errors.Is(err, control.ErrMissingField) {
				http.Error(w, "Missing parameters", http.StatusBadRequest)
				return
			}
			http.Error(w, err.Error(), gainsStatus(err))
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(label + " settings applied successfully"))
	}
}

// HandleAngles handles GET /angles.
func (h *Handlers) HandleAngles(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "no-cache")

	ctx, cancel := h.requestContext(r)
	defer cancel()
	t, err := h.Ctrl.GetTelemetry(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// HandleEmergency handles GET|POST /emergency. It never waits on the
// command queue.
func (h *Handlers) HandleEmergency(w http.ResponseWriter, r *http.Request) {
	err := h.Ctrl.EmergencyStop()
	if err != nil {
		debug.Error(fmt.Errorf("emergency stop: %w", err))
	}
	h.Broadcaster.Broadcast("error", "Emergency stop activated")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Emergency stop latched, motor output failed: " + err.Error()))
		return
	}
	w.Write([]byte("Emergency stop activated"))
}

// HandleResume handles POST /resume.
func (h *Handlers) HandleResume(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()
	if err := h.Ctrl.Resume(ctx); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	h.Broadcaster.Broadcast("info", "Emergency stop released")
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
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

	// Send initial comment to establish connection
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

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
