package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/cjeanneret/stagescan/internal/config"
	"github.com/cjeanneret/stagescan/internal/debug"
	"github.com/cjeanneret/stagescan/internal/hw/kinesis"
	"github.com/cjeanneret/stagescan/internal/logic/geometry"
	"github.com/cjeanneret/stagescan/internal/logic/motion"
	"github.com/cjeanneret/stagescan/internal/station"
)

// MaxBodyBytes bounds the size of a JSON request body.
const MaxBodyBytes = 1 << 20

// scanInterval is the minimum time between two accepted scan requests.
const scanInterval = 5 * time.Second

// Station is the instrument driven by the handlers.
type Station interface {
	Start(ctx context.Context) error
	Stop() error
	Move(ctx context.Context, axis string, position float64) error
	Jog(ctx context.Context, axis string, dir kinesis.Direction) error
	SetStepSize(size float64, axes ...string) error
	StartScan(start, target, step float64) (geometry.ScanPlan, error)
	CancelScan()
	CameraSettings() config.CameraSettings
	ApplySettings(in config.CameraSettings) (config.CameraSettings, error)
	Snapshot() station.Snapshot
	Preview() ([]byte, time.Time, bool)
}

// ScanRequest is the body of POST /scan.
type ScanRequest struct {
	Start  float64 `json:"start"`
	Target float64 `json:"target"`
	Step   float64 `json:"step"`
}

// MoveRequest is the body of POST /axes/{name}/move.
type MoveRequest struct {
	Position float64 `json:"position"`
}

// JogRequest is the body of POST /axes/{name}/jog.
type JogRequest struct {
	Direction string `json:"direction"` // "forward" or "backward"
}

// StepRequest is the body of POST /axes/step. No axes means all of them.
type StepRequest struct {
	Step float64  `json:"step"`
	Axes []string `json:"axes,omitempty"`
}

// FormConfig holds default values for the UI forms (from config).
type FormConfig struct {
	Axes     []string `json:"axes"`
	ScanAxis string   `json:"scan_axis"`
	JogStep  float64  `json:"jog_step"`
	Label    string   `json:"label"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Station      Station
	Broadcaster  *StatusBroadcaster
	Journal      *debug.Journal
	FormDefaults FormConfig
	scanLimiter  *rate.Limiter
	staticFS     fs.FS
}

// NewHandlers creates handlers with the given dependencies.
// If st is nil, hardware actions return 503 Service Unavailable.
func NewHandlers(st Station, broadcaster *StatusBroadcaster, journal *debug.Journal, formDefaults FormConfig, staticFS fs.FS) *Handlers {
	return &Handlers{
		Station:      st,
		Broadcaster:  broadcaster,
		Journal:      journal,
		FormDefaults: formDefaults,
		scanLimiter:  rate.NewLimiter(rate.Every(scanInterval), 1),
		staticFS:     staticFS,
	}
}

func finite(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%s must be a finite number", name)
	}
	return nil
}

// ValidateScanRequest checks a scan request before it reaches the station.
func ValidateScanRequest(req ScanRequest) error {
	for _, f := range []struct {
		name string
		v    float64
	}{{"start", req.Start}, {"target", req.Target}, {"step", req.Step}} {
		if err := finite(f.name, f.v); err != nil {
			return err
		}
	}
	if req.Step <= 0 {
		return fmt.Errorf("step must be > 0, got %g", req.Step)
	}
	_, err := geometry.NewScanPlan(req.Start, req.Target, req.Step)
	return err
}

// ValidateStepRequest checks a jog step request.
func ValidateStepRequest(req StepRequest) error {
	if err := finite("step", req.Step); err != nil {
		return err
	}
	if req.Step <= 0 {
		return fmt.Errorf("step must be > 0, got %g", req.Step)
	}
	return nil
}

// ParseDirection maps "forward"/"backward" to a jog direction.
func ParseDirection(s string) (kinesis.Direction, error) {
	switch strings.ToLower(s) {
	case "forward", "+":
		return kinesis.Forward, nil
	case "backward", "-":
		return kinesis.Backward, nil
	}
	return kinesis.Forward, fmt.Errorf("direction must be forward or backward, got %q", s)
}

// decodeJSON reads a bounded JSON body into v. It writes a 400 response and
// returns false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
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

// errorStatus maps station errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, station.ErrNotStarted):
		return http.StatusServiceUnavailable
	case errors.Is(err, station.ErrScanRunning), errors.Is(err, motion.ErrAxisBusy), errors.Is(err, motion.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, motion.ErrUnknownAxis):
		return http.StatusNotFound
	case errors.Is(err, motion.ErrInvalidParameter), errors.Is(err, geometry.ErrInvalidScanPlan), errors.Is(err, kinesis.ErrOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, motion.ErrMoveTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, motion.ErrNotConnected):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) fail(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), errorStatus(err))
}

// available writes 503 and returns false when no station is configured.
func (h *Handlers) available(w http.ResponseWriter) bool {
	if h.Station == nil {
		http.Error(w, "station not configured", http.StatusServiceUnavailable)
		return false
	}
	return true
}

// HandleConfig returns the form default values (from config) as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.FormDefaults)
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

// HandleState returns the station snapshot.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	writeJSON(w, http.StatusOK, h.Station.Snapshot())
}

// HandleLog returns the journal records, or those after ?since=seq.
func (h *Handlers) HandleLog(w http.ResponseWriter, r *http.Request) {
	if h.Journal == nil {
		writeJSON(w, http.StatusOK, []debug.Record{})
		return
	}
	records := h.Journal.Records()
	if s := r.URL.Query().Get("since"); s != "" {
		seq, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			http.Error(w, "since must be a sequence number", http.StatusBadRequest)
			return
		}
		records = h.Journal.Since(seq)
	}
	if records == nil {
		records = []debug.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// HandleStart handles POST /hardware/start. Connecting outlives the request.
func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	if err := h.Station.Start(context.WithoutCancel(r.Context())); err != nil {
		h.Broadcaster.Broadcast("error", "Hardware start: "+err.Error())
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, h.Station.Snapshot())
}

// HandleStop handles POST /hardware/stop.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	if err := h.Station.Stop(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// HandleMove handles POST /axes/{name}/move and waits for the move to end.
func (h *Handlers) HandleMove(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	var req MoveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := finite("position", req.Position); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.Station.Move(r.Context(), r.PathValue("name"), req.Position); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Station.Snapshot())
}

// HandleJog handles POST /axes/{name}/jog.
func (h *Handlers) HandleJog(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	var req JogRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	dir, err := ParseDirection(req.Direction)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.Station.Jog(r.Context(), r.PathValue("name"), dir); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Station.Snapshot())
}

// HandleStep handles POST /axes/step.
func (h *Handlers) HandleStep(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	var req StepRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := ValidateStepRequest(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.Station.SetStepSize(req.Step, req.Axes...); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Station.Snapshot())
}

// HandleScan handles POST /scan to start a scan in the background.
func (h *Handlers) HandleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ScanRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := ValidateScanRequest(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !h.available(w) {
		return
	}
	if h.Station.Snapshot().Scan.Running {
		http.Error(w, "scan already in progress", http.StatusConflict)
		return
	}
	if !h.scanLimiter.Allow() {
		http.Error(w, "too many scan requests", http.StatusTooManyRequests)
		return
	}

	plan, err := h.Station.StartScan(req.Start, req.Target, req.Step)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.Broadcaster.Broadcast("info", "Scan started: "+plan.String())
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":   "started",
		"captures": plan.Captures(),
	})
}

// HandleCancelScan handles DELETE /scan.
func (h *Handlers) HandleCancelScan(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	h.Station.CancelScan()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// HandleGetSettings handles GET /camera/settings.
func (h *Handlers) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	writeJSON(w, http.StatusOK, h.Station.CameraSettings())
}

// HandleApplySettings handles POST /camera/settings. Keys missing from the
// body keep their current value.
func (h *Handlers) HandleApplySettings(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	in := h.Station.CameraSettings()
	if !decodeJSON(w, r, &in) {
		return
	}
	if err := in.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out, err := h.Station.ApplySettings(in)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// HandlePreview serves the latest live view frame.
func (h *Handlers) HandlePreview(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	data, at, ok := h.Station.Preview()
	if !ok {
		http.Error(w, "no frame available", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Last-Modified", at.UTC().Format(http.TimeFormat))
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
