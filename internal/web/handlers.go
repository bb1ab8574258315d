package web

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/cjeanneret/PanBot/internal/debug"
	"github.com/cjeanneret/PanBot/internal/gallery"
	"github.com/cjeanneret/PanBot/internal/logic/panorama"
)

const (
	maxRequestBytes     = 1 << 16
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
	requestTimeout      = 5 * time.Second
)

// Controller starts, stops and inspects panorama sessions.
type Controller interface {
	Start(ctx context.Context, p panorama.Params) (panorama.Response, error)
	TakeDefault(ctx context.Context) (panorama.Response, error)
	Stop(ctx context.Context) (panorama.Response, error)
	Status(ctx context.Context) (panorama.Status, error)
}

// ImageSource serves the latest stitched panorama.
type ImageSource interface {
	WriteLatestPNG(w io.Writer) error
}

// HistorySource lists finished sessions, newest first.
type HistorySource interface {
	Recent(ctx context.Context, limit int) ([]panorama.Summary, error)
}

// FormConfig holds default values for the capture form (from config).
type FormConfig struct {
	AngleDeg               float64 `json:"angle_deg"`
	SnapIntervalDeg        float64 `json:"snap_interval_deg"`
	RotationVelocityDPS    float64 `json:"rotation_velocity_dps"`
	Mode                   string  `json:"mode"`
	MaxRotationVelocityDPS float64 `json:"max_rotation_velocity_dps,omitempty"`
}

// Deps are the collaborators behind the HTTP surface. Only Panorama is
// required; missing optional ones answer 503.
type Deps struct {
	Broadcaster  *StatusBroadcaster
	Panorama     Controller
	Images       ImageSource
	History      HistorySource
	FormDefaults FormConfig
}

// PanoResponse is the JSON body answered by the start and stop endpoints.
type PanoResponse struct {
	Status string         `json:"status"`
	Reason string         `json:"reason,omitempty"`
	TaskID string         `json:"task_id,omitempty"`
	State  panorama.State `json:"state"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Deps
	staticFS fs.FS
}

// NewHandlers creates handlers with the given dependencies.
func NewHandlers(d Deps, staticFS fs.FS) *Handlers {
	if d.Broadcaster == nil {
		d.Broadcaster = NewStatusBroadcaster()
	}
	return &Handlers{Deps: d, staticFS: staticFS}
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

// HandleStart handles POST /pano with a JSON body of panorama.Params.
// An empty body takes every default.
func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var p panorama.Params
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil && err != io.EOF {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	h.answer(w, r, func(ctx context.Context) (panorama.Response, error) {
		return h.Panorama.Start(ctx, p)
	})
}

// HandleTake handles POST /pano/take: a panorama with every default.
func (h *Handlers) HandleTake(w http.ResponseWriter, r *http.Request) {
	h.answer(w, r, h.Panorama.TakeDefault)
}

// HandleStop handles POST /pano/stop. It is safe to call in any state.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	h.answer(w, r, h.Panorama.Stop)
}

func (h *Handlers) answer(w http.ResponseWriter, r *http.Request, call func(context.Context) (panorama.Response, error)) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	resp, err := call(ctx)
	if err != nil {
		debug.Error(errors.Wrapf(err, "%s %s", r.Method, r.URL.Path))
		http.Error(w, "panorama service unavailable", http.StatusServiceUnavailable)
		return
	}

	if resp.Err != nil {
		debug.Verbose("%s %s: %s (%v)", r.Method, r.URL.Path, resp.Outcome, resp.Err)
	}
	writeJSON(w, statusCode(resp.Outcome), PanoResponse{
		Status: string(resp.Outcome),
		Reason: resp.Reason,
		TaskID: string(resp.Task),
		State:  resp.State,
	})
}

func statusCode(o panorama.Outcome) int {
	switch o {
	case panorama.OutcomeStarted:
		return http.StatusAccepted
	case panorama.OutcomeInProgress:
		return http.StatusConflict
	case panorama.OutcomeRejected:
		return http.StatusBadRequest
	case panorama.OutcomeFailed:
		return http.StatusBadGateway
	default:
		return http.StatusOK
	}
}

// HandleStatus handles GET /pano/status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	st, err := h.Panorama.Status(ctx)
	if err != nil {
		http.Error(w, "panorama service unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleLatest handles GET /pano/latest and serves the last stitched image as PNG.
func (h *Handlers) HandleLatest(w http.ResponseWriter, r *http.Request) {
	if h.Images == nil {
		http.Error(w, "image output not configured", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	if err := h.Images.WriteLatestPNG(w); err != nil {
		w.Header().Del("Content-Type")
		if errors.Is(err, gallery.ErrEmpty) {
			http.Error(w, "no panorama yet", http.StatusNotFound)
			return
		}
		debug.Error(errors.Wrap(err, "serve latest panorama"))
		http.Error(w, "encode panorama", http.StatusInternalServerError)
	}
}

// HandleHistory handles GET /pano/history?limit=N.
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.History == nil {
		http.Error(w, "history not configured", http.StatusServiceUnavailable)
		return
	}

	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 || v > maxHistoryLimit {
			http.Error(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = v
	}

	sessions, err := h.History.Recent(r.Context(), limit)
	if err != nil {
		debug.Error(errors.Wrap(err, "read history"))
		http.Error(w, "read history", http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []panorama.Summary{}
	}
	writeJSON(w, http.StatusOK, sessions)
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

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		debug.Verbose("write JSON response: %v", err)
	}
}
