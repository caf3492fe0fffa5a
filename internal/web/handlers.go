package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cjeanneret/thermoscope/internal/debug"
	"github.com/cjeanneret/thermoscope/internal/hw/p2pro"
)

// maxRequestBytes bounds POST bodies.
const maxRequestBytes = 1 << 10

// Status is the JSON document served by GET /status.
type Status struct {
	Mode       string `json:"mode"`
	Capture    string `json:"capture"`
	Frames     uint64 `json:"frames"`
	ReadErrors uint64 `json:"read_errors"`
	TopMenu    string `json:"top_menu"`
	SideMenu   string `json:"side_menu"`
	Palette    uint8  `json:"palette"`
	PaletteStr string `json:"palette_name"`
	Reticle    string `json:"reticle"`
	XOffset    int    `json:"x_offset"`
	YOffset    int    `json:"y_offset"`
	Zoom       int    `json:"zoom"`
}

// PaletteRequest is the body of POST /palette.
type PaletteRequest struct {
	Palette int `json:"palette"`
}

// StatusFunc returns a snapshot of the scope state.
type StatusFunc func() Status

// SetPaletteFunc stores and applies a palette.
type SetPaletteFunc func(p p2pro.Palette) error

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Status      StatusFunc
	SetPalette  SetPaletteFunc
}

// NewHandlers creates handlers with the given dependencies.
// If setPalette is nil, POST /palette returns 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, status StatusFunc, setPalette SetPaletteFunc) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		Status:      status,
		SetPalette:  setPalette,
	}
}

// ValidatePaletteRequest checks that the requested palette is a device palette.
func ValidatePaletteRequest(req PaletteRequest) (p2pro.Palette, error) {
	if req.Palette < 0 || req.Palette > 255 || !p2pro.Palette(req.Palette).Valid() {
		return 0, fmt.Errorf("palette must be between %d and %d, got %d", p2pro.WhiteHot, p2pro.BlackHot, req.Palette)
	}
	return p2pro.Palette(req.Palette), nil
}

// HandleStatus returns the current scope state as JSON.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if h.Status == nil {
		http.Error(w, "status not configured", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.Status())
}

// HandlePalette handles POST /palette.
func (h *Handlers) HandlePalette(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req PaletteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	p, err := ValidatePaletteRequest(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if h.SetPalette == nil {
		http.Error(w, "palette control not configured", http.StatusServiceUnavailable)
		return
	}
	if err := h.SetPalette(p); err != nil {
		debug.Error(fmt.Errorf("web palette %s: %w", p, err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.Broadcaster.BroadcastMsg("Palette set to " + p.String())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"palette": p.String()})
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
