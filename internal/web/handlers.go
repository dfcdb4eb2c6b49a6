package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/IJSComplexMatter/cross-ddm/internal/debug"
)

// maxRequestBody caps the size of a POST /run body.
const maxRequestBody = 1 << 20

// maxFrameCount bounds the count a client may request.
const maxFrameCount = 1_000_000

// defaultRunInterval is the minimum time between two accepted runs.
const defaultRunInterval = 5 * time.Second

// Overrides holds acquisition parameters that can override config defaults.
// Zero values keep the configured default.
type Overrides struct {
	Count   int   `json:"count"`
	Mode    *int  `json:"mode,omitempty"`
	Trigger *bool `json:"trigger,omitempty"`
}

// ValidateOverrides checks client supplied values.
func ValidateOverrides(o Overrides) error {
	if o.Count < 0 || o.Count > maxFrameCount {
		return fmt.Errorf("count must be between 1 and %d", maxFrameCount)
	}
	if o.Mode != nil && (*o.Mode < 0 || *o.Mode > 3) {
		return fmt.Errorf("mode must be between 0 and 3, got %d", *o.Mode)
	}
	return nil
}

// RunFunc runs one acquisition with the given overrides.
// It is called from the POST /run handler in a goroutine.
type RunFunc func(ctx context.Context, overrides Overrides) error

// FormConfig holds default values for the acquisition form (from config).
type FormConfig struct {
	Count    int  `json:"count"`
	Mode     int  `json:"mode"`
	DeltaTUs int  `json:"deltat_us"`
	Trigger  bool `json:"trigger"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster  *StatusBroadcaster
	Run          RunFunc
	FormDefaults FormConfig
	RunInterval  time.Duration // minimum spacing between accepted runs

	runningMu sync.Mutex
	running   bool
	lastRun   time.Time
	staticFS  fs.FS
}

// NewHandlers creates handlers with the given dependencies.
// If run is nil, POST /run will return 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, run RunFunc, formDefaults FormConfig, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster:  broadcaster,
		Run:          run,
		FormDefaults: formDefaults,
		RunInterval:  defaultRunInterval,
		staticFS:     staticFS,
	}
}

// HandleConfig returns the form default values (from config) as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.FormDefaults)
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

// HandleRun handles POST /run to start an acquisition.
func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var overrides Overrides
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&overrides); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := ValidateOverrides(overrides); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if h.Run == nil {
		http.Error(w, "acquisition not configured", http.StatusServiceUnavailable)
		return
	}

	h.runningMu.Lock()
	if h.running {
		h.runningMu.Unlock()
		http.Error(w, "acquisition already in progress", http.StatusConflict)
		return
	}
	if !h.lastRun.IsZero() && time.Since(h.lastRun) < h.RunInterval {
		h.runningMu.Unlock()
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}
	h.running = true
	h.lastRun = time.Now()
	h.runningMu.Unlock()

	// Run in goroutine; clear running when done
	go func() {
		defer func() {
			h.runningMu.Lock()
			h.running = false
			h.runningMu.Unlock()
		}()

		if err := h.Run(context.Background(), overrides); err != nil {
			h.Broadcaster.Broadcast("error", "Acquisition failed: "+err.Error())
			debug.Error(fmt.Errorf("acquisition failed: %w", err))
		} else {
			h.Broadcaster.Broadcast("info", "Acquisition complete")
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "started"})
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
