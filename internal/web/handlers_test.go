package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"
	"time"
)

// ---------- ValidateOverrides ----------

func intPtr(v int) *int { return &v }

func TestValidateOverrides_Valid(t *testing.T) {
	on := true
	cases := []struct {
		name string
		o    Overrides
	}{
		{"empty keeps defaults", Overrides{}},
		{"count only", Overrides{Count: 100}},
		{"max count", Overrides{Count: maxFrameCount}},
		{"mode 0", Overrides{Mode: intPtr(0)}},
		{"mode 3 with trigger", Overrides{Count: 4, Mode: intPtr(3), Trigger: &on}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidateOverrides(tc.o); err != nil {
				t.Errorf("expected valid, got: %v", err)
			}
		})
	}
}

func TestValidateOverrides_Rejected(t *testing.T) {
	cases := []struct {
		name string
		o    Overrides
	}{
		{"negative count", Overrides{Count: -1}},
		{"count too large", Overrides{Count: maxFrameCount + 1}},
		{"negative mode", Overrides{Mode: intPtr(-1)}},
		{"mode 4", Overrides{Mode: intPtr(4)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidateOverrides(tc.o); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

// ---------- Handler helpers ----------

func newTestHandlers(run RunFunc) *Handlers {
	staticFS := fstest.MapFS{
		"index.html": &fstest.MapFile{Data: []byte("<html>test</html>")},
	}
	return NewHandlers(
		NewStatusBroadcaster(),
		run,
		FormConfig{
			Count:    1000,
			Mode:     2,
			DeltaTUs: 30000,
			Trigger:  true,
		},
		staticFS,
	)
}

func noopRun(_ context.Context, _ Overrides) error {
	return nil
}

func validOverridesJSON() []byte {
	data, _ := json.Marshal(Overrides{Count: 10, Mode: intPtr(1)})
	return data
}

// ---------- HandleRun ----------

func TestHandleRun_ValidPost(t *testing.T) {
	h := newTestHandlers(noopRun)
	req := httptest.NewRequest(http.MethodPost, "/run", bytes.NewReader(validOverridesJSON()))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	h.HandleRun(w, req)

	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", w.Code, http.StatusAccepted)
	}

	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "started" {
		t.Errorf("response status = %q, want \"started\"", resp["status"])
	}

	// Wait for goroutine to finish
	time.Sleep(100 * time.Millisecond)
}

func TestHandleRun_GetMethodNotAllowed(t *testing.T) {
	h := newTestHandlers(noopRun)
	req := httptest.NewRequest(http.MethodGet, "/run", nil)
	w := httptest.NewRecorder()

	h.HandleRun(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandleRun_InvalidJSON(t *testing.T) {
	h := newTestHandlers(noopRun)
	req := httptest.NewRequest(http.MethodPost, "/run", strings.NewReader("not json"))
	w := httptest.NewRecorder()

	h.HandleRun(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleRun_InvalidOverrides(t *testing.T) {
	h := newTestHandlers(noopRun)
	data, _ := json.Marshal(Overrides{Mode: intPtr(7)})
	req := httptest.NewRequest(http.MethodPost, "/run", bytes.NewReader(data))
	w := httptest.NewRecorder()

	h.HandleRun(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleRun_OversizedBody(t *testing.T) {
	h := newTestHandlers(noopRun)
	big := strings.Repeat("x", 2<<20) // 2 MB
	req := httptest.NewRequest(http.MethodPost, "/run", strings.NewReader(big))
	w := httptest.NewRecorder()

	h.HandleRun(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d (oversized body)", w.Code, http.StatusBadRequest)
	}
}

func TestHandleRun_NilRun(t *testing.T) {
	h := newTestHandlers(nil)
	req := httptest.NewRequest(http.MethodPost, "/run", bytes.NewReader(validOverridesJSON()))
	w := httptest.NewRecorder()

	h.HandleRun(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestHandleRun_Concurrent(t *testing.T) {
	// Simulate a long-running acquisition
	started := make(chan struct{})
	blocking := make(chan struct{})
	slowRun := func(_ context.Context, _ Overrides) error {
		close(started)
		<-blocking
		return nil
	}

	h := newTestHandlers(slowRun)

	// First request starts a run
	req1 := httptest.NewRequest(http.MethodPost, "/run", bytes.NewReader(validOverridesJSON()))
	w1 := httptest.NewRecorder()
	h.HandleRun(w1, req1)
	if w1.Code != http.StatusAccepted {
		t.Fatalf("first request: status = %d, want %d", w1.Code, http.StatusAccepted)
	}

	// Wait for goroutine to start
	<-started

	// Second request should be rejected as already running
	req2 := httptest.NewRequest(http.MethodPost, "/run", bytes.NewReader(validOverridesJSON()))
	w2 := httptest.NewRecorder()
	h.HandleRun(w2, req2)

	if w2.Code != http.StatusConflict {
		t.Errorf("concurrent request: status = %d, want %d", w2.Code, http.StatusConflict)
	}

	close(blocking) // unblock first run
	time.Sleep(100 * time.Millisecond)
}

func TestHandleRun_RateLimiting(t *testing.T) {
	h := newTestHandlers(noopRun)

	// First request
	req1 := httptest.NewRequest(http.MethodPost, "/run", bytes.NewReader(validOverridesJSON()))
	w1 := httptest.NewRecorder()
	h.HandleRun(w1, req1)
	if w1.Code != http.StatusAccepted {
		t.Fatalf("first request: status = %d, want %d", w1.Code, http.StatusAccepted)
	}

	// Wait a bit for goroutine to start and running flag to be cleared
	time.Sleep(200 * time.Millisecond)

	// Second request within 5 seconds should be rate-limited
	req2 := httptest.NewRequest(http.MethodPost, "/run", bytes.NewReader(validOverridesJSON()))
	w2 := httptest.NewRecorder()
	h.HandleRun(w2, req2)

	if w2.Code != http.StatusTooManyRequests {
		t.Errorf("rate-limited request: status = %d, want %d", w2.Code, http.StatusTooManyRequests)
	}
}

// ---------- HandleConfig ----------

func TestHandleConfig(t *testing.T) {
	h := newTestHandlers(noopRun)
	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	w := httptest.NewRecorder()

	h.HandleConfig(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var fc FormConfig
	if err := json.NewDecoder(w.Body).Decode(&fc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fc.Count != 1000 {
		t.Errorf("Count = %v, want 1000", fc.Count)
	}
	if fc.Mode != 2 {
		t.Errorf("Mode = %v, want 2", fc.Mode)
	}
	if fc.DeltaTUs != 30000 || !fc.Trigger {
		t.Errorf("DeltaTUs = %v, Trigger = %v", fc.DeltaTUs, fc.Trigger)
	}
}

// ---------- ServeIndex ----------

func TestServeIndex(t *testing.T) {
	h := newTestHandlers(noopRun)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	h.ServeIndex(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q, want text/html; charset=utf-8", ct)
	}
	if !strings.Contains(w.Body.String(), "<html>") {
		t.Error("body should contain HTML content")
	}
}

func TestHandleRun_PassesOverrides(t *testing.T) {
	got := make(chan Overrides, 1)
	h := newTestHandlers(func(_ context.Context, o Overrides) error {
		got <- o
		return nil
	})
	req := httptest.NewRequest(http.MethodPost, "/run", strings.NewReader(`{"count":42,"mode":3,"trigger":false}`))
	w := httptest.NewRecorder()
	h.HandleRun(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}

	select {
	case o := <-got:
		if o.Count != 42 || o.Mode == nil || *o.Mode != 3 || o.Trigger == nil || *o.Trigger {
			t.Errorf("overrides = %+v", o)
		}
	case <-time.After(time.Second):
		t.Fatal("run not called")
	}
}

func TestServer_Routes(t *testing.T) {
	s := NewServer(":0", NewStatusBroadcaster(), noopRun, FormConfig{Count: 5})
	srv := httptest.NewServer(s.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/config")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var fc FormConfig
	if err := json.NewDecoder(resp.Body).Decode(&fc); err != nil || fc.Count != 5 {
		t.Errorf("GET /config = %+v, err %v", fc, err)
	}

	idx, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	idx.Body.Close()
	if idx.StatusCode != http.StatusOK {
		t.Errorf("GET / = %d", idx.StatusCode)
	}
}
