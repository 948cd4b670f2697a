package screenshot

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

type memAppStore struct {
	mu    sync.Mutex
	saved map[string]string
}

func (s *memAppStore) UpdateAppScreenshot(appID, screenshotURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		s.saved = map[string]string{}
	}
	s.saved[appID] = screenshotURL
	return nil
}

func TestCapture_WritesFileAndPersists(t *testing.T) {
	t.Parallel()
	png := []byte("\x89PNG fake image bytes")

	var gotReq struct {
		URL      string   `json:"url"`
		Viewport Viewport `json:"viewport"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/screenshot" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"screenshot": base64.StdEncoding.EncodeToString(png),
		})
	}))
	t.Cleanup(server.Close)

	store := &memAppStore{}
	dir := t.TempDir()
	c := NewCapturer(server.URL, dir, store, nil)

	stored, err := c.Capture(context.Background(), "app-1", "http://localhost:8787", Viewport{})
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if !strings.HasPrefix(stored, "screenshots/app-1-") {
		t.Errorf("stored path = %q", stored)
	}
	if gotReq.URL != "http://localhost:8787" {
		t.Errorf("renderer got url %q", gotReq.URL)
	}
	if gotReq.Viewport != DefaultViewport {
		t.Errorf("zero viewport should fall back to default, got %+v", gotReq.Viewport)
	}

	data, err := os.ReadFile(filepath.Join(dir, strings.TrimPrefix(stored, "screenshots/")))
	if err != nil {
		t.Fatalf("reading written file: %v", err)
	}
	if string(data) != string(png) {
		t.Error("written bytes differ from rendered image")
	}
	if store.saved["app-1"] != stored {
		t.Errorf("persisted path = %q, want %q", store.saved["app-1"], stored)
	}
}

func TestCapture_RendererFailure(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "browser pool exhausted", http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	c := NewCapturer(server.URL, t.TempDir(), &memAppStore{}, nil)
	if _, err := c.Capture(context.Background(), "app-1", "http://localhost:8787", DefaultViewport); err == nil {
		t.Error("Capture() should surface renderer errors")
	}
}

func TestCapture_EmptyImageRejected(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"screenshot": ""})
	}))
	t.Cleanup(server.Close)

	store := &memAppStore{}
	c := NewCapturer(server.URL, t.TempDir(), store, nil)
	if _, err := c.Capture(context.Background(), "app-1", "http://x", DefaultViewport); err == nil {
		t.Error("empty screenshot should be an error")
	}
	if len(store.saved) != 0 {
		t.Error("nothing should be persisted on failure")
	}
}
