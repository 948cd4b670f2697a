// Package screenshot captures preview screenshots through an external
// renderer service and persists their location on the app record.
package screenshot

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"github.com/ntheanh201/vibesdk/internal/core"
	"github.com/ntheanh201/vibesdk/internal/logging"
)

// gotoTimeout bounds how long the renderer may spend loading the page.
const gotoTimeout = 10 * time.Second

// Viewport is the requested browser viewport.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DefaultViewport matches the preview iframe dimensions.
var DefaultViewport = Viewport{Width: 1280, Height: 720}

// AppStore is the persistence surface the capturer needs.
type AppStore interface {
	UpdateAppScreenshot(appID, screenshotURL string) error
}

// Capturer drives the renderer service.
type Capturer struct {
	client      *http.Client
	rendererURL string
	outputDir   string
	apps        AppStore
	logger      *logging.Logger
}

// NewCapturer creates a capturer writing PNG files under outputDir.
func NewCapturer(rendererURL, outputDir string, apps AppStore, logger *logging.Logger) *Capturer {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Capturer{
		client:      &http.Client{Timeout: gotoTimeout + 5*time.Second},
		rendererURL: rendererURL,
		outputDir:   outputDir,
		apps:        apps,
		logger:      logger,
	}
}

// Capture renders url, writes the PNG atomically, and records its relative
// path on the app row. Returns the stored path.
func (c *Capturer) Capture(ctx context.Context, appID, url string, viewport Viewport) (string, error) {
	if viewport.Width <= 0 || viewport.Height <= 0 {
		viewport = DefaultViewport
	}

	png, err := c.render(ctx, url, viewport)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(c.outputDir, 0o750); err != nil {
		return "", fmt.Errorf("creating screenshot directory: %w", err)
	}
	name := fmt.Sprintf("%s-%d.png", appID, time.Now().Unix())
	path := filepath.Join(c.outputDir, name)
	if err := renameio.WriteFile(path, png, 0o640); err != nil {
		return "", fmt.Errorf("writing screenshot: %w", err)
	}

	stored := "screenshots/" + name
	if err := c.apps.UpdateAppScreenshot(appID, stored); err != nil {
		return "", err
	}
	c.logger.Info("screenshot captured", "app_id", appID, "url", url, "bytes", len(png))
	return stored, nil
}

// render posts the capture request to the renderer and decodes the PNG.
func (c *Capturer) render(ctx context.Context, url string, viewport Viewport) ([]byte, error) {
	body, err := json.Marshal(map[string]any{
		"url":         url,
		"viewport":    viewport,
		"gotoTimeout": gotoTimeout.Milliseconds(),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rendererURL+"/screenshot", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, core.ErrExecution("RENDERER_UNREACHABLE", "screenshot renderer request failed").WithCause(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, core.ErrExecution("RENDERER_STATUS",
			fmt.Sprintf("screenshot renderer returned status %d: %s", resp.StatusCode, detail))
	}

	var out struct {
		Screenshot string `json:"screenshot"` // base64 PNG
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, core.ErrExecution("RENDERER_DECODE", "screenshot response was not valid JSON").WithCause(err)
	}
	png, err := base64.StdEncoding.DecodeString(out.Screenshot)
	if err != nil {
		return nil, core.ErrExecution("RENDERER_DECODE", "screenshot payload was not valid base64").WithCause(err)
	}
	if len(png) == 0 {
		return nil, core.ErrExecution("RENDERER_EMPTY", "screenshot renderer returned no image")
	}
	return png, nil
}
