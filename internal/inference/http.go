package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ntheanh201/vibesdk/internal/core"
	"github.com/ntheanh201/vibesdk/internal/logging"
)

// HTTPClient talks to an OpenAI-compatible chat completions gateway.
type HTTPClient struct {
	client       *http.Client
	baseURL      string
	apiKey       string
	defaultModel string
	logger       *logging.Logger
}

// NewHTTPClient creates a gateway client. model is the fallback when a
// request carries no override.
func NewHTTPClient(baseURL, apiKey, model string, logger *logging.Logger) *HTTPClient {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &HTTPClient{
		client:       &http.Client{Timeout: 10 * time.Minute},
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		defaultModel: model,
		logger:       logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

func (c *HTTPClient) buildBody(req Request, stream bool) ([]byte, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	var userContent any = req.Prompt
	if len(req.Images) > 0 {
		parts := []contentPart{{Type: "text", Text: req.Prompt}}
		for _, img := range req.Images {
			parts = append(parts, contentPart{
				Type: "image_url",
				ImageURL: &imageURL{URL: fmt.Sprintf("data:%s;base64,%s",
					img.MimeType, base64.StdEncoding.EncodeToString(img.Data))},
			})
		}
		userContent = parts
	}

	messages := []chatMessage{}
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userContent})

	return json.Marshal(map[string]any{
		"model":    model,
		"messages": messages,
		"stream":   stream,
	})
}

func (c *HTTPClient) post(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	body, err := c.buildBody(req, stream)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, core.ErrExecution("GATEWAY_UNREACHABLE", "inference gateway request failed").WithCause(err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		_ = resp.Body.Close()
		return nil, core.ErrRateLimit("inference gateway rate limited the request")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, core.ErrExecution("GATEWAY_STATUS",
			fmt.Sprintf("inference gateway returned status %d: %s", resp.StatusCode, detail))
	}
	return resp, nil
}

// Complete implements Client.
func (c *HTTPClient) Complete(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	resp, err := c.post(ctx, req, false)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", core.ErrExecution("GATEWAY_DECODE", "inference response was not valid JSON").WithCause(err)
	}
	if len(out.Choices) == 0 {
		return "", core.ErrExecution("GATEWAY_EMPTY", "inference response carried no choices")
	}
	c.logger.Debug("inference completed", "operation", req.Operation, "duration", time.Since(start))
	return out.Choices[0].Message.Content, nil
}

// Stream implements Client by consuming the SSE response.
func (c *HTTPClient) Stream(ctx context.Context, req Request, onChunk func(string)) (string, error) {
	resp, err := c.post(ctx, req, true)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		var event struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue // keepalives and comments are not JSON
		}
		if len(event.Choices) == 0 {
			continue
		}
		chunk := event.Choices[0].Delta.Content
		if chunk == "" {
			continue
		}
		full.WriteString(chunk)
		if onChunk != nil {
			onChunk(chunk)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", core.ErrExecution("GATEWAY_STREAM", "inference stream ended abnormally").WithCause(err)
	}
	return full.String(), nil
}
