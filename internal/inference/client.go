// Package inference abstracts the LLM providers. A call either returns a
// final string or streams chunks through a callback; both are cancellable
// through the context carrying the agent's abort handle.
package inference

import (
	"context"
)

// Image is a user-supplied image attached to a request. Images accompany a
// single in-flight phase and are never persisted.
type Image struct {
	MimeType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

// Request is one inference call.
type Request struct {
	Operation string // operation name, used for model routing and logging
	Model     string // optional override
	System    string
	Prompt    string
	Images    []Image
}

// Client is the opaque LLM call surface. Implementations surface provider
// rate limiting as core.ErrRateLimit and honor context cancellation.
type Client interface {
	// Complete returns the final response text.
	Complete(ctx context.Context, req Request) (string, error)

	// Stream produces a finite, non-restartable sequence of chunks through
	// onChunk and returns the accumulated text.
	Stream(ctx context.Context, req Request, onChunk func(chunk string)) (string, error)
}
