package unifiedllm

import "context"

// ChatProvider is the capability the agent loop consumes to run one model
// step. Implementations are plugged in at construction time.
type ChatProvider interface {
	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string

	// Stream sends a request and returns a channel of stream events. The
	// channel is closed after StreamFinish or StreamError.
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// Closer is implemented by providers that hold resources.
type Closer interface {
	Close() error
}

// ModelNamer is implemented by providers bound to a default model.
type ModelNamer interface {
	Model() string
}
