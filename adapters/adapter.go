// Package adapters defines the Provider Adapter contract and shared HTTP
// plumbing used by every concrete provider implementation.
package adapters

import (
	"context"

	"github.com/relayforge/polyllm/types"
)

// Adapter is the capability set every provider implementation exposes. One
// instance per provider, constructed at registry build time and immutable
// thereafter.
type Adapter interface {
	// Name returns the provider's identifier, e.g. "openai".
	Name() string

	// SupportedModels returns the set of model names this adapter will
	// accept without consulting the provider (advisory; adapters accept
	// any model name and let the provider itself reject unknown ones).
	SupportedModels() []string

	// Generate issues one ModelCall and returns a normalized response or
	// a classified *types.Error. Honors ctx cancellation: an in-flight
	// HTTP request is aborted when ctx is done.
	Generate(ctx context.Context, call types.ModelCall) (*types.ModelResponse, *types.Error)

	// SupportsStreaming reports whether Stream is meaningfully implemented.
	SupportsStreaming() bool

	// Stream yields a finite, non-restartable sequence of text chunks
	// followed by a final ModelResponse. Not called by the orchestration
	// path in this module; exposed for adapter-level testing and for
	// callers who bypass the Orchestrator.
	Stream(ctx context.Context, call types.ModelCall) (<-chan StreamChunk, error)
}

// StreamChunk is one increment of a streamed generation.
type StreamChunk struct {
	Delta        string
	FinishReason string
	Final        *types.ModelResponse
}
