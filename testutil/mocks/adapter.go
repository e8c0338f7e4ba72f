// Package mocks provides MockAdapter, a builder-configurable
// adapters.Adapter double used across this module's package tests.
//
// Usage:
//
//	a := mocks.NewMockAdapter("openai").WithResponse("hello")
//	resp, err := a.Generate(ctx, call)
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/relayforge/polyllm/adapters"
	"github.com/relayforge/polyllm/types"
)

// MockAdapter is a test double implementing adapters.Adapter.
type MockAdapter struct {
	mu sync.Mutex

	name             string
	models           []string
	response         string
	err              *types.Error
	promptTokens     int
	completionTokens int
	delay            time.Duration
	failAfter        int
	callCount        int
	calls            []MockAdapterCall
	generateFunc     func(ctx context.Context, call types.ModelCall) (*types.ModelResponse, *types.Error)
}

// MockAdapterCall records one Generate invocation.
type MockAdapterCall struct {
	Call     types.ModelCall
	Response *types.ModelResponse
	Error    *types.Error
}

// NewMockAdapter builds a MockAdapter that always succeeds with a canned
// response, under the given provider name.
func NewMockAdapter(name string) *MockAdapter {
	return &MockAdapter{
		name:             name,
		response:         "mock response",
		promptTokens:     10,
		completionTokens: 20,
	}
}

// WithResponse sets the fixed response content.
func (m *MockAdapter) WithResponse(response string) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.response = response
	return m
}

// WithError sets a fixed error returned on every call.
func (m *MockAdapter) WithError(err *types.Error) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithModels sets the advisory SupportedModels list.
func (m *MockAdapter) WithModels(models ...string) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.models = models
	return m
}

// WithTokenUsage sets the prompt/completion token counts on the canned
// response.
func (m *MockAdapter) WithTokenUsage(prompt, completion int) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promptTokens, m.completionTokens = prompt, completion
	return m
}

// WithDelay sets an artificial delay before returning from Generate,
// honoring ctx cancellation during the wait.
func (m *MockAdapter) WithDelay(d time.Duration) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithFailAfter makes the adapter return a retryable ErrServiceUnavailable
// error starting on the (n+1)th call, succeeding on the first n.
func (m *MockAdapter) WithFailAfter(n int) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
	return m
}

// WithGenerateFunc overrides Generate with a caller-supplied function; a
// WithDelay delay is still applied first, and every other configuration is
// ignored.
func (m *MockAdapter) WithGenerateFunc(fn func(ctx context.Context, call types.ModelCall) (*types.ModelResponse, *types.Error)) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generateFunc = fn
	return m
}

// Name implements adapters.Adapter.
func (m *MockAdapter) Name() string { return m.name }

// SupportedModels implements adapters.Adapter.
func (m *MockAdapter) SupportedModels() []string { return m.models }

// SupportsStreaming implements adapters.Adapter; MockAdapter never streams.
func (m *MockAdapter) SupportsStreaming() bool { return false }

// Stream implements adapters.Adapter by wrapping Generate into a
// single-chunk channel.
func (m *MockAdapter) Stream(ctx context.Context, call types.ModelCall) (<-chan adapters.StreamChunk, error) {
	resp, err := m.Generate(ctx, call)
	ch := make(chan adapters.StreamChunk, 1)
	if err != nil {
		close(ch)
		return ch, err
	}
	ch <- adapters.StreamChunk{Delta: resp.Content, FinishReason: resp.FinishReason, Final: resp}
	close(ch)
	return ch, nil
}

// Generate implements adapters.Adapter.
func (m *MockAdapter) Generate(ctx context.Context, call types.ModelCall) (*types.ModelResponse, *types.Error) {
	m.mu.Lock()
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, types.NewError(types.ErrTimeout, "mock adapter: context done during delay").WithProvider(m.name)
		case <-timer.C:
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCount++

	if m.generateFunc != nil {
		resp, callErr := m.generateFunc(ctx, call)
		m.calls = append(m.calls, MockAdapterCall{Call: call, Response: resp, Error: callErr})
		return resp, callErr
	}

	if m.failAfter > 0 && m.callCount > m.failAfter {
		callErr := types.NewError(types.ErrServiceUnavailable, "mock adapter: configured to fail after N calls").
			WithRetryable(true).WithProvider(m.name)
		m.calls = append(m.calls, MockAdapterCall{Call: call, Error: callErr})
		return nil, callErr
	}

	if m.err != nil {
		m.calls = append(m.calls, MockAdapterCall{Call: call, Error: m.err})
		return nil, m.err
	}

	resp := &types.ModelResponse{
		Model:            call.Model,
		Content:          m.response,
		PromptTokens:     m.promptTokens,
		CompletionTokens: m.completionTokens,
		FinishReason:     "stop",
	}
	m.calls = append(m.calls, MockAdapterCall{Call: call, Response: resp})
	return resp, nil
}

// Calls returns every recorded Generate call, in order.
func (m *MockAdapter) Calls() []MockAdapterCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockAdapterCall{}, m.calls...)
}

// CallCount returns the number of Generate invocations so far.
func (m *MockAdapter) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// NewSuccessAdapter builds an adapter that always succeeds with response.
func NewSuccessAdapter(name, response string) *MockAdapter {
	return NewMockAdapter(name).WithResponse(response)
}

// NewErrorAdapter builds an adapter that always fails with err.
func NewErrorAdapter(name string, err *types.Error) *MockAdapter {
	return NewMockAdapter(name).WithError(err)
}

// NewFlakeyAdapter builds an adapter that succeeds failAfter times, then
// fails on every subsequent call.
func NewFlakeyAdapter(name, response string, failAfter int) *MockAdapter {
	return NewMockAdapter(name).WithResponse(response).WithFailAfter(failAfter)
}
