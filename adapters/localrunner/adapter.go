// Package localrunner implements the Provider Adapter contract against a
// generic OpenAI-compatible HTTP endpoint, for on-prem/self-hosted models
// (e.g. vLLM, llama.cpp server, Ollama's OpenAI-compatible mode).
package localrunner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/relayforge/polyllm/adapters"
	"github.com/relayforge/polyllm/types"
)

// Config configures a local-runner adapter. Unlike the hosted providers,
// BaseURL is required and APIKey is optional (most local runners accept
// requests unauthenticated).
type Config struct {
	Name    string
	BaseURL string
	APIKey  string
}

// Adapter talks to any OpenAI-compatible chat-completions endpoint.
type Adapter struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

// New builds a local-runner adapter.
func New(cfg Config, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	name := cfg.Name
	if name == "" {
		name = "localrunner"
	}
	return &Adapter{
		name:    name,
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: adapters.DefaultProviderMaxTimeout},
		logger:  logger,
	}
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) SupportedModels() []string { return nil }

func (a *Adapter) SupportsStreaming() bool { return true }

func (a *Adapter) Generate(ctx context.Context, call types.ModelCall) (*types.ModelResponse, *types.Error) {
	timeout := adapters.EffectiveTimeout(ctx, call)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body := adapters.OpenAICompatRequest{
		Model:       call.Model.Model,
		Messages:    adapters.ConvertMessagesToOpenAI(call.Messages),
		MaxTokens:   call.MaxTokens,
		Temperature: call.Temperature,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewError(types.ErrBadRequest, err.Error()).WithProvider(a.Name())
	}

	endpoint := fmt.Sprintf("%s/v1/chat/completions", strings.TrimRight(a.baseURL, "/"))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrBadRequest, err.Error()).WithProvider(a.Name())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	start := time.Now()
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, adapters.ClassifyTransportError(ctx, err, a.Name())
	}
	defer adapters.SafeCloseBody(resp.Body)
	latency := time.Since(start)

	if resp.StatusCode >= 400 {
		msg := adapters.ReadErrorMessage(resp.Body)
		return nil, adapters.MapHTTPError(resp.StatusCode, msg, &resp.Header, a.Name())
	}

	var oa adapters.OpenAICompatResponse
	if err := json.NewDecoder(resp.Body).Decode(&oa); err != nil {
		return nil, types.NewError(types.ErrUnknown, "failed to parse response: "+err.Error()).WithProvider(a.Name())
	}
	return adapters.ToModelResponse(oa, call.Model, latency)
}

func (a *Adapter) Stream(ctx context.Context, call types.ModelCall) (<-chan adapters.StreamChunk, error) {
	ch := make(chan adapters.StreamChunk, 1)
	go func() {
		defer close(ch)
		resp, classified := a.Generate(ctx, call)
		if classified != nil {
			return
		}
		ch <- adapters.StreamChunk{Delta: resp.Content, FinishReason: resp.FinishReason, Final: resp}
	}()
	return ch, nil
}
