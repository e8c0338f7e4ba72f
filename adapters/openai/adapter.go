// Package openai implements the Provider Adapter contract against the
// OpenAI chat-completions API.
package openai

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

const (
	defaultBaseURL = "https://api.openai.com"
	defaultModel   = "gpt-4o"
)

// Adapter talks to the OpenAI chat-completions endpoint.
type Adapter struct {
	apiKey       string
	baseURL      string
	organization string
	client       *http.Client
	logger       *zap.Logger
}

// Config configures a new Adapter.
type Config struct {
	APIKey       string
	BaseURL      string
	Organization string
}

// New builds an OpenAI adapter. apiKey must be non-empty; the registry is
// responsible for only constructing enabled adapters.
func New(cfg Config, logger *zap.Logger) *Adapter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		apiKey:       cfg.APIKey,
		baseURL:      baseURL,
		organization: cfg.Organization,
		client:       &http.Client{Timeout: adapters.DefaultProviderMaxTimeout},
		logger:       logger,
	}
}

func (a *Adapter) Name() string { return "openai" }

func (a *Adapter) SupportedModels() []string {
	return []string{"gpt-4o", "gpt-4o-mini", "gpt-4-turbo", "gpt-3.5-turbo"}
}

func (a *Adapter) SupportsStreaming() bool { return true }

func (a *Adapter) buildHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if a.organization != "" {
		req.Header.Set("OpenAI-Organization", a.organization)
	}
}

func (a *Adapter) Generate(ctx context.Context, call types.ModelCall) (*types.ModelResponse, *types.Error) {
	timeout := adapters.EffectiveTimeout(ctx, call)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	model := call.Model.Model
	if model == "" {
		model = defaultModel
	}
	body := adapters.OpenAICompatRequest{
		Model:       model,
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
	a.buildHeaders(httpReq)

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
