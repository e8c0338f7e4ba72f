// Package huggingface implements the Provider Adapter contract against the
// HuggingFace Inference API's text-generation endpoint.
package huggingface

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

const defaultBaseURL = "https://api-inference.huggingface.co"

type Config struct {
	APIKey  string
	BaseURL string
}

type Adapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Adapter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: adapters.DefaultProviderMaxTimeout},
		logger:  logger,
	}
}

func (a *Adapter) Name() string { return "huggingface" }

func (a *Adapter) SupportedModels() []string { return nil }

func (a *Adapter) SupportsStreaming() bool { return false }

type hfParameters struct {
	MaxNewTokens int     `json:"max_new_tokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	ReturnText   bool    `json:"return_full_text"`
}

type hfRequest struct {
	Inputs     string       `json:"inputs"`
	Parameters hfParameters `json:"parameters"`
}

type hfGeneration struct {
	GeneratedText string `json:"generated_text"`
}

// flatten renders the conversation as a single prompt string, since the
// text-generation endpoint takes one "inputs" string rather than a
// structured message array.
func flatten(msgs []types.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString("assistant: ")
	return b.String()
}

func (a *Adapter) Generate(ctx context.Context, call types.ModelCall) (*types.ModelResponse, *types.Error) {
	timeout := adapters.EffectiveTimeout(ctx, call)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	prompt := flatten(call.Messages)
	body := hfRequest{
		Inputs: prompt,
		Parameters: hfParameters{
			MaxNewTokens: call.MaxTokens,
			Temperature:  call.Temperature,
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewError(types.ErrBadRequest, err.Error()).WithProvider(a.Name())
	}

	endpoint := fmt.Sprintf("%s/models/%s", strings.TrimRight(a.baseURL, "/"), call.Model.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrBadRequest, err.Error()).WithProvider(a.Name())
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

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

	var gens []hfGeneration
	if err := json.NewDecoder(resp.Body).Decode(&gens); err != nil {
		return nil, types.NewError(types.ErrUnknown, "failed to parse response: "+err.Error()).WithProvider(a.Name())
	}
	if len(gens) == 0 {
		return nil, types.NewError(types.ErrUnknown, "empty generation list").WithProvider(a.Name())
	}

	return &types.ModelResponse{
		Model:        call.Model,
		Content:      gens[0].GeneratedText,
		Latency:      latency,
		FinishReason: "stop",
	}, nil
}

func (a *Adapter) Stream(ctx context.Context, call types.ModelCall) (<-chan adapters.StreamChunk, error) {
	return nil, types.NewError(types.ErrBadRequest, "huggingface adapter does not support streaming").WithProvider(a.Name())
}
