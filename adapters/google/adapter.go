// Package google implements the Provider Adapter contract against the
// Google generative-language API (Gemini's generateContent endpoint).
package google

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
	defaultBaseURL = "https://generativelanguage.googleapis.com"
	defaultModel   = "gemini-1.5-pro"
)

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

func (a *Adapter) Name() string { return "google" }

func (a *Adapter) SupportedModels() []string {
	return []string{"gemini-1.5-pro", "gemini-1.5-flash"}
}

func (a *Adapter) SupportsStreaming() bool { return true }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent          `json:"contents"`
	SystemInstruction *geminiContent           `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig  `json:"generationConfig,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata geminiUsageMetadata  `json:"usageMetadata"`
}

// convertContents separates a leading system message (Google calls it
// systemInstruction, a role-less content block) from the rest of the
// conversation, and maps our RoleAssistant onto Gemini's "model" role.
func convertContents(msgs []types.Message) (*geminiContent, []geminiContent) {
	var system *geminiContent
	out := make([]geminiContent, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == types.RoleSystem {
			if system == nil {
				system = &geminiContent{Parts: []geminiPart{{Text: m.Content}}}
			}
			continue
		}
		role := "user"
		if m.Role == types.RoleAssistant {
			role = "model"
		}
		out = append(out, geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}})
	}
	return system, out
}

func (a *Adapter) Generate(ctx context.Context, call types.ModelCall) (*types.ModelResponse, *types.Error) {
	timeout := adapters.EffectiveTimeout(ctx, call)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	model := call.Model.Model
	if model == "" {
		model = defaultModel
	}
	system, contents := convertContents(call.Messages)

	body := geminiRequest{
		Contents:          contents,
		SystemInstruction: system,
		GenerationConfig: &geminiGenerationConfig{
			Temperature:     call.Temperature,
			MaxOutputTokens: call.MaxTokens,
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewError(types.ErrBadRequest, err.Error()).WithProvider(a.Name())
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		strings.TrimRight(a.baseURL, "/"), model, a.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrBadRequest, err.Error()).WithProvider(a.Name())
	}
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

	var gr geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, types.NewError(types.ErrUnknown, "failed to parse response: "+err.Error()).WithProvider(a.Name())
	}
	if len(gr.Candidates) == 0 {
		return nil, types.NewError(types.ErrUnknown, "no candidates in response").WithProvider(a.Name())
	}

	var text strings.Builder
	for _, p := range gr.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}
	return &types.ModelResponse{
		Model:            call.Model,
		Content:          text.String(),
		PromptTokens:     gr.UsageMetadata.PromptTokenCount,
		CompletionTokens: gr.UsageMetadata.CandidatesTokenCount,
		Latency:          latency,
		FinishReason:     gr.Candidates[0].FinishReason,
	}, nil
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
