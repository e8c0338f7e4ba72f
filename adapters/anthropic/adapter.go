// Package anthropic implements the Provider Adapter contract against the
// Anthropic Messages API. Anthropic's wire format differs from the OpenAI
// family in three ways this adapter handles directly: authentication uses
// an x-api-key header instead of Bearer, the system prompt is a top-level
// field rather than a message with role "system", and response content is
// an array of typed blocks rather than a single string.
package anthropic

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
	defaultBaseURL      = "https://api.anthropic.com"
	defaultModel        = "claude-3-5-sonnet-latest"
	anthropicVersion    = "2023-06-01"
	defaultMaxTokens    = 4096
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

func (a *Adapter) Name() string { return "anthropic" }

func (a *Adapter) SupportedModels() []string {
	return []string{"claude-3-5-sonnet-latest", "claude-3-5-haiku-latest", "claude-3-opus-latest"}
}

func (a *Adapter) SupportsStreaming() bool { return true }

type messageBlock struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeRequest struct {
	Model       string         `json:"model"`
	System      string         `json:"system,omitempty"`
	Messages    []messageBlock `json:"messages"`
	MaxTokens   int            `json:"max_tokens"`
	Temperature float64        `json:"temperature,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Content    []contentBlock `json:"content"`
	Usage      claudeUsage    `json:"usage"`
}

// splitSystem separates the (at most one, by convention first) system
// message from the rest of the conversation, since Anthropic carries it as
// a top-level request field rather than a message in the array.
func splitSystem(msgs []types.Message) (string, []messageBlock) {
	var system string
	out := make([]messageBlock, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == types.RoleSystem {
			if system == "" {
				system = m.Content
			} else {
				system += "\n" + m.Content
			}
			continue
		}
		out = append(out, messageBlock{Role: string(m.Role), Content: m.Content})
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
	maxTokens := call.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	system, messages := splitSystem(call.Messages)

	body := claudeRequest{
		Model:       model,
		System:      system,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: call.Temperature,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewError(types.ErrBadRequest, err.Error()).WithProvider(a.Name())
	}

	endpoint := fmt.Sprintf("%s/v1/messages", strings.TrimRight(a.baseURL, "/"))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrBadRequest, err.Error()).WithProvider(a.Name())
	}
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
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

	var cr claudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, types.NewError(types.ErrUnknown, "failed to parse response: "+err.Error()).WithProvider(a.Name())
	}

	var text strings.Builder
	for _, block := range cr.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &types.ModelResponse{
		Model:            call.Model,
		Content:          text.String(),
		PromptTokens:     cr.Usage.InputTokens,
		CompletionTokens: cr.Usage.OutputTokens,
		Latency:          latency,
		FinishReason:     cr.StopReason,
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
