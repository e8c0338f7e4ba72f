package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/relayforge/polyllm/types"
)

// DefaultProviderMaxTimeout is the ceiling every adapter applies to a
// ModelCall when neither the caller's context nor the call itself impose a
// shorter one.
const DefaultProviderMaxTimeout = 45 * time.Second

// EffectiveTimeout resolves the innermost of ctx's deadline, the call's own
// timeout, and the provider's maximum, per the three-layer timeout model.
func EffectiveTimeout(ctx context.Context, call types.ModelCall) time.Duration {
	d := DefaultProviderMaxTimeout
	if call.Timeout > 0 && call.Timeout < d {
		d = call.Timeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < d {
			d = remaining
		}
	}
	return d
}

// MapHTTPError classifies an HTTP response status into the ErrorKind sum
// type, per the normative table in §4.1.
func MapHTTPError(status int, msg string, retryAfter *http.Header, provider string) *types.Error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return types.NewError(types.ErrAuthFailed, msg).WithHTTPStatus(status).WithProvider(provider)
	case http.StatusNotFound:
		return types.NewError(types.ErrModelNotFound, msg).WithHTTPStatus(status).WithProvider(provider)
	case http.StatusTooManyRequests:
		e := types.NewError(types.ErrRateLimited, msg).WithHTTPStatus(status).WithRetryable(true).WithProvider(provider)
		if retryAfter != nil {
			if ra := parseRetryAfter(retryAfter.Get("Retry-After")); ra > 0 {
				e = e.WithRetryAfter(ra)
			}
		}
		return e
	case http.StatusBadRequest:
		return types.NewError(types.ErrBadRequest, msg).WithHTTPStatus(status).WithProvider(provider)
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return types.NewError(types.ErrServiceUnavailable, msg).WithHTTPStatus(status).WithRetryable(true).WithProvider(provider)
	default:
		return types.NewError(types.ErrUnknown, msg).WithHTTPStatus(status).WithRetryable(status >= 500).WithProvider(provider)
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// ClassifyTransportError turns a network-level error (failed to connect,
// context deadline, DNS failure) into the ErrorKind sum type.
func ClassifyTransportError(ctx context.Context, err error, provider string) *types.Error {
	if ctx.Err() == context.DeadlineExceeded {
		return types.NewError(types.ErrTimeout, err.Error()).WithRetryable(true).WithProvider(provider)
	}
	return types.NewError(types.ErrNetwork, err.Error()).WithRetryable(true).WithProvider(provider)
}

// ReadErrorMessage reads an HTTP error body, preferring a parsed JSON
// {"error":{"message":...}} shape and falling back to the raw text,
// truncated so raw provider bodies never flood logs.
func ReadErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 8192))
	if err != nil {
		return "failed to read error response"
	}
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &errResp) == nil && errResp.Error.Message != "" {
		if errResp.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
		}
		return errResp.Error.Message
	}
	return strings.TrimSpace(string(data))
}

// SafeCloseBody closes an HTTP response body, ignoring a nil body.
func SafeCloseBody(body io.ReadCloser) {
	if body != nil {
		_ = body.Close()
	}
}

// OpenAI-compatible chat-completions wire shapes, shared by the openai and
// localrunner adapters (both speak this exact format).

type OpenAICompatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type OpenAICompatRequest struct {
	Model       string                 `json:"model"`
	Messages    []OpenAICompatMessage  `json:"messages"`
	MaxTokens   int                    `json:"max_tokens,omitempty"`
	Temperature float64                `json:"temperature,omitempty"`
}

type OpenAICompatChoice struct {
	Index        int                  `json:"index"`
	FinishReason string               `json:"finish_reason"`
	Message      OpenAICompatMessage  `json:"message"`
}

type OpenAICompatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type OpenAICompatResponse struct {
	ID      string               `json:"id"`
	Model   string               `json:"model"`
	Choices []OpenAICompatChoice `json:"choices"`
	Usage   *OpenAICompatUsage   `json:"usage,omitempty"`
}

// ConvertMessagesToOpenAI maps our Message slice to the OpenAI-compatible
// wire shape.
func ConvertMessagesToOpenAI(msgs []types.Message) []OpenAICompatMessage {
	out := make([]OpenAICompatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, OpenAICompatMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// ToModelResponse converts an OpenAI-compatible response into the
// normalized ModelResponse, choosing the first choice.
func ToModelResponse(oa OpenAICompatResponse, model types.ModelIdentifier, latency time.Duration) (*types.ModelResponse, *types.Error) {
	if len(oa.Choices) == 0 {
		return nil, types.NewError(types.ErrUnknown, "empty choices in response").WithProvider(model.Provider)
	}
	resp := &types.ModelResponse{
		Model:        model,
		Content:      oa.Choices[0].Message.Content,
		Latency:      latency,
		FinishReason: oa.Choices[0].FinishReason,
	}
	if oa.Usage != nil {
		resp.PromptTokens = oa.Usage.PromptTokens
		resp.CompletionTokens = oa.Usage.CompletionTokens
	}
	return resp, nil
}
