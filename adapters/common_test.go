package adapters

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/relayforge/polyllm/types"
)

func TestEffectiveTimeout_UsesProviderMaxWhenUnconstrained(t *testing.T) {
	d := EffectiveTimeout(context.Background(), types.ModelCall{})
	assert.Equal(t, DefaultProviderMaxTimeout, d)
}

func TestEffectiveTimeout_CallTimeoutNarrowsIt(t *testing.T) {
	d := EffectiveTimeout(context.Background(), types.ModelCall{Timeout: 5 * time.Second})
	assert.Equal(t, 5*time.Second, d)
}

func TestEffectiveTimeout_CtxDeadlineIsTheInnermost(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d := EffectiveTimeout(ctx, types.ModelCall{Timeout: 5 * time.Second})
	assert.LessOrEqual(t, d, 2*time.Second)
}

func TestMapHTTPError_ClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		status int
		code   types.ErrorCode
	}{
		{http.StatusUnauthorized, types.ErrAuthFailed},
		{http.StatusForbidden, types.ErrAuthFailed},
		{http.StatusNotFound, types.ErrModelNotFound},
		{http.StatusTooManyRequests, types.ErrRateLimited},
		{http.StatusBadRequest, types.ErrBadRequest},
		{http.StatusInternalServerError, types.ErrServiceUnavailable},
		{http.StatusServiceUnavailable, types.ErrServiceUnavailable},
		{599, types.ErrUnknown},
	}
	for _, c := range cases {
		err := MapHTTPError(c.status, "boom", nil, "openai")
		assert.Equal(t, c.code, err.Code, "status %d", c.status)
		assert.Equal(t, "openai", err.Provider)
	}
}

func TestMapHTTPError_RateLimitedParsesRetryAfter(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "30")
	err := MapHTTPError(http.StatusTooManyRequests, "slow down", &h, "anthropic")
	assert.True(t, err.Retryable)
	assert.Equal(t, 30*time.Second, err.RetryAfter)
}

func TestClassifyTransportError_DeadlineExceeded(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)
	err := ClassifyTransportError(ctx, context.DeadlineExceeded, "openai")
	assert.Equal(t, types.ErrTimeout, err.Code)
}

func TestClassifyTransportError_OtherNetworkError(t *testing.T) {
	err := ClassifyTransportError(context.Background(), assertError{}, "openai")
	assert.Equal(t, types.ErrNetwork, err.Code)
	assert.True(t, err.Retryable)
}

type assertError struct{}

func (assertError) Error() string { return "connection refused" }

func TestReadErrorMessage_ParsesJSONErrorBody(t *testing.T) {
	body := strings.NewReader(`{"error":{"message":"invalid api key","type":"invalid_request_error"}}`)
	msg := ReadErrorMessage(body)
	assert.Contains(t, msg, "invalid api key")
	assert.Contains(t, msg, "invalid_request_error")
}

func TestReadErrorMessage_FallsBackToRawText(t *testing.T) {
	body := strings.NewReader("plain text error")
	assert.Equal(t, "plain text error", ReadErrorMessage(body))
}

func TestConvertMessagesToOpenAI(t *testing.T) {
	msgs := []types.Message{types.NewMessage(types.RoleUser, "hi")}
	out := ConvertMessagesToOpenAI(msgs)
	assert.Equal(t, []OpenAICompatMessage{{Role: "user", Content: "hi"}}, out)
}

func TestToModelResponse_EmptyChoicesErrors(t *testing.T) {
	_, err := ToModelResponse(OpenAICompatResponse{}, types.ModelIdentifier{Provider: "openai"}, 0)
	assert.NotNil(t, err)
}

func TestToModelResponse_MapsUsageAndContent(t *testing.T) {
	oa := OpenAICompatResponse{
		Choices: []OpenAICompatChoice{{FinishReason: "stop", Message: OpenAICompatMessage{Content: "hello"}}},
		Usage:   &OpenAICompatUsage{PromptTokens: 5, CompletionTokens: 7},
	}
	resp, err := ToModelResponse(oa, types.ModelIdentifier{Provider: "openai", Model: "gpt-4o"}, time.Second)
	assert.Nil(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, 5, resp.PromptTokens)
	assert.Equal(t, 7, resp.CompletionTokens)
	assert.Equal(t, "stop", resp.FinishReason)
}
