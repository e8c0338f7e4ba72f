package mocks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/relayforge/polyllm/types"
)

func TestMockAdapter_DefaultSuccess(t *testing.T) {
	a := NewMockAdapter("openai")
	resp, err := a.Generate(context.Background(), types.ModelCall{Model: types.ModelIdentifier{Provider: "openai", Model: "gpt-4o"}})
	assert.Nil(t, err)
	assert.Equal(t, "mock response", resp.Content)
	assert.Equal(t, 1, a.CallCount())
}

func TestMockAdapter_WithError(t *testing.T) {
	want := types.NewError(types.ErrAuthFailed, "bad key").WithProvider("openai")
	a := NewErrorAdapter("openai", want)
	_, err := a.Generate(context.Background(), types.ModelCall{})
	assert.Same(t, want, err)
}

func TestMockAdapter_FailAfter(t *testing.T) {
	a := NewFlakeyAdapter("openai", "ok", 2)
	for i := 0; i < 2; i++ {
		resp, err := a.Generate(context.Background(), types.ModelCall{})
		assert.Nil(t, err)
		assert.Equal(t, "ok", resp.Content)
	}
	_, err := a.Generate(context.Background(), types.ModelCall{})
	assert.NotNil(t, err)
	assert.Equal(t, types.ErrServiceUnavailable, err.Code)
}

func TestMockAdapter_DelayHonorsCancellation(t *testing.T) {
	a := NewMockAdapter("openai").WithDelay(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Generate(ctx, types.ModelCall{})
	assert.NotNil(t, err)
	assert.Equal(t, types.ErrTimeout, err.Code)
}

func TestMockAdapter_Stream(t *testing.T) {
	a := NewMockAdapter("openai").WithResponse("streamed")
	ch, err := a.Stream(context.Background(), types.ModelCall{})
	assert.NoError(t, err)
	var content string
	for chunk := range ch {
		content += chunk.Delta
	}
	assert.Equal(t, "streamed", content)
}
