package stage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/relayforge/polyllm/health"
	"github.com/relayforge/polyllm/quality"
	"github.com/relayforge/polyllm/ratelimiter"
	"github.com/relayforge/polyllm/registry"
	"github.com/relayforge/polyllm/testutil/mocks"
	"github.com/relayforge/polyllm/types"
)

func verbatimRenderer(text string) func(types.ModelIdentifier) (string, error) {
	return func(types.ModelIdentifier) (string, error) { return text, nil }
}

func newTestExecutor(reg *registry.Registry) *Executor {
	hm := health.NewManager(health.Config{}, zap.NewNop())
	rl := ratelimiter.New(map[string]ratelimiter.BucketConfig{
		"openai": {Rate: 1000, Burst: 1000}, "anthropic": {Rate: 1000, Burst: 1000},
	})
	qe := quality.New(quality.DefaultWeights())
	return New(reg, hm, rl, qe, 4, zap.NewNop())
}

func TestExecutor_Run_AllSucceed(t *testing.T) {
	reg := registry.New()
	reg.Register(mocks.NewSuccessAdapter("openai", "hello from openai"))
	reg.Register(mocks.NewSuccessAdapter("anthropic", "hello from anthropic"))
	exec := newTestExecutor(reg)

	result := exec.Run(context.Background(), Input{
		Stage:          types.Stage{Name: "initial", MinSuccesses: 1},
		EligibleModels: []types.ModelIdentifier{{Provider: "openai"}, {Provider: "anthropic"}},
		Renderer:       verbatimRenderer("prompt"),
	})

	assert.Equal(t, "initial", result.StageName)
	assert.Equal(t, 2, result.Successes)
	assert.False(t, result.Partial)
	assert.NotNil(t, result.ChosenLead)
}

func TestExecutor_Run_PartialFailure(t *testing.T) {
	reg := registry.New()
	reg.Register(mocks.NewSuccessAdapter("openai", "ok"))
	reg.Register(mocks.NewErrorAdapter("anthropic", types.NewError(types.ErrAuthFailed, "bad key").WithProvider("anthropic")))
	exec := newTestExecutor(reg)

	result := exec.Run(context.Background(), Input{
		Stage:          types.Stage{Name: "initial", MinSuccesses: 1},
		EligibleModels: []types.ModelIdentifier{{Provider: "openai"}, {Provider: "anthropic"}},
		Renderer:       verbatimRenderer("prompt"),
	})

	assert.Equal(t, 1, result.Successes)
	assert.True(t, result.Partial)
	assert.NotNil(t, result.PerModel[types.ModelIdentifier{Provider: "anthropic"}].Err)
}

func TestExecutor_Run_RetriesTransientThenSucceeds(t *testing.T) {
	reg := registry.New()
	calls := 0
	a := mocks.NewMockAdapter("openai").WithGenerateFunc(func(_ context.Context, call types.ModelCall) (*types.ModelResponse, *types.Error) {
		calls++
		if calls == 1 {
			return nil, types.NewError(types.ErrServiceUnavailable, "transient").WithRetryable(true).WithProvider("openai")
		}
		return &types.ModelResponse{Model: call.Model, Content: "ok after retry"}, nil
	})
	reg.Register(a)
	exec := newTestExecutor(reg)

	start := time.Now()
	result := exec.Run(context.Background(), Input{
		Stage:          types.Stage{Name: "initial", MinSuccesses: 1},
		EligibleModels: []types.ModelIdentifier{{Provider: "openai"}},
		Renderer:       verbatimRenderer("prompt"),
	})
	elapsed := time.Since(start)

	assert.Equal(t, 1, result.Successes)
	assert.Equal(t, 2, a.CallCount())
	assert.GreaterOrEqual(t, elapsed, retryBaseDelay/2)
}

func TestExecutor_Run_NonRetryableFailsWithoutRetrying(t *testing.T) {
	reg := registry.New()
	a := mocks.NewErrorAdapter("openai", types.NewError(types.ErrBadRequest, "bad").WithProvider("openai"))
	reg.Register(a)
	exec := newTestExecutor(reg)

	result := exec.Run(context.Background(), Input{
		Stage:          types.Stage{Name: "initial", MinSuccesses: 1},
		EligibleModels: []types.ModelIdentifier{{Provider: "openai"}},
		Renderer:       verbatimRenderer("prompt"),
	})

	assert.Equal(t, 0, result.Successes)
	assert.Equal(t, 1, a.CallCount())
}

func TestExecutor_Run_RendererErrorSurfacesAsBadRequest(t *testing.T) {
	reg := registry.New()
	reg.Register(mocks.NewSuccessAdapter("openai", "ok"))
	exec := newTestExecutor(reg)

	result := exec.Run(context.Background(), Input{
		Stage:          types.Stage{Name: "initial", MinSuccesses: 1},
		EligibleModels: []types.ModelIdentifier{{Provider: "openai"}},
		Renderer: func(types.ModelIdentifier) (string, error) {
			return "", assertError{}
		},
	})

	outcome := result.PerModel[types.ModelIdentifier{Provider: "openai"}]
	assert.NotNil(t, outcome.Err)
	assert.Equal(t, types.ErrBadRequest, outcome.Err.Code)
}

type assertError struct{}

func (assertError) Error() string { return "render failed" }

func TestExecutor_Run_UnresolvableModel(t *testing.T) {
	reg := registry.New()
	exec := newTestExecutor(reg)

	result := exec.Run(context.Background(), Input{
		Stage:          types.Stage{Name: "initial", MinSuccesses: 1},
		EligibleModels: []types.ModelIdentifier{{Provider: "unknown"}},
		Renderer:       verbatimRenderer("prompt"),
	})

	assert.Equal(t, 0, result.Successes)
	assert.NotNil(t, result.PerModel[types.ModelIdentifier{Provider: "unknown"}].Err)
}

func TestExecutor_Run_StageTimeoutCancelsOutstandingCalls(t *testing.T) {
	reg := registry.New()
	reg.Register(mocks.NewMockAdapter("openai").WithDelay(time.Hour))
	exec := newTestExecutor(reg)

	start := time.Now()
	result := exec.Run(context.Background(), Input{
		Stage:          types.Stage{Name: "initial", MinSuccesses: 1, Timeout: 20 * time.Millisecond},
		EligibleModels: []types.ModelIdentifier{{Provider: "openai"}},
		Renderer:       verbatimRenderer("prompt"),
	})

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, result.Successes)
	assert.True(t, result.Partial)
}

// TestExecutor_CallOne_HealthGateBlocksAlreadyClaimedProbeSlot exercises
// the fix for the probe-slot leak: Eligible (not Reachable) is the one
// that claims an Unhealthy-past-cooldown provider's shadow-probe slot, and
// callOne checks it immediately before dispatch. With the slot already
// held by a concurrent caller, callOne must never reach the adapter.
func TestExecutor_CallOne_HealthGateBlocksAlreadyClaimedProbeSlot(t *testing.T) {
	reg := registry.New()
	a := mocks.NewSuccessAdapter("openai", "should never be called")
	reg.Register(a)

	hm := health.NewManager(health.Config{UnhealthyThreshold: 1, UnhealthyCooldown: 0, PersistentCooldown: time.Millisecond}, zap.NewNop())
	hm.RecordFailure("openai", types.ErrAuthFailed, 0) // persistent -> Unhealthy
	time.Sleep(5 * time.Millisecond)                   // let the cooldown elapse
	assert.True(t, hm.Eligible("openai"), "claim the single shadow-probe slot ourselves first")

	rl := ratelimiter.New(map[string]ratelimiter.BucketConfig{"openai": {Rate: 1000, Burst: 1000}})
	qe := quality.New(quality.DefaultWeights())
	exec := New(reg, hm, rl, qe, 4, zap.NewNop())

	result := exec.Run(context.Background(), Input{
		Stage:          types.Stage{Name: "initial", MinSuccesses: 1, Timeout: 2 * time.Second},
		EligibleModels: []types.ModelIdentifier{{Provider: "openai"}},
		Renderer:       verbatimRenderer("prompt"),
	})

	assert.Equal(t, 0, result.Successes)
	assert.Equal(t, 0, a.CallCount(), "the adapter must never be dispatched to while the slot is held")
	outcome := result.PerModel[types.ModelIdentifier{Provider: "openai"}]
	assert.NotNil(t, outcome.Err)
	assert.Equal(t, types.ErrServiceUnavailable, outcome.Err.Code)
}

func TestBackoffDelay_HonorsRetryAfter(t *testing.T) {
	err := types.NewError(types.ErrRateLimited, "slow down").WithRetryAfter(10 * time.Second)
	d := backoffDelay(1, err)
	assert.Equal(t, 10*time.Second, d)
}

func TestBackoffDelay_CapsExponentialGrowth(t *testing.T) {
	d := backoffDelay(10, nil)
	assert.LessOrEqual(t, d, retryCapDelay+time.Duration(float64(retryCapDelay)*retryJitterFrac))
}
