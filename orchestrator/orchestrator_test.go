package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relayforge/polyllm/health"
	"github.com/relayforge/polyllm/pattern"
	"github.com/relayforge/polyllm/quality"
	"github.com/relayforge/polyllm/ratelimiter"
	"github.com/relayforge/polyllm/registry"
	"github.com/relayforge/polyllm/testutil/mocks"
	"github.com/relayforge/polyllm/types"
)

const longResponse = "This is a substantive, multi-sentence answer with real content. It spans several clauses to clear the minimum-length floor."

func newTestOrchestrator(reg *registry.Registry, cfg Config) *Orchestrator {
	hm := health.NewManager(health.Config{}, zap.NewNop())
	rl := ratelimiter.New(map[string]ratelimiter.BucketConfig{
		"openai": {Rate: 1000, Burst: 1000}, "anthropic": {Rate: 1000, Burst: 1000}, "google": {Rate: 1000, Burst: 1000},
	})
	pr := pattern.New()
	qe := quality.New(quality.DefaultWeights())
	return New(reg, hm, rl, pr, qe, cfg, zap.NewNop())
}

func threeHealthyProviders() *registry.Registry {
	reg := registry.New()
	reg.Register(mocks.NewSuccessAdapter("openai", longResponse))
	reg.Register(mocks.NewSuccessAdapter("anthropic", longResponse))
	reg.Register(mocks.NewSuccessAdapter("google", longResponse))
	return reg
}

func TestOrchestrate_HappyPath_ThreeProviders(t *testing.T) {
	reg := threeHealthyProviders()
	o := newTestOrchestrator(reg, Config{EnableSingleModelFallback: true, OrchestrationDeadline: 5 * time.Second})

	result, err := o.Orchestrate(context.Background(), types.OrchestrationRequest{Prompt: "what is the meaning of life?"})

	assert.Nil(t, err)
	assert.Equal(t, pattern.DefaultPatternName, result.PatternName)
	assert.False(t, result.Partial)
	assert.NotEmpty(t, result.FinalText)
	assert.Len(t, result.Stages, 4)
	assert.NotEqual(t, types.ModelIdentifier{}, result.LeadModel)
}

func TestOrchestrate_EmptyPromptIsBadRequest(t *testing.T) {
	o := newTestOrchestrator(threeHealthyProviders(), Config{})
	result, err := o.Orchestrate(context.Background(), types.OrchestrationRequest{Prompt: ""})
	assert.Nil(t, result)
	assert.NotNil(t, err)
	assert.Equal(t, types.OrchErrBadRequest, err.Code)
}

func TestOrchestrate_UnknownPatternIsBadRequest(t *testing.T) {
	o := newTestOrchestrator(threeHealthyProviders(), Config{})
	result, err := o.Orchestrate(context.Background(), types.OrchestrationRequest{Prompt: "hi", PatternName: "does-not-exist"})
	assert.Nil(t, result)
	assert.NotNil(t, err)
	assert.Equal(t, types.OrchErrBadRequest, err.Code)
}

func TestOrchestrate_InsufficientEligibleModels(t *testing.T) {
	reg := registry.New()
	reg.Register(mocks.NewSuccessAdapter("openai", longResponse))
	o := newTestOrchestrator(reg, Config{MinimumModelsRequired: 3})

	result, err := o.Orchestrate(context.Background(), types.OrchestrationRequest{Prompt: "hi"})
	assert.Nil(t, result)
	assert.NotNil(t, err)
	assert.Equal(t, types.OrchErrInsufficientModels, err.Code)
}

// TestOrchestrate_SingleModelFallback exercises the boundary where one
// successful stage leaves fewer than two successes behind, so both hyper
// and ultra hit the skip-condition back to back: hyper skips because meta
// (an Analyzer, not a Generator) had only one success, and ultra then
// skips for the same reason against hyper's skipped (zero-success)
// placeholder. Orchestrate must walk all four pattern stages without
// indexing past a shorter stageResults slice, and still surface the last
// stage that actually ran as FinalText.
func TestOrchestrate_SingleModelFallback(t *testing.T) {
	reg := registry.New()
	reg.Register(mocks.NewSuccessAdapter("openai", longResponse))
	o := newTestOrchestrator(reg, Config{EnableSingleModelFallback: true, OrchestrationDeadline: 5 * time.Second})

	result, err := o.Orchestrate(context.Background(), types.OrchestrationRequest{Prompt: "hi"})
	assert.Nil(t, err)
	assert.NotEmpty(t, result.FinalText)

	require.Len(t, result.Stages, 4)
	assert.False(t, result.Stages[0].Skipped, "initial must run")
	assert.False(t, result.Stages[1].Skipped, "meta must run")
	assert.True(t, result.Stages[2].Skipped, "hyper skips: meta had <2 successes")
	assert.True(t, result.Stages[3].Skipped, "ultra skips: hyper never ran to produce 2+ successes")

	assert.Equal(t, "meta", result.Stages[1].StageName)
	assert.Equal(t, "hyper", result.Stages[2].StageName)
	assert.Equal(t, "ultra", result.Stages[3].StageName)
	assert.Equal(t, result.Stages[1].PerModel[result.LeadModel].Response.Content, result.FinalText)
}

func TestOrchestrate_OneProviderAuthFailed_FloorStillMet(t *testing.T) {
	reg := registry.New()
	reg.Register(mocks.NewSuccessAdapter("openai", longResponse))
	reg.Register(mocks.NewSuccessAdapter("anthropic", longResponse))
	reg.Register(mocks.NewErrorAdapter("google", types.NewError(types.ErrAuthFailed, "bad key").WithProvider("google")))
	o := newTestOrchestrator(reg, Config{MinimumModelsRequired: 2, EnableSingleModelFallback: false, OrchestrationDeadline: 5 * time.Second})

	result, err := o.Orchestrate(context.Background(), types.OrchestrationRequest{Prompt: "hi"})
	assert.Nil(t, err)
	assert.NotNil(t, result)
}

func TestOrchestrate_AllProvidersRateLimited(t *testing.T) {
	rateLimited := func(name string) *mocks.MockAdapter {
		return mocks.NewErrorAdapter(name, types.NewError(types.ErrRateLimited, "slow down").WithRetryable(true).WithProvider(name))
	}
	reg := registry.New()
	reg.Register(rateLimited("openai"))
	reg.Register(rateLimited("anthropic"))
	reg.Register(rateLimited("google"))
	o := newTestOrchestrator(reg, Config{MinimumModelsRequired: 3, OrchestrationDeadline: 5 * time.Second})

	result, err := o.Orchestrate(context.Background(), types.OrchestrationRequest{Prompt: "hi"})
	assert.NotNil(t, err)
	assert.Equal(t, types.OrchErrInsufficientModels, err.Code)
	assert.True(t, result.Partial)
}

func TestOrchestrate_CallerCancellationIsPartial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := newTestOrchestrator(threeHealthyProviders(), Config{EnableSingleModelFallback: true})
	result, err := o.Orchestrate(ctx, types.OrchestrationRequest{Prompt: "hi"})
	assert.Nil(t, err)
	assert.True(t, result.Partial)
	assert.Empty(t, result.Stages)
}

func TestOrchestrate_RequestDeadlineOverridesConfigWhenShorter(t *testing.T) {
	reg := registry.New()
	reg.Register(mocks.NewMockAdapter("openai").WithDelay(time.Hour))
	o := newTestOrchestrator(reg, Config{EnableSingleModelFallback: true, OrchestrationDeadline: time.Hour})

	start := time.Now()
	result, err := o.Orchestrate(context.Background(), types.OrchestrationRequest{
		Prompt:  "hi",
		Options: types.OrchestrationOptions{Deadline: 30 * time.Millisecond},
	})
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 2*time.Second)
	if err == nil {
		assert.True(t, result.Partial)
	} else {
		assert.Equal(t, types.OrchErrInsufficientModels, err.Code)
	}
}

func TestOrchestrate_CorrelationIDDefaultsWhenUnset(t *testing.T) {
	o := newTestOrchestrator(threeHealthyProviders(), Config{EnableSingleModelFallback: true, OrchestrationDeadline: 5 * time.Second})
	result, err := o.Orchestrate(context.Background(), types.OrchestrationRequest{Prompt: "hi"})
	assert.Nil(t, err)
	assert.NotEmpty(t, result.FinalText)
}

func TestOrchestrate_TwoAnalyzerRoundPattern(t *testing.T) {
	o := newTestOrchestrator(threeHealthyProviders(), Config{EnableSingleModelFallback: true, OrchestrationDeadline: 5 * time.Second})
	result, err := o.Orchestrate(context.Background(), types.OrchestrationRequest{Prompt: "hi", PatternName: "critique"})
	assert.Nil(t, err)
	assert.Equal(t, "critique", result.PatternName)
	names := make([]string, len(result.Stages))
	for i, s := range result.Stages {
		names[i] = s.StageName
	}
	assert.Equal(t, []string{"initial", "meta", "hyper", "ultra"}, names)
}

func TestEligibleForStage_SingleFallsBackWhenLeadIneligible(t *testing.T) {
	o := newTestOrchestrator(registry.New(), Config{})
	eligible := []types.ModelIdentifier{{Provider: "openai"}, {Provider: "anthropic"}}
	st := types.Stage{Fanout: types.Fanout{Kind: types.FanoutSingle, Lead: types.ModelIdentifier{Provider: "google"}}}

	chosen := o.eligibleForStage(st, eligible, nil)
	assert.Len(t, chosen, 1)
	assert.Equal(t, types.ModelIdentifier{Provider: "openai"}, chosen[0])
}

func TestEligibleForStage_Subset(t *testing.T) {
	o := newTestOrchestrator(registry.New(), Config{})
	eligible := []types.ModelIdentifier{{Provider: "a"}, {Provider: "b"}, {Provider: "c"}, {Provider: "d"}}
	st := types.Stage{Fanout: types.Fanout{Kind: types.FanoutSubset, N: 2}}

	chosen := o.eligibleForStage(st, eligible, nil)
	assert.Len(t, chosen, 2)
}

func TestStageText_PrefersChosenLead(t *testing.T) {
	lead := types.ModelIdentifier{Provider: "openai"}
	r := types.StageResult{
		ChosenLead: &lead,
		PerModel: map[types.ModelIdentifier]types.StageOutcome{
			lead: {Response: &types.ModelResponse{Content: "lead text"}},
			{Provider: "anthropic"}: {Response: &types.ModelResponse{Content: "other text"}},
		},
	}
	assert.Equal(t, "lead text", stageText(r))
}

func TestStageText_FallsBackToAnySuccessfulResponse(t *testing.T) {
	r := types.StageResult{
		PerModel: map[types.ModelIdentifier]types.StageOutcome{
			{Provider: "openai"}: {Response: &types.ModelResponse{Content: "only text"}},
		},
	}
	assert.Equal(t, "only text", stageText(r))
}

func TestStageText_EmptyWhenNoSuccesses(t *testing.T) {
	r := types.StageResult{PerModel: map[types.ModelIdentifier]types.StageOutcome{}}
	assert.Equal(t, "", stageText(r))
}

func TestOrchestrate_FinalTextNonEmptyMeansSubstantiveContent(t *testing.T) {
	o := newTestOrchestrator(threeHealthyProviders(), Config{EnableSingleModelFallback: true, OrchestrationDeadline: 5 * time.Second})
	result, err := o.Orchestrate(context.Background(), types.OrchestrationRequest{Prompt: "hi"})
	assert.Nil(t, err)
	assert.True(t, strings.Contains(result.FinalText, "substantive"))
}
