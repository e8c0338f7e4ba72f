// Package stage implements the Stage Executor (§4.7): bounded concurrent
// fan-out of one stage's rendered prompts to their eligible adapters, with
// per-call retry/backoff, rate limiting, and health updates.
package stage

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/relayforge/polyllm/health"
	"github.com/relayforge/polyllm/quality"
	"github.com/relayforge/polyllm/ratelimiter"
	"github.com/relayforge/polyllm/registry"
	"github.com/relayforge/polyllm/types"
)

// DefaultMaxConcurrency is the default MaxConcurrentPerStage (§4.7).
const DefaultMaxConcurrency = 8

const (
	retryMaxAttempts = 2
	retryBaseDelay   = 500 * time.Millisecond
	retryCapDelay    = 4 * time.Second
	retryJitterFrac  = 0.20
)

// Input is everything the executor needs to run one stage.
type Input struct {
	Stage          types.Stage
	EligibleModels []types.ModelIdentifier
	Renderer       func(model types.ModelIdentifier) (string, error) // renders this stage's prompt for model
	CorrelationID  string
	MinRequired    int // global.minimum_models_required, combined with stage.MinSuccesses
}

// Executor runs stages against a registry, health manager, and rate
// limiter.
type Executor struct {
	registry      *registry.Registry
	health        *health.Manager
	limiter       *ratelimiter.Limiter
	evaluator     *quality.Evaluator
	maxConcurrent int
	logger        *zap.Logger
}

// New builds an Executor.
func New(reg *registry.Registry, hm *health.Manager, rl *ratelimiter.Limiter, qe *quality.Evaluator, maxConcurrent int, logger *zap.Logger) *Executor {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{registry: reg, health: hm, limiter: rl, evaluator: qe, maxConcurrent: maxConcurrent, logger: logger}
}

// Run executes one stage and returns its aggregated StageResult. It honors
// ctx's deadline (further bounded here by in.Stage.Timeout when set) and
// returns once every dispatched call has completed, errored, or been
// cancelled — never earlier.
func (e *Executor) Run(ctx context.Context, in Input) types.StageResult {
	stageCtx := ctx
	if in.Stage.Timeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, in.Stage.Timeout)
		defer cancel()
	}

	result := types.StageResult{
		StageName: in.Stage.Name,
		PerModel:  make(map[types.ModelIdentifier]types.StageOutcome, len(in.EligibleModels)),
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(stageCtx)
	g.SetLimit(e.maxConcurrent)

	for _, model := range in.EligibleModels {
		model := model
		g.Go(func() error {
			outcome := e.callOne(gctx, in, model)
			mu.Lock()
			result.PerModel[model] = outcome
			if outcome.Err == nil {
				result.Successes++
			}
			mu.Unlock()
			return nil // per-model failures never abort the group; aggregation happens after Wait
		})
	}
	_ = g.Wait()

	requiredFloor := in.Stage.MinSuccesses
	if in.MinRequired > requiredFloor {
		requiredFloor = in.MinRequired
	}
	if result.Successes < len(in.EligibleModels) {
		result.Partial = true
	}
	if stageCtx.Err() != nil && result.Successes >= requiredFloor {
		result.Partial = true
	}
	_ = requiredFloor // floor enforcement (InsufficientModels) happens in the orchestrator, which knows global policy

	if e.evaluator != nil && len(result.PerModel) > 0 {
		responses := make(map[types.ModelIdentifier]types.ModelResponse)
		for model, outcome := range result.PerModel {
			if outcome.Response != nil {
				responses[model] = *outcome.Response
			}
		}
		if len(responses) > 0 {
			_, lead := e.evaluator.Rank(responses, types.ModelIdentifier{})
			result.ChosenLead = &lead
		}
	}

	return result
}

// callOne renders the prompt, acquires a rate-limiter token, calls the
// adapter with retry/backoff on transient errors, and updates health.
func (e *Executor) callOne(ctx context.Context, in Input, model types.ModelIdentifier) types.StageOutcome {
	adapter, resolveErr := e.registry.ResolveModel(model)
	if resolveErr != nil {
		return types.StageOutcome{Err: resolveErr}
	}

	promptText, err := in.Renderer(model)
	if err != nil {
		return types.StageOutcome{Err: types.NewError(types.ErrBadRequest, err.Error()).WithProvider(model.Provider)}
	}

	call := types.ModelCall{
		Model:    model,
		Messages: []types.Message{types.NewMessage(types.RoleUser, promptText)},
		Timeout:  in.Stage.Timeout,
	}

	var lastErr *types.Error
	admitted := false
	for attempt := 0; attempt <= retryMaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt, lastErr)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return types.StageOutcome{Err: types.NewError(types.ErrTimeout, "stage cancelled during retry backoff").WithProvider(model.Provider)}
			case <-timer.C:
			}
		}

		if e.limiter != nil {
			if rlErr := e.limiter.Acquire(ctx, model.Provider); rlErr != nil {
				lastErr = rlErr
				continue
			}
		}

		// Claim the health admission gate right before the first call it
		// guards, not earlier — claiming it during up-front eligibility
		// filtering would leak the Unhealthy shadow-probe slot for any
		// provider a narrower fan-out then declines to dispatch. Retries
		// of an admitted call are not gated again: the failure just
		// recorded has moved the provider out of Healthy, so a second
		// check would refuse every retry.
		if e.health != nil && !admitted {
			if !e.health.Eligible(model.Provider) {
				lastErr = types.NewError(types.ErrServiceUnavailable, "provider not currently admissible").
					WithRetryable(true).WithProvider(model.Provider)
				continue
			}
			admitted = true
		}

		resp, callErr := adapter.Generate(ctx, call)
		if callErr == nil {
			if e.health != nil {
				e.health.RecordSuccess(model.Provider)
			}
			return types.StageOutcome{Response: resp}
		}

		lastErr = callErr
		if e.health != nil {
			e.health.RecordFailure(model.Provider, callErr.Code, callErr.RetryAfter)
		}
		if callErr.Code == types.ErrRateLimited && e.limiter != nil && callErr.RetryAfter > 0 {
			e.limiter.ReportRetryAfter(model.Provider, callErr.RetryAfter)
		}
		if !isRetryable(callErr.Code) {
			break
		}
	}
	return types.StageOutcome{Err: lastErr}
}

func isRetryable(code types.ErrorCode) bool {
	switch code {
	case types.ErrTimeout, types.ErrRateLimited, types.ErrServiceUnavailable, types.ErrNetwork:
		return true
	default:
		return false
	}
}

// backoffDelay computes exponential backoff with jitter, capped, honoring
// a provider's retry_after when larger (§4.7).
func backoffDelay(attempt int, lastErr *types.Error) time.Duration {
	base := float64(retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if base > float64(retryCapDelay) {
		base = float64(retryCapDelay)
	}
	jitter := base * retryJitterFrac
	delay := time.Duration(base + (rand.Float64()*2-1)*jitter)
	if lastErr != nil && lastErr.RetryAfter > delay {
		delay = lastErr.RetryAfter
	}
	return delay
}
