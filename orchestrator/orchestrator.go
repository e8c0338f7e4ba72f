// Package orchestrator implements the Orchestrator (§4.8): the single
// in-process operation Orchestrate(request) → result, driving a pattern's
// stage state machine end to end.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/relayforge/polyllm/health"
	"github.com/relayforge/polyllm/pattern"
	"github.com/relayforge/polyllm/quality"
	"github.com/relayforge/polyllm/ratelimiter"
	"github.com/relayforge/polyllm/registry"
	"github.com/relayforge/polyllm/stage"
	"github.com/relayforge/polyllm/types"
)

const (
	// DefaultOrchestrationDeadline is the fallback global deadline (§6).
	DefaultOrchestrationDeadline = 120 * time.Second
	// DefaultMinimumModelsRequired is the global success floor (§6).
	DefaultMinimumModelsRequired = 3
	cancellationGrace            = 250 * time.Millisecond
)

// Config tunes process-wide orchestration policy, mirroring §6's env var
// table.
type Config struct {
	MinimumModelsRequired     int
	EnableSingleModelFallback bool
	OrchestrationDeadline     time.Duration
	StageMaxConcurrency       int
}

// Orchestrator drives pattern state machines over a registry, health
// manager, rate limiter, and quality evaluator. It holds no per-call
// mutable state — health and rate state live in their own components and
// persist process-wide; Orchestrator itself is safe to reuse across
// concurrent Orchestrate calls.
type Orchestrator struct {
	registry  *registry.Registry
	health    *health.Manager
	patterns  *pattern.Registry
	evaluator *quality.Evaluator
	executor  *stage.Executor
	cfg       Config
	logger    *zap.Logger
	tracer    trace.Tracer
}

// New builds an Orchestrator.
func New(reg *registry.Registry, hm *health.Manager, rl *ratelimiter.Limiter, pr *pattern.Registry, qe *quality.Evaluator, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.MinimumModelsRequired <= 0 {
		cfg.MinimumModelsRequired = DefaultMinimumModelsRequired
	}
	if cfg.EnableSingleModelFallback {
		cfg.MinimumModelsRequired = 1
	}
	if cfg.OrchestrationDeadline <= 0 {
		cfg.OrchestrationDeadline = DefaultOrchestrationDeadline
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		registry:  reg,
		health:    hm,
		patterns:  pr,
		evaluator: qe,
		executor:  stage.New(reg, hm, rl, qe, cfg.StageMaxConcurrency, logger),
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("polyllm/orchestrator"),
	}
}

// Orchestrate runs req's pattern to completion, or to the first fatal
// failure, per §4.8's algorithm.
func (o *Orchestrator) Orchestrate(ctx context.Context, req types.OrchestrationRequest) (*types.OrchestrationResult, *types.OrchestrationError) {
	start := time.Now()

	if req.Prompt == "" {
		return nil, &types.OrchestrationError{Code: types.OrchErrBadRequest, Message: "prompt must be non-empty"}
	}
	patternName := req.PatternName
	if patternName == "" {
		patternName = pattern.DefaultPatternName
	}
	p, ok := o.patterns.Get(patternName)
	if !ok {
		return nil, &types.OrchestrationError{Code: types.OrchErrBadRequest, Message: "unknown pattern: " + patternName}
	}

	correlationID := req.Options.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := o.logger.With(zap.String("correlation_id", correlationID), zap.String("pattern", patternName))

	ctx, span := o.tracer.Start(ctx, "Orchestrate",
		trace.WithAttributes(attribute.String("correlation_id", correlationID), attribute.String("pattern", patternName)))
	defer span.End()

	deadline := o.cfg.OrchestrationDeadline
	if req.Options.Deadline > 0 && req.Options.Deadline < deadline {
		deadline = req.Options.Deadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	eligible, resolveErr := o.resolveInitialEligible(req.SelectedModels)
	if resolveErr != nil {
		return nil, resolveErr
	}

	stageOutputsText := make(map[string]string)
	var stageResults []types.StageResult
	var finalText string
	var leadModel types.ModelIdentifier
	partial := false

	for i, st := range p.Stages {
		if ctx.Err() != nil {
			partial = true
			break
		}

		stageEligible := o.eligibleForStage(st, eligible, stageResults)
		if len(stageEligible) == 0 && st.MinSuccesses > 0 {
			return &types.OrchestrationResult{
					PatternName: patternName, Stages: stageResults, Partial: true, TotalLatency: time.Since(start),
				}, &types.OrchestrationError{
					Code:    types.OrchErrInsufficientModels,
					Message: fmt.Sprintf("stage %q has no eligible models", st.Name),
				}
		}

		// Skip a stage with no surviving material to work from, per the
		// hyper/meta skip-condition open question: fewer than two
		// successes in the immediately prior stage isn't enough for an
		// Analyzer/Synthesizer pass to compare against. A Generator prior
		// stage never causes a skip, so the stage right after the initial
		// fan-out always runs. The skipped stage
		// still gets a StageResult so stageResults stays aligned with
		// p.Stages by index.
		if i > 0 && p.Stages[i-1].Role != types.RoleGenerator && stageResults[i-1].Successes < 2 && st.Role != types.RoleGenerator {
			logger.Info("skipping stage: insufficient prior successes", zap.String("stage", st.Name))
			stageResults = append(stageResults, types.StageResult{StageName: st.Name, Skipped: true})
			continue
		}

		renderer := func(model types.ModelIdentifier) (string, error) {
			return pattern.Render(st.PromptTemplate, pattern.TemplateData{Prompt: req.Prompt, StageOutputs: stageOutputsText})
		}

		result := o.executor.Run(ctx, stage.Input{
			Stage:          st,
			EligibleModels: stageEligible,
			Renderer:       renderer,
			CorrelationID:  correlationID,
			MinRequired:    o.cfg.MinimumModelsRequired,
		})
		stageResults = append(stageResults, result)

		floor := st.MinSuccesses
		if o.cfg.MinimumModelsRequired > floor {
			floor = o.cfg.MinimumModelsRequired
		}
		// A narrower fan-out (Single, or Subset smaller than the eligible
		// set) can never produce more successes than models dispatched;
		// the global floor only binds how many models participate overall,
		// not how many a deliberately narrow stage must succeed.
		if floor > len(stageEligible) {
			floor = len(stageEligible)
		}
		if result.Successes < floor {
			return &types.OrchestrationResult{
					PatternName: patternName, Stages: stageResults, Partial: true, TotalLatency: time.Since(start),
				}, &types.OrchestrationError{
					Code:    types.OrchErrInsufficientModels,
					Message: fmt.Sprintf("stage %q: %d successes, floor %d", st.Name, result.Successes, floor),
				}
		}
		if result.Partial {
			partial = true
		}

		stageOutputsText[st.Name] = stageText(result)
		if st.Role == types.RoleSynthesizer && result.ChosenLead != nil {
			leadModel = *result.ChosenLead
			finalText = result.PerModel[leadModel].Response.Content
		}
	}

	if finalText == "" {
		if last := lastExecutedStage(stageResults); last != nil && last.ChosenLead != nil {
			leadModel = *last.ChosenLead
			if outcome, ok := last.PerModel[leadModel]; ok && outcome.Response != nil {
				finalText = outcome.Response.Content
			}
		}
	}

	if ctx.Err() != nil {
		partial = true
	}

	return &types.OrchestrationResult{
		PatternName:  patternName,
		FinalText:    finalText,
		LeadModel:    leadModel,
		Stages:       stageResults,
		TotalLatency: time.Since(start),
		Partial:      partial,
	}, nil
}

// resolveInitialEligible intersects the caller's selected models with
// registry+health eligibility, or takes all healthy known providers when
// selection is empty, per §4.8 step 2.
func (o *Orchestrator) resolveInitialEligible(selected []types.ModelIdentifier) ([]types.ModelIdentifier, *types.OrchestrationError) {
	var candidates []types.ModelIdentifier
	if len(selected) > 0 {
		candidates = selected
	} else {
		for _, name := range o.registry.Names() {
			candidates = append(candidates, types.ModelIdentifier{Provider: name})
		}
	}

	var eligible []types.ModelIdentifier
	for _, m := range candidates {
		if _, err := o.registry.ResolveModel(m); err != nil {
			continue
		}
		if o.health.Reachable(m.Provider) {
			eligible = append(eligible, m)
		}
	}

	if len(eligible) < o.cfg.MinimumModelsRequired {
		return nil, &types.OrchestrationError{
			Code:    types.OrchErrInsufficientModels,
			Message: fmt.Sprintf("%d eligible models, need %d", len(eligible), o.cfg.MinimumModelsRequired),
		}
	}
	return eligible, nil
}

// eligibleForStage applies the stage's fan-out policy over the currently
// eligible model set. Single uses the last executed stage's quality
// ranking; a skipped stage carries no ranking, so it is not treated as
// "the prior stage" for this purpose. Subset takes the first N models in
// eligible order and does not consult any quality ranking.
func (o *Orchestrator) eligibleForStage(st types.Stage, eligible []types.ModelIdentifier, prior []types.StageResult) []types.ModelIdentifier {
	switch st.Fanout.Kind {
	case types.FanoutAll:
		return eligible
	case types.FanoutSingle:
		last := lastExecutedStage(prior)
		lead := st.Fanout.Lead
		if lead == (types.ModelIdentifier{}) && last != nil && last.ChosenLead != nil {
			lead = *last.ChosenLead
		}
		for _, m := range eligible {
			if m == lead {
				return []types.ModelIdentifier{m}
			}
		}
		// lead ineligible: fall back to the quality-ranked highest
		// eligible candidate from the last executed stage's results.
		if last != nil && o.evaluator != nil {
			responses := make(map[types.ModelIdentifier]types.ModelResponse)
			for model, outcome := range last.PerModel {
				if outcome.Response != nil {
					responses[model] = *outcome.Response
				}
			}
			ranked, _ := o.evaluator.Rank(responses, types.ModelIdentifier{})
			for _, c := range ranked {
				for _, e := range eligible {
					if e == c.Model {
						return []types.ModelIdentifier{e}
					}
				}
			}
		}
		if len(eligible) > 0 {
			return eligible[:1]
		}
		return nil
	case types.FanoutSubset:
		n := st.Fanout.N
		if n <= 0 || n >= len(eligible) {
			return eligible
		}
		return eligible[:n]
	default:
		return eligible
	}
}

// lastExecutedStage returns the most recent non-skipped entry in results,
// or nil if results is empty or every stage so far was skipped.
func lastExecutedStage(results []types.StageResult) *types.StageResult {
	for i := len(results) - 1; i >= 0; i-- {
		if !results[i].Skipped {
			return &results[i]
		}
	}
	return nil
}

func stageText(r types.StageResult) string {
	if r.ChosenLead != nil {
		if outcome, ok := r.PerModel[*r.ChosenLead]; ok && outcome.Response != nil {
			return outcome.Response.Content
		}
	}
	for _, outcome := range r.PerModel {
		if outcome.Response != nil {
			return outcome.Response.Content
		}
	}
	return ""
}
