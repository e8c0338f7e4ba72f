// Command orchestrate runs one OrchestrationRequest end to end against the
// configured providers and prints the result.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/relayforge/polyllm/adapters/localrunner"
	"github.com/relayforge/polyllm/config"
	"github.com/relayforge/polyllm/health"
	"github.com/relayforge/polyllm/internal/telemetry"
	"github.com/relayforge/polyllm/orchestrator"
	"github.com/relayforge/polyllm/pattern"
	"github.com/relayforge/polyllm/quality"
	"github.com/relayforge/polyllm/ratelimiter"
	"github.com/relayforge/polyllm/registry"
	"github.com/relayforge/polyllm/secret"
	"github.com/relayforge/polyllm/types"
)

func main() {
	var (
		configPath  = flag.String("config", "", "optional YAML config file")
		prompt      = flag.String("prompt", "", "prompt to orchestrate (required)")
		patternName = flag.String("pattern", pattern.DefaultPatternName, "analysis pattern name")
		localURL    = flag.String("local-runner-url", "", "optional OpenAI-compatible local runner base URL")
	)
	flag.Parse()

	if *prompt == "" {
		fmt.Fprintln(os.Stderr, "orchestrate: -prompt is required")
		os.Exit(2)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestrate: build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.NewLoader().WithConfigPath(*configPath).Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	providers, err := telemetry.Init(cfg.TelemetryProvidersConfig(), logger)
	if err != nil {
		logger.Fatal("init telemetry", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.OrchestratorConfig().OrchestrationDeadline)
		defer cancel()
		_ = providers.Shutdown(shutdownCtx)
	}()

	var localRunners []localrunner.Config
	if *localURL != "" {
		localRunners = []localrunner.Config{{Name: "localrunner", BaseURL: *localURL}}
	}

	reg := registry.BuildFromSecrets(secret.NewEnvSource(), nil, localRunners, logger)
	if reg.Len() == 0 {
		logger.Fatal("no providers configured: set OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY, HUGGINGFACE_API_KEY, or -local-runner-url")
	}

	hm := health.NewManager(cfg.HealthManagerConfig(), logger)
	rl := ratelimiter.New(cfg.RateLimitBuckets())
	pr := pattern.New()
	qe := quality.New(quality.DefaultWeights())

	orch := orchestrator.New(reg, hm, rl, pr, qe, cfg.OrchestratorConfig(), logger)

	result, orchErr := orch.Orchestrate(ctx, types.OrchestrationRequest{
		Prompt:      *prompt,
		PatternName: *patternName,
	})
	if orchErr != nil {
		logger.Error("orchestration failed", zap.String("code", string(orchErr.Code)), zap.Error(orchErr))
		os.Exit(1)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		logger.Fatal("marshal result", zap.Error(err))
	}
	fmt.Println(string(out))
}
