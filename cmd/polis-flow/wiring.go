package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/polisai/polis-flow/pkg/classify"
	"github.com/polisai/polis-flow/pkg/config"
	"github.com/polisai/polis-flow/pkg/engine"
	"github.com/polisai/polis-flow/pkg/policy"
)

// buildRegistry compiles the classifier dispatch table, including the OPA
// annotation engine when policy evaluation is enabled.
func buildRegistry(ctx context.Context, cfg *config.Config, baseDir string, tokens *classify.TokenCounter, logger *slog.Logger) (*classify.Registry, error) {
	opts, err := cfg.Classify.Options()
	if err != nil {
		return nil, err
	}
	opts.Tokens = tokens
	opts.Logger = logger

	if cfg.Policy.Enabled {
		modules, err := cfg.Policy.LoadModules(baseDir)
		if err != nil {
			return nil, err
		}
		annotator, err := policy.NewEngine(ctx, policy.EngineOptions{
			Entrypoint:      cfg.Policy.Entrypoint,
			Modules:         modules,
			CacheMaxEntries: cfg.Policy.CacheMaxEntries,
			Logger:          logger,
		})
		if err != nil {
			return nil, fmt.Errorf("policy engine: %w", err)
		}
		opts.Annotator = annotator
	}

	registry, err := classify.NewRegistry(opts)
	if err != nil {
		return nil, fmt.Errorf("classifier registry: %w", err)
	}
	return registry, nil
}

// settingsFor derives the reloadable engine settings from cfg.
func settingsFor(ctx context.Context, cfg *config.Config, baseDir string, tokens *classify.TokenCounter, logger *slog.Logger) (engine.Settings, error) {
	registry, err := buildRegistry(ctx, cfg, baseDir, tokens, logger)
	if err != nil {
		return engine.Settings{}, err
	}
	return engine.Settings{
		Registry:      registry,
		GracePeriod:   cfg.Engine.GracePeriod,
		SafetyTimeout: cfg.Engine.SafetyTimeout,
	}, nil
}
