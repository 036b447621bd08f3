// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/dukex/nodeflow/pkg/auth"
	"github.com/dukex/nodeflow/pkg/httpexec"
	"github.com/dukex/nodeflow/pkg/registry"
	"github.com/dukex/nodeflow/pkg/scheduler"
	"github.com/dukex/nodeflow/pkg/script"
)

type RegistryConfig struct {
	ScriptCacheSize int
	HTTP            httpexec.Config
	// ClientTokens are "client=token" pairs for HTTP nodes with a target client.
	ClientTokens []string
	Scheduler    scheduler.Scheduler
}

// NewResolver builds the expr backed script resolver with its two caches.
func NewResolver(size int, logger *slog.Logger) (*script.Resolver, error) {
	sources, err := script.NewSourceCache(size, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create script source cache: %w", err)
	}

	programs, err := script.NewProgramCache(size, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create script program cache: %w", err)
	}

	return script.NewResolver(script.NewExprEngine(programs), sources, programs, logger), nil
}

// NewRegistry registers every built-in node executor.
func NewRegistry(logger *slog.Logger, config RegistryConfig) (*registry.Registry, error) {
	resolver, err := NewResolver(config.ScriptCacheSize, logger)
	if err != nil {
		return nil, err
	}

	executor, err := httpexec.NewPooled(config.HTTP, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create http executor: %w", err)
	}

	var tokens auth.TokenProvider

	if len(config.ClientTokens) > 0 {
		static, err := auth.ParseStaticTokens(config.ClientTokens)
		if err != nil {
			return nil, err
		}

		tokens = static
	}

	reg := registry.NewRegistry(logger)

	err = reg.RegisterDefaultNodes(registry.Dependencies{
		Resolver:  resolver,
		HTTP:      executor,
		Tokens:    tokens,
		Scheduler: config.Scheduler,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register node executors: %w", err)
	}

	return reg, nil
}
