// internal/llmclient/factory.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/omegabot/omega/api/schemas"
	"github.com/omegabot/omega/internal/config"
)

// ErrNotConfigured is returned when no model has a usable provider.
var ErrNotConfigured = errors.New("no LLM model configured")

// NewClient builds a tier router from the llm config section. The default
// fast and powerful entries are used when present; a missing tier falls back
// to the other one, and if neither is configured the first usable model
// (by name) serves both.
func NewClient(ctx context.Context, cfg config.LLMRouterConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	if !cfg.Enabled() {
		return nil, ErrNotConfigured
	}

	fastName, fastOK := usable(cfg, cfg.DefaultFastModel)
	powerfulName, powerfulOK := usable(cfg, cfg.DefaultPowerfulModel)
	switch {
	case !fastOK && !powerfulOK:
		fastName = firstUsable(cfg)
		powerfulName = fastName
	case !fastOK:
		fastName = powerfulName
	case !powerfulOK:
		powerfulName = fastName
	}

	built := make(map[string]schemas.LLMClient)
	get := func(name string) (schemas.LLMClient, error) {
		if c, ok := built[name]; ok {
			return c, nil
		}
		c, err := newProviderClient(ctx, cfg.Models[name], logger)
		if err != nil {
			return nil, fmt.Errorf("model %q: %w", name, err)
		}
		built[name] = c
		return c, nil
	}

	fast, err := get(fastName)
	if err != nil {
		return nil, err
	}
	powerful, err := get(powerfulName)
	if err != nil {
		return nil, err
	}

	logger.Debug("LLM clients configured.", zap.String("fast", fastName), zap.String("powerful", powerfulName))
	return NewLLMRouter(logger, fast, powerful)
}

func newProviderClient(ctx context.Context, m config.LLMModelConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	switch m.Provider {
	case config.ProviderGemini:
		return NewGeminiClient(ctx, m, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s]", m.Provider, config.ProviderGemini)
	}
}

func usable(cfg config.LLMRouterConfig, name string) (string, bool) {
	m, ok := cfg.Models[name]
	if !ok || m.Provider == "" || m.Provider == config.ProviderNone {
		return "", false
	}
	return name, true
}

func firstUsable(cfg config.LLMRouterConfig) string {
	names := make([]string, 0, len(cfg.Models))
	for name := range cfg.Models {
		if _, ok := usable(cfg, name); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names[0]
}
