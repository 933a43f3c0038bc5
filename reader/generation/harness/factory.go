package harness

import (
	"context"
	"time"

	internal "github.com/ZanzyTHEbar/paper-reader/reader"
	"github.com/ZanzyTHEbar/paper-reader/reader/config"
	"github.com/ZanzyTHEbar/paper-reader/reader/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/paper-reader/reader/generation/harness/ports"
	"github.com/rs/zerolog"
)

// Factory creates and wires harness components from configuration.
type Factory struct {
	cfg    *config.Config
	logger zerolog.Logger
}

// NewFactory creates a new harness factory.
func NewFactory(cfg *config.Config, logger zerolog.Logger) *Factory {
	return &Factory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateOrchestrator creates a fully wired HarnessOrchestrator around provider.
func (f *Factory) CreateOrchestrator(provider ports.Provider) *HarnessOrchestrator {
	return NewHarnessOrchestrator(
		provider,
		NewPromptBuilder(),
		f.CreateRateLimiter(),
		f.CreateTracer(),
		f.logger,
	)
}

// CreateDispatcher creates an empty tool registry guarded per config.
func (f *Factory) CreateDispatcher() *Dispatcher {
	return NewDispatcher(f.CreateGuardrails(), f.CreateTracer(), f.cfg.Harness.ToolTimeout, f.logger)
}

// CreateCache returns redis when enabled, else the in-process LRU, else a no-op.
func (f *Factory) CreateCache(ctx context.Context) ports.Cache {
	if f.cfg.Redis.Enabled {
		client := adapters.NewRedisClient(f.cfg.Redis.Addr, f.cfg.Redis.Password, f.cfg.Redis.DB)
		cache := adapters.NewRedisCache(client, f.cfg.Redis.Prefix)
		err := cache.Ping(ctx)
		if err == nil {
			return cache
		}
		f.logger.Warn().Err(err).Str("addr", f.cfg.Redis.Addr).Msg("Redis unavailable, falling back to in-process cache")
		_ = client.Close()
	}

	if !f.cfg.Harness.CacheEnabled {
		return &noOpCache{}
	}

	return adapters.NewLRUCache(f.cfg.Harness.CacheCapacity)
}

// CreateRateLimiter creates a rate limiter adapter from config.
func (f *Factory) CreateRateLimiter() ports.RateLimiter {
	if !f.cfg.Harness.RateLimitEnabled {
		return &noOpRateLimiter{}
	}

	return adapters.NewTokenBucket(f.cfg.Harness.RateLimitCapacity, f.cfg.Harness.RateLimitRefillRate)
}

// CreateTracer creates a tracer adapter from config.
func (f *Factory) CreateTracer() ports.Tracer {
	if !f.cfg.Harness.EnableTracing {
		return &noOpTracer{}
	}

	return adapters.NewZerologTracer(f.logger)
}

// CreateGuardrails creates guardrails from config. Disabled guardrails return nil.
func (f *Factory) CreateGuardrails() *Guardrails {
	if !f.cfg.Harness.EnableGuardrails {
		return nil
	}

	guardrails := NewGuardrails()
	for _, toolName := range f.cfg.Harness.AllowedTools {
		guardrails.AddAllowedTool(toolName)
	}
	guardrails.SetBlockedWords(f.cfg.Harness.BlockedWords)

	return guardrails
}

// CreatePolicy creates a policy from config with validation.
func (f *Factory) CreatePolicy() *Policy {
	policy := &Policy{
		MaxIterations:      f.cfg.Harness.MaxIterations,
		ProviderTimeout:    f.cfg.LLM.Timeout,
		RetryCount:         f.cfg.Harness.RetryCount,
		RetryBackoff:       f.cfg.Harness.RetryBackoff,
		ParseTextToolCalls: f.cfg.Harness.ParseTextToolCalls,
		MaxNewTokens:       f.cfg.LLM.MaxNewTokens,
		Temperature:        f.cfg.LLM.Temperature,
		TopP:               f.cfg.LLM.TopP,
		FallbackText:       internal.FallbackResponse,
	}

	if policy.MaxIterations < 1 {
		policy.MaxIterations = 1
		f.logger.Warn().Int("max_iterations", f.cfg.Harness.MaxIterations).Msg("MaxIterations clamped to minimum of 1")
	}
	if policy.MaxIterations > 50 {
		policy.MaxIterations = 50
		f.logger.Warn().Int("max_iterations", f.cfg.Harness.MaxIterations).Msg("MaxIterations clamped to maximum of 50")
	}
	if policy.RetryCount < 0 {
		policy.RetryCount = 0
	}
	if policy.ProviderTimeout <= 0 {
		policy.ProviderTimeout = 120 * time.Second
		f.logger.Warn().Msg("Inference timeout unset, using 120s")
	}

	return policy
}

// noOpCache implements Cache interface with no-op behavior for testing/disabled cache.
type noOpCache struct{}

func (c *noOpCache) Get(ctx context.Context, key string) ([]byte, bool) { return nil, false }
func (c *noOpCache) Set(ctx context.Context, key string, value []byte, ttlSeconds int) error {
	return nil
}
func (c *noOpCache) Delete(ctx context.Context, key string) error { return nil }

// noOpRateLimiter implements RateLimiter interface with no-op behavior.
type noOpRateLimiter struct{}

func (r *noOpRateLimiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	return func() {}, nil
}

// noOpTracer implements Tracer interface with no-op behavior.
type noOpTracer struct{}

func (t *noOpTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	return ctx, func(err error) {}
}

func (t *noOpTracer) Event(ctx context.Context, name string, attrs map[string]any) {}

// Ensure all no-op types implement their interfaces.
var (
	_ ports.Cache       = (*noOpCache)(nil)
	_ ports.RateLimiter = (*noOpRateLimiter)(nil)
	_ ports.Tracer      = (*noOpTracer)(nil)
)
