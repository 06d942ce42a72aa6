// Package cire assembles the retrieval-augmented question-answering kernel
// from its parts: configuration, profile source, RAG contract client,
// retrieval flow, answer generator, and the reasoning graph. Hosts embed the
// Kernel behind their own transport; this package owns none.
package cire

import (
	"context"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/mcalza96/cire-orchestrator/core"
	"github.com/mcalza96/cire-orchestrator/graph"
	"github.com/mcalza96/cire-orchestrator/profile"
	"github.com/mcalza96/cire-orchestrator/retrieval"
	"github.com/mcalza96/cire-orchestrator/synthesis"
	"github.com/mcalza96/cire-orchestrator/telemetry"
)

// Kernel bundles a ready orchestrator with its profile source.
type Kernel struct {
	cfg          *core.Config
	logger       core.Logger
	orchestrator *graph.Orchestrator
	profiles     profile.Source
	metrics      *retrieval.MetricsStore
}

// KernelOption customizes assembly.
type KernelOption func(*kernelBuilder)

type kernelBuilder struct {
	logger    core.Logger
	profiles  profile.Source
	generator synthesis.AnswerGenerator
	planner   retrieval.SubqueryPlanner
}

// WithLogger injects a logger; the default is a JSON production logger.
func WithLogger(logger core.Logger) KernelOption {
	return func(b *kernelBuilder) { b.logger = logger }
}

// WithProfileSource replaces the profile source chosen from config.
func WithProfileSource(source profile.Source) KernelOption {
	return func(b *kernelBuilder) { b.profiles = source }
}

// WithGenerator replaces the answer generator chosen from config.
func WithGenerator(generator synthesis.AnswerGenerator) KernelOption {
	return func(b *kernelBuilder) { b.generator = generator }
}

// WithSubqueryPlanner replaces the default hybrid subquery planner.
func WithSubqueryPlanner(planner retrieval.SubqueryPlanner) KernelOption {
	return func(b *kernelBuilder) { b.planner = planner }
}

// NewKernel builds the kernel from configuration. Construction fails only on
// unrecoverable infrastructure problems, such as a missing shared secret.
func NewKernel(cfg *core.Config, opts ...KernelOption) (*Kernel, error) {
	builder := &kernelBuilder{}
	for _, opt := range opts {
		opt(builder)
	}

	logger := builder.logger
	if logger == nil {
		logger = core.NewProductionLogger("kernel")
	}

	otelTelemetry := telemetry.New()
	metrics := retrieval.NewMetricsStore(otelTelemetry)

	client, err := retrieval.NewContractClient(cfg, nil, core.NewHTTPClient(cfg), metrics)
	if err != nil {
		return nil, err
	}
	client.SetLogger(logger)

	planner := builder.planner
	if planner == nil {
		planner = retrieval.NewHybridPlanner(cfg)
	}
	retriever := retrieval.NewEngineRetriever(cfg, client, planner)
	retriever.SetLogger(logger)

	generator := builder.generator
	if generator == nil {
		generator = synthesis.NewLLMGenerator(cfg)
	}
	if aware, ok := generator.(interface{ SetLogger(core.Logger) }); ok {
		aware.SetLogger(logger)
	}

	orchestrator := graph.NewOrchestrator(cfg, retriever, generator, nil)
	orchestrator.SetLogger(logger)
	orchestrator.SetTelemetry(otelTelemetry)
	if cfg.LLMAPIKey != "" {
		orchestrator.SetClarifier(graph.NewLLMClarifier(cfg))
	}

	profiles := builder.profiles
	if profiles == nil {
		profiles = defaultProfileSource(cfg, logger)
	}

	return &Kernel{
		cfg:          cfg,
		logger:       logger,
		orchestrator: orchestrator,
		profiles:     profiles,
		metrics:      metrics,
	}, nil
}

func defaultProfileSource(cfg *core.Config, logger core.Logger) profile.Source {
	var source profile.Source
	switch {
	case strings.TrimSpace(cfg.ProfileStoreURL) != "":
		httpSource := profile.NewHTTPSource(cfg.ProfileStoreURL, core.NewHTTPClient(cfg))
		httpSource.SetLogger(logger)
		source = httpSource
	case strings.TrimSpace(cfg.ProfileDir) != "":
		fileSource := profile.NewFileSource(cfg.ProfileDir)
		fileSource.SetLogger(logger)
		source = fileSource
	default:
		source = profile.StaticSource{}
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		options, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Warn("Invalid REDIS_URL, profile cache disabled", map[string]interface{}{
				"operation": "profile_cache_init",
				"error":     err.Error(),
			})
			return source
		}
		cache := profile.NewRedisCache(source, redis.NewClient(options), cfg.ProfileCacheTTL)
		cache.SetLogger(logger)
		return cache
	}
	return source
}

// Ask resolves the tenant's profile and runs one query through the kernel.
func (k *Kernel) Ask(ctx context.Context, query string, scope graph.Command) (*graph.Output, error) {
	p, resolution, err := k.profiles.Load(ctx, scope.Scope.TenantID)
	if err != nil {
		return nil, err
	}
	cmd := scope
	cmd.Query = query
	cmd.Profile = p
	cmd.ProfileResolution = resolution.Map()
	return k.orchestrator.Execute(ctx, cmd)
}

// Orchestrator exposes the underlying graph for embedders that manage
// profiles themselves.
func (k *Kernel) Orchestrator() *graph.Orchestrator {
	return k.orchestrator
}

// Metrics exposes the retrieval counter store.
func (k *Kernel) Metrics() *retrieval.MetricsStore {
	return k.metrics
}
