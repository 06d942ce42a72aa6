// Package retrieval implements the kernel's retrieval side: the RAG contract
// client with backend selection, the multi-strategy retrieval flow, subquery
// planning, coverage repair, and the score/noise policies.
package retrieval

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mcalza96/cire-orchestrator/core"
)

// Backend names the two candidate engine deployments.
type Backend string

const (
	BackendLocal    Backend = "local"
	BackendFallback Backend = "fallback"
)

// BackendSelector probes the local RAG engine's health endpoint and caches
// the winning backend for a short TTL. A forced backend bypasses probing.
// The cache is the only cross-query mutable state in the kernel besides the
// metrics counters; it is guarded by a mutex.
type BackendSelector struct {
	localURL     string
	fallbackURL  string
	healthPath   string
	probeTimeout time.Duration
	ttl          time.Duration
	force        Backend

	probeClient *http.Client
	logger      core.Logger

	mu        sync.Mutex
	cached    Backend
	expiresAt time.Time
}

// SelectorOptions configures a BackendSelector.
type SelectorOptions struct {
	LocalURL     string
	FallbackURL  string
	HealthPath   string
	ProbeTimeout time.Duration
	TTL          time.Duration
	ForceBackend string // "local" or "fallback"; empty disables forcing
}

// NewBackendSelector builds a selector from options, applying the documented
// defaults for zero values.
func NewBackendSelector(opts SelectorOptions) *BackendSelector {
	healthPath := opts.HealthPath
	if healthPath == "" {
		healthPath = "/health"
	}
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	probeTimeout := opts.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 300 * time.Millisecond
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 20 * time.Second
	}
	return &BackendSelector{
		localURL:     strings.TrimRight(opts.LocalURL, "/"),
		fallbackURL:  strings.TrimRight(opts.FallbackURL, "/"),
		healthPath:   healthPath,
		probeTimeout: probeTimeout,
		ttl:          ttl,
		force:        normalizeBackend(opts.ForceBackend),
		probeClient:  core.NewProbeClient(probeTimeout),
		logger:       &core.NoOpLogger{},
	}
}

// SetLogger sets the logger (kernel/retrieval component).
func (s *BackendSelector) SetLogger(logger core.Logger) {
	if logger == nil {
		s.logger = &core.NoOpLogger{}
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		s.logger = cal.WithComponent("kernel/retrieval")
	} else {
		s.logger = logger
	}
}

// IsForced reports whether probing is bypassed.
func (s *BackendSelector) IsForced() bool {
	return s.force != ""
}

// CurrentBackend resolves the backend to use, probing when the cache expired.
func (s *BackendSelector) CurrentBackend(ctx context.Context) Backend {
	if s.force != "" {
		return s.force
	}

	s.mu.Lock()
	if s.cached != "" && time.Now().Before(s.expiresAt) {
		backend := s.cached
		s.mu.Unlock()
		return backend
	}
	s.mu.Unlock()

	backend := s.detect(ctx)

	s.mu.Lock()
	if backend != s.cached {
		s.logger.InfoWithContext(ctx, "RAG backend selected", map[string]interface{}{
			"operation": "backend_select",
			"backend":   string(backend),
		})
	}
	s.cached = backend
	s.expiresAt = time.Now().Add(s.ttl)
	s.mu.Unlock()
	return backend
}

// BaseURL resolves the current backend's base URL.
func (s *BackendSelector) BaseURL(ctx context.Context) string {
	return s.URLFor(s.CurrentBackend(ctx))
}

// URLFor maps a backend to its base URL.
func (s *BackendSelector) URLFor(backend Backend) string {
	if backend == BackendLocal {
		return s.localURL
	}
	return s.fallbackURL
}

// Alternate returns the other backend.
func (s *BackendSelector) Alternate(backend Backend) Backend {
	if backend == BackendLocal {
		return BackendFallback
	}
	return BackendLocal
}

// Promote caches a backend as the current choice, used after a successful
// fallback retry so subsequent requests go straight to the healthy engine.
func (s *BackendSelector) Promote(backend Backend) {
	if normalizeBackend(string(backend)) == "" {
		return
	}
	s.mu.Lock()
	s.cached = backend
	s.expiresAt = time.Now().Add(s.ttl)
	s.mu.Unlock()
}

func (s *BackendSelector) detect(ctx context.Context) Backend {
	probeURL := s.localURL + s.healthPath
	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, probeURL, nil)
	if err != nil {
		return BackendFallback
	}
	resp, err := s.probeClient.Do(req)
	if err != nil {
		s.logger.WarnWithContext(ctx, "RAG backend probe failed", map[string]interface{}{
			"operation": "backend_probe",
			"backend":   string(BackendLocal),
			"url":       probeURL,
			"error":     err.Error(),
		})
		return BackendFallback
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusOK {
		return BackendLocal
	}
	s.logger.WarnWithContext(ctx, "RAG backend probe failed", map[string]interface{}{
		"operation":   "backend_probe",
		"backend":     string(BackendLocal),
		"url":         probeURL,
		"status_code": resp.StatusCode,
	})
	return BackendFallback
}

func normalizeBackend(raw string) Backend {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "local":
		return BackendLocal
	case "fallback", "docker", "secondary":
		return BackendFallback
	}
	return ""
}
