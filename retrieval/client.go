package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mcalza96/cire-orchestrator/agent"
	"github.com/mcalza96/cire-orchestrator/core"
)

// Item is one retrieved fragment on the wire. Score and Similarity are
// pointers so "no score reported" is distinguishable from zero.
type Item struct {
	Source   string                 `json:"source"`
	Content  string                 `json:"content"`
	Score    *float64               `json:"score,omitempty"`
	Similarity *float64             `json:"similarity,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// EffectiveScore returns score, falling back to similarity; nil when neither
// is present.
func (it Item) EffectiveScore() *float64 {
	if it.Score != nil {
		return it.Score
	}
	return it.Similarity
}

// Evidence converts the wire item into the kernel evidence shape, nesting
// flat metadata under "row" the way the validator and generator expect.
func (it Item) Evidence() agent.EvidenceItem {
	content := strings.TrimSpace(it.Content)
	meta := it.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	if _, ok := meta["row"]; !ok {
		var sim interface{}
		if s := it.EffectiveScore(); s != nil {
			sim = *s
		}
		meta = map[string]interface{}{
			"row": map[string]interface{}{
				"content":    content,
				"metadata":   meta,
				"similarity": sim,
			},
		}
	}
	score := 0.0
	if s := it.EffectiveScore(); s != nil {
		score = *s
	}
	source := strings.TrimSpace(it.Source)
	if source == "" {
		source = "C1"
	}
	return agent.EvidenceItem{Source: source, Content: content, Score: score, Metadata: meta}
}

// ToEvidence converts a slice, dropping items with empty content.
func ToEvidence(items []Item) []agent.EvidenceItem {
	out := make([]agent.EvidenceItem, 0, len(items))
	for _, it := range items {
		if strings.TrimSpace(it.Content) == "" {
			continue
		}
		out = append(out, it.Evidence())
	}
	return out
}

// Response is the common payload shape of the hybrid, multi-query, and
// comprehensive endpoints.
type Response struct {
	Items      []Item                 `json:"items"`
	Trace      map[string]interface{} `json:"trace,omitempty"`
	Partial    bool                   `json:"partial,omitempty"`
	Subqueries []agent.SubqueryGroup  `json:"subqueries,omitempty"`
}

// ScopeValidation is the validate-scope endpoint payload.
type ScopeValidation struct {
	Valid           bool                   `json:"valid"`
	Violations      []string               `json:"violations,omitempty"`
	Warnings        []string               `json:"warnings,omitempty"`
	NormalizedScope *NormalizedScope       `json:"normalized_scope,omitempty"`
	QueryScope      *QueryScope            `json:"query_scope,omitempty"`
	Raw             map[string]interface{} `json:"-"`
}

// NormalizedScope carries the filters the engine derived from the request.
type NormalizedScope struct {
	Filters map[string]interface{} `json:"filters,omitempty"`
}

// QueryScope carries the engine's reading of the query's scope intent.
type QueryScope struct {
	RequestedStandards         []string `json:"requested_standards,omitempty"`
	RequiresScopeClarification bool     `json:"requires_scope_clarification,omitempty"`
	SuggestedScopes            []string `json:"suggested_scopes,omitempty"`
}

// Map returns the raw payload for embedding into diagnostics.
func (v *ScopeValidation) Map() map[string]interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	if v.Raw != nil {
		return v.Raw
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]interface{}{"valid": v.Valid}
	}
	out := map[string]interface{}{}
	_ = json.Unmarshal(raw, &out)
	return out
}

// RequestScope aliases the kernel-wide request identity; contract calls
// forward it as headers.
type RequestScope = agent.RequestScope

// MergeSpec configures server-side rank fusion for multi-query calls.
type MergeSpec struct {
	Strategy string `json:"strategy"`
	RRFK     int    `json:"rrf_k"`
	TopK     int    `json:"top_k"`
}

// ContractClient talks to the RAG retrieval contract over HTTP. Recoverable
// upstream trouble (connect errors, 5xx) triggers one retry on the alternate
// backend; a success there promotes the alternate as the cached choice.
type ContractClient struct {
	secret   string
	selector *BackendSelector
	client   *http.Client
	metrics  *MetricsStore
	logger   core.Logger
}

// NewContractClient builds the client. The shared secret is mandatory; the
// constructor refuses to build an unauthenticated client.
func NewContractClient(cfg *core.Config, selector *BackendSelector, client *http.Client, metrics *MetricsStore) (*ContractClient, error) {
	if strings.TrimSpace(cfg.RAGServiceSecret) == "" {
		return nil, core.ErrMissingServiceSecret
	}
	if selector == nil {
		selector = NewBackendSelector(SelectorOptions{
			LocalURL:     cfg.RAGLocalURL,
			FallbackURL:  cfg.RAGFallbackURL,
			HealthPath:   cfg.RAGHealthPath,
			ProbeTimeout: cfg.RAGProbeTimeout,
			TTL:          cfg.RAGBackendTTL,
			ForceBackend: cfg.RAGForceBackend,
		})
	}
	if client == nil {
		client = core.NewHTTPClient(cfg)
	}
	if metrics == nil {
		metrics = NewMetricsStore(nil)
	}
	return &ContractClient{
		secret:   cfg.RAGServiceSecret,
		selector: selector,
		client:   client,
		metrics:  metrics,
		logger:   &core.NoOpLogger{},
	}, nil
}

// SetLogger sets the logger (kernel/retrieval component).
func (c *ContractClient) SetLogger(logger core.Logger) {
	if logger == nil {
		c.logger = &core.NoOpLogger{}
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		c.logger = cal.WithComponent("kernel/retrieval")
	} else {
		c.logger = logger
	}
	c.selector.SetLogger(logger)
}

// Metrics exposes the counter store.
func (c *ContractClient) Metrics() *MetricsStore { return c.metrics }

// ValidateScope checks the query's tenant/collection scope before retrieval.
func (c *ContractClient) ValidateScope(ctx context.Context, scope RequestScope, query string, filters map[string]interface{}) (*ScopeValidation, error) {
	payload := map[string]interface{}{
		"query":         query,
		"tenant_id":     scope.TenantID,
		"collection_id": nullable(scope.CollectionID),
		"filters":       filters,
	}
	raw, err := c.postJSON(ctx, "/api/v1/retrieval/validate-scope", "validate_scope", scope, payload)
	if err != nil {
		return nil, err
	}
	var out ScopeValidation
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, core.NewKernelError("retrieval.ValidateScope", "retrieval", err)
	}
	rawMap := map[string]interface{}{}
	_ = json.Unmarshal(raw, &rawMap)
	out.Raw = rawMap
	return &out, nil
}

// HybridRequest parameterizes a hybrid retrieval call.
type HybridRequest struct {
	Query  string
	K      int
	FetchK int
	Filters map[string]interface{}
}

// Hybrid runs a single hybrid retrieval with rerank enabled and a two-hop
// graph expansion, the baseline strategy of every flow.
func (c *ContractClient) Hybrid(ctx context.Context, scope RequestScope, req HybridRequest) (*Response, error) {
	payload := map[string]interface{}{
		"query":         req.Query,
		"tenant_id":     scope.TenantID,
		"collection_id": nullable(scope.CollectionID),
		"k":             req.K,
		"fetch_k":       req.FetchK,
		"filters":       req.Filters,
		"rerank":        map[string]interface{}{"enabled": true},
		"graph":         map[string]interface{}{"max_hops": 2},
	}
	raw, err := c.postJSON(ctx, "/api/v1/retrieval/hybrid", "hybrid", scope, payload)
	if err != nil {
		return nil, err
	}
	return decodeResponse(raw, "retrieval.Hybrid")
}

// MultiQuery runs a batch of subqueries with server-side RRF merging.
func (c *ContractClient) MultiQuery(ctx context.Context, scope RequestScope, queries []agent.Subquery, merge MergeSpec) (*Response, error) {
	payload := map[string]interface{}{
		"queries": queries,
		"merge":   merge,
	}
	// Tenant routing travels in headers; the body carries it too for parity
	// with the hybrid endpoint.
	payload["tenant_id"] = scope.TenantID
	payload["collection_id"] = nullable(scope.CollectionID)

	raw, err := c.postJSON(ctx, "/api/v1/retrieval/multi-query", "multi_query", scope, payload)
	if err != nil {
		return nil, err
	}
	return decodeResponse(raw, "retrieval.MultiQuery")
}

// Comprehensive runs the single-call contract that subsumes scope validation,
// hybrid retrieval, and coverage policy on the engine side.
func (c *ContractClient) Comprehensive(ctx context.Context, scope RequestScope, req HybridRequest, retrievalPolicy map[string]interface{}) (*Response, error) {
	payload := map[string]interface{}{
		"query":            req.Query,
		"tenant_id":        scope.TenantID,
		"collection_id":    nullable(scope.CollectionID),
		"k":                req.K,
		"fetch_k":          req.FetchK,
		"filters":          req.Filters,
		"rerank":           map[string]interface{}{"enabled": true},
		"graph":            map[string]interface{}{"max_hops": 2},
		"retrieval_policy": retrievalPolicy,
	}
	raw, err := c.postJSON(ctx, "/api/v1/retrieval/comprehensive", "comprehensive", scope, payload)
	if err != nil {
		return nil, err
	}
	return decodeResponse(raw, "retrieval.Comprehensive")
}

func decodeResponse(raw []byte, op string) (*Response, error) {
	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		// Some engines return a bare item list.
		var items []Item
		if err2 := json.Unmarshal(raw, &items); err2 == nil {
			return &Response{Items: items}, nil
		}
		return nil, core.NewKernelError(op, "retrieval", err)
	}
	return &out, nil
}

func (c *ContractClient) postJSON(ctx context.Context, path, endpoint string, scope RequestScope, payload map[string]interface{}) ([]byte, error) {
	c.metrics.RecordRequest(endpoint)

	primary := c.selector.CurrentBackend(ctx)
	raw, err := c.postOnce(ctx, c.selector.URLFor(primary), path, scope, payload)
	if err == nil {
		c.metrics.RecordSuccess(endpoint)
		return raw, nil
	}
	if c.selector.IsForced() || !isRetryableTransport(err) {
		c.metrics.RecordFailure(endpoint)
		return nil, err
	}

	alternate := c.selector.Alternate(primary)
	c.metrics.RecordFallbackRetry(endpoint)
	c.logger.WarnWithContext(ctx, "RAG backend fallback retry", map[string]interface{}{
		"operation":    "backend_fallback_retry",
		"from_backend": string(primary),
		"to_backend":   string(alternate),
		"path":         path,
		"error":        err.Error(),
	})
	raw, retryErr := c.postOnce(ctx, c.selector.URLFor(alternate), path, scope, payload)
	if retryErr != nil {
		c.metrics.RecordFailure(endpoint)
		return nil, retryErr
	}
	c.selector.Promote(alternate)
	c.metrics.RecordSuccess(endpoint)
	return raw, nil
}

func (c *ContractClient) postOnce(ctx context.Context, baseURL, path string, scope RequestScope, payload map[string]interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, core.NewKernelError("retrieval.postOnce", "retrieval", err)
	}
	url := strings.TrimRight(baseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, core.NewKernelError("retrieval.postOnce", "retrieval", err)
	}

	traceID := scope.RequestID
	if traceID == "" {
		traceID = scope.CorrelationID
	}
	if traceID == "" {
		traceID = uuid.NewString()
	}
	corrID := scope.CorrelationID
	if corrID == "" {
		corrID = traceID
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Secret", c.secret)
	req.Header.Set("X-Tenant-ID", scope.TenantID)
	req.Header.Set("X-Trace-ID", traceID)
	req.Header.Set("X-Correlation-ID", corrID)
	if scope.RequestID != "" {
		req.Header.Set("X-Request-ID", scope.RequestID)
	}
	if scope.UserID != "" {
		req.Header.Set("X-User-ID", scope.UserID)
	}

	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.WarnWithContext(ctx, "RAG contract request failed", map[string]interface{}{
			"operation":  "contract_post",
			"endpoint":   path,
			"base_url":   baseURL,
			"elapsed_ms": time.Since(started).Milliseconds(),
			"error":      err.Error(),
		})
		return nil, &core.KernelError{Op: "retrieval.postOnce", Kind: "retrieval", Err: core.ErrConnectionFailed, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, &core.KernelError{Op: "retrieval.postOnce", Kind: "retrieval", Err: core.ErrConnectionFailed, Message: err.Error()}
	}
	if resp.StatusCode >= 500 {
		return nil, &core.KernelError{
			Op:      "retrieval.postOnce",
			Kind:    "retrieval",
			Err:     core.ErrUpstreamUnavailable,
			Message: fmt.Sprintf("%s returned %d", path, resp.StatusCode),
		}
	}
	if resp.StatusCode >= 400 {
		return nil, &core.KernelError{
			Op:      "retrieval.postOnce",
			Kind:    "retrieval",
			Err:     core.ErrRequestFailed,
			Message: fmt.Sprintf("%s returned %d: %s", path, resp.StatusCode, truncate(string(raw), 200)),
		}
	}
	return raw, nil
}

func isRetryableTransport(err error) bool {
	return core.IsRetryable(err)
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
