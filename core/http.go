package core

import (
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewHTTPClient builds the pooled HTTP client used for all RAG contract
// traffic. The transport propagates W3C trace context to the engine so a
// query's retrieval calls show up under the kernel's span. One client per
// flow is acceptable; reusing a single client across flows is preferred.
func NewHTTPClient(cfg *Config) *http.Client {
	dialer := &net.Dialer{
		Timeout:   cfg.RAGHTTPConnectTimeout,
		KeepAlive: cfg.RAGHTTPKeepAlive,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxConnsPerHost:       cfg.RAGHTTPMaxConns,
		MaxIdleConns:          cfg.RAGHTTPMaxIdleConns,
		MaxIdleConnsPerHost:   cfg.RAGHTTPMaxIdleConns,
		IdleConnTimeout:       cfg.RAGHTTPKeepAlive,
		ResponseHeaderTimeout: cfg.RAGHTTPReadTimeout,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{
		Timeout:   cfg.RAGHTTPTimeout,
		Transport: otelhttp.NewTransport(transport),
	}
}

// NewProbeClient builds the short-deadline client the backend selector uses
// for health probes. Probes are frequent and cheap; they bypass the pooled
// transport so a saturated pool cannot delay backend selection.
func NewProbeClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 300 * time.Millisecond
	}
	return &http.Client{Timeout: timeout}
}
