package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mcalza96/cire-orchestrator/core"
)

// Source resolves a tenant to its agent profile. Implementations must be safe
// for concurrent use.
type Source interface {
	Load(ctx context.Context, tenantID string) (*AgentProfile, Resolution, error)
}

// StaticSource always returns the same profile. Useful for tests and
// single-tenant embedders.
type StaticSource struct {
	Profile *AgentProfile
}

func (s StaticSource) Load(ctx context.Context, tenantID string) (*AgentProfile, Resolution, error) {
	p := s.Profile
	if p == nil {
		p = Default()
	}
	return p, Resolution{
		Source:           "default",
		AppliedProfileID: p.ProfileID,
		DecisionReason:   "static profile source",
	}, nil
}

// FileSource loads <dir>/<tenant>.yaml documents. A missing file falls back
// to the base profile rather than failing the query.
type FileSource struct {
	Dir    string
	logger core.Logger
}

// NewFileSource creates a YAML-backed profile source.
func NewFileSource(dir string) *FileSource {
	return &FileSource{Dir: dir, logger: &core.NoOpLogger{}}
}

// SetLogger sets the logger (kernel/profile component).
func (s *FileSource) SetLogger(logger core.Logger) {
	if logger == nil {
		s.logger = &core.NoOpLogger{}
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		s.logger = cal.WithComponent("kernel/profile")
	} else {
		s.logger = logger
	}
}

func (s *FileSource) Load(ctx context.Context, tenantID string) (*AgentProfile, Resolution, error) {
	name := sanitizeTenant(tenantID)
	path := filepath.Join(s.Dir, name+".yaml")
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), Resolution{
			Source:             "default",
			RequestedProfileID: tenantID,
			AppliedProfileID:   "base_v1",
			DecisionReason:     "no tenant document, base profile applied",
		}, nil
	}
	if err != nil {
		return nil, Resolution{}, core.NewKernelError("profile.FileSource.Load", "profile", err)
	}

	// YAML documents go through the same schema gate as store documents.
	var doc map[string]interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, Resolution{}, core.NewKernelError("profile.FileSource.Load", "profile", err)
	}
	jsonRaw, err := json.Marshal(doc)
	if err != nil {
		return nil, Resolution{}, core.NewKernelError("profile.FileSource.Load", "profile", err)
	}
	p, err := DecodeDocument(jsonRaw)
	if err != nil {
		s.logger.Warn("Profile document rejected", map[string]interface{}{
			"operation": "profile_load",
			"tenant_id": tenantID,
			"path":      path,
			"error":     err.Error(),
		})
		return nil, Resolution{}, err
	}
	return p, Resolution{
		Source:             "file",
		RequestedProfileID: tenantID,
		AppliedProfileID:   p.ProfileID,
		DecisionReason:     "tenant yaml document",
	}, nil
}

// HTTPSource loads profiles from a configuration store:
// GET <baseURL>/profiles/<tenant> returning the profile JSON document.
type HTTPSource struct {
	BaseURL string
	Client  *http.Client
	logger  core.Logger
}

// NewHTTPSource creates a store-backed profile source.
func NewHTTPSource(baseURL string, client *http.Client) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{BaseURL: strings.TrimRight(baseURL, "/"), Client: client, logger: &core.NoOpLogger{}}
}

// SetLogger sets the logger (kernel/profile component).
func (s *HTTPSource) SetLogger(logger core.Logger) {
	if logger == nil {
		s.logger = &core.NoOpLogger{}
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		s.logger = cal.WithComponent("kernel/profile")
	} else {
		s.logger = logger
	}
}

func (s *HTTPSource) Load(ctx context.Context, tenantID string) (*AgentProfile, Resolution, error) {
	url := fmt.Sprintf("%s/profiles/%s", s.BaseURL, sanitizeTenant(tenantID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, Resolution{}, core.NewKernelError("profile.HTTPSource.Load", "profile", err)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, Resolution{}, core.NewKernelError("profile.HTTPSource.Load", "profile", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return Default(), Resolution{
			Source:             "default",
			RequestedProfileID: tenantID,
			AppliedProfileID:   "base_v1",
			DecisionReason:     "store has no document for tenant",
		}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, Resolution{}, &core.KernelError{
			Op:      "profile.HTTPSource.Load",
			Kind:    "profile",
			Err:     core.ErrRequestFailed,
			Message: fmt.Sprintf("profile store returned %d", resp.StatusCode),
		}
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, Resolution{}, core.NewKernelError("profile.HTTPSource.Load", "profile", err)
	}
	p, err := DecodeDocument(raw)
	if err != nil {
		return nil, Resolution{}, err
	}
	return p, Resolution{
		Source:             "store",
		RequestedProfileID: tenantID,
		AppliedProfileID:   p.ProfileID,
		DecisionReason:     "tenant document from configuration store",
	}, nil
}

func sanitizeTenant(tenantID string) string {
	name := strings.TrimSpace(tenantID)
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		name = "default"
	}
	return name
}
