package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/jbndrf/Tabtin-sub001/internal/common"
	"github.com/jbndrf/Tabtin-sub001/internal/entity"
	"github.com/jbndrf/Tabtin-sub001/internal/llm"
	"github.com/jbndrf/Tabtin-sub001/internal/normalize"
	"github.com/jbndrf/Tabtin-sub001/internal/ratelimit"
)

// refreshSettings reloads the tenant's settings and applies changed limits
// to the limiter. Waiters pick the new limits up immediately.
func (e *Executor) refreshSettings(ctx context.Context) (*entity.TenantSettings, error) {
	s, err := e.deps.Store.Tenants.GetSettings(ctx, e.tenantID)
	if err != nil {
		return nil, fmt.Errorf("load settings for tenant %s: %w", e.tenantID, err)
	}

	want := ratelimit.Config{
		MaxConcurrency:    s.MaxConcurrency,
		RequestsPerMinute: s.RequestsPerMinute,
	}
	if want.MaxConcurrency <= 0 {
		want.MaxConcurrency = e.cfg.DefaultMaxConcurrency
	}
	if want.RequestsPerMinute <= 0 {
		want.RequestsPerMinute = e.cfg.DefaultRequestsPerMinute
	}
	if cur := e.limiter.Config(); cur != want {
		e.limiter.Reconfigure(want)
		e.logger.Info("executor.limiter.reconfigured",
			"max_concurrency", want.MaxConcurrency,
			"requests_per_minute", want.RequestsPerMinute,
		)
	}
	return s, nil
}

// loadSettings is refreshSettings for a job body: a tenant without settings
// or without columns can never be processed.
func (e *Executor) loadSettings(ctx context.Context) (*entity.TenantSettings, error) {
	s, err := e.refreshSettings(ctx)
	if err != nil {
		if common.IsNotFound(err) {
			return nil, common.ContractError("tenant has no extraction settings", err)
		}
		return nil, err
	}
	if len(s.Columns) == 0 {
		return nil, common.ContractError("tenant schema has no columns", nil)
	}
	return s, nil
}

func (e *Executor) endpointFor(s *entity.TenantSettings) llm.Endpoint {
	ep := llm.Endpoint{
		URL:    strings.TrimSpace(s.Endpoint),
		APIKey: strings.TrimSpace(s.APIKey),
		Model:  strings.TrimSpace(s.Model),
	}
	if s.Temperature != 0 {
		t := s.Temperature
		ep.Temperature = &t
	}
	timeout := s.Timeout(e.cfg.DefaultTimeout)
	ep.Timeout = &timeout
	if s.StructuredOutput && !s.UseTOON {
		ep.Schema = llm.ReplySchema(llm.PromptOptionsFrom(*s))
	}
	return ep
}

func (e *Executor) normalizeOptions(s *entity.TenantSettings, cols []entity.Column) normalize.Options {
	return normalize.Options{
		Columns:     cols,
		TOON:        s.UseTOON,
		Coordinates: s.EnableBBox,
		Confidence:  s.EnableConfidence,
		Convention:  s.BBoxConvention,
		Logger:      e.logger,
	}
}
