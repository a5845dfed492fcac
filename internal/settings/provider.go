package settings

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/DukeRupert/csvmeter/internal/domain"
	"github.com/DukeRupert/csvmeter/internal/metrics"
)

// PolicyKey is the app_settings key holding the upload policy.
const PolicyKey = "upload_policy"

// Store persists raw setting values. GetSetting returns domain.ErrNotFound
// for keys that were never written.
type Store interface {
	GetSetting(ctx context.Context, key string) ([]byte, error)
	PutSetting(ctx context.Context, key string, value []byte) error
}

// Provider reads settings through a cache. Reads never fail because of the
// cache: cache errors are logged and the store is consulted directly.
type Provider struct {
	store    Store
	cache    Cache
	defaults domain.Policy
	logger   *slog.Logger
	group    singleflight.Group
}

// NewProvider creates a provider. defaults fills any field a stored policy
// leaves unset and is returned when nothing is stored.
func NewProvider(store Store, cache Cache, defaults domain.Policy, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		store:    store,
		cache:    cache,
		defaults: defaults,
		logger:   logger,
	}
}

// Policy returns the current admission policy.
func (p *Provider) Policy(ctx context.Context) (domain.Policy, error) {
	const op = "settings.policy"

	raw, err := p.cache.Get(ctx, PolicyKey)
	switch {
	case err == nil:
		metrics.SettingsCacheLookup("hit")
		if policy, decodeErr := p.decode(raw); decodeErr == nil {
			return policy, nil
		}
		p.logger.Warn("discarding undecodable cached policy")
	case errors.Is(err, ErrCacheMiss):
		metrics.SettingsCacheLookup("miss")
	default:
		metrics.SettingsCacheLookup("error")
		p.logger.Warn("settings cache read failed", "error", err)
	}

	v, err, _ := p.group.Do(PolicyKey, func() (interface{}, error) {
		return p.load(ctx)
	})
	if err != nil {
		return domain.Policy{}, domain.Internal(err, op, "failed to load upload policy")
	}
	return v.(domain.Policy), nil
}

// UpdatePolicy validates and stores policy, then drops the cached copy.
func (p *Provider) UpdatePolicy(ctx context.Context, policy domain.Policy) error {
	const op = "settings.update_policy"

	if err := policy.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(policy)
	if err != nil {
		return domain.Internal(err, op, "failed to encode upload policy")
	}
	if err := p.store.PutSetting(ctx, PolicyKey, raw); err != nil {
		return domain.Internal(err, op, "failed to store upload policy")
	}
	if err := p.cache.Invalidate(ctx, PolicyKey); err != nil {
		p.logger.Warn("settings cache invalidation failed", "key", PolicyKey, "error", err)
	}

	p.logger.Info("upload policy updated",
		"free_tier_line_limit", policy.FreeTierLineLimit,
		"anonymous_line_limit", policy.AnonymousLineLimit,
		"free_tier_monthly_limit", policy.FreeTierMonthlyLimit,
		"max_periods_per_file", policy.MaxPeriodsPerFile,
	)
	return nil
}

func (p *Provider) load(ctx context.Context) (domain.Policy, error) {
	raw, err := p.store.GetSetting(ctx, PolicyKey)
	if errors.Is(err, domain.ErrNotFound) {
		return p.defaults, nil
	}
	if err != nil {
		return domain.Policy{}, err
	}

	policy, err := p.decode(raw)
	if err != nil {
		p.logger.Error("stored upload policy is invalid, using defaults", "error", err)
		return p.defaults, nil
	}
	if err := p.cache.Set(ctx, PolicyKey, raw); err != nil {
		p.logger.Warn("settings cache write failed", "key", PolicyKey, "error", err)
	}
	return policy, nil
}

// decode overlays raw on the defaults so older stored documents missing a
// field still produce a complete policy.
func (p *Provider) decode(raw []byte) (domain.Policy, error) {
	policy := p.defaults
	if err := json.Unmarshal(raw, &policy); err != nil {
		return domain.Policy{}, err
	}
	if err := policy.Validate(); err != nil {
		return domain.Policy{}, err
	}
	return policy, nil
}
