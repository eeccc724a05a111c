package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/referral-service/internal/domain"
	"github.com/spec-kit/referral-service/internal/observability"
)

// ListingKey identifies one cached referral page. Every input that changes
// the result is part of the key, including the viewer's role.
type ListingKey struct {
	TargetRef string
	ViewerRef string
	Role      domain.Role
	Scope     domain.ReferralScope
	Page      int
	Limit     int
	Search    string
	Status    string
}

// ResultCache stores computed referral pages. A nil store disables caching;
// backend failures are logged and treated as misses.
type ResultCache struct {
	store   Store
	ttl     time.Duration
	prefix  string
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewResultCache returns a cache over store. store may be nil.
func NewResultCache(store Store, ttl time.Duration, prefix string, logger *zap.Logger, metrics *observability.Metrics) *ResultCache {
	if prefix == "" {
		prefix = "referrals"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResultCache{store: store, ttl: ttl, prefix: prefix, logger: logger, metrics: metrics}
}

// Enabled reports whether a backend is configured.
func (c *ResultCache) Enabled() bool {
	return c != nil && c.store != nil
}

// Key renders the storage key for k.
func (c *ResultCache) Key(k ListingKey) string {
	return strings.Join([]string{
		c.prefix,
		k.TargetRef,
		k.ViewerRef,
		string(k.Role),
		string(k.Scope),
		strconv.Itoa(k.Page),
		strconv.Itoa(k.Limit),
		strings.ToLower(strings.TrimSpace(k.Search)),
		k.Status,
	}, ":")
}

// GetPage returns the cached page and whether it was found.
func (c *ResultCache) GetPage(ctx context.Context, k ListingKey) (domain.ReferralPage, bool) {
	if !c.Enabled() {
		return domain.ReferralPage{}, false
	}
	key := c.Key(k)
	raw, err := c.store.Get(ctx, key)
	if errors.Is(err, ErrMiss) {
		c.metrics.RecordCache(observability.CacheMiss)
		return domain.ReferralPage{}, false
	}
	if err != nil {
		c.metrics.RecordCache(observability.CacheError)
		c.logger.Warn("referral cache read failed", zap.String("key", key), zap.Error(err))
		return domain.ReferralPage{}, false
	}

	var page domain.ReferralPage
	if err := json.Unmarshal(raw, &page); err != nil {
		c.metrics.RecordCache(observability.CacheError)
		c.logger.Warn("referral cache entry corrupt", zap.String("key", key), zap.Error(err))
		return domain.ReferralPage{}, false
	}
	c.metrics.RecordCache(observability.CacheHit)
	return page, true
}

// SetPage stores page under k. Failures are logged only.
func (c *ResultCache) SetPage(ctx context.Context, k ListingKey, page domain.ReferralPage) {
	if !c.Enabled() {
		return
	}
	key := c.Key(k)
	raw, err := json.Marshal(page)
	if err != nil {
		c.logger.Warn("referral cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.store.Set(ctx, key, raw, c.ttl); err != nil {
		c.metrics.RecordCache(observability.CacheError)
		c.logger.Warn("referral cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// InvalidateTargets drops every cached page whose target is one of refs.
func (c *ResultCache) InvalidateTargets(ctx context.Context, refs []string) error {
	if !c.Enabled() {
		return nil
	}
	var errs []error
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		if err := c.store.DeleteByPrefix(ctx, fmt.Sprintf("%s:%s:", c.prefix, ref)); err != nil {
			c.metrics.RecordCache(observability.CacheError)
			c.logger.Warn("referral cache invalidation failed", zap.String("target", ref), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
