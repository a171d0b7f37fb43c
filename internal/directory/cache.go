package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"custodia/internal/entity"
	id "custodia/pkg/domain"
	"custodia/pkg/requestcontext"
)

var cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "custodia_directory_cache_requests_total",
	Help: "Directory cache lookups by outcome",
}, []string{"kind", "outcome"})

const (
	groupKeyPrefix = "dir:sg:"
	treeKeyPrefix  = "dir:st:"
)

// Cached decorates a directory client with a Redis cache. Group membership is
// the hot path of every authorization check; the service tree barely changes.
type Cached struct {
	inner  Client
	client *redis.Client
	logger *slog.Logger

	groupTTL time.Duration
	treeTTL  time.Duration
}

// CachedOption configures a Cached directory.
type CachedOption func(*Cached)

// WithGroupTTL overrides the membership cache lifetime.
func WithGroupTTL(ttl time.Duration) CachedOption {
	return func(c *Cached) { c.groupTTL = ttl }
}

// WithTreeTTL overrides the service tree cache lifetime.
func WithTreeTTL(ttl time.Duration) CachedOption {
	return func(c *Cached) { c.treeTTL = ttl }
}

// WithLogger sets the cache logger.
func WithLogger(logger *slog.Logger) CachedOption {
	return func(c *Cached) { c.logger = logger }
}

// NewCached wraps a directory client with a Redis cache. Cache failures fall
// through to the inner client; the directory stays usable without Redis.
func NewCached(inner Client, client *redis.Client, opts ...CachedOption) *Cached {
	c := &Cached{
		inner:    inner,
		client:   client,
		logger:   slog.Default(),
		groupTTL: 15 * time.Minute,
		treeTTL:  6 * time.Hour,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cached) SecurityGroupIDs(ctx context.Context, principal requestcontext.AuthenticatedPrincipal, forceRefresh bool) ([]id.SecurityGroupID, error) {
	key := groupKeyPrefix + principal.UserID

	if forceRefresh {
		if err := c.client.Del(ctx, key).Err(); err != nil {
			c.logger.WarnContext(ctx, "directory cache invalidation failed",
				slog.String("error", err.Error()))
		}
	} else {
		var groups []id.SecurityGroupID
		if ok := c.lookup(ctx, "groups", key, &groups); ok {
			return groups, nil
		}
	}

	groups, err := c.inner.SecurityGroupIDs(ctx, principal, forceRefresh)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, groups, c.groupTTL)
	return groups, nil
}

func (c *Cached) ResolveServiceTree(ctx context.Context, nodeID id.ServiceTreeID, level entity.ServiceTreeLevel) (*ServiceTreeNode, error) {
	key := fmt.Sprintf("%s%s:%s", treeKeyPrefix, level, nodeID)

	var node ServiceTreeNode
	if ok := c.lookup(ctx, "tree", key, &node); ok {
		return &node, nil
	}

	resolved, err := c.inner.ResolveServiceTree(ctx, nodeID, level)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, resolved, c.treeTTL)
	return resolved, nil
}

// lookup reads and decodes a cached value; any miss or failure reads through.
func (c *Cached) lookup(ctx context.Context, kind, key string, out any) bool {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		cacheHits.WithLabelValues(kind, "miss").Inc()
		return false
	}
	if err != nil {
		cacheHits.WithLabelValues(kind, "error").Inc()
		c.logger.WarnContext(ctx, "directory cache read failed",
			slog.String("key", key), slog.String("error", err.Error()))
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		cacheHits.WithLabelValues(kind, "error").Inc()
		return false
	}
	cacheHits.WithLabelValues(kind, "hit").Inc()
	return true
}

func (c *Cached) store(ctx context.Context, key string, value any, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "directory cache write failed",
			slog.String("key", key), slog.String("error", err.Error()))
	}
}
