package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/stratumhq/stratum/pkg/logger"
	"github.com/stratumhq/stratum/pkg/metrics"
)

const globalScope = "_global"

// entry is the wire shape stored in the provider. ExpiresAt is checked
// eagerly on read so correctness never depends on the provider's own
// expiry sweep.
type entry struct {
	Value     []byte `msgpack:"v"`
	Category  string `msgpack:"c"`
	ExpiresAt int64  `msgpack:"e"`
}

// Service is the process-wide cache. Keys are namespaced per tenant
// (`<prefix>:<tenant>:<key>`), so a tenant-scoped write is structurally
// invisible to reads under any other tenant or under no tenant at all.
//
// Invalidation is category-based: categories map to key patterns, and
// InvalidateCategory clears every matching key regardless of its exact
// shape. All failures on the read path degrade to a miss.
type Service struct {
	provider   Provider
	prefix     string
	defaultTTL time.Duration
	log        logger.Logger

	mu         sync.RWMutex
	categories map[string][]string // category -> key patterns
}

type Options struct {
	Provider   Provider
	Prefix     string
	DefaultTTL time.Duration
	Logger     logger.Logger
}

func New(opts Options) *Service {
	if opts.Prefix == "" {
		opts.Prefix = "stratum"
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Service{
		provider:   opts.Provider,
		prefix:     opts.Prefix,
		defaultTTL: opts.DefaultTTL,
		log:        opts.Logger,
		categories: make(map[string][]string),
	}
}

// RegisterCategory maps a category tag to the key patterns it covers.
// Patterns use "*" wildcards and are matched against the un-namespaced key
// (e.g. "schema:collection:*"). Multiple calls accumulate.
func (s *Service) RegisterCategory(category string, patterns ...string) {
	s.mu.Lock()
	s.categories[category] = append(s.categories[category], patterns...)
	s.mu.Unlock()
}

func (s *Service) namespaced(tenantID, key string) string {
	scope := tenantID
	if scope == "" {
		scope = globalScope
	}
	return s.prefix + ":" + scope + ":" + key
}

// Get decodes the cached value for key into out. A false return means miss;
// provider errors are logged and reported as a miss.
func (s *Service) Get(ctx context.Context, key, tenantID string, out any) (bool, error) {
	raw, ok, err := s.provider.Get(ctx, s.namespaced(tenantID, key))
	if err != nil {
		s.log.Debugf("cache get %q: %v (degrading to miss)", key, err)
		return false, nil
	}
	if !ok {
		metrics.CacheMisses.WithLabelValues(categoryOfKey(key)).Inc()
		return false, nil
	}
	var e entry
	if err := msgpack.Unmarshal(raw, &e); err != nil {
		s.log.Debugf("cache decode %q: %v (dropping entry)", key, err)
		_ = s.provider.Del(ctx, s.namespaced(tenantID, key))
		return false, nil
	}
	if time.Now().Unix() >= e.ExpiresAt {
		_ = s.provider.Del(ctx, s.namespaced(tenantID, key))
		metrics.CacheMisses.WithLabelValues(e.Category).Inc()
		return false, nil
	}
	if err := msgpack.Unmarshal(e.Value, out); err != nil {
		s.log.Debugf("cache value decode %q: %v", key, err)
		return false, nil
	}
	metrics.CacheHits.WithLabelValues(e.Category).Inc()
	return true, nil
}

// Set stores value under key for ttl (0 means the service default). The
// entry is tagged with the category derived from its key prefix.
func (s *Service) Set(ctx context.Context, key string, value any, ttl time.Duration, tenantID string) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	vb, err := msgpack.Marshal(value)
	if err != nil {
		return err
	}
	e := entry{
		Value:     vb,
		Category:  categoryOfKey(key),
		ExpiresAt: time.Now().Add(ttl).Unix(),
	}
	raw, err := msgpack.Marshal(&e)
	if err != nil {
		return err
	}
	if _, err := s.provider.Set(ctx, s.namespaced(tenantID, key), raw, ttl); err != nil {
		s.log.Warnf("cache set %q: %v", key, err)
	}
	return nil
}

// Delete removes a single key within the tenant scope.
func (s *Service) Delete(ctx context.Context, key, tenantID string) error {
	return s.provider.Del(ctx, s.namespaced(tenantID, key))
}

// ClearByPattern removes every key matching pattern. With a tenant it
// clears only that tenant's namespace; without one it clears all scopes.
func (s *Service) ClearByPattern(ctx context.Context, pattern, tenantID string) error {
	scope := "*"
	if tenantID != "" {
		scope = tenantID
	}
	full := s.prefix + ":" + scope + ":" + pattern
	keys, err := s.provider.Keys(ctx, full)
	if err != nil {
		s.log.Warnf("cache scan %q: %v", full, err)
		return nil
	}
	for _, k := range keys {
		if err := s.provider.Del(ctx, k); err != nil {
			s.log.Warnf("cache del %q: %v", k, err)
		}
	}
	return nil
}

// InvalidateCategory clears every key whose pattern is registered under the
// category, scoped to the tenant when given and globally otherwise. Every
// write path must call this after mutating a collection in that category.
func (s *Service) InvalidateCategory(ctx context.Context, category, tenantID string) error {
	s.mu.RLock()
	patterns := append([]string(nil), s.categories[category]...)
	s.mu.RUnlock()
	if len(patterns) == 0 {
		// unregistered categories still clear keys under "<category>:*"
		patterns = []string{category + ":*"}
	}
	metrics.CacheInvalidations.WithLabelValues(category).Inc()
	for _, p := range patterns {
		if err := s.ClearByPattern(ctx, p, tenantID); err != nil {
			return err
		}
	}
	return nil
}

// InvalidateCollection clears the cache category named after a collection.
func (s *Service) InvalidateCollection(ctx context.Context, collection, tenantID string) error {
	return s.InvalidateCategory(ctx, collection, tenantID)
}

// Clear removes entries for the given category tags, or everything when no
// tags are given.
func (s *Service) Clear(ctx context.Context, tags ...string) error {
	if len(tags) == 0 {
		return s.ClearByPattern(ctx, "*", "")
	}
	for _, tag := range tags {
		if err := s.InvalidateCategory(ctx, tag, ""); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the provider.
func (s *Service) Close(ctx context.Context) error {
	return s.provider.Close(ctx)
}

// categoryOfKey derives the category tag from a namespaced logical key,
// e.g. "schema:collection:42" -> "schema".
func categoryOfKey(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}
