package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

// MemoryProvider stores entries in an in-process ristretto cache. Ristretto
// cannot enumerate keys, so the provider keeps its own key index for
// pattern-based invalidation; the index is pruned lazily on listing.
type MemoryProvider struct {
	c *ristretto.Cache

	mu   sync.RWMutex
	keys map[string]time.Time // key -> expiry
}

type MemoryConfig struct {
	// MaxCost bounds total cached bytes.
	MaxCost int64
}

func NewMemoryProvider(cfg MemoryConfig) (*MemoryProvider, error) {
	if cfg.MaxCost <= 0 {
		return nil, errors.New("cache: memory provider needs a positive MaxCost")
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     cfg.MaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &MemoryProvider{c: c, keys: make(map[string]time.Time)}, nil
}

func (p *MemoryProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := p.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, _ := v.([]byte)
	if b == nil {
		p.c.Del(key)
		return nil, false, nil
	}
	return b, true, nil
}

func (p *MemoryProvider) Set(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Second
	}
	ok := p.c.SetWithTTL(key, value, int64(len(value)), ttl)
	if ok {
		p.mu.Lock()
		p.keys[key] = time.Now().Add(ttl)
		p.mu.Unlock()
		// make writes visible to immediate reads
		p.c.Wait()
	}
	return ok, nil
}

func (p *MemoryProvider) Del(_ context.Context, key string) error {
	p.c.Del(key)
	p.mu.Lock()
	delete(p.keys, key)
	p.mu.Unlock()
	return nil
}

func (p *MemoryProvider) Keys(_ context.Context, pattern string) ([]string, error) {
	now := time.Now()
	var out []string
	p.mu.Lock()
	for k, exp := range p.keys {
		if now.After(exp) {
			delete(p.keys, k)
			continue
		}
		if matchPattern(pattern, k) {
			out = append(out, k)
		}
	}
	p.mu.Unlock()
	return out, nil
}

func (p *MemoryProvider) Close(_ context.Context) error {
	p.c.Wait()
	p.c.Close()
	return nil
}
