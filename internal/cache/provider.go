package cache

import (
	"context"
	"time"
)

// Provider is a minimal byte store with TTLs. Implementations must be safe
// for concurrent use and byte-for-byte transparent: Get returns exactly the
// []byte previously passed to Set for the same key.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL. Returns ok=false when the store
	// rejected the write under pressure.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) (ok bool, err error)

	// Del removes a key (best-effort).
	Del(ctx context.Context, key string) error

	// Keys returns the live keys matching a glob pattern ("*" wildcard).
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Close releases resources.
	Close(ctx context.Context) error
}

// matchPattern reports whether s matches a glob pattern where '*' matches
// any run of characters, including separators.
func matchPattern(pattern, s string) bool {
	// iterative glob: track the last '*' position for backtracking
	pi, si := 0, 0
	star, mark := -1, 0
	for si < len(s) {
		switch {
		case pi < len(pattern) && (pattern[pi] == s[si]):
			pi++
			si++
		case pi < len(pattern) && pattern[pi] == '*':
			star = pi
			mark = si
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}
