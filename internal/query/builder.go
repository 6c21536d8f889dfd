// Package query provides a fluent, lazily-compiled query specification
// executed against a repository. Nothing touches the store until Execute,
// Stream, Count, Distinct, or GroupBy is called.
package query

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/stratumhq/stratum/internal/cache"
	"github.com/stratumhq/stratum/internal/dberr"
	"github.com/stratumhq/stratum/internal/repository"
	"github.com/stratumhq/stratum/pkg/logger"
)

// Meta is the execution envelope attached to every result set.
type Meta struct {
	ExecutionTime time.Duration
	Cached        bool
	IndexesUsed   []string
}

// ResultSet is the materialized output of Execute or GroupBy.
type ResultSet struct {
	Documents []repository.Document
	Meta      Meta
}

// DistinctResult is the output of Distinct.
type DistinctResult struct {
	Values []any
	Meta   Meta
}

// Builder accumulates filter, sort, pagination, projection, and hint state.
// Builder methods never fail; the first invalid combination is remembered
// and surfaced when the query executes. A Builder is single-use and not
// safe for concurrent mutation.
type Builder struct {
	repo  repository.Repository
	cache *cache.Service
	log   logger.Logger

	filter   repository.Filter
	or       []map[string]any
	sort     []repository.SortField
	skip     int64
	limit    int64
	fields   []string
	exclude  []string
	hint     string
	maxTime  time.Duration
	batch    int32
	cursor   string
	tenantID string
	cacheKey string
	cacheTTL time.Duration
	err      error
}

// Option configures a Builder at construction.
type Option func(*Builder)

// WithCache enables read-through caching for Execute.
func WithCache(c *cache.Service) Option {
	return func(b *Builder) { b.cache = c }
}

// WithLogger attaches a logger.
func WithLogger(l logger.Logger) Option {
	return func(b *Builder) { b.log = l }
}

func New(repo repository.Repository, opts ...Option) *Builder {
	b := &Builder{repo: repo, filter: repository.Filter{}, log: logger.Nop()}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Builder) fail(code, msg string) *Builder {
	if b.err == nil {
		b.err = dberr.New(code, msg)
	}
	return b
}

// Where adds an equality condition.
func (b *Builder) Where(field string, value any) *Builder {
	b.filter[field] = value
	return b
}

// WhereOp adds an operator condition, e.g. WhereOp("age", "$gte", 21).
func (b *Builder) WhereOp(field, op string, value any) *Builder {
	cond, ok := b.filter[field].(map[string]any)
	if !ok {
		cond = map[string]any{}
		b.filter[field] = cond
	}
	cond[op] = value
	return b
}

func (b *Builder) WhereIn(field string, values []any) *Builder {
	return b.WhereOp(field, "$in", values)
}

func (b *Builder) WhereNotIn(field string, values []any) *Builder {
	return b.WhereOp(field, "$nin", values)
}

// WhereBetween adds an inclusive range condition.
func (b *Builder) WhereBetween(field string, low, high any) *Builder {
	b.WhereOp(field, "$gte", low)
	return b.WhereOp(field, "$lte", high)
}

func (b *Builder) WhereNull(field string) *Builder {
	return b.WhereOp(field, "$exists", false)
}

func (b *Builder) WhereNotNull(field string) *Builder {
	return b.WhereOp(field, "$exists", true)
}

// Search adds case-insensitive free-text matching across the given fields.
// With no fields it falls back to the store's full-text search.
func (b *Builder) Search(text string, fields ...string) *Builder {
	if text == "" {
		return b
	}
	if len(fields) == 0 {
		b.filter["$text"] = map[string]any{"$search": text}
		return b
	}
	pat := "(?i)" + regexp.QuoteMeta(text)
	for _, f := range fields {
		b.or = append(b.or, map[string]any{f: map[string]any{"$regex": pat}})
	}
	return b
}

// OrderBy appends a sort clause. Clauses keep their declaration order, so
// ties on earlier clauses are broken by later ones.
func (b *Builder) OrderBy(field string, desc bool) *Builder {
	b.sort = append(b.sort, repository.SortField{Field: field, Desc: desc})
	return b
}

func (b *Builder) Skip(n int64) *Builder {
	b.skip = n
	return b
}

func (b *Builder) Limit(n int64) *Builder {
	b.limit = n
	return b
}

// After sets an opaque "field:value" cursor. The comparison direction
// follows the sort clause registered for the cursor field: descending sort
// pages with $lt, ascending with $gt. The value is interpreted in the
// field's type: integers, floats, and RFC3339 timestamps compare natively,
// anything else as a string.
func (b *Builder) After(cursor string) *Builder {
	b.cursor = cursor
	return b
}

// Select restricts the result to the given fields. Mutually exclusive with
// Exclude.
func (b *Builder) Select(fields ...string) *Builder {
	if len(b.exclude) > 0 {
		return b.fail(dberr.CodeValidation, "projection cannot both include and exclude fields")
	}
	b.fields = append(b.fields, fields...)
	return b
}

// Exclude removes the given fields from the result. Mutually exclusive
// with Select.
func (b *Builder) Exclude(fields ...string) *Builder {
	if len(b.fields) > 0 {
		return b.fail(dberr.CodeValidation, "projection cannot both include and exclude fields")
	}
	b.exclude = append(b.exclude, fields...)
	return b
}

// Hint names the index the store should use.
func (b *Builder) Hint(index string) *Builder {
	b.hint = index
	return b
}

// MaxTime bounds query execution; exceeding it surfaces as QUERY_TIMEOUT.
func (b *Builder) MaxTime(d time.Duration) *Builder {
	b.maxTime = d
	return b
}

func (b *Builder) BatchSize(n int32) *Builder {
	b.batch = n
	return b
}

// Tenant scopes the query (and its cache entries) to one tenant.
func (b *Builder) Tenant(id string) *Builder {
	b.tenantID = id
	if id != "" {
		b.filter[repository.FieldTenantID] = id
	}
	return b
}

// Cache enables read-through caching of Execute under the given key.
func (b *Builder) Cache(key string, ttl time.Duration) *Builder {
	b.cacheKey = key
	b.cacheTTL = ttl
	return b
}

// compile resolves the accumulated state into a concrete filter + options.
func (b *Builder) compile() (repository.Filter, *repository.FindOptions, error) {
	if b.err != nil {
		return nil, nil, b.err
	}
	filter := repository.Filter{}
	for k, v := range b.filter {
		filter[k] = v
	}
	if len(b.or) > 0 {
		filter["$or"] = b.or
	}
	if b.cursor != "" {
		field, value, ok := strings.Cut(b.cursor, ":")
		if !ok || field == "" {
			return nil, nil, dberr.New(dberr.CodeValidation, "cursor must have the form field:value")
		}
		op := "$gt"
		for _, s := range b.sort {
			if s.Field == field && s.Desc {
				op = "$lt"
			}
		}
		cond, isOps := filter[field].(map[string]any)
		if !isOps {
			cond = map[string]any{}
			filter[field] = cond
		}
		cond[op] = cursorValue(value)
	}
	opts := &repository.FindOptions{
		Sort:          b.sort,
		Skip:          b.skip,
		Limit:         b.limit,
		Fields:        b.fields,
		ExcludeFields: b.exclude,
		Hint:          b.hint,
		MaxTime:       b.maxTime,
		BatchSize:     b.batch,
	}
	return filter, opts, nil
}

// cursorValue coerces the textual cursor value into the type the stored
// field compares under. A cursor over a numeric or timestamp sort field
// must not degrade to string comparison.
func cursorValue(raw string) any {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts
	}
	return raw
}

func (b *Builder) meta(start time.Time, cached bool) Meta {
	m := Meta{ExecutionTime: time.Since(start), Cached: cached}
	if b.hint != "" {
		m.IndexesUsed = []string{b.hint}
	}
	return m
}

// Execute compiles the accumulated state into one query and materializes
// the full result set.
func (b *Builder) Execute(ctx context.Context) (*ResultSet, error) {
	start := time.Now()
	filter, opts, err := b.compile()
	if err != nil {
		return nil, err
	}
	if b.cache != nil && b.cacheKey != "" {
		var docs []repository.Document
		if hit, _ := b.cache.Get(ctx, b.cacheKey, b.tenantID, &docs); hit {
			return &ResultSet{Documents: docs, Meta: b.meta(start, true)}, nil
		}
	}
	docs, err := b.repo.FindMany(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	if b.cache != nil && b.cacheKey != "" {
		if err := b.cache.Set(ctx, b.cacheKey, docs, b.cacheTTL, b.tenantID); err != nil {
			b.log.Warnf("query cache set %q: %v", b.cacheKey, err)
		}
	}
	return &ResultSet{Documents: docs, Meta: b.meta(start, false)}, nil
}

// StreamResult couples a lazy stream with its execution envelope. Meta's
// ExecutionTime covers opening the stream, not draining it.
type StreamResult struct {
	repository.Stream
	Meta Meta
}

// Stream returns a lazy forward-only sequence honoring the same filter,
// sort, and projection without materializing the result set. Streams
// bypass the cache.
func (b *Builder) Stream(ctx context.Context) (*StreamResult, error) {
	start := time.Now()
	filter, opts, err := b.compile()
	if err != nil {
		return nil, err
	}
	st, err := b.repo.Stream(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	return &StreamResult{Stream: st, Meta: b.meta(start, false)}, nil
}

// Count executes a count over the compiled filter, ignoring pagination.
func (b *Builder) Count(ctx context.Context) (int64, error) {
	filter, _, err := b.compile()
	if err != nil {
		return 0, err
	}
	return b.repo.Count(ctx, filter)
}

// Distinct short-circuits to the store's distinct path, bypassing sort and
// projection.
func (b *Builder) Distinct(ctx context.Context, field string) (*DistinctResult, error) {
	start := time.Now()
	filter, _, err := b.compile()
	if err != nil {
		return nil, err
	}
	vals, err := b.repo.Distinct(ctx, field, filter)
	if err != nil {
		return nil, err
	}
	return &DistinctResult{Values: vals, Meta: b.meta(start, false)}, nil
}

// GroupBy short-circuits to an aggregation counting documents per distinct
// value of field, bypassing sort and projection.
func (b *Builder) GroupBy(ctx context.Context, field string) (*ResultSet, error) {
	start := time.Now()
	filter, _, err := b.compile()
	if err != nil {
		return nil, err
	}
	pipeline := []map[string]any{
		{"$match": map[string]any(filter)},
		{"$group": map[string]any{"_id": "$" + field, "count": map[string]any{"$sum": 1}}},
	}
	docs, err := b.repo.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	return &ResultSet{Documents: docs, Meta: b.meta(start, false)}, nil
}
