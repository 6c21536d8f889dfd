// Package batch groups heterogeneous mutation operations by target
// collection and executes them as per-collection atomic bulk writes,
// aggregating partial failures back into submission order.
package batch

import (
	"context"
	"sync"

	"github.com/stratumhq/stratum/internal/repository"
	"github.com/stratumhq/stratum/pkg/logger"
	"github.com/stratumhq/stratum/pkg/metrics"
)

// Operation is one submitted mutation: a tagged union over insert, update,
// delete, and upsert against a named collection.
type Operation struct {
	Kind       repository.BulkOpKind
	Collection string
	Filter     repository.Filter
	Payload    repository.Document
}

// OperationResult reports one operation's outcome, at the same index it
// was submitted.
type OperationResult struct {
	Index      int
	Collection string
	Kind       repository.BulkOpKind
	Success    bool
	Error      error
}

// Result aggregates a batch run. Success is true only when every
// operation succeeded.
type Result struct {
	Success        bool
	Results        []OperationResult
	TotalProcessed int
	Errors         []string
}

// Resolver maps a collection name to its repository; unknown names fail
// with UNKNOWN_COLLECTION.
type Resolver interface {
	Resolve(name string) (repository.Repository, error)
	Category(name string) string
}

// Invalidator is the cache slice the executor needs after mutations.
type Invalidator interface {
	InvalidateCategory(ctx context.Context, category, tenantID string) error
}

// Executor runs batches. Collection partitions execute concurrently; within
// one collection the bulk write is a single unordered store call, so
// ordering between same-collection operations is intentionally
// unspecified.
type Executor struct {
	resolver Resolver
	cache    Invalidator
	log      logger.Logger
}

func NewExecutor(resolver Resolver, cache Invalidator, log logger.Logger) *Executor {
	if log == nil {
		log = logger.Nop()
	}
	return &Executor{resolver: resolver, cache: cache, log: log}
}

type partition struct {
	collection string
	indices    []int
	ops        []repository.BulkOp
}

// Execute runs the ordered operation list: partition by collection, one
// unordered bulk write per partition, partitions in parallel, results
// reassembled in submission order. A collection that cannot be resolved
// fails every operation targeting it without touching the others.
func (e *Executor) Execute(ctx context.Context, operations []Operation) (*Result, error) {
	out := &Result{
		Results:        make([]OperationResult, len(operations)),
		TotalProcessed: len(operations),
	}
	if len(operations) == 0 {
		out.Success = true
		return out, nil
	}

	// partition preserving each operation's original index
	parts := map[string]*partition{}
	var order []string
	for i, op := range operations {
		p, ok := parts[op.Collection]
		if !ok {
			p = &partition{collection: op.Collection}
			parts[op.Collection] = p
			order = append(order, op.Collection)
		}
		p.indices = append(p.indices, i)
		p.ops = append(p.ops, repository.BulkOp{Kind: op.Kind, Filter: op.Filter, Document: op.Payload})
		out.Results[i] = OperationResult{Index: i, Collection: op.Collection, Kind: op.Kind}
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, name := range order {
		p := parts[name]
		wg.Add(1)
		go func(p *partition) {
			defer wg.Done()
			errs := e.runPartition(ctx, p)
			mu.Lock()
			for k, idx := range p.indices {
				if err := errs[k]; err != nil {
					out.Results[idx].Error = err
					metrics.BatchOperations.WithLabelValues(p.collection, "failure").Inc()
				} else {
					out.Results[idx].Success = true
					metrics.BatchOperations.WithLabelValues(p.collection, "success").Inc()
				}
			}
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	out.Success = true
	for _, r := range out.Results {
		if r.Error != nil {
			out.Success = false
			out.Errors = append(out.Errors, r.Error.Error())
		}
	}
	e.invalidate(ctx, operations)
	return out, nil
}

// runPartition returns one error slot per operation in the partition.
func (e *Executor) runPartition(ctx context.Context, p *partition) []error {
	errs := make([]error, len(p.ops))
	repo, err := e.resolver.Resolve(p.collection)
	if err != nil {
		for i := range errs {
			errs[i] = err
		}
		return errs
	}
	res, bulkErr := repo.BulkWrite(ctx, p.ops, false)
	if bulkErr != nil {
		for i := range errs {
			errs[i] = bulkErr
		}
		return errs
	}
	for i, opErr := range res.OpErrors {
		if i >= 0 && i < len(errs) {
			errs[i] = opErr
		}
	}
	return errs
}

// invalidate clears the cache categories of every mutated collection,
// scoped per tenant observed in the batch (global when none).
func (e *Executor) invalidate(ctx context.Context, operations []Operation) {
	if e.cache == nil {
		return
	}
	type scope struct{ category, tenant string }
	seen := map[scope]bool{}
	for _, op := range operations {
		tenant := ""
		if op.Payload != nil {
			tenant = op.Payload.TenantID()
		}
		if tenant == "" && op.Filter != nil {
			tenant, _ = op.Filter[repository.FieldTenantID].(string)
		}
		seen[scope{e.resolver.Category(op.Collection), tenant}] = true
	}
	for sc := range seen {
		if err := e.cache.InvalidateCategory(ctx, sc.category, sc.tenant); err != nil {
			e.log.Warnf("batch cache invalidation %q: %v", sc.category, err)
		}
	}
}

// BulkInsert inserts items into one collection through the batch path.
func (e *Executor) BulkInsert(ctx context.Context, collection string, items []repository.Document) (*Result, error) {
	ops := make([]Operation, len(items))
	for i, item := range items {
		ops[i] = Operation{Kind: repository.BulkInsert, Collection: collection, Payload: item}
	}
	return e.Execute(ctx, ops)
}

// UpdateSpec pairs a filter with its update payload.
type UpdateSpec struct {
	Filter  repository.Filter
	Payload repository.Document
}

// BulkUpdate applies updates against one collection.
func (e *Executor) BulkUpdate(ctx context.Context, collection string, updates []UpdateSpec) (*Result, error) {
	ops := make([]Operation, len(updates))
	for i, u := range updates {
		ops[i] = Operation{Kind: repository.BulkUpdate, Collection: collection, Filter: u.Filter, Payload: u.Payload}
	}
	return e.Execute(ctx, ops)
}

// BulkDelete removes documents matching each filter.
func (e *Executor) BulkDelete(ctx context.Context, collection string, filters []repository.Filter) (*Result, error) {
	ops := make([]Operation, len(filters))
	for i, f := range filters {
		ops[i] = Operation{Kind: repository.BulkDelete, Collection: collection, Filter: f}
	}
	return e.Execute(ctx, ops)
}

// BulkUpsert upserts items keyed by their filters.
func (e *Executor) BulkUpsert(ctx context.Context, collection string, upserts []UpdateSpec) (*Result, error) {
	ops := make([]Operation, len(upserts))
	for i, u := range upserts {
		ops[i] = Operation{Kind: repository.BulkUpsert, Collection: collection, Filter: u.Filter, Payload: u.Payload}
	}
	return e.Execute(ctx, ops)
}

// resolverFunc lifts a pair of funcs into a Resolver, mainly for tests.
type resolverFunc struct {
	resolve  func(name string) (repository.Repository, error)
	category func(name string) string
}

func (r resolverFunc) Resolve(name string) (repository.Repository, error) { return r.resolve(name) }
func (r resolverFunc) Category(name string) string                        { return r.category(name) }

// ResolverFuncs builds a Resolver from plain functions.
func ResolverFuncs(resolve func(string) (repository.Repository, error), category func(string) string) Resolver {
	if category == nil {
		category = func(name string) string { return name }
	}
	return resolverFunc{resolve: resolve, category: category}
}

var _ Resolver = resolverFunc{}
