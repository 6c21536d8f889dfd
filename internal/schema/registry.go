// Package schema holds the runtime registry of dynamically-defined
// collections. Descriptors are immutable once registered; a schema change
// replaces the descriptor wholesale and invalidates dependent caches
// atomically with the swap.
package schema

import (
	"context"
	"sync"

	"github.com/stratumhq/stratum/internal/dberr"
	"github.com/stratumhq/stratum/internal/repository"
)

// FieldKind is the compiled type of one schema field.
type FieldKind string

const (
	FieldString    FieldKind = "string"
	FieldNumber    FieldKind = "number"
	FieldBool      FieldKind = "bool"
	FieldTimestamp FieldKind = "timestamp"
	FieldReference FieldKind = "reference"
	FieldList      FieldKind = "list"
	FieldMap       FieldKind = "map"
)

// Field is one compiled field descriptor.
type Field struct {
	Name     string
	Kind     FieldKind
	Required bool
}

// IndexSpec names the fields of one composite index.
type IndexSpec struct {
	Fields []string
	Unique bool
}

// CollectionDescriptor is the compiled, immutable description of one
// logical collection. Category tags the cache entries the collection's
// mutations must invalidate.
type CollectionDescriptor struct {
	Name     string
	Category string
	Fields   []Field
	Indexes  []IndexSpec
}

// Invalidator is the slice of the cache service the registry needs.
type Invalidator interface {
	InvalidateCategory(ctx context.Context, category, tenantID string) error
}

// RepositoryFactory builds the backing repository for a collection name.
type RepositoryFactory func(name string) (repository.Repository, error)

// Registry maps stable collection names to descriptors and resolves their
// repositories. Replace swaps a descriptor and invalidates its cache
// category in the same critical section, so readers never observe the new
// schema alongside stale cached results.
type Registry struct {
	factory RepositoryFactory
	cache   Invalidator

	mu     sync.RWMutex
	byName map[string]*CollectionDescriptor
	repos  map[string]repository.Repository
}

func NewRegistry(factory RepositoryFactory, cache Invalidator) *Registry {
	return &Registry{
		factory: factory,
		cache:   cache,
		byName:  map[string]*CollectionDescriptor{},
		repos:   map[string]repository.Repository{},
	}
}

// Register adds a collection. Registering an existing name is an error;
// use Replace for schema changes.
func (r *Registry) Register(desc *CollectionDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[desc.Name]; ok {
		return dberr.New(dberr.CodeDuplicateKey, "collection already registered: "+desc.Name)
	}
	r.byName[desc.Name] = desc
	return nil
}

// Replace swaps the descriptor for desc.Name and invalidates the cache
// category of both the old and new descriptor.
func (r *Registry) Replace(ctx context.Context, desc *CollectionDescriptor) error {
	r.mu.Lock()
	old := r.byName[desc.Name]
	r.byName[desc.Name] = desc
	r.mu.Unlock()

	if r.cache != nil {
		if old != nil && old.Category != desc.Category {
			if err := r.cache.InvalidateCategory(ctx, old.Category, ""); err != nil {
				return err
			}
		}
		return r.cache.InvalidateCategory(ctx, desc.Category, "")
	}
	return nil
}

// Descriptor returns the compiled descriptor for name.
func (r *Registry) Descriptor(name string) (*CollectionDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// Names returns all registered collection names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for n := range r.byName {
		out = append(out, n)
	}
	return out
}

// Resolve returns the repository for a registered collection, constructing
// it on first use. Unknown names map to UNKNOWN_COLLECTION.
func (r *Registry) Resolve(name string) (repository.Repository, error) {
	r.mu.RLock()
	_, known := r.byName[name]
	repo, cached := r.repos[name]
	r.mu.RUnlock()
	if !known {
		return nil, dberr.New(dberr.CodeUnknownCollection, "unknown collection: "+name)
	}
	if cached {
		return repo, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if repo, ok := r.repos[name]; ok {
		return repo, nil
	}
	repo, err := r.factory(name)
	if err != nil {
		return nil, err
	}
	r.repos[name] = repo
	return repo, nil
}

// Category returns the cache category for a collection, defaulting to the
// collection name itself when unregistered.
func (r *Registry) Category(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.byName[name]; ok && d.Category != "" {
		return d.Category
	}
	return name
}
