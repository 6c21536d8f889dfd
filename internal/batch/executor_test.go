package batch

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stratumhq/stratum/internal/dberr"
	"github.com/stratumhq/stratum/internal/repository"
)

func newExecutor(t *testing.T) (*Executor, *repository.MemoryEngine) {
	t.Helper()
	engine := repository.NewMemoryEngine()
	resolver := ResolverFuncs(func(name string) (repository.Repository, error) {
		if name == "nope" {
			return nil, dberr.New(dberr.CodeUnknownCollection, "unknown collection "+name)
		}
		return engine.Repository(name), nil
	}, nil)
	return NewExecutor(resolver, nil, nil), engine
}

func TestExecuteEmptyBatch(t *testing.T) {
	e, _ := newExecutor(t)
	res, err := e.Execute(context.Background(), nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Zero(t, res.TotalProcessed)
}

func TestPartialFailureCommitsValidSiblings(t *testing.T) {
	e, engine := newExecutor(t)
	ctx := context.Background()

	ops := []Operation{
		{Kind: repository.BulkInsert, Collection: "posts", Payload: repository.Document{"title": "a"}},
		{Kind: repository.BulkInsert, Collection: "posts"}, // no payload: rejected
		{Kind: repository.BulkInsert, Collection: "posts", Payload: repository.Document{"title": "b"}},
	}
	res, err := e.Execute(ctx, ops)
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, 3, res.TotalProcessed)

	require.True(t, res.Results[0].Success)
	require.False(t, res.Results[1].Success)
	require.Error(t, res.Results[1].Error)
	require.True(t, res.Results[2].Success)
	require.Len(t, res.Errors, 1)

	n, err := engine.Repository("posts").Count(ctx, nil)
	require.NoError(t, err)
	require.EqualValues(t, 2, n, "valid operations commit despite a sibling failure")
}

func TestUnknownCollectionFailsOnlyItsPartition(t *testing.T) {
	e, engine := newExecutor(t)
	ctx := context.Background()

	ops := []Operation{
		{Kind: repository.BulkInsert, Collection: "posts", Payload: repository.Document{"title": "a"}},
		{Kind: repository.BulkInsert, Collection: "nope", Payload: repository.Document{"title": "x"}},
		{Kind: repository.BulkInsert, Collection: "nope", Payload: repository.Document{"title": "y"}},
		{Kind: repository.BulkInsert, Collection: "posts", Payload: repository.Document{"title": "b"}},
	}
	res, err := e.Execute(ctx, ops)
	require.NoError(t, err)
	require.False(t, res.Success)

	require.True(t, res.Results[0].Success)
	require.True(t, res.Results[3].Success)
	for _, i := range []int{1, 2} {
		require.False(t, res.Results[i].Success)
		require.Equal(t, dberr.CodeUnknownCollection, dberr.CodeOf(res.Results[i].Error))
	}

	n, err := engine.Repository("posts").Count(ctx, nil)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestResultsKeepSubmissionOrder(t *testing.T) {
	e, _ := newExecutor(t)
	ctx := context.Background()

	ops := []Operation{
		{Kind: repository.BulkInsert, Collection: "a", Payload: repository.Document{"n": 0}},
		{Kind: repository.BulkInsert, Collection: "b", Payload: repository.Document{"n": 1}},
		{Kind: repository.BulkInsert, Collection: "a", Payload: repository.Document{"n": 2}},
		{Kind: repository.BulkInsert, Collection: "c", Payload: repository.Document{"n": 3}},
	}
	res, err := e.Execute(ctx, ops)
	require.NoError(t, err)
	require.True(t, res.Success)
	for i, r := range res.Results {
		require.Equal(t, i, r.Index)
		require.Equal(t, ops[i].Collection, r.Collection)
	}
}

func TestMixedKindsAcrossCollections(t *testing.T) {
	e, engine := newExecutor(t)
	ctx := context.Background()
	posts := engine.Repository("posts")
	users := engine.Repository("users")

	seeded, err := posts.Insert(ctx, repository.Document{"title": "old", "views": 1})
	require.NoError(t, err)
	_, err = users.Insert(ctx, repository.Document{"name": "doomed"})
	require.NoError(t, err)

	ops := []Operation{
		{Kind: repository.BulkUpdate, Collection: "posts",
			Filter:  repository.Filter{repository.FieldID: seeded.ID()},
			Payload: repository.Document{"title": "new"}},
		{Kind: repository.BulkDelete, Collection: "users",
			Filter: repository.Filter{"name": "doomed"}},
		{Kind: repository.BulkUpsert, Collection: "posts",
			Filter:  repository.Filter{"slug": "fresh"},
			Payload: repository.Document{"slug": "fresh", "title": "upserted"}},
	}
	res, err := e.Execute(ctx, ops)
	require.NoError(t, err)
	require.True(t, res.Success)

	updated, err := posts.FindByID(ctx, seeded.ID())
	require.NoError(t, err)
	require.Equal(t, "new", updated["title"])

	n, err := users.Count(ctx, nil)
	require.NoError(t, err)
	require.Zero(t, n)

	ok, err := posts.Exists(ctx, repository.Filter{"slug": "fresh"})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestBulkHelpers(t *testing.T) {
	e, engine := newExecutor(t)
	ctx := context.Background()

	res, err := e.BulkInsert(ctx, "tags", []repository.Document{{"name": "go"}, {"name": "db"}})
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = e.BulkUpdate(ctx, "tags", []UpdateSpec{
		{Filter: repository.Filter{"name": "go"}, Payload: repository.Document{"name": "golang"}},
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = e.BulkUpsert(ctx, "tags", []UpdateSpec{
		{Filter: repository.Filter{"name": "infra"}, Payload: repository.Document{"name": "infra"}},
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = e.BulkDelete(ctx, "tags", []repository.Filter{{"name": "db"}})
	require.NoError(t, err)
	require.True(t, res.Success)

	names, err := engine.Repository("tags").Distinct(ctx, "name", nil)
	require.NoError(t, err)
	require.ElementsMatch(t, []any{"golang", "infra"}, names)
}

type recordingInvalidator struct {
	mu    sync.Mutex
	calls map[[2]string]int
}

func (r *recordingInvalidator) InvalidateCategory(_ context.Context, category, tenantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = map[[2]string]int{}
	}
	r.calls[[2]string{category, tenantID}]++
	return nil
}

func TestInvalidatesCategoryPerTenant(t *testing.T) {
	engine := repository.NewMemoryEngine()
	resolver := ResolverFuncs(func(name string) (repository.Repository, error) {
		return engine.Repository(name), nil
	}, func(name string) string { return "content" })
	inv := &recordingInvalidator{}
	e := NewExecutor(resolver, inv, nil)

	ops := []Operation{
		{Kind: repository.BulkInsert, Collection: "nodes",
			Payload: repository.Document{"path": "/a", repository.FieldTenantID: "acme"}},
		{Kind: repository.BulkInsert, Collection: "nodes",
			Payload: repository.Document{"path": "/b", repository.FieldTenantID: "acme"}},
		{Kind: repository.BulkDelete, Collection: "nodes",
			Filter: repository.Filter{repository.FieldTenantID: "globex"}},
	}
	_, err := e.Execute(context.Background(), ops)
	require.NoError(t, err)

	require.Equal(t, 1, inv.calls[[2]string{"content", "acme"}], "one invalidation per tenant scope")
	require.Equal(t, 1, inv.calls[[2]string{"content", "globex"}])
}
