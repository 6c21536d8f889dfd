package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stratumhq/stratum/internal/dberr"
)

func newRepo(t *testing.T) *MemoryRepository {
	t.Helper()
	return NewMemoryEngine().Repository("things")
}

func TestInsertRoundTrip(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	in := Document{"name": "alpha", "score": 10}
	inserted, err := repo.Insert(ctx, in)
	require.NoError(t, err)
	require.NotEmpty(t, inserted.ID())
	require.False(t, inserted.CreatedAt().IsZero())
	require.Equal(t, inserted.CreatedAt(), inserted.UpdatedAt())

	got, err := repo.FindByID(ctx, inserted.ID())
	require.NoError(t, err)
	require.Equal(t, "alpha", got["name"])
	require.Equal(t, 10, got["score"])
	require.Equal(t, inserted.CreatedAt(), got.CreatedAt())
}

func TestInsertNeverReusesCallerTimestamps(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	stale := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	inserted, err := repo.Insert(ctx, Document{"name": "x", FieldCreatedAt: stale})
	require.NoError(t, err)
	require.NotEqual(t, stale, inserted.CreatedAt(), "repository owns timestamp assignment")
}

func TestFindByIDValidation(t *testing.T) {
	repo := newRepo(t)
	_, err := repo.FindByID(context.Background(), "")
	require.Equal(t, dberr.CodeValidation, dberr.CodeOf(err))
}

func TestFindOneNotFound(t *testing.T) {
	repo := newRepo(t)
	_, err := repo.FindOne(context.Background(), Filter{"name": "ghost"}, nil)
	require.True(t, dberr.IsNotFound(err))
}

func TestOperatorFilters(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	for i, name := range []string{"a", "b", "c", "d"} {
		_, err := repo.Insert(ctx, Document{"name": name, "rank": i})
		require.NoError(t, err)
	}

	docs, err := repo.FindMany(ctx, Filter{"rank": map[string]any{"$gte": 1, "$lt": 3}}, nil)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	docs, err = repo.FindMany(ctx, Filter{"name": map[string]any{"$in": []any{"a", "d"}}}, nil)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	docs, err = repo.FindMany(ctx, Filter{"name": map[string]any{"$regex": "(?i)^[AB]$"}}, nil)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	docs, err = repo.FindMany(ctx, Filter{"missing": map[string]any{"$exists": false}}, nil)
	require.NoError(t, err)
	require.Len(t, docs, 4)
}

func TestSortSkipLimitStable(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	rows := []Document{
		{"group": "x", "pos": 2},
		{"group": "x", "pos": 1},
		{"group": "y", "pos": 1},
	}
	for _, r := range rows {
		_, err := repo.Insert(ctx, r)
		require.NoError(t, err)
	}

	docs, err := repo.FindMany(ctx, nil, &FindOptions{
		Sort: []SortField{{Field: "group"}, {Field: "pos", Desc: true}},
	})
	require.NoError(t, err)
	require.Equal(t, "x", docs[0]["group"])
	require.Equal(t, 2, docs[0]["pos"])
	require.Equal(t, 1, docs[1]["pos"])
	require.Equal(t, "y", docs[2]["group"])

	docs, err = repo.FindMany(ctx, nil, &FindOptions{
		Sort:  []SortField{{Field: "pos"}},
		Skip:  1,
		Limit: 1,
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
}

func TestProjection(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	_, err := repo.Insert(ctx, Document{"name": "a", "secret": "s", "size": 1})
	require.NoError(t, err)

	docs, err := repo.FindMany(ctx, nil, &FindOptions{Fields: []string{"name"}})
	require.NoError(t, err)
	require.Contains(t, docs[0], "name")
	require.Contains(t, docs[0], FieldID)
	require.NotContains(t, docs[0], "secret")

	docs, err = repo.FindMany(ctx, nil, &FindOptions{ExcludeFields: []string{"secret"}})
	require.NoError(t, err)
	require.Contains(t, docs[0], "name")
	require.NotContains(t, docs[0], "secret")

	_, err = repo.FindMany(ctx, nil, &FindOptions{Fields: []string{"a"}, ExcludeFields: []string{"b"}})
	require.Equal(t, dberr.CodeValidation, dberr.CodeOf(err))
}

func TestUpdateStampsUpdatedAtOnly(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	inserted, err := repo.Insert(ctx, Document{"name": "a"})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	updated, err := repo.Update(ctx, Filter{FieldID: inserted.ID()}, Document{"name": "b", FieldID: "hijack", FieldCreatedAt: time.Now()})
	require.NoError(t, err)
	require.Equal(t, "b", updated["name"])
	require.Equal(t, inserted.ID(), updated.ID(), "id is immutable")
	require.Equal(t, inserted.CreatedAt(), updated.CreatedAt(), "createdAt is immutable")
	require.True(t, updated.UpdatedAt().After(updated.CreatedAt()))
}

func TestUpsertIdempotent(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	filter := Filter{"slug": "only-one"}

	first, err := repo.Upsert(ctx, filter, Document{"slug": "only-one", "title": "v1"})
	require.NoError(t, err)

	second, err := repo.Upsert(ctx, filter, Document{"slug": "only-one", "title": "v2"})
	require.NoError(t, err)

	n, err := repo.Count(ctx, filter)
	require.NoError(t, err)
	require.EqualValues(t, 1, n, "second upsert must not create a duplicate")
	require.Equal(t, first.ID(), second.ID())
	require.Equal(t, first.CreatedAt(), second.CreatedAt(), "createdAt survives re-upsert")
	require.Equal(t, "v2", second["title"])
}

func TestUpsertManySingleCall(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	ops := []BulkOp{
		{Filter: Filter{"slug": "a"}, Document: Document{"slug": "a", "n": 1}},
		{Filter: Filter{"slug": "b"}, Document: Document{"slug": "b", "n": 2}},
	}
	res, err := repo.UpsertMany(ctx, ops)
	require.NoError(t, err)
	require.EqualValues(t, 2, res.Upserted)

	res, err = repo.UpsertMany(ctx, []BulkOp{
		{Filter: Filter{"slug": "a"}, Document: Document{"slug": "a", "n": 10}},
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, res.Modified)

	n, err := repo.Count(ctx, nil)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestDeleteAndDeleteMany(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		_, err := repo.Insert(ctx, Document{"name": name, "tmp": true})
		require.NoError(t, err)
	}

	require.NoError(t, repo.Delete(ctx, Filter{"name": "a"}))
	require.True(t, dberr.IsNotFound(repo.Delete(ctx, Filter{"name": "a"})))

	res, err := repo.DeleteMany(ctx, Filter{"tmp": true})
	require.NoError(t, err)
	require.EqualValues(t, 2, res.Deleted)
}

func TestBulkWriteUnorderedPartialFailure(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	ops := []BulkOp{
		{Kind: BulkInsert, Document: Document{"name": "ok-1"}},
		{Kind: BulkInsert}, // no document: discrete failure
		{Kind: BulkInsert, Document: Document{"name": "ok-2"}},
	}
	res, err := repo.BulkWrite(ctx, ops, false)
	require.NoError(t, err)
	require.EqualValues(t, 2, res.Inserted)
	require.Len(t, res.OpErrors, 1)
	require.Contains(t, res.OpErrors, 1)

	n, err := repo.Count(ctx, nil)
	require.NoError(t, err)
	require.EqualValues(t, 2, n, "valid siblings commit despite the failure")
}

func TestStream(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := repo.Insert(ctx, Document{"n": i})
		require.NoError(t, err)
	}

	st, err := repo.Stream(ctx, Filter{"n": map[string]any{"$gte": 2}}, &FindOptions{Sort: []SortField{{Field: "n"}}})
	require.NoError(t, err)
	defer st.Close(ctx)

	var seen []any
	for st.Next(ctx) {
		seen = append(seen, st.Value()["n"])
	}
	require.NoError(t, st.Err())
	require.Equal(t, []any{2, 3, 4}, seen)
}

func TestDistinctAndAggregate(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	for _, g := range []string{"x", "x", "y"} {
		_, err := repo.Insert(ctx, Document{"group": g})
		require.NoError(t, err)
	}

	vals, err := repo.Distinct(ctx, "group", nil)
	require.NoError(t, err)
	require.ElementsMatch(t, []any{"x", "y"}, vals)

	rows, err := repo.Aggregate(ctx, []map[string]any{
		{"$match": map[string]any{"group": "x"}},
		{"$group": map[string]any{"_id": "$group", "count": map[string]any{"$sum": 1}}},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.EqualValues(t, 2, rows[0]["count"])
}

func TestTransactionRollback(t *testing.T) {
	engine := NewMemoryEngine()
	repo := engine.Repository("things")
	ctx := context.Background()

	_, err := repo.Insert(ctx, Document{"name": "keep"})
	require.NoError(t, err)

	err = engine.WithTransaction(ctx, func(txCtx context.Context) error {
		if _, err := repo.Insert(txCtx, Document{"name": "doomed"}); err != nil {
			return err
		}
		return dberr.New(dberr.CodeValidation, "force rollback")
	})
	require.Error(t, err)

	n, err := repo.Count(ctx, nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, n, "transaction must roll back fully")
}

func TestExistsAndFindByIDs(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	a, _ := repo.Insert(ctx, Document{"name": "a"})
	b, _ := repo.Insert(ctx, Document{"name": "b"})

	ok, err := repo.Exists(ctx, Filter{"name": "a"})
	require.NoError(t, err)
	require.True(t, ok)

	docs, err := repo.FindByIDs(ctx, []string{a.ID(), b.ID(), "missing"})
	require.NoError(t, err)
	require.Len(t, docs, 2)
}
