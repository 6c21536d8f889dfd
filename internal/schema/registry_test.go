package schema

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stratumhq/stratum/internal/dberr"
	"github.com/stratumhq/stratum/internal/repository"
)

func memFactory() (RepositoryFactory, *int) {
	engine := repository.NewMemoryEngine()
	var built int
	return func(name string) (repository.Repository, error) {
		built++
		return engine.Repository(name), nil
	}, &built
}

func TestRegisterAndDescriptor(t *testing.T) {
	factory, _ := memFactory()
	reg := NewRegistry(factory, nil)

	desc := &CollectionDescriptor{
		Name:     "articles",
		Category: "content",
		Fields: []Field{
			{Name: "title", Kind: FieldString, Required: true},
			{Name: "views", Kind: FieldNumber},
		},
		Indexes: []IndexSpec{{Fields: []string{"tenantId", "title"}, Unique: true}},
	}
	require.NoError(t, reg.Register(desc))

	got, ok := reg.Descriptor("articles")
	require.True(t, ok)
	require.Equal(t, desc, got)
	require.ElementsMatch(t, []string{"articles"}, reg.Names())
}

func TestRegisterDuplicateFails(t *testing.T) {
	factory, _ := memFactory()
	reg := NewRegistry(factory, nil)

	require.NoError(t, reg.Register(&CollectionDescriptor{Name: "a"}))
	err := reg.Register(&CollectionDescriptor{Name: "a"})
	require.Equal(t, dberr.CodeDuplicateKey, dberr.CodeOf(err))
}

func TestResolveLazyAndCached(t *testing.T) {
	factory, built := memFactory()
	reg := NewRegistry(factory, nil)
	require.NoError(t, reg.Register(&CollectionDescriptor{Name: "a"}))

	require.Zero(t, *built, "repositories are built on first use")

	first, err := reg.Resolve("a")
	require.NoError(t, err)
	second, err := reg.Resolve("a")
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, 1, *built)
}

func TestResolveUnknown(t *testing.T) {
	factory, _ := memFactory()
	reg := NewRegistry(factory, nil)

	_, err := reg.Resolve("ghost")
	require.Equal(t, dberr.CodeUnknownCollection, dberr.CodeOf(err))
}

func TestCategoryDefaultsToName(t *testing.T) {
	factory, _ := memFactory()
	reg := NewRegistry(factory, nil)
	require.NoError(t, reg.Register(&CollectionDescriptor{Name: "a", Category: "content"}))

	require.Equal(t, "content", reg.Category("a"))
	require.Equal(t, "b", reg.Category("b"))
}

type categoryRecorder struct{ categories []string }

func (c *categoryRecorder) InvalidateCategory(_ context.Context, category, _ string) error {
	c.categories = append(c.categories, category)
	return nil
}

func TestReplaceInvalidatesOldAndNewCategories(t *testing.T) {
	factory, _ := memFactory()
	rec := &categoryRecorder{}
	reg := NewRegistry(factory, rec)
	ctx := context.Background()

	require.NoError(t, reg.Register(&CollectionDescriptor{Name: "a", Category: "old"}))
	require.NoError(t, reg.Replace(ctx, &CollectionDescriptor{Name: "a", Category: "new"}))
	require.Equal(t, []string{"old", "new"}, rec.categories)
	require.Equal(t, "new", reg.Category("a"))

	// same category: one invalidation, not two
	rec.categories = nil
	require.NoError(t, reg.Replace(ctx, &CollectionDescriptor{Name: "a", Category: "new"}))
	require.Equal(t, []string{"new"}, rec.categories)
}

func TestReplaceUnregisteredActsAsRegister(t *testing.T) {
	factory, _ := memFactory()
	rec := &categoryRecorder{}
	reg := NewRegistry(factory, rec)

	require.NoError(t, reg.Replace(context.Background(), &CollectionDescriptor{Name: "fresh", Category: "c"}))
	_, ok := reg.Descriptor("fresh")
	require.True(t, ok)
}
