package people

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/harun/lunar/pkg/kvstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDirectory(t *testing.T) *Directory {
	t.Helper()
	d, err := NewDirectory(kvstore.NewMemory())
	require.NoError(t, err)
	return d
}

func strPtr(s string) *string { return &s }

func TestPerson_AccessList(t *testing.T) {
	t.Run("defaults to owner", func(t *testing.T) {
		p := Person{Name: "A"}
		assert.Equal(t, []string{Owner}, p.AccessList())
		assert.True(t, p.Allows(Owner))
		assert.False(t, p.Allows("someone"))
	})

	t.Run("wildcard allows everyone", func(t *testing.T) {
		p := Person{MemoryAccessibleBy: []string{Everyone}}
		assert.True(t, p.Allows("anyone"))
	})

	t.Run("explicit empty list allows nobody", func(t *testing.T) {
		p := Person{MemoryAccessibleBy: []string{}}
		assert.False(t, p.Allows(Owner))
	})
}

func TestDirectory(t *testing.T) {
	ctx := context.Background()

	t.Run("add assigns id", func(t *testing.T) {
		d := newTestDirectory(t)
		p, err := d.Add(ctx, Person{ID: "ignored", Name: "Alice", Relation: "friend"})
		require.NoError(t, err)
		assert.NotEmpty(t, p.ID)
		assert.NotEqual(t, "ignored", p.ID)

		got, found, err := d.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "Alice", got.Name)
	})

	t.Run("add requires name", func(t *testing.T) {
		d := newTestDirectory(t)
		_, err := d.Add(ctx, Person{})
		assert.Error(t, err)
	})

	t.Run("find by name is case insensitive", func(t *testing.T) {
		d := newTestDirectory(t)
		_, err := d.Add(ctx, Person{Name: "Bob", ChannelAddress: "12345"})
		require.NoError(t, err)

		p, found, err := d.FindByName(ctx, "  bOB ")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "12345", p.ChannelAddress)
	})

	t.Run("find by address", func(t *testing.T) {
		d := newTestDirectory(t)
		_, err := d.Add(ctx, Person{Name: "Bob", ChannelAddress: "12345"})
		require.NoError(t, err)

		_, found, err := d.FindByAddress(ctx, "12345")
		require.NoError(t, err)
		assert.True(t, found)

		_, found, err = d.FindByAddress(ctx, "")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("update ignores nil fields", func(t *testing.T) {
		d := newTestDirectory(t)
		p, err := d.Add(ctx, Person{Name: "Carol", Relation: "sister", Notes: "n"})
		require.NoError(t, err)

		updated, err := d.Update(ctx, p.ID, Patch{Relation: strPtr("cousin")})
		require.NoError(t, err)
		assert.Equal(t, p.ID, updated.ID)
		assert.Equal(t, "Carol", updated.Name)
		assert.Equal(t, "cousin", updated.Relation)
		assert.Equal(t, "n", updated.Notes)
	})

	t.Run("update unknown id", func(t *testing.T) {
		d := newTestDirectory(t)
		_, err := d.Update(ctx, "missing", Patch{})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		d := newTestDirectory(t)
		p, err := d.Add(ctx, Person{Name: "Dan"})
		require.NoError(t, err)

		ok, err := d.Delete(ctx, p.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = d.Delete(ctx, p.ID)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestDirectory_YAML(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory(t)
	_, err := d.Add(ctx, Person{Name: "Alice", Relation: "friend", MemoryAccessibleBy: []string{"*"}})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, d.Export(ctx, &buf))
	assert.Contains(t, buf.String(), "name: Alice")

	input := `
people:
  - name: alice
    relation: duplicate
  - name: Eve
    relation: colleague
    channelAddress: "999"
`
	added, err := d.Import(ctx, strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, "Eve", added[0].Name)

	list, err := d.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
