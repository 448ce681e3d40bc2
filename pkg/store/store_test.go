package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Put(ctx, "k", []byte("v1")))
	require.NoError(t, m.Put(ctx, "k", []byte("v2")))

	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)

	require.NoError(t, m.Delete(ctx, "k"))
	_, err = m.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)

	// Deleting a missing key is a no-op.
	require.NoError(t, m.Delete(ctx, "k"))
}

func TestMemoryCopiesValues(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()

	value := []byte("original")
	require.NoError(t, m.Put(ctx, "k", value))
	value[0] = 'X'

	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("original"), got)
}

func TestJSONHelpers(t *testing.T) {
	t.Parallel()

	type blob struct {
		Name string `json:"name"`
	}

	ctx := context.Background()
	m := NewMemory()

	var out blob
	found, err := GetJSON(ctx, m, "missing", &out)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, PutJSON(ctx, m, "k", blob{Name: "alex"}))

	found, err = GetJSON(ctx, m, "k", &out)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "alex", out.Name)
}
