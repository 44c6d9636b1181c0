package persistence

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPairRoundTrip(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	rec := PairRecord{
		Dex:    "quickswap",
		Token0: "0x2791bca1f2de4661ed88a30c99a7a9449aa84174",
		Token1: "0x7ceb23fd6bc0add59e62ac25578270cff1b9f619",
		Pair:   "0x853ee4b2a13f8a742d64c8f088be7ba2131f670d",
	}
	require.NoError(t, store.UpsertPair(ctx, rec))

	got, err := store.GetPair(ctx, rec.Dex, rec.Token0, rec.Token1)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, rec.Pair, got.Pair)

	// Upsert replaces on conflict.
	rec.Pair = "0x0000000000000000000000000000000000000042"
	require.NoError(t, store.UpsertPair(ctx, rec))
	got, err = store.GetPair(ctx, rec.Dex, rec.Token0, rec.Token1)
	require.NoError(t, err)
	require.Equal(t, rec.Pair, got.Pair)

	count, err := store.PairCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestGetPairMissing(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer store.Close()

	got, err := store.GetPair(context.Background(), "quickswap", "0xaa", "0xbb")
	require.NoError(t, err)
	require.Nil(t, got)
}
