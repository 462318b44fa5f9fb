package eventstore

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func entry(id string, at time.Time, payload string) Entry {
	return Entry{EntityID: id, Type: TypeBuildStatusChanged, At: at, Payload: []byte(payload)}
}

func TestSQLiteStore_AppendAndHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()
	base := time.Unix(1_700_000_000, 0)

	s1, err := store.Append(ctx, entry("b1", base, `{"new_status":"WAITING_FOR_DEPENDENCIES"}`))
	require.NoError(t, err)
	_, err = store.Append(ctx, entry("b2", base.Add(time.Second), `{}`))
	require.NoError(t, err)
	withMeta := entry("b1", base.Add(2*time.Second), `{"new_status":"RUNNING"}`)
	withMeta.Metadata = map[string]string{"node": "a"}
	s3, err := store.Append(ctx, withMeta)
	require.NoError(t, err)
	require.Less(t, s1, s3)

	entries, err := store.History(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, s1, entries[0].Seq)
	require.True(t, entries[0].At.Equal(base))
	require.Nil(t, entries[0].Metadata)
	require.Equal(t, "a", entries[1].Metadata["node"])

	none, err := store.History(ctx, "missing")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestSQLiteStore_SincePages(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()
	for i := range 5 {
		_, err := store.Append(ctx, entry("b1", time.Time{}, `{}`))
		require.NoError(t, err, "append %d", i)
	}

	first, err := store.Since(ctx, 0, 3)
	require.NoError(t, err)
	require.Len(t, first, 3)
	rest, err := store.Since(ctx, first[2].Seq, 3)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	require.Greater(t, rest[0].Seq, first[2].Seq)
	require.False(t, rest[0].At.IsZero(), "zero At defaults to now")
}

func TestSQLiteStore_Prune(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()
	base := time.Unix(1_700_000_000, 0)
	for i := range 4 {
		_, err := store.Append(ctx, entry("b1", base.Add(time.Duration(i)*time.Hour), `{}`))
		require.NoError(t, err)
	}

	n, err := store.Prune(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	left, err := store.History(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, left, 2)
	require.True(t, left[0].At.Equal(base.Add(2*time.Hour)))
}

func TestSQLiteStore_ReopenKeepsSchemaAndData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	_, err = store.Append(t.Context(), entry("b1", time.Now(), `{}`))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	entries, err := reopened.History(t.Context(), "b1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestSQLiteStore_ClosedStoreReturnsClassifiedError(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = store.Append(t.Context(), entry("b1", time.Now(), `{}`))
	require.Error(t, err)
	if !errors.Is(err, ErrAppend) {
		t.Errorf("expected ErrAppend, got %v", err)
	}
}
