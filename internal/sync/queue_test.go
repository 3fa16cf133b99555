package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/David6811/verifyLocalFirst-sub001/internal/storage"
	"github.com/David6811/verifyLocalFirst-sub001/internal/store"
)

func TestQueue_Coalescing(t *testing.T) {
	q := NewQueue()

	// Three rapid updates collapse to a single entry.
	q.Add("e1", store.OpUpdate)
	q.Add("e1", store.OpUpdate)
	q.Add("e1", store.OpUpdate)
	assert.Equal(t, 1, q.Size())

	entries := q.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, store.OpUpdate, entries[0].Op)
}

func TestQueue_OpEscalation(t *testing.T) {
	t.Run("create then update", func(t *testing.T) {
		q := NewQueue()
		q.Add("e1", store.OpCreate)
		q.Add("e1", store.OpUpdate)
		assert.Equal(t, store.OpUpdate, q.Snapshot()[0].Op)
	})

	t.Run("update then delete", func(t *testing.T) {
		q := NewQueue()
		q.Add("e1", store.OpUpdate)
		q.Add("e1", store.OpDelete)
		assert.Equal(t, store.OpDelete, q.Snapshot()[0].Op)
	})

	t.Run("never regresses", func(t *testing.T) {
		q := NewQueue()
		q.Add("e1", store.OpDelete)
		q.Add("e1", store.OpUpdate)
		q.Add("e1", store.OpCreate)
		assert.Equal(t, store.OpDelete, q.Snapshot()[0].Op)
	})
}

func TestQueue_RemoveIf(t *testing.T) {
	q := NewQueue()
	q.Add("e1", store.OpCreate)
	snap := q.Snapshot()[0]

	t.Run("stale revision keeps the entry", func(t *testing.T) {
		q.Add("e1", store.OpUpdate) // mutated after the snapshot
		assert.False(t, q.RemoveIf("e1", snap.Rev))
		assert.Equal(t, 1, q.Size())
	})

	t.Run("escalated op also bumps the revision", func(t *testing.T) {
		q.Add("e1", store.OpDelete)
		cur := q.Snapshot()[0]
		assert.Equal(t, store.OpDelete, cur.Op)
		assert.Greater(t, cur.Rev, snap.Rev)
	})

	t.Run("matching revision removes", func(t *testing.T) {
		cur := q.Snapshot()[0]
		assert.True(t, q.RemoveIf("e1", cur.Rev))
		assert.Equal(t, 0, q.Size())
	})

	t.Run("absent entity is a no-op", func(t *testing.T) {
		assert.False(t, q.RemoveIf("missing", 1))
	})
}

func TestQueue_SnapshotOrder(t *testing.T) {
	q := NewQueue()
	q.Add("a", store.OpCreate)
	q.Add("b", store.OpCreate)
	q.Add("c", store.OpCreate)
	q.Add("a", store.OpUpdate) // coalesce keeps original position

	entries := q.Snapshot()
	require.Len(t, entries, 3)
	assert.Equal(t, "a", entries[0].EntityID)
	assert.Equal(t, "b", entries[1].EntityID)
	assert.Equal(t, "c", entries[2].EntityID)
}

func TestQueue_Persistence(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryStore()

	q := NewQueue()
	q.Add("e1", store.OpCreate)
	q.Add("e2", store.OpDelete)
	require.NoError(t, q.Save(ctx, kv, "test:queue"))

	restored := NewQueue()
	require.NoError(t, restored.Load(ctx, kv, "test:queue"))
	assert.Equal(t, 2, restored.Size())

	entries := restored.Snapshot()
	byID := map[string]store.Op{}
	for _, e := range entries {
		byID[e.EntityID] = e.Op
	}
	assert.Equal(t, store.OpCreate, byID["e1"])
	assert.Equal(t, store.OpDelete, byID["e2"])

	t.Run("missing key loads empty", func(t *testing.T) {
		fresh := NewQueue()
		require.NoError(t, fresh.Load(ctx, kv, "test:absent"))
		assert.Equal(t, 0, fresh.Size())
	})
}
