package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/David6811/verifyLocalFirst-sub001/internal/storage"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	return NewRepository(storage.NewMemoryStore(), "bookmarks")
}

func TestRepository_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	t.Run("round trip", func(t *testing.T) {
		created, err := repo.Create(ctx, &Entity{
			OwnerID: "user-1",
			Payload: map[string]any{"title": "A", "link": "http://x"},
		})
		require.NoError(t, err)
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, "bookmarks", created.Table)
		assert.False(t, created.CreatedAt.IsZero())
		assert.Equal(t, created.CreatedAt, created.UpdatedAt)

		got, err := repo.Get(ctx, created.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, created.ID, got.ID)
		assert.Equal(t, "A", got.Payload["title"])
		assert.Equal(t, "user-1", got.OwnerID)
	})

	t.Run("missing owner rejected", func(t *testing.T) {
		_, err := repo.Create(ctx, &Entity{Payload: map[string]any{"title": "B"}})
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "ownerId", ve.Field)
	})

	t.Run("wrong table rejected", func(t *testing.T) {
		_, err := repo.Create(ctx, &Entity{Table: "notes", OwnerID: "user-1"})
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
	})

	t.Run("get absent returns nil", func(t *testing.T) {
		got, err := repo.Get(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestRepository_Update(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	created, err := repo.Create(ctx, &Entity{OwnerID: "u", Payload: map[string]any{"title": "A"}})
	require.NoError(t, err)

	t.Run("unknown id fails", func(t *testing.T) {
		_, err := repo.Update(ctx, &Entity{ID: "ghost", Payload: map[string]any{}})
		var nfe *NotFoundError
		require.ErrorAs(t, err, &nfe)
	})

	t.Run("always stamps updatedAt", func(t *testing.T) {
		// Attempted backdate is ignored.
		backdated := created.Clone()
		backdated.Payload = map[string]any{"title": "B"}
		backdated.UpdatedAt = time.Now().Add(-time.Hour)

		updated, err := repo.Update(ctx, backdated)
		require.NoError(t, err)
		assert.Equal(t, "B", updated.Payload["title"])
		assert.False(t, updated.UpdatedAt.Before(created.UpdatedAt))
	})

	t.Run("updatedAt never regresses", func(t *testing.T) {
		repo.now = func() time.Time { return time.Now().Add(-time.Hour) }
		defer func() { repo.now = time.Now }()

		before, err := repo.Get(ctx, created.ID)
		require.NoError(t, err)

		updated, err := repo.Update(ctx, &Entity{ID: created.ID, Payload: map[string]any{"title": "C"}})
		require.NoError(t, err)
		assert.False(t, updated.UpdatedAt.Before(before.UpdatedAt))
	})
}

func TestRepository_SoftDelete(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	created, err := repo.Create(ctx, &Entity{OwnerID: "u", Payload: map[string]any{"title": "A"}})
	require.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, created.ID))

	t.Run("tombstone retained", func(t *testing.T) {
		got, err := repo.Get(ctx, created.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.IsDeleted)
		assert.True(t, got.UpdatedAt.After(created.UpdatedAt) || got.UpdatedAt.Equal(created.UpdatedAt))
	})

	t.Run("excluded from default query", func(t *testing.T) {
		ents, err := repo.Query(ctx, Criteria{})
		require.NoError(t, err)
		assert.Empty(t, ents)
	})

	t.Run("included when requested", func(t *testing.T) {
		ents, err := repo.Query(ctx, Criteria{IncludeDeleted: true})
		require.NoError(t, err)
		require.Len(t, ents, 1)
		assert.True(t, ents[0].IsDeleted)
	})

	t.Run("delete unknown id fails", func(t *testing.T) {
		var nfe *NotFoundError
		require.ErrorAs(t, repo.Delete(ctx, "ghost"), &nfe)
	})

	t.Run("purge removes record", func(t *testing.T) {
		require.NoError(t, repo.Purge(ctx, created.ID))
		got, err := repo.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Nil(t, got)

		// Purge is idempotent.
		require.NoError(t, repo.Purge(ctx, created.ID))
	})
}

func TestRepository_Query(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	for _, title := range []string{"first", "second", "third"} {
		_, err := repo.Create(ctx, &Entity{OwnerID: "u", Payload: map[string]any{"title": title}})
		require.NoError(t, err)
	}
	_, err := repo.Create(ctx, &Entity{OwnerID: "other", Payload: map[string]any{"title": "fourth"}})
	require.NoError(t, err)

	t.Run("insertion order", func(t *testing.T) {
		ents, err := repo.Query(ctx, Criteria{})
		require.NoError(t, err)
		require.Len(t, ents, 4)
		assert.Equal(t, "first", ents[0].Payload["title"])
		assert.Equal(t, "fourth", ents[3].Payload["title"])
	})

	t.Run("owner filter", func(t *testing.T) {
		ents, err := repo.Query(ctx, Criteria{OwnerID: "other"})
		require.NoError(t, err)
		require.Len(t, ents, 1)
		assert.Equal(t, "fourth", ents[0].Payload["title"])
	})

	t.Run("payload filter", func(t *testing.T) {
		ents, err := repo.Query(ctx, Criteria{Filter: map[string]any{"title": "second"}})
		require.NoError(t, err)
		require.Len(t, ents, 1)
	})

	t.Run("limit", func(t *testing.T) {
		ents, err := repo.Query(ctx, Criteria{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, ents, 2)
	})

	t.Run("modified since", func(t *testing.T) {
		ents, err := repo.Query(ctx, Criteria{ModifiedSince: time.Now().Add(time.Hour)})
		require.NoError(t, err)
		assert.Empty(t, ents)
	})
}

func TestRepository_ChangeNotifications(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	var changes []Change
	remove := repo.OnChange(func(c Change) { changes = append(changes, c) })

	created, err := repo.Create(ctx, &Entity{OwnerID: "u", Payload: map[string]any{}})
	require.NoError(t, err)
	_, err = repo.Update(ctx, &Entity{ID: created.ID, Payload: map[string]any{"x": 1}})
	require.NoError(t, err)
	require.NoError(t, repo.Delete(ctx, created.ID))

	require.Len(t, changes, 3)
	assert.Equal(t, OpCreate, changes[0].Op)
	assert.Equal(t, OpUpdate, changes[1].Op)
	assert.Equal(t, OpDelete, changes[2].Op)
	assert.Equal(t, created.ID, changes[0].EntityID)

	t.Run("silent operations emit nothing", func(t *testing.T) {
		n := len(changes)
		require.NoError(t, repo.ApplyRemote(ctx, &Entity{ID: created.ID, OwnerID: "u", Payload: map[string]any{}}))
		require.NoError(t, repo.MarkSynced(ctx, created.ID, "remote-1"))
		require.NoError(t, repo.PurgeSynced(ctx, created.ID))
		assert.Len(t, changes, n)
	})

	t.Run("removed observer stops receiving", func(t *testing.T) {
		remove()
		n := len(changes)
		_, err := repo.Create(ctx, &Entity{OwnerID: "u", Payload: map[string]any{}})
		require.NoError(t, err)
		assert.Len(t, changes, n)
	})
}

func TestRepository_MarkSynced(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	created, err := repo.Create(ctx, &Entity{OwnerID: "u", Payload: map[string]any{}})
	require.NoError(t, err)

	require.NoError(t, repo.MarkSynced(ctx, created.ID, "remote-42"))

	got, err := repo.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "remote-42", got.RemoteID)
	// No timestamp bump: the content did not change.
	assert.Equal(t, created.UpdatedAt.Unix(), got.UpdatedAt.Unix())

	var nfe *NotFoundError
	require.ErrorAs(t, repo.MarkSynced(ctx, "ghost", "r"), &nfe)
}
