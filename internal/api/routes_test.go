package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/David6811/verifyLocalFirst-sub001/internal/config"
	"github.com/David6811/verifyLocalFirst-sub001/internal/storage"
	"github.com/David6811/verifyLocalFirst-sub001/internal/store"
	syncengine "github.com/David6811/verifyLocalFirst-sub001/internal/sync"
)

// stubRemote satisfies the remote peer contract without any network.
type stubRemote struct{}

func (stubRemote) ListChanged(ctx context.Context, table, ownerID string, since time.Time) ([]*store.Entity, error) {
	return nil, nil
}

func (stubRemote) Upsert(ctx context.Context, e *store.Entity) (string, error) {
	if e.RemoteID != "" {
		return e.RemoteID, nil
	}
	return "remote-" + e.ID, nil
}

func (stubRemote) Delete(ctx context.Context, table, remoteID string) error { return nil }

const testToken = "secret-token"

func newTestServer(t *testing.T) (*httptest.Server, *store.Repository) {
	t.Helper()

	cfg, err := config.Resolve("bookmarks", "test", map[string]any{
		"preset":          "testing",
		"ownerId":         "user-1",
		"autoSyncEnabled": false,
	})
	require.NoError(t, err)

	kv := storage.NewMemoryStore()
	repo := store.NewRepository(kv, cfg.TableName)
	engine := syncengine.NewEngine(cfg, repo, stubRemote{}, kv)
	require.NoError(t, engine.Initialize(context.Background()))
	t.Cleanup(engine.Cleanup)

	h := NewHandler(repo, engine, testToken, cfg.OwnerID)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv, repo
}

func doRequest(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()

	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthCheck(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthMiddleware(t *testing.T) {
	srv, _ := newTestServer(t)

	t.Run("missing token rejected", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/v1/sync/status")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("wrong token rejected", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/sync/status", nil)
		req.Header.Set("Authorization", "Bearer wrong")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("valid token accepted", func(t *testing.T) {
		resp := doRequest(t, http.MethodGet, srv.URL+"/api/v1/sync/status", nil)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestBookmarkCRUD(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL + "/api/v1/bookmarks"

	// Create.
	resp := doRequest(t, http.MethodPost, base+"/", map[string]any{
		"title": "Go docs",
		"link":  "https://go.dev/doc",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created store.Entity
	decodeBody(t, resp, &created)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "user-1", created.OwnerID)
	assert.Equal(t, "Go docs", created.Payload["title"])

	// Read back.
	resp = doRequest(t, http.MethodGet, fmt.Sprintf("%s/%s", base, created.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got store.Entity
	decodeBody(t, resp, &got)
	assert.Equal(t, created.ID, got.ID)

	// Update.
	resp = doRequest(t, http.MethodPut, fmt.Sprintf("%s/%s", base, created.ID), map[string]any{
		"title": "Go documentation",
		"link":  "https://go.dev/doc",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated store.Entity
	decodeBody(t, resp, &updated)
	assert.Equal(t, "Go documentation", updated.Payload["title"])
	assert.False(t, updated.UpdatedAt.Before(created.UpdatedAt))

	// List.
	resp = doRequest(t, http.MethodGet, base+"/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []*store.Entity
	decodeBody(t, resp, &list)
	require.Len(t, list, 1)

	// Soft delete hides the bookmark from reads.
	resp = doRequest(t, http.MethodDelete, fmt.Sprintf("%s/%s", base, created.ID), nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, fmt.Sprintf("%s/%s", base, created.ID), nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// The tombstone is still visible when asked for.
	resp = doRequest(t, http.MethodGet, base+"/?include_deleted=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &list)
	require.Len(t, list, 1)
	assert.True(t, list[0].IsDeleted)

	// Purge removes it physically.
	resp = doRequest(t, http.MethodDelete, fmt.Sprintf("%s/%s/purge", base, created.ID), nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, base+"/?include_deleted=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &list)
	assert.Empty(t, list)
}

func TestBookmarkErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL + "/api/v1/bookmarks"

	t.Run("invalid body", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, base+"/", bytes.NewReader([]byte("{not json")))
		req.Header.Set("Authorization", "Bearer "+testToken)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("update missing bookmark", func(t *testing.T) {
		resp := doRequest(t, http.MethodPut, base+"/no-such-id", map[string]any{"title": "x"})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("delete missing bookmark", func(t *testing.T) {
		resp := doRequest(t, http.MethodDelete, base+"/no-such-id", nil)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestSyncEndpoints(t *testing.T) {
	srv, repo := newTestServer(t)
	base := srv.URL + "/api/v1/sync"

	resp := doRequest(t, http.MethodGet, base+"/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status syncengine.Status
	decodeBody(t, resp, &status)
	assert.False(t, status.Enabled)
	assert.Equal(t, 0, status.QueueSize)

	// Queue a change, then trigger a manual sync.
	ent, err := repo.Create(context.Background(), &store.Entity{
		OwnerID: "user-1",
		Payload: map[string]any{"title": "pending"},
	})
	require.NoError(t, err)

	resp = doRequest(t, http.MethodPost, base+"/trigger", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		resp := doRequest(t, http.MethodGet, base+"/status", nil)
		var st syncengine.Status
		decodeBody(t, resp, &st)
		return st.QueueSize == 0 && !st.IsRunning
	}, 3*time.Second, 10*time.Millisecond)

	got, err := repo.Get(context.Background(), ent.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.RemoteID)

	// Enable and disable round-trip.
	resp = doRequest(t, http.MethodPost, base+"/enable", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, base+"/status", nil)
	decodeBody(t, resp, &status)
	assert.True(t, status.Enabled)

	resp = doRequest(t, http.MethodPost, base+"/disable", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doRequest(t, http.MethodPost, base+"/refresh", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestConflictEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL + "/api/v1/conflicts"

	resp := doRequest(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var conflicts []*syncengine.ConflictRecord
	decodeBody(t, resp, &conflicts)
	assert.Empty(t, conflicts)

	resp = doRequest(t, http.MethodPost, base+"/no-such-id/resolve", map[string]string{"choice": "local"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
