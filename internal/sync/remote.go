package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/David6811/verifyLocalFirst-sub001/internal/config"
	"github.com/David6811/verifyLocalFirst-sub001/internal/store"
)

// RemotePeer is the authoritative store the executor reconciles against.
// Implementations must be safe for concurrent calls up to the configured
// batch size.
type RemotePeer interface {
	// ListChanged returns the remote entities for (table, ownerID) changed
	// strictly after since. A zero since returns everything.
	ListChanged(ctx context.Context, table, ownerID string, since time.Time) ([]*store.Entity, error)

	// Upsert creates or updates the remote counterpart of e and returns the
	// remote identifier.
	Upsert(ctx context.Context, e *store.Entity) (string, error)

	// Delete removes the remote record. Deleting an unknown id is a no-op.
	Delete(ctx context.Context, table, remoteID string) error
}

// NewRemote builds the remote peer selected by the configuration.
func NewRemote(cfg *config.Configuration) (RemotePeer, error) {
	switch cfg.RemoteStorage {
	case "custom":
		return NewHTTPRemote(cfg.RemoteEndpoint, cfg.RemoteAPIKey, cfg.SyncTimeout), nil
	case "supabase":
		return NewSupabaseRemote(cfg.RemoteEndpoint, cfg.RemoteAPIKey, cfg.SyncTimeout), nil
	case "firebase":
		return nil, fmt.Errorf("remote backend %q is recognized but not implemented", cfg.RemoteStorage)
	default:
		return nil, fmt.Errorf("unknown remote backend %q", cfg.RemoteStorage)
	}
}

// remoteRecord is the wire shape shared with the remote peer. The remote
// assigns ID; ClientID carries the local identifier so either side can
// correlate records.
type remoteRecord struct {
	ID        string         `json:"id,omitempty"`
	ClientID  string         `json:"client_id,omitempty"`
	OwnerID   string         `json:"owner_id"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	IsDeleted bool           `json:"is_deleted"`
}

func toRecord(e *store.Entity) remoteRecord {
	return remoteRecord{
		ID:        e.RemoteID,
		ClientID:  e.ID,
		OwnerID:   e.OwnerID,
		Payload:   e.Payload,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
		IsDeleted: e.IsDeleted,
	}
}

func (r remoteRecord) toEntity(table string) *store.Entity {
	return &store.Entity{
		ID:        r.ClientID,
		RemoteID:  r.ID,
		Table:     table,
		OwnerID:   r.OwnerID,
		Payload:   r.Payload,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		IsDeleted: r.IsDeleted,
	}
}

// HTTPRemote talks to a custom REST backend:
//
//	GET    {base}/{table}?owner_id=&since=   list changed records
//	POST   {base}/{table}                    upsert one record
//	DELETE {base}/{table}/{id}               delete one record
type HTTPRemote struct {
	base   string
	token  string
	client *http.Client
}

// NewHTTPRemote creates a client for the custom REST backend.
func NewHTTPRemote(base, token string, timeout time.Duration) *HTTPRemote {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPRemote{
		base:   base,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

func (r *HTTPRemote) ListChanged(ctx context.Context, table, ownerID string, since time.Time) ([]*store.Entity, error) {
	q := url.Values{}
	q.Set("owner_id", ownerID)
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}

	var records []remoteRecord
	if err := r.do(ctx, http.MethodGet, fmt.Sprintf("%s/%s?%s", r.base, table, q.Encode()), nil, &records); err != nil {
		return nil, err
	}

	out := make([]*store.Entity, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.toEntity(table))
	}
	return out, nil
}

func (r *HTTPRemote) Upsert(ctx context.Context, e *store.Entity) (string, error) {
	var resp remoteRecord
	if err := r.do(ctx, http.MethodPost, fmt.Sprintf("%s/%s", r.base, e.Table), toRecord(e), &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("remote upsert returned no id for entity %s", e.ID)
	}
	return resp.ID, nil
}

func (r *HTTPRemote) Delete(ctx context.Context, table, remoteID string) error {
	err := r.do(ctx, http.MethodDelete, fmt.Sprintf("%s/%s/%s", r.base, table, remoteID), nil, nil)
	return err
}

func (r *HTTPRemote) do(ctx context.Context, method, rawurl string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawurl, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return &NetworkError{Op: method + " " + rawurl, Err: err}
	}
	defer resp.Body.Close()

	// 404 on DELETE means the record is already gone; deletes are idempotent.
	if method == http.MethodDelete && resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode >= 500 {
		return &NetworkError{Op: method + " " + rawurl, Err: fmt.Errorf("server returned %s", resp.Status)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("remote returned %s for %s %s", resp.Status, method, rawurl)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// SupabaseRemote talks to a Supabase project through PostgREST conventions.
type SupabaseRemote struct {
	base   string
	apiKey string
	client *http.Client
}

// NewSupabaseRemote creates a client for base (the project URL, without the
// /rest/v1 suffix) authenticated by the service or anon API key.
func NewSupabaseRemote(base, apiKey string, timeout time.Duration) *SupabaseRemote {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SupabaseRemote{
		base:   base + "/rest/v1",
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

func (r *SupabaseRemote) ListChanged(ctx context.Context, table, ownerID string, since time.Time) ([]*store.Entity, error) {
	q := url.Values{}
	q.Set("owner_id", "eq."+ownerID)
	if !since.IsZero() {
		q.Set("updated_at", "gt."+since.UTC().Format(time.RFC3339Nano))
	}

	var records []remoteRecord
	if err := r.do(ctx, http.MethodGet, fmt.Sprintf("%s/%s?%s", r.base, table, q.Encode()), nil, nil, &records); err != nil {
		return nil, err
	}

	out := make([]*store.Entity, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.toEntity(table))
	}
	return out, nil
}

func (r *SupabaseRemote) Upsert(ctx context.Context, e *store.Entity) (string, error) {
	headers := map[string]string{
		"Prefer": "resolution=merge-duplicates,return=representation",
	}

	var resp []remoteRecord
	if err := r.do(ctx, http.MethodPost, fmt.Sprintf("%s/%s", r.base, e.Table), headers, toRecord(e), &resp); err != nil {
		return "", err
	}
	if len(resp) == 0 || resp[0].ID == "" {
		return "", fmt.Errorf("supabase upsert returned no id for entity %s", e.ID)
	}
	return resp[0].ID, nil
}

func (r *SupabaseRemote) Delete(ctx context.Context, table, remoteID string) error {
	return r.do(ctx, http.MethodDelete, fmt.Sprintf("%s/%s?id=eq.%s", r.base, table, url.QueryEscape(remoteID)), nil, nil, nil)
}

func (r *SupabaseRemote) do(ctx context.Context, method, rawurl string, headers map[string]string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawurl, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", r.apiKey)
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return &NetworkError{Op: method + " " + rawurl, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &NetworkError{Op: method + " " + rawurl, Err: fmt.Errorf("server returned %s", resp.Status)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("supabase returned %s for %s %s", resp.Status, method, rawurl)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
