// Package store implements the local repository: a durable CRUD/query layer
// over the key-value storage backend. It is the only reader and writer of
// local entity state. Deletion is always soft here; tombstones are retained
// until explicitly purged or acknowledged by the remote peer.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/David6811/verifyLocalFirst-sub001/internal/logger"
	"github.com/David6811/verifyLocalFirst-sub001/internal/storage"
)

// Repository provides CRUD, soft-delete and query operations for one table.
//
// Every successful external mutation emits a Change to registered observers.
// The repository has no sync awareness; the observer hook is one-way.
type Repository struct {
	kv    storage.Store
	table string

	mu        sync.Mutex
	observers map[int]func(Change)
	nextObs   int

	// now is swappable in tests.
	now func() time.Time
}

// NewRepository creates a repository for the given table over kv.
func NewRepository(kv storage.Store, table string) *Repository {
	return &Repository{
		kv:        kv,
		table:     table,
		observers: make(map[int]func(Change)),
		now:       time.Now,
	}
}

// Table returns the table this repository serves.
func (r *Repository) Table() string {
	return r.table
}

// OnChange registers an observer for local mutations and returns a removal
// function. Observers are invoked synchronously after the write succeeds.
func (r *Repository) OnChange(fn func(Change)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextObs
	r.nextObs++
	r.observers[id] = fn

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.observers, id)
	}
}

// Create stores a new entity. ID, CreatedAt and UpdatedAt are assigned by
// the repository. Fails with *ValidationError if Table or OwnerID is empty.
func (r *Repository) Create(ctx context.Context, e *Entity) (*Entity, error) {
	if e == nil {
		return nil, &ValidationError{Field: "entity", Reason: "must not be nil"}
	}
	ent := e.Clone()
	if ent.Table == "" {
		ent.Table = r.table
	}
	if ent.Table != r.table {
		return nil, &ValidationError{Field: "table", Reason: fmt.Sprintf("repository serves %q, got %q", r.table, ent.Table)}
	}
	if ent.OwnerID == "" {
		return nil, &ValidationError{Field: "ownerId", Reason: "required"}
	}
	if ent.ID == "" {
		ent.ID = uuid.New().String()
	}
	if ent.Payload == nil {
		ent.Payload = map[string]any{}
	}

	now := r.now()
	ent.CreatedAt = now
	ent.UpdatedAt = now
	ent.IsDeleted = false

	if err := r.put(ctx, ent); err != nil {
		return nil, err
	}

	r.notify(Change{EntityID: ent.ID, Table: r.table, Op: OpCreate})
	return ent.Clone(), nil
}

// Get returns the entity with the given id, or nil if absent.
// Tombstoned entities are returned; callers check IsDeleted.
func (r *Repository) Get(ctx context.Context, id string) (*Entity, error) {
	raw, ok, err := r.kv.Get(ctx, r.key(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return decodeEntity(raw)
}

// Update overwrites the stored entity's payload and flags. UpdatedAt is
// always stamped with the current time; callers cannot backdate it, which
// is what gives last-write-wins its meaning. Fails with *NotFoundError if
// the id is unknown.
func (r *Repository) Update(ctx context.Context, e *Entity) (*Entity, error) {
	if e == nil || e.ID == "" {
		return nil, &ValidationError{Field: "id", Reason: "required"}
	}

	cur, err := r.Get(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, &NotFoundError{Table: r.table, ID: e.ID}
	}

	ent := cur.Clone()
	if e.Payload != nil {
		ent.Payload = e.Clone().Payload
	}
	if e.OwnerID != "" {
		ent.OwnerID = e.OwnerID
	}
	ent.UpdatedAt = r.stamp(cur.UpdatedAt)

	if err := r.put(ctx, ent); err != nil {
		return nil, err
	}

	r.notify(Change{EntityID: ent.ID, Table: r.table, Op: OpUpdate})
	return ent.Clone(), nil
}

// Delete tombstones the entity: IsDeleted is set and UpdatedAt bumped, so a
// delete can still win or lose a conflict like any other mutation.
func (r *Repository) Delete(ctx context.Context, id string) error {
	cur, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if cur == nil {
		return &NotFoundError{Table: r.table, ID: id}
	}

	cur.IsDeleted = true
	cur.UpdatedAt = r.stamp(cur.UpdatedAt)

	if err := r.put(ctx, cur); err != nil {
		return err
	}

	r.notify(Change{EntityID: id, Table: r.table, Op: OpDelete})
	return nil
}

// Purge physically removes the record. Idempotent; purging an unknown id is
// a no-op. Purge emits no change notification; it is an explicit local
// cleanup, not a syncable mutation.
func (r *Repository) Purge(ctx context.Context, id string) error {
	return r.kv.Delete(ctx, r.key(id))
}

// Query returns entities matching the criteria in insertion order.
// Tombstoned entities are excluded unless Criteria.IncludeDeleted is set.
func (r *Repository) Query(ctx context.Context, c Criteria) ([]*Entity, error) {
	kvs, err := r.kv.List(ctx, r.keyPrefix())
	if err != nil {
		return nil, err
	}

	var out []*Entity
	for _, kv := range kvs {
		ent, err := decodeEntity(kv.Value)
		if err != nil {
			logger.Log.Warn("Skipping undecodable entity", zap.String("key", kv.Key), zap.Error(err))
			continue
		}
		if !matches(ent, c) {
			continue
		}
		out = append(out, ent)
		if c.Limit > 0 && len(out) == c.Limit {
			break
		}
	}
	return out, nil
}

// ApplyRemote writes an entity received from the remote peer, bypassing
// change notification and timestamp stamping so pulls never re-enter the
// sync queue. The remote's timestamps are preserved verbatim.
func (r *Repository) ApplyRemote(ctx context.Context, e *Entity) error {
	if e == nil || e.ID == "" {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	ent := e.Clone()
	ent.Table = r.table
	return r.put(ctx, ent)
}

// MarkSynced records the remote-assigned identifier after a successful
// push. No notification and no UpdatedAt bump; the entity content is
// unchanged as far as last-write-wins is concerned.
func (r *Repository) MarkSynced(ctx context.Context, id, remoteID string) error {
	cur, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if cur == nil {
		return &NotFoundError{Table: r.table, ID: id}
	}
	cur.RemoteID = remoteID
	return r.put(ctx, cur)
}

// PurgeSynced removes a tombstone whose deletion the remote has
// acknowledged. No notification.
func (r *Repository) PurgeSynced(ctx context.Context, id string) error {
	return r.kv.Delete(ctx, r.key(id))
}

func (r *Repository) key(id string) string {
	return r.keyPrefix() + id
}

func (r *Repository) keyPrefix() string {
	return "ent:" + r.table + ":"
}

func (r *Repository) put(ctx context.Context, e *Entity) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode entity %s: %w", e.ID, err)
	}
	return r.kv.Set(ctx, r.key(e.ID), raw)
}

// stamp returns the current time, clamped so UpdatedAt never moves
// backwards for an entity.
func (r *Repository) stamp(prev time.Time) time.Time {
	now := r.now()
	if now.Before(prev) {
		return prev
	}
	return now
}

func (r *Repository) notify(c Change) {
	r.mu.Lock()
	fns := make([]func(Change), 0, len(r.observers))
	for _, fn := range r.observers {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

func decodeEntity(raw []byte) (*Entity, error) {
	var e Entity
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("failed to decode entity: %w", err)
	}
	return &e, nil
}

func matches(e *Entity, c Criteria) bool {
	if e.IsDeleted && !c.IncludeDeleted {
		return false
	}
	if c.OwnerID != "" && e.OwnerID != c.OwnerID {
		return false
	}
	if !c.ModifiedSince.IsZero() && !e.UpdatedAt.After(c.ModifiedSince) {
		return false
	}
	for k, want := range c.Filter {
		got, ok := e.Payload[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}
