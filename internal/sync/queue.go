package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/David6811/verifyLocalFirst-sub001/internal/storage"
	"github.com/David6811/verifyLocalFirst-sub001/internal/store"
)

// Entry is one pending local change awaiting push. Rev increments on every
// coalesced mutation, so an acknowledgement taken from an earlier snapshot
// can tell whether the entry still describes what was pushed.
type Entry struct {
	EntityID string    `json:"entity_id"`
	Op       store.Op  `json:"op"`
	QueuedAt time.Time `json:"queued_at"`
	Rev      int64     `json:"rev"`
}

// Queue is the coalescing outbox: at most one entry per entity id. New
// mutations merge into the existing entry and the operation kind only
// escalates (create -> update -> delete), never regresses.
type Queue struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

var opRank = map[store.Op]int{
	store.OpCreate: 0,
	store.OpUpdate: 1,
	store.OpDelete: 2,
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{entries: make(map[string]*Entry)}
}

// Add records a change, coalescing with any pending entry for the same
// entity. The enqueue timestamp of an existing entry is preserved so
// ordering reflects first appearance.
func (q *Queue) Add(entityID string, op store.Op) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, ok := q.entries[entityID]
	if !ok {
		q.entries[entityID] = &Entry{EntityID: entityID, Op: op, QueuedAt: time.Now(), Rev: 1}
		return
	}
	cur.Rev++
	if opRank[op] > opRank[cur.Op] {
		cur.Op = op
	}
}

// Remove drops the entry for the given entity, if any.
func (q *Queue) Remove(entityID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, entityID)
}

// RemoveIf drops the entry only when its revision still matches rev. A
// mismatch means the entity was mutated again after the snapshot was taken;
// the newer change must survive the acknowledgement. Reports whether the
// entry was removed.
func (q *Queue) RemoveIf(entityID string, rev int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, ok := q.entries[entityID]
	if !ok || cur.Rev != rev {
		return false
	}
	delete(q.entries, entityID)
	return true
}

// Size returns the number of pending entries.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot returns pending entries ordered by enqueue time. The returned
// entries are copies; mutating them does not affect the queue.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].QueuedAt.Before(out[j].QueuedAt)
	})
	return out
}

// Save persists the queue under key so pending changes survive restarts.
func (q *Queue) Save(ctx context.Context, kv storage.Store, key string) error {
	raw, err := json.Marshal(q.Snapshot())
	if err != nil {
		return fmt.Errorf("failed to encode queue: %w", err)
	}
	return kv.Set(ctx, key, raw)
}

// Load replaces the queue contents with the persisted entries under key.
// A missing key leaves the queue empty.
func (q *Queue) Load(ctx context.Context, kv storage.Store, key string) error {
	raw, ok, err := kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("failed to decode queue: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = make(map[string]*Entry, len(entries))
	for i := range entries {
		e := entries[i]
		q.entries[e.EntityID] = &e
	}
	return nil
}
