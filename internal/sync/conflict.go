package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/David6811/verifyLocalFirst-sub001/internal/storage"
	"github.com/David6811/verifyLocalFirst-sub001/internal/store"
)

// Conflict resolution policies.
const (
	PolicyLastWriteWins = "last-write-wins"
	PolicyMerge         = "merge"
	PolicyManual        = "manual"
)

// ConflictRecord is one detected conflict under the manual policy, retained
// until a caller resolves it.
type ConflictRecord struct {
	ID         string          `json:"id"`
	Table      string          `json:"table"`
	EntityID   string          `json:"entity_id"`
	LocalData  json.RawMessage `json:"local_data"`
	RemoteData json.RawMessage `json:"remote_data"`
	DetectedAt time.Time       `json:"detected_at"`
	Resolved   bool            `json:"resolved"`
	Resolution string          `json:"resolution,omitempty"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

// ConflictLog persists manual conflicts in the key-value store so they
// survive restarts and can be inspected and resolved through the API.
type ConflictLog struct {
	kv     storage.Store
	prefix string
}

// NewConflictLog creates a log namespaced under prefix.
func NewConflictLog(kv storage.Store, prefix string) *ConflictLog {
	return &ConflictLog{kv: kv, prefix: prefix + ":conflict:"}
}

// Record stores a new unresolved conflict between the local and remote
// versions of an entity.
func (l *ConflictLog) Record(ctx context.Context, local, remote *store.Entity) (*ConflictRecord, error) {
	localRaw, err := json.Marshal(local)
	if err != nil {
		return nil, fmt.Errorf("failed to encode local entity: %w", err)
	}
	remoteRaw, err := json.Marshal(remote)
	if err != nil {
		return nil, fmt.Errorf("failed to encode remote entity: %w", err)
	}

	rec := &ConflictRecord{
		ID:         uuid.New().String(),
		Table:      local.Table,
		EntityID:   local.ID,
		LocalData:  localRaw,
		RemoteData: remoteRaw,
		DetectedAt: time.Now(),
	}
	if err := l.put(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Get returns the conflict with the given id, or nil if absent.
func (l *ConflictLog) Get(ctx context.Context, id string) (*ConflictRecord, error) {
	raw, ok, err := l.kv.Get(ctx, l.prefix+id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var rec ConflictRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode conflict: %w", err)
	}
	return &rec, nil
}

// List returns conflicts in detection order. Resolved conflicts are
// included only when includeResolved is set.
func (l *ConflictLog) List(ctx context.Context, includeResolved bool) ([]*ConflictRecord, error) {
	kvs, err := l.kv.List(ctx, l.prefix)
	if err != nil {
		return nil, err
	}

	var out []*ConflictRecord
	for _, kv := range kvs {
		var rec ConflictRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode conflict %s: %w", kv.Key, err)
		}
		if rec.Resolved && !includeResolved {
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}

// MarkResolved flags the conflict as resolved with the given strategy.
func (l *ConflictLog) MarkResolved(ctx context.Context, id, resolution string) error {
	rec, err := l.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("conflict %s not found", id)
	}
	now := time.Now()
	rec.Resolved = true
	rec.Resolution = resolution
	rec.ResolvedAt = &now
	return l.put(ctx, rec)
}

func (l *ConflictLog) put(ctx context.Context, rec *ConflictRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode conflict: %w", err)
	}
	return l.kv.Set(ctx, l.prefix+rec.ID, raw)
}

// mergePayloads implements the merge policy: the union of both payloads,
// with the newer side (by UpdatedAt) winning any key present on both.
// Keys touched by only one side therefore survive from either version;
// overlapping keys degrade to last-write-wins.
func mergePayloads(local, remote *store.Entity) map[string]any {
	winner, loser := remote, local
	if local.UpdatedAt.After(remote.UpdatedAt) {
		winner, loser = local, remote
	}

	merged := make(map[string]any, len(winner.Payload)+len(loser.Payload))
	for k, v := range loser.Payload {
		merged[k] = v
	}
	for k, v := range winner.Payload {
		merged[k] = v
	}
	return merged
}
