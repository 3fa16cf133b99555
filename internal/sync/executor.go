package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/David6811/verifyLocalFirst-sub001/internal/config"
	"github.com/David6811/verifyLocalFirst-sub001/internal/logger"
	"github.com/David6811/verifyLocalFirst-sub001/internal/store"
)

// Executor performs one push/pull reconciliation pass against the remote
// peer. It is stateless between runs; all durable state lives in the
// repository and the engine.
type Executor struct {
	repo      *store.Repository
	remote    RemotePeer
	cfg       *config.Configuration
	conflicts *ConflictLog
}

// NewExecutor creates an executor over the given collaborators.
func NewExecutor(repo *store.Repository, remote RemotePeer, cfg *config.Configuration, conflicts *ConflictLog) *Executor {
	return &Executor{repo: repo, remote: remote, cfg: cfg, conflicts: conflicts}
}

// Run executes a full pull-then-push pass.
//
// since is the last successful sync time (zero on first sync). pending is
// the outbox snapshot; when nil, every entity modified since `since` is
// pushed instead. The run is bounded by the configured syncTimeout; items
// not completed in time are reported as timeout errors and stay queued.
//
// Item failures never abort the batch: the result enumerates them and the
// error return is non-nil only when the run as a whole failed and should
// be retried (pull unreachable, or every push item failing on the network).
func (e *Executor) Run(ctx context.Context, since time.Time, pending []Entry) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.SyncTimeout)
	defer cancel()

	res := &Result{}

	skipPush, err := e.pull(ctx, since, pending, res)
	if err != nil {
		return res, err
	}

	if pending == nil {
		pending, err = e.pendingFromRepository(ctx, since)
		if err != nil {
			return res, err
		}
	}

	if err := e.push(ctx, pending, skipPush, res); err != nil {
		return res, err
	}
	return res, nil
}

// Pull performs the pull phase only. Used for remote change detection
// after login, without waiting for the debounce window.
func (e *Executor) Pull(ctx context.Context, since time.Time, pending []Entry) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.SyncTimeout)
	defer cancel()

	res := &Result{}
	if _, err := e.pull(ctx, since, pending, res); err != nil {
		return res, err
	}
	return res, nil
}

// pull applies remote changes since the last sync. It returns the set of
// entity ids that must be excluded from the push phase (manual conflicts).
func (e *Executor) pull(ctx context.Context, since time.Time, pending []Entry, res *Result) (map[string]bool, error) {
	remotes, err := e.remote.ListChanged(ctx, e.cfg.TableName, e.cfg.OwnerID, since)
	if err != nil {
		return nil, fmt.Errorf("pull failed: %w", err)
	}

	pendingIDs := make(map[string]bool, len(pending))
	for _, p := range pending {
		pendingIDs[p.EntityID] = true
	}

	// Index local entities by both local and remote id so counterparts of
	// records created under other sessions are still found.
	locals, err := e.repo.Query(ctx, store.Criteria{IncludeDeleted: true})
	if err != nil {
		return nil, fmt.Errorf("failed to load local entities: %w", err)
	}
	byID := make(map[string]*store.Entity, len(locals))
	byRemoteID := make(map[string]*store.Entity, len(locals))
	for _, l := range locals {
		byID[l.ID] = l
		if l.RemoteID != "" {
			byRemoteID[l.RemoteID] = l
		}
	}

	skipPush := make(map[string]bool)

	for _, rem := range remotes {
		local := byRemoteID[rem.RemoteID]
		if local == nil && rem.ID != "" {
			local = byID[rem.ID]
		}

		if local == nil {
			ent := rem.Clone()
			if ent.ID == "" {
				ent.ID = uuid.New().String()
			}
			if err := e.repo.ApplyRemote(ctx, ent); err != nil {
				res.Errors = append(res.Errors, ItemError{EntityID: ent.ID, Reason: err.Error()})
				continue
			}
			res.Pulled++
			continue
		}

		// A true conflict needs a concurrent local edit; an untouched local
		// row is simply brought up to date regardless of policy.
		locallyChanged := pendingIDs[local.ID] || local.UpdatedAt.After(since)

		switch {
		case !locallyChanged:
			if err := e.applyRemote(ctx, local, rem); err != nil {
				res.Errors = append(res.Errors, ItemError{EntityID: local.ID, Reason: err.Error()})
				continue
			}
			res.Pulled++

		case e.cfg.ConflictResolution == PolicyMerge:
			merged := local.Clone()
			merged.Payload = mergePayloads(local, rem)
			merged.RemoteID = rem.RemoteID
			merged.IsDeleted = local.IsDeleted || rem.IsDeleted
			if rem.UpdatedAt.After(merged.UpdatedAt) {
				merged.UpdatedAt = rem.UpdatedAt
			}
			if err := e.repo.ApplyRemote(ctx, merged); err != nil {
				res.Errors = append(res.Errors, ItemError{EntityID: local.ID, Reason: err.Error()})
				continue
			}
			res.Pulled++
			// The merged record still pushes so the remote learns the union.

		case local.UpdatedAt.After(rem.UpdatedAt):
			// Local is newer: the push phase overrides the remote version.
			// This holds under every policy, manual included; flagging a row
			// the push is about to win would be a conflict with no question
			// to ask.

		case e.cfg.ConflictResolution == PolicyManual:
			if _, err := e.conflicts.Record(ctx, local, rem); err != nil {
				res.Errors = append(res.Errors, ItemError{EntityID: local.ID, Reason: err.Error()})
				continue
			}
			res.Conflicts++
			skipPush[local.ID] = true
			logger.Log.Info("Flagged manual conflict",
				zap.String("entity", local.ID), zap.String("table", e.cfg.TableName))

		default:
			// Last-write-wins, remote is newer or equal: remote wins and the
			// overwritten local change has nothing left to push.
			if err := e.applyRemote(ctx, local, rem); err != nil {
				res.Errors = append(res.Errors, ItemError{EntityID: local.ID, Reason: err.Error()})
				continue
			}
			res.Pulled++
			res.Acked = append(res.Acked, local.ID)
			skipPush[local.ID] = true
		}
	}

	return skipPush, nil
}

// applyRemote overwrites the local row with the remote version, keeping the
// local identifier.
func (e *Executor) applyRemote(ctx context.Context, local, rem *store.Entity) error {
	ent := rem.Clone()
	ent.ID = local.ID
	if ent.CreatedAt.IsZero() {
		ent.CreatedAt = local.CreatedAt
	}
	return e.repo.ApplyRemote(ctx, ent)
}

// push sends pending local changes to the remote, at most batchSize items
// in flight at once.
func (e *Executor) push(ctx context.Context, pending []Entry, skip map[string]bool, res *Result) error {
	var (
		mu       gosync.Mutex
		wg       gosync.WaitGroup
		sem      = make(chan struct{}, e.cfg.BatchSize)
		attempts int
		netFails int
	)

	for _, entry := range pending {
		if skip[entry.EntityID] {
			continue
		}

		select {
		case <-ctx.Done():
			mu.Lock()
			res.Errors = append(res.Errors, ItemError{
				EntityID: entry.EntityID,
				Reason:   (&TimeoutError{EntityID: entry.EntityID}).Error(),
			})
			mu.Unlock()
			continue
		case sem <- struct{}{}:
		}

		attempts++
		wg.Add(1)
		go func(entry Entry) {
			defer wg.Done()
			defer func() { <-sem }()

			acked, err := e.pushOne(ctx, entry)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				var netErr *NetworkError
				switch {
				case errors.Is(err, context.DeadlineExceeded):
					// The run overran syncTimeout; that is a timeout on this
					// item, not evidence the peer is down.
					err = &TimeoutError{EntityID: entry.EntityID}
				case errors.As(err, &netErr):
					netFails++
				}
				res.Errors = append(res.Errors, ItemError{EntityID: entry.EntityID, Reason: err.Error()})
				return
			}
			if acked {
				res.Pushed++
			}
			res.Acked = append(res.Acked, entry.EntityID)
		}(entry)
	}

	wg.Wait()

	// Every item lost to the network means the peer is unreachable; that is
	// a run-level failure the engine should retry.
	if attempts > 0 && netFails == attempts {
		return &NetworkError{Op: "push", Err: fmt.Errorf("all %d items failed", attempts)}
	}
	return nil
}

// pushOne sends a single queue entry. The returned bool reports whether a
// remote operation was actually performed (false for no-op acks such as
// deleting a never-synced entity).
func (e *Executor) pushOne(ctx context.Context, entry Entry) (bool, error) {
	ent, err := e.repo.Get(ctx, entry.EntityID)
	if err != nil {
		return false, err
	}
	if ent == nil {
		// Purged locally before the push happened; nothing to do.
		return false, nil
	}
	if ent.OwnerID == "" {
		// Entities without an owner never participate in sync.
		return false, nil
	}

	if entry.Op == store.OpDelete || ent.IsDeleted {
		if ent.RemoteID == "" {
			// Never reached the remote; drop the tombstone locally.
			return false, e.repo.PurgeSynced(ctx, ent.ID)
		}
		if err := e.remote.Delete(ctx, e.cfg.TableName, ent.RemoteID); err != nil {
			return false, err
		}
		// Tombstone acknowledged; the record may now be removed physically.
		return true, e.repo.PurgeSynced(ctx, ent.ID)
	}

	remoteID, err := e.remote.Upsert(ctx, ent)
	if err != nil {
		return false, err
	}
	if remoteID != ent.RemoteID {
		if err := e.repo.MarkSynced(ctx, ent.ID, remoteID); err != nil {
			return false, err
		}
	}
	return true, nil
}

// pendingFromRepository derives the push set from modification times when
// no outbox snapshot was supplied.
func (e *Executor) pendingFromRepository(ctx context.Context, since time.Time) ([]Entry, error) {
	locals, err := e.repo.Query(ctx, store.Criteria{IncludeDeleted: true, ModifiedSince: since})
	if err != nil {
		return nil, err
	}

	var out []Entry
	for _, l := range locals {
		op := store.OpUpdate
		switch {
		case l.IsDeleted:
			op = store.OpDelete
		case l.RemoteID == "":
			op = store.OpCreate
		}
		out = append(out, Entry{EntityID: l.ID, Op: op, QueuedAt: l.UpdatedAt})
	}
	return out, nil
}
