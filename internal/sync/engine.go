// Package sync implements the synchronization subsystem: the coalescing
// change queue, the push/pull executor, conflict handling, and the
// auto-sync engine that ties them together.
//
// One engine instance serves one (table, user) pair. All queue and status
// mutations happen under the engine's lock; a single in-flight guard
// ensures at most one executor run at a time, with re-arming instead of
// concurrent runs when changes land mid-run.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/David6811/verifyLocalFirst-sub001/internal/config"
	"github.com/David6811/verifyLocalFirst-sub001/internal/logger"
	"github.com/David6811/verifyLocalFirst-sub001/internal/storage"
	"github.com/David6811/verifyLocalFirst-sub001/internal/store"
)

// Engine owns the sync lifecycle: it subscribes to repository changes,
// debounces them into executor runs, applies retry policy, tracks status
// and notifies listeners.
//
// Lifecycle: Uninitialized -> Disabled <-> Idle <-> Syncing, with
// Idle -> ErrorBackoff -> Idle on retryable failure, and any state back to
// Uninitialized via Cleanup.
type Engine struct {
	cfg       *config.Configuration
	repo      *store.Repository
	exec      *Executor
	kv        storage.Store
	conflicts *ConflictLog

	mu          gosync.Mutex
	state       State
	enabled     bool
	lastSync    time.Time
	lastError   string
	queue       *Queue
	listeners   map[int]func(Status)
	nextID      int
	unsubscribe func()
	debounce    *time.Timer
	inFlight    bool
	rerun       bool

	// sleep is swappable in tests to avoid real backoff waits.
	sleep func(time.Duration)
}

// NewEngine builds an engine over the given collaborators. Call Initialize
// before anything else.
func NewEngine(cfg *config.Configuration, repo *store.Repository, remote RemotePeer, kv storage.Store) *Engine {
	conflicts := NewConflictLog(kv, cfg.StorageKeyPrefix)
	return &Engine{
		cfg:       cfg,
		repo:      repo,
		exec:      NewExecutor(repo, remote, cfg, conflicts),
		kv:        kv,
		conflicts: conflicts,
		state:     StateUninitialized,
		queue:     NewQueue(),
		listeners: make(map[int]func(Status)),
		sleep:     time.Sleep,
	}
}

func (e *Engine) lastSyncKey() string { return e.cfg.StorageKeyPrefix + ":last_sync" }
func (e *Engine) queueKey() string    { return e.cfg.StorageKeyPrefix + ":queue" }
func (e *Engine) enabledKey() string  { return e.cfg.StorageKeyPrefix + ":enabled" }

// Initialize loads persisted state (last sync time, pending queue, enabled
// flag) and subscribes to repository changes. Idempotent: a second call
// after success is a no-op. No sync runs are started here.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateUninitialized {
		e.mu.Unlock()
		return nil
	}

	if err := e.loadPersisted(ctx); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("failed to load persisted sync state: %w", err)
	}

	e.unsubscribe = e.repo.OnChange(e.onChange)
	if e.enabled {
		e.state = StateIdle
	} else {
		e.state = StateDisabled
	}

	logger.Log.Info("Sync engine initialized",
		zap.String("table", e.cfg.TableName),
		zap.Bool("enabled", e.enabled),
		zap.Int("queued", e.queue.Size()))
	e.mu.Unlock()

	e.notify()
	return nil
}

func (e *Engine) loadPersisted(ctx context.Context) error {
	if raw, ok, err := e.kv.Get(ctx, e.lastSyncKey()); err != nil {
		return err
	} else if ok {
		var t time.Time
		if err := json.Unmarshal(raw, &t); err == nil {
			e.lastSync = t
		}
	}

	if err := e.queue.Load(ctx, e.kv, e.queueKey()); err != nil {
		return err
	}

	e.enabled = e.cfg.AutoSyncEnabled
	if raw, ok, err := e.kv.Get(ctx, e.enabledKey()); err != nil {
		return err
	} else if ok {
		var b bool
		if err := json.Unmarshal(raw, &b); err == nil {
			e.enabled = b
		}
	}
	return nil
}

// Cleanup cancels timers, removes all listeners and returns the engine to
// Uninitialized. An in-flight run is not aborted; its result is still
// applied so a half-sent batch is never half-recorded. Safe to call
// multiple times.
func (e *Engine) Cleanup() {
	e.mu.Lock()
	if e.debounce != nil {
		e.debounce.Stop()
		e.debounce = nil
	}
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
	e.listeners = make(map[int]func(Status))
	e.state = StateUninitialized
	e.mu.Unlock()

	logger.Log.Info("Sync engine cleaned up", zap.String("table", e.cfg.TableName))
}

// SetEnabled turns auto-sync on or off. Disabling cancels the debounce
// timer but keeps the pending queue; it is drained on the next enable.
// Enabling immediately kicks off remote change detection.
func (e *Engine) SetEnabled(ctx context.Context, enabled bool) error {
	e.mu.Lock()
	if e.state == StateUninitialized {
		e.mu.Unlock()
		return fmt.Errorf("engine not initialized")
	}
	if e.enabled == enabled {
		e.mu.Unlock()
		return nil
	}

	e.enabled = enabled
	if raw, err := json.Marshal(enabled); err == nil {
		if err := e.kv.Set(ctx, e.enabledKey(), raw); err != nil {
			logger.Log.Warn("Failed to persist enabled flag", zap.Error(err))
		}
	}

	if enabled {
		if !e.inFlight {
			e.state = StateIdle
		}
		if e.queue.Size() > 0 {
			e.armDebounceLocked()
		}
	} else {
		if e.debounce != nil {
			e.debounce.Stop()
			e.debounce = nil
		}
		if !e.inFlight {
			e.state = StateDisabled
		}
	}
	e.mu.Unlock()

	e.notify()

	if enabled {
		go e.RefreshRemoteChangeDetection(context.Background())
	}
	return nil
}

// onChange receives repository change notifications, coalesces them into
// the queue and (re)arms the debounce timer. A change arriving while a run
// is in flight re-arms for after completion instead of starting another.
func (e *Engine) onChange(c store.Change) {
	e.mu.Lock()
	if e.state == StateUninitialized {
		e.mu.Unlock()
		return
	}

	e.queue.Add(c.EntityID, c.Op)
	e.persistQueueLocked()

	if e.enabled {
		if e.inFlight {
			e.rerun = true
		} else {
			e.armDebounceLocked()
		}
	}
	e.mu.Unlock()

	e.notify()
}

func (e *Engine) armDebounceLocked() {
	if e.debounce != nil {
		e.debounce.Stop()
	}
	e.debounce = time.AfterFunc(e.cfg.DebounceDelay, func() {
		// Stop does not cancel a callback that already fired; re-check so a
		// disable racing the timer does not start a run.
		e.mu.Lock()
		enabled := e.enabled && e.state != StateUninitialized
		e.mu.Unlock()
		if !enabled {
			return
		}
		e.triggerRun(false)
	})
}

func (e *Engine) persistQueueLocked() {
	if err := e.queue.Save(context.Background(), e.kv, e.queueKey()); err != nil {
		logger.Log.Warn("Failed to persist sync queue", zap.Error(err))
	}
}

// TriggerSync starts a sync run immediately, bypassing the debounce window.
// Works even when auto-sync is disabled.
func (e *Engine) TriggerSync() error {
	return e.triggerRun(false)
}

// RefreshRemoteChangeDetection forces a pull-only pass, used after login to
// discover remote state created under other sessions.
func (e *Engine) RefreshRemoteChangeDetection(ctx context.Context) error {
	return e.triggerRun(true)
}

// triggerRun starts a run unless one is already in flight, in which case
// the request is folded into a re-arm after completion.
func (e *Engine) triggerRun(pullOnly bool) error {
	e.mu.Lock()
	if e.state == StateUninitialized {
		e.mu.Unlock()
		return fmt.Errorf("engine not initialized")
	}
	if e.inFlight {
		e.rerun = true
		e.mu.Unlock()
		return nil
	}
	e.inFlight = true
	e.state = StateSyncing
	pending := e.queue.Snapshot()
	since := e.lastSync
	e.mu.Unlock()

	e.notify()

	go e.runLoop(pullOnly, since, pending)
	return nil
}

// runLoop drives one run with fixed-delay retries. Cancellation of timers
// (SetEnabled(false), Cleanup) deliberately does not reach this goroutine;
// in-flight work finishes and its result is applied.
func (e *Engine) runLoop(pullOnly bool, since time.Time, pending []Entry) {
	runStart := time.Now()

	var (
		res *Result
		err error
	)
	for attempt := 0; ; attempt++ {
		if pullOnly {
			res, err = e.exec.Pull(context.Background(), since, pending)
		} else {
			res, err = e.exec.Run(context.Background(), since, pending)
		}
		if err == nil {
			break
		}
		if attempt >= e.cfg.MaxRetries {
			logger.Log.Error("Sync failed after retries",
				zap.String("table", e.cfg.TableName),
				zap.Int("attempts", attempt+1),
				zap.Error(err))
			break
		}
		logger.Log.Warn("Sync attempt failed, retrying",
			zap.String("table", e.cfg.TableName),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		e.setState(StateErrorBackoff)
		e.sleep(e.cfg.RetryDelay)
	}

	// Acknowledgements carry the revision seen at snapshot time: an entity
	// edited again while its stale version was in flight keeps its queue
	// entry and is pushed by the re-armed follow-up run.
	revs := make(map[string]int64, len(pending))
	for _, p := range pending {
		revs[p.EntityID] = p.Rev
	}

	e.mu.Lock()
	if err != nil {
		e.lastError = err.Error()
	} else {
		e.lastError = ""
		for _, id := range res.Acked {
			if rev, ok := revs[id]; ok {
				if !e.queue.RemoveIf(id, rev) {
					e.rerun = true
				}
			}
		}
		e.persistQueueLocked()

		if !pullOnly {
			// Advance to the run's start, not its completion, so changes that
			// landed mid-run are picked up by the next pull.
			e.lastSync = runStart
			if raw, mErr := json.Marshal(e.lastSync); mErr == nil {
				if sErr := e.kv.Set(context.Background(), e.lastSyncKey(), raw); sErr != nil {
					logger.Log.Warn("Failed to persist last sync time", zap.Error(sErr))
				}
			}
		}

		if len(res.Errors) > 0 {
			e.lastError = fmt.Sprintf("%d item(s) failed, first: %s", len(res.Errors), res.Errors[0].Reason)
		}

		logger.Log.Info("Sync run complete",
			zap.String("table", e.cfg.TableName),
			zap.Int("pushed", res.Pushed),
			zap.Int("pulled", res.Pulled),
			zap.Int("conflicts", res.Conflicts),
			zap.Int("errors", len(res.Errors)))
	}

	e.inFlight = false
	switch {
	case e.state == StateUninitialized:
		// Cleaned up mid-run; leave the state alone.
	case e.enabled:
		e.state = StateIdle
	default:
		e.state = StateDisabled
	}

	if e.rerun && e.state != StateUninitialized && e.enabled {
		e.rerun = false
		e.armDebounceLocked()
	} else {
		e.rerun = false
	}
	e.mu.Unlock()

	e.notify()
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	if e.state == StateUninitialized {
		e.mu.Unlock()
		return
	}
	e.state = s
	e.mu.Unlock()
	e.notify()
}

// Status returns a point-in-time snapshot of the engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

func (e *Engine) statusLocked() Status {
	st := Status{
		State:     e.state,
		Enabled:   e.enabled,
		IsRunning: e.inFlight,
		QueueSize: e.queue.Size(),
		Error:     e.lastError,
	}
	if !e.lastSync.IsZero() {
		t := e.lastSync
		st.LastSyncTime = &t
	}
	return st
}

// AddStatusListener registers a callback invoked synchronously on every
// state transition and queue size change. The returned function removes the
// listener. Listener panics are caught and logged, never propagated.
func (e *Engine) AddStatusListener(fn func(Status)) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

func (e *Engine) notify() {
	e.mu.Lock()
	st := e.statusLocked()
	fns := make([]func(Status), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Log.Error("Status listener panicked", zap.Any("panic", r))
				}
			}()
			fn(st)
		}()
	}
}

// Conflicts exposes the manual-policy conflict log.
func (e *Engine) Conflicts() *ConflictLog {
	return e.conflicts
}

// ResolveConflict applies the caller's decision for a manual conflict:
// choice "remote" overwrites the local row with the recorded remote
// version; choice "local" re-enqueues the local version for push. The
// record is then marked resolved.
func (e *Engine) ResolveConflict(ctx context.Context, id, choice string) error {
	rec, err := e.conflicts.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("conflict %s not found", id)
	}
	if rec.Resolved {
		return fmt.Errorf("conflict %s already resolved", id)
	}

	switch choice {
	case "remote":
		var remote store.Entity
		if err := json.Unmarshal(rec.RemoteData, &remote); err != nil {
			return fmt.Errorf("failed to decode remote version: %w", err)
		}
		remote.ID = rec.EntityID
		if err := e.repo.ApplyRemote(ctx, &remote); err != nil {
			return err
		}
		e.mu.Lock()
		e.queue.Remove(rec.EntityID)
		e.persistQueueLocked()
		e.mu.Unlock()

	case "local":
		e.mu.Lock()
		e.queue.Add(rec.EntityID, store.OpUpdate)
		e.persistQueueLocked()
		if e.enabled && !e.inFlight {
			e.armDebounceLocked()
		}
		e.mu.Unlock()

	default:
		return fmt.Errorf("unknown resolution choice %q (want local or remote)", choice)
	}

	if err := e.conflicts.MarkResolved(ctx, id, choice); err != nil {
		return err
	}

	e.notify()
	return nil
}
