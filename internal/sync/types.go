package sync

import (
	"time"
)

// State is the engine lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateDisabled
	StateIdle
	StateSyncing
	StateErrorBackoff
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateDisabled:
		return "disabled"
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StateErrorBackoff:
		return "error-backoff"
	default:
		return "unknown"
	}
}

// Status is the observable engine state pushed to listeners. It is a value
// snapshot: listeners never see engine internals.
type Status struct {
	State        State      `json:"state"`
	Enabled      bool       `json:"enabled"`
	IsRunning    bool       `json:"is_running"`
	QueueSize    int        `json:"queue_size"`
	LastSyncTime *time.Time `json:"last_sync_time,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// ItemError is one per-entity failure from a sync run.
type ItemError struct {
	EntityID string `json:"entity_id"`
	Reason   string `json:"reason"`
}

// Result summarizes one executor run. A run with item errors is a partial
// success, not a failure: completed items are acknowledged and only the
// failed ones stay queued.
type Result struct {
	Pushed    int         `json:"pushed"`
	Pulled    int         `json:"pulled"`
	Conflicts int         `json:"conflicts"`
	Errors    []ItemError `json:"errors,omitempty"`

	// Acked lists entity ids whose queue entries may be removed.
	Acked []string `json:"-"`
}
