package store

import (
	"time"
)

// Entity is the unit of synchronization. The payload is intentionally an
// open map so the sync layer stays collection-agnostic; structural
// validation belongs to callers.
type Entity struct {
	ID        string         `json:"id"`
	RemoteID  string         `json:"remote_id,omitempty"`
	Table     string         `json:"table"`
	OwnerID   string         `json:"owner_id,omitempty"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	IsDeleted bool           `json:"is_deleted"`
}

// Clone returns a copy with its own payload map. Payload values themselves
// are shared; callers treat payloads as immutable once handed to the
// repository.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	if e.Payload != nil {
		c.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			c.Payload[k] = v
		}
	}
	return &c
}

// Op is the kind of local mutation reported to change observers.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Change describes one successful local mutation.
type Change struct {
	EntityID string
	Table    string
	Op       Op
}

// Criteria filters Query results. The zero value matches all live
// (non-deleted) entities in insertion order.
type Criteria struct {
	// IncludeDeleted also returns tombstoned entities.
	IncludeDeleted bool
	// OwnerID, when non-empty, matches only entities owned by that user.
	OwnerID string
	// ModifiedSince, when non-zero, matches entities with UpdatedAt strictly
	// after the given time.
	ModifiedSince time.Time
	// Filter matches payload fields by equality.
	Filter map[string]any
	// Limit caps the number of results; zero means no limit.
	Limit int
}
