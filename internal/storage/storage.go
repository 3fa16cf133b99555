// Package storage provides the persisted key-value store the local
// repository is built on. The rest of the system treats it as an opaque
// durable map, namespaced by caller-chosen key prefixes.
package storage

import (
	"context"
	"fmt"
)

// KV is one key/value pair returned by List.
type KV struct {
	Key   string
	Value []byte
}

// Store is a durable string-keyed byte map.
//
// List returns entries whose key starts with prefix, in insertion order.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]KV, error)
	Close() error
}

// Backend kinds recognized by Open. The browser-era durable kinds all map
// to the SQLite backend; "memory" is non-durable and intended for tests.
const (
	KindMemory            = "memory"
	KindSQLite            = "sqlite"
	KindChromeStorage     = "chrome-storage"
	KindChromeStorageSync = "chrome-storage-sync"
	KindIndexedDB         = "indexeddb"
)

// Open creates a store for the given backend kind. path is only used by
// durable backends.
func Open(kind, path string) (Store, error) {
	switch kind {
	case KindMemory:
		return NewMemoryStore(), nil
	case KindSQLite, KindChromeStorage, KindChromeStorageSync, KindIndexedDB:
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", kind)
	}
}
