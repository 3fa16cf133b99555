// Package config resolves and validates the sync configuration.
//
// A Configuration is an immutable snapshot produced once at engine
// construction by layering explicit overrides over a named preset over the
// global default. Changing configuration requires rebuilding the engine;
// there is no live mutation, which keeps a sync in flight from racing a
// config change.
package config

import (
	"fmt"
	"time"
)

// Recognized option domains.
var (
	storageKinds = map[string]bool{
		"chrome-storage":      true,
		"chrome-storage-sync": true,
		"indexeddb":           true,
		"memory":              true,
		"sqlite":              true,
	}
	remoteKinds = map[string]bool{
		"supabase": true,
		"firebase": true,
		"custom":   true,
	}
	conflictPolicies = map[string]bool{
		"last-write-wins": true,
		"merge":           true,
		"manual":          true,
	}
)

// Configuration is the resolved, validated sync parameter set.
type Configuration struct {
	TableName        string
	StorageKeyPrefix string
	OwnerID          string

	PrimaryStorage string
	StoragePath    string
	RemoteStorage  string
	RemoteEndpoint string
	RemoteAPIKey   string

	BatchSize          int
	AutoSyncEnabled    bool
	DebounceDelay      time.Duration
	ConflictResolution string
	MaxRetries         int
	RetryDelay         time.Duration
	SyncTimeout        time.Duration

	// SyncSchedule is an optional cron expression for periodic full syncs
	// in addition to the debounce-driven path. Empty disables the scheduler.
	SyncSchedule string
}

// ConfigError reports an option whose value is out of domain.
type ConfigError struct {
	Option string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config option %s: %s", e.Option, e.Reason)
}

func defaultConfiguration() Configuration {
	return Configuration{
		PrimaryStorage:     "sqlite",
		StoragePath:        "syncd.db",
		RemoteStorage:      "custom",
		BatchSize:          50,
		AutoSyncEnabled:    true,
		DebounceDelay:      500 * time.Millisecond,
		ConflictResolution: "last-write-wins",
		MaxRetries:         3,
		RetryDelay:         time.Second,
		SyncTimeout:        30 * time.Second,
	}
}

// presets are named partial configurations applied over the default.
var presets = map[string]map[string]any{
	"chrome-extension": {
		"primaryStorage":  "chrome-storage",
		"remoteStorage":   "supabase",
		"batchSize":       20,
		"debounceDelay":   1000,
		"autoSyncEnabled": true,
	},
	"web-app": {
		"primaryStorage": "indexeddb",
		"remoteStorage":  "custom",
		"batchSize":      100,
		"debounceDelay":  300,
	},
	"testing": {
		"primaryStorage":  "memory",
		"remoteStorage":   "custom",
		"batchSize":       5,
		"debounceDelay":   10,
		"retryDelay":      10,
		"syncTimeout":     1000,
		"autoSyncEnabled": false,
	},
}

// Resolve builds a Configuration for the given table.
//
// Precedence: explicit overrides > named preset (overrides["preset"]) >
// global default. Resolve is a pure function of its inputs; it holds no
// hidden state. Fails with *ConfigError on any out-of-domain value.
func Resolve(tableName, storageKeyPrefix string, overrides map[string]any) (*Configuration, error) {
	if tableName == "" {
		return nil, &ConfigError{Option: "tableName", Reason: "required"}
	}
	if storageKeyPrefix == "" {
		storageKeyPrefix = "sync:" + tableName
	}

	cfg := defaultConfiguration()
	cfg.TableName = tableName
	cfg.StorageKeyPrefix = storageKeyPrefix

	if name, ok := overrides["preset"]; ok {
		preset, found := presets[fmt.Sprintf("%v", name)]
		if !found {
			return nil, &ConfigError{Option: "preset", Reason: fmt.Sprintf("unknown preset %v", name)}
		}
		if err := apply(&cfg, preset); err != nil {
			return nil, err
		}
	}

	if err := apply(&cfg, overrides); err != nil {
		return nil, err
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func apply(cfg *Configuration, opts map[string]any) error {
	for key, val := range opts {
		switch key {
		case "preset":
			// handled by Resolve
		case "ownerId":
			s, err := asString(key, val)
			if err != nil {
				return err
			}
			cfg.OwnerID = s
		case "primaryStorage":
			s, err := asString(key, val)
			if err != nil {
				return err
			}
			cfg.PrimaryStorage = s
		case "storagePath":
			s, err := asString(key, val)
			if err != nil {
				return err
			}
			cfg.StoragePath = s
		case "remoteStorage":
			s, err := asString(key, val)
			if err != nil {
				return err
			}
			cfg.RemoteStorage = s
		case "remoteEndpoint":
			s, err := asString(key, val)
			if err != nil {
				return err
			}
			cfg.RemoteEndpoint = s
		case "remoteApiKey":
			s, err := asString(key, val)
			if err != nil {
				return err
			}
			cfg.RemoteAPIKey = s
		case "conflictResolution":
			s, err := asString(key, val)
			if err != nil {
				return err
			}
			cfg.ConflictResolution = s
		case "syncSchedule":
			s, err := asString(key, val)
			if err != nil {
				return err
			}
			cfg.SyncSchedule = s
		case "batchSize":
			n, err := asInt(key, val)
			if err != nil {
				return err
			}
			cfg.BatchSize = n
		case "maxRetries":
			n, err := asInt(key, val)
			if err != nil {
				return err
			}
			cfg.MaxRetries = n
		case "autoSyncEnabled":
			b, ok := val.(bool)
			if !ok {
				return &ConfigError{Option: key, Reason: fmt.Sprintf("expected bool, got %T", val)}
			}
			cfg.AutoSyncEnabled = b
		case "debounceDelay":
			d, err := asDuration(key, val)
			if err != nil {
				return err
			}
			cfg.DebounceDelay = d
		case "retryDelay":
			d, err := asDuration(key, val)
			if err != nil {
				return err
			}
			cfg.RetryDelay = d
		case "syncTimeout":
			d, err := asDuration(key, val)
			if err != nil {
				return err
			}
			cfg.SyncTimeout = d
		default:
			return &ConfigError{Option: key, Reason: "unknown option"}
		}
	}
	return nil
}

func validate(cfg *Configuration) error {
	if !storageKinds[cfg.PrimaryStorage] {
		return &ConfigError{Option: "primaryStorage", Reason: fmt.Sprintf("unknown backend %q", cfg.PrimaryStorage)}
	}
	if !remoteKinds[cfg.RemoteStorage] {
		return &ConfigError{Option: "remoteStorage", Reason: fmt.Sprintf("unknown backend %q", cfg.RemoteStorage)}
	}
	if !conflictPolicies[cfg.ConflictResolution] {
		return &ConfigError{Option: "conflictResolution", Reason: fmt.Sprintf("unknown policy %q", cfg.ConflictResolution)}
	}
	if cfg.BatchSize <= 0 {
		return &ConfigError{Option: "batchSize", Reason: "must be > 0"}
	}
	if cfg.MaxRetries < 0 {
		return &ConfigError{Option: "maxRetries", Reason: "must be >= 0"}
	}
	if cfg.DebounceDelay < 0 {
		return &ConfigError{Option: "debounceDelay", Reason: "must be >= 0"}
	}
	if cfg.RetryDelay < 0 {
		return &ConfigError{Option: "retryDelay", Reason: "must be >= 0"}
	}
	if cfg.SyncTimeout <= 0 {
		return &ConfigError{Option: "syncTimeout", Reason: "must be > 0"}
	}
	return nil
}

func asString(key string, val any) (string, error) {
	s, ok := val.(string)
	if !ok {
		return "", &ConfigError{Option: key, Reason: fmt.Sprintf("expected string, got %T", val)}
	}
	return s, nil
}

func asInt(key string, val any) (int, error) {
	switch v := val.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, &ConfigError{Option: key, Reason: fmt.Sprintf("expected int, got %T", val)}
	}
}

// asDuration accepts either a millisecond count or a duration string.
func asDuration(key string, val any) (time.Duration, error) {
	switch v := val.(type) {
	case time.Duration:
		return v, nil
	case int:
		return time.Duration(v) * time.Millisecond, nil
	case int64:
		return time.Duration(v) * time.Millisecond, nil
	case float64:
		return time.Duration(v) * time.Millisecond, nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, &ConfigError{Option: key, Reason: fmt.Sprintf("invalid duration %q", v)}
		}
		return d, nil
	default:
		return 0, &ConfigError{Option: key, Reason: fmt.Sprintf("expected duration, got %T", val)}
	}
}
