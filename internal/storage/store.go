// Package storage defines the persistence interface for plugin-scoped data
// and the execution audit trail. Two backends are provided: SQLite
// (default, zero-config) and PostgreSQL (production/multi-tenant).
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the unified persistence interface for the plugin runtime.
// Both backends implement it; all GORM usage stays inside the backend
// packages; domain types remain ORM-free.
type Store interface {
	// PluginData returns the namespaced key-value store backing the
	// plugin API's getData/setData.
	PluginData() PluginDataStore

	// Audit returns the append-only execution audit trail.
	Audit() AuditStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// PluginDataStore persists plugin key-value data. Keys are namespaced by
// plugin id: one plugin can never read or clobber another's entries. The
// Get/Set pair satisfies the sandbox manager's DataStore collaborator.
type PluginDataStore interface {
	Get(ctx context.Context, pluginID, key string) (string, bool, error)
	Set(ctx context.Context, pluginID, key, value string) error
	Delete(ctx context.Context, pluginID, key string) error
	List(ctx context.Context, pluginID string) (map[string]string, error)
}

// AuditEvent is one entry in the append-only execution audit trail.
type AuditEvent struct {
	ID       uuid.UUID     `json:"id"`
	PluginID string        `json:"plugin_id"`
	Action   string        `json:"action"` // "create", "execute", "load_file", "destroy"
	Status   string        `json:"status"` // "success", "rejected", "timeout", "limit_exceeded", "error"
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	At       time.Time     `json:"at"`
}

// AuditStore records sandbox lifecycle and execution outcomes.
type AuditStore interface {
	Append(ctx context.Context, evt AuditEvent) error
	Recent(ctx context.Context, pluginID string, limit int) ([]AuditEvent, error)
}
