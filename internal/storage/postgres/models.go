package postgres

import (
	"time"

	"github.com/google/uuid"
)

// PluginDataModel maps to the "plugin_data" table. One row per
// (plugin, key) pair; the composite unique index enforces the namespace.
type PluginDataModel struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	PluginID  string `gorm:"not null;uniqueIndex:idx_plugin_key"`
	Key       string `gorm:"not null;uniqueIndex:idx_plugin_key"`
	Value     string `gorm:"not null;type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (PluginDataModel) TableName() string { return "plugin_data" }

// AuditEventModel maps to the "plugin_audit_events" table.
type AuditEventModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	PluginID   string    `gorm:"not null;index"`
	Action     string    `gorm:"not null"`
	Status     string    `gorm:"not null"`
	Error      string    `gorm:"type:text"`
	DurationMS int64     `gorm:"not null;default:0"`
	CreatedAt  time.Time `gorm:"index"`
}

func (AuditEventModel) TableName() string { return "plugin_audit_events" }
