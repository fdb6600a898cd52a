package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/beamflow/beamflow/internal/storage"
)

// PluginDataRepository implements storage.PluginDataStore on GORM.
// Backend-agnostic: both the PostgreSQL and SQLite stores use it.
type PluginDataRepository struct {
	db *gorm.DB
}

// NewPluginDataRepository creates the key-value repository.
func NewPluginDataRepository(db *gorm.DB) *PluginDataRepository {
	return &PluginDataRepository{db: db}
}

// Get fetches one value. The second return is false when the key is absent.
func (r *PluginDataRepository) Get(ctx context.Context, pluginID, key string) (string, bool, error) {
	var row PluginDataModel
	err := r.db.WithContext(ctx).
		Where("plugin_id = ? AND key = ?", pluginID, key).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("fetching plugin data: %w", err)
	}
	return row.Value, true, nil
}

// Set upserts one value.
func (r *PluginDataRepository) Set(ctx context.Context, pluginID, key, value string) error {
	row := PluginDataModel{PluginID: pluginID, Key: key, Value: value}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "plugin_id"}, {Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("storing plugin data: %w", err)
	}
	return nil
}

// Delete removes one key. Deleting an absent key is a no-op.
func (r *PluginDataRepository) Delete(ctx context.Context, pluginID, key string) error {
	err := r.db.WithContext(ctx).
		Where("plugin_id = ? AND key = ?", pluginID, key).
		Delete(&PluginDataModel{}).Error
	if err != nil {
		return fmt.Errorf("deleting plugin data: %w", err)
	}
	return nil
}

// List returns every key-value pair for the plugin.
func (r *PluginDataRepository) List(ctx context.Context, pluginID string) (map[string]string, error) {
	var rows []PluginDataModel
	err := r.db.WithContext(ctx).
		Where("plugin_id = ?", pluginID).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing plugin data: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.Key] = row.Value
	}
	return out, nil
}

// AuditRepository implements storage.AuditStore on GORM.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates the audit repository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append writes one audit event.
func (r *AuditRepository) Append(ctx context.Context, evt storage.AuditEvent) error {
	row := AuditEventModel{
		ID:         evt.ID,
		PluginID:   evt.PluginID,
		Action:     evt.Action,
		Status:     evt.Status,
		Error:      evt.Error,
		DurationMS: evt.Duration.Milliseconds(),
		CreatedAt:  evt.At,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

// Recent returns the newest events for the plugin, newest first.
func (r *AuditRepository) Recent(ctx context.Context, pluginID string, limit int) ([]storage.AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []AuditEventModel
	err := r.db.WithContext(ctx).
		Where("plugin_id = ?", pluginID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing audit events: %w", err)
	}
	out := make([]storage.AuditEvent, len(rows))
	for i, row := range rows {
		out[i] = storage.AuditEvent{
			ID:       row.ID,
			PluginID: row.PluginID,
			Action:   row.Action,
			Status:   row.Status,
			Error:    row.Error,
			Duration: time.Duration(row.DurationMS) * time.Millisecond,
			At:       row.CreatedAt,
		}
	}
	return out, nil
}
