package sqlite

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/beamflow/beamflow/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{Path: ":memory:"}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestOpen_RequiresPath(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := Open(Config{}, logger); err == nil {
		t.Error("Open without path succeeded")
	}
}

func TestDriver(t *testing.T) {
	s := openTestStore(t)
	if got := s.Driver(); got != "sqlite" {
		t.Errorf("Driver = %q", got)
	}
}

func TestPluginData_RoundTrip(t *testing.T) {
	ctx := context.Background()
	data := openTestStore(t).PluginData()

	if _, found, err := data.Get(ctx, "p1", "missing"); err != nil || found {
		t.Fatalf("Get missing = found %v, err %v", found, err)
	}

	if err := data.Set(ctx, "p1", "theme", "dark"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	value, found, err := data.Get(ctx, "p1", "theme")
	if err != nil || !found || value != "dark" {
		t.Fatalf("Get = (%q, %v, %v), want (dark, true, nil)", value, found, err)
	}

	// Upsert replaces the value in place.
	if err := data.Set(ctx, "p1", "theme", "light"); err != nil {
		t.Fatalf("Set upsert: %v", err)
	}
	if value, _, _ := data.Get(ctx, "p1", "theme"); value != "light" {
		t.Errorf("after upsert = %q, want light", value)
	}

	if err := data.Delete(ctx, "p1", "theme"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, found, _ := data.Get(ctx, "p1", "theme"); found {
		t.Error("key still present after Delete")
	}

	// Deleting an absent key is a no-op.
	if err := data.Delete(ctx, "p1", "theme"); err != nil {
		t.Errorf("Delete of absent key: %v", err)
	}
}

func TestPluginData_NamespacedByPlugin(t *testing.T) {
	ctx := context.Background()
	data := openTestStore(t).PluginData()

	if err := data.Set(ctx, "p1", "shared-key", "p1-value"); err != nil {
		t.Fatal(err)
	}
	if err := data.Set(ctx, "p2", "shared-key", "p2-value"); err != nil {
		t.Fatal(err)
	}

	if value, _, _ := data.Get(ctx, "p1", "shared-key"); value != "p1-value" {
		t.Errorf("p1 value = %q", value)
	}
	if value, _, _ := data.Get(ctx, "p2", "shared-key"); value != "p2-value" {
		t.Errorf("p2 value = %q", value)
	}

	entries, err := data.List(ctx, "p1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries["shared-key"] != "p1-value" {
		t.Errorf("List(p1) = %v", entries)
	}
}

func TestAudit_AppendAndRecent(t *testing.T) {
	ctx := context.Background()
	audit := openTestStore(t).Audit()

	base := time.Now().UTC().Truncate(time.Second)
	actions := []struct {
		action string
		status string
	}{
		{"create", "success"},
		{"execute", "rejected"},
		{"execute", "success"},
	}
	for i, a := range actions {
		evt := storage.AuditEvent{
			ID:       uuid.New(),
			PluginID: "p1",
			Action:   a.action,
			Status:   a.status,
			Duration: time.Duration(i) * time.Millisecond,
			At:       base.Add(time.Duration(i) * time.Second),
		}
		if err := audit.Append(ctx, evt); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	// A different plugin's trail must stay invisible.
	other := storage.AuditEvent{ID: uuid.New(), PluginID: "p2", Action: "create", Status: "success", At: base}
	if err := audit.Append(ctx, other); err != nil {
		t.Fatal(err)
	}

	events, err := audit.Recent(ctx, "p1", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Recent returned %d events, want 3", len(events))
	}
	if events[0].Action != "execute" || events[0].Status != "success" {
		t.Errorf("newest event = %+v, want the last appended", events[0])
	}
	if events[2].Action != "create" {
		t.Errorf("oldest event = %+v", events[2])
	}

	// Limit caps the result; zero falls back to the default.
	capped, err := audit.Recent(ctx, "p1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(capped) != 2 {
		t.Errorf("Recent(limit 2) returned %d events", len(capped))
	}
	defaulted, err := audit.Recent(ctx, "p1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(defaulted) != 3 {
		t.Errorf("Recent(limit 0) returned %d events", len(defaulted))
	}
}
