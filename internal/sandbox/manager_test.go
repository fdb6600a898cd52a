package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/beamflow/beamflow/internal/events"
	"github.com/beamflow/beamflow/internal/plugin"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return New(Config{}, nil, nil, testLogger())
}

func mustCreate(t *testing.T, m *Manager, id string, level PermissionLevel) *Sandbox {
	t.Helper()
	sb, err := m.CreateSandbox(id, nil, level)
	if err != nil {
		t.Fatalf("CreateSandbox(%q, %q): %v", id, level, err)
	}
	return sb
}

// --- Creation ---

func TestCreateSandbox_EmptyID(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.CreateSandbox("", nil, LevelBasic); err == nil {
		t.Fatal("expected error for empty plugin id")
	}
}

func TestCreateSandbox_InvalidLevel(t *testing.T) {
	m := newTestManager(t)
	_, err := m.CreateSandbox("p1", nil, PermissionLevel("superuser"))
	if !errors.Is(err, ErrInvalidPermissionLevel) {
		t.Fatalf("error = %v, want ErrInvalidPermissionLevel", err)
	}
}

func TestCreateSandbox_Duplicate(t *testing.T) {
	m := newTestManager(t)
	mustCreate(t, m, "p1", LevelBasic)

	_, err := m.CreateSandbox("p1", nil, LevelBasic)
	if !errors.Is(err, ErrDuplicateSandbox) {
		t.Fatalf("error = %v, want ErrDuplicateSandbox", err)
	}

	// Destroy then recreate is allowed.
	m.DestroySandbox("p1")
	mustCreate(t, m, "p1", LevelAdvanced)
}

func TestCreateSandbox_CapabilityMapping(t *testing.T) {
	tests := []struct {
		level PermissionLevel
		want  []Capability
	}{
		{LevelReadOnly, []Capability{CapRead}},
		{LevelBasic, []Capability{CapRead, CapWrite}},
		{LevelAdvanced, []Capability{CapRead, CapWrite, CapNetwork, CapDatabase}},
		{LevelAdmin, []Capability{CapRead, CapWrite, CapNetwork, CapDatabase, CapSystem}},
	}

	m := newTestManager(t)
	for _, tc := range tests {
		t.Run(string(tc.level), func(t *testing.T) {
			sb := mustCreate(t, m, "plugin-"+string(tc.level), tc.level)
			got := sb.Capabilities()
			if len(got) != len(tc.want) {
				t.Fatalf("capabilities = %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("capabilities[%d] = %q, want %q", i, got[i], tc.want[i])
				}
			}
		})
	}
}

// --- Execution ---

func TestExecute_SimpleExpression(t *testing.T) {
	m := newTestManager(t)
	mustCreate(t, m, "p1", LevelReadOnly)

	result, err := m.Execute(context.Background(), "p1", "1 + 1", ExecuteOptions{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result != int64(2) {
		t.Errorf("result = %v (%T), want 2", result, result)
	}
}

func TestExecute_UnknownSandbox(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Execute(context.Background(), "nope", "1", ExecuteOptions{})
	if !errors.Is(err, ErrSandboxNotFound) {
		t.Fatalf("error = %v, want ErrSandboxNotFound", err)
	}
}

func TestExecute_StatePersistsAcrossExecutions(t *testing.T) {
	m := newTestManager(t)
	mustCreate(t, m, "p1", LevelBasic)

	if _, err := m.Execute(context.Background(), "p1", "var counter = 41;", ExecuteOptions{}); err != nil {
		t.Fatalf("first execution: %v", err)
	}
	result, err := m.Execute(context.Background(), "p1", "counter + 1", ExecuteOptions{})
	if err != nil {
		t.Fatalf("second execution: %v", err)
	}
	if result != int64(42) {
		t.Errorf("result = %v, want 42", result)
	}
}

func TestExecute_RejectedCodeHasNoSideEffects(t *testing.T) {
	m := newTestManager(t)
	mustCreate(t, m, "p1", LevelBasic)

	before := mustUsage(t, m, "p1")

	_, err := m.Execute(context.Background(), "p1", `beamflow.setData('probe', 1); eval('1')`, ExecuteOptions{})
	if !errors.Is(err, ErrCodeRejected) {
		t.Fatalf("error = %v, want ErrCodeRejected", err)
	}
	var violation *ViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("error %v is not a ViolationError", err)
	}
	if violation.Rule != "dynamic-eval" {
		t.Errorf("rule = %q, want dynamic-eval", violation.Rule)
	}

	// Nothing ran: usage unchanged, probe key never written.
	after := mustUsage(t, m, "p1")
	if after != before {
		t.Errorf("usage changed on rejected code: %+v -> %+v", before, after)
	}
	result, err := m.Execute(context.Background(), "p1", `beamflow.getData('probe')`, ExecuteOptions{})
	if err != nil {
		t.Fatalf("probe read: %v", err)
	}
	if result != nil {
		t.Errorf("probe = %v, want nil (setData must not have run)", result)
	}

	// The sandbox stays usable.
	if _, err := m.Execute(context.Background(), "p1", "2 + 2", ExecuteOptions{}); err != nil {
		t.Fatalf("sandbox unusable after rejection: %v", err)
	}
}

func TestExecute_Timeout(t *testing.T) {
	m := newTestManager(t)
	mustCreate(t, m, "p1", LevelBasic)

	start := time.Now()
	_, err := m.Execute(context.Background(), "p1", "while (true) {}", ExecuteOptions{Timeout: 100 * time.Millisecond})
	if !errors.Is(err, ErrExecutionTimeout) {
		t.Fatalf("error = %v, want ErrExecutionTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %s, interrupt did not fire promptly", elapsed)
	}

	// The interrupt is cleared: the sandbox stays usable.
	if _, err := m.Execute(context.Background(), "p1", "1", ExecuteOptions{}); err != nil {
		t.Fatalf("sandbox unusable after timeout: %v", err)
	}
}

func TestExecute_ContextCancellation(t *testing.T) {
	m := newTestManager(t)
	mustCreate(t, m, "p1", LevelBasic)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := m.Execute(ctx, "p1", "while (true) {}", ExecuteOptions{Timeout: time.Minute})
	if !errors.Is(err, ErrExecutionTimeout) {
		t.Fatalf("error = %v, want ErrExecutionTimeout", err)
	}
}

func TestExecute_ScriptError(t *testing.T) {
	m := newTestManager(t)
	mustCreate(t, m, "p1", LevelBasic)

	_, err := m.Execute(context.Background(), "p1", `throw new Error("boom")`, ExecuteOptions{})
	if err == nil {
		t.Fatal("expected error from throwing script")
	}
	if errors.Is(err, ErrCodeRejected) || errors.Is(err, ErrExecutionTimeout) {
		t.Errorf("script error misclassified: %v", err)
	}

	if _, err := m.Execute(context.Background(), "p1", "1", ExecuteOptions{}); err != nil {
		t.Fatalf("sandbox unusable after script error: %v", err)
	}
}

func TestExecute_PostHocExecutionTimeLimit(t *testing.T) {
	m := newTestManager(t)
	mustCreate(t, m, "p1", LevelBasic)

	// A one-nanosecond ceiling that any real execution exceeds. The
	// per-call timeout override keeps the watchdog out of the way so the
	// post-hoc check is what fires.
	tiny := time.Nanosecond
	if err := m.UpdateLimits("p1", LimitsPatch{MaxExecutionTime: &tiny}); err != nil {
		t.Fatalf("UpdateLimits: %v", err)
	}

	_, err := m.Execute(context.Background(), "p1", "1 + 1", ExecuteOptions{Timeout: 5 * time.Second})
	if !errors.Is(err, ErrResourceLimitExceeded) {
		t.Fatalf("error = %v, want ErrResourceLimitExceeded", err)
	}
	var limitErr *LimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("error %v is not a LimitError", err)
	}
	if limitErr.Resource != "executionTime" {
		t.Errorf("resource = %q, want executionTime", limitErr.Resource)
	}
}

func TestExecute_UsageIsMonotonic(t *testing.T) {
	m := newTestManager(t)
	mustCreate(t, m, "p1", LevelBasic)

	var last ResourceUsage
	for i := 0; i < 3; i++ {
		if _, err := m.Execute(context.Background(), "p1", "for (let i = 0; i < 1000; i++) {}", ExecuteOptions{}); err != nil {
			t.Fatalf("execution %d: %v", i, err)
		}
		usage := mustUsage(t, m, "p1")
		if usage.ExecutionTime <= last.ExecutionTime {
			t.Errorf("execution time did not grow: %v -> %v", last.ExecutionTime, usage.ExecutionTime)
		}
		if usage.MemoryMB < last.MemoryMB {
			t.Errorf("memory counter decreased: %v -> %v", last.MemoryMB, usage.MemoryMB)
		}
		last = usage
	}
}

// --- Plugin API ---

func TestPluginAPI_DataRoundTrip(t *testing.T) {
	m := newTestManager(t)
	mustCreate(t, m, "p1", LevelReadOnly)

	if _, err := m.Execute(context.Background(), "p1", `beamflow.setData('greeting', 'hello')`, ExecuteOptions{}); err != nil {
		t.Fatalf("setData: %v", err)
	}
	result, err := m.Execute(context.Background(), "p1", `beamflow.getData('greeting')`, ExecuteOptions{})
	if err != nil {
		t.Fatalf("getData: %v", err)
	}
	if result != "hello" {
		t.Errorf("getData = %v, want hello", result)
	}
}

func TestPluginAPI_DataIsNamespacedPerPlugin(t *testing.T) {
	m := newTestManager(t)
	mustCreate(t, m, "writer", LevelBasic)
	mustCreate(t, m, "reader", LevelBasic)

	if _, err := m.Execute(context.Background(), "writer", `beamflow.setData('secret', 42)`, ExecuteOptions{}); err != nil {
		t.Fatalf("setData: %v", err)
	}
	result, err := m.Execute(context.Background(), "reader", `beamflow.getData('secret')`, ExecuteOptions{})
	if err != nil {
		t.Fatalf("getData: %v", err)
	}
	if result != nil {
		t.Errorf("cross-plugin read returned %v, want nil", result)
	}
}

func TestPluginAPI_GetConfig(t *testing.T) {
	m := newTestManager(t)
	manifest := &plugin.Manifest{
		Name:     "cfg-plugin",
		Settings: map[string]any{"retries": 7},
	}
	if _, err := m.CreateSandbox("p1", manifest, LevelReadOnly); err != nil {
		t.Fatalf("CreateSandbox: %v", err)
	}

	result, err := m.Execute(context.Background(), "p1", `beamflow.getConfig().retries`, ExecuteOptions{})
	if err != nil {
		t.Fatalf("getConfig: %v", err)
	}
	if result != int64(7) {
		t.Errorf("retries = %v, want 7", result)
	}

	// Mutating the returned object must not leak into the manifest.
	if _, err := m.Execute(context.Background(), "p1", `beamflow.getConfig().retries = 99`, ExecuteOptions{}); err != nil {
		t.Fatalf("mutation: %v", err)
	}
	if got := manifest.Settings["retries"]; got != 7 {
		t.Errorf("manifest mutated through getConfig: %v", got)
	}
}

func TestPluginAPI_Emit(t *testing.T) {
	bus := events.NewBus(testLogger())
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	m := New(Config{}, nil, bus, testLogger())
	mustCreate(t, m, "p1", LevelReadOnly)

	if _, err := m.Execute(context.Background(), "p1", `beamflow.emit('tick', {n: 1})`, ExecuteOptions{}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	select {
	case evt := <-ch:
		if evt.PluginID != "p1" {
			t.Errorf("plugin id = %q, want p1", evt.PluginID)
		}
		if evt.Name != "tick" {
			t.Errorf("event name = %q, want tick", evt.Name)
		}
	default:
		t.Fatal("no event published")
	}
}

func TestPluginAPI_GetResourceUsage(t *testing.T) {
	m := newTestManager(t)
	mustCreate(t, m, "p1", LevelReadOnly)

	result, err := m.Execute(context.Background(), "p1", `beamflow.getResourceUsage().networkRequests`, ExecuteOptions{})
	if err != nil {
		t.Fatalf("getResourceUsage: %v", err)
	}
	if result != int64(0) {
		t.Errorf("networkRequests = %v, want 0", result)
	}
}

func TestPluginAPI_SystemGating(t *testing.T) {
	m := newTestManager(t)
	mustCreate(t, m, "basic", LevelBasic)
	mustCreate(t, m, "admin", LevelAdmin)

	result, err := m.Execute(context.Background(), "basic", `typeof beamflow.system`, ExecuteOptions{})
	if err != nil {
		t.Fatalf("basic typeof: %v", err)
	}
	if result != "undefined" {
		t.Errorf("basic beamflow.system = %v, want undefined", result)
	}

	result, err = m.Execute(context.Background(), "admin", `beamflow.system.getSystemInfo().numCPU`, ExecuteOptions{})
	if err != nil {
		t.Fatalf("admin getSystemInfo: %v", err)
	}
	if n, ok := result.(int64); !ok || n < 1 {
		t.Errorf("numCPU = %v, want >= 1", result)
	}
}

// --- Capability collaborators ---

type stubHTTPClient struct {
	calls int
}

func (s *stubHTTPClient) Do(_ context.Context, _, _, _ string, _ []byte) (int, []byte, error) {
	s.calls++
	return 200, []byte(`{"ok":true}`), nil
}

func TestHTTP_NetworkQuotaIsPreventive(t *testing.T) {
	httpStub := &stubHTTPClient{}
	m := newTestManager(t)
	m.WithHTTPClient(httpStub)
	mustCreate(t, m, "p1", LevelAdvanced)

	two := 2
	if err := m.UpdateLimits("p1", LimitsPatch{MaxNetworkRequests: &two}); err != nil {
		t.Fatalf("UpdateLimits: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := m.Execute(context.Background(), "p1", `beamflow.http.get('https://example.com/')`, ExecuteOptions{}); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}

	_, err := m.Execute(context.Background(), "p1", `beamflow.http.get('https://example.com/')`, ExecuteOptions{})
	if !errors.Is(err, ErrResourceLimitExceeded) {
		t.Fatalf("third request error = %v, want ErrResourceLimitExceeded", err)
	}

	// The transport never saw the rejected call, but the attempt counted.
	if httpStub.calls != 2 {
		t.Errorf("transport calls = %d, want 2", httpStub.calls)
	}
	if usage := mustUsage(t, m, "p1"); usage.NetworkRequests != 3 {
		t.Errorf("networkRequests = %d, want 3 (attempts count)", usage.NetworkRequests)
	}
}

func TestHTTP_DeniedWithoutNetworkCapability(t *testing.T) {
	m := newTestManager(t)
	m.WithHTTPClient(&stubHTTPClient{})
	mustCreate(t, m, "p1", LevelBasic)

	_, err := m.Execute(context.Background(), "p1", `beamflow.http.get('https://example.com/')`, ExecuteOptions{})
	if !errors.Is(err, ErrCodeRejected) {
		t.Fatalf("error = %v, want ErrCodeRejected (network pattern without capability)", err)
	}
	var violation *ViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("error %v is not a ViolationError", err)
	}
	if violation.Rule != "network-access" {
		t.Errorf("rule = %q, want network-access", violation.Rule)
	}
}

type stubDatabaseClient struct {
	lastQuery string
}

func (s *stubDatabaseClient) Query(_ context.Context, _, query string, _ []any) (any, error) {
	s.lastQuery = query
	return []map[string]any{{"id": int64(1)}}, nil
}

func TestDatabase_QueryThroughCollaborator(t *testing.T) {
	dbStub := &stubDatabaseClient{}
	m := newTestManager(t)
	m.WithDatabaseClient(dbStub)
	mustCreate(t, m, "p1", LevelAdvanced)

	result, err := m.Execute(context.Background(), "p1", `beamflow.database.query('SELECT id FROM items')[0].id`, ExecuteOptions{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if result != int64(1) {
		t.Errorf("result = %v, want 1", result)
	}
	if dbStub.lastQuery != "SELECT id FROM items" {
		t.Errorf("collaborator saw query %q", dbStub.lastQuery)
	}
	if usage := mustUsage(t, m, "p1"); usage.DatabaseQueries != 1 {
		t.Errorf("databaseQueries = %d, want 1", usage.DatabaseQueries)
	}
}

func TestDatabase_NoCollaboratorAttached(t *testing.T) {
	m := newTestManager(t)
	mustCreate(t, m, "p1", LevelAdvanced)

	_, err := m.Execute(context.Background(), "p1", `beamflow.database.query('SELECT 1')`, ExecuteOptions{})
	if !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("error = %v, want ErrNotImplemented", err)
	}
	// The attempt still counted.
	if usage := mustUsage(t, m, "p1"); usage.DatabaseQueries != 1 {
		t.Errorf("databaseQueries = %d, want 1", usage.DatabaseQueries)
	}
}

// --- File loading ---

type stubFileReader struct {
	files map[string][]byte
	reads int
}

func (s *stubFileReader) ReadFile(path string) ([]byte, error) {
	s.reads++
	data, ok := s.files[path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	return data, nil
}

func TestLoadPluginFile(t *testing.T) {
	m := newTestManager(t)
	m.WithFileReader(&stubFileReader{files: map[string][]byte{
		"good/main.js": []byte("6 * 7"),
	}})
	mustCreate(t, m, "p1", LevelBasic)

	result, err := m.LoadPluginFile(context.Background(), "p1", "good/main.js")
	if err != nil {
		t.Fatalf("LoadPluginFile: %v", err)
	}
	if result != int64(42) {
		t.Errorf("result = %v, want 42", result)
	}

	_, err = m.LoadPluginFile(context.Background(), "p1", "missing/main.js")
	if !errors.Is(err, ErrFileRead) {
		t.Fatalf("error = %v, want ErrFileRead", err)
	}
}

func TestLoadPluginFile_NoReaderAttached(t *testing.T) {
	m := newTestManager(t)
	mustCreate(t, m, "p1", LevelBasic)

	_, err := m.LoadPluginFile(context.Background(), "p1", "main.js")
	if !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("error = %v, want ErrNotImplemented", err)
	}
}

func TestLoadPluginFile_FileQuotaIsPreventive(t *testing.T) {
	reader := &stubFileReader{files: map[string][]byte{"main.js": []byte("1")}}
	m := newTestManager(t)
	m.WithFileReader(reader)
	mustCreate(t, m, "p1", LevelBasic)

	two := 2
	if err := m.UpdateLimits("p1", LimitsPatch{MaxFileOperations: &two}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if _, err := m.LoadPluginFile(context.Background(), "p1", "main.js"); err != nil {
			t.Fatalf("load %d: %v", i+1, err)
		}
	}

	_, err := m.LoadPluginFile(context.Background(), "p1", "main.js")
	if !errors.Is(err, ErrResourceLimitExceeded) {
		t.Fatalf("3rd load = %v, want ErrResourceLimitExceeded", err)
	}
	var limitErr *LimitError
	if !errors.As(err, &limitErr) || limitErr.Resource != "fileOperations" {
		t.Fatalf("error = %v, want fileOperations LimitError", err)
	}

	// The rejected load never reached the file reader, but its attempt counts.
	if reader.reads != 2 {
		t.Errorf("reader consulted %d times, want 2", reader.reads)
	}
	if usage := mustUsage(t, m, "p1"); usage.FileOperations != 3 {
		t.Errorf("FileOperations = %d, want 3", usage.FileOperations)
	}
}

// --- Lifecycle and limits ---

func TestDestroySandbox(t *testing.T) {
	m := newTestManager(t)
	mustCreate(t, m, "p1", LevelBasic)

	m.DestroySandbox("p1")

	if _, err := m.Info("p1"); !errors.Is(err, ErrSandboxNotFound) {
		t.Fatalf("Info after destroy = %v, want ErrSandboxNotFound", err)
	}
	if _, err := m.Execute(context.Background(), "p1", "1", ExecuteOptions{}); !errors.Is(err, ErrSandboxNotFound) {
		t.Fatalf("Execute after destroy = %v, want ErrSandboxNotFound", err)
	}

	// Idempotent.
	m.DestroySandbox("p1")
	m.DestroySandbox("never-existed")
}

func TestDestroySandbox_DuringExecution(t *testing.T) {
	m := newTestManager(t)
	mustCreate(t, m, "p1", LevelBasic)

	errs := make(chan error, 1)
	go func() {
		_, err := m.Execute(context.Background(), "p1", `while (true) {}`, ExecuteOptions{Timeout: 500 * time.Millisecond})
		errs <- err
	}()

	time.Sleep(100 * time.Millisecond)
	m.DestroySandbox("p1")

	// The in-flight execution finishes on its own runtime: interrupted at
	// its deadline, never crashing on the torn-down sandbox.
	if err := <-errs; !errors.Is(err, ErrExecutionTimeout) {
		t.Fatalf("in-flight execution = %v, want ErrExecutionTimeout", err)
	}
	if _, err := m.Info("p1"); !errors.Is(err, ErrSandboxNotFound) {
		t.Errorf("Info after destroy = %v, want ErrSandboxNotFound", err)
	}
}

func TestExecute_NoStaleInterruptBetweenRuns(t *testing.T) {
	m := newTestManager(t)
	mustCreate(t, m, "p1", LevelBasic)

	// Scripts whose duration straddles the deadline make the watchdog fire
	// close to completion; the following trivial expression must never see
	// a leftover interrupt.
	for i := 0; i < 50; i++ {
		_, _ = m.Execute(context.Background(), "p1", `for (let i = 0; i < 100000; i++) {}`, ExecuteOptions{Timeout: time.Millisecond})

		result, err := m.Execute(context.Background(), "p1", `1 + 1`, ExecuteOptions{Timeout: time.Second})
		if err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
		if result != int64(2) {
			t.Fatalf("iteration %d: result = %v, want 2", i, result)
		}
	}
}

func TestDestroySandbox_ResetsUsage(t *testing.T) {
	m := newTestManager(t)
	mustCreate(t, m, "p1", LevelBasic)

	if _, err := m.Execute(context.Background(), "p1", "1 + 1", ExecuteOptions{}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if usage := mustUsage(t, m, "p1"); usage.ExecutionTime == 0 {
		t.Fatal("expected non-zero usage before destroy")
	}

	m.DestroySandbox("p1")
	mustCreate(t, m, "p1", LevelBasic)

	if usage := mustUsage(t, m, "p1"); usage != (ResourceUsage{}) {
		t.Errorf("usage after recreate = %+v, want zero", usage)
	}
}

func TestUpdateGlobalLimits_NotRetroactive(t *testing.T) {
	m := newTestManager(t)
	existing := mustCreate(t, m, "existing", LevelBasic)

	mem := 64.0
	updated := m.UpdateGlobalLimits(LimitsPatch{MaxMemoryMB: &mem})
	if updated.MaxMemoryMB != 64 {
		t.Fatalf("global MaxMemoryMB = %v, want 64", updated.MaxMemoryMB)
	}
	// The patch merges: untouched fields keep their defaults.
	if updated.MaxExecutionTime != DefaultLimits().MaxExecutionTime {
		t.Errorf("MaxExecutionTime changed by unrelated patch: %v", updated.MaxExecutionTime)
	}

	if got := existing.Limits().MaxMemoryMB; got != DefaultLimits().MaxMemoryMB {
		t.Errorf("existing sandbox limits mutated: MaxMemoryMB = %v", got)
	}

	fresh := mustCreate(t, m, "fresh", LevelBasic)
	if got := fresh.Limits().MaxMemoryMB; got != 64 {
		t.Errorf("new sandbox MaxMemoryMB = %v, want 64", got)
	}
}

func TestInfoAndAllInfo(t *testing.T) {
	m := newTestManager(t)
	mustCreate(t, m, "p1", LevelReadOnly)
	mustCreate(t, m, "p2", LevelAdmin)

	info, err := m.Info("p1")
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.PluginID != "p1" || info.Level != LevelReadOnly || !info.Active {
		t.Errorf("unexpected info: %+v", info)
	}

	all := m.AllInfo()
	if len(all) != 2 {
		t.Errorf("AllInfo returned %d entries, want 2", len(all))
	}
}

func mustUsage(t *testing.T, m *Manager, pluginID string) ResourceUsage {
	t.Helper()
	info, err := m.Info(pluginID)
	if err != nil {
		t.Fatalf("Info(%q): %v", pluginID, err)
	}
	return info.Usage
}
