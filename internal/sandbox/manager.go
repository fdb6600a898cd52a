package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/beamflow/beamflow/internal/events"
	"github.com/beamflow/beamflow/internal/plugin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// fileLoadTimeout caps executions started through LoadPluginFile.
	// Deliberately shorter than the default execution ceiling: file-loaded
	// entry points are expected to register handlers and return quickly.
	fileLoadTimeout = 5 * time.Second
)

// FileReader reads plugin files on behalf of LoadPluginFile. File I/O is a
// collaborator concern; the manager never touches the disk itself.
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

// Config configures the sandbox manager.
type Config struct {
	// GlobalLimits default the per-sandbox resource ceilings. Zero-value
	// fields fall back to DefaultLimits.
	GlobalLimits ResourceLimits
}

// Manager creates, tracks, and destroys plugin sandboxes. It is an explicit
// instance; construct one per host application (or per test) and pass it to
// every collaborator that needs it.
type Manager struct {
	mu           sync.RWMutex
	sandboxes    map[string]*Sandbox
	globalLimits ResourceLimits

	store      DataStore
	bus        EventSink
	files      FileReader
	httpClient HTTPClient
	dbClient   DatabaseClient
	metrics    *Metrics
	tracer     trace.Tracer
	logger     *slog.Logger

	processStart time.Time
}

// Sandbox is one isolated execution context plus its metadata. The runtime
// is exclusively owned: it is built at creation and discarded at destroy,
// and is never reachable through Info snapshots.
type Sandbox struct {
	id       string
	manifest *plugin.Manifest
	level    PermissionLevel
	caps     CapabilitySet
	runtime  *goja.Runtime

	// execMu serializes executions: two concurrent Execute calls for the
	// same plugin run one after the other, never interleaved on the shared
	// runtime and counters.
	execMu sync.Mutex

	// mu guards usage, limits, and active.
	mu        sync.Mutex
	usage     ResourceUsage
	limits    ResourceLimits
	active    bool
	startTime time.Time
}

// Info is a read-only snapshot of a sandbox for observability. It carries
// copies only; mutating an Info never affects the live sandbox.
type Info struct {
	PluginID     string          `json:"plugin_id"`
	Level        PermissionLevel `json:"permission_level"`
	Capabilities []Capability    `json:"capabilities"`
	Usage        ResourceUsage   `json:"resource_usage"`
	Limits       ResourceLimits  `json:"limits"`
	Active       bool            `json:"active"`
	Uptime       time.Duration   `json:"uptime"`
}

// ExecuteOptions tunes a single execution.
type ExecuteOptions struct {
	// Timeout overrides the sandbox's configured max execution time.
	// Zero = use the sandbox limit.
	Timeout time.Duration
}

// New creates a sandbox manager. The store and bus collaborators default to
// in-process implementations when nil, so a bare New(Config{}, nil, nil,
// logger) is fully functional for hosts without persistence.
func New(cfg Config, store DataStore, bus EventSink, logger *slog.Logger) *Manager {
	limits := cfg.GlobalLimits
	defaults := DefaultLimits()
	if limits.MaxMemoryMB <= 0 {
		limits.MaxMemoryMB = defaults.MaxMemoryMB
	}
	if limits.MaxExecutionTime <= 0 {
		limits.MaxExecutionTime = defaults.MaxExecutionTime
	}
	if limits.MaxFileOperations <= 0 {
		limits.MaxFileOperations = defaults.MaxFileOperations
	}
	if limits.MaxNetworkRequests <= 0 {
		limits.MaxNetworkRequests = defaults.MaxNetworkRequests
	}
	if limits.MaxDatabaseQueries <= 0 {
		limits.MaxDatabaseQueries = defaults.MaxDatabaseQueries
	}

	if store == nil {
		store = newMemoryStore()
	}
	if bus == nil {
		bus = events.NewBus(logger)
	}

	return &Manager{
		sandboxes:    make(map[string]*Sandbox),
		globalLimits: limits,
		store:        store,
		bus:          bus,
		tracer:       trace.NewNoopTracerProvider().Tracer(""),
		logger:       logger,
		processStart: time.Now(),
	}
}

// WithFileReader attaches the file-reading collaborator used by LoadPluginFile.
func (m *Manager) WithFileReader(fr FileReader) *Manager {
	m.files = fr
	return m
}

// WithHTTPClient attaches the outbound transport for network-capable plugins.
func (m *Manager) WithHTTPClient(c HTTPClient) *Manager {
	m.httpClient = c
	return m
}

// WithDatabaseClient attaches the data-access collaborator for
// database-capable plugins.
func (m *Manager) WithDatabaseClient(c DatabaseClient) *Manager {
	m.dbClient = c
	return m
}

// WithMetrics attaches Prometheus metrics.
func (m *Manager) WithMetrics(metrics *Metrics) *Manager {
	m.metrics = metrics
	return m
}

// WithTracer attaches an OTel tracer for execution spans.
func (m *Manager) WithTracer(tracer trace.Tracer) *Manager {
	if tracer != nil {
		m.tracer = tracer
	}
	return m
}

// CreateSandbox builds an isolated execution context for the plugin and
// registers it. A second CreateSandbox for the same plugin id is rejected
// with ErrDuplicateSandbox; destroy first, then recreate.
func (m *Manager) CreateSandbox(pluginID string, manifest *plugin.Manifest, level PermissionLevel) (*Sandbox, error) {
	if pluginID == "" {
		return nil, fmt.Errorf("plugin id must not be empty")
	}
	caps, err := level.Capabilities()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sandboxes[pluginID]; exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateSandbox, pluginID)
	}

	sb := &Sandbox{
		id:        pluginID,
		manifest:  manifest,
		level:     level,
		caps:      caps,
		limits:    m.globalLimits,
		active:    true,
		startTime: time.Now(),
	}
	api := &pluginAPI{sb: sb, m: m, logger: m.logger, processStart: m.processStart}
	rt, err := newRuntime(pluginID, api, m.logger)
	if err != nil {
		return nil, fmt.Errorf("building execution context for %q: %w", pluginID, err)
	}
	sb.runtime = rt

	m.sandboxes[pluginID] = sb
	m.metrics.observeCreated(string(level))

	m.logger.Info("sandbox created",
		slog.String("plugin_id", pluginID),
		slog.String("permission_level", string(level)),
		slog.Any("capabilities", caps.List()),
	)
	return sb, nil
}

// Execute runs plugin source inside the sandbox's isolated runtime.
//
// Order of enforcement:
//  1. Static validation: ErrCodeRejected, the script never starts.
//  2. Hard wall-clock timeout via runtime interrupt: ErrExecutionTimeout.
//     The interrupt fires between VM instructions, so a blocked host call
//     is not preempted mid-flight; effects of a timed-out script are
//     undefined.
//  3. Post-hoc quota re-check after time and memory counters are updated:
//     ErrResourceLimitExceeded even though the code already ran. Count-based
//     quotas (network, database) are additionally enforced preventively at
//     each capability call.
//
// Executions for one sandbox are serialized; the registry stays consistent
// across failures and the sandbox remains usable after any error.
func (m *Manager) Execute(ctx context.Context, pluginID, source string, opts ExecuteOptions) (any, error) {
	sb, err := m.lookup(pluginID)
	if err != nil {
		return nil, err
	}

	ctx, span := m.tracer.Start(ctx, "sandbox.execute",
		trace.WithAttributes(
			attribute.String("plugin.id", pluginID),
			attribute.Int("source.bytes", len(source)),
		),
	)
	defer span.End()

	if err := Validate(source, sb.caps); err != nil {
		m.metrics.observeRejection(err)
		m.metrics.observeExecution("rejected", 0)
		m.logger.Warn("plugin code rejected",
			slog.String("plugin_id", pluginID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	prog, err := goja.Compile("plugin:"+pluginID, source, false)
	if err != nil {
		m.metrics.observeExecution("compile_error", 0)
		return nil, fmt.Errorf("compiling plugin source: %w", err)
	}

	sb.execMu.Lock()
	defer sb.execMu.Unlock()

	// Local runtime reference: a concurrent DestroySandbox only unregisters
	// the sandbox, so an in-flight execution finishes on its own runtime.
	sb.mu.Lock()
	rt := sb.runtime
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = sb.limits.MaxExecutionTime
	}
	sb.mu.Unlock()

	// Watchdog: interrupt the runtime when the deadline passes or the
	// caller's context is cancelled, whichever comes first.
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-ctx.Done():
			rt.Interrupt(ctx.Err())
		case <-timer.C:
			rt.Interrupt(ErrExecutionTimeout)
		}
	}()

	var before runtime.MemStats
	runtime.ReadMemStats(&before)
	start := time.Now()

	value, runErr := rt.RunProgram(prog)

	elapsed := time.Since(start)
	close(done)
	// Wait for the watchdog before clearing: a timer that fired in the same
	// instant the script finished must not leave a stale interrupt behind to
	// poison the next execution.
	<-exited
	rt.ClearInterrupt()

	var after runtime.MemStats
	runtime.ReadMemStats(&after)

	// Heap delta is an estimate: a GC cycle during execution can make it
	// negative, in which case the run is accounted as zero growth. The
	// counter itself stays monotonic.
	var memDeltaMB float64
	if after.HeapAlloc > before.HeapAlloc {
		memDeltaMB = float64(after.HeapAlloc-before.HeapAlloc) / (1 << 20)
	}

	sb.mu.Lock()
	sb.usage.ExecutionTime += elapsed
	sb.usage.MemoryMB += memDeltaMB
	usage := sb.usage
	limits := sb.limits
	sb.mu.Unlock()

	if runErr != nil {
		if _, interrupted := runErr.(*goja.InterruptedError); interrupted {
			m.metrics.observeExecution("timeout", elapsed)
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrExecutionTimeout, ctx.Err())
			}
			return nil, fmt.Errorf("%w after %s", ErrExecutionTimeout, timeout)
		}
		// Host API failures travel through the runtime as thrown hostError
		// values; unwrap them so callers get the sandbox error taxonomy.
		if ex, ok := runErr.(*goja.Exception); ok {
			if he, ok := ex.Value().Export().(*hostError); ok {
				m.metrics.observeExecution("error", elapsed)
				return nil, he.err
			}
		}
		m.metrics.observeExecution("error", elapsed)
		return nil, fmt.Errorf("plugin execution: %w", runErr)
	}

	// Post-hoc quota check: time and memory are only known after the run.
	if err := checkLimits(usage, limits); err != nil {
		m.metrics.observeLimitViolation(err)
		m.metrics.observeExecution("limit_exceeded", elapsed)
		return nil, err
	}

	m.metrics.observeExecution("success", elapsed)
	span.SetAttributes(attribute.Int64("execution.ms", elapsed.Milliseconds()))

	if value == nil {
		return nil, nil
	}
	return value.Export(), nil
}

// LoadPluginFile reads a plugin source file through the file collaborator
// and executes it with the fixed file-load timeout. Each load consumes one
// file operation, checked preventively: the quota-exceeding load is refused
// before the file is read.
func (m *Manager) LoadPluginFile(ctx context.Context, pluginID, path string) (any, error) {
	sb, err := m.lookup(pluginID)
	if err != nil {
		return nil, err
	}
	if err := sb.consumeFileOperation(); err != nil {
		m.metrics.observeLimitViolation(err)
		return nil, err
	}
	if m.files == nil {
		return nil, fmt.Errorf("%w: no file reader attached", ErrNotImplemented)
	}
	src, err := m.files.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFileRead, path, err)
	}
	return m.Execute(ctx, pluginID, string(src), ExecuteOptions{Timeout: fileLoadTimeout})
}

// DestroySandbox tears the sandbox down and removes it from the registry.
// Idempotent: destroying an unknown or already-destroyed id is a no-op.
func (m *Manager) DestroySandbox(pluginID string) {
	m.mu.Lock()
	sb, ok := m.sandboxes[pluginID]
	if ok {
		delete(m.sandboxes, pluginID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	// The runtime field stays set: an in-flight Execute holds its own
	// reference and must be able to finish (and be interrupted) safely.
	// Unregistering makes the sandbox unreachable for new calls.
	sb.mu.Lock()
	sb.active = false
	sb.mu.Unlock()

	m.metrics.observeDestroyed()
	m.logger.Info("sandbox destroyed", slog.String("plugin_id", pluginID))
}

// Info returns a snapshot of one sandbox.
func (m *Manager) Info(pluginID string) (*Info, error) {
	sb, err := m.lookup(pluginID)
	if err != nil {
		return nil, err
	}
	return sb.snapshot(), nil
}

// AllInfo returns snapshots of every registered sandbox.
func (m *Manager) AllInfo() []*Info {
	m.mu.RLock()
	sandboxes := make([]*Sandbox, 0, len(m.sandboxes))
	for _, sb := range m.sandboxes {
		sandboxes = append(sandboxes, sb)
	}
	m.mu.RUnlock()

	out := make([]*Info, len(sandboxes))
	for i, sb := range sandboxes {
		out[i] = sb.snapshot()
	}
	return out
}

// UpdateLimits partial-merges the patch into one sandbox's limits.
func (m *Manager) UpdateLimits(pluginID string, patch LimitsPatch) error {
	sb, err := m.lookup(pluginID)
	if err != nil {
		return err
	}
	sb.mu.Lock()
	patch.apply(&sb.limits)
	limits := sb.limits
	sb.mu.Unlock()

	m.logger.Info("sandbox limits updated",
		slog.String("plugin_id", pluginID),
		slog.Any("limits", limits),
	)
	return nil
}

// UpdateGlobalLimits partial-merges the patch into the defaults used for
// FUTURE sandboxes. Existing sandboxes are never mutated; target them
// individually with UpdateLimits.
func (m *Manager) UpdateGlobalLimits(patch LimitsPatch) ResourceLimits {
	m.mu.Lock()
	patch.apply(&m.globalLimits)
	limits := m.globalLimits
	m.mu.Unlock()

	m.logger.Info("global sandbox limits updated", slog.Any("limits", limits))
	return limits
}

// GlobalLimits returns the current defaults for new sandboxes.
func (m *Manager) GlobalLimits() ResourceLimits {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.globalLimits
}

func (m *Manager) lookup(pluginID string) (*Sandbox, error) {
	m.mu.RLock()
	sb, ok := m.sandboxes[pluginID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSandboxNotFound, pluginID)
	}
	return sb, nil
}

// snapshot copies the sandbox state for observability. The runtime itself
// is never exposed.
func (sb *Sandbox) snapshot() *Info {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return &Info{
		PluginID:     sb.id,
		Level:        sb.level,
		Capabilities: sb.caps.List(),
		Usage:        sb.usage,
		Limits:       sb.limits,
		Active:       sb.active,
		Uptime:       time.Since(sb.startTime),
	}
}

// ID returns the plugin id the sandbox was created for.
func (sb *Sandbox) ID() string { return sb.id }

// Level returns the immutable permission level.
func (sb *Sandbox) Level() PermissionLevel { return sb.level }

// Capabilities returns the granted capability tags in tier order.
func (sb *Sandbox) Capabilities() []Capability { return sb.caps.List() }

// Usage returns a copy of the current resource counters.
func (sb *Sandbox) Usage() ResourceUsage {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.usage
}

// Limits returns a copy of the current resource ceilings.
func (sb *Sandbox) Limits() ResourceLimits {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.limits
}

// consumeNetworkRequest increments the network counter and rejects the call
// when the new total exceeds the quota. The increment sticks either way:
// counters are monotonic and attempts count.
func (sb *Sandbox) consumeNetworkRequest() error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.usage.NetworkRequests++
	if sb.limits.MaxNetworkRequests > 0 && sb.usage.NetworkRequests > sb.limits.MaxNetworkRequests {
		return &LimitError{
			Resource: "networkRequests",
			Current:  float64(sb.usage.NetworkRequests),
			Limit:    float64(sb.limits.MaxNetworkRequests),
		}
	}
	return nil
}

// consumeFileOperation is the file-counter twin of consumeNetworkRequest,
// consumed by LoadPluginFile.
func (sb *Sandbox) consumeFileOperation() error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.usage.FileOperations++
	if sb.limits.MaxFileOperations > 0 && sb.usage.FileOperations > sb.limits.MaxFileOperations {
		return &LimitError{
			Resource: "fileOperations",
			Current:  float64(sb.usage.FileOperations),
			Limit:    float64(sb.limits.MaxFileOperations),
		}
	}
	return nil
}

// consumeDatabaseQuery is the database-counter twin of consumeNetworkRequest.
func (sb *Sandbox) consumeDatabaseQuery() error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.usage.DatabaseQueries++
	if sb.limits.MaxDatabaseQueries > 0 && sb.usage.DatabaseQueries > sb.limits.MaxDatabaseQueries {
		return &LimitError{
			Resource: "databaseQueries",
			Current:  float64(sb.usage.DatabaseQueries),
			Limit:    float64(sb.limits.MaxDatabaseQueries),
		}
	}
	return nil
}

// memoryStore is the fallback DataStore when the host wires no persistence.
type memoryStore struct {
	mu   sync.RWMutex
	data map[string]string // "<pluginID>\x00<key>" → JSON value
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]string)}
}

func (s *memoryStore) key(pluginID, key string) string { return pluginID + "\x00" + key }

func (s *memoryStore) Get(_ context.Context, pluginID, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[s.key(pluginID, key)]
	return v, ok, nil
}

func (s *memoryStore) Set(_ context.Context, pluginID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[s.key(pluginID, key)] = value
	return nil
}
