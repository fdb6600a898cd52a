// Package httpapi implements the admin HTTP API for the plugin runtime.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Per-operator rate limiting via token bucket
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/beamflow/beamflow/internal/observability"
	"github.com/beamflow/beamflow/internal/plugin"
	"github.com/beamflow/beamflow/internal/ratelimit"
	"github.com/beamflow/beamflow/internal/sandbox"
	"github.com/beamflow/beamflow/internal/storage"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the admin API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → operator ID mapping. Keys from env.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the admin API gateway.
type Gateway struct {
	config  Config
	manager *sandbox.Manager
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	loader *plugin.DirLoader  // nil = plugin discovery endpoint disabled.
	audit  storage.AuditStore // nil = auditing disabled.

	// Extra handlers mounted on the HTTP mux (e.g., WebSocket event stream).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an admin API gateway.
func NewGateway(cfg Config, manager *sandbox.Manager, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:  cfg,
		manager: manager,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithLoader attaches a plugin directory loader, enabling the discovery
// endpoint and directory-confined file loading.
func (g *Gateway) WithLoader(l *plugin.DirLoader) *Gateway {
	g.loader = l
	return g
}

// WithAudit attaches an audit store. Sandbox lifecycle and execution
// outcomes are recorded, and the audit query endpoint is enabled.
func (g *Gateway) WithAudit(audit storage.AuditStore) *Gateway {
	g.audit = audit
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given pattern.
// Used for the WebSocket event stream endpoint.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "BeamFlow",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	// Sandbox lifecycle.
	g.group.Post("/sandboxes", g.handleSandboxCreate,
		okapi.DocSummary("Create a sandbox for a plugin"),
		okapi.DocTags("Sandboxes"),
		okapi.DocRequestBody(CreateSandboxRequest{}),
		okapi.DocResponse(http.StatusCreated, sandbox.Info{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Get("/sandboxes", g.handleSandboxList,
		okapi.DocSummary("List all sandboxes"),
		okapi.DocTags("Sandboxes"),
		okapi.DocResponse([]sandbox.Info{}),
	)
	g.group.Get("/sandboxes/{id}", g.handleSandboxGet,
		okapi.DocSummary("Get a sandbox by plugin ID"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Plugin ID"),
		okapi.DocResponse(sandbox.Info{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/sandboxes/{id}", g.handleSandboxDestroy,
		okapi.DocSummary("Destroy a sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Plugin ID"),
		okapi.DocResponse(map[string]string{}),
	)

	// Execution.
	g.group.Post("/sandboxes/{id}/execute", g.handleExecute,
		okapi.DocSummary("Execute code inside a sandbox"),
		okapi.DocTags("Execution"),
		okapi.DocPathParam("id", "string", "Plugin ID"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(ExecuteResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusUnprocessableEntity, RejectionBody{}),
		okapi.DocResponse(http.StatusRequestTimeout, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Post("/sandboxes/{id}/load", g.handleLoadFile,
		okapi.DocSummary("Load and execute a plugin source file"),
		okapi.DocTags("Execution"),
		okapi.DocPathParam("id", "string", "Plugin ID"),
		okapi.DocRequestBody(LoadFileRequest{}),
		okapi.DocResponse(ExecuteResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Resource limits.
	g.group.Put("/sandboxes/{id}/limits", g.handleLimitsUpdate,
		okapi.DocSummary("Update one sandbox's resource limits"),
		okapi.DocTags("Limits"),
		okapi.DocPathParam("id", "string", "Plugin ID"),
		okapi.DocRequestBody(sandbox.LimitsPatch{}),
		okapi.DocResponse(sandbox.Info{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/limits", g.handleGlobalLimitsGet,
		okapi.DocSummary("Get the global default resource limits"),
		okapi.DocTags("Limits"),
		okapi.DocResponse(sandbox.ResourceLimits{}),
	)
	g.group.Put("/limits", g.handleGlobalLimitsUpdate,
		okapi.DocSummary("Update the global default resource limits"),
		okapi.DocTags("Limits"),
		okapi.DocRequestBody(sandbox.LimitsPatch{}),
		okapi.DocResponse(sandbox.ResourceLimits{}),
	)

	// Plugin discovery (only if a plugin directory is configured).
	if g.loader != nil {
		g.group.Get("/plugins", g.handlePluginList,
			okapi.DocSummary("List discoverable plugin bundles"),
			okapi.DocTags("Plugins"),
			okapi.DocResponse([]PluginBundleResponse{}),
		)
	}

	// Audit log (only if an audit store is configured).
	if g.audit != nil {
		g.group.Get("/sandboxes/{id}/audit", g.handleAuditRecent,
			okapi.DocSummary("List recent audit events for a plugin"),
			okapi.DocTags("Audit"),
			okapi.DocPathParam("id", "string", "Plugin ID"),
			okapi.DocResponse([]storage.AuditEvent{}),
		)
	}

	// Extra handlers (e.g., WebSocket event stream).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("admin api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("admin api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// CreateSandboxRequest is the JSON body for POST /v1/sandboxes.
type CreateSandboxRequest struct {
	PluginID        string         `json:"plugin_id"`
	PermissionLevel string         `json:"permission_level"`
	Description     string         `json:"description,omitempty"`
	Settings        map[string]any `json:"settings,omitempty"` // Exposed to the plugin via getConfig().
}

// ExecuteRequest is the JSON body for POST /v1/sandboxes/{id}/execute.
type ExecuteRequest struct {
	Source  string `json:"source"`
	Timeout string `json:"timeout,omitempty"` // Go duration string. Empty = sandbox limit.
}

// ExecuteResponse carries the completion value and post-execution usage.
type ExecuteResponse struct {
	Result        any                   `json:"result"`
	CorrelationID string                `json:"correlation_id"`
	Usage         sandbox.ResourceUsage `json:"resource_usage"`
}

// RejectionBody reports a static validation failure.
type RejectionBody struct {
	Error   string `json:"error"`
	Rule    string `json:"rule"`
	Pattern string `json:"pattern"`
}

// LoadFileRequest is the JSON body for POST /v1/sandboxes/{id}/load.
type LoadFileRequest struct {
	Path string `json:"path"` // Relative to the plugin directory root.
}

// PluginBundleResponse describes one discoverable plugin bundle.
type PluginBundleResponse struct {
	PluginID        string `json:"plugin_id"`
	Name            string `json:"name"`
	Version         string `json:"version"`
	Description     string `json:"description,omitempty"`
	PermissionLevel string `json:"permission_level"`
	EntryPath       string `json:"entry_path"`
}

func (g *Gateway) handleSandboxCreate(c *okapi.Context) error {
	operator, err := g.admit(c)
	if err != nil {
		return err
	}

	var req CreateSandboxRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.PluginID == "" {
		return c.AbortBadRequest("plugin_id is required")
	}

	manifest := &plugin.Manifest{
		Name:            req.PluginID,
		Description:     req.Description,
		PermissionLevel: req.PermissionLevel,
		Settings:        req.Settings,
	}

	start := time.Now()
	sb, err := g.manager.CreateSandbox(req.PluginID, manifest, sandbox.PermissionLevel(req.PermissionLevel))
	g.recordAudit(c.Context(), req.PluginID, "create", err, time.Since(start))
	if err != nil {
		if errors.Is(err, sandbox.ErrDuplicateSandbox) {
			return c.JSON(http.StatusConflict, ErrorBody{Error: err.Error()})
		}
		if errors.Is(err, sandbox.ErrInvalidPermissionLevel) {
			return c.AbortBadRequest(err.Error())
		}
		g.logger.Error("sandbox creation failed",
			slog.String("plugin_id", req.PluginID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("sandbox creation failed")
	}

	g.logger.Info("sandbox created via api",
		slog.String("operator", operator),
		slog.String("plugin_id", sb.ID()),
		slog.String("permission_level", string(sb.Level())),
	)

	info, err := g.manager.Info(sb.ID())
	if err != nil {
		return c.AbortInternalServerError("sandbox creation failed")
	}
	return c.JSON(http.StatusCreated, info)
}

func (g *Gateway) handleSandboxList(c *okapi.Context) error {
	if _, err := g.admit(c); err != nil {
		return err
	}
	return c.OK(g.manager.AllInfo())
}

func (g *Gateway) handleSandboxGet(c *okapi.Context) error {
	if _, err := g.admit(c); err != nil {
		return err
	}
	info, err := g.manager.Info(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "sandbox not found"})
	}
	return c.OK(info)
}

func (g *Gateway) handleSandboxDestroy(c *okapi.Context) error {
	operator, err := g.admit(c)
	if err != nil {
		return err
	}
	pluginID := c.Param("id")

	g.manager.DestroySandbox(pluginID)
	g.recordAudit(c.Context(), pluginID, "destroy", nil, 0)

	g.logger.Info("sandbox destroyed via api",
		slog.String("operator", operator),
		slog.String("plugin_id", pluginID),
	)
	return c.OK(map[string]string{"status": "destroyed"})
}

func (g *Gateway) handleExecute(c *okapi.Context) error {
	operator, err := g.admit(c)
	if err != nil {
		return err
	}
	pluginID := c.Param("id")

	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Source == "" {
		return c.AbortBadRequest("source is required")
	}

	var opts sandbox.ExecuteOptions
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			return c.AbortBadRequest("timeout must be a positive duration")
		}
		opts.Timeout = d
	}

	correlationID := newCorrelationID()
	g.logger.Info("execute request",
		slog.String("operator", operator),
		slog.String("plugin_id", pluginID),
		slog.String("correlation_id", correlationID),
	)

	start := time.Now()
	result, err := g.manager.Execute(c.Context(), pluginID, req.Source, opts)
	g.recordAudit(c.Context(), pluginID, "execute", err, time.Since(start))
	if err != nil {
		return g.executeError(c, pluginID, correlationID, err)
	}

	info, infoErr := g.manager.Info(pluginID)
	resp := ExecuteResponse{Result: result, CorrelationID: correlationID}
	if infoErr == nil {
		resp.Usage = info.Usage
	}
	return c.OK(resp)
}

func (g *Gateway) handleLoadFile(c *okapi.Context) error {
	operator, err := g.admit(c)
	if err != nil {
		return err
	}
	pluginID := c.Param("id")

	var req LoadFileRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Path == "" {
		return c.AbortBadRequest("path is required")
	}

	correlationID := newCorrelationID()
	g.logger.Info("load file request",
		slog.String("operator", operator),
		slog.String("plugin_id", pluginID),
		slog.String("path", req.Path),
		slog.String("correlation_id", correlationID),
	)

	start := time.Now()
	result, err := g.manager.LoadPluginFile(c.Context(), pluginID, req.Path)
	g.recordAudit(c.Context(), pluginID, "load_file", err, time.Since(start))
	if err != nil {
		if errors.Is(err, sandbox.ErrFileRead) {
			return c.AbortBadRequest(err.Error())
		}
		return g.executeError(c, pluginID, correlationID, err)
	}

	info, infoErr := g.manager.Info(pluginID)
	resp := ExecuteResponse{Result: result, CorrelationID: correlationID}
	if infoErr == nil {
		resp.Usage = info.Usage
	}
	return c.OK(resp)
}

// executeError maps sandbox execution errors to HTTP responses.
func (g *Gateway) executeError(c *okapi.Context, pluginID, correlationID string, err error) error {
	var violation *sandbox.ViolationError
	switch {
	case errors.Is(err, sandbox.ErrSandboxNotFound):
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "sandbox not found"})
	case errors.As(err, &violation):
		return c.JSON(http.StatusUnprocessableEntity, RejectionBody{
			Error:   violation.Error(),
			Rule:    violation.Rule,
			Pattern: violation.Pattern,
		})
	case errors.Is(err, sandbox.ErrExecutionTimeout):
		return c.JSON(http.StatusRequestTimeout, ErrorBody{Error: err.Error()})
	case errors.Is(err, sandbox.ErrResourceLimitExceeded):
		return c.JSON(http.StatusTooManyRequests, ErrorBody{Error: err.Error()})
	default:
		g.logger.Error("execution failed",
			slog.String("plugin_id", pluginID),
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return c.JSON(http.StatusInternalServerError, ErrorBody{Error: err.Error()})
	}
}

func (g *Gateway) handleLimitsUpdate(c *okapi.Context) error {
	if _, err := g.admit(c); err != nil {
		return err
	}
	pluginID := c.Param("id")

	var patch sandbox.LimitsPatch
	if err := c.Bind(&patch); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	if err := g.manager.UpdateLimits(pluginID, patch); err != nil {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "sandbox not found"})
	}
	info, err := g.manager.Info(pluginID)
	if err != nil {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "sandbox not found"})
	}
	return c.OK(info)
}

func (g *Gateway) handleGlobalLimitsGet(c *okapi.Context) error {
	if _, err := g.admit(c); err != nil {
		return err
	}
	return c.OK(g.manager.GlobalLimits())
}

func (g *Gateway) handleGlobalLimitsUpdate(c *okapi.Context) error {
	operator, err := g.admit(c)
	if err != nil {
		return err
	}

	var patch sandbox.LimitsPatch
	if err := c.Bind(&patch); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	limits := g.manager.UpdateGlobalLimits(patch)
	g.logger.Info("global limits updated via api", slog.String("operator", operator))
	return c.OK(limits)
}

func (g *Gateway) handlePluginList(c *okapi.Context) error {
	if _, err := g.admit(c); err != nil {
		return err
	}

	bundles, err := g.loader.Discover()
	if err != nil {
		g.logger.Error("plugin discovery failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("plugin discovery failed")
	}

	resp := make([]PluginBundleResponse, 0, len(bundles))
	for _, b := range bundles {
		resp = append(resp, PluginBundleResponse{
			PluginID:        b.Manifest.ID(),
			Name:            b.Manifest.Name,
			Version:         b.Manifest.Version,
			Description:     b.Manifest.Description,
			PermissionLevel: b.Manifest.PermissionLevel,
			EntryPath:       b.EntryPath,
		})
	}
	return c.OK(resp)
}

func (g *Gateway) handleAuditRecent(c *okapi.Context) error {
	if _, err := g.admit(c); err != nil {
		return err
	}

	limit := 50
	if v := c.Request().URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c.AbortBadRequest("limit must be a positive integer")
		}
		limit = n
	}

	events, err := g.audit.Recent(c.Context(), c.Param("id"), limit)
	if err != nil {
		g.logger.Error("audit query failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("audit query failed")
	}
	return c.OK(events)
}

// HealthResponse is the JSON body for health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Helpers ---

// admit applies per-operator rate limiting and returns the operator ID set
// by the authenticate middleware.
func (g *Gateway) admit(c *okapi.Context) (string, error) {
	operator := c.GetString("operatorID")
	if g.limiter != nil {
		if err := g.limiter.Allow(operator); err != nil {
			return "", c.AbortTooManyRequests("rate limit exceeded")
		}
	}
	return operator, nil
}

// recordAudit appends an audit event when an audit store is attached.
func (g *Gateway) recordAudit(ctx context.Context, pluginID, action string, execErr error, d time.Duration) {
	if g.audit == nil {
		return
	}
	evt := storage.AuditEvent{
		ID:       uuid.New(),
		PluginID: pluginID,
		Action:   action,
		Status:   auditStatus(execErr),
		Duration: d,
		At:       time.Now().UTC(),
	}
	if execErr != nil {
		evt.Error = execErr.Error()
	}
	if err := g.audit.Append(ctx, evt); err != nil {
		g.logger.Warn("audit append failed",
			slog.String("plugin_id", pluginID),
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
	}
}

func auditStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, sandbox.ErrCodeRejected):
		return "rejected"
	case errors.Is(err, sandbox.ErrExecutionTimeout):
		return "timeout"
	case errors.Is(err, sandbox.ErrResourceLimitExceeded):
		return "limit_exceeded"
	default:
		return "error"
	}
}

// authenticate validates the API key and stores the mapped operator ID.
// Uses constant-time comparison to prevent timing attacks.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		operatorID := ""
		for key, operator := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				operatorID = operator
			}
		}
		if operatorID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("operatorID", operatorID)
		return next(c)
	}
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
