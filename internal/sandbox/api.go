package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/beamflow/beamflow/internal/events"
)

// DataStore persists plugin-scoped key-value data. Keys are namespaced per
// plugin by the implementation; a plugin can never read another plugin's keys.
type DataStore interface {
	Get(ctx context.Context, pluginID, key string) (string, bool, error)
	Set(ctx context.Context, pluginID, key, value string) error
}

// HTTPClient performs outbound requests on behalf of network-capable
// plugins. The sandbox only does the counting and gating; transport is the
// collaborator's problem.
type HTTPClient interface {
	Do(ctx context.Context, pluginID, method, rawURL string, body []byte) (status int, response []byte, err error)
}

// DatabaseClient runs queries on behalf of database-capable plugins.
type DatabaseClient interface {
	Query(ctx context.Context, pluginID, query string, args []any) (any, error)
}

// EventSink receives events emitted by plugin code.
type EventSink interface {
	Publish(evt events.Event)
}

// hostError smuggles a Go-side failure through the JS runtime. API bindings
// panic with a goja value wrapping one of these; Execute unwraps it back to
// the original error so callers see the sandbox error taxonomy instead of a
// generic script exception.
type hostError struct {
	err error
}

func (h *hostError) Error() string { return h.err.Error() }

// pluginAPI is the capability-gated surface handed to executing plugin code
// as the "beamflow" global. All bindings are constructed once at sandbox
// creation from the resolved capability set; capabilities are never
// re-evaluated or escalated afterwards.
type pluginAPI struct {
	sb     *Sandbox
	m      *Manager
	logger *slog.Logger

	processStart time.Time
}

// throw raises err as a JS exception carrying the Go error.
func (a *pluginAPI) throw(rt *goja.Runtime, err error) {
	panic(rt.ToValue(&hostError{err: err}))
}

// bind constructs the API object on the given runtime. Gated sub-objects
// (http, database, system) are only attached when the sandbox's capability
// set grants them; for everything else the method simply does not exist.
func (a *pluginAPI) bind(rt *goja.Runtime) (*goja.Object, error) {
	obj := rt.NewObject()

	// Baseline contract: storage, config, logging, events, and usage
	// introspection are available at every tier. Storage being ungated is
	// deliberate fidelity to the product contract, see DESIGN.md.
	if err := obj.Set("getData", func(key string) goja.Value {
		raw, ok, err := a.m.store.Get(context.Background(), a.sb.id, key)
		if err != nil {
			a.throw(rt, fmt.Errorf("getData %q: %w", key, err))
		}
		if !ok {
			return goja.Null()
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			a.throw(rt, fmt.Errorf("getData %q: decoding stored value: %w", key, err))
		}
		return rt.ToValue(v)
	}); err != nil {
		return nil, err
	}

	if err := obj.Set("setData", func(key string, value goja.Value) {
		raw, err := json.Marshal(value.Export())
		if err != nil {
			a.throw(rt, fmt.Errorf("setData %q: encoding value: %w", key, err))
		}
		if err := a.m.store.Set(context.Background(), a.sb.id, key, string(raw)); err != nil {
			a.throw(rt, fmt.Errorf("setData %q: %w", key, err))
		}
	}); err != nil {
		return nil, err
	}

	if err := obj.Set("getConfig", func() goja.Value {
		if a.sb.manifest == nil {
			return rt.ToValue(map[string]any{})
		}
		// Copy: plugin code must not mutate the manifest through the API.
		settings := make(map[string]any, len(a.sb.manifest.Settings))
		for k, v := range a.sb.manifest.Settings {
			settings[k] = v
		}
		return rt.ToValue(settings)
	}); err != nil {
		return nil, err
	}

	if err := obj.Set("log", func(level, message string, data goja.Value) {
		attrs := []any{slog.String("plugin_id", a.sb.id)}
		if data != nil && !goja.IsUndefined(data) && !goja.IsNull(data) {
			attrs = append(attrs, slog.Any("data", data.Export()))
		}
		a.logger.Log(context.Background(), parseLevel(level), "[plugin:"+a.sb.id+"] "+message, attrs...)
	}); err != nil {
		return nil, err
	}

	if err := obj.Set("emit", func(event string, data goja.Value) {
		var payload any
		if data != nil {
			payload = data.Export()
		}
		a.m.bus.Publish(events.Event{
			ID:       uuid.New(),
			PluginID: a.sb.id,
			Name:     event,
			Data:     payload,
			Time:     time.Now().UTC(),
		})
	}); err != nil {
		return nil, err
	}

	if err := obj.Set("getResourceUsage", func() goja.Value {
		a.sb.mu.Lock()
		usage := a.sb.usage
		a.sb.mu.Unlock()
		return rt.ToValue(map[string]any{
			"memoryMB":        usage.MemoryMB,
			"executionTime":   usage.ExecutionTime.Milliseconds(),
			"fileOperations":  usage.FileOperations,
			"networkRequests": usage.NetworkRequests,
			"databaseQueries": usage.DatabaseQueries,
		})
	}); err != nil {
		return nil, err
	}

	if a.sb.caps.Has(CapNetwork) {
		if err := obj.Set("http", a.bindHTTP(rt)); err != nil {
			return nil, err
		}
	}
	if a.sb.caps.Has(CapDatabase) {
		if err := obj.Set("database", a.bindDatabase(rt)); err != nil {
			return nil, err
		}
	}
	if a.sb.caps.Has(CapSystem) {
		if err := obj.Set("system", a.bindSystem(rt)); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

// bindHTTP builds the network-capability methods. The counter is
// incremented and checked BEFORE the transport runs: the (N+1)th call is
// rejected at the call site, not after the fact.
func (a *pluginAPI) bindHTTP(rt *goja.Runtime) *goja.Object {
	request := func(method string) func(rawURL string, body goja.Value) goja.Value {
		return func(rawURL string, body goja.Value) goja.Value {
			if err := a.sb.consumeNetworkRequest(); err != nil {
				a.m.metrics.observeLimitViolation(err)
				a.throw(rt, err)
			}
			if a.m.httpClient == nil {
				a.throw(rt, fmt.Errorf("http.%s: %w", method, ErrNotImplemented))
			}
			var payload []byte
			if body != nil && !goja.IsUndefined(body) && !goja.IsNull(body) {
				raw, err := json.Marshal(body.Export())
				if err != nil {
					a.throw(rt, fmt.Errorf("http.%s: encoding body: %w", method, err))
				}
				payload = raw
			}
			status, resp, err := a.m.httpClient.Do(context.Background(), a.sb.id, method, rawURL, payload)
			if err != nil {
				a.throw(rt, fmt.Errorf("http.%s %s: %w", method, rawURL, err))
			}
			return rt.ToValue(map[string]any{
				"status": status,
				"body":   string(resp),
			})
		}
	}
	obj := rt.NewObject()
	_ = obj.Set("get", request("GET"))
	_ = obj.Set("post", request("POST"))
	return obj
}

// bindDatabase builds the database-capability methods, with the same
// preventive count-then-check ordering as http.
func (a *pluginAPI) bindDatabase(rt *goja.Runtime) *goja.Object {
	obj := rt.NewObject()
	_ = obj.Set("query", func(query string, args ...goja.Value) goja.Value {
		if err := a.sb.consumeDatabaseQuery(); err != nil {
			a.m.metrics.observeLimitViolation(err)
			a.throw(rt, err)
		}
		if a.m.dbClient == nil {
			a.throw(rt, fmt.Errorf("database.query: %w", ErrNotImplemented))
		}
		exported := make([]any, len(args))
		for i, arg := range args {
			exported[i] = arg.Export()
		}
		result, err := a.m.dbClient.Query(context.Background(), a.sb.id, query, exported)
		if err != nil {
			a.throw(rt, fmt.Errorf("database.query: %w", err))
		}
		return rt.ToValue(result)
	})
	return obj
}

// bindSystem exposes static host information. Read-only facts, no further
// authority.
func (a *pluginAPI) bindSystem(rt *goja.Runtime) *goja.Object {
	obj := rt.NewObject()
	_ = obj.Set("getSystemInfo", func() goja.Value {
		return rt.ToValue(map[string]any{
			"platform": runtime.GOOS,
			"arch":     runtime.GOARCH,
			"numCPU":   runtime.NumCPU(),
			"uptime":   time.Since(a.processStart).Seconds(),
		})
	})
	return obj
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
