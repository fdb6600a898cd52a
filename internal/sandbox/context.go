package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"github.com/dop251/goja"
)

// prelude is evaluated once at sandbox creation, before any plugin code.
// It defines the inert event-emitter and stream primitives plugins get for
// free. It runs trusted; plugin source never reaches this path.
const prelude = `
class EventEmitter {
	constructor() { this._handlers = {}; }
	on(event, fn) {
		(this._handlers[event] = this._handlers[event] || []).push(fn);
		return this;
	}
	off(event, fn) {
		const hs = this._handlers[event];
		if (hs) this._handlers[event] = hs.filter(h => h !== fn);
		return this;
	}
	once(event, fn) {
		const wrap = (...args) => { this.off(event, wrap); fn(...args); };
		return this.on(event, wrap);
	}
	emit(event, ...args) {
		const hs = this._handlers[event];
		if (!hs || hs.length === 0) return false;
		for (const h of hs.slice()) h(...args);
		return true;
	}
	listenerCount(event) {
		return (this._handlers[event] || []).length;
	}
}

class PassThrough extends EventEmitter {
	constructor() { super(); this._chunks = []; this._ended = false; }
	write(chunk) {
		if (this._ended) throw new Error("write after end");
		this._chunks.push(chunk);
		this.emit("data", chunk);
		return true;
	}
	end(chunk) {
		if (chunk !== undefined) this.write(chunk);
		this._ended = true;
		this.emit("end");
	}
	read() { return this._chunks.shift(); }
}

this.events = { EventEmitter };
this.stream = { PassThrough };
`

// newRuntime builds the isolated evaluation environment for one sandbox:
// a fresh goja runtime with a namespaced console, the safe utility modules,
// and the capability-gated plugin API bound under "beamflow".
func newRuntime(id string, api *pluginAPI, logger *slog.Logger) (*goja.Runtime, error) {
	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	installConsole(rt, id, logger)
	installUtilModules(rt)

	if _, err := rt.RunString(prelude); err != nil {
		return nil, fmt.Errorf("installing runtime prelude: %w", err)
	}

	apiObj, err := api.bind(rt)
	if err != nil {
		return nil, fmt.Errorf("binding plugin API: %w", err)
	}
	if err := rt.Set("beamflow", apiObj); err != nil {
		return nil, fmt.Errorf("exposing plugin API: %w", err)
	}
	return rt, nil
}

// installConsole wires console.log/info/warn/error to the host logger,
// prefixing every line with the plugin id.
func installConsole(rt *goja.Runtime, id string, logger *slog.Logger) {
	console := rt.NewObject()
	write := func(level slog.Level) func(args ...goja.Value) {
		return func(args ...goja.Value) {
			parts := make([]string, len(args))
			for i, a := range args {
				parts[i] = a.String()
			}
			logger.Log(context.Background(), level, "[plugin:"+id+"] "+strings.Join(parts, " "),
				slog.String("plugin_id", id),
			)
		}
	}
	_ = console.Set("log", write(slog.LevelInfo))
	_ = console.Set("info", write(slog.LevelInfo))
	_ = console.Set("warn", write(slog.LevelWarn))
	_ = console.Set("error", write(slog.LevelError))
	_ = console.Set("debug", write(slog.LevelDebug))
	_ = rt.Set("console", console)
}

// installUtilModules exposes the inert utility modules: pure functions with
// no ambient authority. Plugins reach them as globals (path.join, url.parse,
// querystring.encode, util.inspect).
func installUtilModules(rt *goja.Runtime) {
	pathObj := rt.NewObject()
	_ = pathObj.Set("join", func(parts ...string) string { return path.Join(parts...) })
	_ = pathObj.Set("dirname", path.Dir)
	_ = pathObj.Set("basename", path.Base)
	_ = pathObj.Set("extname", path.Ext)
	_ = pathObj.Set("isAbsolute", path.IsAbs)
	_ = pathObj.Set("clean", path.Clean)
	_ = rt.Set("path", pathObj)

	urlObj := rt.NewObject()
	_ = urlObj.Set("parse", func(raw string) (map[string]any, error) {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"protocol": u.Scheme,
			"host":     u.Host,
			"hostname": u.Hostname(),
			"port":     u.Port(),
			"pathname": u.Path,
			"search":   u.RawQuery,
			"hash":     u.Fragment,
		}, nil
	})
	_ = urlObj.Set("resolve", func(base, ref string) (string, error) {
		b, err := url.Parse(base)
		if err != nil {
			return "", err
		}
		r, err := url.Parse(ref)
		if err != nil {
			return "", err
		}
		return b.ResolveReference(r).String(), nil
	})
	_ = rt.Set("url", urlObj)

	qsObj := rt.NewObject()
	_ = qsObj.Set("parse", func(raw string) (map[string]any, error) {
		values, err := url.ParseQuery(raw)
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, len(values))
		for k, vs := range values {
			if len(vs) == 1 {
				out[k] = vs[0]
			} else {
				out[k] = vs
			}
		}
		return out, nil
	})
	_ = qsObj.Set("stringify", func(m map[string]any) string {
		values := url.Values{}
		for k, v := range m {
			switch vv := v.(type) {
			case []any:
				for _, item := range vv {
					values.Add(k, fmt.Sprint(item))
				}
			default:
				values.Set(k, fmt.Sprint(v))
			}
		}
		return values.Encode()
	})
	_ = qsObj.Set("escape", url.QueryEscape)
	_ = qsObj.Set("unescape", func(s string) (string, error) { return url.QueryUnescape(s) })
	_ = rt.Set("querystring", qsObj)

	utilObj := rt.NewObject()
	_ = utilObj.Set("inspect", func(v goja.Value) string { return fmt.Sprintf("%v", v.Export()) })
	_ = utilObj.Set("format", func(format string, args ...goja.Value) string {
		exported := make([]any, len(args))
		for i, a := range args {
			exported[i] = a.Export()
		}
		return fmt.Sprintf(strings.ReplaceAll(format, "%s", "%v"), exported...)
	})
	_ = utilObj.Set("typeOf", func(v goja.Value) string {
		if v == nil || goja.IsUndefined(v) {
			return "undefined"
		}
		if goja.IsNull(v) {
			return "null"
		}
		return fmt.Sprintf("%T", v.Export())
	})
	_ = rt.Set("util", utilObj)
}
