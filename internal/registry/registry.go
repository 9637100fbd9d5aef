// Package registry binds every manifest.FunctionDef to a Lua closure
// under the sandbox's sdk table, translating positional Lua arguments into
// an HTTP call and the JSON response back into a Lua value.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"

	"apiscript-runtime/internal/auth"
	"apiscript-runtime/internal/httpclient"
	"apiscript-runtime/internal/manifest"
	"apiscript-runtime/internal/metrics"
	"apiscript-runtime/internal/sandbox"
	"apiscript-runtime/internal/schema"
	"apiscript-runtime/internal/validate"
)

// Registry binds one manifest into one sandbox's sdk table for the
// duration of a single script execution. It is not safe for concurrent
// reuse across executions: construct a fresh Registry per Sandbox.
type Registry struct {
	manifest    *manifest.Manifest
	handler     *httpclient.Handler
	credentials auth.Map
	maxAPICalls int64 // 0 means unlimited
	apiCalls    int64 // atomic
	schema      *schema.Validator // nil disables request-body schema validation
	metrics     *metrics.Metrics  // nil disables metrics recording

	quotaRejected int32 // atomic; set once the api-call limit fires

	apis map[string]manifest.ApiConfig
}

// New constructs a Registry. maxAPICalls of 0 means no limit.
func New(m *manifest.Manifest, handler *httpclient.Handler, credentials auth.Map, maxAPICalls int64) *Registry {
	apis := make(map[string]manifest.ApiConfig, len(m.APIs))
	for _, a := range m.APIs {
		apis[a.Name] = a
	}
	return &Registry{
		manifest:    m,
		handler:     handler,
		credentials: credentials,
		maxAPICalls: maxAPICalls,
		apis:        apis,
	}
}

// APICallCount returns the number of HTTP calls made so far by functions
// this Registry bound.
func (r *Registry) APICallCount() int64 {
	return atomic.LoadInt64(&r.apiCalls)
}

// SetSchemaValidator enables best-effort request-body validation against
// the manifest's named schemas. Must be called before Install. When unset,
// no schema validation is performed: the original marshal-and-send
// behavior is unchanged.
func (r *Registry) SetSchemaValidator(v *schema.Validator) {
	r.schema = v
}

// SetMetrics enables Prometheus recording of API calls and api-call-limit
// quota rejections. When unset, the Registry still enforces maxAPICalls but
// records nothing.
func (r *Registry) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// QuotaRejected reports whether this Registry ever rejected a call for
// exceeding maxAPICalls, for callers (the executor) that need to
// distinguish a quota rejection from an ordinary script error.
func (r *Registry) QuotaRejected() bool {
	return atomic.LoadInt32(&r.quotaRejected) != 0
}

// Install binds every manifest function as sdk.<name>, creating nested
// tables for dotted names (e.g. "pets.get" becomes sdk.pets.get). ctx
// bounds every HTTP call a bound function makes for the lifetime of this
// Registry.
func (r *Registry) Install(L *lua.LState, ctx context.Context, sdk *lua.LTable) error {
	for _, fn := range r.manifest.Functions {
		api, ok := r.apis[fn.API]
		if !ok {
			return fmt.Errorf("registry: function %q references unknown api %q", fn.Name, fn.API)
		}
		closure := r.bind(L, ctx, fn, api)
		setNested(L, sdk, fn.Name, closure)
	}
	return nil
}

// setNested assigns fn at sdk.<dotted.path>, creating intermediate tables
// as needed.
func setNested(L *lua.LState, sdk *lua.LTable, name string, fn *lua.LFunction) {
	parts := strings.Split(name, ".")
	t := sdk
	for _, part := range parts[:len(parts)-1] {
		next, ok := t.RawGetString(part).(*lua.LTable)
		if !ok {
			next = L.NewTable()
			t.RawSetString(part, next)
		}
		t = next
	}
	t.RawSetString(parts[len(parts)-1], fn)
}

func (r *Registry) bind(L *lua.LState, ctx context.Context, fn manifest.FunctionDef, api manifest.ApiConfig) *lua.LFunction {
	return L.NewFunction(func(L *lua.LState) int {
		if r.maxAPICalls > 0 && atomic.LoadInt64(&r.apiCalls) >= r.maxAPICalls {
			atomic.StoreInt32(&r.quotaRejected, 1)
			if r.metrics != nil {
				r.metrics.RecordQuotaRejection("api_calls")
			}
			L.RaiseError("API call limit exceeded (max %d calls)", r.maxAPICalls)
			return 0
		}

		path := fn.Path
		var headers, query []httpclient.QueryParam

		for i, param := range fn.Parameters {
			argIdx := i + 1 // Lua args are 1-indexed
			var arg lua.LValue = lua.LNil
			if argIdx <= L.GetTop() {
				arg = L.Get(argIdx)
			}

			if param.Required && arg == lua.LNil {
				L.RaiseError("missing required parameter '%s' for function '%s'", param.Name, fn.Name)
				return 0
			}
			if arg == lua.LNil {
				continue
			}

			strVal := argToString(arg)
			if err := validate.Param(fn.Name, param, strVal); err != nil {
				L.RaiseError("%v", err)
				return 0
			}

			switch param.Location {
			case manifest.LocationPath:
				path = strings.ReplaceAll(path, "{"+param.Name+"}", strVal)
			case manifest.LocationQuery:
				query = append(query, httpclient.QueryParam{Name: param.Name, Value: strVal})
			case manifest.LocationHeader:
				headers = append(headers, httpclient.QueryParam{Name: param.Name, Value: strVal})
			}
		}

		var body any
		if fn.RequestBody != nil {
			bodyIdx := len(fn.Parameters) + 1
			if bodyIdx <= L.GetTop() {
				bodyArg := L.Get(bodyIdx)
				if bodyArg != lua.LNil {
					goVal, err := sandbox.ToJSON(bodyArg)
					if err != nil {
						L.RaiseError("failed to serialize request body: %v", err)
						return 0
					}
					body = goVal
				}
			}
			if body == nil && fn.RequestBody.Required {
				L.RaiseError("missing required request body for function '%s'", fn.Name)
				return 0
			}
			if body != nil && r.schema != nil {
				if err := r.schema.Validate(fn.Name, fn.RequestBody.SchemaName, body); err != nil {
					L.RaiseError("%v", err)
					return 0
				}
			}
		}

		creds := r.credentials.Get(fn.API)
		atomic.AddInt64(&r.apiCalls, 1)
		if r.metrics != nil {
			r.metrics.RecordAPICall(fn.API, fn.Name)
		}

		resp, err := r.handler.Request(ctx, string(fn.Method), api.BaseURL+path, api.AuthConfig, creds, headers, query, body)
		if err != nil {
			L.RaiseError("%v", err)
			return 0
		}

		L.Push(sandbox.FromJSON(L, resp))
		return 1
	})
}

// argToString renders a Lua argument the way it belongs in a URL path
// segment, query value, or header value. Nil and unsupported types (e.g.
// tables passed where a scalar was expected) become the empty string.
func argToString(v lua.LValue) string {
	switch lv := v.(type) {
	case lua.LString:
		return string(lv)
	case lua.LNumber:
		return sandbox.FormatValue(lv)
	case lua.LBool:
		if bool(lv) {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}
