// Package manifest defines the canonical, language-independent description
// of the APIs, operations, and schemas a script execution exposes under the
// sdk table, and decodes it from the JSON document produced by the external
// OpenAPI compiler.
package manifest

import (
	"encoding/json"
	"fmt"
	"strings"
)

// HTTPMethod is the closed set of HTTP verbs a FunctionDef may use.
type HTTPMethod string

const (
	MethodGet    HTTPMethod = "GET"
	MethodPost   HTTPMethod = "POST"
	MethodPut    HTTPMethod = "PUT"
	MethodPatch  HTTPMethod = "PATCH"
	MethodDelete HTTPMethod = "DELETE"
)

// ParamLocation is where a parameter is attached to the outbound request.
type ParamLocation string

const (
	LocationPath   ParamLocation = "path"
	LocationQuery  ParamLocation = "query"
	LocationHeader ParamLocation = "header"
)

// ScalarType is the declared Lua/JSON-facing type of a parameter value.
type ScalarType string

const (
	TypeString  ScalarType = "string"
	TypeInteger ScalarType = "integer"
	TypeNumber  ScalarType = "number"
	TypeBoolean ScalarType = "boolean"
)

// AuthKind tags the closed set of auth_config variants an ApiConfig may carry.
type AuthKind string

const (
	AuthBearer AuthKind = "bearer"
	AuthAPIKey AuthKind = "api_key"
	AuthBasic  AuthKind = "basic"
)

// AuthConfig describes how an API expects credentials to be attached to a
// request. Exactly one of the kind-specific fields is meaningful for a given
// Kind; the others are zero.
type AuthConfig struct {
	Kind   AuthKind `json:"type"`
	Header string   `json:"header,omitempty"` // Bearer, ApiKey
	Prefix string   `json:"prefix,omitempty"` // Bearer
}

func (a *AuthConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type   string `json:"type"`
		Header string `json:"header"`
		Prefix string `json:"prefix"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch AuthKind(raw.Type) {
	case AuthBearer, AuthAPIKey, AuthBasic:
	default:
		return fmt.Errorf("manifest: unknown auth_config type %q", raw.Type)
	}
	a.Kind = AuthKind(raw.Type)
	a.Header = raw.Header
	a.Prefix = raw.Prefix
	return nil
}

// ApiConfig names one upstream service and how to authenticate against it.
type ApiConfig struct {
	Name        string      `json:"name"`
	BaseURL     string      `json:"base_url"`
	Description string      `json:"description,omitempty"`
	Version     string      `json:"version,omitempty"`
	AuthConfig  *AuthConfig `json:"auth_config,omitempty"`
}

// ParamDef describes one parameter of a FunctionDef.
type ParamDef struct {
	Name        string        `json:"name"`
	Location    ParamLocation `json:"location"`
	ScalarType  ScalarType    `json:"scalar_type"`
	Required    bool          `json:"required"`
	Description string        `json:"description,omitempty"`
	Default     any           `json:"default,omitempty"`
	EnumValues  []string      `json:"enum_values,omitempty"`
	Format      string        `json:"format,omitempty"`
}

// RequestBodyDef describes the trailing request-body argument of a function.
type RequestBodyDef struct {
	ContentType string `json:"content_type"`
	SchemaName  string `json:"schema_name"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// FunctionDef is one callable operation, bound at sdk.<name> (or nested
// under sdk.<a>.<b>...<name> for dotted names).
type FunctionDef struct {
	Name           string          `json:"name"`
	API            string          `json:"api"`
	Tag            string          `json:"tag,omitempty"`
	Method         HTTPMethod      `json:"method"`
	Path           string          `json:"path"`
	Summary        string          `json:"summary,omitempty"`
	Description    string          `json:"description,omitempty"`
	Deprecated     bool            `json:"deprecated"`
	Parameters     []ParamDef      `json:"parameters,omitempty"`
	RequestBody    *RequestBodyDef `json:"request_body,omitempty"`
	ResponseSchema string          `json:"response_schema,omitempty"`
}

// SchemaDef is a named JSON Schema document, documentation-only for the
// executor except when a RequestBodyDef.SchemaName resolves to it (see
// internal/schema).
type SchemaDef struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

// Manifest is the immutable, plain-data description of every API, function,
// and schema the runtime exposes. It is created once externally and shared
// read-only across every execution for the life of the server.
type Manifest struct {
	APIs      []ApiConfig   `json:"apis"`
	Functions []FunctionDef `json:"functions"`
	Schemas   []SchemaDef   `json:"schemas"`
}

// Decode parses a manifest JSON document and validates its cross-reference
// invariants: every FunctionDef.API must name exactly one ApiConfig, and
// every path-parameter placeholder in a function's path must have a
// matching required Path parameter.
func Decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: decode: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// APIByName returns the ApiConfig for the given name, and whether it exists.
func (m *Manifest) APIByName(name string) (ApiConfig, bool) {
	for _, a := range m.APIs {
		if a.Name == name {
			return a, true
		}
	}
	return ApiConfig{}, false
}

// SchemaByName returns the SchemaDef for the given name, and whether it exists.
func (m *Manifest) SchemaByName(name string) (SchemaDef, bool) {
	for _, s := range m.Schemas {
		if s.Name == name {
			return s, true
		}
	}
	return SchemaDef{}, false
}

// Validate checks the manifest-level cross-reference invariants. It does
// not mutate the manifest.
func (m *Manifest) Validate() error {
	apiNames := make(map[string]struct{}, len(m.APIs))
	for _, a := range m.APIs {
		apiNames[a.Name] = struct{}{}
	}

	for _, fn := range m.Functions {
		if _, ok := apiNames[fn.API]; !ok {
			return fmt.Errorf("manifest: function %q references unknown api %q", fn.Name, fn.API)
		}
		switch fn.Method {
		case MethodGet, MethodPost, MethodPut, MethodPatch, MethodDelete:
		default:
			return fmt.Errorf("manifest: function %q has unsupported method %q", fn.Name, fn.Method)
		}

		required := make(map[string]bool, len(fn.Parameters))
		for _, p := range fn.Parameters {
			if p.Location == LocationPath {
				required[p.Name] = p.Required
			}
		}
		for _, name := range pathPlaceholders(fn.Path) {
			ok, declared := required[name]
			if !declared {
				return fmt.Errorf("manifest: function %q path references undeclared parameter %q", fn.Name, name)
			}
			if !ok {
				return fmt.Errorf("manifest: function %q path parameter %q must be required", fn.Name, name)
			}
		}
	}
	return nil
}

// pathPlaceholders extracts the {name} placeholders from a path template in
// order of first appearance.
func pathPlaceholders(path string) []string {
	var names []string
	i := 0
	for i < len(path) {
		start := strings.IndexByte(path[i:], '{')
		if start < 0 {
			break
		}
		start += i
		end := strings.IndexByte(path[start:], '}')
		if end < 0 {
			break
		}
		end += start
		names = append(names, path[start+1:end])
		i = end + 1
	}
	return names
}
