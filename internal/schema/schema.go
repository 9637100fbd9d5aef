// Package schema best-effort validates a marshaled request body against
// its named manifest schema before the registry issues the HTTP call.
package schema

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"apiscript-runtime/internal/manifest"
)

// Validator compiles and caches every named schema in a manifest, so
// validation during a hot SDK call is just a map lookup plus Validate.
type Validator struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// New compiles every schema in m.Schemas. A schema that fails to compile
// (absent, not valid JSON Schema) is skipped rather than failing
// construction: validation for it silently becomes a no-op, matching the
// "never blocks a function with no resolvable schema" contract.
func New(m *manifest.Manifest) *Validator {
	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(m.Schemas))}
	for _, s := range m.Schemas {
		compiled, err := compile(s)
		if err != nil {
			continue
		}
		v.schemas[s.Name] = compiled
	}
	return v
}

func compile(s manifest.SchemaDef) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("mem://apiscript-runtime/schemas/%s.json", s.Name)
	if err := c.AddResource(url, strings.NewReader(string(s.Schema))); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// Validate checks body against the named schema. If the schema is unknown
// (never compiled, or compilation failed at construction time), Validate
// returns nil: the call proceeds unvalidated. A validation failure returns
// a non-nil error naming the function, suitable for wrapping into a
// parameter-class script error.
func (v *Validator) Validate(funcName, schemaName string, body any) error {
	v.mu.RLock()
	s, ok := v.schemas[schemaName]
	v.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := s.Validate(body); err != nil {
		return fmt.Errorf("request body for function %q failed schema %q: %w", funcName, schemaName, err)
	}
	return nil
}
