// Package auth resolves per-API credentials from the environment and merges
// them with per-request overrides.
package auth

import (
	"os"
	"strings"

	"apiscript-runtime/internal/manifest"
)

// Kind tags the closed set of credential variants a script execution may
// carry for one API.
type Kind int

const (
	None Kind = iota
	BearerToken
	APIKey
	Basic
)

// Credentials is a tagged union over the four auth variants. Only the
// field(s) matching Kind are meaningful.
type Credentials struct {
	Kind     Kind
	Token    string // BearerToken, APIKey
	Username string // Basic
	Password string // Basic
}

// Map maps an API name to the credentials to use for it.
type Map map[string]Credentials

// FromEnv scans the process environment for credentials for every API in
// the manifest, following this precedence:
//  1. <NAME>_BEARER_TOKEN
//  2. <NAME>_API_KEY
//  3. <NAME>_BASIC_USER and <NAME>_BASIC_PASS
//
// A missing variable is not an error; the API simply ends up with no
// server-side credentials.
func FromEnv(m *manifest.Manifest) Map {
	out := make(Map, len(m.APIs))
	for _, api := range m.APIs {
		prefix := strings.ToUpper(api.Name)
		if token, ok := os.LookupEnv(prefix + "_BEARER_TOKEN"); ok {
			out[api.Name] = Credentials{Kind: BearerToken, Token: token}
			continue
		}
		if key, ok := os.LookupEnv(prefix + "_API_KEY"); ok {
			out[api.Name] = Credentials{Kind: APIKey, Token: key}
			continue
		}
		user, userOK := os.LookupEnv(prefix + "_BASIC_USER")
		pass, passOK := os.LookupEnv(prefix + "_BASIC_PASS")
		if userOK && passOK {
			out[api.Name] = Credentials{Kind: Basic, Username: user, Password: pass}
		}
	}
	return out
}

// Merge overlays per-request credentials on top of the long-lived
// environment-derived map. Conflicts resolve in favor of the request.
// Neither input map is mutated; the returned map is safe to borrow for the
// duration of one execution.
func Merge(env, request Map) Map {
	out := make(Map, len(env)+len(request))
	for k, v := range env {
		out[k] = v
	}
	for k, v := range request {
		out[k] = v
	}
	return out
}

// Get returns the credentials for api, or the zero value (Kind: None) if
// none were supplied.
func (m Map) Get(api string) Credentials {
	return m[api]
}
