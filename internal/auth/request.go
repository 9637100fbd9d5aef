package auth

import (
	"encoding/json"
	"fmt"
)

// rawCredentials mirrors the per-request JSON shape:
//
//	{"<api>": {"type": "bearer", "token": "..."}}
//	{"<api>": {"type": "api_key", "key": "..."}}
//	{"<api>": {"type": "basic", "username": "...", "password": "..."}}
type rawCredentials struct {
	Type     string `json:"type"`
	Token    string `json:"token"`
	Key      string `json:"key"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// DecodeRequestAuth parses the per-request auth map attached to an MCP
// call's request metadata.
func DecodeRequestAuth(data []byte) (Map, error) {
	var raw map[string]rawCredentials
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("auth: decode request auth: %w", err)
	}
	out := make(Map, len(raw))
	for api, c := range raw {
		switch c.Type {
		case "bearer":
			out[api] = Credentials{Kind: BearerToken, Token: c.Token}
		case "api_key":
			out[api] = Credentials{Kind: APIKey, Token: c.Key}
		case "basic":
			out[api] = Credentials{Kind: Basic, Username: c.Username, Password: c.Password}
		default:
			return nil, fmt.Errorf("auth: unknown credential type %q for api %q", c.Type, api)
		}
	}
	return out, nil
}
