// Package httpclient issues the outbound HTTP calls a bound SDK function
// makes, injecting per-API authentication and normalizing the response (or
// error) to a plain Go value ready for conversion back into Lua.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"apiscript-runtime/internal/auth"
	"apiscript-runtime/internal/manifest"
)

// QueryParam is one ordered query-string key/value pair. A slice (rather
// than a map) is used so repeated keys are possible and call sites don't
// need to worry about Go map iteration order.
type QueryParam struct {
	Name  string
	Value string
}

// MockFunc is the signature a test double implements in place of a real
// HTTP round trip.
type MockFunc func(ctx context.Context, method, rawURL string, headers, query []QueryParam, body any) (any, error)

// Handler makes an HTTP call, or delegates to a MockFunc when constructed
// with NewMock. Exactly one of client/mock is set.
type Handler struct {
	client *http.Client
	mock   MockFunc
}

// New constructs a Handler that performs real HTTP requests.
func New() *Handler {
	return &Handler{client: &http.Client{Timeout: 30 * time.Second}}
}

// NewMock constructs a Handler backed by fn, for tests and local dry runs.
func NewMock(fn MockFunc) *Handler {
	return &Handler{mock: fn}
}

// Request performs one HTTP call. auth is injected per authCfg/creds; a
// body, if non-nil, is marshalled as the JSON request body. A non-2xx
// response is returned as an error formatted "HTTP <code> <reason>: <body>".
// A successful response is decoded as JSON into a plain Go value.
func (h *Handler) Request(
	ctx context.Context,
	method, rawURL string,
	authCfg *manifest.AuthConfig,
	creds auth.Credentials,
	headers, query []QueryParam,
	body any,
) (any, error) {
	if h.mock != nil {
		return h.mock(ctx, method, rawURL, headers, query, body)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("httpclient: invalid url %q: %w", rawURL, err)
	}
	if len(query) > 0 {
		// Appended in the given order, repeats included.
		parts := make([]string, 0, len(query)+1)
		if u.RawQuery != "" {
			parts = append(parts, u.RawQuery)
		}
		for _, qp := range query {
			parts = append(parts, url.QueryEscape(qp.Name)+"="+url.QueryEscape(qp.Value))
		}
		u.RawQuery = strings.Join(parts, "&")
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("httpclient: encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("httpclient: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, hp := range headers {
		req.Header.Set(hp.Name, hp.Value)
	}
	injectAuth(req, authCfg, creds)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpclient: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("httpclient: read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reason := http.StatusText(resp.StatusCode)
		return nil, fmt.Errorf("HTTP %d %s: %s", resp.StatusCode, reason, string(respBody))
	}

	if len(respBody) == 0 {
		return nil, nil
	}
	var decoded any
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("httpclient: decode response body as json: %w", err)
	}
	return decoded, nil
}

// injectAuth attaches credentials to req according to authCfg's kind. A
// mismatch between the API's declared auth kind and the credentials on
// hand (e.g. a Basic API with only a bearer token available) is silently a
// no-op, not an error: the upstream call is left to fail on its own if
// credentials are actually required.
func injectAuth(req *http.Request, authCfg *manifest.AuthConfig, creds auth.Credentials) {
	if authCfg == nil {
		return
	}
	switch {
	case authCfg.Kind == manifest.AuthBearer && creds.Kind == auth.BearerToken:
		req.Header.Set(authCfg.Header, authCfg.Prefix+creds.Token)
	case authCfg.Kind == manifest.AuthAPIKey && creds.Kind == auth.APIKey:
		req.Header.Set(authCfg.Header, creds.Token)
	case authCfg.Kind == manifest.AuthBasic && creds.Kind == auth.Basic:
		req.SetBasicAuth(creds.Username, creds.Password)
	}
}
