// Copyright 2025 The Starcite Go SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package starcite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/yosida95/uritemplate/v3"
	"golang.org/x/oauth2"
)

// tokenSource is the minimal interface the transport needs from an
// authentication strategy: either a static bearer token or a
// self-refreshing oauth2.TokenSource (see SessionTokenSource).
type tokenSource interface {
	Token(ctx context.Context) (string, error)
}

// staticToken is a tokenSource that never changes, the common case of a
// caller-supplied API key or pre-minted session token.
type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }

// oauth2TokenSource adapts an oauth2.TokenSource (e.g. SessionTokenSource)
// to the transport's tokenSource interface.
type oauth2TokenSource struct{ ts oauth2.TokenSource }

func (o oauth2TokenSource) Token(ctx context.Context) (string, error) {
	tok, err := o.ts.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// transport is the shared HTTP layer: URL normalization, auth
// header injection, typed error mapping, and jsonschema validation of
// responses.
type transport struct {
	baseURL     string // normalized, ends in /v1, no trailing slash beyond that
	httpClient  *http.Client
	token       tokenSource
	schemaCache *schemaCache
}

// newTransport validates and normalizes baseURL (must be http(s)://...)
// and returns a ready-to-use transport. token may be nil for unauthenticated
// use (rare, but some deployments allow it for session creation behind a
// network perimeter).
func newTransport(baseURL string, httpClient *http.Client, token tokenSource) (*transport, error) {
	normalized, err := normalizeBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &transport{
		baseURL:     normalized,
		httpClient:  httpClient,
		token:       token,
		schemaCache: newSchemaCache(),
	}, nil
}

// normalizeBaseURL ensures the URL is http(s):// and ends in exactly "/v1"
// with no trailing slash.
func normalizeBaseURL(raw string) (string, error) {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return "", &ConfigError{Message: fmt.Sprintf("base URL %q must be http:// or https://", raw)}
	}
	trimmed := strings.TrimRight(raw, "/")
	if strings.HasSuffix(trimmed, "/v1") {
		return trimmed, nil
	}
	return trimmed + "/v1", nil
}

// path expands a URI template relative to the transport's base URL.
// Grounded on the need to build /sessions/{id}/append and
// /sessions/{id}/tail the same way across the HTTP transport and the tail
// stream's WS URL construction.
func (t *transport) path(tmpl string, values uritemplate.Values) (string, error) {
	parsed, err := uritemplate.New(tmpl)
	if err != nil {
		return "", fmt.Errorf("starcite: internal: bad uri template %q: %w", tmpl, err)
	}
	expanded, err := parsed.Expand(values)
	if err != nil {
		return "", fmt.Errorf("starcite: internal: bad uri template %q: %w", tmpl, err)
	}
	return t.baseURL + expanded, nil
}

// requestInto performs one HTTP round trip against url, an absolute URL
// built via [transport.path]. into, if non-nil, receives the
// schema-validated JSON response body; schemaWhere labels the validation
// for error messages. sessionID, possibly empty, identifies the session
// the call concerns and is carried into a *TokenExpiredError when a 401
// turns out to be an expired session token.
func requestInto[T any](ctx context.Context, t *transport, method, url string, body any, into *T, schemaWhere, sessionID string) error {
	var reader io.Reader
	var hasBody bool
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("starcite: encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
		hasBody = true
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("starcite: build request: %w", err)
	}
	if hasBody && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	var bearer string
	if t.token != nil {
		tok, err := t.token.Token(ctx)
		if err != nil {
			return fmt.Errorf("starcite: resolve auth token: %w", err)
		}
		if tok != "" {
			bearer = tok
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return &ConnectionError{Message: fmt.Sprintf("request to %s failed", t.baseURL), Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ConnectionError{Message: "failed to read response body", Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := apiErrorFromBody(resp.StatusCode, data)
		if resp.StatusCode == http.StatusUnauthorized {
			// An expired session token is distinguished from other auth
			// failures so callers can re-mint and retry: trust the server's
			// error code, or peek the bearer JWT's exp claim for servers that
			// return a generic 401.
			if apiErr, ok := err.(*ApiError); ok && (apiErr.Code == "token_expired" || bearerTokenExpired(bearer)) {
				return &TokenExpiredError{SessionID: sessionID}
			}
		}
		return err
	}

	if len(data) == 0 {
		return nil
	}
	if into == nil {
		return nil
	}

	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		// Tolerate non-object 2xx bodies (e.g. arrays) by skipping schema
		// validation against a map, but still decode into T directly.
		if err := json.Unmarshal(data, into); err != nil {
			return &ConnectionError{Message: "response body was not valid JSON", Cause: err}
		}
		return nil
	}
	if err := validateAgainst[T](t.schemaCache, generic, schemaWhere); err != nil {
		return err
	}
	if err := json.Unmarshal(data, into); err != nil {
		return &ConnectionError{Message: "response body did not match expected shape", Cause: err}
	}
	return nil
}

// apiErrorFromBody extracts {error:{code,message}} from a non-2xx body,
// falling back to http_<status> / the status text when the body doesn't
// match that shape.
func apiErrorFromBody(status int, data []byte) error {
	code := fmt.Sprintf("http_%d", status)
	message := http.StatusText(status)
	var payload map[string]any
	var env errorEnvelope
	if len(data) > 0 {
		if err := json.Unmarshal(data, &env); err == nil && env.Error.Code != "" {
			code = env.Error.Code
			if env.Error.Message != "" {
				message = env.Error.Message
			}
		}
		_ = json.Unmarshal(data, &payload)
	}
	return &ApiError{Status: status, Code: code, Message: message, Payload: payload}
}

// uvInt / uvStr are small uritemplate.Value builders so call sites don't
// repeat the uritemplate.String(strconv.FormatInt(...)) boilerplate.
func uvInt(n int64) uritemplate.Value  { return uritemplate.String(strconv.FormatInt(n, 10)) }
func uvStr(s string) uritemplate.Value { return uritemplate.String(s) }
