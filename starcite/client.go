// Copyright 2025 The Starcite Go SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package starcite

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	neturl "net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// ClientOptions configures a [Client]. BaseURL is the only required field.
type ClientOptions struct {
	// BaseURL is the HTTP(S) origin of the Starcite server, e.g.
	// "https://api.starcite.example". The client normalizes it to end in
	// "/v1".
	BaseURL string
	// WSBaseURL overrides the WebSocket origin derived from BaseURL
	// (http->ws, https->wss). Set this when the tail endpoint lives behind
	// a different host than the REST API.
	WSBaseURL string
	// HTTPClient is used for REST calls. Defaults to http.DefaultClient.
	HTTPClient *http.Client
	// Token authenticates every request. Accepts a static string, an
	// oauth2.TokenSource, or a *SessionTokenSource. Nil means
	// unauthenticated (only valid against servers that allow it).
	Token any
	// SocketFactory overrides how tail connections are dialed. Nil uses
	// DefaultSocketFactory with query-parameter auth. Takes precedence over
	// Dialer if both are set.
	SocketFactory SocketFactory
	// Dialer, if set (and SocketFactory is nil), dials tail connections with
	// a caller-configured *Dialer instead of gorilla/websocket.DefaultDialer,
	// e.g. to supply a custom tls.Config or an HTTP(S) proxy. Setting
	// Dialer switches tail auth to the Authorization header instead of the
	// access_token query parameter, same as supplying a SocketFactory
	// directly (see [TailStreamOptions.SocketFactory]).
	Dialer *Dialer
	// Logger receives structured logs of REST calls and tail lifecycle
	// events for every Session this Client creates. Defaults to
	// slog.Default() when nil.
	Logger *slog.Logger
}

// Client is the entry point to the Starcite API: session lifecycle calls
// plus a factory for [Session] handles.
type Client struct {
	transport     *transport
	wsBaseURL     string
	socketFactory SocketFactory
	rawToken      string // best-effort static token, used to build tail URLs/headers
	tokenSrc      tokenSource
	logger        *slog.Logger
}

// NewClient builds a Client from opts, normalizing BaseURL/WSBaseURL and
// wrapping opts.Token into the transport's internal tokenSource
// abstraction.
func NewClient(opts ClientOptions) (*Client, error) {
	var ts tokenSource
	var raw string
	switch t := opts.Token.(type) {
	case nil:
		ts = nil
	case string:
		ts = staticToken(t)
		raw = t
	case oauth2.TokenSource:
		ts = oauth2TokenSource{ts: t}
		if tok, err := t.Token(); err == nil {
			raw = tok.AccessToken
		}
	default:
		return nil, &ConfigError{Message: fmt.Sprintf("unsupported Token type %T", opts.Token)}
	}

	tr, err := newTransport(opts.BaseURL, opts.HTTPClient, ts)
	if err != nil {
		return nil, err
	}

	wsBase := opts.WSBaseURL
	if wsBase == "" {
		wsBase, err = deriveWSBaseURL(tr.baseURL)
		if err != nil {
			return nil, err
		}
	} else {
		wsBase, err = normalizeBaseURL(wsBase)
		if err != nil {
			return nil, err
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	socketFactory := opts.SocketFactory
	if socketFactory == nil && opts.Dialer != nil {
		socketFactory = SocketFactoryFromDialer(opts.Dialer)
	}

	return &Client{
		transport:     tr,
		wsBaseURL:     wsBase,
		socketFactory: socketFactory,
		rawToken:      raw,
		tokenSrc:      ts,
		logger:        logger,
	}, nil
}

func deriveWSBaseURL(httpBaseURL string) (string, error) {
	switch {
	case strings.HasPrefix(httpBaseURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpBaseURL, "https://"), nil
	case strings.HasPrefix(httpBaseURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpBaseURL, "http://"), nil
	default:
		return "", &ConfigError{Message: fmt.Sprintf("cannot derive a ws(s):// base from %q", httpBaseURL)}
	}
}

// CreateSession creates a new session and returns its record.
func (c *Client) CreateSession(ctx context.Context, in CreateSessionInput) (*SessionRecord, error) {
	url, err := c.transport.path("/sessions", nil)
	if err != nil {
		return nil, err
	}
	var out SessionRecord
	if err := requestInto(ctx, c.transport, http.MethodPost, url, in, &out, "session", in.ID); err != nil {
		c.logger.Error("starcite: create session failed", "session_id", in.ID, "error", err)
		return nil, err
	}
	c.logger.Info("starcite: session created", "session_id", out.ID)
	return &out, nil
}

// ListSessions lists sessions visible to the caller's credentials. Metadata
// filters are encoded as repeated metadata.<key>=<value> query parameters;
// every filter key and value must be a non-empty string.
func (c *Client) ListSessions(ctx context.Context, in ListSessionsInput) (*ListSessionsResponse, error) {
	var query []string
	if in.Limit > 0 {
		query = append(query, "limit="+strconv.Itoa(in.Limit))
	}
	if in.Cursor != "" {
		query = append(query, "cursor="+neturl.QueryEscape(in.Cursor))
	}
	keys := make([]string, 0, len(in.Metadata))
	for k := range in.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys) // deterministic query-string ordering
	for _, k := range keys {
		v := in.Metadata[k]
		if k == "" || v == "" {
			return nil, &ConfigError{Message: "ListSessionsInput.Metadata keys and values must be non-empty"}
		}
		query = append(query, "metadata."+neturl.QueryEscape(k)+"="+neturl.QueryEscape(v))
	}
	url, err := c.transport.path("/sessions", nil)
	if err != nil {
		return nil, err
	}
	if len(query) > 0 {
		url += "?" + strings.Join(query, "&")
	}
	var out ListSessionsResponse
	if err := requestInto(ctx, c.transport, http.MethodGet, url, nil, &out, "session list", ""); err != nil {
		return nil, err
	}
	return &out, nil
}

// IssueSessionToken mints a scoped, time-limited token for a session,
// typically to hand to an untrusted client (e.g. a browser tab) that
// should only be able to read or append to one session.
func (c *Client) IssueSessionToken(ctx context.Context, in IssueSessionTokenInput) (*IssueSessionTokenResponse, error) {
	url, err := c.transport.path("/auth/session-tokens", nil)
	if err != nil {
		return nil, err
	}
	var out IssueSessionTokenResponse
	if err := requestInto(ctx, c.transport, http.MethodPost, url, in, &out, "session token", in.SessionID); err != nil {
		return nil, err
	}
	return &out, nil
}

// SessionOptions configures a [Session] handle returned by
// [Client.Session].
type SessionOptions struct {
	// ProducerID identifies this process as an event producer. If empty,
	// one is generated (or loaded from IdentityStore, if set).
	ProducerID string
	// IdentityStore, if set, persists (ProducerID, producerSeq) across
	// process restarts so a restarted producer never reuses a producer_seq
	// it already committed. See FileProducerIdentityStore.
	IdentityStore ProducerIdentityStore
	// CursorStore persists consume() checkpoints. Defaults to an
	// in-process MemoryCursorStore (durable only within this run).
	CursorStore CursorStore
	// RateLimiter, if set, throttles Append calls client-side.
	RateLimiter *rate.Limiter
	// LogMaxEvents bounds the in-memory retention of the Session's
	// [SessionLog], used by [Session.On]. Zero means unbounded.
	LogMaxEvents int
}

// Session is a handle to one session's append/tail/consume operations,
// bound to a [Client]'s transport and credentials.
type Session struct {
	id            string
	transport     *transport
	wsBaseURL     string
	rawToken      string
	socketFactory SocketFactory

	identityStore ProducerIdentityStore
	cursorStore   CursorStore
	limiter       *rate.Limiter
	log           *SessionLog

	logger *slog.Logger

	mu            sync.Mutex
	producerReady bool
	producerID    string
	producerSeq   int64

	liveMu        sync.Mutex
	liveListeners int
	liveAbort     chan struct{}
	liveDone      chan struct{}
}

// Session returns a handle bound to sessionID. It performs no I/O; the
// producer identity is lazily resolved on the first Append call.
func (c *Client) Session(sessionID string, opts SessionOptions) *Session {
	cursorStore := opts.CursorStore
	if cursorStore == nil {
		cursorStore = NewMemoryCursorStore()
	}
	return &Session{
		id:            sessionID,
		transport:     c.transport,
		wsBaseURL:     c.wsBaseURL,
		rawToken:      c.rawToken,
		socketFactory: c.socketFactory,
		identityStore: opts.IdentityStore,
		cursorStore:   cursorStore,
		limiter:       opts.RateLimiter,
		producerID:    opts.ProducerID,
		log:           NewSessionLog(opts.LogMaxEvents),
		logger:        c.logger,
	}
}

func (s *Session) ID() string { return s.id }

// resolveProducer loads (or generates) this session's producer identity
// exactly once, preferring a persisted identity so a restarted process
// doesn't reuse a producer_seq it already committed.
func (s *Session) resolveProducer(ctx context.Context) (string, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.producerReady {
		return s.producerID, s.producerSeq, nil
	}
	if s.identityStore != nil {
		id, seq, ok, err := s.identityStore.Load(ctx, s.id)
		if err != nil {
			return "", 0, fmt.Errorf("starcite: load producer identity: %w", err)
		}
		// Adopt the persisted counter unless the caller pinned a different
		// producer id, in which case the stored identity belongs to another
		// producer and this one starts fresh.
		if ok && (s.producerID == "" || id == s.producerID) {
			s.producerID = id
			s.producerSeq = seq
		}
	}
	if s.producerID == "" {
		s.producerID = generateProducerID()
	}
	s.producerReady = true
	return s.producerID, s.producerSeq, nil
}

func generateProducerID() string {
	return "producer-" + uuid.New().String()
}

// SessionTokenSource mints and proactively refreshes a scoped session
// token via [Client.IssueSessionToken], implementing oauth2.TokenSource so
// it can be handed to [ClientOptions.Token] or used directly with
// [golang.org/x/oauth2.ReuseTokenSource]. It peeks the token's unverified
// "exp" claim (the server is the source of truth; this client never
// verifies the signature) to decide when a cached token is stale, rather
// than trusting wall-clock TTL bookkeeping alone.
type SessionTokenSource struct {
	Client *Client
	Input  IssueSessionTokenInput

	mu       sync.Mutex
	cached   string
	expireAt time.Time
}

// Token implements oauth2.TokenSource.
func (s *SessionTokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != "" && time.Now().Before(s.expireAt) {
		return &oauth2.Token{AccessToken: s.cached, TokenType: "Bearer", Expiry: s.expireAt}, nil
	}

	resp, err := s.Client.IssueSessionToken(context.Background(), s.Input)
	if err != nil {
		return nil, fmt.Errorf("starcite: issue session token: %w", err)
	}

	expireAt := expireAtFromToken(resp.Token, resp.ExpiresIn)
	s.cached = resp.Token
	s.expireAt = expireAt
	return &oauth2.Token{AccessToken: resp.Token, TokenType: "Bearer", Expiry: expireAt}, nil
}

// expireAtFromToken peeks the token's unverified JWT "exp" claim, falling
// back to now+expiresIn when the token isn't a parseable JWT (some
// deployments issue opaque tokens). A 30s safety margin is subtracted so
// callers refresh slightly before the server would reject it.
func expireAtFromToken(token string, expiresIn int) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err == nil {
		if expf, ok := claims["exp"]; ok {
			if secs, ok := toFloat(expf); ok {
				return time.Unix(int64(secs), 0).Add(-30 * time.Second)
			}
		}
	}
	if expiresIn <= 0 {
		expiresIn = 60
	}
	return time.Now().Add(time.Duration(expiresIn)*time.Second - 30*time.Second)
}

// bearerTokenExpired peeks an unverified JWT "exp" claim on the bearer
// token a request was sent with and reports whether it has passed. Opaque
// (non-JWT) tokens and tokens without an exp claim report false; for
// those, the server's "token_expired" error code is the only signal.
func bearerTokenExpired(token string) bool {
	if token == "" {
		return false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	expf, ok := claims["exp"]
	if !ok {
		return false
	}
	secs, ok := toFloat(expf)
	if !ok {
		return false
	}
	return time.Now().After(time.Unix(int64(secs), 0))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
