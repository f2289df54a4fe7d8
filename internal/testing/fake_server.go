// Package testing provides an in-process fake Starcite server for tests:
// REST session endpoints plus a WebSocket tail endpoint, backed by a
// simple in-memory event log. Grounded on fake_auth_server.go's
// httptest-server-as-test-fixture shape and JWT minting via
// github.com/golang-jwt/jwt/v5, generalized from OAuth token issuance to
// session-log serving.
package testing

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

var fakeJWTSigningKey = []byte("fake-starcite-signing-key")

type fakeEvent struct {
	Seq         int64          `json:"seq"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload"`
	Actor       string         `json:"actor"`
	ProducerID  string         `json:"producer_id"`
	ProducerSeq int64          `json:"producer_seq"`
	Source      string         `json:"source,omitempty"`
}

type fakeSession struct {
	mu            sync.Mutex
	id            string
	events        []fakeEvent
	seen          map[string]int64 // idempotency key -> seq already assigned
	waiters       []chan struct{}  // notified whenever a new event is appended
	dropAfterSeq  int64            // test hook: see DropTailAfter
	dropRemaining int              // number of future tail connections that still honor dropAfterSeq
	skipToSeqOnce int64            // test hook: see ForceGapOnce
}

// FakeServer is an in-memory Starcite server for tests. Its HTTP address
// is an httptest server; its WebSocket tail endpoint is served from the
// same mux, upgraded per-request.
type FakeServer struct {
	HTTP *httptest.Server

	mu         sync.Mutex
	sessions   map[string]*fakeSession
	upgrader   websocket.Upgrader
	InjectFail func(path string) (status int, body string, ok bool) // test hook
}

// NewFakeServer starts a FakeServer listening on an ephemeral local port.
// Call Close when done.
func NewFakeServer() *FakeServer {
	s := &FakeServer{
		sessions: make(map[string]*fakeSession),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions", s.handleSessions)
	mux.HandleFunc("/v1/sessions/", s.handleSessionSubpaths)
	mux.HandleFunc("/v1/auth/session-tokens", s.handleIssueToken)
	s.HTTP = httptest.NewServer(mux)
	return s
}

// Close shuts down the underlying httptest server.
func (s *FakeServer) Close() { s.HTTP.Close() }

// BaseURL returns the HTTP(S) base URL suitable for starcite.ClientOptions.BaseURL.
func (s *FakeServer) BaseURL() string { return s.HTTP.URL }

// WSBaseURL returns the ws:// base URL for the same server.
func (s *FakeServer) WSBaseURL() string {
	return "ws://" + strings.TrimPrefix(s.HTTP.URL, "http://")
}

// DropTailAfter arranges for the next `times` tail connections opened
// against sessionID to close uncleanly (no close frame, simulating close
// code 1006) as soon as they have delivered an event with the given seq,
// letting tests exercise a managed-socket reconnect mid-stream instead
// of only a graceful catch-up close.
func (s *FakeServer) DropTailAfter(sessionID string, seq int64, times int) {
	sess := s.session(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.dropAfterSeq = seq
	sess.dropRemaining = times
}

// ForceGapOnce arranges for the next tail batch (across any connection,
// consumed the first time it would apply) that would otherwise deliver
// seq toSeq to instead jump straight to it, silently advancing past every
// intervening seq as if the server had a delivery bug. The client's
// SessionLog then sees a batch whose first event is toSeq while its own
// LastSeq is toSeq-2 or lower, raises a gap, and the live-sync task
// reconnects from its own LastSeq to backfill.
func (s *FakeServer) ForceGapOnce(sessionID string, toSeq int64) {
	sess := s.session(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.skipToSeqOnce = toSeq
}

func (s *FakeServer) session(id string) *fakeSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &fakeSession{id: id, seen: make(map[string]int64)}
		s.sessions[id] = sess
	}
	return sess
}

func (s *FakeServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.maybeInject(w, r.URL.Path) {
		return
	}
	switch r.Method {
	case http.MethodPost:
		var in struct {
			ID               string         `json:"id"`
			Title            string         `json:"title"`
			Metadata         map[string]any `json:"metadata"`
			CreatorPrincipal string         `json:"creator_principal"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeAPIError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		id := in.ID
		if id == "" {
			id = fmt.Sprintf("sess-%d", time.Now().UnixNano())
		}
		s.mu.Lock()
		_, exists := s.sessions[id]
		s.mu.Unlock()
		if exists {
			writeAPIError(w, http.StatusConflict, "session_exists", "session already exists")
			return
		}
		sess := s.session(id)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(sessionRecordJSON(sess))
	case http.MethodGet:
		s.mu.Lock()
		items := make([]map[string]any, 0, len(s.sessions))
		for _, sess := range s.sessions {
			items = append(items, sessionListItemJSON(sess))
		}
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"sessions": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *FakeServer) handleSessionSubpaths(w http.ResponseWriter, r *http.Request) {
	if s.maybeInject(w, r.URL.Path) {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	switch {
	case strings.HasSuffix(rest, "/append"):
		s.handleAppend(w, r, strings.TrimSuffix(rest, "/append"))
	case strings.HasSuffix(rest, "/tail"):
		s.handleTail(w, r, strings.TrimSuffix(rest, "/tail"))
	default:
		s.handleGetSession(w, r, rest)
	}
}

func (s *FakeServer) handleGetSession(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sess := s.session(id)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sessionRecordJSON(sess))
}

func (s *FakeServer) handleAppend(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var in struct {
		Type           string         `json:"type"`
		Payload        map[string]any `json:"payload"`
		Actor          string         `json:"actor"`
		ProducerID     string         `json:"producer_id"`
		ProducerSeq    int64          `json:"producer_seq"`
		Source         string         `json:"source"`
		IdempotencyKey string         `json:"idempotency_key"`
		ExpectedSeq    *int64         `json:"expected_seq"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	sess := s.session(id)
	sess.mu.Lock()

	if in.IdempotencyKey != "" {
		if seq, ok := sess.seen[in.IdempotencyKey]; ok {
			last := sess.events[len(sess.events)-1].Seq
			sess.mu.Unlock()
			writeJSON(w, http.StatusOK, map[string]any{"seq": seq, "last_seq": last, "deduped": true})
			return
		}
	}

	lastSeq := int64(0)
	if n := len(sess.events); n > 0 {
		lastSeq = sess.events[n-1].Seq
	}
	if in.ExpectedSeq != nil && *in.ExpectedSeq != lastSeq {
		sess.mu.Unlock()
		writeAPIError(w, http.StatusConflict, "seq_mismatch", "expected_seq did not match")
		return
	}

	newSeq := lastSeq + 1
	ev := fakeEvent{
		Seq: newSeq, Type: in.Type, Payload: in.Payload, Actor: in.Actor,
		ProducerID: in.ProducerID, ProducerSeq: in.ProducerSeq, Source: in.Source,
	}
	sess.events = append(sess.events, ev)
	if in.IdempotencyKey != "" {
		sess.seen[in.IdempotencyKey] = newSeq
	}
	waiters := sess.waiters
	sess.waiters = nil
	sess.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}

	writeJSON(w, http.StatusCreated, map[string]any{"seq": newSeq, "last_seq": newSeq, "deduped": false})
}

func (s *FakeServer) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var in struct {
		SessionID  string   `json:"session_id"`
		Principal  string   `json:"principal"`
		Scopes     []string `json:"scopes"`
		TTLSeconds int      `json:"ttl_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	ttl := in.TTLSeconds
	if ttl <= 0 {
		ttl = 3600
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":        in.Principal,
		"session_id": in.SessionID,
		"scopes":     in.Scopes,
		"exp":        now.Add(time.Duration(ttl) * time.Second).Unix(),
		"iat":        now.Unix(),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(fakeJWTSigningKey)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": tok, "expires_in": ttl})
}

// handleTail upgrades to a WebSocket and streams batches of events
// starting from the cursor query param, honoring batch_size, agent, and
// follow.
func (s *FakeServer) handleTail(w http.ResponseWriter, r *http.Request, id string) {
	q := r.URL.Query()
	cursor, _ := strconv.ParseInt(q.Get("cursor"), 10, 64)
	batchSize, _ := strconv.Atoi(q.Get("batch_size"))
	if batchSize <= 0 {
		batchSize = 256
	}
	agent := q.Get("agent")
	follow := q.Get("follow") != "0"

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sess := s.session(id)
	pos := cursor

	sess.mu.Lock()
	dropAfterSeq := int64(0)
	honorDrop := sess.dropRemaining > 0
	if honorDrop {
		dropAfterSeq = sess.dropAfterSeq
		sess.dropRemaining--
	}
	sess.mu.Unlock()

	for {
		sess.mu.Lock()
		skipToSeq := sess.skipToSeqOnce
		var batch []fakeEvent
		for _, ev := range sess.events {
			if ev.Seq <= pos {
				continue
			}
			if agent != "" && ev.Actor != "agent:"+agent {
				pos = ev.Seq
				continue
			}
			if skipToSeq != 0 && ev.Seq < skipToSeq {
				// Simulated server delivery bug: advance past this event
				// without ever sending it (see ForceGapOnce).
				pos = ev.Seq
				continue
			}
			if skipToSeq != 0 && ev.Seq == skipToSeq {
				sess.skipToSeqOnce = 0
			}
			batch = append(batch, ev)
			pos = ev.Seq
			if len(batch) >= batchSize {
				break
			}
		}
		caughtUp := len(batch) == 0
		var wait chan struct{}
		if caughtUp {
			wait = make(chan struct{})
			sess.waiters = append(sess.waiters, wait)
		}
		sess.mu.Unlock()

		if len(batch) > 0 {
			data, _ := json.Marshal(batch)
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			if honorDrop && batch[len(batch)-1].Seq >= dropAfterSeq {
				// Hard-close the raw connection with no close frame, simulating
				// an abnormal closure (code 1006) so tests can exercise the
				// managed socket's reconnect path.
				conn.Close()
				return
			}
			continue
		}

		if !follow {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "caught up"),
				time.Now().Add(time.Second))
			return
		}

		select {
		case <-wait:
			continue
		case <-r.Context().Done():
			return
		}
	}
}

func (s *FakeServer) maybeInject(w http.ResponseWriter, path string) bool {
	if s.InjectFail == nil {
		return false
	}
	status, body, ok := s.InjectFail(path)
	if !ok {
		return false
	}
	w.WriteHeader(status)
	w.Write([]byte(body))
	return true
}

func sessionRecordJSON(sess *fakeSession) map[string]any {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	last := int64(0)
	if n := len(sess.events); n > 0 {
		last = sess.events[n-1].Seq
	}
	now := time.Now().UTC().Format(time.RFC3339)
	return map[string]any{"id": sess.id, "last_seq": last, "created_at": now, "updated_at": now}
}

func sessionListItemJSON(sess *fakeSession) map[string]any { return sessionRecordJSON(sess) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"code": code, "message": message}})
}
