// Copyright 2025 The Starcite Go SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package starcite

import (
	"encoding/json"
	"time"
)

// Event is a server-authoritative, immutable record in a session's
// append-only log. Seq is monotonic and contiguous per session, starting at
// 1.
type Event struct {
	Seq            int64          `json:"seq"`
	Type           string         `json:"type"`
	Payload        map[string]any `json:"payload"`
	Actor          string         `json:"actor"`
	ProducerID     string         `json:"producer_id"`
	ProducerSeq    int64          `json:"producer_seq"`
	Source         string         `json:"source,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Refs           map[string]any `json:"refs,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	InsertedAt     string         `json:"inserted_at,omitempty"`
}

// AppendRequest is the client's request to append one event to a session.
//
// Required fields are Type, Payload, ProducerID, ProducerSeq. ExpectedSeq,
// when non-nil, is an optimistic-concurrency precondition: the server must
// have LastSeq == ExpectedSeq or the append is rejected.
type AppendRequest struct {
	Type           string         `json:"type"`
	Payload        map[string]any `json:"payload"`
	Actor          string         `json:"actor"`
	ProducerID     string         `json:"producer_id"`
	ProducerSeq    int64          `json:"producer_seq"`
	Source         string         `json:"source,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Refs           map[string]any `json:"refs,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	ExpectedSeq    *int64         `json:"expected_seq,omitempty"`
}

// AppendResponse is the server's reply to an append. Deduped is true when
// the server matched an earlier (ProducerID, ProducerSeq) or
// IdempotencyKey and returned the prior outcome instead of creating a new
// event.
type AppendResponse struct {
	Seq     int64 `json:"seq"`
	LastSeq int64 `json:"last_seq"`
	Deduped bool  `json:"deduped"`
}

// SessionRecord describes a session as returned by the server.
type SessionRecord struct {
	ID        string         `json:"id"`
	LastSeq   int64          `json:"last_seq"`
	Title     string         `json:"title,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// SessionListItem is one entry in a [ListSessionsResponse].
type SessionListItem struct {
	ID        string         `json:"id"`
	LastSeq   int64          `json:"last_seq"`
	Title     string         `json:"title,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// CreateSessionInput is the body of POST /sessions.
type CreateSessionInput struct {
	ID               string         `json:"id,omitempty"`
	Title            string         `json:"title,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatorPrincipal string         `json:"creator_principal,omitempty"`
}

// ListSessionsInput is the query parameters for GET /sessions.
type ListSessionsInput struct {
	Limit    int
	Cursor   string
	Metadata map[string]string
}

// ListSessionsResponse is the body of GET /sessions.
type ListSessionsResponse struct {
	Sessions   []SessionListItem `json:"sessions"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

// TokenScope is one of the closed set of session-token scopes.
type TokenScope string

const (
	ScopeSessionRead   TokenScope = "session:read"
	ScopeSessionAppend TokenScope = "session:append"
)

// IssueSessionTokenInput is the body of POST /auth/session-tokens.
type IssueSessionTokenInput struct {
	SessionID  string       `json:"session_id"`
	Principal  string       `json:"principal"`
	Scopes     []TokenScope `json:"scopes"`
	TTLSeconds int          `json:"ttl_seconds,omitempty"`
}

// IssueSessionTokenResponse is the body of the session-token response.
type IssueSessionTokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

// errorEnvelope is the wire shape of a non-2xx JSON error body. Servers
// emit either {"error": {"code": "...", "message": "..."}} or the short
// form {"error": "some_code"}.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *errorBody) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &e.Code)
	}
	type plain errorBody
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = errorBody(p)
	return nil
}
