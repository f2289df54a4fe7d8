// Copyright 2025 The Starcite Go SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package starcite

import "fmt"

// Error is the base of every error originated by this SDK. Callers that
// only care "was this a Starcite error" can match on this interface with
// [errors.As]; callers that care about the specific failure mode should
// match on one of the concrete types below instead.
type Error interface {
	error
	starciteError()
}

// ApiError reports a non-2xx HTTP response from the Starcite server. Code
// discriminates well-known failure modes (e.g. "session_exists",
// "archive_read_unavailable"); Payload carries the decoded error body for
// anything Code doesn't capture.
type ApiError struct {
	Status  int
	Code    string
	Message string
	Payload map[string]any
}

func (e *ApiError) starciteError() {}

func (e *ApiError) Error() string {
	return fmt.Sprintf("starcite: api error: status=%d code=%s: %s", e.Status, e.Code, e.Message)
}

// ConnectionError reports a network failure, an unparseable response body,
// or a tail frame that did not match the wire schema. The latter case is a
// server/compatibility bug, not a transient hiccup: reconnecting will not
// fix it.
type ConnectionError struct {
	Message string
	Cause   error
}

func (e *ConnectionError) starciteError() {}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("starcite: connection error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("starcite: connection error: %s", e.Message)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// SchemaError reports that a parsed value did not conform to the
// jsonschema the caller declared for it. This is treated as a programming
// contract violation (a server/client version skew), not a recoverable
// runtime condition.
type SchemaError struct {
	Where string
	Cause error
}

func (e *SchemaError) starciteError() {}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("starcite: schema validation failed for %s: %v", e.Where, e.Cause)
}

func (e *SchemaError) Unwrap() error { return e.Cause }

// TailStage identifies which phase of the tail pipeline produced a
// [TailError].
type TailStage string

const (
	TailStageConnect   TailStage = "connect"
	TailStageFrame     TailStage = "frame"
	TailStageApply     TailStage = "apply"
	TailStageReconnect TailStage = "reconnect"
)

// TailError reports an unrecoverable tail failure: retries (if any were
// appropriate for Stage) have been exhausted, or Stage is one that is never
// retried (TailStageFrame).
type TailError struct {
	Stage TailStage
	Cause error
}

func (e *TailError) starciteError() {}

func (e *TailError) Error() string {
	return fmt.Sprintf("starcite: tail error at stage %q: %v", e.Stage, e.Cause)
}

func (e *TailError) Unwrap() error { return e.Cause }

// BackpressureError reports that a tail stream's consumer fell behind and
// the bounded batch buffer would have overflowed. Non-retryable from the
// stream's perspective: unbounded buffering would break the
// ready-for-next-reconnect invariant.
type BackpressureError struct {
	MaxBufferedBatches int
}

func (e *BackpressureError) starciteError() {}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("starcite: tail buffer exceeded maxBufferedBatches=%d", e.MaxBufferedBatches)
}

// TokenExpiredError reports that a session token has expired, detected
// from a 401 whose error code is "token_expired" or whose bearer JWT
// carries a past "exp" claim. Distinguished from a generic [ApiError] so
// callers can transparently re-mint a token and retry.
type TokenExpiredError struct {
	SessionID string
}

func (e *TokenExpiredError) starciteError() {}

func (e *TokenExpiredError) Error() string {
	return fmt.Sprintf("starcite: session token expired for session %q", e.SessionID)
}

// RetryLimitError reports that a managed WebSocket exhausted its reconnect
// policy's maxAttempts.
type RetryLimitError struct {
	Attempts int
	Cause    error
}

func (e *RetryLimitError) starciteError() {}

func (e *RetryLimitError) Error() string {
	return fmt.Sprintf("starcite: retry limit (%d attempts) reached: %v", e.Attempts, e.Cause)
}

func (e *RetryLimitError) Unwrap() error { return e.Cause }

// SessionLogGapError is an internal signal: a batch applied to a
// [SessionLog] began strictly after lastSeq+1. It is not meant to be
// user-visible; the owning live-sync task catches it and reconnects from
// lastSeq.
type SessionLogGapError struct {
	LastSeq  int64
	GotFirst int64
}

func (e *SessionLogGapError) starciteError() {}

func (e *SessionLogGapError) Error() string {
	return fmt.Sprintf("starcite: session log gap: lastSeq=%d got first seq=%d", e.LastSeq, e.GotFirst)
}

// ConfigError reports a construction-time misconfiguration (e.g. a base URL
// that isn't http(s), a batchSize out of range).
type ConfigError struct {
	Message string
}

func (e *ConfigError) starciteError() {}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("starcite: configuration error: %s", e.Message)
}
