// Copyright 2025 The Starcite Go SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package starcite

import (
	"context"
	"fmt"
	"net/http"

	"github.com/yosida95/uritemplate/v3"
)

// AppendOption customizes one call to [Session.Append].
type AppendOption func(*AppendRequest)

// WithActor sets the actor attributed to the appended event.
func WithActor(actor string) AppendOption {
	return func(r *AppendRequest) { r.Actor = actor }
}

// WithSource tags the event with a free-form producer-defined source.
func WithSource(source string) AppendOption {
	return func(r *AppendRequest) { r.Source = source }
}

// WithMetadata attaches metadata to the event.
func WithMetadata(md map[string]any) AppendOption {
	return func(r *AppendRequest) { r.Metadata = md }
}

// WithRefs attaches cross-references (e.g. {"reply_to": seq}) to the event.
func WithRefs(refs map[string]any) AppendOption {
	return func(r *AppendRequest) { r.Refs = refs }
}

// WithIdempotencyKey overrides the default idempotency key (which is
// derived from (producerId, producerSeq)) with a caller-chosen one.
func WithIdempotencyKey(key string) AppendOption {
	return func(r *AppendRequest) { r.IdempotencyKey = key }
}

// WithExpectedSeq makes the append conditional: the server rejects it
// unless the session's LastSeq equals expected, letting a producer detect
// races with other writers.
func WithExpectedSeq(expected int64) AppendOption {
	return func(r *AppendRequest) {
		e := expected
		r.ExpectedSeq = &e
	}
}

// Append appends one event to the session's log, assigning the next
// producer_seq for this session's resolved producer identity. If a
// RateLimiter was configured, Append blocks until it permits the call.
// producer_seq is incremented whether or not the request succeeds; the
// server dedupes retries by (producer_id, producer_seq).
func (s *Session) Append(ctx context.Context, eventType string, payload map[string]any, opts ...AppendOption) (*AppendResponse, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("starcite: rate limiter: %w", err)
		}
	}

	producerID, _, err := s.resolveProducer(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.producerSeq++
	seq := s.producerSeq
	s.mu.Unlock()

	req := AppendRequest{
		Type:           eventType,
		Payload:        payload,
		ProducerID:     producerID,
		ProducerSeq:    seq,
		IdempotencyKey: fmt.Sprintf("%s:%d", producerID, seq),
	}
	for _, opt := range opts {
		opt(&req)
	}

	if s.identityStore != nil {
		if err := s.identityStore.Save(ctx, s.id, producerID, seq); err != nil {
			return nil, fmt.Errorf("starcite: persist producer identity: %w", err)
		}
	}

	url, err := s.transport.path("/sessions{/sessionId}/append", uritemplate.Values{
		"sessionId": uritemplate.String(s.id),
	})
	if err != nil {
		return nil, err
	}

	var out AppendResponse
	if err := requestInto(ctx, s.transport, http.MethodPost, url, req, &out, "append response", s.id); err != nil {
		s.logger.Error("starcite: append failed", "session_id", s.id, "producer_id", producerID, "producer_seq", seq, "error", err)
		return nil, err
	}
	s.logger.Debug("starcite: appended event", "session_id", s.id, "seq", out.Seq, "deduped", out.Deduped)
	return &out, nil
}

// Get fetches the session's current record (including LastSeq).
func (s *Session) Get(ctx context.Context) (*SessionRecord, error) {
	url, err := s.transport.path("/sessions{/sessionId}", uritemplate.Values{
		"sessionId": uritemplate.String(s.id),
	})
	if err != nil {
		return nil, err
	}
	var out SessionRecord
	if err := requestInto(ctx, s.transport, http.MethodGet, url, nil, &out, "session", s.id); err != nil {
		return nil, err
	}
	return &out, nil
}

// TailOptions configures [Session.Tail]. Fields mirror
// [TailStreamOptions] minus what the Session already knows (session id,
// base URL, credentials).
type TailOptions struct {
	Cursor    int64
	BatchSize int
	Agent     string
	// NoFollow stops the tail once it catches up instead of waiting for
	// new events (default follows).
	NoFollow      bool
	CatchUpIdleMs int
	// NoReconnect disables automatic reconnection on drop (default
	// reconnects).
	NoReconnect         bool
	ReconnectPolicy     ReconnectPolicy
	MaxBufferedBatches  int
	ConnectionTimeoutMs int
	InactivityTimeoutMs int
	OnLifecycleEvent    func(TailLifecycleEvent)
	Abort               <-chan struct{}
}

// Tail opens a new [TailStream] for this session starting at opts.Cursor
// (0 meaning the beginning of the log). Each call starts an independent
// logical tail; callers wanting a single shared live feed should wrap the
// result in their own fan-out, mirroring streamableClientConn's one
// receiver per logical session.
func (s *Session) Tail(opts TailOptions) (*TailStream, error) {
	return NewTailStream(TailStreamOptions{
		SessionID:           s.id,
		WSBaseURL:           s.wsBaseURL,
		Token:               s.rawToken,
		Cursor:              opts.Cursor,
		BatchSize:           opts.BatchSize,
		Agent:               opts.Agent,
		NoFollow:            opts.NoFollow,
		CatchUpIdleMs:       opts.CatchUpIdleMs,
		NoReconnect:         opts.NoReconnect,
		ReconnectPolicy:     opts.ReconnectPolicy,
		MaxBufferedBatches:  opts.MaxBufferedBatches,
		ConnectionTimeoutMs: opts.ConnectionTimeoutMs,
		InactivityTimeoutMs: opts.InactivityTimeoutMs,
		SocketFactory:       s.socketFactory,
		OnLifecycleEvent:    opts.OnLifecycleEvent,
		Abort:               opts.Abort,
		Logger:              s.logger,
	})
}

// ConsumeOptions configures [Session.Consume].
type ConsumeOptions struct {
	// ConsumerID identifies this consumer for cursor checkpointing. Two
	// processes with the same (sessionId, ConsumerID) share a checkpoint.
	ConsumerID string
	// Agent, BatchSize, and ReconnectPolicy are forwarded to the
	// underlying TailStream.
	Agent           string
	BatchSize       int
	ReconnectPolicy ReconnectPolicy
	// OnLifecycleEvent is forwarded to the underlying TailStream.
	OnLifecycleEvent func(TailLifecycleEvent)
	Abort            <-chan struct{}
}

// Consume is the durable, checkpointing consumer: it
// loads the last committed cursor from the Session's CursorStore, tails
// from there, invokes handler once per event in order, and persists the
// new cursor only after handler returns nil. If handler returns an error,
// Consume stops and returns it without advancing the checkpoint past the
// failed event, so a restarted Consume redelivers it (at-least-once).
func (s *Session) Consume(ctx context.Context, handler func(Event) error, opts ConsumeOptions) error {
	if opts.ConsumerID == "" {
		return &ConfigError{Message: "ConsumeOptions.ConsumerID is required"}
	}

	startCursor, _, err := s.cursorStore.Load(ctx, s.id, opts.ConsumerID)
	if err != nil {
		return fmt.Errorf("starcite: load consumer cursor: %w", err)
	}
	s.logger.Info("starcite: consume starting", "session_id", s.id, "consumer_id", opts.ConsumerID, "cursor", startCursor)

	stream, err := NewTailStream(TailStreamOptions{
		SessionID:        s.id,
		WSBaseURL:        s.wsBaseURL,
		Token:            s.rawToken,
		Cursor:           startCursor,
		BatchSize:        opts.BatchSize,
		Agent:            opts.Agent,
		ReconnectPolicy:  opts.ReconnectPolicy,
		SocketFactory:    s.socketFactory,
		OnLifecycleEvent: opts.OnLifecycleEvent,
		Abort:            opts.Abort,
		Logger:           s.logger,
	})
	if err != nil {
		return err
	}

	runErr := stream.Run(ctx, func(batch []Event) error {
		for _, ev := range batch {
			if err := handler(ev); err != nil {
				s.logger.Warn("starcite: consume handler returned error, checkpoint will not advance past this event", "session_id", s.id, "consumer_id", opts.ConsumerID, "seq", ev.Seq, "error", err)
				return err
			}
			if err := s.cursorStore.Save(ctx, s.id, opts.ConsumerID, ev.Seq); err != nil {
				return fmt.Errorf("starcite: save consumer cursor: %w", err)
			}
		}
		return nil
	})
	return runErr
}
