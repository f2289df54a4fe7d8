// Copyright 2025 The Starcite Go SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package starcite

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yosida95/uritemplate/v3"
)

const tailURLTemplateStr = "/sessions{/sessionId}/tail{?cursor,batch_size,agent,follow,access_token}"

// TailLifecycleEvent is implemented by every event a [TailStream] projects
// to the caller, derived from the underlying [ManagedSocket]'s lifecycle.
type TailLifecycleEvent interface {
	tailLifecycleEvent()
}

type TailConnectAttemptEvent struct{ Attempt int }
type TailReconnectScheduledEvent struct {
	Attempt int
	DelayMs int64
}
type TailStreamDroppedEvent struct {
	Attempt     int
	CloseCode   int
	CloseReason string
}

// TailEndReason classifies why a [TailStream] stopped.
type TailEndReason string

const (
	TailEndAborted  TailEndReason = "aborted"
	TailEndCaughtUp TailEndReason = "caught_up"
	TailEndGraceful TailEndReason = "graceful"
)

type TailStreamEndedEvent struct{ Reason TailEndReason }

func (*TailConnectAttemptEvent) tailLifecycleEvent()     {}
func (*TailReconnectScheduledEvent) tailLifecycleEvent() {}
func (*TailStreamDroppedEvent) tailLifecycleEvent()      {}
func (*TailStreamEndedEvent) tailLifecycleEvent()        {}

// TailStreamOptions configures one logical tail.
type TailStreamOptions struct {
	SessionID string
	WSBaseURL string // e.g. "ws://host:port/v1" or "wss://host:port/v1"
	Token     string // static bearer/access token; empty for unauthenticated tails

	Cursor    int64
	BatchSize int // 1..1000, default 256
	Agent     string
	// NoFollow stops the tail once it catches up to the current end of the
	// log instead of waiting for new events (default follows).
	NoFollow      bool
	CatchUpIdleMs int // default 1000
	// NoReconnect disables automatic reconnection on drop (default
	// reconnects).
	NoReconnect         bool
	ReconnectPolicy     ReconnectPolicy
	MaxBufferedBatches  int // default 1024
	ConnectionTimeoutMs int // default 4000
	InactivityTimeoutMs int // 0 disables

	// SocketFactory, if set, selects header-based auth (suitable for Node-
	// like runtimes that can set headers) instead of the default
	// access_token query parameter. Nil uses DefaultSocketFactory with
	// query-param auth.
	SocketFactory SocketFactory

	OnLifecycleEvent func(TailLifecycleEvent)
	Abort            <-chan struct{}

	// Logger receives structured logs of the underlying socket's lifecycle.
	// Defaults to slog.Default() when nil.
	Logger *slog.Logger
}

func (o TailStreamOptions) withDefaults() (TailStreamOptions, error) {
	if o.BatchSize == 0 {
		o.BatchSize = 256
	}
	if o.BatchSize < 1 || o.BatchSize > 1000 {
		return o, &ConfigError{Message: fmt.Sprintf("batchSize must be in [1,1000], got %d", o.BatchSize)}
	}
	if o.CatchUpIdleMs == 0 {
		o.CatchUpIdleMs = 1000
	}
	if o.MaxBufferedBatches == 0 {
		o.MaxBufferedBatches = 1024
	}
	if o.ConnectionTimeoutMs == 0 {
		o.ConnectionTimeoutMs = 4000
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o, nil
}

// TailStream wraps a [ManagedSocket] with cursor tracking across
// reconnects, bounded buffering, agent filtering, and follow/catch-up
// semantics.
type TailStream struct {
	opts   TailStreamOptions
	cursor atomic.Int64

	schemas *schemaCache

	mu          sync.Mutex
	runErr      error
	started     bool
	catchUpStop bool // true once we've initiated a client-side catch-up close
}

// NewTailStream validates opts and returns a TailStream ready to be driven
// by [TailStream.Run]. Construction does not open a connection.
func NewTailStream(opts TailStreamOptions) (*TailStream, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	s := &TailStream{opts: opts, schemas: newSchemaCache()}
	s.cursor.Store(opts.Cursor)
	return s, nil
}

// Cursor returns the stream's current resume position: the highest seq
// the consumer has successfully consumed or the agent filter has skipped,
// or the initial cursor if neither has happened yet.
func (s *TailStream) Cursor() int64 { return s.cursor.Load() }

func (s *TailStream) url() string {
	tmpl, err := uritemplate.New(tailURLTemplateStr)
	if err != nil {
		panic(fmt.Sprintf("starcite: internal: bad uri template: %v", err))
	}
	values := uritemplate.Values{
		"sessionId":  uritemplate.String(s.opts.SessionID),
		"cursor":     uvInt(s.cursor.Load()),
		"batch_size": uvInt(int64(s.opts.BatchSize)),
	}
	if s.opts.Agent != "" {
		values["agent"] = uvStr(s.opts.Agent)
	}
	if s.opts.NoFollow {
		values["follow"] = uvStr("0")
	}
	if s.opts.SocketFactory == nil && s.opts.Token != "" {
		values["access_token"] = uvStr(s.opts.Token)
	}
	expanded, err := tmpl.Expand(values)
	if err != nil {
		panic(fmt.Sprintf("starcite: internal: bad uri template expand: %v", err))
	}
	return s.opts.WSBaseURL + expanded
}

func (s *TailStream) header() http.Header {
	if s.opts.SocketFactory == nil || s.opts.Token == "" {
		return nil
	}
	h := make(http.Header)
	h.Set("Authorization", "Bearer "+s.opts.Token)
	return h
}

// Run is the tail stream's one primitive: a synchronous callback consumer
// driven directly by the underlying ManagedSocket's message loop. onBatch
// is invoked with the agent-filtered, non-empty batch for each frame; the
// stream blocks inside the managed socket's single goroutine while onBatch
// runs, which is what gives this primitive its natural (unbounded)
// backpressure; the bounded-buffer/BackpressureError semantics belong to
// the derived iterator, not this primitive.
//
// Run may only be called once per TailStream.
func (s *TailStream) Run(ctx context.Context, onBatch func([]Event) error) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("starcite: TailStream.Run called more than once")
	}
	s.started = true
	s.mu.Unlock()

	s.opts.Logger.Info("starcite: tail stream starting", "session_id", s.opts.SessionID, "cursor", s.cursor.Load(), "follow", !s.opts.NoFollow)

	factory := s.opts.SocketFactory
	if factory == nil {
		factory = DefaultSocketFactory
	}

	firstBatchOfSocket := true
	var catchUpTimer *time.Timer
	var catchUpMu sync.Mutex

	resetCatchUpTimer := func(ms *ManagedSocket) {
		if !s.opts.NoFollow {
			return
		}
		catchUpMu.Lock()
		defer catchUpMu.Unlock()
		if catchUpTimer != nil {
			catchUpTimer.Stop()
		}
		catchUpTimer = time.AfterFunc(time.Duration(s.opts.CatchUpIdleMs)*time.Millisecond, func() {
			s.mu.Lock()
			s.catchUpStop = true
			s.mu.Unlock()
			ms.Close(closeCodeNormal, "caught_up")
		})
	}

	var managed *ManagedSocket
	onLifecycle := func(ev LifecycleEvent) {
		switch e := ev.(type) {
		case *ConnectAttemptEvent:
			firstBatchOfSocket = true
			s.emit(&TailConnectAttemptEvent{Attempt: e.Attempt})
		case *OpenEvent:
			resetCatchUpTimer(managed)
		case *ReconnectScheduledEvent:
			s.emit(&TailReconnectScheduledEvent{Attempt: e.Attempt, DelayMs: e.DelayMs})
		case *DroppedEvent:
			s.emit(&TailStreamDroppedEvent{Attempt: e.Attempt, CloseCode: e.CloseCode, CloseReason: e.CloseReason})
		case *MessageEvent:
			resetCatchUpTimer(managed)
			if err := s.handleFrame(e.Data, onBatch); err != nil {
				s.setErr(err)
				managed.Close(closeCodeNormal, "client-error")
				return
			}
			if firstBatchOfSocket {
				firstBatchOfSocket = false
				managed.ResetReconnectAttempts()
			}
		case *FatalEvent:
			s.setErr(&TailError{Stage: TailStageApply, Cause: e.Err})
		}
	}

	managed = NewManagedSocket(ManagedSocketOptions{
		URL:               s.url,
		Header:            s.header,
		Factory:           factory,
		Reconnect:         !s.opts.NoReconnect,
		ReconnectPolicy:   s.opts.ReconnectPolicy,
		ConnectionTimeout: time.Duration(s.opts.ConnectionTimeoutMs) * time.Millisecond,
		OnLifecycleEvent:  onLifecycle,
		Abort:             s.opts.Abort,
		Logger:            s.opts.Logger,
	})
	if s.opts.InactivityTimeoutMs > 0 {
		managed.opts.InactivityTimeout = time.Duration(s.opts.InactivityTimeoutMs) * time.Millisecond
	}

	waitErr := managed.WaitForClose(ctx)

	s.mu.Lock()
	runErr := s.runErr
	catchUp := s.catchUpStop
	s.mu.Unlock()

	if runErr != nil {
		reason := TailEndGraceful
		if catchUp {
			reason = TailEndCaughtUp
		}
		s.opts.Logger.Warn("starcite: tail stream ended with error", "session_id", s.opts.SessionID, "error", runErr)
		s.emit(&TailStreamEndedEvent{Reason: reason})
		return runErr
	}

	if waitErr != nil {
		if waitErr == context.Canceled || waitErr == context.DeadlineExceeded {
			s.emit(&TailStreamEndedEvent{Reason: TailEndAborted})
			return waitErr
		}
		var retryErr *RetryLimitError
		if asRetryLimit(waitErr, &retryErr) {
			s.emit(&TailStreamEndedEvent{Reason: TailEndGraceful})
			return retryErr
		}
		s.emit(&TailStreamEndedEvent{Reason: TailEndGraceful})
		return waitErr
	}

	var reason TailEndReason
	switch {
	case s.aborted():
		reason = TailEndAborted
	case catchUp || s.opts.NoFollow:
		// Without follow, the server's graceful close means the tail caught up.
		reason = TailEndCaughtUp
	default:
		reason = TailEndGraceful
	}
	s.emit(&TailStreamEndedEvent{Reason: reason})
	return nil
}

func (s *TailStream) aborted() bool {
	if s.opts.Abort == nil {
		return false
	}
	select {
	case <-s.opts.Abort:
		return true
	default:
		return false
	}
}

func asRetryLimit(err error, target **RetryLimitError) bool {
	if e, ok := err.(*RetryLimitError); ok {
		*target = e
		return true
	}
	return false
}

func (s *TailStream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runErr == nil {
		s.runErr = err
	}
}

func (s *TailStream) emit(ev TailLifecycleEvent) {
	if s.opts.OnLifecycleEvent != nil {
		s.opts.OnLifecycleEvent(ev)
	}
}

// handleFrame parses one WS frame, applies the agent filter, and forwards
// the filtered, non-empty batch to onBatch. Events the filter drops
// advance the cursor immediately (they are never handed to the consumer,
// so reconnect may skip them); forwarded events advance it only after
// onBatch returns nil, so a consumer failure leaves the cursor at the
// last successfully consumed seq and a stream resumed from Cursor()
// redelivers the undelivered batch.
func (s *TailStream) handleFrame(data []byte, onBatch func([]Event) error) error {
	events, err := parseFrame(data, s.schemas)
	if err != nil {
		return &TailError{Stage: TailStageFrame, Cause: err}
	}

	var forwarded []Event
	var filteredMax int64
	for _, ev := range events {
		if s.opts.Agent == "" || ev.Actor == "agent:"+s.opts.Agent {
			forwarded = append(forwarded, ev)
		} else if ev.Seq > filteredMax {
			filteredMax = ev.Seq
		}
	}
	if filteredMax > 0 {
		s.advanceCursor(filteredMax)
	}

	if len(forwarded) == 0 {
		return nil
	}
	if err := onBatch(forwarded); err != nil {
		return &TailError{Stage: TailStageApply, Cause: err}
	}
	s.advanceCursor(forwarded[len(forwarded)-1].Seq)
	return nil
}

func (s *TailStream) advanceCursor(seq int64) {
	for {
		cur := s.cursor.Load()
		if seq <= cur {
			return
		}
		if s.cursor.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// Batches derives a pull-model async iterator atop Run, using a channel of
// size MaxBufferedBatches. If the consumer falls behind and the channel
// would overflow, the stream fails with [BackpressureError].
func (s *TailStream) Batches(ctx context.Context) iter.Seq2[[]Event, error] {
	type item struct {
		batch []Event
		err   error
	}
	ch := make(chan item, s.opts.MaxBufferedBatches)
	done := make(chan struct{})

	go func() {
		defer close(ch)
		runErr := s.Run(ctx, func(batch []Event) error {
			select {
			case ch <- item{batch: batch}:
				return nil
			default:
				return &BackpressureError{MaxBufferedBatches: s.opts.MaxBufferedBatches}
			}
		})
		if runErr != nil {
			select {
			case ch <- item{err: runErr}:
			case <-done:
			}
		}
	}()

	return func(yield func([]Event, error) bool) {
		defer close(done)
		for it := range ch {
			if !yield(it.batch, it.err) {
				return
			}
		}
	}
}

// Events flattens Batches into a single-event iterator.
func (s *TailStream) Events(ctx context.Context) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for batch, err := range s.Batches(ctx) {
			if err != nil {
				var zero Event
				yield(zero, err)
				return
			}
			for _, ev := range batch {
				if !yield(ev, nil) {
					return
				}
			}
		}
	}
}
