// Copyright 2025 The Starcite Go SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package starcite

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	gorilla "github.com/gorilla/websocket"
)

// RawSocket is the subset of a physical WebSocket connection a
// [ManagedSocket] needs. The default factory implements it with
// github.com/gorilla/websocket; tests substitute a fake.
type RawSocket interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// SocketFactory dials a physical connection for one attempt. It is called
// once per reconnect attempt with a freshly-evaluated URL (see
// [ManagedSocketOptions.URL]).
type SocketFactory func(ctx context.Context, url string, header http.Header) (RawSocket, error)

// gorillaSocket adapts *gorilla.Conn to RawSocket.
type gorillaSocket struct{ conn *gorilla.Conn }

func (g gorillaSocket) ReadMessage() (int, []byte, error) { return g.conn.ReadMessage() }
func (g gorillaSocket) WriteMessage(mt int, data []byte) error {
	return g.conn.WriteMessage(mt, data)
}
func (g gorillaSocket) WriteControl(mt int, data []byte, deadline time.Time) error {
	return g.conn.WriteControl(mt, data, deadline)
}
func (g gorillaSocket) Close() error { return g.conn.Close() }

// DefaultSocketFactory dials with gorilla/websocket.DefaultDialer. Header
// carries whatever auth/subprotocol headers the caller configured.
func DefaultSocketFactory(ctx context.Context, url string, header http.Header) (RawSocket, error) {
	return dialWith(gorilla.DefaultDialer, ctx, url, header)
}

// Dialer is re-exported so callers can configure TLS (e.g. a private CA) or
// a proxy without depending on gorilla/websocket directly, mirroring
// WebSocketClientTransport.Dialer's passthrough.
type Dialer = gorilla.Dialer

// SocketFactoryFromDialer builds a [SocketFactory] that dials with a
// caller-configured *Dialer instead of gorilla/websocket.DefaultDialer, for
// callers needing custom TLS config or an HTTP(S) proxy.
func SocketFactoryFromDialer(dialer *Dialer) SocketFactory {
	return func(ctx context.Context, url string, header http.Header) (RawSocket, error) {
		return dialWith(dialer, ctx, url, header)
	}
}

func dialWith(dialer *gorilla.Dialer, ctx context.Context, url string, header http.Header) (RawSocket, error) {
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return gorillaSocket{conn: conn}, nil
}

// LifecycleEvent is implemented by every event a [ManagedSocket] emits.
// Mirrors the Content marker-interface idiom in mcp/content.go.
type LifecycleEvent interface {
	lifecycleEvent()
}

type ConnectAttemptEvent struct{ Attempt int }
type ConnectFailedEvent struct {
	Attempt   int
	RootCause error
}
type ReconnectScheduledEvent struct {
	Attempt     int
	DelayMs     int64
	Trigger     string
	CloseCode   int
	CloseReason string
}
type OpenEvent struct{}
type MessageEvent struct{ Data []byte }
type DroppedEvent struct {
	Attempt     int
	CloseCode   int
	CloseReason string
}
type RetryLimitEvent struct {
	Attempts int
	Cause    error
}
type FatalEvent struct{ Err error }
type ClosedEvent struct {
	CloseCode   int
	CloseReason string
	Aborted     bool
	Graceful    bool
}

func (*ConnectAttemptEvent) lifecycleEvent()     {}
func (*ConnectFailedEvent) lifecycleEvent()      {}
func (*ReconnectScheduledEvent) lifecycleEvent() {}
func (*OpenEvent) lifecycleEvent()               {}
func (*MessageEvent) lifecycleEvent()            {}
func (*DroppedEvent) lifecycleEvent()            {}
func (*RetryLimitEvent) lifecycleEvent()         {}
func (*FatalEvent) lifecycleEvent()              {}
func (*ClosedEvent) lifecycleEvent()             {}

// close codes used internally.
const (
	closeCodeInactivityTimeout = 4000
	closeCodeConnectTimeout    = 4100
	closeCodeNormal            = 1000
)

// ManagedSocketOptions configures a [ManagedSocket].
type ManagedSocketOptions struct {
	// URL is re-evaluated on every connect attempt, so a caller whose URL
	// depends on mutable state (e.g. a tail cursor) always dials the
	// latest value.
	URL func() string
	// Header is re-evaluated alongside URL, for callers using header-based
	// auth instead of a query parameter.
	Header func() http.Header
	// Factory dials a physical connection. Defaults to DefaultSocketFactory.
	Factory SocketFactory
	// Reconnect enables automatic reconnection on drop.
	Reconnect bool
	// ReconnectPolicy controls backoff. Zero value uses DefaultReconnectPolicy.
	ReconnectPolicy ReconnectPolicy
	// ConnectionTimeout bounds how long one dial attempt may take before
	// being treated as a drop with close code 4100. Default 4s.
	ConnectionTimeout time.Duration
	// InactivityTimeout, if non-zero, closes the socket with code 4000 when
	// no message arrives within the window.
	InactivityTimeout time.Duration
	// OnLifecycleEvent is invoked synchronously for every emitted event, in
	// order. A panicking listener is treated as fatal.
	OnLifecycleEvent func(LifecycleEvent)
	// Abort, when closed, terminates the socket with close code 1000
	// reason "aborted".
	Abort <-chan struct{}
	// Logger receives structured logs of connect attempts, drops, and
	// reconnect scheduling. Defaults to slog.Default() when nil.
	Logger *slog.Logger
	// rng, if set, makes backoff jitter deterministic for tests.
	rng *rand.Rand
}

// ManagedSocket owns one logical WebSocket connection across potentially
// many physical sockets, reconnecting with backoff on drop.
type ManagedSocket struct {
	opts ManagedSocketOptions

	mu           sync.Mutex
	started      bool
	done         chan struct{}
	terminalErr  error
	closeOnce    sync.Once
	closeRequest chan closeRequest

	attempt atomic.Int64 // current reconnect attempt counter, zeroed by ResetReconnectAttempts
}

type closeRequest struct {
	code   int
	reason string
}

// NewManagedSocket constructs a ManagedSocket. The reconnect loop does not
// start until the first call to WaitForClose.
func NewManagedSocket(opts ManagedSocketOptions) *ManagedSocket {
	if opts.Factory == nil {
		opts.Factory = DefaultSocketFactory
	}
	if opts.ConnectionTimeout <= 0 {
		opts.ConnectionTimeout = 4 * time.Second
	}
	if opts.ReconnectPolicy == (ReconnectPolicy{}) {
		opts.ReconnectPolicy = DefaultReconnectPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ManagedSocket{
		opts:         opts,
		done:         make(chan struct{}),
		closeRequest: make(chan closeRequest, 1),
	}
}

func (m *ManagedSocket) emit(ev LifecycleEvent) (fatal bool) {
	if m.opts.OnLifecycleEvent == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			fatal = true
			m.opts.OnLifecycleEvent(&FatalEvent{Err: fmt.Errorf("starcite: lifecycle listener panicked: %v", r)})
		}
	}()
	m.opts.OnLifecycleEvent(ev)
	return false
}

// WaitForClose starts the reconnect loop on first call (idempotent) and
// blocks until the socket reaches a terminal state or ctx is done.
func (m *ManagedSocket) WaitForClose(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.started = true
		go m.run()
	}
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.terminalErr
	}
}

// Close requests a synchronous, local close with the given code/reason.
// Idempotent; safe to call multiple times or concurrently with the run loop.
func (m *ManagedSocket) Close(code int, reason string) {
	m.closeOnce.Do(func() {
		select {
		case m.closeRequest <- closeRequest{code: code, reason: reason}:
		default:
		}
	})
}

// ResetReconnectAttempts is called by a TailStream when useful data
// arrives, so the backoff budget is only consumed by persistently failing
// peers.
func (m *ManagedSocket) ResetReconnectAttempts() {
	m.attempt.Store(0)
}

func (m *ManagedSocket) finish(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminalErr == nil {
		m.terminalErr = err
	}
	select {
	case <-m.done:
	default:
		close(m.done)
	}
}

func (m *ManagedSocket) aborted() bool {
	select {
	case <-m.opts.Abort:
		return true
	default:
		return false
	}
}

// run is the managed socket's single control-loop goroutine; it owns the
// entire connect/live/drop/retry state machine.
func (m *ManagedSocket) run() {
	for {
		if m.aborted() {
			m.emitClosed(closeCodeNormal, "aborted", true, false)
			m.finish(nil)
			return
		}
		select {
		case req := <-m.closeRequest:
			m.emitClosed(req.code, req.reason, false, req.code == closeCodeNormal)
			m.finish(nil)
			return
		default:
		}

		attempt := int(m.attempt.Add(1))
		m.opts.Logger.Debug("starcite: socket connect attempt", "attempt", attempt)
		if m.emit(&ConnectAttemptEvent{Attempt: attempt}) {
			m.finish(fmt.Errorf("starcite: lifecycle listener panicked during connect_attempt"))
			return
		}

		conn, timedOut, err := m.dial(attempt)
		if err != nil {
			if timedOut {
				m.opts.Logger.Warn("starcite: socket connect timed out", "attempt", attempt)
				if m.emit(&DroppedEvent{Attempt: attempt, CloseCode: closeCodeConnectTimeout, CloseReason: "connection timeout"}) {
					m.finish(fmt.Errorf("starcite: lifecycle listener panicked"))
					return
				}
			} else {
				m.opts.Logger.Warn("starcite: socket connect failed", "attempt", attempt, "error", err)
				if m.emit(&ConnectFailedEvent{Attempt: attempt, RootCause: err}) {
					m.finish(fmt.Errorf("starcite: lifecycle listener panicked"))
					return
				}
			}
			if !m.shouldRetry(attempt) {
				m.opts.Logger.Error("starcite: socket retry budget exhausted", "attempts", attempt, "error", err)
				m.emit(&RetryLimitEvent{Attempts: attempt, Cause: err})
				m.finish(&RetryLimitError{Attempts: attempt, Cause: err})
				return
			}
			if !m.backoffAndWait(attempt, "connect_failed", 0, "") {
				m.emit(&ClosedEvent{Aborted: true})
				m.finish(nil)
				return
			}
			continue
		}

		if m.emit(&OpenEvent{}) {
			conn.Close()
			m.finish(fmt.Errorf("starcite: lifecycle listener panicked during open"))
			return
		}
		m.opts.Logger.Info("starcite: socket open", "attempt", attempt)

		code, reason, sawTransportErr, aborted := m.serveConnection(conn, attempt)
		if aborted {
			m.emitClosed(closeCodeNormal, "aborted", true, false)
			m.finish(nil)
			return
		}
		if code == 0 && sawTransportErr {
			// serveConnection reports a panicking message listener this way.
			m.finish(fmt.Errorf("starcite: lifecycle listener panicked during message"))
			return
		}

		graceful := code == closeCodeNormal && !sawTransportErr
		if graceful {
			m.emitClosed(code, reason, false, true)
			m.finish(nil)
			return
		}

		m.opts.Logger.Warn("starcite: socket dropped", "attempt", attempt, "close_code", code, "close_reason", reason)
		if m.emit(&DroppedEvent{Attempt: attempt, CloseCode: code, CloseReason: reason}) {
			m.finish(fmt.Errorf("starcite: lifecycle listener panicked during dropped"))
			return
		}

		if !m.opts.Reconnect || !m.shouldRetry(attempt) {
			cause := fmt.Errorf("socket dropped with close code %d (%s)", code, reason)
			m.opts.Logger.Error("starcite: socket retry budget exhausted after drop", "attempts", attempt, "error", cause)
			m.emit(&RetryLimitEvent{Attempts: attempt, Cause: cause})
			m.finish(&RetryLimitError{Attempts: attempt, Cause: cause})
			return
		}

		if !m.backoffAndWait(attempt, "dropped", code, reason) {
			m.emitClosed(closeCodeNormal, "aborted", true, false)
			m.finish(nil)
			return
		}
	}
}

func (m *ManagedSocket) shouldRetry(attempt int) bool {
	if !m.opts.Reconnect {
		return false
	}
	return !m.opts.ReconnectPolicy.exceeded(attempt)
}

// backoffAndWait sleeps for the computed backoff delay, honoring abort and
// an explicit Close request. Returns false if the wait was interrupted by
// abort/close.
func (m *ManagedSocket) backoffAndWait(attempt int, trigger string, closeCode int, closeReason string) bool {
	delay := m.opts.ReconnectPolicy.delay(attempt, m.opts.rng)
	m.opts.Logger.Debug("starcite: socket reconnect scheduled", "attempt", attempt, "delay_ms", delay.Milliseconds(), "trigger", trigger)
	m.emit(&ReconnectScheduledEvent{
		Attempt:     attempt,
		DelayMs:     delay.Milliseconds(),
		Trigger:     trigger,
		CloseCode:   closeCode,
		CloseReason: closeReason,
	})
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-m.opts.Abort:
		return false
	case req := <-m.closeRequest:
		// Treat an explicit close during backoff the same as abort.
		_ = req
		return false
	}
}

// dial evaluates the URL/header thunks and dials with a connection-timeout
// context. timedOut reports whether the *context's* deadline (not some
// other dial failure) caused the error.
func (m *ManagedSocket) dial(attempt int) (RawSocket, bool, error) {
	url := m.opts.URL()
	var header http.Header
	if m.opts.Header != nil {
		header = m.opts.Header()
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectionTimeout)
	defer cancel()
	conn, err := m.opts.Factory(ctx, url, header)
	if err != nil {
		return nil, ctx.Err() == context.DeadlineExceeded, err
	}
	return conn, false, nil
}

// serveConnection reads from conn until it closes, the inactivity timeout
// fires, or abort/close is requested. It returns the classification needed
// by run() to decide graceful vs. droppable.
func (m *ManagedSocket) serveConnection(conn RawSocket, attempt int) (code int, reason string, sawTransportErr bool, aborted bool) {
	type readResult struct {
		data []byte
		err  error
	}
	msgCh := make(chan readResult, 1)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			_, data, err := conn.ReadMessage()
			select {
			case msgCh <- readResult{data: data, err: err}:
			case <-readerDone:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var inactivity <-chan time.Time
	var inactivityTimer *time.Timer
	if m.opts.InactivityTimeout > 0 {
		inactivityTimer = time.NewTimer(m.opts.InactivityTimeout)
		defer inactivityTimer.Stop()
		inactivity = inactivityTimer.C
	}

	closeLocally := func(code int, reason string) (int, string, bool, bool) {
		_ = conn.WriteControl(gorilla.CloseMessage,
			gorilla.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		conn.Close()
		<-readerDone
		return code, reason, false, false
	}

	for {
		select {
		case <-m.opts.Abort:
			_ = conn.WriteControl(gorilla.CloseMessage,
				gorilla.FormatCloseMessage(closeCodeNormal, "aborted"), time.Now().Add(time.Second))
			conn.Close()
			<-readerDone
			return closeCodeNormal, "aborted", false, true

		case req := <-m.closeRequest:
			c, r, _, _ := closeLocally(req.code, req.reason)
			return c, r, false, false

		case <-inactivity:
			return closeLocally(closeCodeInactivityTimeout, "inactivity timeout")

		case res := <-msgCh:
			if res.err != nil {
				sawErr := !gorilla.IsCloseError(res.err, gorilla.CloseNormalClosure, gorilla.CloseGoingAway)
				code, reason := extractCloseCode(res.err)
				return code, reason, sawErr, false
			}
			if inactivityTimer != nil {
				if !inactivityTimer.Stop() {
					select {
					case <-inactivityTimer.C:
					default:
					}
				}
				inactivityTimer.Reset(m.opts.InactivityTimeout)
			}
			if m.emit(&MessageEvent{Data: res.data}) {
				conn.Close()
				<-readerDone
				return 0, "", true, false
			}
		}
	}
}

func (m *ManagedSocket) emitClosed(code int, reason string, aborted, graceful bool) {
	m.emit(&ClosedEvent{CloseCode: code, CloseReason: reason, Aborted: aborted, Graceful: graceful})
}

// extractCloseCode pulls the close code/reason out of a gorilla close
// error, defaulting to 1006 (abnormal closure) for anything else (a read
// error that wasn't a clean close frame, e.g. a dropped TCP connection).
func extractCloseCode(err error) (int, string) {
	if ce, ok := err.(*gorilla.CloseError); ok {
		return ce.Code, ce.Text
	}
	return 1006, err.Error()
}
