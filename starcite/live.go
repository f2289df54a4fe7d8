// Copyright 2025 The Starcite Go SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package starcite

import (
	"context"
	"errors"
)

// LiveOptions configures the background tail [Session.On] lazily starts.
//
// Unlike [Session.Tail], there is no Agent filter here: the background
// tail feeds the Session's canonical [SessionLog], whose gap detection
// assumes every event the server assigned a seq to arrives in order.
// Dropping non-matching events before the log sees them (as the Agent
// filter does for a plain tail) would make every filtered event look like
// a permanent gap. Filter in the handler passed to On instead.
type LiveOptions struct {
	// BatchSize is forwarded to the underlying background TailStream.
	BatchSize int
	// ReconnectPolicy controls the background tail's reconnect backoff.
	ReconnectPolicy ReconnectPolicy
	// OnLifecycleEvent is forwarded from the background TailStream.
	OnLifecycleEvent func(TailLifecycleEvent)
	// OnSyncError, if set, is called at most once per listener group if the
	// background live-sync task terminates for a reason other than the last
	// listener unsubscribing (e.g. the underlying TailStream exhausted its
	// retry budget). No further events are delivered to any [Session.On]
	// listener until a new one is registered, which restarts the task.
	OnSyncError func(error)
}

// LogSnapshot is the public projection of a [Session]'s canonical
// in-memory log.
type LogSnapshot struct {
	Events  []Event
	LastSeq int64
	// Syncing reports whether at least one On listener is active on this
	// Session, which keeps a background live-sync tail running. It stays
	// true after that tail stops with an error reported through
	// LiveOptions.OnSyncError.
	Syncing bool
}

// Snapshot returns the Session's current canonical log contents. Safe to
// call whether or not [Session.On] has ever been used; an unused Session
// log is simply empty.
func (s *Session) Snapshot() LogSnapshot {
	s.liveMu.Lock()
	syncing := s.liveListeners > 0
	s.liveMu.Unlock()
	return LogSnapshot{
		Events:  s.log.Snapshot(),
		LastSeq: s.log.LastSeq(),
		Syncing: syncing,
	}
}

// On registers handler against the Session's canonical [SessionLog] and,
// on the first listener, lazily starts a shared background tail from
// log.LastSeq(). Every subsequent event is fed through the log's dedupe
// and gap-detection logic before reaching handler, so a mid-flight
// reconnect with overlapping or missing events never produces a duplicate
// or out-of-order callback. handler MUST NOT panic; a panicking handler is
// treated as an implicit unsubscribe.
//
// Multiple listeners registered on the same Session share one background
// tail. When the last listener's unsubscribe func is called, the
// background tail is aborted.
func (s *Session) On(handler func(Event), opts LiveOptions) (unsubscribe func()) {
	unsubLog := s.log.Subscribe(handler, true)

	s.liveMu.Lock()
	s.liveListeners++
	restart := s.liveListeners == 1
	if !restart && s.liveDone != nil {
		// A task that stopped on a sync error is restarted by the next listener.
		select {
		case <-s.liveDone:
			restart = true
		default:
		}
	}
	if restart {
		s.startLiveSyncLocked(opts)
	}
	s.liveMu.Unlock()

	var once bool
	return func() {
		unsubLog()
		s.liveMu.Lock()
		defer s.liveMu.Unlock()
		if once {
			return
		}
		once = true
		s.liveListeners--
		if s.liveListeners <= 0 {
			s.liveListeners = 0
			s.stopLiveSyncLocked()
		}
	}
}

// startLiveSyncLocked starts the background tail goroutine. Callers must
// hold s.liveMu.
func (s *Session) startLiveSyncLocked(opts LiveOptions) {
	abort := make(chan struct{})
	done := make(chan struct{})
	s.liveAbort = abort
	s.liveDone = done
	go s.runLiveSync(abort, done, opts)
}

// stopLiveSyncLocked signals the background tail to abort and waits for it
// to exit, so a subsequent On() call never races with an in-flight
// ApplyBatch from the tail being stopped. Callers must hold s.liveMu.
func (s *Session) stopLiveSyncLocked() {
	if s.liveAbort == nil {
		return
	}
	close(s.liveAbort)
	done := s.liveDone
	s.liveAbort = nil
	s.liveDone = nil
	s.liveMu.Unlock()
	<-done
	s.liveMu.Lock()
}

// runLiveSync drives the background tail until abort is closed. A
// SessionLogGapError surfaced by the log (wrapped in a *TailError by the
// TailStream's apply stage) restarts the tail immediately from the log's
// current LastSeq; any other terminal error stops the task and reports it
// via opts.OnSyncError.
func (s *Session) runLiveSync(abort <-chan struct{}, done chan<- struct{}, opts LiveOptions) {
	defer close(done)

	for {
		select {
		case <-abort:
			return
		default:
		}

		stream, err := NewTailStream(TailStreamOptions{
			SessionID:        s.id,
			WSBaseURL:        s.wsBaseURL,
			Token:            s.rawToken,
			Cursor:           s.log.LastSeq(),
			BatchSize:        opts.BatchSize,
			ReconnectPolicy:  opts.ReconnectPolicy,
			SocketFactory:    s.socketFactory,
			OnLifecycleEvent: opts.OnLifecycleEvent,
			Abort:            abort,
			Logger:           s.logger,
		})
		if err != nil {
			if opts.OnSyncError != nil {
				opts.OnSyncError(err)
			}
			return
		}

		runErr := stream.Run(context.Background(), func(batch []Event) error {
			return s.log.ApplyBatch(batch)
		})

		select {
		case <-abort:
			return
		default:
		}

		if runErr == nil {
			// Server closed gracefully without abort (e.g. a catch-up-only
			// deployment); resume following from wherever the log stands.
			continue
		}

		// TailError.Unwrap exposes the underlying cause, so errors.As finds a
		// SessionLogGapError through the apply-stage wrapping automatically.
		var gapErr *SessionLogGapError
		if errors.As(runErr, &gapErr) {
			s.logger.Warn("starcite: live sync detected a gap, reconnecting to backfill", "session_id", s.id, "last_seq", s.log.LastSeq(), "gap", gapErr)
			continue
		}

		s.logger.Error("starcite: live sync stopped", "session_id", s.id, "error", runErr)
		if opts.OnSyncError != nil {
			opts.OnSyncError(runErr)
		}
		return
	}
}
