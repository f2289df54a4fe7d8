// Copyright 2025 The Starcite Go SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package starcite

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func ev(seq int64) Event {
	return Event{Seq: seq, Type: "t", Payload: map[string]any{}, Actor: "a", ProducerID: "p", ProducerSeq: seq}
}

func TestSessionLogAppliesInOrder(t *testing.T) {
	log := NewSessionLog(0)
	if err := log.ApplyBatch([]Event{ev(1), ev(2)}); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	if err := log.ApplyBatch([]Event{ev(3)}); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	if diff := cmp.Diff([]Event{ev(1), ev(2), ev(3)}, log.Snapshot()); diff != "" {
		t.Errorf("Snapshot mismatch (-want +got):\n%s", diff)
	}
	if log.LastSeq() != 3 {
		t.Errorf("LastSeq() = %d, want 3", log.LastSeq())
	}
}

func TestSessionLogDedupesAlreadySeen(t *testing.T) {
	log := NewSessionLog(0)
	if err := log.ApplyBatch([]Event{ev(1), ev(2), ev(3)}); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	// Redelivery of the tail after a reconnect: seq 2,3 already applied.
	if err := log.ApplyBatch([]Event{ev(2), ev(3), ev(4)}); err != nil {
		t.Fatalf("ApplyBatch (redelivery): %v", err)
	}
	if diff := cmp.Diff([]Event{ev(1), ev(2), ev(3), ev(4)}, log.Snapshot()); diff != "" {
		t.Errorf("Snapshot mismatch (-want +got):\n%s", diff)
	}
}

// A batch whose first seq skips past lastSeq+1 is rejected without
// advancing lastSeq or reaching subscribers.
func TestSessionLogGapDetection(t *testing.T) {
	log := NewSessionLog(0)
	if err := log.ApplyBatch([]Event{ev(1), ev(2), ev(3), ev(4)}); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	var seen []Event
	log.Subscribe(func(e Event) { seen = append(seen, e) }, false)

	err := log.ApplyBatch([]Event{ev(6)})
	if err == nil {
		t.Fatalf("ApplyBatch(gap): want *SessionLogGapError, got nil")
	}
	gapErr, ok := err.(*SessionLogGapError)
	if !ok {
		t.Fatalf("ApplyBatch(gap): want *SessionLogGapError, got %T: %v", err, err)
	}
	if gapErr.LastSeq != 4 || gapErr.GotFirst != 6 {
		t.Errorf("gap error = %+v, want LastSeq=4 GotFirst=6", gapErr)
	}
	if len(seen) != 0 {
		t.Errorf("subscriber saw %d events after a rejected gap batch, want 0", len(seen))
	}
	if log.LastSeq() != 4 {
		t.Errorf("LastSeq() after rejected batch = %d, want unchanged 4", log.LastSeq())
	}

	// Backfill closes the gap; the subscriber now sees both in order.
	if err := log.ApplyBatch([]Event{ev(5), ev(6)}); err != nil {
		t.Fatalf("ApplyBatch(backfill): %v", err)
	}
	if diff := cmp.Diff([]Event{ev(5), ev(6)}, seen); diff != "" {
		t.Errorf("subscriber events mismatch (-want +got):\n%s", diff)
	}
}

func TestSessionLogSubscribeReplay(t *testing.T) {
	log := NewSessionLog(0)
	if err := log.ApplyBatch([]Event{ev(1), ev(2)}); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	var seen []Event
	unsubscribe := log.Subscribe(func(e Event) { seen = append(seen, e) }, true)
	defer unsubscribe()

	if diff := cmp.Diff([]Event{ev(1), ev(2)}, seen); diff != "" {
		t.Errorf("replay mismatch (-want +got):\n%s", diff)
	}

	if err := log.ApplyBatch([]Event{ev(3)}); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	if diff := cmp.Diff([]Event{ev(1), ev(2), ev(3)}, seen); diff != "" {
		t.Errorf("post-subscribe mismatch (-want +got):\n%s", diff)
	}
}

func TestSessionLogUnsubscribeStopsDelivery(t *testing.T) {
	log := NewSessionLog(0)
	var seen []Event
	unsubscribe := log.Subscribe(func(e Event) { seen = append(seen, e) }, false)
	unsubscribe()

	if err := log.ApplyBatch([]Event{ev(1)}); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	if len(seen) != 0 {
		t.Errorf("unsubscribed listener saw %d events, want 0", len(seen))
	}
}

func TestSessionLogListenerPanicDoesNotPropagate(t *testing.T) {
	log := NewSessionLog(0)
	log.Subscribe(func(Event) { panic("boom") }, false)

	if err := log.ApplyBatch([]Event{ev(1)}); err != nil {
		t.Fatalf("ApplyBatch with panicking listener: %v", err)
	}
	if log.LastSeq() != 1 {
		t.Errorf("LastSeq() = %d, want 1", log.LastSeq())
	}
}

// A listener that panics is never invoked again, even though ApplyBatch
// itself must not fail.
func TestSessionLogListenerPanicCancelsSubscription(t *testing.T) {
	log := NewSessionLog(0)
	calls := 0
	log.Subscribe(func(Event) {
		calls++
		panic("boom")
	}, false)

	if err := log.ApplyBatch([]Event{ev(1)}); err != nil {
		t.Fatalf("ApplyBatch with panicking listener: %v", err)
	}
	if err := log.ApplyBatch([]Event{ev(2)}); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	if calls != 1 {
		t.Errorf("panicking listener invoked %d times, want exactly 1 (cancelled after first panic)", calls)
	}
}

func TestSessionLogMaxEventsTrims(t *testing.T) {
	log := NewSessionLog(2)
	if err := log.ApplyBatch([]Event{ev(1), ev(2), ev(3)}); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	if diff := cmp.Diff([]Event{ev(2), ev(3)}, log.Snapshot()); diff != "" {
		t.Errorf("trimmed snapshot mismatch (-want +got):\n%s", diff)
	}
	if log.LastSeq() != 3 {
		t.Errorf("LastSeq() = %d, want 3 (trim must not affect LastSeq)", log.LastSeq())
	}
}
