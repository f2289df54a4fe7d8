// Copyright 2025 The Starcite Go SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package starcite

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	fakeserver "github.com/starcite-dev/starcite-go/internal/testing"
)

// batchSize=0 or >1000 is rejected at construction; 1 and 1000 both
// succeed.
func TestTailStreamRejectsBadBatchSize(t *testing.T) {
	for _, bad := range []int{-1, 0, 1001, 5000} {
		if _, err := NewTailStream(TailStreamOptions{SessionID: "s", BatchSize: bad}); err == nil {
			t.Errorf("NewTailStream(BatchSize=%d): want error, got nil", bad)
		}
	}
	for _, good := range []int{1, 256, 1000} {
		if _, err := NewTailStream(TailStreamOptions{SessionID: "s", BatchSize: good}); err != nil {
			t.Errorf("NewTailStream(BatchSize=%d): %v", good, err)
		}
	}
}

// A consumer error must not advance the cursor past the undelivered
// events, so a stream resumed from Cursor() redelivers them; only a nil
// return from the consumer moves it.
func TestTailStreamCursorAdvancesOnlyAfterConsumerSuccess(t *testing.T) {
	stream, err := NewTailStream(TailStreamOptions{SessionID: "s"})
	if err != nil {
		t.Fatalf("NewTailStream: %v", err)
	}
	frame, err := json.Marshal([]Event{
		{Seq: 1, Type: "t", Payload: map[string]any{}, Actor: "a", ProducerID: "p", ProducerSeq: 1},
		{Seq: 2, Type: "t", Payload: map[string]any{}, Actor: "a", ProducerID: "p", ProducerSeq: 2},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	boom := errors.New("consumer failed")
	if err := stream.handleFrame(frame, func([]Event) error { return boom }); err == nil {
		t.Fatalf("handleFrame with failing consumer: want error, got nil")
	}
	if got := stream.Cursor(); got != 0 {
		t.Errorf("Cursor() after failed consume = %d, want 0", got)
	}

	if err := stream.handleFrame(frame, func([]Event) error { return nil }); err != nil {
		t.Fatalf("handleFrame: %v", err)
	}
	if got := stream.Cursor(); got != 2 {
		t.Errorf("Cursor() after successful consume = %d, want 2", got)
	}
}

// Events dropped by the agent filter advance the cursor without ever
// reaching the consumer, so reconnect does not redeliver them.
func TestTailStreamAgentFilterAdvancesCursorWithoutDelivery(t *testing.T) {
	stream, err := NewTailStream(TailStreamOptions{SessionID: "s", Agent: "helper"})
	if err != nil {
		t.Fatalf("NewTailStream: %v", err)
	}
	frame, err := json.Marshal([]Event{
		{Seq: 1, Type: "t", Payload: map[string]any{}, Actor: "agent:other", ProducerID: "p", ProducerSeq: 1},
		{Seq: 2, Type: "t", Payload: map[string]any{}, Actor: "agent:other", ProducerID: "p", ProducerSeq: 2},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	if err := stream.handleFrame(frame, func([]Event) error {
		t.Fatalf("onBatch called for a fully-filtered frame")
		return nil
	}); err != nil {
		t.Fatalf("handleFrame: %v", err)
	}
	if got := stream.Cursor(); got != 2 {
		t.Errorf("Cursor() after filtered frame = %d, want 2", got)
	}
}

// Aborting before any frame arrives ends the stream with reason
// "aborted".
func TestTailStreamAbortBeforeFirstFrame(t *testing.T) {
	fs := fakeserver.NewFakeServer()
	defer fs.Close()

	abort := make(chan struct{})
	close(abort) // already aborted before Run starts

	var ended *TailStreamEndedEvent
	stream, err := NewTailStream(TailStreamOptions{
		SessionID: "s-abort",
		WSBaseURL: fs.WSBaseURL(),
		NoFollow:  true,
		Abort:     abort,
		OnLifecycleEvent: func(ev TailLifecycleEvent) {
			if e, ok := ev.(*TailStreamEndedEvent); ok {
				ended = e
			}
		},
	})
	if err != nil {
		t.Fatalf("NewTailStream: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = stream.Run(ctx, func([]Event) error {
		t.Fatalf("onBatch called after abort before first frame")
		return nil
	})

	if ended == nil || ended.Reason != TailEndAborted {
		t.Fatalf("ended = %+v, want reason=aborted", ended)
	}
}

// TestTailStreamReconnectPreservesCursor: a tail observes
// seq=1,2,3, the connection drops uncleanly, and the reconnected socket
// resumes strictly after the last delivered seq, observing [1,2,3,4] in
// order with exactly one stream_dropped and one reconnect_scheduled event
// in between.
func TestTailStreamReconnectPreservesCursor(t *testing.T) {
	fs := fakeserver.NewFakeServer()
	defer fs.Close()

	ctx := context.Background()
	client := newTestClientForTailTests(t, fs)
	if _, err := client.CreateSession(ctx, CreateSessionInput{ID: "s2"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	producer := client.Session("s2", SessionOptions{ProducerID: "p1"})
	for i := 0; i < 3; i++ {
		if _, err := producer.Append(ctx, "t", map[string]any{"n": i}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	// Arrange the fake server to hard-drop the first tail connection right
	// after it delivers seq=3.
	fs.DropTailAfter("s2", 3, 1)

	var dropped, scheduled int
	abort := make(chan struct{})
	stream, err := NewTailStream(TailStreamOptions{
		SessionID:       "s2",
		WSBaseURL:       fs.WSBaseURL(),
		ReconnectPolicy: ReconnectPolicy{InitialDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 2},
		Abort:           abort,
		OnLifecycleEvent: func(ev TailLifecycleEvent) {
			switch ev.(type) {
			case *TailStreamDroppedEvent:
				dropped++
			case *TailReconnectScheduledEvent:
				scheduled++
			}
		},
	})
	if err != nil {
		t.Fatalf("NewTailStream: %v", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	var got []int64
	var stopOnce sync.Once
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = stream.Run(runCtx, func(batch []Event) error {
			mu.Lock()
			for _, ev := range batch {
				got = append(got, ev.Seq)
			}
			n := len(got)
			mu.Unlock()

			if n == 3 {
				// Append the 4th event only once the first three have been
				// observed, so it's visible exclusively after reconnect.
				if _, err := producer.Append(ctx, "t", map[string]any{"n": 3}); err != nil {
					return err
				}
			}
			if n >= 4 {
				stopOnce.Do(func() { close(abort) })
			}
			return nil
		})
	}()

	select {
	case <-runDone:
	case <-runCtx.Done():
		t.Fatalf("tail stream did not finish within the test timeout")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) < 4 {
		t.Fatalf("observed seqs = %v, want at least [1,2,3,4]", got)
	}
	for i, seq := range got {
		if seq != int64(i+1) {
			t.Fatalf("observed seqs = %v, want strictly [1,2,3,4,...]", got)
		}
	}
	if dropped != 1 {
		t.Errorf("stream_dropped events = %d, want exactly 1", dropped)
	}
	if scheduled != 1 {
		t.Errorf("reconnect_scheduled events = %d, want exactly 1", scheduled)
	}
}

func newTestClientForTailTests(t *testing.T, fs *fakeserver.FakeServer) *Client {
	t.Helper()
	client, err := NewClient(ClientOptions{BaseURL: fs.BaseURL()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}
