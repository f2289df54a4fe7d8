// Copyright 2025 The Starcite Go SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package starcite

import (
	"context"
	"sync"
	"testing"
	"time"

	fakeserver "github.com/starcite-dev/starcite-go/internal/testing"
)

// On's first listener catches up on history already appended before it
// subscribed, then keeps receiving events appended afterward, all in
// order and without duplicates.
func TestSessionOnDeliversExistingAndLiveEvents(t *testing.T) {
	fs := fakeserver.NewFakeServer()
	defer fs.Close()
	client := newTestClientForTailTests(t, fs)

	ctx := context.Background()
	if _, err := client.CreateSession(ctx, CreateSessionInput{ID: "live1"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	producer := client.Session("live1", SessionOptions{ProducerID: "p1"})
	if _, err := producer.Append(ctx, "t", map[string]any{"n": 1}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	subscriber := client.Session("live1", SessionOptions{})

	var mu sync.Mutex
	var got []int64
	seenTwo := make(chan struct{})
	var twoOnce sync.Once

	unsubscribe := subscriber.On(func(ev Event) {
		mu.Lock()
		got = append(got, ev.Seq)
		mu.Unlock()
		if ev.Seq == 2 {
			twoOnce.Do(func() { close(seenTwo) })
		}
	}, LiveOptions{})
	defer unsubscribe()

	if _, err := producer.Append(ctx, "t", map[string]any{"n": 2}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	select {
	case <-seenTwo:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for seq=2 to be delivered to the On handler")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("delivered seqs = %v, want [1 2]", got)
	}
}

// Once the last listener unsubscribes, Snapshot().Syncing reports false,
// and a fresh subscriber started afterward restarts the background tail.
func TestSessionOnUnsubscribeStopsBackgroundTail(t *testing.T) {
	fs := fakeserver.NewFakeServer()
	defer fs.Close()
	client := newTestClientForTailTests(t, fs)

	ctx := context.Background()
	if _, err := client.CreateSession(ctx, CreateSessionInput{ID: "live2"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	session := client.Session("live2", SessionOptions{})

	unsubscribe := session.On(func(Event) {}, LiveOptions{})

	if !session.Snapshot().Syncing {
		t.Fatalf("Syncing = false immediately after On, want true")
	}

	unsubscribe()

	if session.Snapshot().Syncing {
		t.Fatalf("Syncing = true after the only listener unsubscribed, want false")
	}

	// Registering again should restart the background tail rather than
	// reusing the stopped one.
	unsubscribe2 := session.On(func(Event) {}, LiveOptions{})
	defer unsubscribe2()
	if !session.Snapshot().Syncing {
		t.Fatalf("Syncing = false after re-subscribing, want true")
	}
}

// Two listeners registered on the same Session both observe the same
// events through one shared background tail, and the tail only stops once
// both have unsubscribed.
func TestSessionOnSharesBackgroundTailAcrossListeners(t *testing.T) {
	fs := fakeserver.NewFakeServer()
	defer fs.Close()
	client := newTestClientForTailTests(t, fs)

	ctx := context.Background()
	if _, err := client.CreateSession(ctx, CreateSessionInput{ID: "live3"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	producer := client.Session("live3", SessionOptions{ProducerID: "p1"})
	session := client.Session("live3", SessionOptions{})

	oneSeen := make(chan struct{})
	var oneOnce sync.Once
	twoSeen := make(chan struct{})
	var twoOnce sync.Once

	unsubA := session.On(func(ev Event) {
		if ev.Seq == 1 {
			oneOnce.Do(func() { close(oneSeen) })
		}
	}, LiveOptions{})
	unsubB := session.On(func(ev Event) {
		if ev.Seq == 1 {
			twoOnce.Do(func() { close(twoSeen) })
		}
	}, LiveOptions{})

	if _, err := producer.Append(ctx, "t", map[string]any{"n": 1}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	select {
	case <-oneSeen:
	case <-time.After(5 * time.Second):
		t.Fatal("listener A never saw seq=1")
	}
	select {
	case <-twoSeen:
	case <-time.After(5 * time.Second):
		t.Fatal("listener B never saw seq=1")
	}

	unsubA()
	if !session.Snapshot().Syncing {
		t.Fatalf("Syncing = false after only one of two listeners unsubscribed, want true")
	}

	unsubB()
	if session.Snapshot().Syncing {
		t.Fatalf("Syncing = true after both listeners unsubscribed, want false")
	}
}
