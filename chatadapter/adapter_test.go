// Copyright 2025 The Starcite Go SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package chatadapter

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/starcite-dev/starcite-go/starcite"
)

// TestProjectEventSynthesizesChunks: an assistant event
// with a plain {text, messageId, textPartId} payload projects to the
// synthetic 5-chunk sequence and stops iteration.
func TestProjectEventSynthesizesChunks(t *testing.T) {
	ev := starcite.Event{
		Seq:   8,
		Type:  "chat.response.message",
		Actor: "agent:assistant",
		Payload: map[string]any{
			"text":       "Hi!",
			"messageId":  "m1",
			"textPartId": "p1",
		},
	}

	chunks, stop := projectEvent(ev, "use-chat")
	if !stop {
		t.Errorf("stop = false, want true")
	}

	want := []UIMessageChunk{
		&StartChunk{MessageID: "m1"},
		&TextStartChunk{ID: "p1"},
		&TextDeltaChunk{ID: "p1", Delta: "Hi!"},
		&TextEndChunk{ID: "p1"},
		&FinishChunk{FinishReason: "stop"},
	}
	if diff := cmp.Diff(want, chunks); diff != "" {
		t.Errorf("projectEvent chunks mismatch (-want +got):\n%s", diff)
	}
}

func TestProjectEventErrorEventSetsErrorFinishReason(t *testing.T) {
	ev := starcite.Event{
		Seq:   9,
		Type:  "chat.response.error",
		Actor: "agent:assistant",
		Payload: map[string]any{
			"message":    "model timed out",
			"messageId":  "m2",
			"textPartId": "p2",
		},
	}

	chunks, stop := projectEvent(ev, "use-chat")
	if !stop {
		t.Errorf("stop = false, want true")
	}
	last := chunks[len(chunks)-1].(*FinishChunk)
	if last.FinishReason != "error" {
		t.Errorf("FinishReason = %q, want %q", last.FinishReason, "error")
	}
	delta := chunks[2].(*TextDeltaChunk)
	if delta.Delta != "model timed out" {
		t.Errorf("Delta = %q, want the error message", delta.Delta)
	}
}

func TestProjectEventForwardsKnownChunkTypesWithoutStopping(t *testing.T) {
	ev := starcite.Event{
		Seq:     10,
		Type:    "chat.response.chunk",
		Actor:   "agent:assistant",
		Payload: map[string]any{"type": "text-delta", "id": "p1", "delta": "foo"},
	}

	chunks, stop := projectEvent(ev, "use-chat")
	if stop {
		t.Errorf("stop = true, want false (already-shaped chunks must not stop iteration)")
	}
	want := []UIMessageChunk{&TextDeltaChunk{ID: "p1", Delta: "foo"}}
	if diff := cmp.Diff(want, chunks); diff != "" {
		t.Errorf("projectEvent chunks mismatch (-want +got):\n%s", diff)
	}
}

func TestProjectEventSkipsOwnUserAgentEvents(t *testing.T) {
	ev := starcite.Event{Seq: 7, Type: "chat.user.message", Actor: "agent:use-chat", Payload: map[string]any{"text": "Hello"}}

	chunks, stop := projectEvent(ev, "use-chat")
	if stop {
		t.Errorf("stop = true, want false")
	}
	if chunks != nil {
		t.Errorf("chunks = %v, want nil", chunks)
	}
}

func TestLatestUserMessageTextPrefersLastUserMessage(t *testing.T) {
	msgs := []ChatMessage{
		{Role: "user", Text: "first"},
		{Role: "assistant", Text: "reply"},
		{Role: "user", Text: "second"},
	}
	if got := latestUserMessageText(msgs); got != "second" {
		t.Errorf("latestUserMessageText = %q, want %q", got, "second")
	}
}
