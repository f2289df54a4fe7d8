// Copyright 2025 The Starcite Go SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package starcite

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseFrameSingleEvent(t *testing.T) {
	ev := Event{Seq: 1, Type: "chat.user.message", Payload: map[string]any{"text": "hi"}, Actor: "agent:user", ProducerID: "p1", ProducerSeq: 1}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := parseFrame(data, newSchemaCache())
	if err != nil {
		t.Fatalf("parseFrame: %v", err)
	}
	want := []Event{ev}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parseFrame single event mismatch (-want +got):\n%s", diff)
	}
}

func TestParseFrameEventArray(t *testing.T) {
	e1 := Event{Seq: 1, Type: "t", Payload: map[string]any{}, Actor: "a", ProducerID: "p", ProducerSeq: 1}
	e2 := Event{Seq: 2, Type: "t", Payload: map[string]any{}, Actor: "a", ProducerID: "p", ProducerSeq: 2}
	data, err := json.Marshal([]Event{e1, e2})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := parseFrame(data, newSchemaCache())
	if err != nil {
		t.Fatalf("parseFrame: %v", err)
	}
	want := []Event{e1, e2}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parseFrame array mismatch (-want +got):\n%s", diff)
	}
}

func TestParseFrameRejectsEmptyArray(t *testing.T) {
	if _, err := parseFrame([]byte("[]"), newSchemaCache()); err == nil {
		t.Fatalf("parseFrame([]): want error, got nil")
	} else if _, ok := err.(*ConnectionError); !ok {
		t.Errorf("parseFrame([]): want *ConnectionError, got %T: %v", err, err)
	}
}

func TestParseFrameRejectsMalformedJSON(t *testing.T) {
	if _, err := parseFrame([]byte("not json"), newSchemaCache()); err == nil {
		t.Fatalf("parseFrame(garbage): want error, got nil")
	} else if _, ok := err.(*ConnectionError); !ok {
		t.Errorf("parseFrame(garbage): want *ConnectionError, got %T: %v", err, err)
	}
}

func TestParseFrameRejectsMissingRequiredField(t *testing.T) {
	// "type" is required by the Event schema; this object omits it.
	malformed := []byte(`{"seq":1,"payload":{},"actor":"a","producer_id":"p","producer_seq":1}`)
	if _, err := parseFrame(malformed, newSchemaCache()); err == nil {
		t.Fatalf("parseFrame(missing type): want error, got nil")
	}
}
