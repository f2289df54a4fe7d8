// Copyright 2025 The Starcite Go SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package starcite

import (
	"encoding/json"
	"fmt"
)

// parseFrame parses one WebSocket text frame into an ordered, non-empty
// batch of events. The frame's JSON is either a single event object or a
// non-empty array of event objects; anything else (non-JSON, empty array,
// schema mismatch) is a server/compat bug, not a transient hiccup, so it is
// reported as a non-retryable *ConnectionError: reconnecting cannot fix a
// malformed frame.
func parseFrame(data []byte, schemas *schemaCache) ([]Event, error) {
	var raw json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ConnectionError{Message: "tail frame did not match schema", Cause: err}
	}

	trimmed := skipLeadingWhitespace(raw)
	if len(trimmed) == 0 {
		return nil, &ConnectionError{Message: "tail frame did not match schema", Cause: fmt.Errorf("empty frame")}
	}

	var events []Event
	if trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(raw, &arr); err != nil {
			return nil, &ConnectionError{Message: "tail frame did not match schema", Cause: err}
		}
		if len(arr) == 0 {
			return nil, &ConnectionError{Message: "tail frame did not match schema", Cause: fmt.Errorf("array frame was empty")}
		}
		for _, item := range arr {
			ev, err := decodeEvent(item, schemas)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)
		}
		return events, nil
	}

	ev, err := decodeEvent(raw, schemas)
	if err != nil {
		return nil, err
	}
	return []Event{ev}, nil
}

func decodeEvent(data json.RawMessage, schemas *schemaCache) (Event, error) {
	var ev Event
	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		return Event{}, &ConnectionError{Message: "tail frame did not match schema", Cause: err}
	}
	if err := validateAgainst[Event](schemas, generic, "tail event"); err != nil {
		return Event{}, &ConnectionError{Message: "tail frame did not match schema", Cause: err}
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, &ConnectionError{Message: "tail frame did not match schema", Cause: err}
	}
	return ev, nil
}

func skipLeadingWhitespace(b []byte) []byte {
	i := 0
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\n', '\r':
			i++
		default:
			return b[i:]
		}
	}
	return b[i:]
}
