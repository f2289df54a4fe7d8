// Copyright 2025 The Starcite Go SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package wire provides internal JSON utilities shared across the
// starcite and chatadapter packages.
package wire

import "encoding/json"

// Remarshal marshals from to JSON and unmarshals the result into to, which
// must be a pointer. Useful for converting between two struct shapes that
// share a JSON representation (e.g. map[string]any payloads into typed
// chunk structs).
func Remarshal(from, to any) error {
	data, err := json.Marshal(from)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, to)
}
