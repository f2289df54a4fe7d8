// Copyright 2025 The Starcite Go SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package starcite

import (
	"reflect"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// schemaCache resolves and caches a jsonschema.Resolved per Go type,
// avoiding repeated reflection-based schema generation for every HTTP
// response or tail frame decoded against the same shape. Grounded on
// mcp/schema_cache.go.
type schemaCache struct {
	mu    sync.Mutex
	byTyp map[reflect.Type]*jsonschema.Resolved
}

func newSchemaCache() *schemaCache {
	return &schemaCache{byTyp: make(map[reflect.Type]*jsonschema.Resolved)}
}

// resolvedFor returns the cached *jsonschema.Resolved for T, generating and
// resolving it on first use.
func resolvedFor[T any](c *schemaCache) (*jsonschema.Resolved, error) {
	t := reflect.TypeFor[T]()

	c.mu.Lock()
	if r, ok := c.byTyp[t]; ok {
		c.mu.Unlock()
		return r, nil
	}
	c.mu.Unlock()

	schema, err := jsonschema.For[T](nil)
	if err != nil {
		return nil, err
	}
	resolved, err := schema.Resolve(&jsonschema.ResolveOptions{ValidateDefaults: true})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.byTyp[t] = resolved
	c.mu.Unlock()
	return resolved, nil
}

// validateAgainst validates data, an already-decoded generic JSON value,
// against T's resolved schema, returning a *SchemaError on mismatch. where is
// included in the error for operational debugging (e.g. "POST /sessions
// response").
func validateAgainst[T any](c *schemaCache, data any, where string) error {
	resolved, err := resolvedFor[T](c)
	if err != nil {
		return &SchemaError{Where: where, Cause: err}
	}
	if err := resolved.Validate(data); err != nil {
		return &SchemaError{Where: where, Cause: err}
	}
	return nil
}
