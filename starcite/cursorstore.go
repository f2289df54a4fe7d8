// Copyright 2025 The Starcite Go SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package starcite

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// CursorStore persists the last cursor a consumer has durably processed
// for a given (sessionId, consumerId) pair, so [Session.Consume] can
// resume after a process restart without replaying already-handled
// events.
type CursorStore interface {
	Load(ctx context.Context, sessionID, consumerID string) (cursor int64, ok bool, err error)
	Save(ctx context.Context, sessionID, consumerID string, cursor int64) error
}

// ProducerIdentityStore persists a producer's (producerId, producerSeq)
// pair so a CLI-style producer restarted after a crash resumes its
// producer_seq counter instead of colliding with events it already wrote.
// A browser SDK would keep this in localStorage; this is the
// filesystem-backed Go-native equivalent.
type ProducerIdentityStore interface {
	Load(ctx context.Context, sessionID string) (producerID string, producerSeq int64, ok bool, err error)
	Save(ctx context.Context, sessionID, producerID string, producerSeq int64) error
}

// MemoryCursorStore is a process-local CursorStore backed by a map. Useful
// for tests and for single-process consumers that don't need durability
// across restarts.
type MemoryCursorStore struct {
	mu   sync.Mutex
	byID map[string]int64
}

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{byID: make(map[string]int64)}
}

func (m *MemoryCursorStore) Load(_ context.Context, sessionID, consumerID string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[cursorKey(sessionID, consumerID)]
	return c, ok, nil
}

func (m *MemoryCursorStore) Save(_ context.Context, sessionID, consumerID string, cursor int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[cursorKey(sessionID, consumerID)] = cursor
	return nil
}

func cursorKey(sessionID, consumerID string) string { return sessionID + "\x00" + consumerID }

// MemoryProducerIdentityStore is the in-memory ProducerIdentityStore
// counterpart to MemoryCursorStore.
type MemoryProducerIdentityStore struct {
	mu   sync.Mutex
	byID map[string]producerIdentity
}

type producerIdentity struct {
	ProducerID string
	Seq        int64
}

func NewMemoryProducerIdentityStore() *MemoryProducerIdentityStore {
	return &MemoryProducerIdentityStore{byID: make(map[string]producerIdentity)}
}

func (m *MemoryProducerIdentityStore) Load(_ context.Context, sessionID string) (string, int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byID[sessionID]
	return id.ProducerID, id.Seq, ok, nil
}

func (m *MemoryProducerIdentityStore) Save(_ context.Context, sessionID, producerID string, seq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[sessionID] = producerIdentity{ProducerID: producerID, Seq: seq}
	return nil
}

// FileCursorStore persists cursors as one JSON file per (sessionId,
// consumerId) under Dir, so a CLI consumer survives a process restart.
// Grounded on mcp/session_store.go's file-per-entity layout, generalized
// from MCP sessions to tail cursors.
type FileCursorStore struct {
	Dir string

	mu sync.Mutex
}

func NewFileCursorStore(dir string) *FileCursorStore {
	return &FileCursorStore{Dir: dir}
}

type cursorFile struct {
	Cursor int64 `json:"cursor"`
}

func (f *FileCursorStore) path(sessionID, consumerID string) string {
	return filepath.Join(f.Dir, fmt.Sprintf("%s.%s.cursor.json", sanitizeForFilename(sessionID), sanitizeForFilename(consumerID)))
}

func (f *FileCursorStore) Load(_ context.Context, sessionID, consumerID string) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path(sessionID, consumerID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("starcite: read cursor file: %w", err)
	}
	var cf cursorFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return 0, false, fmt.Errorf("starcite: decode cursor file: %w", err)
	}
	return cf.Cursor, true, nil
}

func (f *FileCursorStore) Save(_ context.Context, sessionID, consumerID string, cursor int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.MkdirAll(f.Dir, 0o700); err != nil {
		return fmt.Errorf("starcite: create cursor dir: %w", err)
	}
	data, err := json.Marshal(cursorFile{Cursor: cursor})
	if err != nil {
		return fmt.Errorf("starcite: encode cursor file: %w", err)
	}
	tmp := f.path(sessionID, consumerID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("starcite: write cursor file: %w", err)
	}
	return os.Rename(tmp, f.path(sessionID, consumerID))
}

// FileProducerIdentityStore is the file-backed ProducerIdentityStore
// counterpart to FileCursorStore, letting a restarted producer continue
// without reusing a producer_seq.
type FileProducerIdentityStore struct {
	Dir string

	mu sync.Mutex
}

func NewFileProducerIdentityStore(dir string) *FileProducerIdentityStore {
	return &FileProducerIdentityStore{Dir: dir}
}

type producerIdentityFile struct {
	ProducerID string `json:"producer_id"`
	Seq        int64  `json:"producer_seq"`
}

func (f *FileProducerIdentityStore) path(sessionID string) string {
	return filepath.Join(f.Dir, sanitizeForFilename(sessionID)+".producer.json")
}

func (f *FileProducerIdentityStore) Load(_ context.Context, sessionID string) (string, int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, false, nil
		}
		return "", 0, false, fmt.Errorf("starcite: read producer identity file: %w", err)
	}
	var pf producerIdentityFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return "", 0, false, fmt.Errorf("starcite: decode producer identity file: %w", err)
	}
	return pf.ProducerID, pf.Seq, true, nil
}

func (f *FileProducerIdentityStore) Save(_ context.Context, sessionID, producerID string, seq int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.MkdirAll(f.Dir, 0o700); err != nil {
		return fmt.Errorf("starcite: create producer identity dir: %w", err)
	}
	data, err := json.Marshal(producerIdentityFile{ProducerID: producerID, Seq: seq})
	if err != nil {
		return fmt.Errorf("starcite: encode producer identity file: %w", err)
	}
	tmp := f.path(sessionID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("starcite: write producer identity file: %w", err)
	}
	return os.Rename(tmp, f.path(sessionID))
}

func sanitizeForFilename(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
