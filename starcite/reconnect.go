// Copyright 2025 The Starcite Go SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package starcite

import (
	"math"
	"math/rand"
	"time"
)

// ReconnectPolicy controls the exponential-backoff-with-jitter schedule a
// [ManagedSocket] uses between reconnect attempts. Grounded on the backoff
// arithmetic in streamableClientConn.startEventStreamReceiver
// (mcp/streamable.go), generalized into a reusable, directly-computable
// policy rather than mutable loop state.
type ReconnectPolicy struct {
	// InitialDelay is the delay before the first retry. Default 500ms.
	InitialDelay time.Duration
	// MaxDelay caps the computed delay. Default 15s.
	MaxDelay time.Duration
	// Multiplier scales the delay on each subsequent attempt. Default 2.
	Multiplier float64
	// JitterRatio, in [0,1], widens the delay by a uniform sample from
	// [1-JitterRatio, 1+JitterRatio]. Default 0.2. Zero disables jitter.
	JitterRatio float64
	// MaxAttempts bounds the number of reconnect attempts. Zero means
	// unbounded.
	MaxAttempts int
}

// DefaultReconnectPolicy returns the default backoff policy:
// initial=500ms, max=15s, multiplier=2, jitter=0.2, unbounded attempts.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     15 * time.Second,
		Multiplier:   2,
		JitterRatio:  0.2,
		MaxAttempts:  0,
	}
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 15 * time.Second
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2
	}
	return p
}

// delay computes the backoff duration before attempt (1-indexed). rng, if
// nil, uses the package-level math/rand source; tests pass a seeded *rand.Rand
// for determinism.
func (p ReconnectPolicy) delay(attempt int, rng *rand.Rand) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	raw := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if raw > float64(p.MaxDelay) {
		raw = float64(p.MaxDelay)
	}
	if p.JitterRatio > 0 {
		lo := 1 - p.JitterRatio
		spread := 2 * p.JitterRatio
		var sample float64
		if rng != nil {
			sample = rng.Float64()
		} else {
			sample = rand.Float64()
		}
		raw *= lo + spread*sample
	}
	return time.Duration(raw)
}

// exceeded reports whether attempt has exhausted MaxAttempts (false when
// MaxAttempts is 0, meaning unbounded).
func (p ReconnectPolicy) exceeded(attempt int) bool {
	if p.MaxAttempts <= 0 {
		return false
	}
	return attempt > p.MaxAttempts
}
