// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff produces exponentially increasing, jittered, capped reconnect
// delays. Zero-value fields fall back to the defaults below. Not safe for
// concurrent use; each session owns one.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	// Jitter is the multiplicative jitter fraction: each delay is scaled
	// by a random factor in [1-Jitter, 1+Jitter]. Zero means the default;
	// a negative value disables jitter entirely.
	Jitter float64

	attempt int
}

const (
	defaultBackoffInitial = 2 * time.Second
	defaultBackoffMax     = 5 * time.Minute
	defaultBackoffFactor  = 2.0
	defaultBackoffJitter  = 0.2
)

// Next returns the delay for the current attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	initial, maxDelay, factor, jitter := b.Initial, b.Max, b.Factor, b.Jitter
	if initial <= 0 {
		initial = defaultBackoffInitial
	}
	if maxDelay <= 0 {
		maxDelay = defaultBackoffMax
	}
	if factor <= 1 {
		factor = defaultBackoffFactor
	}
	if jitter == 0 {
		jitter = defaultBackoffJitter
	} else if jitter < 0 {
		jitter = 0
	}

	delay := float64(initial)
	for range b.attempt {
		delay *= factor
		if delay >= float64(maxDelay) {
			delay = float64(maxDelay)
			break
		}
	}
	b.attempt++

	scale := 1 + jitter*(2*rand.Float64()-1)
	return time.Duration(delay * scale)
}

// Reset zeroes the attempt counter. Called after the session reaches a
// caught-up state so the next failure starts from the initial delay again.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt returns the number of delays handed out since the last reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// sleep waits for d or until ctx is cancelled, whichever comes first.
// Returns false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
