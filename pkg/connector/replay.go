// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// ReplayGuard decides whether an inbound event is new relative to what
// this account has already processed, and records accepted events in the
// checkpoint. It is best-effort de-duplication keyed on sender-supplied
// timestamps, not exactly-once delivery: ties count as duplicates so the
// bias is toward under-delivery.
//
// The startup cutoff compares remote timestamps against the local clock
// at session start without skew compensation. A legitimate message sent
// in the narrow window between process start and the first sync can be
// dropped on a first run if the server clock runs ahead; accepted
// approximation.
type ReplayGuard struct {
	log   zerolog.Logger
	state *AccountState

	// resumed is true when a prior sync token existed at session start;
	// in that case the transport replays nothing we have not chosen to
	// replay, so the startup cutoff below does not apply.
	resumed      bool
	sessionStart time.Time
}

func NewReplayGuard(state *AccountState, log zerolog.Logger) *ReplayGuard {
	return &ReplayGuard{
		log:          log.With().Str("component", "replay_guard").Logger(),
		state:        state,
		resumed:      state.HasCheckpoint(),
		sessionStart: time.Now(),
	}
}

// Accept reports whether the event should be processed. An event is
// rejected when its timestamp is at or before the recorded last-seen for
// its conversation, or when it is historical backlog surfaced by a full
// initial sync (no prior checkpoint, no last-seen entry, timestamp before
// session start).
func (rg *ReplayGuard) Accept(roomID id.RoomID, ts time.Time) bool {
	lastSeen, ok := rg.state.LastSeen(roomID)
	if ok {
		return ts.After(lastSeen)
	}
	if !rg.resumed && ts.Before(rg.sessionStart) {
		rg.log.Debug().
			Str("room_id", roomID.String()).
			Time("event_ts", ts).
			Msg("Dropping historical backlog event from initial sync")
		return false
	}
	return true
}

// Record marks the event as processed and persists the checkpoint. Call
// only after Accept returned true; recording is deliberately done before
// backend dispatch so a crash mid-dispatch cannot re-deliver.
func (rg *ReplayGuard) Record(roomID id.RoomID, ts time.Time) {
	rg.state.SetLastSeen(roomID, ts)
}
