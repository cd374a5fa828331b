// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

func TestReplayGuardResumedCheckpoint(t *testing.T) {
	t.Parallel()
	state := newTestStateStore(t).Account("acct")
	room := id.RoomID("!room:example.org")
	if err := state.SaveNextBatch(context.Background(), "@u:x.org", "batch-1"); err != nil {
		t.Fatal(err)
	}
	state.SetLastSeen(room, time.UnixMilli(1000))

	guard := NewReplayGuard(state, zerolog.Nop())
	if guard.Accept(room, time.UnixMilli(900)) {
		t.Error("timestamp 900 accepted with last-seen 1000")
	}
	if guard.Accept(room, time.UnixMilli(1000)) {
		t.Error("tie with last-seen accepted, should count as duplicate")
	}
	if !guard.Accept(room, time.UnixMilli(1500)) {
		t.Error("timestamp 1500 rejected with last-seen 1000")
	}
}

func TestReplayGuardIdempotentSecondPass(t *testing.T) {
	t.Parallel()
	state := newTestStateStore(t).Account("acct")
	room := id.RoomID("!room:example.org")
	if err := state.SaveNextBatch(context.Background(), "@u:x.org", "batch-1"); err != nil {
		t.Fatal(err)
	}

	guard := NewReplayGuard(state, zerolog.Nop())
	stamps := []time.Time{time.UnixMilli(100), time.UnixMilli(200), time.UnixMilli(300)}
	accepted := 0
	for _, ts := range stamps {
		if guard.Accept(room, ts) {
			guard.Record(room, ts)
			accepted++
		}
	}
	if accepted != 3 {
		t.Fatalf("first pass accepted %d of 3", accepted)
	}
	for _, ts := range stamps {
		if guard.Accept(room, ts) {
			t.Errorf("second pass accepted replayed timestamp %v", ts)
		}
	}
}

func TestReplayGuardFreshStartDropsBacklog(t *testing.T) {
	t.Parallel()
	state := newTestStateStore(t).Account("acct")
	room := id.RoomID("!room:example.org")

	guard := NewReplayGuard(state, zerolog.Nop())
	if guard.Accept(room, time.Now().Add(-time.Hour)) {
		t.Error("historical backlog accepted on fresh start")
	}
	if !guard.Accept(room, time.Now().Add(time.Minute)) {
		t.Error("post-start event rejected on fresh start")
	}
}

func TestReplayGuardResumeSkipsStartupCutoff(t *testing.T) {
	t.Parallel()
	state := newTestStateStore(t).Account("acct")
	if err := state.SaveNextBatch(context.Background(), "@u:x.org", "batch-1"); err != nil {
		t.Fatal(err)
	}
	// No last-seen entry for this room, but a checkpoint exists: the
	// incremental sync only delivers new events, so old timestamps pass.
	guard := NewReplayGuard(state, zerolog.Nop())
	if !guard.Accept("!other:example.org", time.Now().Add(-time.Hour)) {
		t.Error("resumed session rejected first event in a new conversation")
	}
}

func TestReplayGuardSurvivesRestart(t *testing.T) {
	t.Parallel()
	store := newTestStateStore(t)
	room := id.RoomID("!room:example.org")
	ctx := context.Background()

	state := store.Account("acct")
	if err := state.SaveNextBatch(ctx, "@u:x.org", "batch-1"); err != nil {
		t.Fatal(err)
	}
	guard := NewReplayGuard(state, zerolog.Nop())
	ts := time.UnixMilli(5000)
	if !guard.Accept(room, ts) {
		t.Fatal("event rejected before restart")
	}
	guard.Record(room, ts)

	reloaded := store.Account("acct")
	guard2 := NewReplayGuard(reloaded, zerolog.Nop())
	if guard2.Accept(room, ts) {
		t.Error("recorded timestamp accepted again after restart")
	}
	if !guard2.Accept(room, ts.Add(time.Millisecond)) {
		t.Error("newer timestamp rejected after restart")
	}
}
