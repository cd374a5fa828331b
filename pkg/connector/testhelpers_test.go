// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// sentEvent is one event PUT to the fake homeserver's send endpoint.
type sentEvent struct {
	RoomID  string
	Type    string
	Content map[string]any
}

// typingCall records one typing-state PUT.
type typingCall struct {
	RoomID string
	Typing bool
}

// fakeHomeserver simulates the small slice of the Matrix client-server
// API the sessions exercise: login, whoami, filter creation, sync,
// message send, typing, joined_members, and room join. Sync bodies are
// served in order; once exhausted, empty batches are returned.
type fakeHomeserver struct {
	Server *httptest.Server

	mu         sync.Mutex
	syncBodies []string
	syncSerial int
	failSyncs  int
	sent       []sentEvent
	typing     []typingCall
	joins      []string
	logins     int
	whoamis    int

	// MemberCounts maps room ID to the joined-member count reported by
	// joined_members. Rooms not listed report two members.
	MemberCounts map[string]int
	// RejectLogin makes the login endpoint return M_FORBIDDEN.
	RejectLogin bool
	// UserID is returned by login and whoami.
	UserID string
}

func newFakeHomeserver(t *testing.T) *fakeHomeserver {
	t.Helper()
	f := &fakeHomeserver{
		MemberCounts: make(map[string]int),
		UserID:       "@bot:example.org",
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /_matrix/client/v3/login", f.handleLogin)
	mux.HandleFunc("GET /_matrix/client/v3/account/whoami", f.handleWhoami)
	mux.HandleFunc("POST /_matrix/client/v3/user/{userID}/filter", f.handleFilter)
	mux.HandleFunc("GET /_matrix/client/v3/sync", f.handleSync)
	mux.HandleFunc("PUT /_matrix/client/v3/rooms/{roomID}/send/{eventType}/{txnID}", f.handleSend)
	mux.HandleFunc("PUT /_matrix/client/v3/rooms/{roomID}/typing/{userID}", f.handleTyping)
	mux.HandleFunc("GET /_matrix/client/v3/rooms/{roomID}/joined_members", f.handleJoinedMembers)
	mux.HandleFunc("POST /_matrix/client/v3/rooms/{roomID}/join", f.handleJoin)
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

func (f *fakeHomeserver) handleLogin(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.logins++
	reject := f.RejectLogin
	f.mu.Unlock()
	if reject {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"errcode":"M_FORBIDDEN","error":"Invalid password"}`)
		return
	}
	writeTestJSON(w, map[string]any{
		"user_id":      f.UserID,
		"access_token": "test-token",
		"device_id":    "TESTDEV",
	})
}

func (f *fakeHomeserver) handleWhoami(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.whoamis++
	f.mu.Unlock()
	if r.Header.Get("Authorization") != "Bearer test-token" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"errcode":"M_UNKNOWN_TOKEN","error":"Unknown token"}`)
		return
	}
	writeTestJSON(w, map[string]any{"user_id": f.UserID, "device_id": "TESTDEV"})
}

func (f *fakeHomeserver) handleFilter(w http.ResponseWriter, r *http.Request) {
	writeTestJSON(w, map[string]any{"filter_id": "filter1"})
}

func (f *fakeHomeserver) handleSync(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.syncSerial++
	serial := f.syncSerial
	if f.failSyncs > 0 {
		f.failSyncs--
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"errcode":"M_UNKNOWN","error":"Internal server error"}`)
		return
	}
	var body string
	if len(f.syncBodies) > 0 {
		body = f.syncBodies[0]
		f.syncBodies = f.syncBodies[1:]
	}
	f.mu.Unlock()

	if body == "" {
		// Idle long-poll; keep the loop from spinning.
		time.Sleep(20 * time.Millisecond)
		body = fmt.Sprintf(`{"next_batch":"empty-%d"}`, serial)
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, body)
}

func (f *fakeHomeserver) handleSend(w http.ResponseWriter, r *http.Request) {
	var content map[string]any
	if err := json.NewDecoder(r.Body).Decode(&content); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.sent = append(f.sent, sentEvent{
		RoomID:  r.PathValue("roomID"),
		Type:    r.PathValue("eventType"),
		Content: content,
	})
	serial := len(f.sent)
	f.mu.Unlock()
	writeTestJSON(w, map[string]any{"event_id": fmt.Sprintf("$sent-%d", serial)})
}

func (f *fakeHomeserver) handleTyping(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Typing bool `json:"typing"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	f.typing = append(f.typing, typingCall{RoomID: r.PathValue("roomID"), Typing: body.Typing})
	f.mu.Unlock()
	writeTestJSON(w, map[string]any{})
}

func (f *fakeHomeserver) handleJoinedMembers(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	count, ok := f.MemberCounts[r.PathValue("roomID")]
	f.mu.Unlock()
	if !ok {
		count = 2
	}
	joined := make(map[string]any, count)
	for i := 0; i < count; i++ {
		joined[fmt.Sprintf("@member%d:example.org", i)] = map[string]any{}
	}
	writeTestJSON(w, map[string]any{"joined": joined})
}

func (f *fakeHomeserver) handleJoin(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	f.mu.Lock()
	f.joins = append(f.joins, roomID)
	f.mu.Unlock()
	writeTestJSON(w, map[string]any{"room_id": roomID})
}

// FailNextSyncs makes the next n sync requests return HTTP 500 before
// normal serving resumes.
func (f *fakeHomeserver) FailNextSyncs(n int) {
	f.mu.Lock()
	f.failSyncs = n
	f.mu.Unlock()
}

// SyncCount returns how many sync requests have been served, failed ones
// included.
func (f *fakeHomeserver) SyncCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncSerial
}

// QueueSync appends one raw sync response body.
func (f *fakeHomeserver) QueueSync(body string) {
	f.mu.Lock()
	f.syncBodies = append(f.syncBodies, body)
	f.mu.Unlock()
}

// QueueMessage appends a sync batch carrying one m.room.message event.
func (f *fakeHomeserver) QueueMessage(roomID, sender, msgBody string, ts int64) {
	f.QueueSync(fmt.Sprintf(`{
		"next_batch": "msg-%d",
		"rooms": {"join": {"%s": {"timeline": {"events": [{
			"type": "m.room.message",
			"event_id": "$msg-%d",
			"sender": "%s",
			"origin_server_ts": %d,
			"content": {"msgtype": "m.text", "body": %q}
		}]}}}}
	}`, ts, roomID, ts, sender, ts, msgBody))
}

// QueueInvite appends a sync batch inviting the bot to a room.
func (f *fakeHomeserver) QueueInvite(roomID, inviter string) {
	f.QueueSync(fmt.Sprintf(`{
		"next_batch": "inv-%s",
		"rooms": {"invite": {"%s": {"invite_state": {"events": [{
			"type": "m.room.member",
			"state_key": "%s",
			"sender": "%s",
			"content": {"membership": "invite"}
		}]}}}}
	}`, roomID, roomID, f.UserID, inviter))
}

func (f *fakeHomeserver) SentEvents() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEvent(nil), f.sent...)
}

func (f *fakeHomeserver) TypingCalls() []typingCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]typingCall(nil), f.typing...)
}

func (f *fakeHomeserver) Joins() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.joins...)
}

func (f *fakeHomeserver) Logins() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

func writeTestJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, desc string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}
