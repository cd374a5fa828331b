// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeBackendServer records dispatched messages and serves canned replies.
type fakeBackendServer struct {
	mu       sync.Mutex
	messages []backendMessage
	idles    []map[string]string
	replies  []ReplyPayload
	status   int
}

func (f *fakeBackendServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.status != 0 {
			http.Error(w, "nope", f.status)
			return
		}
		var msg backendMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.messages = append(f.messages, msg)
		json.NewEncoder(w).Encode(backendResponse{Replies: f.replies})
	})
	mux.HandleFunc("/messages/idle", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		f.idles = append(f.idles, body)
	})
	return mux
}

func TestHTTPBackendDispatch(t *testing.T) {
	t.Parallel()
	fake := &fakeBackendServer{replies: []ReplyPayload{
		{Text: "reply one"},
		{MediaURL: "https://files.example.org/pic.png"},
	}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	b := NewHTTPBackend(BackendConfig{URL: srv.URL + "/messages", AuthToken: "tok", TimeoutSeconds: 5}, "acct1", zerolog.Nop())
	msg := &InboundMessage{
		ConversationID: "!room:example.org",
		SenderID:       "@alice:example.org",
		EventID:        "$evt1",
		Timestamp:      time.UnixMilli(1700000000000),
		Body:           "hello backend",
	}
	replies, err := b.Dispatch(context.Background(), msg)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	var got []ReplyPayload
	for reply := range replies {
		got = append(got, reply)
	}
	if len(got) != 2 || got[0].Text != "reply one" || got[1].MediaURL != "https://files.example.org/pic.png" {
		t.Errorf("replies: %+v", got)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.messages) != 1 {
		t.Fatalf("backend received %d messages", len(fake.messages))
	}
	sent := fake.messages[0]
	if sent.AccountID != "acct1" || sent.ConversationID != "!room:example.org" ||
		sent.Body != "hello backend" || sent.Timestamp != 1700000000000 {
		t.Errorf("wire message: %+v", sent)
	}
}

func TestHTTPBackendDispatchError(t *testing.T) {
	t.Parallel()
	fake := &fakeBackendServer{status: http.StatusInternalServerError}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	b := NewHTTPBackend(BackendConfig{URL: srv.URL + "/messages", TimeoutSeconds: 5}, "acct1", zerolog.Nop())
	if _, err := b.Dispatch(context.Background(), &InboundMessage{ConversationID: "!r:x.org", SenderID: "@a:x.org"}); err == nil {
		t.Error("HTTP 500 should surface as dispatch error")
	}
}

func TestHTTPBackendMarkIdle(t *testing.T) {
	t.Parallel()
	fake := &fakeBackendServer{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	b := NewHTTPBackend(BackendConfig{URL: srv.URL + "/messages", TimeoutSeconds: 5}, "acct1", zerolog.Nop())
	b.MarkIdle(context.Background(), "!room:example.org")

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.idles) != 1 {
		t.Fatalf("idle signals: got %d", len(fake.idles))
	}
	if fake.idles[0]["conversation_id"] != "!room:example.org" {
		t.Errorf("idle body: %+v", fake.idles[0])
	}
}

func TestHTTPBackendMarkIdleSwallowsFailure(t *testing.T) {
	t.Parallel()
	b := NewHTTPBackend(BackendConfig{URL: "http://127.0.0.1:1/messages", TimeoutSeconds: 1}, "acct1", zerolog.Nop())
	// Must not panic or block; the signal is best effort.
	b.MarkIdle(context.Background(), "!room:example.org")
}
