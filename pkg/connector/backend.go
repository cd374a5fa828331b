// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// ReplyPayload is one backend-produced reply. Exactly one of Text or the
// media fields is normally set; payloads are ephemeral and discarded
// after delivery.
type ReplyPayload struct {
	Text      string     `json:"text,omitempty"`
	MediaURL  string     `json:"media_url,omitempty"`
	MediaURLs []string   `json:"media_urls,omitempty"`
	ReplyToID id.EventID `json:"reply_to_id,omitempty"`
}

// AllMediaURLs flattens the single- and multi-URL forms.
func (r *ReplyPayload) AllMediaURLs() []string {
	if r.MediaURL == "" {
		return r.MediaURLs
	}
	return append([]string{r.MediaURL}, r.MediaURLs...)
}

// Backend is the message-routing backend boundary: it accepts one
// normalized inbound message and produces zero or more reply payloads,
// delivered in order on the returned channel, which the backend closes
// when the sequence is complete. MarkIdle is invoked once per dispatched
// message after the reply stream is exhausted and delivery finished.
type Backend interface {
	Dispatch(ctx context.Context, msg *InboundMessage) (<-chan ReplyPayload, error)
	MarkIdle(ctx context.Context, conversationID id.RoomID)
}

// backendMessage is the wire form of an InboundMessage posted to the
// HTTP backend.
type backendMessage struct {
	AccountID      string `json:"account_id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	SenderName     string `json:"sender_name,omitempty"`
	EventID        string `json:"event_id,omitempty"`
	Timestamp      int64  `json:"timestamp_ms"`
	Body           string `json:"body"`
	ReplyToID      string `json:"reply_to_id,omitempty"`
	MediaPath      string `json:"media_path,omitempty"`
	MediaType      string `json:"media_type,omitempty"`
}

type backendResponse struct {
	Replies []ReplyPayload `json:"replies"`
}

// HTTPBackend posts normalized messages to a single backend endpoint and
// reads the reply payloads from the JSON response body.
type HTTPBackend struct {
	log       zerolog.Logger
	accountID string
	url       string
	authToken string
	client    *http.Client
}

var _ Backend = (*HTTPBackend)(nil)

func NewHTTPBackend(cfg BackendConfig, accountID string, log zerolog.Logger) *HTTPBackend {
	return &HTTPBackend{
		log:       log.With().Str("component", "backend").Logger(),
		accountID: accountID,
		url:       cfg.URL,
		authToken: cfg.AuthToken,
		client:    &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
	}
}

func (b *HTTPBackend) Dispatch(ctx context.Context, msg *InboundMessage) (<-chan ReplyPayload, error) {
	wire := backendMessage{
		AccountID:      b.accountID,
		ConversationID: msg.ConversationID.String(),
		SenderID:       msg.SenderID.String(),
		SenderName:     msg.SenderName,
		EventID:        msg.EventID.String(),
		Timestamp:      msg.Timestamp.UnixMilli(),
		Body:           msg.Body,
		ReplyToID:      msg.ReplyToID.String(),
	}
	if msg.Media != nil {
		wire.MediaPath = msg.Media.LocalPath
		wire.MediaType = msg.Media.MimeType
	}

	var parsed backendResponse
	if err := b.post(ctx, b.url, &wire, &parsed); err != nil {
		return nil, err
	}

	out := make(chan ReplyPayload, len(parsed.Replies))
	for _, reply := range parsed.Replies {
		out <- reply
	}
	close(out)
	return out, nil
}

// MarkIdle is best-effort: the backend losing an idle signal only delays
// its own idle bookkeeping, so failures are logged and swallowed.
func (b *HTTPBackend) MarkIdle(ctx context.Context, conversationID id.RoomID) {
	body := map[string]string{
		"account_id":      b.accountID,
		"conversation_id": conversationID.String(),
	}
	if err := b.post(ctx, b.url+"/idle", body, nil); err != nil {
		b.log.Debug().Err(err).Msg("Failed to signal idle to backend")
	}
}

func (b *HTTPBackend) post(ctx context.Context, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode backend request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build backend request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+b.authToken)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("backend request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend returned HTTP %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read backend response: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse backend response: %w", err)
	}
	return nil
}
