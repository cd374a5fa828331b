// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"path"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// outboundSender is the transport surface the dispatcher needs. The
// session implements it over the Matrix client; tests inject a mock.
type outboundSender interface {
	SendText(ctx context.Context, roomID id.RoomID, text string, replyTo id.EventID) error
	SendMedia(ctx context.Context, roomID id.RoomID, fileName, mimeType string, data []byte) error
	SetTyping(ctx context.Context, roomID id.RoomID, typing bool) error
}

// ErrorSink receives outbound delivery failures tagged with a reply kind
// ("text" or "media"). Failures are not retried at this layer.
type ErrorSink func(kind string, err error)

// Dispatcher delivers one inbound message's reply payloads in order:
// text chunked to the transport limit, media fetched then uploaded, a
// typing indicator raised before the first payload and cleared exactly
// once when the sequence is exhausted. Failures of individual sends do
// not abort the rest of the batch.
type Dispatcher struct {
	log        zerolog.Logger
	sender     outboundSender
	media      MediaPipeline
	errors     ErrorSink
	maxTextLen int

	activityMu sync.Mutex
	activity   map[id.RoomID]time.Time
}

func NewDispatcher(sender outboundSender, media MediaPipeline, errors ErrorSink, maxTextLen int, log zerolog.Logger) *Dispatcher {
	if maxTextLen <= 0 {
		maxTextLen = defaultMaxMessageLength
	}
	return &Dispatcher{
		log:        log.With().Str("component", "dispatcher").Logger(),
		sender:     sender,
		media:      media,
		errors:     errors,
		maxTextLen: maxTextLen,
		activity:   make(map[id.RoomID]time.Time),
	}
}

// Deliver consumes the reply stream for one conversation. It returns
// once the stream is closed or ctx is cancelled. The typing indicator is
// cleared on every path, including the zero-payload one.
func (d *Dispatcher) Deliver(ctx context.Context, roomID id.RoomID, replies <-chan ReplyPayload) {
	if err := d.sender.SetTyping(ctx, roomID, true); err != nil {
		d.log.Debug().Err(err).Str("room_id", roomID.String()).Msg("Failed to raise typing indicator")
	}
	defer func() {
		if err := d.sender.SetTyping(ctx, roomID, false); err != nil {
			d.log.Debug().Err(err).Str("room_id", roomID.String()).Msg("Failed to clear typing indicator")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case reply, ok := <-replies:
			if !ok {
				return
			}
			d.deliverOne(ctx, roomID, &reply)
		}
	}
}

func (d *Dispatcher) deliverOne(ctx context.Context, roomID id.RoomID, reply *ReplyPayload) {
	if reply.Text != "" {
		for _, chunk := range splitMessage(reply.Text, d.maxTextLen) {
			if err := d.sender.SendText(ctx, roomID, chunk, reply.ReplyToID); err != nil {
				d.reportError("text", err, roomID)
				continue
			}
			d.recordActivity(roomID)
		}
	}
	for _, url := range reply.AllMediaURLs() {
		d.deliverMedia(ctx, roomID, url)
	}
}

func (d *Dispatcher) deliverMedia(ctx context.Context, roomID id.RoomID, url string) {
	data, contentType, err := d.media.Fetch(ctx, url, nil)
	if err != nil {
		d.reportError("media", err, roomID)
		return
	}
	fileName := path.Base(strings.SplitN(url, "?", 2)[0])
	if fileName == "" || fileName == "." || fileName == "/" {
		fileName = "attachment"
	}
	if err := d.sender.SendMedia(ctx, roomID, fileName, contentType, data); err != nil {
		d.reportError("media", err, roomID)
		return
	}
	d.recordActivity(roomID)
}

func (d *Dispatcher) reportError(kind string, err error, roomID id.RoomID) {
	d.log.Warn().Err(err).Str("kind", kind).Str("room_id", roomID.String()).Msg("Outbound delivery failed")
	if d.errors != nil {
		d.errors(kind, err)
	}
}

func (d *Dispatcher) recordActivity(roomID id.RoomID) {
	d.activityMu.Lock()
	d.activity[roomID] = time.Now()
	d.activityMu.Unlock()
}

// LastActivity returns the time of the last successful outbound send to
// the conversation, if any.
func (d *Dispatcher) LastActivity(roomID id.RoomID) (time.Time, bool) {
	d.activityMu.Lock()
	defer d.activityMu.Unlock()
	ts, ok := d.activity[roomID]
	return ts, ok
}

// splitMessage splits text into chunks of at most maxLen bytes,
// preferring to break on a newline when one falls in the chunk. A hard
// cut backs off to a rune boundary so no chunk carries a torn rune.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}
	var chunks []string
	for len(msg) > maxLen {
		cut := strings.LastIndex(msg[:maxLen], "\n")
		if cut <= 0 {
			cut = maxLen
			for cut > 0 && !utf8.RuneStart(msg[cut]) {
				cut--
			}
			if cut == 0 {
				cut = maxLen
			}
		}
		chunks = append(chunks, msg[:cut])
		msg = strings.TrimPrefix(msg[cut:], "\n")
	}
	if len(msg) > 0 {
		chunks = append(chunks, msg)
	}
	return chunks
}
