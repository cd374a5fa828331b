// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MediaRef is the content reference attached to a media message.
type MediaRef struct {
	URL      id.ContentURIString
	MimeType string
	Size     int
	FileName string
	// LocalPath is filled by the session after a successful download
	// through the media pipeline. Empty when the download failed or was
	// skipped.
	LocalPath string
}

// InboundMessage is the canonical normalized shape of one remote message
// event, consumed exactly once by the authorization engine and then the
// backend.
type InboundMessage struct {
	ConversationID id.RoomID
	SenderID       id.UserID
	SenderName     string
	EventID        id.EventID
	Timestamp      time.Time
	Body           string
	ReplyToID      id.EventID
	Media          *MediaRef
}

// Normalize maps one raw timeline event to an InboundMessage, or nil for
// events the pipeline has no use for: non-message types, events without a
// resolvable sender, and message events whose content failed to parse.
// Pure function; a message carrying only media gets an empty Body and the
// session supplies a placeholder before backend dispatch.
func Normalize(evt *event.Event) *InboundMessage {
	if evt == nil || evt.Type != event.EventMessage {
		return nil
	}
	if evt.Sender == "" {
		return nil
	}
	content := evt.Content.AsMessage()
	if content == nil {
		return nil
	}

	msg := &InboundMessage{
		ConversationID: evt.RoomID,
		SenderID:       evt.Sender,
		EventID:        evt.ID,
		Timestamp:      time.UnixMilli(evt.Timestamp),
		Body:           content.Body,
	}
	if content.RelatesTo != nil && content.RelatesTo.InReplyTo != nil {
		msg.ReplyToID = content.RelatesTo.InReplyTo.EventID
	}

	switch content.MsgType {
	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
		msg.Media = extractMedia(content)
		if msg.Media == nil {
			// A media message without a content reference carries
			// nothing deliverable.
			return nil
		}
		// For media events the body duplicates the filename unless the
		// sender attached a caption; only a real caption survives.
		if content.Body == msg.Media.FileName {
			msg.Body = ""
		}
	case event.MsgText, event.MsgNotice, event.MsgEmote:
		if msg.Body == "" {
			return nil
		}
	default:
		return nil
	}
	return msg
}

func extractMedia(content *event.MessageEventContent) *MediaRef {
	if content.URL == "" {
		return nil
	}
	ref := &MediaRef{
		URL:      content.URL,
		FileName: content.FileName,
	}
	if ref.FileName == "" {
		ref.FileName = content.Body
	}
	if content.Info != nil {
		ref.MimeType = content.Info.MimeType
		ref.Size = content.Info.Size
	}
	return ref
}
