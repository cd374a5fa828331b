// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"
)

// ErrBadCredentials marks login failures that retrying cannot fix:
// rejected passwords, revoked tokens with no password fallback, missing
// credentials. Sessions fail fast on these instead of hammering the
// homeserver into a lockout.
var ErrBadCredentials = errors.New("homeserver rejected credentials")

// directConversationThreshold is the joined-member count at or below
// which a room is treated as a direct conversation and gated by the
// authorization engine.
const directConversationThreshold = 2

// SessionDeps are the collaborators one session runs against.
type SessionDeps struct {
	State    *AccountState
	Backend  Backend
	Pairings PairingStore
	Media    MediaPipeline
	Status   StatusSink
	Log      zerolog.Logger
	// Backoff seeds the reconnect delays; the zero value uses the
	// package defaults.
	Backoff Backoff
}

// Session owns the live connection for one account: login with token
// caching, the incremental-sync loop with reconnect backoff, and the
// inbound pipeline (normalize, replay-guard, authorize, dispatch to the
// backend, deliver replies).
//
// Events from one account are processed sequentially in sync order;
// Session methods other than Run are not called concurrently except
// through the handlers Run drives.
type Session struct {
	log     zerolog.Logger
	account Account
	state   *AccountState
	backend Backend
	media   MediaPipeline
	status  StatusSink

	client     *mautrix.Client
	gate       *AuthGate
	replay     *ReplayGuard
	dispatcher *Dispatcher
	backoff    Backoff

	connected atomic.Bool

	memberMu     sync.Mutex
	memberCounts map[id.RoomID]int

	aliasMu     sync.Mutex
	roomAliases map[id.RoomID][]string
}

func NewSession(account Account, deps SessionDeps) (*Session, error) {
	client, err := mautrix.NewClient(account.Homeserver, "", "")
	if err != nil {
		return nil, fmt.Errorf("invalid homeserver URL: %w", err)
	}
	log := deps.Log.With().Str("account_id", account.ID).Logger()
	client.Log = log.With().Str("component", "mautrix").Logger()
	client.Store = deps.State

	s := &Session{
		log:          log,
		account:      account,
		state:        deps.State,
		backend:      deps.Backend,
		media:        deps.Media,
		status:       deps.Status,
		client:       client,
		gate:         NewAuthGate(&account, deps.Pairings, log),
		backoff:      deps.Backoff,
		memberCounts: make(map[id.RoomID]int),
		roomAliases:  make(map[id.RoomID][]string),
	}
	s.dispatcher = NewDispatcher(s, deps.Media, s.deliveryError, account.MaxMessageLength, log)
	return s, nil
}

// Run connects and processes events until ctx is cancelled. It returns
// nil on cancellation and an error only for non-retryable startup
// failures (bad credentials, missing configuration). Transient transport
// errors are retried internally with jittered exponential backoff.
func (s *Session) Run(ctx context.Context) error {
	defer s.markDisconnected(nil)
	defer s.client.StopSync()

	if err := s.loginLoop(ctx); err != nil {
		return err
	}
	// The replay guard must observe whether a checkpoint existed before
	// the first sync runs, so it is created here rather than in NewSession.
	s.replay = NewReplayGuard(s.state, s.log)
	s.setupSyncer()
	return s.syncLoop(ctx)
}

func (s *Session) loginLoop(ctx context.Context) error {
	for {
		err := s.login(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrBadCredentials) {
			s.markDisconnected(err)
			s.log.Error().Err(err).Msg("Login rejected, not retrying")
			return err
		}
		s.markDisconnected(err)
		delay := s.backoff.Next()
		s.log.Warn().Err(err).Dur("retry_in", delay).Msg("Login failed, retrying after backoff")
		if !sleep(ctx, delay) {
			return nil
		}
	}
}

// login validates a cached token when one exists and falls back to
// password login otherwise. A token the server no longer recognizes is
// cleared and replaced through the password path; a rejected password is
// fatal for the session.
func (s *Session) login(ctx context.Context) error {
	auth := s.state.Auth()
	token := auth.AccessToken
	userID := auth.UserID
	if token == "" && s.account.AccessToken != "" {
		token = s.account.AccessToken
		userID = s.account.UserID
	}

	if token != "" {
		s.client.UserID = userID
		s.client.DeviceID = auth.DeviceID
		s.client.AccessToken = token
		whoami, err := s.client.Whoami(ctx)
		switch {
		case err == nil:
			s.client.UserID = whoami.UserID
			s.log.Info().Str("user_id", whoami.UserID.String()).Msg("Resumed session with cached token")
			return nil
		case errors.Is(err, mautrix.MUnknownToken), errors.Is(err, mautrix.MMissingToken):
			s.log.Warn().Msg("Cached access token rejected, falling back to password login")
			s.state.ClearAuth()
			s.client.AccessToken = ""
		default:
			return fmt.Errorf("failed to validate cached token: %w", err)
		}
	}

	if s.account.Password == "" {
		return fmt.Errorf("%w: no valid token and no password configured", ErrBadCredentials)
	}
	resp, err := s.client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: s.account.UserID.String(),
		},
		Password:                 s.account.Password,
		DeviceID:                 auth.DeviceID,
		InitialDeviceDisplayName: s.account.DeviceDisplayName,
		StoreCredentials:         true,
	})
	if err != nil {
		if errors.Is(err, mautrix.MForbidden) {
			return fmt.Errorf("%w: %v", ErrBadCredentials, err)
		}
		return fmt.Errorf("login failed: %w", err)
	}
	s.state.SetAuth(AuthCache{
		UserID:      resp.UserID,
		DeviceID:    resp.DeviceID,
		AccessToken: resp.AccessToken,
	})
	s.log.Info().
		Str("user_id", resp.UserID.String()).
		Str("device_id", resp.DeviceID.String()).
		Msg("Logged in")
	return nil
}

// failFastSyncer surfaces sync failures to the session's reconnect loop
// instead of the DefaultSyncer's fixed internal retry delay.
type failFastSyncer struct {
	*mautrix.DefaultSyncer
}

func (f *failFastSyncer) OnFailedSync(_ *mautrix.RespSync, err error) (time.Duration, error) {
	return 0, err
}

func (s *Session) setupSyncer() {
	syncer := mautrix.NewDefaultSyncer()
	syncer.OnSync(s.onSyncResponse)
	syncer.OnEventType(event.EventMessage, s.handleMessageEvent)
	syncer.OnEventType(event.EventEncrypted, s.handleEncryptedEvent)
	syncer.OnEventType(event.StateMember, s.handleMemberEvent)
	syncer.OnEventType(event.StateCanonicalAlias, s.handleCanonicalAliasEvent)
	s.client.Syncer = &failFastSyncer{syncer}
}

// syncLoop runs the incremental sync until cancellation, reconnecting
// with backoff on any transport failure. A reconnect attempt that fails
// immediately schedules the next backoff round; the loop is self-driving.
func (s *Session) syncLoop(ctx context.Context) error {
	for {
		err := s.client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			s.log.Info().Msg("Session cancelled, stopping sync")
			return nil
		}
		if errors.Is(err, mautrix.MUnknownToken) {
			s.log.Warn().Msg("Access token revoked mid-session, logging in again")
			s.state.ClearAuth()
			s.client.AccessToken = ""
			s.connected.Store(false)
			if lerr := s.loginLoop(ctx); lerr != nil || ctx.Err() != nil {
				return lerr
			}
			continue
		}
		s.markDisconnected(err)
		delay := s.backoff.Next()
		s.log.Warn().Err(err).
			Dur("retry_in", delay).
			Int("attempt", s.backoff.Attempt()).
			Msg("Sync failed, reconnecting after backoff")
		if !sleep(ctx, delay) {
			return nil
		}
	}
}

// onSyncResponse fires on every processed sync batch. The first one
// after a disconnect is the caught-up transition: status flips to
// connected and the backoff counter resets.
func (s *Session) onSyncResponse(_ context.Context, _ *mautrix.RespSync, _ string) bool {
	s.backoff.Reset()
	if s.connected.CompareAndSwap(false, true) {
		connected := true
		s.status.SetStatus(StatusUpdate{AccountID: s.account.ID, Connected: &connected})
		s.log.Info().Msg("Caught up with sync stream")
	}
	return true
}

func (s *Session) markDisconnected(err error) {
	s.connected.Store(false)
	connected := false
	s.status.SetStatus(StatusUpdate{
		AccountID: s.account.ID,
		Connected: &connected,
		LastError: err,
	})
}

func (s *Session) handleMessageEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == s.client.UserID {
		return
	}
	msg := Normalize(evt)
	if msg == nil {
		return
	}
	if !s.replay.Accept(msg.ConversationID, msg.Timestamp) {
		s.log.Debug().
			Str("event_id", msg.EventID.String()).
			Str("room_id", msg.ConversationID.String()).
			Msg("Dropping already-processed event")
		return
	}
	// Recorded before dispatch: a crash from here on re-delivers nothing.
	s.replay.Record(msg.ConversationID, msg.Timestamp)

	now := time.Now()
	s.status.SetStatus(StatusUpdate{AccountID: s.account.ID, LastEventAt: &now})

	if s.isDirectConversation(ctx, msg.ConversationID) {
		verdict, err := s.gate.Authorize(ctx, msg)
		if err != nil {
			s.log.Error().Err(err).Str("sender", msg.SenderID.String()).
				Msg("Authorization check failed, dropping message")
			return
		}
		if verdict.PairingReply != "" {
			if err := s.SendText(ctx, msg.ConversationID, verdict.PairingReply, ""); err != nil {
				s.log.Error().Err(err).Msg("Failed to send pairing reply")
			}
		}
		if !verdict.Allowed {
			s.log.Debug().Str("sender", msg.SenderID.String()).Msg("Sender not authorized, dropping message")
			return
		}
	}

	s.fetchInboundMedia(ctx, msg)
	if msg.Body == "" && msg.Media != nil {
		msg.Body = mediaPlaceholder(msg.Media)
	}

	replies, err := s.backend.Dispatch(ctx, msg)
	if err != nil {
		s.log.Error().Err(err).Str("event_id", msg.EventID.String()).Msg("Backend dispatch failed")
		return
	}
	s.dispatcher.Deliver(ctx, msg.ConversationID, replies)
	if sent, ok := s.dispatcher.LastActivity(msg.ConversationID); ok {
		s.status.SetStatus(StatusUpdate{AccountID: s.account.ID, LastDeliveryAt: &sent})
	}
	s.backend.MarkIdle(ctx, msg.ConversationID)
}

// handleEncryptedEvent drops undecryptable events. The transport has no
// end-to-end decryption capability; one broken event never affects the
// rest of the stream.
func (s *Session) handleEncryptedEvent(_ context.Context, evt *event.Event) {
	s.log.Debug().
		Str("event_id", evt.ID.String()).
		Str("room_id", evt.RoomID.String()).
		Msg("Dropping encrypted event, no decryption capability")
}

func (s *Session) handleMemberEvent(ctx context.Context, evt *event.Event) {
	content := evt.Content.AsMember()
	if content == nil {
		return
	}
	// Any membership change may alter the direct/group classification.
	s.memberMu.Lock()
	delete(s.memberCounts, evt.RoomID)
	s.memberMu.Unlock()

	if content.Membership == event.MembershipInvite && evt.GetStateKey() == s.client.UserID.String() {
		s.handleInvite(ctx, evt)
	}
}

func (s *Session) handleCanonicalAliasEvent(_ context.Context, evt *event.Event) {
	content := evt.Content.AsCanonicalAlias()
	if content == nil {
		return
	}
	aliases := make([]string, 0, 1+len(content.AltAliases))
	if content.Alias != "" {
		aliases = append(aliases, content.Alias.String())
	}
	for _, alias := range content.AltAliases {
		aliases = append(aliases, alias.String())
	}
	s.aliasMu.Lock()
	s.roomAliases[evt.RoomID] = aliases
	s.aliasMu.Unlock()
}

func (s *Session) handleInvite(ctx context.Context, evt *event.Event) {
	candidates := []string{evt.RoomID.String()}
	s.aliasMu.Lock()
	candidates = append(candidates, s.roomAliases[evt.RoomID]...)
	s.aliasMu.Unlock()
	candidates = append(candidates, evt.Sender.String())

	if !ShouldJoin(s.account.AutoJoin, candidates) {
		s.log.Debug().
			Str("room_id", evt.RoomID.String()).
			Str("inviter", evt.Sender.String()).
			Msg("Invite does not match auto-join patterns, ignoring")
		return
	}
	if _, err := s.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		s.log.Error().Err(err).Str("room_id", evt.RoomID.String()).Msg("Failed to auto-join room")
		return
	}
	s.log.Info().
		Str("room_id", evt.RoomID.String()).
		Str("inviter", evt.Sender.String()).
		Msg("Auto-joined room")
}

func (s *Session) isDirectConversation(ctx context.Context, roomID id.RoomID) bool {
	s.memberMu.Lock()
	count, ok := s.memberCounts[roomID]
	s.memberMu.Unlock()
	if !ok {
		resp, err := s.client.JoinedMembers(ctx, roomID)
		if err != nil {
			// Unknown membership gets the stricter treatment: the
			// authorization gate applies.
			s.log.Warn().Err(err).Str("room_id", roomID.String()).
				Msg("Failed to count room members, treating as direct conversation")
			return true
		}
		count = len(resp.Joined)
		s.memberMu.Lock()
		s.memberCounts[roomID] = count
		s.memberMu.Unlock()
	}
	return count <= directConversationThreshold
}

// fetchInboundMedia downloads the referenced media through the pipeline
// and attaches the stored path. Failures leave the message deliverable
// without its attachment.
func (s *Session) fetchInboundMedia(ctx context.Context, msg *InboundMessage) {
	if msg.Media == nil {
		return
	}
	uri, err := msg.Media.URL.Parse()
	if err != nil {
		s.log.Warn().Err(err).Str("event_id", msg.EventID.String()).Msg("Invalid media URI on inbound message")
		return
	}
	data, err := s.client.DownloadBytes(ctx, uri)
	if err != nil {
		s.log.Warn().Err(err).Str("event_id", msg.EventID.String()).Msg("Failed to download inbound media")
		return
	}
	path, err := s.media.Save(ctx, data, msg.Media.MimeType, "inbound")
	if err != nil {
		s.log.Warn().Err(err).Str("event_id", msg.EventID.String()).Msg("Failed to store inbound media")
		return
	}
	msg.Media.LocalPath = path
}

func mediaPlaceholder(media *MediaRef) string {
	if media.FileName != "" {
		return fmt.Sprintf("[media: %s]", media.FileName)
	}
	if media.MimeType != "" {
		return fmt.Sprintf("[media: %s]", media.MimeType)
	}
	return "[media]"
}

// deliveryError is the dispatcher's error sink: outbound failures land
// in the status board but never interrupt the session.
func (s *Session) deliveryError(kind string, err error) {
	s.status.SetStatus(StatusUpdate{
		AccountID: s.account.ID,
		LastError: fmt.Errorf("%s delivery: %w", kind, err),
	})
}

// SendText renders markdown and sends one text message, optionally as a
// threaded reply.
func (s *Session) SendText(ctx context.Context, roomID id.RoomID, text string, replyTo id.EventID) error {
	content := format.RenderMarkdown(text, true, false)
	if replyTo != "" {
		content.RelatesTo = &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: replyTo}}
	}
	_, err := s.client.SendMessageEvent(ctx, roomID, event.EventMessage, &content)
	return err
}

// SendMedia uploads the bytes and sends them as a media message.
func (s *Session) SendMedia(ctx context.Context, roomID id.RoomID, fileName, mimeType string, data []byte) error {
	upload, err := s.client.UploadBytes(ctx, data, mimeType)
	if err != nil {
		return fmt.Errorf("failed to upload media: %w", err)
	}
	content := &event.MessageEventContent{
		MsgType: msgTypeForMime(mimeType),
		Body:    fileName,
		URL:     upload.ContentURI.CUString(),
		Info: &event.FileInfo{
			MimeType: mimeType,
			Size:     len(data),
		},
	}
	_, err = s.client.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	return err
}

// SetTyping raises or clears the typing indicator.
func (s *Session) SetTyping(ctx context.Context, roomID id.RoomID, typing bool) error {
	timeout := s.account.TypingTimeout
	if !typing {
		timeout = 0
	}
	_, err := s.client.UserTyping(ctx, roomID, typing, timeout)
	return err
}

func msgTypeForMime(mimeType string) event.MessageType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return event.MsgImage
	case strings.HasPrefix(mimeType, "video/"):
		return event.MsgVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return event.MsgAudio
	default:
		return event.MsgFile
	}
}
