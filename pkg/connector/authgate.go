// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// PairingStore is the append-only pairing/approval store boundary. Upsert
// creates a pairing request for an unknown sender or returns the existing
// one; approval happens out-of-band (pairings approve CLI or any other
// surface writing the same store) and is only ever read back here.
type PairingStore interface {
	Upsert(ctx context.Context, channel, senderID string, meta map[string]string) (code string, created bool, err error)
	ApprovedSenders(ctx context.Context, channel string) ([]string, error)
}

// AuthGate is the per-account authorization engine for direct
// conversations. Group conversations never pass through it.
type AuthGate struct {
	log      zerolog.Logger
	channel  string
	policy   DMPolicy
	pairings PairingStore

	static   map[string]struct{}
	wildcard bool
}

// AuthResult is the gate's verdict on one inbound message.
type AuthResult struct {
	Allowed bool
	// PairingReply, when non-empty, is a reply the session must send into
	// the conversation (pairing instructions for a newly seen sender).
	PairingReply string
}

func NewAuthGate(account *Account, pairings PairingStore, log zerolog.Logger) *AuthGate {
	g := &AuthGate{
		log:      log.With().Str("component", "auth_gate").Logger(),
		channel:  account.PairingChannel(),
		policy:   account.DMPolicy,
		pairings: pairings,
		static:   make(map[string]struct{}, len(account.AllowFrom)),
	}
	for _, entry := range account.AllowFrom {
		if entry == "*" {
			g.wildcard = true
			continue
		}
		g.static[normalizeSenderID(entry)] = struct{}{}
	}
	return g
}

// Authorize evaluates one direct-conversation message. A denied message
// is a deliberate drop, not an error; the error return only reports
// pairing-store failures, which the caller treats as a drop too.
func (g *AuthGate) Authorize(ctx context.Context, msg *InboundMessage) (AuthResult, error) {
	switch g.policy {
	case DMPolicyDisabled:
		return AuthResult{}, nil
	case DMPolicyOpen:
		return AuthResult{Allowed: true}, nil
	}

	sender := normalizeSenderID(string(msg.SenderID))
	approved, err := g.isApproved(ctx, sender)
	if err != nil {
		return AuthResult{}, err
	}
	if approved {
		return AuthResult{Allowed: true}, nil
	}

	if g.policy == DMPolicyAllowlist {
		g.log.Debug().Str("sender", sender).Msg("Dropping message from sender not on allow-list")
		return AuthResult{}, nil
	}

	// pairing policy: issue a code on first contact, stay silent on
	// re-contact so an unapproved sender sees exactly one reply.
	meta := map[string]string{"conversation": msg.ConversationID.String()}
	if msg.SenderName != "" {
		meta["display_name"] = msg.SenderName
	}
	code, created, err := g.pairings.Upsert(ctx, g.channel, sender, meta)
	if err != nil {
		return AuthResult{}, fmt.Errorf("failed to upsert pairing request: %w", err)
	}
	if !created {
		g.log.Debug().Str("sender", sender).Msg("Dropping repeat message from sender with pending pairing")
		return AuthResult{}, nil
	}
	g.log.Info().Str("sender", sender).Msg("Issued pairing code to unknown sender")
	return AuthResult{PairingReply: pairingInstructions(string(msg.SenderID), code)}, nil
}

func (g *AuthGate) isApproved(ctx context.Context, sender string) (bool, error) {
	if g.wildcard {
		return true, nil
	}
	if _, ok := g.static[sender]; ok {
		return true, nil
	}
	approved, err := g.pairings.ApprovedSenders(ctx, g.channel)
	if err != nil {
		return false, fmt.Errorf("failed to read approved senders: %w", err)
	}
	for _, entry := range approved {
		if normalizeSenderID(entry) == sender {
			return true, nil
		}
	}
	return false, nil
}

func pairingInstructions(senderID, code string) string {
	return fmt.Sprintf(
		"You are not approved to talk to this gateway yet.\n"+
			"Your ID: %s\nPairing code: %s\n"+
			"Ask the gateway operator to approve this code.",
		senderID, code)
}

// normalizeSenderID lowercases and strips the matrix: URI prefix so
// allow-list entries match regardless of how the identifier was written.
func normalizeSenderID(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "matrix:"))
}
