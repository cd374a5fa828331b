// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package pairing persists pairing requests and sender approvals in
// SQLite. The gateway writes requests and reads approvals; the CLI is
// the approval surface.
package pairing

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/random"
	_ "modernc.org/sqlite"
)

// ErrUnknownCode is returned by Approve when no pending request carries
// the given code.
var ErrUnknownCode = errors.New("no pending pairing request with that code")

const codeLength = 8

const schema = `
CREATE TABLE IF NOT EXISTS pairing_requests (
	channel    TEXT NOT NULL,
	sender_id  TEXT NOT NULL,
	code       TEXT NOT NULL,
	meta       TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (channel, sender_id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_pairing_requests_code ON pairing_requests (code);

CREATE TABLE IF NOT EXISTS approved_senders (
	channel     TEXT NOT NULL,
	sender_id   TEXT NOT NULL,
	approved_at TIMESTAMP NOT NULL,
	PRIMARY KEY (channel, sender_id)
);
`

// Request is one pending pairing request.
type Request struct {
	Channel   string
	SenderID  string
	Code      string
	Meta      map[string]string
	CreatedAt time.Time
}

// Store is a SQLite-backed pairing store. Safe for concurrent use; the
// underlying pool is limited to one connection so SQLite never sees
// concurrent writers.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewStore(path string, log zerolog.Logger) (*Store, error) {
	// WAL so the approval CLI can write while the gateway holds the file;
	// busy_timeout so that second writer waits instead of failing.
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open pairing database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate pairing database: %w", err)
	}
	return &Store{db: db, log: log.With().Str("component", "pairing_store").Logger()}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert returns the pending request code for (channel, senderID),
// creating the request with a fresh code when none exists. created
// reports whether this call created it; a sender messaging twice gets
// the same code back with created=false.
func (s *Store) Upsert(ctx context.Context, channel, senderID string, meta map[string]string) (string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var code string
	err = tx.QueryRowContext(ctx,
		`SELECT code FROM pairing_requests WHERE channel = ? AND sender_id = ?`,
		channel, senderID,
	).Scan(&code)
	if err == nil {
		return code, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("failed to look up pairing request: %w", err)
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", false, fmt.Errorf("failed to encode request metadata: %w", err)
	}
	code = random.String(codeLength)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO pairing_requests (channel, sender_id, code, meta, created_at) VALUES (?, ?, ?, ?, ?)`,
		channel, senderID, code, string(metaJSON), time.Now().UTC(),
	)
	if err != nil {
		return "", false, fmt.Errorf("failed to store pairing request: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("failed to commit pairing request: %w", err)
	}
	s.log.Info().Str("channel", channel).Str("sender_id", senderID).Msg("Created pairing request")
	return code, true, nil
}

// ApprovedSenders returns every approved sender ID for the channel.
func (s *Store) ApprovedSenders(ctx context.Context, channel string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sender_id FROM approved_senders WHERE channel = ?`, channel)
	if err != nil {
		return nil, fmt.Errorf("failed to query approvals: %w", err)
	}
	defer rows.Close()
	var senders []string
	for rows.Next() {
		var sender string
		if err := rows.Scan(&sender); err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		senders = append(senders, sender)
	}
	return senders, rows.Err()
}

// Approve consumes the pending request carrying code and records a
// durable approval for its sender. Approval survives the request's
// deletion; the sender is allowed from the next message on.
func (s *Store) Approve(ctx context.Context, code string) (*Request, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	req := &Request{Code: code}
	err = tx.QueryRowContext(ctx,
		`SELECT channel, sender_id FROM pairing_requests WHERE code = ?`, code,
	).Scan(&req.Channel, &req.SenderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownCode
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up pairing request: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO approved_senders (channel, sender_id, approved_at) VALUES (?, ?, ?)
		 ON CONFLICT (channel, sender_id) DO NOTHING`,
		req.Channel, req.SenderID, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record approval: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pairing_requests WHERE code = ?`, code); err != nil {
		return nil, fmt.Errorf("failed to consume pairing request: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit approval: %w", err)
	}
	s.log.Info().Str("channel", req.Channel).Str("sender_id", req.SenderID).Msg("Approved sender")
	return req, nil
}

// Pending lists all outstanding pairing requests, oldest first.
func (s *Store) Pending(ctx context.Context) ([]Request, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel, sender_id, code, meta, created_at FROM pairing_requests ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pairing requests: %w", err)
	}
	defer rows.Close()
	var requests []Request
	for rows.Next() {
		var req Request
		var metaJSON string
		if err := rows.Scan(&req.Channel, &req.SenderID, &req.Code, &metaJSON, &req.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pairing request: %w", err)
		}
		if metaJSON != "" {
			if err := json.Unmarshal([]byte(metaJSON), &req.Meta); err != nil {
				s.log.Warn().Err(err).Str("code", req.Code).Msg("Unreadable request metadata")
			}
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}
