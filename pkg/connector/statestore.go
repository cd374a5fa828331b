// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// Checkpoint is the crash-safe sync position for one account: the next
// incremental-sync token plus the newest processed event timestamp per
// conversation.
type Checkpoint struct {
	FilterID  string                           `json:"filter_id,omitempty"`
	NextBatch string                           `json:"next_batch,omitempty"`
	LastSeen  map[id.RoomID]jsontime.UnixMilli `json:"last_seen,omitempty"`
}

// AuthCache holds cached credentials so a restart can reuse the existing
// device and access token instead of logging in again.
type AuthCache struct {
	UserID      id.UserID   `json:"user_id,omitempty"`
	DeviceID    id.DeviceID `json:"device_id,omitempty"`
	AccessToken string      `json:"access_token,omitempty"`
}

// StateStore hands out per-account state handles rooted in one directory.
type StateStore struct {
	dir string
	log zerolog.Logger
}

func NewStateStore(dir string, log zerolog.Logger) (*StateStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	return &StateStore{dir: dir, log: log.With().Str("component", "state_store").Logger()}, nil
}

// Account loads (or initializes empty) state for one account ID. Missing
// or unreadable files degrade to empty state; the gateway must never
// refuse to start because a checkpoint is corrupt.
func (s *StateStore) Account(accountID string) *AccountState {
	as := &AccountState{
		log:            s.log.With().Str("account_id", accountID).Logger(),
		checkpointPath: filepath.Join(s.dir, accountID+".checkpoint.json"),
		authPath:       filepath.Join(s.dir, accountID+".auth.json"),
	}
	as.load()
	return as
}

// AccountState is the exclusively-owned persisted state of one running
// account session. All mutating methods persist atomically (temp file +
// rename). Persistence failures are logged and swallowed: the in-memory
// copy stays authoritative for the rest of the run.
type AccountState struct {
	log            zerolog.Logger
	checkpointPath string
	authPath       string

	mu   sync.Mutex
	cp   Checkpoint
	auth AuthCache
}

var _ mautrix.SyncStore = (*AccountState)(nil)

func (as *AccountState) load() {
	as.cp = Checkpoint{}
	as.auth = AuthCache{}
	if err := readJSONFile(as.checkpointPath, &as.cp); err != nil {
		if !os.IsNotExist(err) {
			as.log.Warn().Err(err).Msg("Failed to read checkpoint, starting from empty state")
		}
		as.cp = Checkpoint{}
	}
	if err := readJSONFile(as.authPath, &as.auth); err != nil {
		if !os.IsNotExist(err) {
			as.log.Warn().Err(err).Msg("Failed to read auth cache, starting without cached credentials")
		}
		as.auth = AuthCache{}
	}
	if as.cp.LastSeen == nil {
		as.cp.LastSeen = make(map[id.RoomID]jsontime.UnixMilli)
	}
}

// HasCheckpoint reports whether a prior incremental-sync token exists,
// i.e. whether the next sync resumes instead of starting from scratch.
func (as *AccountState) HasCheckpoint() bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.cp.NextBatch != ""
}

// LastSeen returns the newest recorded event timestamp for a conversation.
func (as *AccountState) LastSeen(roomID id.RoomID) (time.Time, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	ts, ok := as.cp.LastSeen[roomID]
	return ts.Time, ok
}

// SetLastSeen records the newest processed event timestamp for a
// conversation and persists the checkpoint. Older timestamps are ignored
// so the recorded value is monotonically non-decreasing per conversation.
func (as *AccountState) SetLastSeen(roomID id.RoomID, ts time.Time) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if prev, ok := as.cp.LastSeen[roomID]; ok && !ts.After(prev.Time) {
		return
	}
	as.cp.LastSeen[roomID] = jsontime.UM(ts)
	as.persistCheckpointLocked()
}

// Auth returns the cached credentials, which may be empty.
func (as *AccountState) Auth() AuthCache {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.auth
}

// SetAuth replaces and persists the cached credentials.
func (as *AccountState) SetAuth(auth AuthCache) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.auth = auth
	if err := writeJSONFileAtomic(as.authPath, &as.auth); err != nil {
		as.log.Error().Err(err).Msg("Failed to persist auth cache")
	}
}

// ClearAuth drops the cached credentials, e.g. after the server rejects
// the cached token.
func (as *AccountState) ClearAuth() {
	as.SetAuth(AuthCache{})
}

// SaveFilterID implements mautrix.SyncStore. Write errors are logged, not
// returned: a failed state write must not kill the sync loop.
func (as *AccountState) SaveFilterID(_ context.Context, _ id.UserID, filterID string) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.cp.FilterID == filterID {
		return nil
	}
	as.cp.FilterID = filterID
	as.persistCheckpointLocked()
	return nil
}

// LoadFilterID implements mautrix.SyncStore.
func (as *AccountState) LoadFilterID(_ context.Context, _ id.UserID) (string, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.cp.FilterID, nil
}

// SaveNextBatch implements mautrix.SyncStore. The token is persisted
// before the client issues the next sync request with it, so a crash
// never loses more than the batch currently being processed.
func (as *AccountState) SaveNextBatch(_ context.Context, _ id.UserID, nextBatch string) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.cp.NextBatch == nextBatch {
		return nil
	}
	as.cp.NextBatch = nextBatch
	as.persistCheckpointLocked()
	return nil
}

// LoadNextBatch implements mautrix.SyncStore.
func (as *AccountState) LoadNextBatch(_ context.Context, _ id.UserID) (string, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.cp.NextBatch, nil
}

func (as *AccountState) persistCheckpointLocked() {
	if err := writeJSONFileAtomic(as.checkpointPath, &as.cp); err != nil {
		as.log.Error().Err(err).Msg("Failed to persist checkpoint")
	}
}

func readJSONFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeJSONFileAtomic writes owner-only and replaces via rename so a
// crash mid-write can never leave a truncated file behind.
func writeJSONFileAtomic(path string, in any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
