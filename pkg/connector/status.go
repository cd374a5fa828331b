// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"sort"
	"sync"
	"time"
)

// StatusUpdate is a partial per-account status change. Nil fields leave
// the previous value in place.
type StatusUpdate struct {
	AccountID      string
	Connected      *bool
	LastError      error
	LastEventAt    *time.Time
	LastDeliveryAt *time.Time
}

// StatusSink receives connect/disconnect/error transitions and inbound
// event acknowledgements. External status surfaces poll the resulting
// snapshot; there is no alerting beyond it.
type StatusSink interface {
	SetStatus(update StatusUpdate)
}

// AccountStatus is the merged, queryable status of one account.
type AccountStatus struct {
	AccountID      string     `json:"account_id"`
	Connected      bool       `json:"connected"`
	LastError      string     `json:"last_error,omitempty"`
	LastEventAt    *time.Time `json:"last_event_at,omitempty"`
	LastDeliveryAt *time.Time `json:"last_delivery_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// StatusBoard is the in-memory StatusSink backing GET /api/status.
type StatusBoard struct {
	mu       sync.RWMutex
	accounts map[string]AccountStatus
}

var _ StatusSink = (*StatusBoard)(nil)

func NewStatusBoard() *StatusBoard {
	return &StatusBoard{accounts: make(map[string]AccountStatus)}
}

func (b *StatusBoard) SetStatus(update StatusUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.accounts[update.AccountID]
	st.AccountID = update.AccountID
	if update.Connected != nil {
		st.Connected = *update.Connected
		if *update.Connected {
			st.LastError = ""
		}
	}
	if update.LastError != nil {
		st.LastError = update.LastError.Error()
	}
	if update.LastEventAt != nil {
		st.LastEventAt = update.LastEventAt
	}
	if update.LastDeliveryAt != nil {
		st.LastDeliveryAt = update.LastDeliveryAt
	}
	st.UpdatedAt = time.Now()
	b.accounts[update.AccountID] = st
}

// Remove drops an account from the board, e.g. after a reload removed it
// from the config.
func (b *StatusBoard) Remove(accountID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.accounts, accountID)
}

// Snapshot returns all account statuses sorted by account ID.
func (b *StatusBoard) Snapshot() []AccountStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]AccountStatus, 0, len(b.accounts))
	for _, st := range b.accounts {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}
