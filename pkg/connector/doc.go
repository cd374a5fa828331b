// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector implements the Matrix side of the gateway: long-lived
// per-account sessions that sync a homeserver, filter and normalize inbound
// messages, and deliver backend replies.
//
// # Core Types
//
// [Gateway] manages one [Session] per enabled account, serves the admin API
// (GET /api/status, POST /api/reload), and reconciles config reloads against
// the running sessions.
//
// [Session] owns one account's connection: login with cached-token resume,
// the incremental-sync loop with jittered exponential reconnect backoff, and
// the inbound pipeline. Sync tokens and per-room high-water marks persist
// through [AccountState], which implements mautrix.SyncStore so the client
// checkpoints a token before acting on its batch.
//
// # Delivery Guarantees
//
// The replay guard records an event's timestamp as processed before the
// backend sees it. A crash between those two steps loses the reply rather
// than duplicating it; the gateway always prefers under-delivery over
// double-processing.
//
// # Direct Message Gating
//
// Direct conversations (joined-member count at most two) pass through the
// authorization engine before reaching the backend: open, pairing, allowlist,
// or disabled per account. Group rooms bypass the gate; membership there is
// controlled by the auto-join patterns instead.
package connector
