// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Gateway runs one session per enabled account, serves the admin API,
// and applies config reloads by diffing resolved accounts against the
// running set.
type Gateway struct {
	log        zerolog.Logger
	configPath string
	cfg        *Config
	states     *StateStore
	pairings   PairingStore
	status     *StatusBoard

	mu       sync.Mutex
	baseCtx  context.Context
	sessions map[string]*runningSession
	stopped  bool
}

type runningSession struct {
	account Account
	cancel  context.CancelFunc
	done    chan struct{}
}

// ReloadSummary reports what a config reload changed.
type ReloadSummary struct {
	Started   []string `json:"started"`
	Stopped   []string `json:"stopped"`
	Restarted []string `json:"restarted"`
	Unchanged int      `json:"unchanged"`
}

func NewGateway(configPath string, cfg *Config, states *StateStore, pairings PairingStore, log zerolog.Logger) *Gateway {
	return &Gateway{
		log:        log,
		configPath: configPath,
		cfg:        cfg,
		states:     states,
		pairings:   pairings,
		status:     NewStatusBoard(),
		sessions:   make(map[string]*runningSession),
	}
}

// Run starts every enabled account and the admin API, then blocks until
// ctx is cancelled. On cancellation it stops all sessions and waits for
// them to drain.
func (g *Gateway) Run(ctx context.Context) error {
	accounts, err := g.cfg.ResolveAccounts()
	if err != nil {
		return fmt.Errorf("failed to resolve accounts: %w", err)
	}

	g.mu.Lock()
	g.baseCtx = ctx
	for _, acct := range accounts {
		if !acct.Enabled {
			g.log.Info().Str("account_id", acct.ID).Msg("Account disabled, not starting")
			continue
		}
		if err := g.startLocked(acct); err != nil {
			g.mu.Unlock()
			g.stopAll()
			return err
		}
	}
	g.mu.Unlock()

	srv := g.startAdminAPI()

	<-ctx.Done()
	g.log.Info().Msg("Shutting down")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			g.log.Warn().Err(err).Msg("Admin API shutdown failed")
		}
		cancel()
	}
	g.stopAll()
	return nil
}

// startLocked launches one session goroutine. Caller holds g.mu.
func (g *Gateway) startLocked(acct Account) error {
	state := g.states.Account(acct.ID)
	session, err := NewSession(acct, SessionDeps{
		State:    state,
		Backend:  NewHTTPBackend(g.cfg.Backend, acct.ID, g.log),
		Pairings: g.pairings,
		Media:    g.mediaPipeline(acct),
		Status:   g.status,
		Log:      g.log,
	})
	if err != nil {
		return fmt.Errorf("account %q: %w", acct.ID, err)
	}

	ctx, cancel := context.WithCancel(g.baseCtx)
	rs := &runningSession{account: acct, cancel: cancel, done: make(chan struct{})}
	g.sessions[acct.ID] = rs
	g.log.Info().Str("account_id", acct.ID).Msg("Starting session")
	go func() {
		defer close(rs.done)
		if err := session.Run(ctx); err != nil {
			g.log.Error().Err(err).Str("account_id", acct.ID).Msg("Session terminated")
		}
	}()
	return nil
}

func (g *Gateway) mediaPipeline(acct Account) MediaPipeline {
	pipeline, err := NewDiskMediaPipeline(g.cfg.MediaDir, acct.MaxMediaBytes, g.log)
	if err != nil {
		// Media stays best effort even when the directory is unusable.
		g.log.Error().Err(err).Str("account_id", acct.ID).Msg("Media directory unavailable, media disabled")
		return unavailableMedia{}
	}
	return pipeline
}

// unavailableMedia fails every operation. Used when the media directory
// cannot be created, so text flow survives a broken disk path.
type unavailableMedia struct{}

func (unavailableMedia) Fetch(context.Context, string, map[string]string) ([]byte, string, error) {
	return nil, "", errors.New("media storage unavailable")
}

func (unavailableMedia) Save(context.Context, []byte, string, string) (string, error) {
	return "", errors.New("media storage unavailable")
}

func (g *Gateway) stopAll() {
	g.mu.Lock()
	g.stopped = true
	running := make([]*runningSession, 0, len(g.sessions))
	for _, rs := range g.sessions {
		running = append(running, rs)
	}
	g.sessions = make(map[string]*runningSession)
	g.mu.Unlock()

	for _, rs := range running {
		rs.cancel()
	}
	for _, rs := range running {
		<-rs.done
	}
}

// Reload re-reads the config file and reconciles the running sessions:
// new enabled accounts start, removed or disabled ones stop, accounts
// whose resolved settings changed restart. Unchanged accounts keep their
// live session and checkpoint state.
func (g *Gateway) Reload() (*ReloadSummary, error) {
	cfg, err := LoadConfig(g.configPath)
	if err != nil {
		return nil, err
	}
	accounts, err := cfg.ResolveAccounts()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve accounts: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return nil, errors.New("gateway is shut down")
	}
	g.cfg = cfg

	summary := &ReloadSummary{}
	desired := make(map[string]Account, len(accounts))
	for _, acct := range accounts {
		if acct.Enabled {
			desired[acct.ID] = acct
		}
	}

	var toStop []*runningSession
	for accountID, rs := range g.sessions {
		acct, keep := desired[accountID]
		if keep && reflect.DeepEqual(rs.account, acct) {
			delete(desired, accountID)
			summary.Unchanged++
			continue
		}
		delete(g.sessions, accountID)
		toStop = append(toStop, rs)
		if keep {
			summary.Restarted = append(summary.Restarted, accountID)
		} else {
			summary.Stopped = append(summary.Stopped, accountID)
			g.status.Remove(accountID)
		}
	}
	for _, rs := range toStop {
		rs.cancel()
	}
	for _, rs := range toStop {
		<-rs.done
	}

	for accountID, acct := range desired {
		if err := g.startLocked(acct); err != nil {
			g.log.Error().Err(err).Str("account_id", accountID).Msg("Failed to start account after reload")
			continue
		}
		if !slices.Contains(summary.Restarted, accountID) {
			summary.Started = append(summary.Started, accountID)
		}
	}
	g.log.Info().
		Strs("started", summary.Started).
		Strs("stopped", summary.Stopped).
		Strs("restarted", summary.Restarted).
		Int("unchanged", summary.Unchanged).
		Msg("Config reloaded")
	return summary, nil
}

// Status returns the current per-account status snapshot.
func (g *Gateway) Status() []AccountStatus {
	return g.status.Snapshot()
}

func (g *Gateway) startAdminAPI() *http.Server {
	if g.cfg.AdminAPIAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", g.handleStatus)
	mux.HandleFunc("/api/reload", g.handleReload)
	srv := &http.Server{
		Addr:              g.cfg.AdminAPIAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		g.log.Info().Str("addr", srv.Addr).Msg("Admin API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.log.Error().Err(err).Msg("Admin API server failed")
		}
	}()
	return srv
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": g.Status()})
}

func (g *Gateway) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	summary, err := g.Reload()
	if err != nil {
		g.log.Error().Err(err).Msg("Reload request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
