// SPDX-FileCopyrightText: Copyright 2026 RAW Labs SA
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory TokenStore for tests and ephemeral
// single-process deployments. Sessions do not survive a restart.
type MemoryStore struct {
	mu sync.Mutex

	sessions  map[string]*Session           // by session id
	byToken   map[string]string             // access fingerprint -> session id
	byRefresh map[string]string             // refresh fingerprint -> session id
	states    map[string]*OAuthState        // by state id
	authCodes map[string]*AuthorizationCode // by code fingerprint
	clients   map[string]*ClientRegistration

	now func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]*Session),
		byToken:   make(map[string]string),
		byRefresh: make(map[string]string),
		states:    make(map[string]*OAuthState),
		authCodes: make(map[string]*AuthorizationCode),
		clients:   make(map[string]*ClientRegistration),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store clock. Test helper.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// PutSession implements TokenStore.
func (m *MemoryStore) PutSession(_ context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.sessions[session.ID]; ok {
		delete(m.byToken, old.TokenFingerprint)
		delete(m.byRefresh, old.RefreshFingerprint)
	}
	clone := session.Clone()
	m.sessions[clone.ID] = clone
	m.byToken[clone.TokenFingerprint] = clone.ID
	if clone.RefreshFingerprint != "" {
		m.byRefresh[clone.RefreshFingerprint] = clone.ID
	}
	return nil
}

// GetSessionByTokenFingerprint implements TokenStore.
func (m *MemoryStore) GetSessionByTokenFingerprint(_ context.Context, fingerprint string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byToken[fingerprint]
	if !ok {
		return nil, ErrNotFound
	}
	return m.getLocked(id)
}

// GetSessionByRefreshFingerprint implements TokenStore.
func (m *MemoryStore) GetSessionByRefreshFingerprint(_ context.Context, fingerprint string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byRefresh[fingerprint]
	if !ok {
		return nil, ErrNotFound
	}
	return m.getLocked(id)
}

// GetSessionByID implements TokenStore.
func (m *MemoryStore) GetSessionByID(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(id)
}

// getLocked returns a clone of the live session, expiring it on read.
func (m *MemoryStore) getLocked(id string) (*Session, error) {
	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if session.Expired(m.now()) {
		m.deleteLocked(id)
		return nil, ErrExpired
	}
	return session.Clone(), nil
}

// RotateSessionTokens implements TokenStore. The rotation is compare-and-set
// on the refresh fingerprint so a stale refresh token loses the race.
func (m *MemoryStore) RotateSessionTokens(_ context.Context, id string, rotation Rotation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if session.RefreshFingerprint != rotation.OldRefreshFingerprint {
		return ErrConflict
	}

	delete(m.byToken, session.TokenFingerprint)
	delete(m.byRefresh, session.RefreshFingerprint)

	session.TokenFingerprint = rotation.NewTokenFingerprint
	session.RefreshFingerprint = rotation.NewRefreshFingerprint
	session.ExpiresAt = rotation.NewExpiresAt
	session.IdleTimeoutAt = rotation.NewIdleTimeoutAt
	if rotation.NewUser != nil {
		session.User = *rotation.NewUser
	}

	m.byToken[session.TokenFingerprint] = id
	if session.RefreshFingerprint != "" {
		m.byRefresh[session.RefreshFingerprint] = id
	}
	return nil
}

// TouchSession implements TokenStore.
func (m *MemoryStore) TouchSession(_ context.Context, id string, idleTimeoutAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	session.IdleTimeoutAt = idleTimeoutAt
	return nil
}

// DeleteSession implements TokenStore.
func (m *MemoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	m.deleteLocked(id)
	return nil
}

func (m *MemoryStore) deleteLocked(id string) {
	if session, ok := m.sessions[id]; ok {
		delete(m.byToken, session.TokenFingerprint)
		delete(m.byRefresh, session.RefreshFingerprint)
		delete(m.sessions, id)
	}
}

// PutState implements TokenStore.
func (m *MemoryStore) PutState(_ context.Context, state *OAuthState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *state
	m.states[state.ID] = &clone
	return nil
}

// ConsumeState implements TokenStore. Exactly one concurrent caller wins.
func (m *MemoryStore) ConsumeState(_ context.Context, id string) (*OAuthState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.states, id)
	if m.now().After(state.ExpiresAt) {
		return nil, ErrExpired
	}
	return state, nil
}

// PutAuthCode implements TokenStore.
func (m *MemoryStore) PutAuthCode(_ context.Context, code *AuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *code
	m.authCodes[code.Fingerprint] = &clone
	return nil
}

// ConsumeAuthCode implements TokenStore.
func (m *MemoryStore) ConsumeAuthCode(_ context.Context, fingerprint string) (*AuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, ok := m.authCodes[fingerprint]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.authCodes, fingerprint)
	if m.now().After(code.ExpiresAt) {
		return nil, ErrExpired
	}
	return code, nil
}

// PutClient implements TokenStore.
func (m *MemoryStore) PutClient(_ context.Context, client *ClientRegistration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *client
	m.clients[client.ClientID] = &clone
	return nil
}

// GetClient implements TokenStore.
func (m *MemoryStore) GetClient(_ context.Context, clientID string) (*ClientRegistration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	client, ok := m.clients[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *client
	return &clone, nil
}

// ListClients implements TokenStore.
func (m *MemoryStore) ListClients(_ context.Context) ([]*ClientRegistration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ClientRegistration, 0, len(m.clients))
	for _, client := range m.clients {
		clone := *client
		out = append(out, &clone)
	}
	return out, nil
}

// SweepExpired implements TokenStore.
func (m *MemoryStore) SweepExpired(_ context.Context) (*SweepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	result := &SweepResult{}

	for id, session := range m.sessions {
		if session.Expired(now) {
			m.deleteLocked(id)
			result.Sessions = append(result.Sessions, id)
		}
	}
	for id, state := range m.states {
		if now.After(state.ExpiresAt) {
			delete(m.states, id)
			result.States = append(result.States, id)
		}
	}
	for fp, code := range m.authCodes {
		if now.After(code.ExpiresAt) {
			delete(m.authCodes, fp)
			result.AuthCodes = append(result.AuthCodes, fp)
		}
	}
	return result, nil
}

// Close implements TokenStore.
func (*MemoryStore) Close() error { return nil }
