// SPDX-FileCopyrightText: Copyright 2026 RAW Labs SA
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/raw-labs/mxcp/pkg/auth/identity"
	"github.com/raw-labs/mxcp/pkg/auth/tokens"
	mxcperrors "github.com/raw-labs/mxcp/pkg/errors"
	"github.com/raw-labs/mxcp/pkg/logger"
)

// Key type segments for Redis keys.
const (
	keyTypeSession    = "session"
	keyTypeTokenIdx   = "idx:token"
	keyTypeRefreshIdx = "idx:refresh"
	keyTypeState      = "state"
	keyTypeAuthCode   = "code"
	keyTypeClient     = "client"
)

func redisKey(prefix, keyType, id string) string {
	return prefix + keyType + ":" + id
}

// RedisStore is the TokenStore for multi-node deployments. Handshake
// records lean on Redis TTLs for expiry; sessions additionally carry their
// own timestamps so idle timeouts and backward clock adjustments behave the
// same as with the embedded store.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	box       *tokens.Box
	now       func() time.Time
}

// NewRedisStore creates a store on an established client. The caller owns
// connection configuration; the store owns key layout and encryption.
func NewRedisStore(client *redis.Client, keyPrefix string, encryptionKey []byte) (*RedisStore, error) {
	box, err := tokens.NewBox(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}
	if keyPrefix == "" {
		keyPrefix = "mxcp:auth:"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		box:       box,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetClock overrides the store clock. Test helper.
func (r *RedisStore) SetClock(now func() time.Time) { r.now = now }

// Close releases the client.
func (r *RedisStore) Close() error { return r.client.Close() }

// redisSession is the wire form of a Session. Sensitive fields travel as
// sealed blobs; everything else is plain JSON.
type redisSession struct {
	ID                 string                  `json:"id"`
	TokenFingerprint   string                  `json:"token_fp"`
	RefreshFingerprint string                  `json:"refresh_fp,omitempty"`
	ClientID           string                  `json:"client_id"`
	IssuedAt           int64                   `json:"issued_at"`
	ExpiresAt          int64                   `json:"expires_at"`
	IdleTimeoutAt      int64                   `json:"idle_timeout_at,omitempty"`
	User               identity.UserContext    `json:"user"`
	MXCPScopes         []string                `json:"mxcp_scopes"`
	Grants             map[string]redisGrant   `json:"grants,omitempty"`
	Downstream         []redisDownstreamEntry  `json:"downstream,omitempty"`
}

type redisGrant struct {
	Ciphertext    []byte   `json:"ciphertext"`
	ExpiresAt     int64    `json:"expires_at"`
	GrantedScopes []string `json:"granted_scopes,omitempty"`
	Subject       string   `json:"subject,omitempty"`
}

type redisDownstreamEntry struct {
	Provider   string `json:"provider"`
	Audience   string `json:"audience,omitempty"`
	Ciphertext []byte `json:"ciphertext"`
	ExpiresAt  int64  `json:"expires_at"`
}

func (r *RedisStore) sealSession(session *Session) ([]byte, error) {
	wire := redisSession{
		ID:                 session.ID,
		TokenFingerprint:   session.TokenFingerprint,
		RefreshFingerprint: session.RefreshFingerprint,
		ClientID:           session.ClientID,
		IssuedAt:           unixOrZero(session.IssuedAt),
		ExpiresAt:          unixOrZero(session.ExpiresAt),
		IdleTimeoutAt:      unixOrZero(session.IdleTimeoutAt),
		User:               session.User,
		MXCPScopes:         session.MXCPScopes,
		Grants:             make(map[string]redisGrant, len(session.Grants)),
	}
	for _, provider := range session.ProviderNames() {
		grant := session.Grants[provider]
		sealed, err := r.box.Seal([]byte(mustJSON(grantEnvelope{
			AccessToken:  grant.AccessToken,
			RefreshToken: grant.RefreshToken,
			RawClaims:    grant.RawClaims,
		})), grantAAD(session.ID, provider))
		if err != nil {
			return nil, fmt.Errorf("failed to seal grant: %w", err)
		}
		wire.Grants[provider] = redisGrant{
			Ciphertext:    sealed,
			ExpiresAt:     unixOrZero(grant.ExpiresAt),
			GrantedScopes: grant.GrantedScopes,
			Subject:       grant.Subject,
		}
	}
	for key, tok := range session.Downstream {
		sealed, err := r.box.Seal([]byte(mustJSON(downstreamEnvelope{
			AccessToken: tok.AccessToken,
			TokenType:   tok.TokenType,
			Scopes:      tok.Scopes,
		})), downstreamAAD(session.ID, key.Provider, key.Audience))
		if err != nil {
			return nil, fmt.Errorf("failed to seal downstream token: %w", err)
		}
		wire.Downstream = append(wire.Downstream, redisDownstreamEntry{
			Provider:   key.Provider,
			Audience:   key.Audience,
			Ciphertext: sealed,
			ExpiresAt:  unixOrZero(tok.ExpiresAt),
		})
	}
	return json.Marshal(wire)
}

func (r *RedisStore) openSession(data []byte) (*Session, error) {
	var wire redisSession
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	session := &Session{
		ID:                 wire.ID,
		TokenFingerprint:   wire.TokenFingerprint,
		RefreshFingerprint: wire.RefreshFingerprint,
		ClientID:           wire.ClientID,
		IssuedAt:           timeOrZero(wire.IssuedAt),
		ExpiresAt:          timeOrZero(wire.ExpiresAt),
		IdleTimeoutAt:      timeOrZero(wire.IdleTimeoutAt),
		User:               wire.User,
		MXCPScopes:         wire.MXCPScopes,
		Grants:             make(map[string]*ProviderGrant, len(wire.Grants)),
		Downstream:         make(map[identity.TokenKey]*DownstreamToken, len(wire.Downstream)),
	}
	for provider, g := range wire.Grants {
		plaintext, err := r.box.Open(g.Ciphertext, grantAAD(wire.ID, provider))
		if err != nil {
			return nil, err
		}
		var envelope grantEnvelope
		if err := json.Unmarshal(plaintext, &envelope); err != nil {
			return nil, fmt.Errorf("failed to decode grant: %w", err)
		}
		session.Grants[provider] = &ProviderGrant{
			Provider:      provider,
			AccessToken:   envelope.AccessToken,
			RefreshToken:  envelope.RefreshToken,
			RawClaims:     envelope.RawClaims,
			ExpiresAt:     timeOrZero(g.ExpiresAt),
			GrantedScopes: g.GrantedScopes,
			Subject:       g.Subject,
		}
	}
	for _, entry := range wire.Downstream {
		plaintext, err := r.box.Open(entry.Ciphertext, downstreamAAD(wire.ID, entry.Provider, entry.Audience))
		if err != nil {
			return nil, err
		}
		var envelope downstreamEnvelope
		if err := json.Unmarshal(plaintext, &envelope); err != nil {
			return nil, fmt.Errorf("failed to decode downstream token: %w", err)
		}
		session.Downstream[identity.TokenKey{Provider: entry.Provider, Audience: entry.Audience}] = &DownstreamToken{
			AccessToken: envelope.AccessToken,
			TokenType:   envelope.TokenType,
			Scopes:      envelope.Scopes,
			ExpiresAt:   timeOrZero(entry.ExpiresAt),
		}
	}
	return session, nil
}

func (r *RedisStore) sessionTTL(session *Session) time.Duration {
	ttl := session.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		ttl = time.Second
	}
	return ttl
}

// PutSession implements TokenStore.
func (r *RedisStore) PutSession(ctx context.Context, session *Session) error {
	data, err := r.sealSession(session)
	if err != nil {
		return err
	}
	ttl := r.sessionTTL(session)

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, redisKey(r.keyPrefix, keyTypeSession, session.ID), data, ttl)
	pipe.Set(ctx, redisKey(r.keyPrefix, keyTypeTokenIdx, session.TokenFingerprint), session.ID, ttl)
	if session.RefreshFingerprint != "" {
		pipe.Set(ctx, redisKey(r.keyPrefix, keyTypeRefreshIdx, session.RefreshFingerprint), session.ID, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	return nil
}

func (r *RedisStore) getSession(ctx context.Context, id string) (*Session, error) {
	data, err := r.client.Get(ctx, redisKey(r.keyPrefix, keyTypeSession, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	session, err := r.openSession(data)
	if err != nil {
		if mxcperrors.IsType(err, mxcperrors.ErrTamper) {
			// Fail closed: remove the poisoned record.
			if derr := r.client.Del(ctx, redisKey(r.keyPrefix, keyTypeSession, id)).Err(); derr != nil {
				logger.Warnw("failed to delete tampered session", "sessionID", id, "error", derr)
			}
			logger.Warnw("session revoked after decryption failure", "sessionID", id)
		}
		return nil, err
	}
	if session.Expired(r.now()) {
		if derr := r.DeleteSession(ctx, session.ID); derr != nil && !errors.Is(derr, ErrNotFound) {
			logger.Debugw("failed to delete expired session on read", "error", derr)
		}
		return nil, ErrExpired
	}
	return session, nil
}

func (r *RedisStore) getSessionByIndex(ctx context.Context, keyType, value string) (*Session, error) {
	id, err := r.client.Get(ctx, redisKey(r.keyPrefix, keyType, value)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	return r.getSession(ctx, id)
}

// GetSessionByTokenFingerprint implements TokenStore.
func (r *RedisStore) GetSessionByTokenFingerprint(ctx context.Context, fingerprint string) (*Session, error) {
	return r.getSessionByIndex(ctx, keyTypeTokenIdx, fingerprint)
}

// GetSessionByRefreshFingerprint implements TokenStore.
func (r *RedisStore) GetSessionByRefreshFingerprint(ctx context.Context, fingerprint string) (*Session, error) {
	return r.getSessionByIndex(ctx, keyTypeRefreshIdx, fingerprint)
}

// GetSessionByID implements TokenStore.
func (r *RedisStore) GetSessionByID(ctx context.Context, id string) (*Session, error) {
	return r.getSession(ctx, id)
}

// RotateSessionTokens implements TokenStore. An optimistic WATCH
// transaction on the session key guarantees exactly one concurrent
// rotation wins.
func (r *RedisStore) RotateSessionTokens(ctx context.Context, id string, rotation Rotation) error {
	sessionKey := redisKey(r.keyPrefix, keyTypeSession, id)

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, sessionKey).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read session: %w", err)
		}
		session, err := r.openSession(data)
		if err != nil {
			return err
		}
		if session.RefreshFingerprint != rotation.OldRefreshFingerprint {
			return ErrConflict
		}

		oldTokenFP, oldRefreshFP := session.TokenFingerprint, session.RefreshFingerprint
		session.TokenFingerprint = rotation.NewTokenFingerprint
		session.RefreshFingerprint = rotation.NewRefreshFingerprint
		session.ExpiresAt = rotation.NewExpiresAt
		session.IdleTimeoutAt = rotation.NewIdleTimeoutAt
		if rotation.NewUser != nil {
			session.User = *rotation.NewUser
		}
		sealed, err := r.sealSession(session)
		if err != nil {
			return err
		}
		ttl := r.sessionTTL(session)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, redisKey(r.keyPrefix, keyTypeTokenIdx, oldTokenFP))
			if oldRefreshFP != "" {
				pipe.Del(ctx, redisKey(r.keyPrefix, keyTypeRefreshIdx, oldRefreshFP))
			}
			pipe.Set(ctx, sessionKey, sealed, ttl)
			pipe.Set(ctx, redisKey(r.keyPrefix, keyTypeTokenIdx, session.TokenFingerprint), id, ttl)
			if session.RefreshFingerprint != "" {
				pipe.Set(ctx, redisKey(r.keyPrefix, keyTypeRefreshIdx, session.RefreshFingerprint), id, ttl)
			}
			return nil
		})
		return err
	}, sessionKey)

	if errors.Is(err, redis.TxFailedErr) {
		// Another writer touched the session between read and commit; the
		// loser of a rotation race reports a conflict, not a retry.
		return ErrConflict
	}
	return err
}

// TouchSession implements TokenStore.
func (r *RedisStore) TouchSession(ctx context.Context, id string, idleTimeoutAt time.Time) error {
	sessionKey := redisKey(r.keyPrefix, keyTypeSession, id)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, sessionKey).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		session, err := r.openSession(data)
		if err != nil {
			return err
		}
		session.IdleTimeoutAt = idleTimeoutAt
		sealed, err := r.sealSession(session)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, sessionKey, sealed, r.sessionTTL(session))
			return nil
		})
		return err
	}, sessionKey)
	if errors.Is(err, redis.TxFailedErr) {
		// A concurrent touch or rotation superseded this one; the idle
		// deadline it would have written is already stale.
		return nil
	}
	return err
}

// DeleteSession implements TokenStore.
func (r *RedisStore) DeleteSession(ctx context.Context, id string) error {
	sessionKey := redisKey(r.keyPrefix, keyTypeSession, id)
	data, err := r.client.GetDel(ctx, sessionKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	// Index cleanup is best-effort: the indexes carry the same TTL and
	// point at a now-missing session either way.
	if session, oerr := r.openSession(data); oerr == nil {
		pipe := r.client.TxPipeline()
		pipe.Del(ctx, redisKey(r.keyPrefix, keyTypeTokenIdx, session.TokenFingerprint))
		if session.RefreshFingerprint != "" {
			pipe.Del(ctx, redisKey(r.keyPrefix, keyTypeRefreshIdx, session.RefreshFingerprint))
		}
		if _, perr := pipe.Exec(ctx); perr != nil {
			logger.Debugw("failed to delete session indexes", "error", perr)
		}
	}
	return nil
}

// redisStateEnvelope is the wire form of an OAuthState: the provider-leg
// PKCE verifier travels as a sealed blob, everything else as plain JSON
// (OAuthState itself never marshals the verifier).
type redisStateEnvelope struct {
	State              OAuthState `json:"state"`
	VerifierCiphertext []byte     `json:"verifier_ciphertext,omitempty"`
}

// PutState implements TokenStore.
func (r *RedisStore) PutState(ctx context.Context, state *OAuthState) error {
	envelope := redisStateEnvelope{State: *state}
	if state.ProviderVerifier != "" {
		sealed, err := r.box.Seal([]byte(state.ProviderVerifier), stateAAD(state.ID))
		if err != nil {
			return fmt.Errorf("failed to seal verifier: %w", err)
		}
		envelope.VerifierCiphertext = sealed
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	ttl := state.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := r.client.Set(ctx, redisKey(r.keyPrefix, keyTypeState, state.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	return nil
}

// ConsumeState implements TokenStore. GETDEL makes the read-and-delete a
// single Redis command with exactly one winner.
func (r *RedisStore) ConsumeState(ctx context.Context, id string) (*OAuthState, error) {
	data, err := r.client.GetDel(ctx, redisKey(r.keyPrefix, keyTypeState, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume state: %w", err)
	}
	var envelope redisStateEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}
	state := envelope.State
	if len(envelope.VerifierCiphertext) > 0 {
		plaintext, oerr := r.box.Open(envelope.VerifierCiphertext, stateAAD(state.ID))
		if oerr != nil {
			return nil, oerr
		}
		state.ProviderVerifier = string(plaintext)
	}
	if r.now().After(state.ExpiresAt) {
		return nil, ErrExpired
	}
	return &state, nil
}

// PutAuthCode implements TokenStore.
func (r *RedisStore) PutAuthCode(ctx context.Context, code *AuthorizationCode) error {
	data, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("failed to encode auth code: %w", err)
	}
	ttl := code.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := r.client.Set(ctx, redisKey(r.keyPrefix, keyTypeAuthCode, code.Fingerprint), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write auth code: %w", err)
	}
	return nil
}

// ConsumeAuthCode implements TokenStore.
func (r *RedisStore) ConsumeAuthCode(ctx context.Context, fingerprint string) (*AuthorizationCode, error) {
	data, err := r.client.GetDel(ctx, redisKey(r.keyPrefix, keyTypeAuthCode, fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume auth code: %w", err)
	}
	var code AuthorizationCode
	if err := json.Unmarshal(data, &code); err != nil {
		return nil, fmt.Errorf("failed to decode auth code: %w", err)
	}
	if r.now().After(code.ExpiresAt) {
		return nil, ErrExpired
	}
	return &code, nil
}

// PutClient implements TokenStore.
func (r *RedisStore) PutClient(ctx context.Context, client *ClientRegistration) error {
	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("failed to encode client: %w", err)
	}
	if err := r.client.Set(ctx, redisKey(r.keyPrefix, keyTypeClient, client.ClientID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write client: %w", err)
	}
	return nil
}

// GetClient implements TokenStore.
func (r *RedisStore) GetClient(ctx context.Context, clientID string) (*ClientRegistration, error) {
	data, err := r.client.Get(ctx, redisKey(r.keyPrefix, keyTypeClient, clientID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read client: %w", err)
	}
	var client ClientRegistration
	if err := json.Unmarshal(data, &client); err != nil {
		return nil, fmt.Errorf("failed to decode client: %w", err)
	}
	return &client, nil
}

// ListClients implements TokenStore.
func (r *RedisStore) ListClients(ctx context.Context) ([]*ClientRegistration, error) {
	var out []*ClientRegistration
	iter := r.client.Scan(ctx, 0, redisKey(r.keyPrefix, keyTypeClient, "*"), 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read client: %w", err)
		}
		var client ClientRegistration
		if err := json.Unmarshal(data, &client); err != nil {
			return nil, fmt.Errorf("failed to decode client: %w", err)
		}
		out = append(out, &client)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan clients: %w", err)
	}
	return out, nil
}

// SweepExpired implements TokenStore. States and auth codes expire through
// Redis TTLs; the sweep only has to catch sessions whose idle timeout
// passed ahead of their absolute expiry.
func (r *RedisStore) SweepExpired(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{}
	now := r.now()
	iter := r.client.Scan(ctx, 0, redisKey(r.keyPrefix, keyTypeSession, "*"), 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read session: %w", err)
		}
		session, err := r.openSession(data)
		if err != nil {
			// A record this node cannot decrypt is dead weight; remove it.
			session = nil
		}
		if session == nil || session.Expired(now) {
			var id string
			if session != nil {
				id = session.ID
			}
			if derr := r.client.Del(ctx, iter.Val()).Err(); derr != nil {
				return nil, fmt.Errorf("failed to sweep session: %w", derr)
			}
			if id != "" {
				result.Sessions = append(result.Sessions, id)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}
	return result, nil
}
