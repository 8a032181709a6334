// SPDX-FileCopyrightText: Copyright 2026 RAW Labs SA
// SPDX-License-Identifier: Apache-2.0

// Package store defines the persistence protocol of the auth core and its
// implementations: an embedded SQLite store (default), a Redis store for
// multi-node deployments, and an in-memory store for tests.
//
// Encryption of sensitive fields happens inside the store boundary; callers
// hand in and receive plaintext entities and never see ciphertext or keys.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/raw-labs/mxcp/pkg/auth/identity"
)

// Sentinel errors returned by stores. The session layer maps these onto the
// OAuth error taxonomy; stores stay taxonomy-free apart from tamper, which
// pkg/auth/tokens classifies at the decryption site.
var (
	// ErrNotFound indicates the record does not exist (or was consumed).
	ErrNotFound = errors.New("record not found")

	// ErrExpired indicates the record exists but its TTL has passed. The
	// store deletes it as a side effect.
	ErrExpired = errors.New("record expired")

	// ErrConflict indicates a compare-and-set lost the race.
	ErrConflict = errors.New("concurrent modification")
)

// Session is the authoritative authorization record.
type Session struct {
	// ID is the opaque session identifier.
	ID string

	// TokenFingerprint is the SHA-256 of the current access token.
	TokenFingerprint string

	// RefreshFingerprint is the SHA-256 of the current refresh token, if a
	// refresh token was issued.
	RefreshFingerprint string

	// ClientID is the OAuth client that owns this session.
	ClientID string

	// IssuedAt, ExpiresAt, and IdleTimeoutAt are UTC. ExpiresAt is
	// absolute; IdleTimeoutAt advances on each resolve.
	IssuedAt      time.Time
	ExpiresAt     time.Time
	IdleTimeoutAt time.Time

	// User is the cached identity projection.
	User identity.UserContext

	// Grants holds one ProviderGrant per provider name. Token fields are
	// encrypted at rest.
	Grants map[string]*ProviderGrant

	// Downstream caches exchanged downstream tokens keyed by
	// (provider, audience). Encrypted at rest.
	Downstream map[identity.TokenKey]*DownstreamToken

	// MXCPScopes is the derived internal scope set.
	MXCPScopes []string
}

// GrantFor returns the provider grant for a provider name.
func (s *Session) GrantFor(provider string) (*ProviderGrant, bool) {
	g, ok := s.Grants[provider]
	return g, ok
}

// ProviderNames returns the session's provider names in stable order.
func (s *Session) ProviderNames() []string {
	names := make([]string, 0, len(s.Grants))
	for name := range s.Grants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Expired reports whether either expiry tripwire has passed at the given
// instant. The store's recorded timestamps are authoritative; a backward
// clock adjustment cannot extend a TTL because at is compared against them.
func (s *Session) Expired(at time.Time) bool {
	if at.After(s.ExpiresAt) {
		return true
	}
	if !s.IdleTimeoutAt.IsZero() && at.After(s.IdleTimeoutAt) {
		return true
	}
	return false
}

// Clone returns a deep copy so callers can stage mutations without
// aliasing store-held state.
func (s *Session) Clone() *Session {
	clone := *s
	clone.MXCPScopes = append([]string(nil), s.MXCPScopes...)
	clone.Grants = make(map[string]*ProviderGrant, len(s.Grants))
	for name, g := range s.Grants {
		gc := *g
		gc.GrantedScopes = append([]string(nil), g.GrantedScopes...)
		clone.Grants[name] = &gc
	}
	clone.Downstream = make(map[identity.TokenKey]*DownstreamToken, len(s.Downstream))
	for key, d := range s.Downstream {
		dc := *d
		clone.Downstream[key] = &dc
	}
	return &clone
}

// ProviderGrant is a provider's view of the user, owned by exactly one
// session.
type ProviderGrant struct {
	// Provider is the adapter name.
	Provider string

	// AccessToken and RefreshToken are the provider's tokens, plaintext in
	// memory and encrypted at rest.
	AccessToken  string
	RefreshToken string

	// ExpiresAt is the provider token expiry.
	ExpiresAt time.Time

	// RawClaims is the provider's claims document. Encrypted at rest.
	RawClaims map[string]any

	// GrantedScopes are the provider scopes actually granted.
	GrantedScopes []string

	// Subject is the user identifier asserted by the provider.
	Subject string
}

// IsExpired reports whether the provider token has expired at the given
// instant. A zero expiry counts as expired.
func (g *ProviderGrant) IsExpired(at time.Time) bool {
	return at.After(g.ExpiresAt)
}

// DownstreamToken is an exchanged downstream token cached on the session.
type DownstreamToken struct {
	// AccessToken is the exchanged token. Encrypted at rest.
	AccessToken string

	// TokenType is usually "Bearer".
	TokenType string

	// ExpiresAt is the downstream token expiry.
	ExpiresAt time.Time

	// Scopes are the scopes carried by the downstream token.
	Scopes []string
}

// IsExpired reports whether the downstream token has expired at the given
// instant.
func (t *DownstreamToken) IsExpired(at time.Time) bool {
	return at.After(t.ExpiresAt)
}

// OAuthState is the single-use handshake record tying a browser-level
// authorize step to its callback.
type OAuthState struct {
	// ID is the state value round-tripped through the IdP.
	ID string

	// CodeChallenge and CodeChallengeMethod record the client's PKCE
	// challenge. The verifier arrives at code redemption.
	CodeChallenge       string
	CodeChallengeMethod string

	// ProviderVerifier is the PKCE verifier for MXCP's own leg against
	// the IdP; its challenge goes on the provider authorize URL and the
	// verifier is replayed at code exchange. Encrypted at rest.
	ProviderVerifier string `json:"-"`

	// ClientID and RedirectURI bind the handshake to the initiating client.
	ClientID    string
	RedirectURI string

	// ClientState is the client's original state parameter, echoed on the
	// final redirect.
	ClientState string

	// RequestedScopes are the provider scopes requested at authorize time.
	RequestedScopes []string

	// Provider names the adapter handling this handshake.
	Provider string

	// CreatedAt and ExpiresAt are UTC; the store's clock is authoritative.
	CreatedAt time.Time
	ExpiresAt time.Time
}

// AuthorizationCode is the short-lived record tying a completed IdP
// exchange to a token-endpoint redemption. The code value itself is never
// stored; Fingerprint is its SHA-256.
type AuthorizationCode struct {
	// Fingerprint is the SHA-256 of the raw code.
	Fingerprint string

	// SessionID is the session established during the callback.
	SessionID string

	// ClientID and RedirectURI must match the redemption request.
	ClientID    string
	RedirectURI string

	// CodeChallenge and CodeChallengeMethod are copied from the state.
	CodeChallenge       string
	CodeChallengeMethod string

	// CreatedAt and ExpiresAt are UTC.
	CreatedAt time.Time
	ExpiresAt time.Time
}

// ClientRegistration describes an allowed caller.
type ClientRegistration struct {
	// ClientID is the unique client identifier.
	ClientID string

	// RedirectURIs is the allowlist of exact redirect URIs.
	RedirectURIs []string

	// GrantTypes lists the allowed grant types.
	GrantTypes []string

	// AllowedScopes is the scope allowlist; empty means no restriction.
	AllowedScopes []string

	// SecretDigest is the SHA-256 hex of the client secret, empty for
	// public clients.
	SecretDigest string

	// Public marks clients without a secret.
	Public bool
}

// AllowsRedirect reports whether the exact redirect URI is registered.
func (c *ClientRegistration) AllowsRedirect(uri string) bool {
	for _, allowed := range c.RedirectURIs {
		if allowed == uri {
			return true
		}
	}
	return false
}

// AllowsGrantType reports whether the grant type is allowed.
func (c *ClientRegistration) AllowsGrantType(grantType string) bool {
	for _, allowed := range c.GrantTypes {
		if allowed == grantType {
			return true
		}
	}
	return false
}

// SweepResult lists the identifiers removed by a sweep.
type SweepResult struct {
	Sessions  []string
	States    []string
	AuthCodes []string
}

// Rotation carries the staged values for a token rotation.
type Rotation struct {
	// OldRefreshFingerprint is the compare value; rotation fails with
	// ErrConflict when the stored fingerprint differs.
	OldRefreshFingerprint string

	// NewTokenFingerprint and NewRefreshFingerprint replace the pair.
	NewTokenFingerprint   string
	NewRefreshFingerprint string

	// NewExpiresAt and NewIdleTimeoutAt replace the expiries.
	NewExpiresAt     time.Time
	NewIdleTimeoutAt time.Time

	// NewUser optionally replaces the cached identity projection when the
	// refresh also refreshed provider grants.
	NewUser *identity.UserContext
}

// TokenStore is the persistence protocol. All operations are safe for
// concurrent use; consume operations are atomic read-and-delete with
// exactly one winner under contention.
type TokenStore interface {
	PutSession(ctx context.Context, session *Session) error
	GetSessionByTokenFingerprint(ctx context.Context, fingerprint string) (*Session, error)
	GetSessionByRefreshFingerprint(ctx context.Context, fingerprint string) (*Session, error)
	GetSessionByID(ctx context.Context, id string) (*Session, error)
	RotateSessionTokens(ctx context.Context, id string, rotation Rotation) error
	TouchSession(ctx context.Context, id string, idleTimeoutAt time.Time) error
	DeleteSession(ctx context.Context, id string) error

	PutState(ctx context.Context, state *OAuthState) error
	ConsumeState(ctx context.Context, id string) (*OAuthState, error)

	PutAuthCode(ctx context.Context, code *AuthorizationCode) error
	ConsumeAuthCode(ctx context.Context, fingerprint string) (*AuthorizationCode, error)

	PutClient(ctx context.Context, client *ClientRegistration) error
	GetClient(ctx context.Context, clientID string) (*ClientRegistration, error)
	ListClients(ctx context.Context) ([]*ClientRegistration, error)

	SweepExpired(ctx context.Context) (*SweepResult, error)
	Close() error
}
