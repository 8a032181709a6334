// SPDX-FileCopyrightText: Copyright 2026 RAW Labs SA
// SPDX-License-Identifier: Apache-2.0

// Package session owns the MXCP session lifecycle: the OAuth handshake
// state machine, opaque token minting and rotation, resolution, revocation,
// and expiry sweeping. It is the only writer of Session records.
package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"hash/fnv"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raw-labs/mxcp/pkg/audit"
	"github.com/raw-labs/mxcp/pkg/auth/identity"
	"github.com/raw-labs/mxcp/pkg/auth/providers"
	"github.com/raw-labs/mxcp/pkg/auth/scopes"
	"github.com/raw-labs/mxcp/pkg/auth/store"
	"github.com/raw-labs/mxcp/pkg/auth/tokens"
	"github.com/raw-labs/mxcp/pkg/errors"
	"github.com/raw-labs/mxcp/pkg/logger"
)

// Default lifetimes. All are overridable through Config.
const (
	DefaultAccessTTL   = time.Hour
	DefaultRefreshTTL  = 30 * 24 * time.Hour
	DefaultIdleTimeout = 24 * time.Hour
	DefaultStateTTL    = 5 * time.Minute
	DefaultAuthCodeTTL = 60 * time.Second
)

// refreshLockShards sizes the sharded lock set serializing refresh per
// session.
const refreshLockShards = 64

// Config carries the session manager's tunables.
type Config struct {
	// CallbackURL is the absolute URL of the MXCP callback route, handed
	// to adapters when building authorize URLs.
	CallbackURL string

	// AccessTTL, RefreshTTL, IdleTimeout, StateTTL, and AuthCodeTTL bound
	// the respective lifetimes. Zero selects the default.
	AccessTTL   time.Duration
	RefreshTTL  time.Duration
	IdleTimeout time.Duration
	StateTTL    time.Duration
	AuthCodeTTL time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.AccessTTL == 0 {
		out.AccessTTL = DefaultAccessTTL
	}
	if out.RefreshTTL == 0 {
		out.RefreshTTL = DefaultRefreshTTL
	}
	if out.IdleTimeout == 0 {
		out.IdleTimeout = DefaultIdleTimeout
	}
	if out.StateTTL == 0 {
		out.StateTTL = DefaultStateTTL
	}
	if out.AuthCodeTTL == 0 {
		out.AuthCodeTTL = DefaultAuthCodeTTL
	}
	return out
}

// AccessGrant is the token pair returned by the token endpoint.
type AccessGrant struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int
	Scope        string
}

// String redacts the tokens.
func (g *AccessGrant) String() string {
	if g == nil {
		return "<nil>"
	}
	return fmt.Sprintf("AccessGrant{TokenType:%q, ExpiresIn:%d, Scope:%q}", g.TokenType, g.ExpiresIn, g.Scope)
}

// Manager orchestrates sessions. Safe for concurrent use. The adapter set
// sits behind an atomic pointer so hot reload can swap re-resolved
// credentials without a restart.
type Manager struct {
	store    store.TokenStore
	adapters atomic.Pointer[map[string]providers.Adapter]
	mappings map[string]scopes.ClaimMappings
	sink     audit.Sink
	cfg      Config

	refreshLocks [refreshLockShards]sync.Mutex

	now func() time.Time

	cleanupCancel context.CancelFunc
	cleanupDone   chan struct{}
}

// NewManager builds a Manager. The adapters map is keyed by provider name;
// mappings carry each provider's claim translation table.
func NewManager(tokenStore store.TokenStore, adapters map[string]providers.Adapter, mappings map[string]scopes.ClaimMappings, sink audit.Sink, cfg Config) *Manager {
	if sink == nil {
		sink = audit.NopSink{}
	}
	m := &Manager{
		store:    tokenStore,
		mappings: mappings,
		sink:     sink,
		cfg:      cfg.withDefaults(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	m.adapters.Store(&adapters)
	return m
}

// ReplaceAdapters swaps the adapter set. Used by hot reload after secret
// references are re-resolved; the provider topology must be unchanged.
func (m *Manager) ReplaceAdapters(adapters map[string]providers.Adapter) {
	m.adapters.Store(&adapters)
}

func (m *Manager) adapterSet() map[string]providers.Adapter {
	return *m.adapters.Load()
}

// SetClock overrides the manager clock. Test helper.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Store exposes the underlying token store to the composition root.
func (m *Manager) Store() store.TokenStore { return m.store }

// Adapter returns the adapter for a provider name.
func (m *Manager) Adapter(name string) (providers.Adapter, bool) {
	a, ok := m.adapterSet()[name]
	return a, ok
}

func (m *Manager) refreshLock(sessionID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return &m.refreshLocks[h.Sum32()%refreshLockShards]
}

// defaultProvider returns the provider to use when the caller names none.
// Deterministic only when exactly one adapter is configured.
func (m *Manager) defaultProvider() (string, error) {
	adapters := m.adapterSet()
	if len(adapters) == 1 {
		for name := range adapters {
			return name, nil
		}
	}
	return "", errors.Newf(errors.ErrInvalidRequest, "provider must be specified")
}

// BeginAuthorization validates the client and produces the provider
// authorize URL plus the state id that keys the handshake.
func (m *Manager) BeginAuthorization(ctx context.Context, req BeginAuthorizationRequest) (string, string, error) {
	client, err := m.store.GetClient(ctx, req.ClientID)
	if err != nil {
		return "", "", errors.Newf(errors.ErrInvalidRequest, "unknown client")
	}
	if !client.AllowsRedirect(req.RedirectURI) {
		return "", "", errors.Newf(errors.ErrInvalidRequest, "redirect URI is not registered")
	}
	if len(client.AllowedScopes) > 0 {
		for _, requested := range req.Scopes {
			if !contains(client.AllowedScopes, requested) {
				return "", "", errors.Newf(errors.ErrInvalidScope, "scope %q is not allowed", requested)
			}
		}
	}

	provider := req.Provider
	if provider == "" {
		if provider, err = m.defaultProvider(); err != nil {
			return "", "", err
		}
	}
	adapter, ok := m.adapterSet()[provider]
	if !ok {
		return "", "", errors.Newf(errors.ErrInvalidRequest, "unknown provider")
	}

	stateID, err := tokens.MintID()
	if err != nil {
		return "", "", errors.NewError(errors.ErrInternal, "failed to mint state", err)
	}

	// The client's challenge is verified at our token endpoint; the IdP
	// leg gets its own PKCE pair, since the client's verifier is not
	// revealed until code redemption.
	providerVerifier, err := tokens.GeneratePKCEVerifier()
	if err != nil {
		return "", "", errors.NewError(errors.ErrInternal, "failed to mint verifier", err)
	}
	providerChallenge := tokens.ComputePKCEChallenge(providerVerifier)

	now := m.now()
	state := &store.OAuthState{
		ID:                  stateID,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		ProviderVerifier:    providerVerifier,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		ClientState:         req.ClientState,
		RequestedScopes:     req.Scopes,
		Provider:            provider,
		CreatedAt:           now,
		ExpiresAt:           now.Add(m.cfg.StateTTL),
	}
	if err := m.store.PutState(ctx, state); err != nil {
		return "", "", errors.NewError(errors.ErrInternal, "failed to persist state", err)
	}

	authorizeURL := adapter.BuildAuthorizeURL(m.cfg.CallbackURL, stateID, req.Scopes, providerChallenge, nil)
	logger.Debugw("authorization started", "clientID", req.ClientID, "provider", provider, "stateID", stateID)
	return authorizeURL, stateID, nil
}

// BeginAuthorizationRequest carries the inputs of BeginAuthorization.
type BeginAuthorizationRequest struct {
	ClientID            string
	RedirectURI         string
	Scopes              []string
	ClientState         string
	CodeChallenge       string
	CodeChallengeMethod string
	Provider            string
}

// CompleteAuthorization handles the IdP callback: it consumes the state
// (one shot), exchanges the provider code, derives the MXCP scope set,
// writes the session, and mints the MXCP authorization code. The returned
// URL sends the user-agent back to the client.
func (m *Manager) CompleteAuthorization(ctx context.Context, stateID, providerCode string) (string, error) {
	state, err := m.store.ConsumeState(ctx, stateID)
	if stderrors.Is(err, store.ErrNotFound) || stderrors.Is(err, store.ErrExpired) {
		return "", errors.Newf(errors.ErrInvalidRequest, "state is invalid")
	}
	if err != nil {
		return "", errors.NewError(errors.ErrInternal, "failed to consume state", err)
	}

	adapter, ok := m.adapterSet()[state.Provider]
	if !ok {
		return "", errors.Newf(errors.ErrInternal, "provider %q vanished mid-handshake", state.Provider)
	}

	grant, err := adapter.ExchangeCode(ctx, providerCode, m.cfg.CallbackURL, state.ProviderVerifier)
	if err != nil {
		return "", err
	}

	profile := grant.Profile
	if profile == nil {
		profile, err = adapter.FetchUserInfo(ctx, grant.AccessToken)
		if err != nil {
			return "", err
		}
	}

	session, err := m.establishSession(ctx, state, adapter.Name(), grant, profile)
	if err != nil {
		return "", err
	}

	code, err := m.mintAuthCode(ctx, state, session)
	if err != nil {
		return "", err
	}

	redirect, err := url.Parse(state.RedirectURI)
	if err != nil {
		return "", errors.NewError(errors.ErrInvalidRequest, "client redirect URI malformed", err)
	}
	query := redirect.Query()
	query.Set("code", code)
	if state.ClientState != "" {
		query.Set("state", state.ClientState)
	}
	redirect.RawQuery = query.Encode()
	return redirect.String(), nil
}

// establishSession builds and persists the Session for a completed IdP
// exchange. The initial token pair never leaves the process: redemption of
// the auth code rotates it before returning tokens to the client.
func (m *Manager) establishSession(ctx context.Context, state *store.OAuthState, provider string, grant *providers.GrantResult, profile *providers.Profile) (*store.Session, error) {
	sessionID, err := tokens.MintID()
	if err != nil {
		return nil, errors.NewError(errors.ErrInternal, "failed to mint session id", err)
	}
	initialAccess, err := tokens.Mint(tokens.PrefixAccess)
	if err != nil {
		return nil, errors.NewError(errors.ErrInternal, "failed to mint token", err)
	}
	initialRefresh, err := tokens.Mint(tokens.PrefixRefresh)
	if err != nil {
		return nil, errors.NewError(errors.ErrInternal, "failed to mint token", err)
	}

	mxcpScopes := scopes.Map(m.mappings[provider], profile.MapperInput(grant.GrantedScopes))

	now := m.now()
	user := identity.UserContext{
		UserID:     profile.Subject,
		Name:       profile.Name,
		Email:      profile.Email,
		Provider:   provider,
		MXCPScopes: mxcpScopes,
		ProviderScopesGranted: map[string][]string{
			provider: append([]string(nil), grant.GrantedScopes...),
		},
		Profile: map[string]any{
			"sub":   profile.Subject,
			"name":  profile.Name,
			"email": profile.Email,
		},
		IssuedAt: now,
	}

	session := &store.Session{
		ID:                 sessionID,
		TokenFingerprint:   tokens.Fingerprint(initialAccess),
		RefreshFingerprint: tokens.Fingerprint(initialRefresh),
		ClientID:           state.ClientID,
		IssuedAt:           now,
		ExpiresAt:          now.Add(m.cfg.RefreshTTL),
		IdleTimeoutAt:      now.Add(m.cfg.IdleTimeout),
		User:               user,
		MXCPScopes:         mxcpScopes,
		Grants: map[string]*store.ProviderGrant{
			provider: {
				Provider:      provider,
				AccessToken:   grant.AccessToken,
				RefreshToken:  grant.RefreshToken,
				ExpiresAt:     grant.ExpiresAt,
				RawClaims:     profile.Raw,
				GrantedScopes: append([]string(nil), grant.GrantedScopes...),
				Subject:       profile.Subject,
			},
		},
		Downstream: map[identity.TokenKey]*store.DownstreamToken{},
	}
	if err := m.store.PutSession(ctx, session); err != nil {
		return nil, errors.NewError(errors.ErrInternal, "failed to persist session", err)
	}

	m.sink.Emit(ctx, audit.NewEvent(audit.EventTypeSessionCreated,
		audit.EventSource{Type: audit.SourceTypeLocal, Value: "session-manager"},
		audit.OutcomeSuccess,
		map[string]string{
			audit.SubjectKeySessionID: session.ID,
			audit.SubjectKeyUserID:    user.UserID,
			audit.SubjectKeyClientID:  session.ClientID,
			audit.SubjectKeyProvider:  provider,
		},
		"session"))
	logger.Infow("session established", "sessionID", session.ID, "provider", provider, "clientID", session.ClientID)
	return session, nil
}

func (m *Manager) mintAuthCode(ctx context.Context, state *store.OAuthState, session *store.Session) (string, error) {
	code, err := tokens.Mint(tokens.PrefixAuthCode)
	if err != nil {
		return "", errors.NewError(errors.ErrInternal, "failed to mint code", err)
	}
	now := m.now()
	record := &store.AuthorizationCode{
		Fingerprint:         tokens.Fingerprint(code),
		SessionID:           session.ID,
		ClientID:            state.ClientID,
		RedirectURI:         state.RedirectURI,
		CodeChallenge:       state.CodeChallenge,
		CodeChallengeMethod: state.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(m.cfg.AuthCodeTTL),
	}
	if err := m.store.PutAuthCode(ctx, record); err != nil {
		return "", errors.NewError(errors.ErrInternal, "failed to persist code", err)
	}
	return code, nil
}

// ExchangeAuthCode redeems an MXCP authorization code for a token pair.
// The code is one shot; PKCE, client id, and redirect URI must match the
// authorize step.
func (m *Manager) ExchangeAuthCode(ctx context.Context, rawCode, clientID, redirectURI, pkceVerifier string) (*AccessGrant, error) {
	if !tokens.HasPrefix(rawCode, tokens.PrefixAuthCode) {
		return nil, errors.Newf(errors.ErrInvalidGrant, "authorization code is invalid")
	}
	record, err := m.store.ConsumeAuthCode(ctx, tokens.Fingerprint(rawCode))
	if stderrors.Is(err, store.ErrNotFound) || stderrors.Is(err, store.ErrExpired) {
		return nil, errors.Newf(errors.ErrInvalidGrant, "authorization code is invalid")
	}
	if err != nil {
		return nil, errors.NewError(errors.ErrInternal, "failed to consume code", err)
	}

	if record.ClientID != clientID || record.RedirectURI != redirectURI {
		// Binding violation: burn the session the code pointed at.
		m.deleteSessionQuiet(ctx, record.SessionID)
		return nil, errors.Newf(errors.ErrInvalidGrant, "authorization code is invalid")
	}
	if !tokens.VerifyPKCE(record.CodeChallenge, record.CodeChallengeMethod, pkceVerifier) {
		m.deleteSessionQuiet(ctx, record.SessionID)
		m.emitTamper(ctx, record.SessionID, "pkce verification failed")
		return nil, errors.Newf(errors.ErrInvalidGrant, "authorization code is invalid")
	}

	session, err := m.store.GetSessionByID(ctx, record.SessionID)
	if err != nil {
		return nil, errors.Newf(errors.ErrInvalidGrant, "authorization code is invalid")
	}

	return m.rotate(ctx, session, nil)
}

// rotate mints a fresh token pair and atomically swaps it in, returning the
// raw pair. newUser optionally replaces the cached identity projection.
func (m *Manager) rotate(ctx context.Context, session *store.Session, newUser *identity.UserContext) (*AccessGrant, error) {
	access, err := tokens.Mint(tokens.PrefixAccess)
	if err != nil {
		return nil, errors.NewError(errors.ErrInternal, "failed to mint token", err)
	}
	refresh, err := tokens.Mint(tokens.PrefixRefresh)
	if err != nil {
		return nil, errors.NewError(errors.ErrInternal, "failed to mint token", err)
	}

	now := m.now()
	rotation := store.Rotation{
		OldRefreshFingerprint: session.RefreshFingerprint,
		NewTokenFingerprint:   tokens.Fingerprint(access),
		NewRefreshFingerprint: tokens.Fingerprint(refresh),
		NewExpiresAt:          now.Add(m.cfg.RefreshTTL),
		NewIdleTimeoutAt:      now.Add(m.cfg.IdleTimeout),
		NewUser:               newUser,
	}
	if err := m.store.RotateSessionTokens(ctx, session.ID, rotation); err != nil {
		if stderrors.Is(err, store.ErrConflict) || stderrors.Is(err, store.ErrNotFound) {
			return nil, errors.Newf(errors.ErrInvalidGrant, "grant is no longer valid")
		}
		return nil, errors.NewError(errors.ErrInternal, "failed to rotate session", err)
	}

	mxcpScopes := session.MXCPScopes
	if newUser != nil {
		mxcpScopes = newUser.MXCPScopes
	}
	return &AccessGrant{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int(m.cfg.AccessTTL / time.Second),
		Scope:        strings.Join(mxcpScopes, " "),
	}, nil
}

// Refresh rotates a session's token pair. Rotation is serialized per
// session; a stale refresh token loses with invalid_grant, signaling
// possible replay.
func (m *Manager) Refresh(ctx context.Context, rawRefreshToken string) (*AccessGrant, error) {
	if !tokens.HasPrefix(rawRefreshToken, tokens.PrefixRefresh) {
		return nil, errors.Newf(errors.ErrInvalidGrant, "refresh token is invalid")
	}
	fingerprint := tokens.Fingerprint(rawRefreshToken)

	session, err := m.store.GetSessionByRefreshFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, errors.Newf(errors.ErrInvalidGrant, "refresh token is invalid")
	}

	// Serialize per session. The lock is held across the store calls and
	// any provider token refresh below; the CAS inside the store keeps
	// cross-process races safe regardless.
	lock := m.refreshLock(session.ID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock: a concurrent refresh may have rotated.
	session, err = m.store.GetSessionByRefreshFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, errors.Newf(errors.ErrInvalidGrant, "refresh token is invalid")
	}

	newUser, err := m.refreshProviderGrants(ctx, session)
	if err != nil {
		return nil, err
	}

	grant, err := m.rotate(ctx, session, newUser)
	if err != nil {
		return nil, err
	}

	m.sink.Emit(ctx, audit.NewEvent(audit.EventTypeSessionRefreshed,
		audit.EventSource{Type: audit.SourceTypeLocal, Value: "session-manager"},
		audit.OutcomeSuccess,
		map[string]string{
			audit.SubjectKeySessionID: session.ID,
			audit.SubjectKeyUserID:    session.User.UserID,
		},
		"session"))
	return grant, nil
}

// refreshProviderGrants refreshes expired provider tokens through their
// adapters and rebuilds the identity projection when anything changed.
func (m *Manager) refreshProviderGrants(ctx context.Context, session *store.Session) (*identity.UserContext, error) {
	changed := false
	now := m.now()
	for _, provider := range session.ProviderNames() {
		grant := session.Grants[provider]
		if !grant.IsExpired(now) || grant.RefreshToken == "" {
			continue
		}
		adapter, ok := m.adapterSet()[provider]
		if !ok {
			continue
		}
		refreshed, err := adapter.RefreshToken(ctx, grant.RefreshToken, nil)
		if err != nil {
			if errors.TypeOf(err) == errors.ErrInvalidGrant {
				return nil, errors.Newf(errors.ErrInvalidGrant, "provider grant is no longer valid")
			}
			return nil, err
		}
		grant.AccessToken = refreshed.AccessToken
		if refreshed.RefreshToken != "" {
			grant.RefreshToken = refreshed.RefreshToken
		}
		grant.ExpiresAt = refreshed.ExpiresAt
		if len(refreshed.GrantedScopes) > 0 {
			grant.GrantedScopes = refreshed.GrantedScopes
		}
		changed = true
	}
	if !changed {
		return nil, nil
	}

	// Persist the refreshed grants; the rotation that follows replaces the
	// token pair.
	if err := m.store.PutSession(ctx, session); err != nil {
		return nil, errors.NewError(errors.ErrInternal, "failed to persist refreshed grants", err)
	}

	user := session.User
	user.IssuedAt = now
	for provider, grant := range session.Grants {
		if user.ProviderScopesGranted == nil {
			user.ProviderScopesGranted = map[string][]string{}
		}
		user.ProviderScopesGranted[provider] = append([]string(nil), grant.GrantedScopes...)
	}
	return &user, nil
}

// Resolve validates an access token and returns its session. The idle
// timeout advances as a side effect.
func (m *Manager) Resolve(ctx context.Context, rawAccessToken string) (*store.Session, error) {
	if !tokens.HasPrefix(rawAccessToken, tokens.PrefixAccess) {
		return nil, errors.Newf(errors.ErrUnauthorized, "credential is invalid")
	}
	session, err := m.store.GetSessionByTokenFingerprint(ctx, tokens.Fingerprint(rawAccessToken))
	if err != nil {
		if errors.IsType(err, errors.ErrTamper) {
			m.emitTamper(ctx, "", "session decryption failed")
			return nil, errors.Newf(errors.ErrUnauthorized, "credential is invalid")
		}
		return nil, errors.Newf(errors.ErrUnauthorized, "credential is invalid")
	}

	if m.cfg.IdleTimeout > 0 {
		if err := m.store.TouchSession(ctx, session.ID, m.now().Add(m.cfg.IdleTimeout)); err != nil && !stderrors.Is(err, store.ErrNotFound) {
			logger.Debugw("failed to advance idle timeout", "sessionID", session.ID, "error", err)
		}
	}
	return session, nil
}

// Revoke deletes a session by id or by access token and notifies the IdP
// best effort.
func (m *Manager) Revoke(ctx context.Context, sessionIDOrToken string) error {
	session, err := m.lookupForRevoke(ctx, sessionIDOrToken)
	if err != nil {
		return err
	}

	if err := m.store.DeleteSession(ctx, session.ID); err != nil && !stderrors.Is(err, store.ErrNotFound) {
		return errors.NewError(errors.ErrInternal, "failed to delete session", err)
	}

	for _, provider := range session.ProviderNames() {
		grant := session.Grants[provider]
		if adapter, ok := m.adapterSet()[provider]; ok && grant.AccessToken != "" {
			if !adapter.Revoke(ctx, grant.AccessToken, "access_token") {
				logger.Debugw("provider revocation declined", "provider", provider, "sessionID", session.ID)
			}
		}
	}

	m.sink.Emit(ctx, audit.NewEvent(audit.EventTypeSessionRevoked,
		audit.EventSource{Type: audit.SourceTypeLocal, Value: "session-manager"},
		audit.OutcomeSuccess,
		map[string]string{
			audit.SubjectKeySessionID: session.ID,
			audit.SubjectKeyUserID:    session.User.UserID,
		},
		"session"))
	logger.Infow("session revoked", "sessionID", session.ID)
	return nil
}

func (m *Manager) lookupForRevoke(ctx context.Context, sessionIDOrToken string) (*store.Session, error) {
	if tokens.HasPrefix(sessionIDOrToken, tokens.PrefixAccess) {
		session, err := m.store.GetSessionByTokenFingerprint(ctx, tokens.Fingerprint(sessionIDOrToken))
		if err != nil {
			return nil, errors.Newf(errors.ErrInvalidRequest, "session not found")
		}
		return session, nil
	}
	session, err := m.store.GetSessionByID(ctx, sessionIDOrToken)
	if err != nil {
		return nil, errors.Newf(errors.ErrInvalidRequest, "session not found")
	}
	return session, nil
}

func (m *Manager) deleteSessionQuiet(ctx context.Context, sessionID string) {
	if err := m.store.DeleteSession(ctx, sessionID); err != nil && !stderrors.Is(err, store.ErrNotFound) {
		logger.Warnw("failed to delete session", "sessionID", sessionID, "error", err)
	}
}

func (m *Manager) emitTamper(ctx context.Context, sessionID, detail string) {
	subjects := map[string]string{}
	if sessionID != "" {
		subjects[audit.SubjectKeySessionID] = sessionID
	}
	m.sink.Emit(ctx, audit.NewEvent(audit.EventTypeTamper,
		audit.EventSource{Type: audit.SourceTypeLocal, Value: "session-manager"},
		audit.OutcomeFailure, subjects, "session").WithExtra("detail", detail))
}

// StartCleanup launches the periodic expiry sweeper. The sweeper keeps
// running until Close or context cancellation.
func (m *Manager) StartCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cleanupCancel = cancel
	m.cleanupDone = make(chan struct{})

	go func() {
		defer close(m.cleanupDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweepCtx, sweepCancel := context.WithTimeout(ctx, 30*time.Second)
				result, err := m.store.SweepExpired(sweepCtx)
				sweepCancel()
				if err != nil {
					logger.Warnw("expiry sweep failed", "error", err)
					continue
				}
				if len(result.Sessions) > 0 {
					logger.Debugw("expiry sweep removed sessions", "count", len(result.Sessions))
				}
			}
		}
	}()
}

// Close stops the sweeper, waiting up to the grace period for an in-flight
// sweep to finish.
func (m *Manager) Close(grace time.Duration) {
	if m.cleanupCancel == nil {
		return
	}
	m.cleanupCancel()
	select {
	case <-m.cleanupDone:
	case <-time.After(grace):
		logger.Warn("cleanup did not stop within the grace period")
	}
}

func contains(haystack []string, needle string) bool {
	for _, candidate := range haystack {
		if candidate == needle {
			return true
		}
	}
	return false
}
