// SPDX-FileCopyrightText: Copyright 2026 RAW Labs SA
// SPDX-License-Identifier: Apache-2.0

// Package middleware is the per-request authentication and authorization
// gate: it resolves the transport credential into a UserContext, enforces
// server- and endpoint-level scope requirements, prepares downstream
// provider tokens, and emits audit events.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/raw-labs/mxcp/pkg/audit"
	"github.com/raw-labs/mxcp/pkg/auth/exchange"
	"github.com/raw-labs/mxcp/pkg/auth/identity"
	"github.com/raw-labs/mxcp/pkg/auth/providers"
	"github.com/raw-labs/mxcp/pkg/auth/scopes"
	"github.com/raw-labs/mxcp/pkg/auth/session"
	"github.com/raw-labs/mxcp/pkg/auth/store"
	"github.com/raw-labs/mxcp/pkg/auth/tokens"
	"github.com/raw-labs/mxcp/pkg/errors"
	"github.com/raw-labs/mxcp/pkg/logger"
)

// Mode selects how credentials are resolved.
type Mode string

// Operating modes.
const (
	ModeIssuer   Mode = "issuer"
	ModeVerifier Mode = "verifier"
	ModeProxy    Mode = "proxy"
	ModeHybrid   Mode = "hybrid"
	ModeDisabled Mode = "disabled"
)

// Credential source names used by the hybrid resolution order.
const (
	SourceBearer = "bearer"
	SourceProxy  = "proxy"
)

// EndpointRequirements is what an endpoint definition declares about
// authentication.
type EndpointRequirements struct {
	// Scopes the caller must hold. Empty means authenticated is enough.
	Scopes []string

	// Downstream lists MXCP scopes whose ScopeRequirement must be
	// fulfilled with a provider token before the endpoint runs.
	Downstream []string

	// AllowAnonymous lets unauthenticated requests through with a nil
	// user context.
	AllowAnonymous bool
}

// Options configures the middleware.
type Options struct {
	// Mode is the operating mode; it is explicit, never auto-detected.
	Mode Mode

	// Manager resolves MXCP opaque tokens (issuer mode).
	Manager *session.Manager

	// Verifier validates external bearer tokens (verifier mode).
	Verifier providers.Verifier

	// VerifierMappings translate verified claims to MXCP scopes.
	VerifierMappings scopes.ClaimMappings

	// Proxy reads trusted headers (proxy mode).
	Proxy *providers.ProxyAdapter

	// ProxyMappings translate proxy claims to MXCP scopes.
	ProxyMappings scopes.ClaimMappings

	// HybridOrder decides which credential wins in hybrid mode. The first
	// source whose credential is PRESENT is used; presence decides, not
	// validity. Defaults to bearer before proxy.
	HybridOrder []string

	// Broker fulfills downstream requirements. Nil disables downstream
	// preparation.
	Broker *exchange.Broker

	// RequiredScopes are enforced on every request (server level).
	RequiredScopes []string

	// Sink receives audit events. Nil means no auditing.
	Sink audit.Sink

	// Store caches verifier-mode sessions. Required in verifier and
	// hybrid modes.
	Store store.TokenStore
}

// Middleware gates requests. Build one per server; Require returns the
// http wrapper for an endpoint's declared requirements. The proxy and
// verifier sit behind atomic pointers so hot reload can swap re-resolved
// secrets in without a restart.
type Middleware struct {
	opts     Options
	proxy    atomic.Pointer[providers.ProxyAdapter]
	verifier atomic.Pointer[providers.Verifier]
	now      func() time.Time
}

// New validates the options and returns the middleware.
func New(opts Options) (*Middleware, error) {
	switch opts.Mode {
	case ModeIssuer:
		if opts.Manager == nil {
			return nil, errors.Newf(errors.ErrInternal, "issuer mode requires a session manager")
		}
	case ModeVerifier:
		if opts.Verifier == nil || opts.Store == nil {
			return nil, errors.Newf(errors.ErrInternal, "verifier mode requires a verifier and a store")
		}
	case ModeProxy:
		if opts.Proxy == nil {
			return nil, errors.Newf(errors.ErrInternal, "proxy mode requires a proxy adapter")
		}
	case ModeHybrid:
		if opts.Proxy == nil || (opts.Manager == nil && opts.Verifier == nil) {
			return nil, errors.Newf(errors.ErrInternal, "hybrid mode requires a proxy adapter and a bearer resolver")
		}
	case ModeDisabled:
	default:
		return nil, errors.Newf(errors.ErrInternal, "unknown auth mode %q", opts.Mode)
	}
	if len(opts.HybridOrder) == 0 {
		opts.HybridOrder = []string{SourceBearer, SourceProxy}
	}
	if opts.Sink == nil {
		opts.Sink = audit.NopSink{}
	}
	m := &Middleware{
		opts: opts,
		now:  func() time.Time { return time.Now().UTC() },
	}
	if opts.Proxy != nil {
		m.proxy.Store(opts.Proxy)
	}
	if opts.Verifier != nil {
		m.verifier.Store(&opts.Verifier)
	}
	return m, nil
}

// SetProxy swaps the proxy adapter after a hot reload.
func (m *Middleware) SetProxy(proxy *providers.ProxyAdapter) {
	if proxy != nil {
		m.proxy.Store(proxy)
	}
}

// SetVerifier swaps the verifier after a hot reload.
func (m *Middleware) SetVerifier(verifier providers.Verifier) {
	if verifier != nil {
		m.verifier.Store(&verifier)
	}
}

func (m *Middleware) currentProxy() *providers.ProxyAdapter {
	return m.proxy.Load()
}

func (m *Middleware) currentVerifier() providers.Verifier {
	if v := m.verifier.Load(); v != nil {
		return *v
	}
	return nil
}

// Require returns the HTTP middleware enforcing the endpoint's declared
// requirements.
func (m *Middleware) Require(req EndpointRequirements) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m.opts.Mode == ModeDisabled {
				next.ServeHTTP(w, r)
				return
			}

			user, sess, err := m.authenticate(r)
			if err != nil {
				m.fail(w, r, nil, err)
				return
			}
			if user == nil {
				if !req.AllowAnonymous {
					m.fail(w, r, nil, errors.Newf(errors.ErrUnauthorized, "authentication required"))
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			if missing, ok := m.checkScopes(user, req.Scopes); !ok {
				m.emit(r, audit.EventTypeScopeDenied, audit.OutcomeDenied, user, map[string]any{"missing_scope": missing})
				writeScopeError(w, missing)
				return
			}

			ctx := r.Context()
			if len(req.Downstream) > 0 {
				ctx, err = m.prepareDownstream(ctx, sess, user, req.Downstream)
				if err != nil {
					m.fail(w, r, user, err)
					return
				}
			}

			ctx = identity.WithUserContext(ctx, user)
			m.emit(r, audit.EventTypeAuthSuccess, audit.OutcomeSuccess, user, map[string]any{"scopes": req.Scopes})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// authenticate resolves the request credential per the active mode. A nil
// user with nil error means no credential was presented.
func (m *Middleware) authenticate(r *http.Request) (*identity.UserContext, *store.Session, error) {
	switch m.opts.Mode {
	case ModeIssuer:
		return m.resolveBearer(r)
	case ModeVerifier:
		return m.resolveVerified(r)
	case ModeProxy:
		return m.resolveProxy(r)
	case ModeHybrid:
		for _, source := range m.opts.HybridOrder {
			switch source {
			case SourceBearer:
				if bearerToken(r) != "" {
					if m.opts.Manager != nil {
						return m.resolveBearer(r)
					}
					return m.resolveVerified(r)
				}
			case SourceProxy:
				if m.proxyCredentialPresent(r) {
					return m.resolveProxy(r)
				}
			}
		}
		return nil, nil, nil
	}
	return nil, nil, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(header, "Bearer ")
}

func (m *Middleware) proxyCredentialPresent(r *http.Request) bool {
	proxy := m.currentProxy()
	return proxy != nil && proxy.CredentialPresent(r)
}

func (m *Middleware) resolveBearer(r *http.Request) (*identity.UserContext, *store.Session, error) {
	raw := bearerToken(r)
	if raw == "" {
		return nil, nil, nil
	}
	sess, err := m.opts.Manager.Resolve(r.Context(), raw)
	if err != nil {
		return nil, nil, err
	}
	user := sess.User
	return &user, sess, nil
}

// resolveVerified validates an external bearer token and caches the result
// as a session so repeated requests skip signature checks and downstream
// exchanges find a subject token.
func (m *Middleware) resolveVerified(r *http.Request) (*identity.UserContext, *store.Session, error) {
	raw := bearerToken(r)
	if raw == "" {
		return nil, nil, nil
	}
	fingerprint := tokens.Fingerprint(raw)

	if sess, err := m.opts.Store.GetSessionByTokenFingerprint(r.Context(), fingerprint); err == nil {
		user := sess.User
		return &user, sess, nil
	}

	verifier := m.currentVerifier()
	grant, err := verifier.VerifyToken(r.Context(), raw)
	if err != nil {
		return nil, nil, err
	}
	profile := grant.Profile
	mxcpScopes := scopes.Map(m.opts.VerifierMappings, profile.MapperInput(grant.GrantedScopes))

	sessionID, err := tokens.MintID()
	if err != nil {
		return nil, nil, errors.NewError(errors.ErrInternal, "failed to mint session id", err)
	}
	now := m.now()
	providerName := verifier.Name()
	user := identity.UserContext{
		UserID:     profile.Subject,
		Name:       profile.Name,
		Email:      profile.Email,
		Provider:   providerName,
		MXCPScopes: mxcpScopes,
		ProviderScopesGranted: map[string][]string{
			providerName: append([]string(nil), grant.GrantedScopes...),
		},
		IssuedAt: now,
	}
	sess := &store.Session{
		ID:               sessionID,
		TokenFingerprint: fingerprint,
		ClientID:         "external",
		IssuedAt:         now,
		ExpiresAt:        grant.ExpiresAt,
		User:             user,
		MXCPScopes:       mxcpScopes,
		Grants: map[string]*store.ProviderGrant{
			providerName: {
				Provider:      providerName,
				AccessToken:   raw,
				ExpiresAt:     grant.ExpiresAt,
				RawClaims:     profile.Raw,
				GrantedScopes: grant.GrantedScopes,
				Subject:       profile.Subject,
			},
		},
		Downstream: map[identity.TokenKey]*store.DownstreamToken{},
	}
	if err := m.opts.Store.PutSession(r.Context(), sess); err != nil {
		// The verification stands on its own; caching is an optimization.
		logger.Debugw("failed to cache verified session", "error", err)
	}
	return &user, sess, nil
}

func (m *Middleware) resolveProxy(r *http.Request) (*identity.UserContext, *store.Session, error) {
	proxy := m.currentProxy()
	result, err := proxy.ResolveHeaders(r)
	if err != nil {
		if errors.TypeOf(err) == errors.ErrUnauthorized && !proxy.CredentialPresent(r) {
			// No identity headers at all: no credential presented.
			return nil, nil, nil
		}
		return nil, nil, err
	}
	profile := result.Profile

	var mxcpScopes []string
	if proxy.PrecomputedScopes() && len(result.GrantedScopes) > 0 {
		mxcpScopes = result.GrantedScopes
	} else {
		mxcpScopes = scopes.Map(m.opts.ProxyMappings, profile.MapperInput(nil))
	}

	user := identity.UserContext{
		UserID:                profile.Subject,
		Name:                  profile.Name,
		Email:                 profile.Email,
		Provider:              proxy.Name(),
		MXCPScopes:            mxcpScopes,
		ProviderScopesGranted: map[string][]string{},
		IssuedAt:              m.now(),
	}

	// Proxy identities have no session; an upstream token forwarded by the
	// proxy still supports downstream exposure.
	var sess *store.Session
	if result.AccessToken != "" {
		sess = &store.Session{
			ID:         "proxy:" + profile.Subject,
			User:       user,
			MXCPScopes: mxcpScopes,
			ExpiresAt:  result.ExpiresAt,
			Grants: map[string]*store.ProviderGrant{
				proxy.Name(): {
					Provider:    proxy.Name(),
					AccessToken: result.AccessToken,
					ExpiresAt:   result.ExpiresAt,
					Subject:     profile.Subject,
				},
			},
			Downstream: map[identity.TokenKey]*store.DownstreamToken{},
		}
	}
	return &user, sess, nil
}

// checkScopes verifies server-level then endpoint-level scopes, returning
// the first missing scope.
func (m *Middleware) checkScopes(user *identity.UserContext, endpointScopes []string) (string, bool) {
	for _, required := range m.opts.RequiredScopes {
		if !user.HasScope(required) {
			return required, false
		}
	}
	for _, required := range endpointScopes {
		if !user.HasScope(required) {
			return required, false
		}
	}
	return "", true
}

// prepareDownstream fulfills each declared downstream requirement and
// attaches the resolved tokens to the context.
func (m *Middleware) prepareDownstream(ctx context.Context, sess *store.Session, user *identity.UserContext, downstream []string) (context.Context, error) {
	if m.opts.Broker == nil {
		return ctx, errors.Newf(errors.ErrDownstreamUnavailable, "token exchange is not configured")
	}
	if sess == nil {
		return ctx, errors.Newf(errors.ErrDownstreamUnavailable, "no provider grant available for token exchange")
	}

	resolved := make(map[identity.TokenKey]*identity.ProviderToken, len(downstream))
	for _, mxcpScope := range downstream {
		requirement, ok := m.opts.Broker.Requirement(mxcpScope)
		if !ok {
			continue
		}
		tok, err := m.opts.Broker.EnsureDownstreamToken(ctx, sess, mxcpScope)
		if err != nil {
			m.opts.Sink.Emit(ctx, audit.NewEvent(audit.EventTypeTokenExchange,
				audit.EventSource{Type: audit.SourceTypeLocal, Value: "middleware"},
				audit.OutcomeFailure,
				map[string]string{
					audit.SubjectKeyUserID:   user.UserID,
					audit.SubjectKeyProvider: requirement.Provider,
				},
				"middleware"))
			return ctx, err
		}
		resolved[identity.TokenKey{Provider: requirement.Provider, Audience: requirement.Audience}] = tok
	}
	return identity.WithProviderTokens(ctx, resolved), nil
}

func (m *Middleware) emit(r *http.Request, eventType, outcome string, user *identity.UserContext, extra map[string]any) {
	subjects := map[string]string{}
	if user != nil {
		subjects[audit.SubjectKeyUserID] = user.UserID
		subjects[audit.SubjectKeyProvider] = user.Provider
	}
	event := audit.NewEvent(eventType,
		audit.EventSource{
			Type:  audit.SourceTypeNetwork,
			Value: r.RemoteAddr,
			Extra: map[string]any{"user_agent": r.UserAgent()},
		},
		outcome, subjects, "middleware")
	event.WithTarget(map[string]string{"path": r.URL.Path})
	for key, value := range extra {
		event.WithExtra(key, value)
	}
	m.opts.Sink.Emit(r.Context(), event)
}

// fail writes the error response mapped from the taxonomy, never leaking
// whether a credential exists versus expired.
func (m *Middleware) fail(w http.ResponseWriter, r *http.Request, user *identity.UserContext, err error) {
	kind := errors.TypeOf(err)
	switch kind {
	case errors.ErrTamper:
		m.emit(r, audit.EventTypeTamper, audit.OutcomeFailure, user, nil)
		writeError(w, http.StatusUnauthorized, "unauthorized", "credential is invalid")
	case errors.ErrUnauthorized:
		m.emit(r, audit.EventTypeAuthFailure, audit.OutcomeFailure, user, nil)
		w.Header().Set("WWW-Authenticate", `Bearer realm="mxcp"`)
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
	case errors.ErrForbidden, errors.ErrAccessDenied:
		writeError(w, http.StatusForbidden, "access_denied", "access denied")
	case errors.ErrDownstreamUnavailable:
		writeError(w, http.StatusServiceUnavailable, "downstream_unavailable", "a required downstream token could not be obtained")
	case errors.ErrProviderError:
		writeError(w, http.StatusBadGateway, "provider_error", "identity provider unavailable")
	default:
		logger.Errorw("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{ //nolint:errcheck // best-effort response body
		"error":             code,
		"error_description": description,
	})
}

func writeScopeError(w http.ResponseWriter, missing string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	json.NewEncoder(w).Encode(map[string]string{ //nolint:errcheck // best-effort response body
		"error":         "forbidden",
		"missing_scope": missing,
	})
}
