// SPDX-FileCopyrightText: Copyright 2026 RAW Labs SA
// SPDX-License-Identifier: Apache-2.0

// Package exchange fulfills scope requirements by obtaining downstream
// provider tokens through RFC 8693 token exchange, with per-key
// deduplication and session-level caching.
package exchange

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/raw-labs/mxcp/pkg/auth/identity"
	"github.com/raw-labs/mxcp/pkg/auth/providers"
	"github.com/raw-labs/mxcp/pkg/auth/scopes"
	"github.com/raw-labs/mxcp/pkg/auth/store"
	"github.com/raw-labs/mxcp/pkg/errors"
	"github.com/raw-labs/mxcp/pkg/logger"
)

// minLifetime is the guard below which a cached downstream token is
// re-exchanged instead of returned.
const minLifetime = 30 * time.Second

// Broker obtains and caches downstream provider tokens.
type Broker struct {
	requirements scopes.Requirements
	adapters     map[string]providers.TokenExchanger
	store        store.TokenStore
	group        singleflight.Group
	now          func() time.Time
}

// NewBroker builds a broker over the configured scope requirements. Only
// adapters implementing token exchange participate.
func NewBroker(requirements scopes.Requirements, adapters map[string]providers.TokenExchanger, tokenStore store.TokenStore) *Broker {
	return &Broker{
		requirements: requirements,
		adapters:     adapters,
		store:        tokenStore,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the broker clock. Test helper.
func (b *Broker) SetClock(now func() time.Time) { b.now = now }

// Requirement returns the downstream declaration for an MXCP scope, if any.
func (b *Broker) Requirement(mxcpScope string) (scopes.Requirement, bool) {
	req, ok := b.requirements[mxcpScope]
	return req, ok
}

// EnsureDownstreamToken returns a fresh downstream token for the MXCP
// scope, exchanging the session's subject token when the cache is empty or
// near expiry. Concurrent requests for the same (session, provider,
// audience) are deduplicated so only one exchange executes.
func (b *Broker) EnsureDownstreamToken(ctx context.Context, session *store.Session, mxcpScope string) (*identity.ProviderToken, error) {
	req, ok := b.requirements[mxcpScope]
	if !ok {
		return nil, errors.Newf(errors.ErrInternal, "scope %q has no downstream requirement", mxcpScope)
	}

	key := identity.TokenKey{Provider: req.Provider, Audience: req.Audience}

	// Fast path: a cached token with comfortable lifetime left.
	if cached, ok := session.Downstream[key]; ok && !cached.IsExpired(b.now().Add(minLifetime)) {
		return &identity.ProviderToken{
			AccessToken: cached.AccessToken,
			TokenType:   cached.TokenType,
			ExpiresAt:   cached.ExpiresAt,
		}, nil
	}

	flightKey := fmt.Sprintf("%s|%s|%s", session.ID, req.Provider, req.Audience)
	result, err, _ := b.group.Do(flightKey, func() (any, error) {
		return b.exchange(ctx, session, req, key)
	})
	if err != nil {
		return nil, err
	}
	return result.(*identity.ProviderToken), nil
}

func (b *Broker) exchange(ctx context.Context, session *store.Session, req scopes.Requirement, key identity.TokenKey) (*identity.ProviderToken, error) {
	// Re-read the session: a concurrent exchange on another node (or a
	// just-finished flight) may already have cached the token.
	fresh, err := b.store.GetSessionByID(ctx, session.ID)
	if err == nil {
		if cached, ok := fresh.Downstream[key]; ok && !cached.IsExpired(b.now().Add(minLifetime)) {
			return &identity.ProviderToken{
				AccessToken: cached.AccessToken,
				TokenType:   cached.TokenType,
				ExpiresAt:   cached.ExpiresAt,
			}, nil
		}
		session = fresh
	}

	adapter, ok := b.adapters[req.Provider]
	if !ok {
		return nil, errors.Newf(errors.ErrDownstreamUnavailable, "provider %q does not support token exchange", req.Provider)
	}
	grant, ok := session.GrantFor(req.Provider)
	if !ok {
		return nil, errors.Newf(errors.ErrDownstreamUnavailable, "session holds no grant for provider %q", req.Provider)
	}
	if grant.IsExpired(b.now()) {
		return nil, errors.Newf(errors.ErrDownstreamUnavailable, "subject token for provider %q has expired", req.Provider)
	}

	result, err := adapter.ExchangeToken(ctx, grant.AccessToken, req.Audience, req.Resource, nil)
	if err != nil {
		if errors.TypeOf(err) == errors.ErrDownstreamUnavailable {
			return nil, err
		}
		return nil, errors.NewError(errors.ErrDownstreamUnavailable, "token exchange failed", err)
	}

	session.Downstream[key] = &store.DownstreamToken{
		AccessToken: result.AccessToken,
		TokenType:   result.TokenType,
		ExpiresAt:   result.ExpiresAt,
		Scopes:      result.GrantedScopes,
	}
	if err := b.store.PutSession(ctx, session); err != nil {
		// The exchanged token is still valid for this request even if the
		// cache write failed; the next request simply exchanges again.
		logger.Warnw("failed to cache downstream token", "sessionID", session.ID, "provider", req.Provider, "error", err)
	}

	logger.Debugw("downstream token exchanged",
		"sessionID", session.ID, "provider", req.Provider, "audience", req.Audience)
	return &identity.ProviderToken{
		AccessToken: result.AccessToken,
		TokenType:   result.TokenType,
		ExpiresAt:   result.ExpiresAt,
	}, nil
}
