// SPDX-FileCopyrightText: Copyright 2026 RAW Labs SA
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raw-labs/mxcp/pkg/auth/identity"
	"github.com/raw-labs/mxcp/pkg/auth/providers"
	"github.com/raw-labs/mxcp/pkg/auth/scopes"
	"github.com/raw-labs/mxcp/pkg/auth/store"
	"github.com/raw-labs/mxcp/pkg/errors"
)

func testRequirements() scopes.Requirements {
	return scopes.Requirements{
		"reports.view": {Provider: "test", Audience: "reports-svc", Resource: "urn:reports"},
	}
}

func sessionWithGrant(t *testing.T, s store.TokenStore) *store.Session {
	t.Helper()
	now := time.Now().UTC()
	session := &store.Session{
		ID:               "sess-1",
		TokenFingerprint: "fp-1",
		ClientID:         "cli-1",
		IssuedAt:         now,
		ExpiresAt:        now.Add(time.Hour),
		MXCPScopes:       []string{"reports.view"},
		Grants: map[string]*store.ProviderGrant{
			"test": {
				Provider:    "test",
				AccessToken: providers.TestAccessToken,
				ExpiresAt:   now.Add(time.Hour),
				Subject:     providers.TestSubject,
			},
		},
		Downstream: map[identity.TokenKey]*store.DownstreamToken{},
	}
	require.NoError(t, s.PutSession(context.Background(), session))
	return session
}

func TestEnsureDownstreamToken(t *testing.T) {
	t.Parallel()

	memStore := store.NewMemoryStore()
	adapter := providers.NewTestAdapter()
	broker := NewBroker(testRequirements(), map[string]providers.TokenExchanger{"test": adapter}, memStore)
	session := sessionWithGrant(t, memStore)

	tok, err := broker.EnsureDownstreamToken(context.Background(), session, "reports.view")
	require.NoError(t, err)
	assert.Equal(t, "TEST_DOWNSTREAM_reports-svc", tok.AccessToken)
	assert.Equal(t, int32(1), adapter.ExchangeCalls.Load())

	// The token is cached on the persisted session.
	persisted, err := memStore.GetSessionByID(context.Background(), session.ID)
	require.NoError(t, err)
	cached, ok := persisted.Downstream[identity.TokenKey{Provider: "test", Audience: "reports-svc"}]
	require.True(t, ok)
	assert.Equal(t, "TEST_DOWNSTREAM_reports-svc", cached.AccessToken)

	// A second call is served from the cache without another exchange.
	tok2, err := broker.EnsureDownstreamToken(context.Background(), persisted, "reports.view")
	require.NoError(t, err)
	assert.Equal(t, tok.AccessToken, tok2.AccessToken)
	assert.Equal(t, int32(1), adapter.ExchangeCalls.Load())
}

func TestEnsureDownstreamTokenDedupesConcurrent(t *testing.T) {
	t.Parallel()

	memStore := store.NewMemoryStore()
	adapter := providers.NewTestAdapter()
	broker := NewBroker(testRequirements(), map[string]providers.TokenExchanger{"test": adapter}, memStore)
	session := sessionWithGrant(t, memStore)

	const callers = 10
	results := make([]*identity.ProviderToken, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = broker.EnsureDownstreamToken(context.Background(), session.Clone(), "reports.view")
		}()
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "TEST_DOWNSTREAM_reports-svc", results[i].AccessToken)
	}
	assert.Equal(t, int32(1), adapter.ExchangeCalls.Load(), "concurrent callers must share one exchange")
}

func TestEnsureDownstreamTokenRefreshesNearExpiry(t *testing.T) {
	t.Parallel()

	memStore := store.NewMemoryStore()
	adapter := providers.NewTestAdapter()
	broker := NewBroker(testRequirements(), map[string]providers.TokenExchanger{"test": adapter}, memStore)
	session := sessionWithGrant(t, memStore)

	// Seed a cached token about to expire.
	session.Downstream[identity.TokenKey{Provider: "test", Audience: "reports-svc"}] = &store.DownstreamToken{
		AccessToken: "stale-token",
		TokenType:   "Bearer",
		ExpiresAt:   time.Now().UTC().Add(5 * time.Second),
	}
	require.NoError(t, memStore.PutSession(context.Background(), session))

	tok, err := broker.EnsureDownstreamToken(context.Background(), session, "reports.view")
	require.NoError(t, err)
	assert.Equal(t, "TEST_DOWNSTREAM_reports-svc", tok.AccessToken)
	assert.Equal(t, int32(1), adapter.ExchangeCalls.Load())
}

func TestEnsureDownstreamTokenFailures(t *testing.T) {
	t.Parallel()

	t.Run("no requirement", func(t *testing.T) {
		t.Parallel()
		memStore := store.NewMemoryStore()
		broker := NewBroker(scopes.Requirements{}, nil, memStore)
		session := sessionWithGrant(t, memStore)

		_, err := broker.EnsureDownstreamToken(context.Background(), session, "tools.read")
		require.Error(t, err)
		assert.Equal(t, errors.ErrInternal, errors.TypeOf(err))
	})

	t.Run("provider without exchange support", func(t *testing.T) {
		t.Parallel()
		memStore := store.NewMemoryStore()
		broker := NewBroker(testRequirements(), map[string]providers.TokenExchanger{}, memStore)
		session := sessionWithGrant(t, memStore)

		_, err := broker.EnsureDownstreamToken(context.Background(), session, "reports.view")
		require.Error(t, err)
		assert.Equal(t, errors.ErrDownstreamUnavailable, errors.TypeOf(err))
	})

	t.Run("exchange rejection surfaces downstream_unavailable", func(t *testing.T) {
		t.Parallel()
		memStore := store.NewMemoryStore()
		adapter := providers.NewTestAdapter()
		adapter.FailExchange = true
		broker := NewBroker(testRequirements(), map[string]providers.TokenExchanger{"test": adapter}, memStore)
		session := sessionWithGrant(t, memStore)

		_, err := broker.EnsureDownstreamToken(context.Background(), session, "reports.view")
		require.Error(t, err)
		assert.Equal(t, errors.ErrDownstreamUnavailable, errors.TypeOf(err))
	})

	t.Run("expired subject token", func(t *testing.T) {
		t.Parallel()
		memStore := store.NewMemoryStore()
		adapter := providers.NewTestAdapter()
		broker := NewBroker(testRequirements(), map[string]providers.TokenExchanger{"test": adapter}, memStore)
		session := sessionWithGrant(t, memStore)
		session.Grants["test"].ExpiresAt = time.Now().UTC().Add(-time.Minute)
		require.NoError(t, memStore.PutSession(context.Background(), session))

		_, err := broker.EnsureDownstreamToken(context.Background(), session, "reports.view")
		require.Error(t, err)
		assert.Equal(t, errors.ErrDownstreamUnavailable, errors.TypeOf(err))
	})
}
