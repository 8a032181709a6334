// SPDX-FileCopyrightText: Copyright 2026 RAW Labs SA
// SPDX-License-Identifier: Apache-2.0

// Tests use the withEachStore helper which calls t.Parallel() internally,
// running the conformance suite against every TokenStore implementation.
//
//nolint:paralleltest // parallel execution handled by withEachStore helper
package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raw-labs/mxcp/pkg/auth/identity"
	"github.com/raw-labs/mxcp/pkg/auth/tokens"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

// clockStore is the subset of store implementations with injectable clocks.
type clockStore interface {
	TokenStore
	SetClock(func() time.Time)
}

type storeFactory struct {
	name string
	make func(t *testing.T) clockStore
}

func storeFactories() []storeFactory {
	return []storeFactory{
		{
			name: "memory",
			make: func(_ *testing.T) clockStore { return NewMemoryStore() },
		},
		{
			name: "sqlite",
			make: func(t *testing.T) clockStore {
				t.Helper()
				s, err := OpenSQLite(context.Background(), SQLiteOptions{
					Path:          filepath.Join(t.TempDir(), "auth.db"),
					EncryptionKey: testKey,
				})
				require.NoError(t, err)
				t.Cleanup(func() { _ = s.Close() })
				return s
			},
		},
		{
			name: "redis",
			make: func(t *testing.T) clockStore {
				t.Helper()
				mr := miniredis.RunT(t)
				client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
				s, err := NewRedisStore(client, "test:auth:", testKey)
				require.NoError(t, err)
				t.Cleanup(func() { _ = s.Close() })
				return s
			},
		},
	}
}

func withEachStore(t *testing.T, fn func(t *testing.T, ctx context.Context, s clockStore)) {
	t.Helper()
	for _, factory := range storeFactories() {
		factory := factory
		t.Run(factory.name, func(t *testing.T) {
			t.Parallel()
			fn(t, context.Background(), factory.make(t))
		})
	}
}

func testSession(id string) *Session {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Session{
		ID:                 id,
		TokenFingerprint:   tokens.Fingerprint("mcp_at_" + id),
		RefreshFingerprint: tokens.Fingerprint("mcp_rt_" + id),
		ClientID:           "cli-1",
		IssuedAt:           now,
		ExpiresAt:          now.Add(time.Hour),
		IdleTimeoutAt:      now.Add(30 * time.Minute),
		User: identity.UserContext{
			UserID:     "user-" + id,
			Name:       "Test User",
			Email:      "user@example.com",
			Provider:   "test",
			MXCPScopes: []string{"tools.read"},
			ProviderScopesGranted: map[string][]string{
				"test": {"openid", "tools_read"},
			},
			IssuedAt: now,
		},
		MXCPScopes: []string{"tools.read"},
		Grants: map[string]*ProviderGrant{
			"test": {
				Provider:      "test",
				AccessToken:   "provider-access-" + id,
				RefreshToken:  "provider-refresh-" + id,
				ExpiresAt:     now.Add(time.Hour),
				RawClaims:     map[string]any{"sub": "user-" + id},
				GrantedScopes: []string{"openid", "tools_read"},
				Subject:       "user-" + id,
			},
		},
		Downstream: map[identity.TokenKey]*DownstreamToken{},
	}
}

func TestSessionRoundTrip(t *testing.T) {
	withEachStore(t, func(t *testing.T, ctx context.Context, s clockStore) {
		session := testSession("s1")
		require.NoError(t, s.PutSession(ctx, session))

		got, err := s.GetSessionByTokenFingerprint(ctx, session.TokenFingerprint)
		require.NoError(t, err)
		assert.Equal(t, session.ID, got.ID)
		assert.Equal(t, session.User.UserID, got.User.UserID)
		assert.Equal(t, session.MXCPScopes, got.MXCPScopes)

		grant, ok := got.GrantFor("test")
		require.True(t, ok)
		assert.Equal(t, "provider-access-s1", grant.AccessToken)
		assert.Equal(t, "provider-refresh-s1", grant.RefreshToken)
		assert.Equal(t, []string{"openid", "tools_read"}, grant.GrantedScopes)
		assert.Equal(t, "user-s1", grant.RawClaims["sub"])

		byRefresh, err := s.GetSessionByRefreshFingerprint(ctx, session.RefreshFingerprint)
		require.NoError(t, err)
		assert.Equal(t, session.ID, byRefresh.ID)

		byID, err := s.GetSessionByID(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, session.TokenFingerprint, byID.TokenFingerprint)
	})
}

func TestSessionNotFound(t *testing.T) {
	withEachStore(t, func(t *testing.T, ctx context.Context, s clockStore) {
		_, err := s.GetSessionByTokenFingerprint(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetSessionByID(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.DeleteSession(ctx, "nope"), ErrNotFound)
	})
}

func TestRotateSessionTokens(t *testing.T) {
	withEachStore(t, func(t *testing.T, ctx context.Context, s clockStore) {
		session := testSession("s1")
		require.NoError(t, s.PutSession(ctx, session))

		now := time.Now().UTC()
		rotation := Rotation{
			OldRefreshFingerprint: session.RefreshFingerprint,
			NewTokenFingerprint:   tokens.Fingerprint("mcp_at_new"),
			NewRefreshFingerprint: tokens.Fingerprint("mcp_rt_new"),
			NewExpiresAt:          now.Add(2 * time.Hour),
			NewIdleTimeoutAt:      now.Add(time.Hour),
		}
		require.NoError(t, s.RotateSessionTokens(ctx, session.ID, rotation))

		// The old access fingerprint no longer resolves.
		_, err := s.GetSessionByTokenFingerprint(ctx, session.TokenFingerprint)
		assert.ErrorIs(t, err, ErrNotFound)

		// The new one does, same session id.
		got, err := s.GetSessionByTokenFingerprint(ctx, rotation.NewTokenFingerprint)
		require.NoError(t, err)
		assert.Equal(t, session.ID, got.ID)

		// A second rotation with the stale refresh fingerprint conflicts.
		err = s.RotateSessionTokens(ctx, session.ID, rotation)
		assert.ErrorIs(t, err, ErrConflict)

		// Rotating a missing session reports not found.
		err = s.RotateSessionTokens(ctx, "missing", rotation)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestConcurrentRotationSingleWinner(t *testing.T) {
	withEachStore(t, func(t *testing.T, ctx context.Context, s clockStore) {
		session := testSession("s1")
		require.NoError(t, s.PutSession(ctx, session))

		const attempts = 8
		errs := make([]error, attempts)
		var wg sync.WaitGroup
		for i := 0; i < attempts; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = s.RotateSessionTokens(ctx, session.ID, Rotation{
					OldRefreshFingerprint: session.RefreshFingerprint,
					NewTokenFingerprint:   tokens.Fingerprint("mcp_at_winner"),
					NewRefreshFingerprint: tokens.Fingerprint("mcp_rt_winner"),
					NewExpiresAt:          time.Now().UTC().Add(time.Hour),
				})
			}()
		}
		wg.Wait()

		winners := 0
		for _, err := range errs {
			if err == nil {
				winners++
			} else {
				assert.ErrorIs(t, err, ErrConflict)
			}
		}
		assert.Equal(t, 1, winners)
	})
}

func TestSessionExpiry(t *testing.T) {
	withEachStore(t, func(t *testing.T, ctx context.Context, s clockStore) {
		base := time.Now().UTC()
		session := testSession("s1")
		session.ExpiresAt = base.Add(time.Hour)
		session.IdleTimeoutAt = time.Time{}
		require.NoError(t, s.PutSession(ctx, session))

		// One nanosecond before expiry the session resolves.
		s.SetClock(func() time.Time { return session.ExpiresAt.Add(-time.Nanosecond) })
		_, err := s.GetSessionByTokenFingerprint(ctx, session.TokenFingerprint)
		require.NoError(t, err)

		// One nanosecond after, it is gone and stays gone.
		s.SetClock(func() time.Time { return session.ExpiresAt.Add(time.Nanosecond) })
		_, err = s.GetSessionByTokenFingerprint(ctx, session.TokenFingerprint)
		assert.ErrorIs(t, err, ErrExpired)

		// A backward clock adjustment does not resurrect it.
		s.SetClock(func() time.Time { return base })
		_, err = s.GetSessionByTokenFingerprint(ctx, session.TokenFingerprint)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestIdleTimeout(t *testing.T) {
	withEachStore(t, func(t *testing.T, ctx context.Context, s clockStore) {
		base := time.Now().UTC()
		session := testSession("s1")
		session.ExpiresAt = base.Add(24 * time.Hour)
		session.IdleTimeoutAt = base.Add(10 * time.Minute)
		require.NoError(t, s.PutSession(ctx, session))

		// Touch advances the idle deadline.
		require.NoError(t, s.TouchSession(ctx, session.ID, base.Add(20*time.Minute)))

		s.SetClock(func() time.Time { return base.Add(15 * time.Minute) })
		_, err := s.GetSessionByID(ctx, session.ID)
		require.NoError(t, err)

		s.SetClock(func() time.Time { return base.Add(21 * time.Minute) })
		_, err = s.GetSessionByID(ctx, session.ID)
		assert.ErrorIs(t, err, ErrExpired)
	})
}

func testState(id string, expiresAt time.Time) *OAuthState {
	return &OAuthState{
		ID:                  id,
		CodeChallenge:       "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CodeChallengeMethod: "S256",
		ProviderVerifier:    "provider-verifier-" + id,
		ClientID:            "cli-1",
		RedirectURI:         "https://app.example/cb",
		ClientState:         "abc",
		RequestedScopes:     []string{"openid", "tools_read"},
		Provider:            "test",
		CreatedAt:           time.Now().UTC(),
		ExpiresAt:           expiresAt,
	}
}

func TestConsumeStateOnce(t *testing.T) {
	withEachStore(t, func(t *testing.T, ctx context.Context, s clockStore) {
		state := testState("st1", time.Now().UTC().Add(5*time.Minute))
		require.NoError(t, s.PutState(ctx, state))

		got, err := s.ConsumeState(ctx, "st1")
		require.NoError(t, err)
		assert.Equal(t, "abc", got.ClientState)
		assert.Equal(t, []string{"openid", "tools_read"}, got.RequestedScopes)
		assert.Equal(t, "provider-verifier-st1", got.ProviderVerifier)

		_, err = s.ConsumeState(ctx, "st1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestConsumeStateConcurrent(t *testing.T) {
	withEachStore(t, func(t *testing.T, ctx context.Context, s clockStore) {
		state := testState("st1", time.Now().UTC().Add(5*time.Minute))
		require.NoError(t, s.PutState(ctx, state))

		const callers = 16
		results := make([]error, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, results[i] = s.ConsumeState(ctx, "st1")
			}()
		}
		wg.Wait()

		winners := 0
		for _, err := range results {
			if err == nil {
				winners++
			}
		}
		assert.Equal(t, 1, winners, "exactly one concurrent consumer must win")
	})
}

func TestConsumeStateExpiry(t *testing.T) {
	withEachStore(t, func(t *testing.T, ctx context.Context, s clockStore) {
		expiry := time.Now().UTC().Add(time.Minute)
		require.NoError(t, s.PutState(ctx, testState("st1", expiry)))
		require.NoError(t, s.PutState(ctx, testState("st2", expiry)))

		s.SetClock(func() time.Time { return expiry.Add(-time.Nanosecond) })
		_, err := s.ConsumeState(ctx, "st1")
		require.NoError(t, err)

		s.SetClock(func() time.Time { return expiry.Add(time.Nanosecond) })
		_, err = s.ConsumeState(ctx, "st2")
		assert.ErrorIs(t, err, ErrExpired)
	})
}

func testAuthCode(fp string, expiresAt time.Time) *AuthorizationCode {
	return &AuthorizationCode{
		Fingerprint:         fp,
		SessionID:           "s1",
		ClientID:            "cli-1",
		RedirectURI:         "https://app.example/cb",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		CreatedAt:           time.Now().UTC(),
		ExpiresAt:           expiresAt,
	}
}

func TestConsumeAuthCode(t *testing.T) {
	withEachStore(t, func(t *testing.T, ctx context.Context, s clockStore) {
		code := testAuthCode("fp1", time.Now().UTC().Add(time.Minute))
		require.NoError(t, s.PutAuthCode(ctx, code))

		got, err := s.ConsumeAuthCode(ctx, "fp1")
		require.NoError(t, err)
		assert.Equal(t, "s1", got.SessionID)
		assert.Equal(t, "cli-1", got.ClientID)

		_, err = s.ConsumeAuthCode(ctx, "fp1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestConsumeAuthCodeConcurrent(t *testing.T) {
	withEachStore(t, func(t *testing.T, ctx context.Context, s clockStore) {
		require.NoError(t, s.PutAuthCode(ctx, testAuthCode("fp1", time.Now().UTC().Add(time.Minute))))

		const callers = 16
		var wg sync.WaitGroup
		winners := make(chan struct{}, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.ConsumeAuthCode(ctx, "fp1"); err == nil {
					winners <- struct{}{}
				}
			}()
		}
		wg.Wait()
		close(winners)

		count := 0
		for range winners {
			count++
		}
		assert.Equal(t, 1, count)
	})
}

func TestClients(t *testing.T) {
	withEachStore(t, func(t *testing.T, ctx context.Context, s clockStore) {
		client := &ClientRegistration{
			ClientID:      "cli-1",
			RedirectURIs:  []string{"https://app.example/cb"},
			GrantTypes:    []string{"authorization_code", "refresh_token"},
			AllowedScopes: []string{"openid", "tools_read"},
			Public:        true,
		}
		require.NoError(t, s.PutClient(ctx, client))

		got, err := s.GetClient(ctx, "cli-1")
		require.NoError(t, err)
		assert.Equal(t, client.RedirectURIs, got.RedirectURIs)
		assert.True(t, got.Public)
		assert.True(t, got.AllowsRedirect("https://app.example/cb"))
		assert.False(t, got.AllowsRedirect("https://evil.example/cb"))
		assert.True(t, got.AllowsGrantType("refresh_token"))
		assert.False(t, got.AllowsGrantType("client_credentials"))

		_, err = s.GetClient(ctx, "other")
		assert.ErrorIs(t, err, ErrNotFound)

		list, err := s.ListClients(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "cli-1", list[0].ClientID)
	})
}

func TestSweepExpired(t *testing.T) {
	// Memory and SQLite sweep every record type; Redis delegates handshake
	// records to native TTLs, so only the session half applies there.
	for _, factory := range storeFactories()[:2] {
		factory := factory
		t.Run(factory.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := factory.make(t)

			base := time.Now().UTC()
			live := testSession("live")
			live.ExpiresAt = base.Add(time.Hour)
			dead := testSession("dead")
			dead.ExpiresAt = base.Add(time.Minute)
			dead.IdleTimeoutAt = time.Time{}
			require.NoError(t, s.PutSession(ctx, live))
			require.NoError(t, s.PutSession(ctx, dead))
			require.NoError(t, s.PutState(ctx, testState("st-dead", base.Add(time.Minute))))
			require.NoError(t, s.PutAuthCode(ctx, testAuthCode("fp-dead", base.Add(time.Minute))))

			s.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
			result, err := s.SweepExpired(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"dead"}, result.Sessions)
			assert.Equal(t, []string{"st-dead"}, result.States)
			assert.Equal(t, []string{"fp-dead"}, result.AuthCodes)

			s.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
			_, err = s.GetSessionByID(ctx, "live")
			require.NoError(t, err)
		})
	}
}

func TestDownstreamTokensPersist(t *testing.T) {
	withEachStore(t, func(t *testing.T, ctx context.Context, s clockStore) {
		session := testSession("s1")
		session.Downstream[identity.TokenKey{Provider: "idp-a", Audience: "reports-svc"}] = &DownstreamToken{
			AccessToken: "downstream-token",
			TokenType:   "Bearer",
			ExpiresAt:   time.Now().UTC().Add(time.Hour),
			Scopes:      []string{"reports"},
		}
		require.NoError(t, s.PutSession(ctx, session))

		got, err := s.GetSessionByID(ctx, session.ID)
		require.NoError(t, err)
		tok, ok := got.Downstream[identity.TokenKey{Provider: "idp-a", Audience: "reports-svc"}]
		require.True(t, ok)
		assert.Equal(t, "downstream-token", tok.AccessToken)
		assert.Equal(t, []string{"reports"}, tok.Scopes)
	})
}
