// SPDX-FileCopyrightText: Copyright 2026 RAW Labs SA
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raw-labs/mxcp/pkg/auth/providers"
	"github.com/raw-labs/mxcp/pkg/auth/scopes"
	"github.com/raw-labs/mxcp/pkg/auth/session"
	"github.com/raw-labs/mxcp/pkg/auth/store"
)

const (
	testClientID    = "cli-1"
	testRedirectURI = "https://app.example/cb"

	// RFC 7636 Appendix B pair.
	pkceVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	pkceChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	memStore := store.NewMemoryStore()
	require.NoError(t, memStore.PutClient(context.Background(), &store.ClientRegistration{
		ClientID:     testClientID,
		RedirectURIs: []string{testRedirectURI},
		GrantTypes:   []string{"authorization_code", "refresh_token"},
		Public:       true,
	}))

	manager := session.NewManager(memStore,
		map[string]providers.Adapter{"test": providers.NewTestAdapter("tools_read")},
		map[string]scopes.ClaimMappings{"test": {Scopes: map[string][]string{"tools_read": {"tools.read"}}}},
		nil,
		session.Config{CallbackURL: "https://mxcp.example/auth/callback"})

	router := chi.NewRouter()
	New(manager, "https://mxcp.example", []string{"tools.read"}).Register(router)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

// noRedirect returns a client that surfaces 302s instead of following them.
func noRedirect(server *httptest.Server) *http.Client {
	client := server.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return client
}

// runAuthorizeAndCallback drives the handshake to the point where the
// client holds an MXCP authorization code.
func runAuthorizeAndCallback(t *testing.T, server *httptest.Server) string {
	t.Helper()
	client := noRedirect(server)

	authorizeURL := server.URL + PathAuthorize +
		"?client_id=" + testClientID +
		"&redirect_uri=" + url.QueryEscape(testRedirectURI) +
		"&scope=" + url.QueryEscape("openid tools_read") +
		"&state=abc" +
		"&code_challenge=" + pkceChallenge +
		"&code_challenge_method=S256"

	resp, err := client.Get(authorizeURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	providerURL, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "idp.test", providerURL.Host)
	assert.Contains(t, providerURL.Query().Get("redirect_uri"), "/auth/callback")
	// The provider leg carries MXCP's own PKCE challenge, not the client's.
	assert.NotEqual(t, pkceChallenge, providerURL.Query().Get("code_challenge"))
	stateID := providerURL.Query().Get("state")
	require.NotEmpty(t, stateID)

	callbackURL := server.URL + PathCallback + "?code=" + providers.TestCodeOK + "&state=" + stateID
	resp2, err := client.Get(callbackURL)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusFound, resp2.StatusCode)

	clientRedirect, err := url.Parse(resp2.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "app.example", clientRedirect.Host)
	assert.Equal(t, "abc", clientRedirect.Query().Get("state"))
	code := clientRedirect.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func redeemCode(t *testing.T, server *httptest.Server, code, verifier string) (*http.Response, map[string]any) {
	t.Helper()
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"client_id":     {testClientID},
		"code_verifier": {verifier},
	}
	resp, err := server.Client().PostForm(server.URL+PathToken, form)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func TestHappyPathFlow(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)
	code := runAuthorizeAndCallback(t, server)

	resp, body := redeemCode(t, server, code, pkceVerifier)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	accessToken, _ := body["access_token"].(string)
	refreshToken, _ := body["refresh_token"].(string)
	assert.True(t, strings.HasPrefix(accessToken, "mcp_"))
	assert.True(t, strings.HasPrefix(refreshToken, "mcp_"))
	assert.Equal(t, "Bearer", body["token_type"])
	assert.Equal(t, float64(3600), body["expires_in"])
	assert.Equal(t, "tools.read", body["scope"])
}

func TestPKCEFailure(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)
	code := runAuthorizeAndCallback(t, server)

	resp, body := redeemCode(t, server, code, "wrong-verifier-wrong-verifier-wrong-verifier")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_grant", body["error"])
}

func TestCodeIsOneShot(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)
	code := runAuthorizeAndCallback(t, server)

	resp, _ := redeemCode(t, server, code, pkceVerifier)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, body2 := redeemCode(t, server, code, pkceVerifier)
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
	assert.Equal(t, "invalid_grant", body2["error"])
}

func TestRefreshFlow(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)
	code := runAuthorizeAndCallback(t, server)
	_, body := redeemCode(t, server, code, pkceVerifier)
	refreshToken, _ := body["refresh_token"].(string)

	form := url.Values{"grant_type": {"refresh_token"}, "refresh_token": {refreshToken}}
	resp, err := server.Client().PostForm(server.URL+PathToken, form)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var refreshed map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&refreshed))
	assert.NotEqual(t, body["access_token"], refreshed["access_token"])
	assert.NotEqual(t, refreshToken, refreshed["refresh_token"])

	// Replay of the old refresh token fails.
	resp2, err := server.Client().PostForm(server.URL+PathToken, form)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestConcurrentRefreshExactlyOneWins(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)
	code := runAuthorizeAndCallback(t, server)
	_, body := redeemCode(t, server, code, pkceVerifier)
	refreshToken, _ := body["refresh_token"].(string)

	form := url.Values{"grant_type": {"refresh_token"}, "refresh_token": {refreshToken}}
	statuses := make([]int, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := server.Client().PostForm(server.URL+PathToken, form)
			if err != nil {
				return
			}
			defer resp.Body.Close()
			statuses[i] = resp.StatusCode
		}()
	}
	wg.Wait()

	assert.ElementsMatch(t, []int{http.StatusOK, http.StatusBadRequest}, statuses)
}

func TestAuthorizeValidation(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)
	client := noRedirect(server)

	t.Run("missing client_id", func(t *testing.T) {
		t.Parallel()
		resp, err := client.Get(server.URL + PathAuthorize + "?redirect_uri=" + url.QueryEscape(testRedirectURI))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown client does not redirect", func(t *testing.T) {
		t.Parallel()
		resp, err := client.Get(server.URL + PathAuthorize +
			"?client_id=evil&redirect_uri=" + url.QueryEscape("https://evil.example/cb"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unsupported response_type redirects with error", func(t *testing.T) {
		t.Parallel()
		resp, err := client.Get(server.URL + PathAuthorize +
			"?client_id=" + testClientID +
			"&redirect_uri=" + url.QueryEscape(testRedirectURI) +
			"&response_type=token&state=xyz")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusFound, resp.StatusCode)
		location, _ := url.Parse(resp.Header.Get("Location"))
		assert.Equal(t, "unsupported_response_type", location.Query().Get("error"))
		assert.Equal(t, "xyz", location.Query().Get("state"))
	})
}

func TestCallbackValidation(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)
	client := noRedirect(server)

	t.Run("unknown state", func(t *testing.T) {
		t.Parallel()
		resp, err := client.Get(server.URL + PathCallback + "?code=x&state=unknown")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("provider error", func(t *testing.T) {
		t.Parallel()
		resp, err := client.Get(server.URL + PathCallback + "?error=access_denied&state=whatever")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestTokenEndpointValidation(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)

	t.Run("missing grant_type", func(t *testing.T) {
		t.Parallel()
		resp, err := server.Client().PostForm(server.URL+PathToken, url.Values{})
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unsupported grant_type", func(t *testing.T) {
		t.Parallel()
		resp, err := server.Client().PostForm(server.URL+PathToken,
			url.Values{"grant_type": {"client_credentials"}})
		require.NoError(t, err)
		defer resp.Body.Close()

		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "unsupported_grant_type", body["error"])
	})

	t.Run("unknown code", func(t *testing.T) {
		t.Parallel()
		resp, err := server.Client().PostForm(server.URL+PathToken, url.Values{
			"grant_type":   {"authorization_code"},
			"code":         {"mcp_ac_unknown"},
			"client_id":    {testClientID},
			"redirect_uri": {testRedirectURI},
		})
		require.NoError(t, err)
		defer resp.Body.Close()

		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "invalid_grant", body["error"])
		// The description must not reveal whether the code is expired or
		// unknown.
		assert.NotContains(t, body["error_description"], "expired")
		assert.NotContains(t, body["error_description"], "not found")
	})
}

func TestMetadata(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)

	resp, err := server.Client().Get(server.URL + PathMetadata)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(t, "https://mxcp.example", doc["issuer"])
	assert.Equal(t, "https://mxcp.example/auth/token", doc["token_endpoint"])
	assert.Contains(t, doc["grant_types_supported"], "authorization_code")
	assert.Contains(t, doc["grant_types_supported"], "refresh_token")
	assert.NotContains(t, doc, "registration_endpoint")
}
