package providers

import (
	"context"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/raw-labs/mxcp/pkg/errors"
)

// Deterministic inputs the test adapter recognizes.
const (
	// TestCodeOK is the only authorization code the test adapter accepts.
	TestCodeOK = "TEST_CODE_OK"

	// TestRefreshOK is the only refresh token the test adapter accepts.
	TestRefreshOK = "TEST_REFRESH_OK"

	// TestAccessToken is the provider access token the adapter issues.
	TestAccessToken = "TEST_PROVIDER_ACCESS"

	// TestSubject is the fixed user id.
	TestSubject = "test-user-1"
)

// TestAdapter is the deterministic IdP double used by flow tests. It
// performs no network calls: the known code succeeds with fixed results,
// everything else is rejected.
type TestAdapter struct {
	// GrantedScopes are returned on every successful exchange.
	GrantedScopes []string

	// Groups and Roles are injected into the fixed profile.
	Groups []string
	Roles  []string

	// TokenTTL is the provider token lifetime. Defaults to one hour.
	TokenTTL time.Duration

	// FailExchange forces ExchangeToken to fail, for downstream error
	// tests.
	FailExchange bool

	// ExchangeCalls counts ExchangeToken invocations, for dedup tests.
	ExchangeCalls atomic.Int32

	// LastCodeVerifier records the PKCE verifier presented at the most
	// recent code exchange, for handshake assertions.
	LastCodeVerifier string
}

var (
	_ Adapter        = (*TestAdapter)(nil)
	_ TokenExchanger = (*TestAdapter)(nil)
	_ Verifier       = (*TestAdapter)(nil)
)

// NewTestAdapter returns a double granting the given provider scopes.
func NewTestAdapter(grantedScopes ...string) *TestAdapter {
	return &TestAdapter{GrantedScopes: grantedScopes}
}

// Name implements Adapter.
func (*TestAdapter) Name() string { return "test" }

func (a *TestAdapter) ttl() time.Duration {
	if a.TokenTTL > 0 {
		return a.TokenTTL
	}
	return time.Hour
}

func (a *TestAdapter) profile() *Profile {
	return &Profile{
		Subject: TestSubject,
		Name:    "Test User",
		Email:   "test-user@example.com",
		Groups:  a.Groups,
		Roles:   a.Roles,
		Raw: map[string]any{
			"sub":   TestSubject,
			"name":  "Test User",
			"email": "test-user@example.com",
		},
	}
}

func (a *TestAdapter) grant() *GrantResult {
	return &GrantResult{
		AccessToken:   TestAccessToken,
		RefreshToken:  TestRefreshOK,
		TokenType:     "Bearer",
		ExpiresAt:     time.Now().UTC().Add(a.ttl()),
		GrantedScopes: append([]string(nil), a.GrantedScopes...),
		Profile:       a.profile(),
	}
}

// BuildAuthorizeURL implements Adapter with a recognizable fake endpoint.
func (*TestAdapter) BuildAuthorizeURL(callbackURL, stateID string, requestedScopes []string, pkceChallenge string, _ map[string]string) string {
	query := url.Values{
		"response_type": {"code"},
		"redirect_uri":  {callbackURL},
		"state":         {stateID},
	}
	if len(requestedScopes) > 0 {
		query.Set("scope", strings.Join(requestedScopes, " "))
	}
	if pkceChallenge != "" {
		query.Set("code_challenge", pkceChallenge)
	}
	return "https://idp.test/authorize?" + query.Encode()
}

// ExchangeCode implements Adapter.
func (a *TestAdapter) ExchangeCode(_ context.Context, code, _, pkceVerifier string) (*GrantResult, error) {
	a.LastCodeVerifier = pkceVerifier
	if code != TestCodeOK {
		return nil, errors.Newf(errors.ErrInvalidGrant, "unknown authorization code")
	}
	return a.grant(), nil
}

// RefreshToken implements Adapter.
func (a *TestAdapter) RefreshToken(_ context.Context, refreshToken string, _ []string) (*GrantResult, error) {
	if refreshToken != TestRefreshOK {
		return nil, errors.Newf(errors.ErrInvalidGrant, "unknown refresh token")
	}
	return a.grant(), nil
}

// FetchUserInfo implements Adapter.
func (a *TestAdapter) FetchUserInfo(_ context.Context, accessToken string) (*Profile, error) {
	if accessToken != TestAccessToken {
		return nil, errors.Newf(errors.ErrUnauthorized, "unknown access token")
	}
	return a.profile(), nil
}

// Revoke implements Adapter.
func (*TestAdapter) Revoke(_ context.Context, token, _ string) bool {
	return token == TestAccessToken || token == TestRefreshOK
}

// VerifyToken implements Verifier so the double also serves verifier-mode
// tests.
func (a *TestAdapter) VerifyToken(_ context.Context, rawToken string) (*GrantResult, error) {
	if rawToken != TestAccessToken {
		return nil, errors.Newf(errors.ErrUnauthorized, "token validation failed")
	}
	return a.grant(), nil
}

// ExchangeToken implements TokenExchanger.
func (a *TestAdapter) ExchangeToken(_ context.Context, subjectToken, audience, _ string, _ []string) (*GrantResult, error) {
	a.ExchangeCalls.Add(1)
	if a.FailExchange {
		return nil, errors.Newf(errors.ErrDownstreamUnavailable, "token exchange rejected")
	}
	if subjectToken != TestAccessToken {
		return nil, errors.Newf(errors.ErrDownstreamUnavailable, "unknown subject token")
	}
	return &GrantResult{
		AccessToken: "TEST_DOWNSTREAM_" + audience,
		TokenType:   "Bearer",
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	}, nil
}
