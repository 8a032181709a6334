// Package providers encapsulates identity-provider specifics behind a
// uniform adapter interface. Concrete adapters cover the common OAuth code
// flow families (Google, GitHub, Keycloak, Atlassian, Salesforce), an OIDC
// verifier for resource-server deployments, a trusted-header proxy adapter,
// and a deterministic test double.
package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/raw-labs/mxcp/pkg/auth/scopes"
	"github.com/raw-labs/mxcp/pkg/errors"
	"github.com/raw-labs/mxcp/pkg/logger"
)

// UserAgent identifies MXCP to identity providers.
const UserAgent = "MXCP/1.0"

// defaultHTTPTimeout bounds every adapter network call that does not carry
// its own context deadline.
const defaultHTTPTimeout = 10 * time.Second

// GrantResult is a provider's answer to a code exchange, refresh, or token
// exchange.
type GrantResult struct {
	// AccessToken is the provider access token.
	AccessToken string

	// RefreshToken is the provider refresh token, if one was issued.
	RefreshToken string

	// TokenType is usually "Bearer".
	TokenType string

	// ExpiresAt is the provider token expiry.
	ExpiresAt time.Time

	// GrantedScopes are the scopes the provider actually granted.
	GrantedScopes []string

	// Profile is the user profile, when the exchange yielded one (ID token
	// claims or an immediate userinfo call). May be nil; callers fall back
	// to FetchUserInfo.
	Profile *Profile
}

// String redacts tokens.
func (g *GrantResult) String() string {
	if g == nil {
		return "<nil>"
	}
	return fmt.Sprintf("GrantResult{TokenType:%q, ExpiresAt:%s, GrantedScopes:%v}",
		g.TokenType, g.ExpiresAt.Format(time.RFC3339), g.GrantedScopes)
}

// Profile is the normalized user profile an adapter extracts from its IdP.
// Adapters flatten IdP-specific claim locations into Groups and Roles so the
// scope mapper stays provider-agnostic.
type Profile struct {
	// Subject is the stable user identifier asserted by the provider.
	Subject string

	// Name is the display name.
	Name string

	// Email is the email address, if asserted.
	Email string

	// Groups and Roles are normalized membership claims.
	Groups []string
	Roles  []string

	// Raw is the full claims document. Stored encrypted; exposed to the
	// scope mapper for claim-path matching.
	Raw map[string]any
}

// MapperInput renders the profile and a granted scope set into the shape
// the scope mapper consumes.
func (p *Profile) MapperInput(grantedScopes []string) scopes.Input {
	if p == nil {
		return scopes.Input{GrantedScopes: grantedScopes}
	}
	return scopes.Input{
		GrantedScopes: grantedScopes,
		Groups:        p.Groups,
		Roles:         p.Roles,
		RawClaims:     p.Raw,
	}
}

// Adapter is the uniform IdP interface. Implementations must be safe for
// concurrent use; every network call honors its context.
type Adapter interface {
	// Name returns the stable provider identifier.
	Name() string

	// BuildAuthorizeURL returns the provider authorize URL for a handshake.
	BuildAuthorizeURL(callbackURL, stateID string, requestedScopes []string, pkceChallenge string, extraParams map[string]string) string

	// ExchangeCode redeems an authorization code at the provider.
	ExchangeCode(ctx context.Context, code, callbackURL, pkceVerifier string) (*GrantResult, error)

	// RefreshToken refreshes a provider token.
	RefreshToken(ctx context.Context, refreshToken string, requestedScopes []string) (*GrantResult, error)

	// FetchUserInfo retrieves the user profile for an access token.
	FetchUserInfo(ctx context.Context, accessToken string) (*Profile, error)

	// Revoke revokes a token at the provider, best effort.
	Revoke(ctx context.Context, token, hint string) bool
}

// TokenExchanger is implemented by adapters whose IdP supports RFC 8693
// token exchange.
type TokenExchanger interface {
	// ExchangeToken trades a subject token for a downstream token scoped to
	// an audience and optional resource.
	ExchangeToken(ctx context.Context, subjectToken, audience, resource string, requestedScopes []string) (*GrantResult, error)
}

// classifyHTTPStatus maps a provider HTTP status onto the error taxonomy.
func classifyHTTPStatus(status int) errors.Type {
	switch {
	case status == http.StatusBadRequest:
		return errors.ErrInvalidGrant
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.ErrUnauthorized
	case status >= 500:
		return errors.ErrProviderError
	default:
		return errors.ErrProviderError
	}
}

// withRetry runs a provider call, retrying once with jitter when the
// failure class is transient. Anything else fails immediately.
func withRetry[T any](ctx context.Context, name string, fn func() (T, error)) (T, error) {
	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		result, err := fn()
		if err != nil && !errors.Retriable(err) {
			return result, backoff.Permanent(err)
		}
		if err != nil {
			logger.Debugw("provider call failed, retrying", "provider", name, "attempt", attempt)
		}
		return result, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(2),
	)
}

// newHTTPClient is the shared client constructor for adapters.
func newHTTPClient() *http.Client {
	return &http.Client{Timeout: defaultHTTPTimeout}
}
