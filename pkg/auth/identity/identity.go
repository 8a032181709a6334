// Package identity defines the per-request identity projection and its
// context plumbing. There is no ambient "current user": the UserContext is
// threaded explicitly through request contexts by the auth middleware.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// UserContext is the identity projection handed to the endpoint layer and
// the policy engine. It is constructed at authentication time, cached in the
// session, and immutable for the session's life; a refresh replaces it
// wholesale.
type UserContext struct {
	// UserID is the stable identifier asserted by the provider.
	UserID string `json:"user_id"`

	// Name is the human-readable display name.
	Name string `json:"name"`

	// Email is the email address, if the provider asserted one.
	Email string `json:"email,omitempty"`

	// Provider names the adapter that authenticated this user.
	Provider string `json:"provider"`

	// MXCPScopes is the internal entitlement set derived by the scope
	// mapper.
	MXCPScopes []string `json:"mxcp_scopes"`

	// ProviderScopesGranted records, per provider, the scopes the IdP
	// actually granted.
	ProviderScopesGranted map[string][]string `json:"provider_scopes_granted"`

	// Profile is the restricted subset of the raw provider profile exposed
	// to policies. The full profile stays encrypted in the session.
	Profile map[string]any `json:"profile,omitempty"`

	// IssuedAt records when this projection was built.
	IssuedAt time.Time `json:"issued_at"`
}

// HasScope reports whether the user holds the given MXCP scope.
func (u *UserContext) HasScope(scope string) bool {
	return u != nil && slices.Contains(u.MXCPScopes, scope)
}

// PolicyDict renders the dictionary shape consumed by the policy engine.
func (u *UserContext) PolicyDict() map[string]any {
	if u == nil {
		return map[string]any{"user_id": nil, "mxcp_scopes": []string{}}
	}
	scopes := make(map[string][]string, len(u.ProviderScopesGranted))
	for provider, granted := range u.ProviderScopesGranted {
		scopes[provider] = slices.Clone(granted)
	}
	return map[string]any{
		"user_id":                 u.UserID,
		"name":                    u.Name,
		"email":                   u.Email,
		"provider":                u.Provider,
		"mxcp_scopes":             slices.Clone(u.MXCPScopes),
		"provider_scopes_granted": scopes,
	}
}

// String redacts nothing because UserContext holds no credentials, but keeps
// output to the stable id so logs stay PII-light.
func (u *UserContext) String() string {
	if u == nil {
		return "<nil>"
	}
	return fmt.Sprintf("UserContext{UserID:%q, Provider:%q}", u.UserID, u.Provider)
}

// MarshalJSON limits the profile to already-restricted fields; it exists so
// a future field carrying sensitive material cannot leak by default.
func (u *UserContext) MarshalJSON() ([]byte, error) {
	type wire UserContext
	return json.Marshal((*wire)(u))
}

// userContextKey is the context key for the authenticated user. An empty
// struct type cannot collide with keys from other packages.
type userContextKey struct{}

// providerTokensKey is the context key for resolved downstream tokens.
type providerTokensKey struct{}

// WithUserContext stores a UserContext in the request context. A nil user
// returns the context unchanged.
func WithUserContext(ctx context.Context, user *UserContext) context.Context {
	if user == nil {
		return ctx
	}
	return context.WithValue(ctx, userContextKey{}, user)
}

// FromContext retrieves the authenticated UserContext, if any.
func FromContext(ctx context.Context) (*UserContext, bool) {
	user, ok := ctx.Value(userContextKey{}).(*UserContext)
	return user, ok
}

// ProviderToken is a downstream provider token resolved for the request.
type ProviderToken struct {
	// AccessToken is the raw downstream token. Never logged.
	AccessToken string
	// TokenType is the token type hint, usually "Bearer".
	TokenType string
	// ExpiresAt is the token expiry.
	ExpiresAt time.Time
}

// String redacts the token.
func (t *ProviderToken) String() string {
	if t == nil {
		return "<nil>"
	}
	return fmt.Sprintf("ProviderToken{TokenType:%q, ExpiresAt:%s}", t.TokenType, t.ExpiresAt.Format(time.RFC3339))
}

// TokenKey identifies a resolved downstream token in the request context.
type TokenKey struct {
	Provider string
	Audience string
}

// WithProviderTokens attaches resolved downstream tokens to the context.
func WithProviderTokens(ctx context.Context, toks map[TokenKey]*ProviderToken) context.Context {
	if len(toks) == 0 {
		return ctx
	}
	return context.WithValue(ctx, providerTokensKey{}, toks)
}

// ProviderTokenFromContext returns the downstream token for a provider and
// audience, if the middleware resolved one. An empty audience matches a
// token stored without one.
func ProviderTokenFromContext(ctx context.Context, provider, audience string) (*ProviderToken, bool) {
	toks, ok := ctx.Value(providerTokensKey{}).(map[TokenKey]*ProviderToken)
	if !ok {
		return nil, false
	}
	tok, ok := toks[TokenKey{Provider: provider, Audience: audience}]
	return tok, ok
}
