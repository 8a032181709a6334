package providers

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/raw-labs/mxcp/pkg/errors"
	"github.com/raw-labs/mxcp/pkg/logger"
)

// maxResponseBodySize caps provider response bodies (1 MB).
const maxResponseBodySize = 1 << 20

// CodeFlowConfig parameterizes a standard OAuth 2.0 authorization-code
// adapter. The IdP families differ only in endpoints, scope-string
// conventions, and profile extraction, so each family is a constructor that
// fills this struct.
type CodeFlowConfig struct {
	// ProviderName is the stable adapter identifier.
	ProviderName string

	// ClientID and ClientSecret authenticate MXCP to the IdP.
	ClientID     string
	ClientSecret string

	// AuthURL, TokenURL, and UserInfoURL are the provider endpoints.
	AuthURL     string
	TokenURL    string
	UserInfoURL string

	// RevokeURL is the RFC 7009 revocation endpoint, if the IdP has one.
	RevokeURL string

	// DefaultScopes are requested when the caller supplies none.
	DefaultScopes []string

	// AuthParams are extra authorize-URL parameters (e.g. access_type).
	AuthParams map[string]string

	// NormalizeProfile flattens the IdP's userinfo document into a Profile.
	NormalizeProfile func(raw map[string]any) *Profile

	// GrantedScopes extracts the granted scope set from a token response.
	// The default splits the "scope" field on spaces.
	GrantedScopes func(tok *oauth2.Token) []string

	// SupportsTokenExchange enables RFC 8693 exchange at TokenURL.
	SupportsTokenExchange bool

	// HTTPClient overrides the default client, for tests.
	HTTPClient *http.Client
}

// CodeFlowAdapter implements Adapter for any OAuth 2.0 code-flow IdP.
type CodeFlowAdapter struct {
	cfg    CodeFlowConfig
	oauth  oauth2.Config
	client *http.Client
}

var _ Adapter = (*CodeFlowAdapter)(nil)

// NewCodeFlowAdapter builds an adapter from a filled config.
func NewCodeFlowAdapter(cfg CodeFlowConfig) (*CodeFlowAdapter, error) {
	if cfg.ProviderName == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.AuthURL == "" || cfg.TokenURL == "" {
		return nil, fmt.Errorf("authorization and token URLs are required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = newHTTPClient()
	}
	return &CodeFlowAdapter{
		cfg: cfg,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
			Scopes: cfg.DefaultScopes,
		},
		client: client,
	}, nil
}

// Name implements Adapter.
func (a *CodeFlowAdapter) Name() string { return a.cfg.ProviderName }

// BuildAuthorizeURL implements Adapter.
func (a *CodeFlowAdapter) BuildAuthorizeURL(callbackURL, stateID string, requestedScopes []string, pkceChallenge string, extraParams map[string]string) string {
	cfg := a.oauth
	cfg.RedirectURL = callbackURL
	if len(requestedScopes) > 0 {
		cfg.Scopes = requestedScopes
	}

	opts := []oauth2.AuthCodeOption{}
	if pkceChallenge != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", pkceChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)
	}
	for key, value := range a.cfg.AuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(key, value))
	}
	for key, value := range extraParams {
		opts = append(opts, oauth2.SetAuthURLParam(key, value))
	}
	return cfg.AuthCodeURL(stateID, opts...)
}

// httpContext injects the adapter client into the oauth2 library.
func (a *CodeFlowAdapter) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, a.client)
}

// classifyOAuth2Error translates oauth2 retrieval failures into the
// taxonomy. Network-level failures count as provider errors (retriable).
func classifyOAuth2Error(err error) error {
	var retrieve *oauth2.RetrieveError
	if errors.IsType(err, errors.ErrProviderError) {
		return err
	}
	if stderrors.As(err, &retrieve) {
		switch retrieve.ErrorCode {
		case "invalid_grant", "invalid_request":
			return errors.NewError(errors.ErrInvalidGrant, "provider rejected the grant", err)
		case "invalid_scope":
			return errors.NewError(errors.ErrInvalidScope, "provider rejected the requested scope", err)
		case "access_denied":
			return errors.NewError(errors.ErrAccessDenied, "provider denied access", err)
		}
		status := http.StatusBadGateway
		if retrieve.Response != nil {
			status = retrieve.Response.StatusCode
		}
		return errors.NewError(classifyHTTPStatus(status), "provider token endpoint failed", err)
	}
	return errors.NewError(errors.ErrProviderError, "provider unreachable", err)
}

func (a *CodeFlowAdapter) grantFromToken(tok *oauth2.Token) *GrantResult {
	granted := a.extractGrantedScopes(tok)
	result := &GrantResult{
		AccessToken:   tok.AccessToken,
		RefreshToken:  tok.RefreshToken,
		TokenType:     tok.TokenType,
		ExpiresAt:     tok.Expiry.UTC(),
		GrantedScopes: granted,
	}
	if result.TokenType == "" {
		result.TokenType = "Bearer"
	}
	return result
}

func (a *CodeFlowAdapter) extractGrantedScopes(tok *oauth2.Token) []string {
	if a.cfg.GrantedScopes != nil {
		return a.cfg.GrantedScopes(tok)
	}
	return SplitScopeString(tok)
}

// SplitScopeString is the default granted-scope extractor: the "scope"
// response field split on spaces.
func SplitScopeString(tok *oauth2.Token) []string {
	raw, _ := tok.Extra("scope").(string)
	if raw == "" {
		return nil
	}
	return strings.Fields(raw)
}

// SplitScopeStringComma handles IdPs (GitHub) that comma-separate scopes.
func SplitScopeStringComma(tok *oauth2.Token) []string {
	raw, _ := tok.Extra("scope").(string)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// ExchangeCode implements Adapter.
func (a *CodeFlowAdapter) ExchangeCode(ctx context.Context, code, callbackURL, pkceVerifier string) (*GrantResult, error) {
	cfg := a.oauth
	cfg.RedirectURL = callbackURL

	opts := []oauth2.AuthCodeOption{}
	if pkceVerifier != "" {
		opts = append(opts, oauth2.SetAuthURLParam("code_verifier", pkceVerifier))
	}

	return withRetry(ctx, a.cfg.ProviderName, func() (*GrantResult, error) {
		tok, err := cfg.Exchange(a.httpContext(ctx), code, opts...)
		if err != nil {
			return nil, classifyOAuth2Error(err)
		}
		return a.grantFromToken(tok), nil
	})
}

// RefreshToken implements Adapter.
func (a *CodeFlowAdapter) RefreshToken(ctx context.Context, refreshToken string, requestedScopes []string) (*GrantResult, error) {
	cfg := a.oauth
	if len(requestedScopes) > 0 {
		cfg.Scopes = requestedScopes
	}

	return withRetry(ctx, a.cfg.ProviderName, func() (*GrantResult, error) {
		source := cfg.TokenSource(a.httpContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
		tok, err := source.Token()
		if err != nil {
			return nil, classifyOAuth2Error(err)
		}
		result := a.grantFromToken(tok)
		if result.RefreshToken == "" {
			// Providers that do not rotate refresh tokens keep the old one
			// valid.
			result.RefreshToken = refreshToken
		}
		return result, nil
	})
}

// FetchUserInfo implements Adapter.
func (a *CodeFlowAdapter) FetchUserInfo(ctx context.Context, accessToken string) (*Profile, error) {
	if a.cfg.UserInfoURL == "" {
		return nil, errors.Newf(errors.ErrProviderError, "provider %s has no userinfo endpoint", a.cfg.ProviderName)
	}
	return withRetry(ctx, a.cfg.ProviderName, func() (*Profile, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.UserInfoURL, nil)
		if err != nil {
			return nil, errors.NewError(errors.ErrInternal, "failed to build userinfo request", err)
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", UserAgent)

		resp, err := a.client.Do(req)
		if err != nil {
			return nil, errors.NewError(errors.ErrProviderError, "userinfo request failed", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, errors.NewError(classifyHTTPStatus(resp.StatusCode), "userinfo request rejected", nil)
		}

		var raw map[string]any
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBodySize)).Decode(&raw); err != nil {
			return nil, errors.NewError(errors.ErrProviderError, "userinfo response malformed", err)
		}
		if a.cfg.NormalizeProfile != nil {
			return a.cfg.NormalizeProfile(raw), nil
		}
		return GenericProfile(raw), nil
	})
}

// Revoke implements Adapter. Revocation is best effort: a missing endpoint
// or a provider failure is reported as false, never as an error.
func (a *CodeFlowAdapter) Revoke(ctx context.Context, token, hint string) bool {
	if a.cfg.RevokeURL == "" {
		return false
	}
	form := url.Values{"token": {token}}
	if hint != "" {
		form.Set("token_type_hint", hint)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", UserAgent)
	if a.cfg.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(a.cfg.ClientID), url.QueryEscape(a.cfg.ClientSecret))
	}

	resp, err := a.client.Do(req)
	if err != nil {
		logger.Debugw("token revocation failed", "provider", a.cfg.ProviderName, "error", err)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 300
}

// ExchangeToken implements TokenExchanger when the IdP supports RFC 8693.
func (a *CodeFlowAdapter) ExchangeToken(ctx context.Context, subjectToken, audience, resource string, requestedScopes []string) (*GrantResult, error) {
	if !a.cfg.SupportsTokenExchange {
		return nil, errors.Newf(errors.ErrDownstreamUnavailable, "provider %s does not support token exchange", a.cfg.ProviderName)
	}
	return withRetry(ctx, a.cfg.ProviderName, func() (*GrantResult, error) {
		return rfc8693Exchange(ctx, a.client, rfc8693Request{
			TokenURL:     a.cfg.TokenURL,
			ClientID:     a.cfg.ClientID,
			ClientSecret: a.cfg.ClientSecret,
			SubjectToken: subjectToken,
			Audience:     audience,
			Resource:     resource,
			Scopes:       requestedScopes,
		})
	})
}

// GenericProfile extracts the OIDC-standard claims from a userinfo
// document.
func GenericProfile(raw map[string]any) *Profile {
	return &Profile{
		Subject: stringClaim(raw, "sub"),
		Name:    stringClaim(raw, "name"),
		Email:   stringClaim(raw, "email"),
		Groups:  stringSliceClaim(raw, "groups"),
		Roles:   stringSliceClaim(raw, "roles"),
		Raw:     raw,
	}
}

func stringClaim(raw map[string]any, key string) string {
	value, _ := raw[key].(string)
	return value
}

func stringSliceClaim(raw map[string]any, key string) []string {
	values, ok := raw[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, value := range values {
		if s, ok := value.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// nestedStringSlice walks a dotted path into the claims document and
// returns the string slice at its end.
func nestedStringSlice(raw map[string]any, path ...string) []string {
	current := raw
	for i, key := range path {
		if i == len(path)-1 {
			return stringSliceClaim(current, key)
		}
		next, ok := current[key].(map[string]any)
		if !ok {
			return nil
		}
		current = next
	}
	return nil
}

// expiryFromSeconds converts an expires_in style field to a timestamp.
func expiryFromSeconds(seconds int, now time.Time) time.Time {
	if seconds <= 0 {
		return now.Add(time.Hour)
	}
	return now.Add(time.Duration(seconds) * time.Second)
}
