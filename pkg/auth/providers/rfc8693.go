package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/raw-labs/mxcp/pkg/errors"
)

// OAuth 2.0 Token Exchange constants (RFC 8693).
const (
	//nolint:gosec // G101: OAuth2 URN identifiers, not credentials
	grantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"
	//nolint:gosec // G101: OAuth2 URN identifiers, not credentials
	tokenTypeAccessToken = "urn:ietf:params:oauth:token-type:access_token"
)

// rfc8693Request carries the fields of a token exchange call.
type rfc8693Request struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	SubjectToken string
	Audience     string
	Resource     string
	Scopes       []string
}

// String redacts the subject token.
func (r rfc8693Request) String() string {
	subject := "[REDACTED]"
	if r.SubjectToken == "" {
		subject = "<empty>"
	}
	return fmt.Sprintf("rfc8693Request{TokenURL: %s, Audience: %s, Scopes: %v, SubjectToken: %s}",
		r.TokenURL, r.Audience, r.Scopes, subject)
}

// rfc8693Response decodes the token endpoint's answer.
type rfc8693Response struct {
	AccessToken     string `json:"access_token"`
	IssuedTokenType string `json:"issued_token_type"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int    `json:"expires_in"`
	Scope           string `json:"scope"`
	RefreshToken    string `json:"refresh_token"`
}

// oauthErrorBody is an RFC 6749 §5.2 error response.
type oauthErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// rfc8693Exchange performs a token exchange at the given endpoint.
func rfc8693Exchange(ctx context.Context, client *http.Client, req rfc8693Request) (*GrantResult, error) {
	if req.TokenURL == "" {
		return nil, errors.Newf(errors.ErrDownstreamUnavailable, "token exchange endpoint not configured")
	}
	if req.SubjectToken == "" {
		return nil, errors.Newf(errors.ErrDownstreamUnavailable, "subject token missing")
	}

	form := url.Values{
		"grant_type":           {grantTypeTokenExchange},
		"subject_token":        {req.SubjectToken},
		"subject_token_type":   {tokenTypeAccessToken},
		"requested_token_type": {tokenTypeAccessToken},
	}
	if req.Audience != "" {
		form.Set("audience", req.Audience)
	}
	if req.Resource != "" {
		form.Set("resource", req.Resource)
	}
	if len(req.Scopes) > 0 {
		form.Set("scope", strings.Join(req.Scopes, " "))
	}
	// Public clients identify in the body; confidential clients use Basic
	// auth below.
	if req.ClientSecret == "" && req.ClientID != "" {
		form.Set("client_id", req.ClientID)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.NewError(errors.ErrInternal, "failed to build exchange request", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", UserAgent)
	if req.ClientSecret != "" {
		httpReq.SetBasicAuth(url.QueryEscape(req.ClientID), url.QueryEscape(req.ClientSecret))
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, errors.NewError(errors.ErrProviderError, "token exchange request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, errors.NewError(errors.ErrProviderError, "failed to read exchange response", err)
	}

	if resp.StatusCode != http.StatusOK {
		var oauthErr oauthErrorBody
		if jerr := json.Unmarshal(body, &oauthErr); jerr == nil && oauthErr.Error != "" {
			return nil, errors.Newf(errors.ErrDownstreamUnavailable,
				"token exchange rejected: %s", oauthErr.Error)
		}
		if resp.StatusCode >= 500 {
			return nil, errors.Newf(errors.ErrProviderError, "token exchange failed with status %d", resp.StatusCode)
		}
		return nil, errors.Newf(errors.ErrDownstreamUnavailable, "token exchange failed with status %d", resp.StatusCode)
	}

	var decoded rfc8693Response
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, errors.NewError(errors.ErrProviderError, "token exchange response malformed", err)
	}
	if decoded.AccessToken == "" {
		return nil, errors.Newf(errors.ErrDownstreamUnavailable, "token exchange returned no token")
	}

	tokenType := decoded.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &GrantResult{
		AccessToken:   decoded.AccessToken,
		RefreshToken:  decoded.RefreshToken,
		TokenType:     tokenType,
		ExpiresAt:     expiryFromSeconds(decoded.ExpiresIn, time.Now().UTC()),
		GrantedScopes: strings.Fields(decoded.Scope),
	}, nil
}
