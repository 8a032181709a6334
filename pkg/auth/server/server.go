// SPDX-FileCopyrightText: Copyright 2026 RAW Labs SA
// SPDX-License-Identifier: Apache-2.0

// Package server installs the issuer-mode HTTP surface: the authorize,
// callback, and token endpoints plus authorization-server metadata.
package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/raw-labs/mxcp/pkg/auth/session"
	"github.com/raw-labs/mxcp/pkg/errors"
	"github.com/raw-labs/mxcp/pkg/logger"
)

// Route paths.
const (
	PathAuthorize = "/auth/authorize"
	PathCallback  = "/auth/callback"
	PathToken     = "/auth/token"
	PathMetadata  = "/.well-known/oauth-authorization-server"
)

// Server serves the issuer-mode endpoints.
type Server struct {
	manager *session.Manager

	// issuer is the externally-visible base URL, used in metadata.
	issuer string

	// scopesSupported is advertised in metadata.
	scopesSupported []string
}

// New builds the route handler set.
func New(manager *session.Manager, issuer string, scopesSupported []string) *Server {
	return &Server{manager: manager, issuer: issuer, scopesSupported: scopesSupported}
}

// Register mounts the auth routes on a chi router.
func (s *Server) Register(r chi.Router) {
	r.Get(PathAuthorize, s.handleAuthorize)
	r.Get(PathCallback, s.handleCallback)
	r.Post(PathToken, s.handleToken)
	r.Get(PathMetadata, s.handleMetadata)
}

// handleAuthorize validates the client request and redirects the
// user-agent to the provider's authorize URL.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	req := session.BeginAuthorizationRequest{
		ClientID:            query.Get("client_id"),
		RedirectURI:         query.Get("redirect_uri"),
		ClientState:         query.Get("state"),
		CodeChallenge:       query.Get("code_challenge"),
		CodeChallengeMethod: query.Get("code_challenge_method"),
		Provider:            query.Get("provider"),
	}
	if scope := query.Get("scope"); scope != "" {
		req.Scopes = strings.Fields(scope)
	}
	if req.ClientID == "" || req.RedirectURI == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "client_id and redirect_uri are required")
		return
	}
	if rt := query.Get("response_type"); rt != "" && rt != "code" {
		s.redirectError(w, r, req.RedirectURI, req.ClientState, "unsupported_response_type")
		return
	}

	authorizeURL, _, err := s.manager.BeginAuthorization(r.Context(), req)
	if err != nil {
		// Redirect-URI problems must never redirect; everything after
		// validation may, per RFC 6749 §4.1.2.1.
		kind := errors.TypeOf(err)
		if kind == errors.ErrInvalidScope {
			s.redirectError(w, r, req.RedirectURI, req.ClientState, "invalid_scope")
			return
		}
		writeOAuthError(w, statusFor(kind), string(kind), safeDescription(kind))
		return
	}
	http.Redirect(w, r, authorizeURL, http.StatusFound)
}

// handleCallback consumes the provider redirect and sends the user-agent
// back to the client with an MXCP authorization code.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	stateID := query.Get("state")
	code := query.Get("code")

	if providerErr := query.Get("error"); providerErr != "" {
		logger.Debugw("provider returned error on callback", "error", providerErr)
		writeOAuthError(w, http.StatusBadRequest, "access_denied", "authorization was not granted")
		return
	}
	if stateID == "" || code == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "code and state are required")
		return
	}

	redirectURL, err := s.manager.CompleteAuthorization(r.Context(), stateID, code)
	if err != nil {
		kind := errors.TypeOf(err)
		writeOAuthError(w, statusFor(kind), string(kind), safeDescription(kind))
		return
	}
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// handleToken implements the token endpoint for the authorization_code and
// refresh_token grants.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "request body is not form-encoded")
		return
	}

	var (
		grant *session.AccessGrant
		err   error
	)
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		grant, err = s.manager.ExchangeAuthCode(r.Context(),
			r.PostForm.Get("code"),
			r.PostForm.Get("client_id"),
			r.PostForm.Get("redirect_uri"),
			r.PostForm.Get("code_verifier"))
	case "refresh_token":
		grant, err = s.manager.Refresh(r.Context(), r.PostForm.Get("refresh_token"))
	case "":
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "grant_type is required")
		return
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "grant type is not supported")
		return
	}
	if err != nil {
		kind := errors.TypeOf(err)
		writeOAuthError(w, statusFor(kind), string(kind), safeDescription(kind))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	response := map[string]any{
		"access_token": grant.AccessToken,
		"token_type":   grant.TokenType,
		"expires_in":   grant.ExpiresIn,
	}
	if grant.RefreshToken != "" {
		response["refresh_token"] = grant.RefreshToken
	}
	if grant.Scope != "" {
		response["scope"] = grant.Scope
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Errorf("failed to encode token response: %v", err)
	}
}

// metadataDocument is the RFC 8414 authorization-server metadata. Only
// capabilities actually offered are advertised.
type metadataDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
}

func (s *Server) handleMetadata(w http.ResponseWriter, _ *http.Request) {
	base := strings.TrimRight(s.issuer, "/")
	doc := metadataDocument{
		Issuer:                            base,
		AuthorizationEndpoint:             base + PathAuthorize,
		TokenEndpoint:                     base + PathToken,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:     []string{"S256", "plain"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
		ScopesSupported:                   s.scopesSupported,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		logger.Errorf("failed to encode metadata: %v", err)
	}
}

// redirectError sends an OAuth error back to the client redirect URI.
func (*Server) redirectError(w http.ResponseWriter, r *http.Request, redirectURI, clientState, code string) {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "redirect_uri is malformed")
		return
	}
	query := parsed.Query()
	query.Set("error", code)
	if clientState != "" {
		query.Set("state", clientState)
	}
	parsed.RawQuery = query.Encode()
	http.Redirect(w, r, parsed.String(), http.StatusFound)
}

// statusFor maps taxonomy kinds onto HTTP status codes.
func statusFor(kind errors.Type) int {
	switch kind {
	case errors.ErrInvalidRequest, errors.ErrInvalidGrant, errors.ErrInvalidScope:
		return http.StatusBadRequest
	case errors.ErrUnauthorized, errors.ErrTamper:
		return http.StatusUnauthorized
	case errors.ErrAccessDenied, errors.ErrForbidden:
		return http.StatusForbidden
	case errors.ErrProviderError:
		return http.StatusBadGateway
	case errors.ErrDownstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// safeDescription keeps error bodies free of internal detail: nothing that
// distinguishes missing from expired, no identifiers.
func safeDescription(kind errors.Type) string {
	switch kind {
	case errors.ErrInvalidRequest:
		return "the request is missing a required parameter or is otherwise malformed"
	case errors.ErrInvalidGrant:
		return "the provided grant is invalid"
	case errors.ErrInvalidScope:
		return "the requested scope is not available"
	case errors.ErrAccessDenied:
		return "authorization was not granted"
	case errors.ErrProviderError:
		return "the identity provider is unavailable"
	case errors.ErrDownstreamUnavailable:
		return "a required downstream token could not be obtained"
	case errors.ErrUnauthorized, errors.ErrTamper:
		return "the credential is invalid"
	default:
		return "an internal error occurred"
	}
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	// Tamper is reported to clients as a generic unauthorized; the
	// taxonomy name itself would leak detail.
	if code == string(errors.ErrTamper) {
		code = "unauthorized"
	}
	if code == string(errors.ErrInternal) {
		code = "server_error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	}); err != nil {
		logger.Errorf("failed to encode error response: %v", err)
	}
}
