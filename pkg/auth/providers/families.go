package providers

import (
	"fmt"
	"net/http"
	"strings"
)

// FamilyConfig is the per-IdP configuration the constructors consume. The
// config layer resolves secrets before handing this in.
type FamilyConfig struct {
	ClientID     string
	ClientSecret string

	// IssuerURL parameterizes IdPs whose endpoints derive from a tenant
	// base URL (Keycloak realms, Salesforce orgs).
	IssuerURL string

	// Scopes overrides the family's default request scopes.
	Scopes []string

	// TokenExchange enables RFC 8693 exchange for IdPs that support it.
	TokenExchange bool

	// HTTPClient overrides the default client, for tests.
	HTTPClient *http.Client
}

// NewGoogle returns a Google code-flow adapter.
func NewGoogle(cfg FamilyConfig) (*CodeFlowAdapter, error) {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "profile", "email"}
	}
	return NewCodeFlowAdapter(CodeFlowConfig{
		ProviderName:  "google",
		ClientID:      cfg.ClientID,
		ClientSecret:  cfg.ClientSecret,
		AuthURL:       "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:      "https://oauth2.googleapis.com/token",
		UserInfoURL:   "https://openidconnect.googleapis.com/v1/userinfo",
		RevokeURL:     "https://oauth2.googleapis.com/revoke",
		DefaultScopes: scopes,
		// access_type=offline is what makes Google return refresh tokens.
		AuthParams: map[string]string{"access_type": "offline"},
		HTTPClient: cfg.HTTPClient,
	})
}

// NewGitHub returns a GitHub code-flow adapter. GitHub comma-separates
// granted scopes in the token response, so the scope extractor is
// overridden.
func NewGitHub(cfg FamilyConfig) (*CodeFlowAdapter, error) {
	return NewCodeFlowAdapter(CodeFlowConfig{
		ProviderName:  "github",
		ClientID:      cfg.ClientID,
		ClientSecret:  cfg.ClientSecret,
		AuthURL:       "https://github.com/login/oauth/authorize",
		TokenURL:      "https://github.com/login/oauth/access_token",
		UserInfoURL:   "https://api.github.com/user",
		DefaultScopes: cfg.Scopes,
		GrantedScopes: SplitScopeStringComma,
		NormalizeProfile: func(raw map[string]any) *Profile {
			// GitHub has no OIDC sub claim; the numeric id is the stable
			// identifier.
			subject := ""
			if id, ok := raw["id"].(float64); ok {
				subject = fmt.Sprintf("%.0f", id)
			}
			name := stringClaim(raw, "name")
			if name == "" {
				name = stringClaim(raw, "login")
			}
			return &Profile{
				Subject: subject,
				Name:    name,
				Email:   stringClaim(raw, "email"),
				Raw:     raw,
			}
		},
		HTTPClient: cfg.HTTPClient,
	})
}

// NewKeycloak returns a Keycloak code-flow adapter for a realm issuer URL
// (e.g. https://kc.example.com/realms/main). Keycloak supports RFC 8693
// token exchange at its token endpoint.
func NewKeycloak(cfg FamilyConfig) (*CodeFlowAdapter, error) {
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("keycloak requires an issuer URL")
	}
	base := strings.TrimRight(cfg.IssuerURL, "/")
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "profile", "email"}
	}
	return NewCodeFlowAdapter(CodeFlowConfig{
		ProviderName:  "keycloak",
		ClientID:      cfg.ClientID,
		ClientSecret:  cfg.ClientSecret,
		AuthURL:       base + "/protocol/openid-connect/auth",
		TokenURL:      base + "/protocol/openid-connect/token",
		UserInfoURL:   base + "/protocol/openid-connect/userinfo",
		RevokeURL:     base + "/protocol/openid-connect/revoke",
		DefaultScopes: scopes,
		NormalizeProfile: func(raw map[string]any) *Profile {
			profile := GenericProfile(raw)
			// Keycloak nests roles under realm_access and per-client under
			// resource_access; flatten both for the mapper.
			profile.Roles = append(profile.Roles, nestedStringSlice(raw, "realm_access", "roles")...)
			if resourceAccess, ok := raw["resource_access"].(map[string]any); ok {
				for _, entry := range resourceAccess {
					if clientRoles, ok := entry.(map[string]any); ok {
						profile.Roles = append(profile.Roles, stringSliceClaim(clientRoles, "roles")...)
					}
				}
			}
			return profile
		},
		SupportsTokenExchange: cfg.TokenExchange,
		HTTPClient:            cfg.HTTPClient,
	})
}

// NewAtlassian returns an Atlassian code-flow adapter.
func NewAtlassian(cfg FamilyConfig) (*CodeFlowAdapter, error) {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"read:me"}
	}
	return NewCodeFlowAdapter(CodeFlowConfig{
		ProviderName:  "atlassian",
		ClientID:      cfg.ClientID,
		ClientSecret:  cfg.ClientSecret,
		AuthURL:       "https://auth.atlassian.com/authorize",
		TokenURL:      "https://auth.atlassian.com/oauth/token",
		UserInfoURL:   "https://api.atlassian.com/me",
		DefaultScopes: scopes,
		// offline_access in scope plus audience parameter per Atlassian's
		// 3LO documentation.
		AuthParams: map[string]string{
			"audience": "api.atlassian.com",
			"prompt":   "consent",
		},
		NormalizeProfile: func(raw map[string]any) *Profile {
			return &Profile{
				Subject: stringClaim(raw, "account_id"),
				Name:    stringClaim(raw, "name"),
				Email:   stringClaim(raw, "email"),
				Raw:     raw,
			}
		},
		HTTPClient: cfg.HTTPClient,
	})
}

// NewSalesforce returns a Salesforce code-flow adapter for an org issuer
// URL (e.g. https://example.my.salesforce.com).
func NewSalesforce(cfg FamilyConfig) (*CodeFlowAdapter, error) {
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("salesforce requires an issuer URL")
	}
	base := strings.TrimRight(cfg.IssuerURL, "/")
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "refresh_token"}
	}
	return NewCodeFlowAdapter(CodeFlowConfig{
		ProviderName:  "salesforce",
		ClientID:      cfg.ClientID,
		ClientSecret:  cfg.ClientSecret,
		AuthURL:       base + "/services/oauth2/authorize",
		TokenURL:      base + "/services/oauth2/token",
		UserInfoURL:   base + "/services/oauth2/userinfo",
		RevokeURL:     base + "/services/oauth2/revoke",
		DefaultScopes: scopes,
		NormalizeProfile: func(raw map[string]any) *Profile {
			profile := GenericProfile(raw)
			if profile.Subject == "" {
				profile.Subject = stringClaim(raw, "user_id")
			}
			return profile
		},
		SupportsTokenExchange: cfg.TokenExchange,
		HTTPClient:            cfg.HTTPClient,
	})
}
