package providers

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFamilyConstructors(t *testing.T) {
	t.Parallel()

	base := FamilyConfig{ClientID: "client-1", ClientSecret: "secret-1"}

	tests := []struct {
		name     string
		make     func() (*CodeFlowAdapter, error)
		provider string
		authHost string
	}{
		{"google", func() (*CodeFlowAdapter, error) { return NewGoogle(base) }, "google", "accounts.google.com"},
		{"github", func() (*CodeFlowAdapter, error) { return NewGitHub(base) }, "github", "github.com"},
		{"keycloak", func() (*CodeFlowAdapter, error) {
			cfg := base
			cfg.IssuerURL = "https://kc.example.com/realms/main"
			return NewKeycloak(cfg)
		}, "keycloak", "kc.example.com"},
		{"atlassian", func() (*CodeFlowAdapter, error) { return NewAtlassian(base) }, "atlassian", "auth.atlassian.com"},
		{"salesforce", func() (*CodeFlowAdapter, error) {
			cfg := base
			cfg.IssuerURL = "https://example.my.salesforce.com"
			return NewSalesforce(cfg)
		}, "salesforce", "example.my.salesforce.com"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			adapter, err := tt.make()
			require.NoError(t, err)
			assert.Equal(t, tt.provider, adapter.Name())

			authorizeURL := adapter.BuildAuthorizeURL("https://mxcp.example/auth/callback", "st", nil, "", nil)
			parsed, err := url.Parse(authorizeURL)
			require.NoError(t, err)
			assert.Equal(t, tt.authHost, parsed.Host)
			assert.Equal(t, "client-1", parsed.Query().Get("client_id"))
		})
	}
}

func TestFamilyConstructorsRequireIssuer(t *testing.T) {
	t.Parallel()

	_, err := NewKeycloak(FamilyConfig{ClientID: "c"})
	assert.Error(t, err)

	_, err = NewSalesforce(FamilyConfig{ClientID: "c"})
	assert.Error(t, err)
}

func TestGoogleRequestsOfflineAccess(t *testing.T) {
	t.Parallel()

	adapter, err := NewGoogle(FamilyConfig{ClientID: "c"})
	require.NoError(t, err)

	authorizeURL := adapter.BuildAuthorizeURL("https://mxcp.example/cb", "st", nil, "", nil)
	assert.Contains(t, authorizeURL, "access_type=offline")
}

func TestKeycloakProfileFlattensRoles(t *testing.T) {
	t.Parallel()

	adapter, err := NewKeycloak(FamilyConfig{
		ClientID:  "c",
		IssuerURL: "https://kc.example.com/realms/main",
	})
	require.NoError(t, err)

	profile := adapter.cfg.NormalizeProfile(map[string]any{
		"sub":  "u1",
		"name": "User",
		"realm_access": map[string]any{
			"roles": []any{"operator"},
		},
		"resource_access": map[string]any{
			"mxcp": map[string]any{
				"roles": []any{"admin"},
			},
		},
	})

	assert.Equal(t, "u1", profile.Subject)
	assert.ElementsMatch(t, []string{"operator", "admin"}, profile.Roles)
}

func TestGitHubProfileUsesNumericID(t *testing.T) {
	t.Parallel()

	adapter, err := NewGitHub(FamilyConfig{ClientID: "c"})
	require.NoError(t, err)

	profile := adapter.cfg.NormalizeProfile(map[string]any{
		"id":    float64(12345),
		"login": "octo",
		"email": "octo@example.com",
	})

	assert.Equal(t, "12345", profile.Subject)
	assert.Equal(t, "octo", profile.Name)
}

func TestKeycloakEndpointsDeriveFromRealm(t *testing.T) {
	t.Parallel()

	adapter, err := NewKeycloak(FamilyConfig{
		ClientID:  "c",
		IssuerURL: "https://kc.example.com/realms/main/",
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(adapter.cfg.TokenURL, "https://kc.example.com/realms/main/protocol/openid-connect/"))
}
