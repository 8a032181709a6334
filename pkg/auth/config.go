// Package auth is the composition root of the MXCP authentication and
// authorization core. It assembles the token store, provider adapters,
// session manager, token-exchange broker, middleware, and HTTP routes from
// SDK-level configuration models.
//
// The package deliberately has no dependency on application-wide config
// types: the server layer adapts its own configuration into these models
// and resolves nothing lazily — secret references are resolved here, once,
// at startup and on explicit reload.
package auth

import (
	"fmt"
	"time"

	"github.com/raw-labs/mxcp/pkg/auth/middleware"
	"github.com/raw-labs/mxcp/pkg/auth/scopes"
	"github.com/raw-labs/mxcp/pkg/secrets"
)

// Mode selects the operating mode. It is explicit in configuration; the
// service never auto-detects.
type Mode string

// Operating modes.
const (
	ModeIssuer   Mode = "issuer"
	ModeVerifier Mode = "verifier"
	ModeProxy    Mode = "proxy"
	ModeHybrid   Mode = "hybrid"
	ModeDisabled Mode = "disabled"
)

// Provider families understood by the adapter constructors.
const (
	FamilyGoogle     = "google"
	FamilyGitHub     = "github"
	FamilyKeycloak   = "keycloak"
	FamilyAtlassian  = "atlassian"
	FamilySalesforce = "salesforce"
	FamilyOIDC       = "oidc"
	FamilyTest       = "test"
)

// Config is the SDK-level model for the auth core. All fields are frozen
// after FromConfig; only secret references are re-resolvable.
type Config struct {
	// Mode is the operating mode.
	Mode Mode

	// Issuer is the externally visible base URL of this service, used for
	// metadata and as the default callback base (issuer mode).
	Issuer string

	// CallbackURL overrides the callback location. Defaults to
	// Issuer + "/auth/callback".
	CallbackURL string

	// Providers configures IdP adapters by name.
	Providers map[string]ProviderConfig

	// VerifierProvider names the provider performing bearer validation in
	// verifier and hybrid modes. Defaults to the single configured
	// provider.
	VerifierProvider string

	// Proxy configures trusted-header authentication (proxy/hybrid mode).
	Proxy *ProxyConfig

	// HybridOrder decides which present credential wins in hybrid mode.
	// Defaults to ["bearer", "proxy"].
	HybridOrder []string

	// ScopeRequirements declares which MXCP scopes need downstream tokens.
	ScopeRequirements scopes.Requirements

	// RequiredScopes are enforced on every request (server level).
	RequiredScopes []string

	// Clients seeds the client registry (issuer mode).
	Clients []ClientConfig

	// Persistence selects and configures the token store.
	Persistence PersistenceConfig

	// Tokens tunes lifetimes.
	Tokens TokensConfig

	// ScopeValidation controls what happens when an endpoint declares a
	// scope no mapping can produce: "warn" (default) or "fail".
	ScopeValidation string
}

// ProviderConfig configures one IdP adapter.
type ProviderConfig struct {
	// Family picks the adapter constructor.
	Family string

	// ClientID identifies MXCP at the IdP.
	ClientID string

	// ClientSecretRef is the secret reference for the client secret.
	// Empty for public clients and for the test family.
	ClientSecretRef secrets.Ref

	// IssuerURL parameterizes tenant-based IdPs (Keycloak realm,
	// Salesforce org, OIDC issuer).
	IssuerURL string

	// RequiredScopes are always requested; OptionalScopes are requested
	// but their absence is tolerated.
	RequiredScopes []string
	OptionalScopes []string

	// ClaimMappings translate this provider's claims to MXCP scopes.
	ClaimMappings scopes.ClaimMappings

	// TokenExchange enables RFC 8693 downstream exchange.
	TokenExchange bool
}

// requestScopes returns the scope set requested at authorization time.
func (p *ProviderConfig) requestScopes() []string {
	out := make([]string, 0, len(p.RequiredScopes)+len(p.OptionalScopes))
	out = append(out, p.RequiredScopes...)
	out = append(out, p.OptionalScopes...)
	return out
}

// ProxyConfig configures trusted-header authentication.
type ProxyConfig struct {
	UserIDHeader        string
	NameHeader          string
	EmailHeader         string
	GroupsHeader        string
	RolesHeader         string
	ScopesHeader        string
	UpstreamTokenHeader string

	// SignatureHeader carries the HMAC; SignatureSecretRef resolves the
	// shared secret.
	SignatureHeader    string
	SignatureSecretRef secrets.Ref

	// RequireMTLS trusts a verified client certificate instead of the
	// HMAC.
	RequireMTLS bool

	// ClaimMappings translate proxy-asserted groups/roles to MXCP scopes.
	ClaimMappings scopes.ClaimMappings
}

// ClientConfig seeds one client registration.
type ClientConfig struct {
	ClientID      string
	RedirectURIs  []string
	GrantTypes    []string
	AllowedScopes []string

	// SecretRef resolves the client secret for confidential clients.
	SecretRef secrets.Ref

	// Public marks clients without a secret.
	Public bool
}

// Persistence backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// PersistenceConfig selects the token store.
type PersistenceConfig struct {
	// Backend is sqlite (default), redis, or memory.
	Backend string

	// Path is the database file (sqlite).
	Path string

	// RedisAddr and RedisKeyPrefix configure the redis backend.
	RedisAddr      string
	RedisKeyPrefix string

	// EncryptionKeyRef resolves the key encrypting sensitive columns.
	// Required for sqlite and redis.
	EncryptionKeyRef secrets.Ref

	// CleanupInterval paces the expiry sweeper. Zero selects 5 minutes.
	CleanupInterval time.Duration
}

// TokensConfig tunes token lifetimes. Zero values select the session
// package defaults.
type TokensConfig struct {
	AccessTTL   time.Duration
	RefreshTTL  time.Duration
	IdleTimeout time.Duration
	StateTTL    time.Duration
	AuthCodeTTL time.Duration
}

// Validate checks the static topology. Secret references are not resolved
// here; FromConfig resolves them and fails startup on error.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeIssuer:
		if c.Issuer == "" {
			return fmt.Errorf("issuer mode requires an issuer URL")
		}
		if len(c.Providers) == 0 {
			return fmt.Errorf("issuer mode requires at least one provider")
		}
	case ModeVerifier:
		if len(c.Providers) == 0 {
			return fmt.Errorf("verifier mode requires a provider")
		}
	case ModeProxy:
		if c.Proxy == nil {
			return fmt.Errorf("proxy mode requires proxy configuration")
		}
	case ModeHybrid:
		if c.Proxy == nil || len(c.Providers) == 0 {
			return fmt.Errorf("hybrid mode requires proxy configuration and a provider")
		}
	case ModeDisabled:
		return nil
	default:
		return fmt.Errorf("unknown auth mode %q", c.Mode)
	}

	for name, provider := range c.Providers {
		if err := provider.validate(); err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}
	}
	for i, client := range c.Clients {
		if client.ClientID == "" {
			return fmt.Errorf("client %d: client id is required", i)
		}
		if !client.Public && client.SecretRef == "" {
			return fmt.Errorf("client %s: confidential clients need a secret reference", client.ClientID)
		}
	}
	for order := range c.HybridOrder {
		source := c.HybridOrder[order]
		if source != middleware.SourceBearer && source != middleware.SourceProxy {
			return fmt.Errorf("unknown hybrid source %q", source)
		}
	}
	if c.ScopeValidation != "" && c.ScopeValidation != "warn" && c.ScopeValidation != "fail" {
		return fmt.Errorf("scope validation must be warn or fail")
	}
	if backend := c.Persistence.Backend; backend != "" &&
		backend != BackendSQLite && backend != BackendRedis && backend != BackendMemory {
		return fmt.Errorf("unknown persistence backend %q", backend)
	}
	return nil
}

func (p *ProviderConfig) validate() error {
	switch p.Family {
	case FamilyGoogle, FamilyGitHub, FamilyAtlassian:
		if p.ClientID == "" {
			return fmt.Errorf("client id is required")
		}
	case FamilyKeycloak, FamilySalesforce:
		if p.ClientID == "" || p.IssuerURL == "" {
			return fmt.Errorf("client id and issuer URL are required")
		}
	case FamilyOIDC:
		if p.IssuerURL == "" {
			return fmt.Errorf("issuer URL is required")
		}
	case FamilyTest:
	default:
		return fmt.Errorf("unknown provider family %q", p.Family)
	}
	return nil
}

// MappableScopes returns every MXCP scope any configured mapping can
// produce, for endpoint-declaration validation.
func (c *Config) MappableScopes() map[string]struct{} {
	out := make(map[string]struct{})
	collect := func(m scopes.ClaimMappings) {
		for _, table := range []map[string][]string{m.Scopes, m.Groups, m.Roles} {
			for _, mapped := range table {
				for _, scope := range mapped {
					out[scope] = struct{}{}
				}
			}
		}
		for _, matchers := range m.Claims {
			for _, mapped := range matchers {
				for _, scope := range mapped {
					out[scope] = struct{}{}
				}
			}
		}
	}
	for _, provider := range c.Providers {
		collect(provider.ClaimMappings)
	}
	if c.Proxy != nil {
		collect(c.Proxy.ClaimMappings)
	}
	return out
}
