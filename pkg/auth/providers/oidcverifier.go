package providers

import (
	"context"
	"net/http"
	"strings"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/raw-labs/mxcp/pkg/errors"
	"github.com/raw-labs/mxcp/pkg/logger"
)

// Verifier validates bearer tokens issued elsewhere. It is the adapter
// surface used when MXCP operates as a resource server behind an external
// issuer; verifier adapters do not participate in the code flow.
type Verifier interface {
	// Name returns the stable provider identifier.
	Name() string

	// VerifyToken validates a bearer token and returns the grant it
	// represents, including the normalized profile.
	VerifyToken(ctx context.Context, rawToken string) (*GrantResult, error)
}

// OIDCVerifierConfig configures an OIDC resource-server verifier.
type OIDCVerifierConfig struct {
	// IssuerURL is the OIDC issuer; discovery runs at construction.
	IssuerURL string

	// ClientID is the expected audience. Empty skips the audience check
	// (the token is still signature- and expiry-checked).
	ClientID string

	// FetchUserInfo enriches the profile from the userinfo endpoint when
	// the token itself carries few claims.
	FetchUserInfo bool

	// HTTPClient overrides the default client, for tests.
	HTTPClient *http.Client
}

// OIDCVerifier validates JWTs against an OIDC issuer's JWKS.
type OIDCVerifier struct {
	name     string
	provider *gooidc.Provider
	verifier *gooidc.IDTokenVerifier
	cfg      OIDCVerifierConfig
}

var _ Verifier = (*OIDCVerifier)(nil)

// NewOIDCVerifier runs discovery against the issuer and returns a ready
// verifier. An unreachable issuer is a startup failure.
func NewOIDCVerifier(ctx context.Context, name string, cfg OIDCVerifierConfig) (*OIDCVerifier, error) {
	if cfg.HTTPClient != nil {
		ctx = gooidc.ClientContext(ctx, cfg.HTTPClient)
	}
	provider, err := gooidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, errors.NewError(errors.ErrProviderError, "OIDC discovery failed", err)
	}
	oidcCfg := &gooidc.Config{ClientID: cfg.ClientID}
	if cfg.ClientID == "" {
		oidcCfg.SkipClientIDCheck = true
	}
	logger.Infow("OIDC verifier ready", "provider", name, "issuer", cfg.IssuerURL)
	return &OIDCVerifier{
		name:     name,
		provider: provider,
		verifier: provider.Verifier(oidcCfg),
		cfg:      cfg,
	}, nil
}

// Name implements Verifier.
func (v *OIDCVerifier) Name() string { return v.name }

// VerifyToken implements Verifier.
func (v *OIDCVerifier) VerifyToken(ctx context.Context, rawToken string) (*GrantResult, error) {
	if v.cfg.HTTPClient != nil {
		ctx = gooidc.ClientContext(ctx, v.cfg.HTTPClient)
	}
	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, errors.NewError(errors.ErrUnauthorized, "token validation failed", err)
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, errors.NewError(errors.ErrUnauthorized, "token claims malformed", err)
	}

	profile := GenericProfile(claims)
	if profile.Subject == "" {
		profile.Subject = idToken.Subject
	}

	granted := scopeClaim(claims)

	if v.cfg.FetchUserInfo {
		userInfo, err := v.provider.UserInfo(ctx, staticTokenSource(rawToken))
		if err != nil {
			logger.Debugw("userinfo enrichment failed", "provider", v.name, "error", err)
		} else {
			var uiClaims map[string]any
			if err := userInfo.Claims(&uiClaims); err == nil {
				enriched := GenericProfile(mergeClaims(claims, uiClaims))
				if enriched.Subject == "" {
					enriched.Subject = profile.Subject
				}
				profile = enriched
			}
		}
	}

	return &GrantResult{
		AccessToken:   rawToken,
		TokenType:     "Bearer",
		ExpiresAt:     idToken.Expiry.UTC(),
		GrantedScopes: granted,
		Profile:       profile,
	}, nil
}

// scopeClaim extracts granted scopes from either the space-separated
// "scope" claim or an "scp" array claim (Azure-style).
func scopeClaim(claims map[string]any) []string {
	if raw, ok := claims["scope"].(string); ok && raw != "" {
		return strings.Fields(raw)
	}
	return stringSliceClaim(claims, "scp")
}

// staticTokenSource adapts a raw bearer token to oauth2.TokenSource for the
// userinfo call.
func staticTokenSource(rawToken string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: rawToken, TokenType: "Bearer"})
}

func mergeClaims(base, overlay map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}
