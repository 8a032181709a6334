package providers

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/raw-labs/mxcp/pkg/errors"
)

// ProxyConfig configures the trusted-header adapter for deployments where
// an authenticating reverse proxy terminates user authentication.
type ProxyConfig struct {
	// Header names for identity fields. UserIDHeader is required.
	UserIDHeader string
	NameHeader   string
	EmailHeader  string
	GroupsHeader string
	RolesHeader  string

	// ScopesHeader optionally carries pre-computed MXCP scopes.
	ScopesHeader string

	// UpstreamTokenHeader optionally carries a provider token the proxy
	// obtained on the user's behalf.
	UpstreamTokenHeader string

	// SignatureHeader and SignatureSecret enable HMAC validation over the
	// canonical header set. Without a signature (and without mTLS) headers
	// are rejected.
	SignatureHeader string
	SignatureSecret []byte

	// RequireMTLS accepts a verified client certificate in place of the
	// HMAC signature.
	RequireMTLS bool
}

// Validate checks the proxy configuration.
func (c *ProxyConfig) Validate() error {
	if c.UserIDHeader == "" {
		return errors.Newf(errors.ErrInternal, "proxy user id header is required")
	}
	if len(c.SignatureSecret) == 0 && !c.RequireMTLS {
		return errors.Newf(errors.ErrInternal, "proxy mode requires a signature secret or mTLS")
	}
	if len(c.SignatureSecret) > 0 && c.SignatureHeader == "" {
		return errors.Newf(errors.ErrInternal, "proxy signature header is required when a secret is set")
	}
	return nil
}

// ProxyAdapter trusts identity headers stamped by a fronting proxy after
// validating their HMAC signature (or the mTLS hint). It performs no
// network calls and produces grant results synthetically.
type ProxyAdapter struct {
	cfg ProxyConfig
	now func() time.Time
}

// NewProxyAdapter validates the configuration and returns the adapter.
func NewProxyAdapter(cfg ProxyConfig) (*ProxyAdapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ProxyAdapter{
		cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Name returns the stable provider identifier.
func (*ProxyAdapter) Name() string { return "proxy" }

// canonicalHeaders lists the headers covered by the signature, in signing
// order. The proxy must sign exactly this set.
func (a *ProxyAdapter) canonicalHeaders() []string {
	ordered := []string{
		a.cfg.UserIDHeader,
		a.cfg.NameHeader,
		a.cfg.EmailHeader,
		a.cfg.GroupsHeader,
		a.cfg.RolesHeader,
		a.cfg.ScopesHeader,
		a.cfg.UpstreamTokenHeader,
	}
	var present []string
	for _, name := range ordered {
		if name != "" {
			present = append(present, name)
		}
	}
	return present
}

// SignHeaders computes the signature the proxy is expected to send for a
// header set. Exported for tests and for proxy operators generating
// configuration.
func (a *ProxyAdapter) SignHeaders(header http.Header) string {
	mac := hmac.New(sha256.New, a.cfg.SignatureSecret)
	for _, name := range a.canonicalHeaders() {
		mac.Write([]byte(strings.ToLower(name)))
		mac.Write([]byte{':'})
		mac.Write([]byte(header.Get(name)))
		mac.Write([]byte{'\n'})
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// verifySignature checks the HMAC or the mTLS hint. Failure is tamper.
func (a *ProxyAdapter) verifySignature(header http.Header, tlsState *tls.ConnectionState) error {
	if len(a.cfg.SignatureSecret) > 0 {
		presented := header.Get(a.cfg.SignatureHeader)
		if presented == "" {
			return errors.Newf(errors.ErrUnauthorized, "missing proxy signature")
		}
		expected := a.SignHeaders(header)
		if !hmac.Equal([]byte(strings.ToLower(presented)), []byte(expected)) {
			return errors.Newf(errors.ErrTamper, "proxy signature mismatch")
		}
		return nil
	}
	// mTLS-only trust: the TLS layer must have verified a client cert.
	if tlsState == nil || len(tlsState.VerifiedChains) == 0 {
		return errors.Newf(errors.ErrUnauthorized, "proxy connection is not mutually authenticated")
	}
	return nil
}

// ResolveHeaders validates the request's proxy headers and synthesizes a
// grant result. Requests without the user id header report unauthorized so
// hybrid mode can fall through; a bad signature reports tamper and must not
// fall through.
func (a *ProxyAdapter) ResolveHeaders(r *http.Request) (*GrantResult, error) {
	userID := r.Header.Get(a.cfg.UserIDHeader)
	if userID == "" {
		return nil, errors.Newf(errors.ErrUnauthorized, "missing proxy identity headers")
	}
	if err := a.verifySignature(r.Header, r.TLS); err != nil {
		return nil, err
	}

	profile := &Profile{
		Subject: userID,
		Name:    headerOr(r.Header, a.cfg.NameHeader, userID),
		Email:   r.Header.Get(a.cfg.EmailHeader),
		Groups:  splitHeaderList(r.Header.Get(a.cfg.GroupsHeader)),
		Roles:   splitHeaderList(r.Header.Get(a.cfg.RolesHeader)),
		Raw: map[string]any{
			"sub":   userID,
			"name":  r.Header.Get(a.cfg.NameHeader),
			"email": r.Header.Get(a.cfg.EmailHeader),
		},
	}

	result := &GrantResult{
		TokenType: "Bearer",
		// Proxy identities live for the request; a synthetic short expiry
		// keeps accidental caching safe.
		ExpiresAt: a.now().Add(time.Minute),
		Profile:   profile,
	}
	if a.cfg.UpstreamTokenHeader != "" {
		result.AccessToken = r.Header.Get(a.cfg.UpstreamTokenHeader)
	}
	if a.cfg.ScopesHeader != "" {
		result.GrantedScopes = splitHeaderList(r.Header.Get(a.cfg.ScopesHeader))
	}
	return result, nil
}

// CredentialPresent reports whether the request carries the proxy identity
// header. Hybrid mode uses presence, not validity, to pick a resolver.
func (a *ProxyAdapter) CredentialPresent(r *http.Request) bool {
	return r.Header.Get(a.cfg.UserIDHeader) != ""
}

// PrecomputedScopes reports whether the proxy asserts MXCP scopes directly
// instead of relying on claim mappings.
func (a *ProxyAdapter) PrecomputedScopes() bool {
	return a.cfg.ScopesHeader != ""
}

func headerOr(header http.Header, name, fallback string) string {
	if name == "" {
		return fallback
	}
	if value := header.Get(name); value != "" {
		return value
	}
	return fallback
}

func splitHeaderList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
