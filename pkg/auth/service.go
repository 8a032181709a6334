package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/raw-labs/mxcp/pkg/audit"
	"github.com/raw-labs/mxcp/pkg/auth/exchange"
	"github.com/raw-labs/mxcp/pkg/auth/identity"
	"github.com/raw-labs/mxcp/pkg/auth/middleware"
	"github.com/raw-labs/mxcp/pkg/auth/providers"
	"github.com/raw-labs/mxcp/pkg/auth/scopes"
	"github.com/raw-labs/mxcp/pkg/auth/server"
	"github.com/raw-labs/mxcp/pkg/auth/session"
	"github.com/raw-labs/mxcp/pkg/auth/store"
	"github.com/raw-labs/mxcp/pkg/errors"
	"github.com/raw-labs/mxcp/pkg/logger"
	"github.com/raw-labs/mxcp/pkg/secrets"
)

// Service is the single external entry point of the auth core.
type Service struct {
	cfg      Config
	resolver secrets.Resolver
	sink     audit.Sink

	store    store.TokenStore
	manager  *session.Manager
	verifier providers.Verifier
	proxy    *providers.ProxyAdapter
	broker   *exchange.Broker
	mw       *middleware.Middleware
	routes   *server.Server
}

// FromConfig assembles the service. Any failure here — unresolvable
// secret, incompatible schema, unreachable required IdP — is a startup
// failure for the caller.
func FromConfig(ctx context.Context, cfg Config, resolver secrets.Resolver, sink audit.Sink) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("auth config invalid: %w", err)
	}
	if resolver == nil {
		resolver = secrets.NewResolver()
	}
	if sink == nil {
		sink = audit.NewLoggerSink()
	}
	if cfg.CallbackURL == "" && cfg.Issuer != "" {
		cfg.CallbackURL = cfg.Issuer + server.PathCallback
	}

	s := &Service{cfg: cfg, resolver: resolver, sink: sink}
	if cfg.Mode == ModeDisabled {
		var err error
		if s.mw, err = middleware.New(middleware.Options{Mode: middleware.ModeDisabled}); err != nil {
			return nil, err
		}
		logger.Warn("authentication is disabled")
		return s, nil
	}

	if err := s.openStore(ctx); err != nil {
		return nil, err
	}
	adapters, verifier, err := s.buildAdapters(ctx)
	if err != nil {
		return nil, err
	}
	s.verifier = verifier

	if s.proxy, err = s.buildProxy(ctx); err != nil {
		return nil, err
	}

	mappings := make(map[string]scopes.ClaimMappings, len(cfg.Providers))
	for name, provider := range cfg.Providers {
		mappings[name] = provider.ClaimMappings
	}
	s.manager = session.NewManager(s.store, adapters, mappings, sink, session.Config{
		CallbackURL: cfg.CallbackURL,
		AccessTTL:   cfg.Tokens.AccessTTL,
		RefreshTTL:  cfg.Tokens.RefreshTTL,
		IdleTimeout: cfg.Tokens.IdleTimeout,
		StateTTL:    cfg.Tokens.StateTTL,
		AuthCodeTTL: cfg.Tokens.AuthCodeTTL,
	})

	exchangers := make(map[string]providers.TokenExchanger)
	for name, adapter := range adapters {
		if exchanger, ok := adapter.(providers.TokenExchanger); ok {
			exchangers[name] = exchanger
		}
	}
	s.broker = exchange.NewBroker(cfg.ScopeRequirements, exchangers, s.store)

	if err := s.seedClients(ctx); err != nil {
		return nil, err
	}

	mwMode := middleware.Mode(cfg.Mode)
	opts := middleware.Options{
		Mode:           mwMode,
		Manager:        s.manager,
		Verifier:       s.verifier,
		Proxy:          s.proxy,
		HybridOrder:    cfg.HybridOrder,
		Broker:         s.broker,
		RequiredScopes: cfg.RequiredScopes,
		Sink:           sink,
		Store:          s.store,
	}
	if s.verifier != nil {
		opts.VerifierMappings = cfg.Providers[s.verifierProviderName()].ClaimMappings
	}
	if cfg.Proxy != nil {
		opts.ProxyMappings = cfg.Proxy.ClaimMappings
	}
	if cfg.Mode == ModeVerifier || cfg.Mode == ModeProxy {
		// No session manager participates in these modes.
		opts.Manager = nil
	}
	if s.mw, err = middleware.New(opts); err != nil {
		return nil, err
	}

	if cfg.Mode == ModeIssuer {
		s.routes = server.New(s.manager, cfg.Issuer, sortedScopes(cfg.MappableScopes()))
	}

	s.manager.StartCleanup(ctx, cfg.Persistence.CleanupInterval)
	logger.Infow("auth service ready", "mode", cfg.Mode, "backend", s.backendName())
	return s, nil
}

func (s *Service) backendName() string {
	if s.cfg.Persistence.Backend == "" {
		return BackendSQLite
	}
	return s.cfg.Persistence.Backend
}

func (s *Service) openStore(ctx context.Context) error {
	backend := s.backendName()
	switch backend {
	case BackendMemory:
		s.store = store.NewMemoryStore()
		return nil
	case BackendSQLite:
		key, err := s.resolver.Resolve(ctx, s.cfg.Persistence.EncryptionKeyRef)
		if err != nil {
			return fmt.Errorf("encryption key: %w", err)
		}
		s.store, err = store.OpenSQLite(ctx, store.SQLiteOptions{
			Path:          s.cfg.Persistence.Path,
			EncryptionKey: []byte(key),
		})
		return err
	case BackendRedis:
		key, err := s.resolver.Resolve(ctx, s.cfg.Persistence.EncryptionKeyRef)
		if err != nil {
			return fmt.Errorf("encryption key: %w", err)
		}
		client := redis.NewClient(&redis.Options{Addr: s.cfg.Persistence.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis unreachable: %w", err)
		}
		s.store, err = store.NewRedisStore(client, s.cfg.Persistence.RedisKeyPrefix, []byte(key))
		return err
	default:
		return fmt.Errorf("unknown persistence backend %q", backend)
	}
}

func (s *Service) verifierProviderName() string {
	if s.cfg.VerifierProvider != "" {
		return s.cfg.VerifierProvider
	}
	for name := range s.cfg.Providers {
		if len(s.cfg.Providers) == 1 {
			return name
		}
	}
	return ""
}

// buildAdapters constructs every configured adapter with freshly resolved
// secrets. Reload calls it again and swaps the result in.
func (s *Service) buildAdapters(ctx context.Context) (map[string]providers.Adapter, providers.Verifier, error) {
	adapters := make(map[string]providers.Adapter, len(s.cfg.Providers))
	var verifier providers.Verifier

	for name, providerCfg := range s.cfg.Providers {
		secret := ""
		if providerCfg.ClientSecretRef != "" {
			resolved, err := s.resolver.Resolve(ctx, providerCfg.ClientSecretRef)
			if err != nil {
				return nil, nil, fmt.Errorf("provider %s: client secret: %w", name, err)
			}
			secret = resolved
		}
		family := providers.FamilyConfig{
			ClientID:      providerCfg.ClientID,
			ClientSecret:  secret,
			IssuerURL:     providerCfg.IssuerURL,
			Scopes:        providerCfg.requestScopes(),
			TokenExchange: providerCfg.TokenExchange,
		}

		var (
			adapter providers.Adapter
			err     error
		)
		switch providerCfg.Family {
		case FamilyGoogle:
			adapter, err = providers.NewGoogle(family)
		case FamilyGitHub:
			adapter, err = providers.NewGitHub(family)
		case FamilyKeycloak:
			adapter, err = providers.NewKeycloak(family)
		case FamilyAtlassian:
			adapter, err = providers.NewAtlassian(family)
		case FamilySalesforce:
			adapter, err = providers.NewSalesforce(family)
		case FamilyTest:
			adapter = providers.NewTestAdapter(providerCfg.requestScopes()...)
		case FamilyOIDC:
			v, verr := providers.NewOIDCVerifier(ctx, name, providers.OIDCVerifierConfig{
				IssuerURL: providerCfg.IssuerURL,
				ClientID:  providerCfg.ClientID,
			})
			if verr != nil {
				return nil, nil, fmt.Errorf("provider %s: %w", name, verr)
			}
			if name == s.verifierProviderName() {
				verifier = v
			}
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("provider %s: %w", name, err)
		}
		adapters[name] = adapter

		if name == s.verifierProviderName() {
			if v, ok := adapter.(providers.Verifier); ok {
				verifier = v
			}
		}
	}

	if s.cfg.Mode == ModeVerifier && verifier == nil {
		return nil, nil, fmt.Errorf("verifier mode requires a provider capable of token verification")
	}
	return adapters, verifier, nil
}

func (s *Service) buildProxy(ctx context.Context) (*providers.ProxyAdapter, error) {
	if s.cfg.Proxy == nil {
		return nil, nil
	}
	var secret []byte
	if s.cfg.Proxy.SignatureSecretRef != "" {
		resolved, err := s.resolver.Resolve(ctx, s.cfg.Proxy.SignatureSecretRef)
		if err != nil {
			return nil, fmt.Errorf("proxy signature secret: %w", err)
		}
		secret = []byte(resolved)
	}
	return providers.NewProxyAdapter(providers.ProxyConfig{
		UserIDHeader:        s.cfg.Proxy.UserIDHeader,
		NameHeader:          s.cfg.Proxy.NameHeader,
		EmailHeader:         s.cfg.Proxy.EmailHeader,
		GroupsHeader:        s.cfg.Proxy.GroupsHeader,
		RolesHeader:         s.cfg.Proxy.RolesHeader,
		ScopesHeader:        s.cfg.Proxy.ScopesHeader,
		UpstreamTokenHeader: s.cfg.Proxy.UpstreamTokenHeader,
		SignatureHeader:     s.cfg.Proxy.SignatureHeader,
		SignatureSecret:     secret,
		RequireMTLS:         s.cfg.Proxy.RequireMTLS,
	})
}

func (s *Service) seedClients(ctx context.Context) error {
	for _, clientCfg := range s.cfg.Clients {
		digest := ""
		if clientCfg.SecretRef != "" {
			secret, err := s.resolver.Resolve(ctx, clientCfg.SecretRef)
			if err != nil {
				return fmt.Errorf("client %s: secret: %w", clientCfg.ClientID, err)
			}
			sum := sha256.Sum256([]byte(secret))
			digest = hex.EncodeToString(sum[:])
		}
		grantTypes := clientCfg.GrantTypes
		if len(grantTypes) == 0 {
			grantTypes = []string{"authorization_code", "refresh_token"}
		}
		err := s.store.PutClient(ctx, &store.ClientRegistration{
			ClientID:      clientCfg.ClientID,
			RedirectURIs:  clientCfg.RedirectURIs,
			GrantTypes:    grantTypes,
			AllowedScopes: clientCfg.AllowedScopes,
			SecretDigest:  digest,
			Public:        clientCfg.Public,
		})
		if err != nil {
			return fmt.Errorf("client %s: %w", clientCfg.ClientID, err)
		}
	}
	return nil
}

// RegisterRoutes installs the mode's HTTP surface on the host router:
// authorize/callback/token plus metadata in issuer mode, protected-resource
// metadata in verifier mode, nothing in pure proxy mode.
func (s *Service) RegisterRoutes(r chi.Router) {
	if s.routes != nil {
		s.routes.Register(r)
	}
	if s.cfg.Mode == ModeVerifier {
		provider := s.cfg.Providers[s.verifierProviderName()]
		r.Get("/.well-known/oauth-protected-resource",
			middleware.NewAuthInfoHandler(provider.IssuerURL, s.cfg.Issuer, sortedScopes(s.cfg.MappableScopes())).ServeHTTP)
	}
}

// BuildMiddleware returns the request gate configured for the active mode.
func (s *Service) BuildMiddleware() *middleware.Middleware {
	return s.mw
}

// Manager exposes the session manager (issuer mode; nil otherwise).
func (s *Service) Manager() *session.Manager {
	return s.manager
}

// ValidateEndpointScopes checks declared endpoint scopes against the union
// of scopes the mapping configuration can produce. Policy is "warn"
// (default) or "fail".
func (s *Service) ValidateEndpointScopes(declared []string) error {
	mappable := s.cfg.MappableScopes()
	for _, scope := range declared {
		if _, ok := mappable[scope]; ok {
			continue
		}
		if s.cfg.ScopeValidation == "fail" {
			return errors.Newf(errors.ErrInternal, "endpoint declares scope %q that no mapping can produce", scope)
		}
		logger.Warnw("endpoint declares scope no mapping can produce", "scope", scope)
	}
	return nil
}

// GetProviderToken is the helper exposed to tool code: it returns the
// downstream provider token the middleware attached to the invocation
// context.
func (*Service) GetProviderToken(ctx context.Context, provider, audience string) (*identity.ProviderToken, error) {
	tok, ok := identity.ProviderTokenFromContext(ctx, provider, audience)
	if !ok {
		return nil, errors.Newf(errors.ErrDownstreamUnavailable, "no token available for provider %q", provider)
	}
	return tok, nil
}

// Reload re-resolves secret references and swaps the results in. Static
// topology (mode, routes, schema) is immutable; a resolution failure
// leaves previous values in place.
func (s *Service) Reload(ctx context.Context) error {
	if s.cfg.Mode == ModeDisabled {
		return nil
	}
	adapters, verifier, err := s.buildAdapters(ctx)
	if err != nil {
		logger.Errorw("reload failed, keeping previous secrets", "error", err)
		return err
	}
	proxy, err := s.buildProxy(ctx)
	if err != nil {
		logger.Errorw("reload failed, keeping previous secrets", "error", err)
		return err
	}

	if s.manager != nil {
		s.manager.ReplaceAdapters(adapters)
	}
	if verifier != nil {
		s.verifier = verifier
		s.mw.SetVerifier(verifier)
	}
	if proxy != nil {
		s.proxy = proxy
		s.mw.SetProxy(proxy)
	}
	logger.Info("auth secrets reloaded")
	return nil
}

// Close shuts the service down: the sweeper is cancelled with a bounded
// grace period and the store is flushed and closed. The caller stops
// accepting requests before calling Close.
func (s *Service) Close() error {
	if s.manager != nil {
		s.manager.Close(10 * time.Second)
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

func sortedScopes(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for scope := range set {
		out = append(out, scope)
	}
	sort.Strings(out)
	return out
}
