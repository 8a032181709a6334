// Package app implements the mxcp-auth CLI commands.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/raw-labs/mxcp/pkg/auth"
	"github.com/raw-labs/mxcp/pkg/auth/scopes"
	"github.com/raw-labs/mxcp/pkg/logger"
	"github.com/raw-labs/mxcp/pkg/secrets"
)

// NewRootCmd builds the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mxcp-auth",
		Short: "MXCP authentication and authorization service",
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			debug, _ := cmd.Flags().GetBool("debug")
			logger.Initialize(logger.Options{
				Unstructured: logger.UnstructuredFromEnv(os.Getenv("UNSTRUCTURED_LOGS")),
				Debug:        debug,
			})
		},
	}
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.AddCommand(newServeCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	var (
		configPath string
		listenAddr string
	)
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the auth endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, listenAddr)
		},
	}
	serveCmd.Flags().StringVar(&configPath, "config", "mxcp-auth.yaml", "path to the configuration file")
	serveCmd.Flags().StringVar(&listenAddr, "listen", ":8200", "listen address")
	return serveCmd
}

// fileConfig mirrors the YAML configuration file. It is adapted into the
// SDK-level auth.Config; the auth core itself never reads files.
type fileConfig struct {
	Mode     string `mapstructure:"mode"`
	Issuer   string `mapstructure:"issuer"`
	Callback string `mapstructure:"callback_url"`

	Providers map[string]struct {
		Family          string               `mapstructure:"family"`
		ClientID        string               `mapstructure:"client_id"`
		ClientSecretRef string               `mapstructure:"client_secret_ref"`
		IssuerURL       string               `mapstructure:"issuer_url"`
		RequiredScopes  []string             `mapstructure:"required_scopes"`
		OptionalScopes  []string             `mapstructure:"optional_scopes"`
		ClaimMappings   scopes.ClaimMappings `mapstructure:"claim_mappings"`
		TokenExchange   bool                 `mapstructure:"token_exchange"`
	} `mapstructure:"providers"`

	VerifierProvider string `mapstructure:"verifier_provider"`

	Proxy *struct {
		UserIDHeader        string               `mapstructure:"user_id_header"`
		NameHeader          string               `mapstructure:"name_header"`
		EmailHeader         string               `mapstructure:"email_header"`
		GroupsHeader        string               `mapstructure:"groups_header"`
		RolesHeader         string               `mapstructure:"roles_header"`
		ScopesHeader        string               `mapstructure:"mxcp_scopes_header"`
		UpstreamTokenHeader string               `mapstructure:"upstream_token_header"`
		SignatureHeader     string               `mapstructure:"signature_header"`
		SignatureSecretRef  string               `mapstructure:"signature_secret_ref"`
		RequireMTLS         bool                 `mapstructure:"require_mtls"`
		ClaimMappings       scopes.ClaimMappings `mapstructure:"claim_mappings"`
	} `mapstructure:"proxy"`

	HybridOrder []string `mapstructure:"hybrid_order"`

	ScopeRequirements map[string]struct {
		Provider string `mapstructure:"provider"`
		Audience string `mapstructure:"audience"`
		Resource string `mapstructure:"resource"`
	} `mapstructure:"scope_requirements"`

	RequiredScopes []string `mapstructure:"required_scopes"`

	Clients []struct {
		ClientID      string   `mapstructure:"client_id"`
		RedirectURIs  []string `mapstructure:"redirect_uris"`
		GrantTypes    []string `mapstructure:"grant_types"`
		AllowedScopes []string `mapstructure:"allowed_scopes"`
		SecretRef     string   `mapstructure:"secret_ref"`
		Public        bool     `mapstructure:"public"`
	} `mapstructure:"clients"`

	Persistence struct {
		Backend          string        `mapstructure:"backend"`
		Path             string        `mapstructure:"path"`
		RedisAddr        string        `mapstructure:"redis_addr"`
		RedisKeyPrefix   string        `mapstructure:"redis_key_prefix"`
		EncryptionKeyRef string        `mapstructure:"encryption_key_ref"`
		CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`
	} `mapstructure:"persistence"`

	Tokens struct {
		AccessTTL   time.Duration `mapstructure:"access_ttl"`
		RefreshTTL  time.Duration `mapstructure:"refresh_ttl"`
		IdleTimeout time.Duration `mapstructure:"idle_timeout"`
		StateTTL    time.Duration `mapstructure:"state_ttl"`
		AuthCodeTTL time.Duration `mapstructure:"auth_code_ttl"`
	} `mapstructure:"tokens"`

	ScopeValidation string `mapstructure:"scope_validation"`
}

func loadConfig(path string) (auth.Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return auth.Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	var file fileConfig
	if err := v.Unmarshal(&file); err != nil {
		return auth.Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return adaptConfig(file), nil
}

func adaptConfig(file fileConfig) auth.Config {
	cfg := auth.Config{
		Mode:             auth.Mode(file.Mode),
		Issuer:           file.Issuer,
		CallbackURL:      file.Callback,
		VerifierProvider: file.VerifierProvider,
		HybridOrder:      file.HybridOrder,
		RequiredScopes:   file.RequiredScopes,
		ScopeValidation:  file.ScopeValidation,
		Persistence: auth.PersistenceConfig{
			Backend:          file.Persistence.Backend,
			Path:             file.Persistence.Path,
			RedisAddr:        file.Persistence.RedisAddr,
			RedisKeyPrefix:   file.Persistence.RedisKeyPrefix,
			EncryptionKeyRef: secrets.Ref(file.Persistence.EncryptionKeyRef),
			CleanupInterval:  file.Persistence.CleanupInterval,
		},
		Tokens: auth.TokensConfig{
			AccessTTL:   file.Tokens.AccessTTL,
			RefreshTTL:  file.Tokens.RefreshTTL,
			IdleTimeout: file.Tokens.IdleTimeout,
			StateTTL:    file.Tokens.StateTTL,
			AuthCodeTTL: file.Tokens.AuthCodeTTL,
		},
	}
	if len(file.Providers) > 0 {
		cfg.Providers = make(map[string]auth.ProviderConfig, len(file.Providers))
		for name, p := range file.Providers {
			cfg.Providers[name] = auth.ProviderConfig{
				Family:          p.Family,
				ClientID:        p.ClientID,
				ClientSecretRef: secrets.Ref(p.ClientSecretRef),
				IssuerURL:       p.IssuerURL,
				RequiredScopes:  p.RequiredScopes,
				OptionalScopes:  p.OptionalScopes,
				ClaimMappings:   p.ClaimMappings,
				TokenExchange:   p.TokenExchange,
			}
		}
	}
	if file.Proxy != nil {
		cfg.Proxy = &auth.ProxyConfig{
			UserIDHeader:        file.Proxy.UserIDHeader,
			NameHeader:          file.Proxy.NameHeader,
			EmailHeader:         file.Proxy.EmailHeader,
			GroupsHeader:        file.Proxy.GroupsHeader,
			RolesHeader:         file.Proxy.RolesHeader,
			ScopesHeader:        file.Proxy.ScopesHeader,
			UpstreamTokenHeader: file.Proxy.UpstreamTokenHeader,
			SignatureHeader:     file.Proxy.SignatureHeader,
			SignatureSecretRef:  secrets.Ref(file.Proxy.SignatureSecretRef),
			RequireMTLS:         file.Proxy.RequireMTLS,
			ClaimMappings:       file.Proxy.ClaimMappings,
		}
	}
	if len(file.ScopeRequirements) > 0 {
		cfg.ScopeRequirements = make(scopes.Requirements, len(file.ScopeRequirements))
		for scope, req := range file.ScopeRequirements {
			cfg.ScopeRequirements[scope] = scopes.Requirement{
				Provider: req.Provider,
				Audience: req.Audience,
				Resource: req.Resource,
			}
		}
	}
	for _, c := range file.Clients {
		cfg.Clients = append(cfg.Clients, auth.ClientConfig{
			ClientID:      c.ClientID,
			RedirectURIs:  c.RedirectURIs,
			GrantTypes:    c.GrantTypes,
			AllowedScopes: c.AllowedScopes,
			SecretRef:     secrets.Ref(c.SecretRef),
			Public:        c.Public,
		})
	}
	return cfg
}

func serve(ctx context.Context, cfg auth.Config, listenAddr string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	service, err := auth.FromConfig(ctx, cfg, secrets.NewResolver(), nil)
	if err != nil {
		return fmt.Errorf("failed to start auth service: %w", err)
	}
	defer func() {
		if cerr := service.Close(); cerr != nil {
			logger.Errorf("failed to close auth service: %v", cerr)
		}
	}()

	// SIGHUP re-resolves secret references without a restart.
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	go func() {
		for range reload {
			if rerr := service.Reload(ctx); rerr != nil {
				logger.Errorw("reload failed", "error", rerr)
			}
		}
	}()
	defer signal.Stop(reload)

	router := chi.NewRouter()
	service.RegisterRoutes(router)

	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- httpServer.ListenAndServe() }()
	logger.Infow("listening", "addr", listenAddr, "mode", cfg.Mode)

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
