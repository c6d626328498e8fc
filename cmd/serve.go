package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/authbridge/mailmcp/internal/auth"
	"github.com/authbridge/mailmcp/internal/broker"
	"github.com/authbridge/mailmcp/internal/credstore"
	"github.com/authbridge/mailmcp/internal/gmail"
	"github.com/authbridge/mailmcp/internal/instrumentation"
	"github.com/authbridge/mailmcp/internal/server"
	"github.com/authbridge/mailmcp/internal/tools/mailtools"
	"github.com/authbridge/mailmcp/internal/tools/prompttools"
)

const (
	// defaultJWKSTTL is how long fetched signing keys are cached before
	// the next verification refetches the JWKS document.
	defaultJWKSTTL = 10 * time.Minute

	// Rate limiting for the HTTP transport. Generous enough for
	// interactive MCP clients, tight enough to stop brute-force token
	// guessing against the bearer middleware.
	defaultRateLimitRPS   = 10
	defaultRateLimitBurst = 20
)

// serverInstructions is handed to MCP clients during initialization so
// they know which tools exist and how they fit together.
const serverInstructions = `# mailmcp

This server provides tools with OAuth authentication (Auth0) and optional Gmail access for the logged-in user.

## Available Tools

### greet_user
Greets the authenticated user by name.

### fetch_instructions
Retrieves specialized writing instruction templates.

**Parameters:**
- ` + "`prompt_name`" + ` (string): One of ` + "`write_blog_post`, `write_social_post`, `write_video_chapters`" + `

**Returns:** Instructions for the requested content type.

### link_my_gmail
Links the authenticated user's Gmail account to this server. Call once with a Google OAuth refresh token.

**Parameters:**
- ` + "`refresh_token`" + ` (string): Google OAuth refresh token

### unlink_my_gmail
Removes the authenticated user's stored Gmail link.

### list_my_recent_emails
Lists the most recent emails from the authenticated user's Gmail inbox. Requires Gmail to be linked first via ` + "`link_my_gmail`" + `.

**Parameters:**
- ` + "`max_results`" + ` (int, optional): Number of emails to return (1-20, default 10)

**Returns:** Subject, from, date, and snippet for each message.
`

// ServeConfig holds the resolved configuration for the serve command after
// flags and environment variables have been merged.
type ServeConfig struct {
	Transport string
	HTTPAddr  string
	BaseURL   string

	// Auth0 tenant settings (required for the HTTP transport)
	Auth0Domain   string
	Auth0Audience string
	JWKSTTL       time.Duration

	// Google OAuth client used to exchange stored refresh tokens.
	// Optional: without it the Gmail tools report that linking is not
	// configured instead of failing at startup.
	GoogleClientID     string
	GoogleClientSecret string

	// TokenStorePath is where linked refresh tokens are persisted.
	TokenStorePath string

	MetricsEnabled bool
	MetricsAddr    string

	Debug bool
}

func newServeCmd() *cobra.Command {
	var cfg ServeConfig

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Long: `Start the Model Context Protocol (MCP) server that provides prompt
templates and per-user Gmail tools for AI assistants.

Supports multiple transport types:
  - stdio: Standard input/output (default)
  - streamable-http: Streamable HTTP transport with bearer authentication

Authentication (HTTP transport):
  Callers must present an Auth0-issued bearer token. The Auth0 tenant is
  configured with:
    --auth0-domain your-tenant.auth0.com OR AUTH0_DOMAIN env var
    --auth0-audience https://your-api OR AUTH0_AUDIENCE env var

Gmail linking:
  Users link their Gmail account with the link_my_gmail tool. Exchanging
  the stored refresh token for access tokens requires a Google OAuth
  client:
    --google-client-id and --google-client-secret flags
    OR GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET env vars
  Without these, the Gmail tools report that linking is not configured.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			applyServeEnv(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&cfg.Transport, "transport", "stdio", "Transport type: stdio or streamable-http")
	cmd.Flags().StringVar(&cfg.HTTPAddr, "http-addr", ":8080", "HTTP server address (for streamable-http transport)")
	cmd.Flags().StringVar(&cfg.BaseURL, "base-url", "", "Public base URL of this server (streamable-http transport). Can also use MCP_BASE_URL env var.")
	cmd.Flags().StringVar(&cfg.Auth0Domain, "auth0-domain", "", "Auth0 tenant domain (e.g. your-tenant.auth0.com). Can also use AUTH0_DOMAIN env var.")
	cmd.Flags().StringVar(&cfg.Auth0Audience, "auth0-audience", "", "Expected audience claim of bearer tokens. Can also use AUTH0_AUDIENCE env var.")
	cmd.Flags().DurationVar(&cfg.JWKSTTL, "jwks-ttl", defaultJWKSTTL, "How long fetched JWKS signing keys are cached")
	cmd.Flags().StringVar(&cfg.GoogleClientID, "google-client-id", "", "Google OAuth Client ID for refresh token exchange. Can also use GOOGLE_CLIENT_ID env var.")
	cmd.Flags().StringVar(&cfg.GoogleClientSecret, "google-client-secret", "", "Google OAuth Client Secret for refresh token exchange. Can also use GOOGLE_CLIENT_SECRET env var.")
	cmd.Flags().StringVar(&cfg.TokenStorePath, "token-store", "", "Path to the refresh token store file. Can also use GMAIL_TOKEN_STORE_PATH env var. Defaults to ~/.mailmcp/tokens.json")
	cmd.Flags().BoolVar(&cfg.MetricsEnabled, "metrics-enabled", true, "Enable the metrics server on a dedicated port. Can also use METRICS_ENABLED env var.")
	cmd.Flags().StringVar(&cfg.MetricsAddr, "metrics-addr", server.DefaultMetricsAddr, "Metrics server address. Can also use METRICS_ADDR env var.")

	return cmd
}

// applyServeEnv fills in values from environment variables for flags the
// user did not set explicitly.
func applyServeEnv(cmd *cobra.Command, cfg *ServeConfig) {
	stringEnvs := []struct {
		flag string
		env  string
		dst  *string
	}{
		{"auth0-domain", "AUTH0_DOMAIN", &cfg.Auth0Domain},
		{"auth0-audience", "AUTH0_AUDIENCE", &cfg.Auth0Audience},
		{"base-url", "MCP_BASE_URL", &cfg.BaseURL},
		{"google-client-id", "GOOGLE_CLIENT_ID", &cfg.GoogleClientID},
		{"google-client-secret", "GOOGLE_CLIENT_SECRET", &cfg.GoogleClientSecret},
		{"token-store", "GMAIL_TOKEN_STORE_PATH", &cfg.TokenStorePath},
		{"metrics-addr", "METRICS_ADDR", &cfg.MetricsAddr},
	}
	for _, e := range stringEnvs {
		if !cmd.Flags().Changed(e.flag) {
			if v := os.Getenv(e.env); v != "" {
				*e.dst = v
			}
		}
	}

	if !cmd.Flags().Changed("metrics-enabled") {
		if v := os.Getenv("METRICS_ENABLED"); v == "false" {
			cfg.MetricsEnabled = false
		}
	}
}

// Validate checks that the configuration is complete for the selected
// transport.
func (c *ServeConfig) Validate() error {
	switch c.Transport {
	case "stdio":
	case "streamable-http":
		if c.Auth0Domain == "" {
			return fmt.Errorf("--auth0-domain (or AUTH0_DOMAIN) is required for the streamable-http transport")
		}
		if c.Auth0Audience == "" {
			return fmt.Errorf("--auth0-audience (or AUTH0_AUDIENCE) is required for the streamable-http transport")
		}
	default:
		return fmt.Errorf("unsupported transport type: %s (supported: stdio, streamable-http)", c.Transport)
	}
	return nil
}

// auth0Endpoints derives the issuer, JWKS and userinfo URLs from an Auth0
// tenant domain. The domain may be given bare ("tenant.auth0.com"), with a
// scheme, or with a trailing slash.
func auth0Endpoints(domain string) (issuer, jwksURL, userinfoURL string) {
	d := strings.TrimSuffix(domain, "/")
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")

	issuer = "https://" + d + "/"
	jwksURL = issuer + ".well-known/jwks.json"
	userinfoURL = issuer + "userinfo"
	return issuer, jwksURL, userinfoURL
}

// defaultTokenStorePath returns the fallback location of the refresh token
// store when neither the flag nor the environment variable is set.
func defaultTokenStorePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for token store: %w", err)
	}
	return filepath.Join(home, ".mailmcp", "tokens.json"), nil
}

func runServe(ctx context.Context, cfg ServeConfig) error {
	// Setup graceful shutdown
	shutdownCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Logs go to stderr: on the stdio transport, stdout carries the MCP
	// protocol stream.
	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// Initialize instrumentation provider
	instrConfig := instrumentation.DefaultConfig()
	instrConfig.ServiceVersion = version

	provider, err := instrumentation.NewProvider(shutdownCtx, instrConfig)
	if err != nil {
		return fmt.Errorf("failed to create instrumentation provider: %w", err)
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.Error("instrumentation shutdown failed", "error", err)
		}
	}()

	// Refresh token store
	storePath := cfg.TokenStorePath
	if storePath == "" {
		storePath, err = defaultTokenStorePath()
		if err != nil {
			return err
		}
	}
	store, err := credstore.NewFileStore(storePath, logger)
	if err != nil {
		return fmt.Errorf("failed to open token store %s: %w", storePath, err)
	}

	// Token broker, only when a Google OAuth client is configured. A nil
	// broker makes the Gmail tools report that linking is not configured.
	var tokenBroker *broker.Broker
	if cfg.GoogleClientID != "" && cfg.GoogleClientSecret != "" {
		exchanger, err := broker.NewGoogleExchanger(cfg.GoogleClientID, cfg.GoogleClientSecret)
		if err != nil {
			return fmt.Errorf("failed to create token exchanger: %w", err)
		}
		tokenBroker = broker.New(store, exchanger, logger,
			broker.WithMetrics(provider.Metrics()))
	} else {
		logger.Warn("Google OAuth client not configured, Gmail tools will be unavailable",
			"hint", "set GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET to enable them")
	}

	// Bearer verification against the Auth0 tenant. Only wired up when a
	// domain is configured; the stdio transport works without it.
	var (
		verifier       *auth.Verifier
		userinfoClient *auth.UserInfoClient
	)
	if cfg.Auth0Domain != "" {
		issuer, jwksURL, userinfoURL := auth0Endpoints(cfg.Auth0Domain)
		keys := auth.NewKeyCache(jwksURL,
			auth.WithKeyCacheTTL(cfg.JWKSTTL),
			auth.WithKeyCacheLogger(logger),
			auth.WithKeyCacheMetrics(provider.Metrics()))
		verifier = auth.NewVerifier(keys, issuer, cfg.Auth0Audience,
			auth.WithVerifierLogger(logger))
		userinfoClient = auth.NewUserInfoClient(userinfoURL)
	}

	serverContext := server.NewServerContext(shutdownCtx, server.Deps{
		Verifier: verifier,
		UserInfo: userinfoClient,
		Store:    store,
		Broker:   tokenBroker,
		Gmail:    gmail.NewClient(logger),
		Logger:   logger,
		Metrics:  provider.Metrics(),
		Audit:    instrumentation.NewAuditLogger(logger, instrConfig.AuditLogging),
	})
	defer func() {
		if err := serverContext.Shutdown(); err != nil {
			logger.Error("server context shutdown failed", "error", err)
		}
	}()

	// Create MCP server
	mcpSrv := mcpserver.NewMCPServer("mailmcp", version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
	)

	// Register all tools
	if err := registerAllTools(mcpSrv, serverContext); err != nil {
		return err
	}

	// Start the appropriate server based on transport type
	switch cfg.Transport {
	case "stdio":
		return runStdioServer(mcpSrv)
	case "streamable-http":
		return runStreamableHTTPServer(shutdownCtx, mcpSrv, serverContext, provider, cfg, logger)
	default:
		return fmt.Errorf("unsupported transport type: %s (supported: stdio, streamable-http)", cfg.Transport)
	}
}

// registerAllTools registers all MCP tools with the server.
func registerAllTools(mcpSrv *mcpserver.MCPServer, ctx *server.ServerContext) error {
	type toolRegistration struct {
		name     string
		register func() error
	}

	registrations := []toolRegistration{
		{
			name: "Prompts",
			register: func() error {
				return prompttools.RegisterPromptTools(mcpSrv, ctx)
			},
		},
		{
			name: "Gmail",
			register: func() error {
				return mailtools.RegisterMailTools(mcpSrv, ctx)
			},
		},
	}

	for _, reg := range registrations {
		if err := reg.register(); err != nil {
			return fmt.Errorf("failed to register %s tools: %w", reg.name, err)
		}
	}

	return nil
}

func runStdioServer(mcpSrv *mcpserver.MCPServer) error {
	serverDone := make(chan error, 1)
	go func() {
		defer close(serverDone)
		if err := mcpserver.ServeStdio(mcpSrv); err != nil {
			serverDone <- err
		}
	}()

	err := <-serverDone
	if err != nil {
		return fmt.Errorf("server stopped with error: %w", err)
	}
	return nil
}

func runStreamableHTTPServer(ctx context.Context, mcpSrv *mcpserver.MCPServer, serverContext *server.ServerContext, provider *instrumentation.Provider, cfg ServeConfig, logger *slog.Logger) error {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://%s", cfg.HTTPAddr)
		if strings.HasPrefix(cfg.HTTPAddr, ":") {
			baseURL = fmt.Sprintf("http://localhost%s", cfg.HTTPAddr)
		}
		logger.Info("no base URL configured, using auto-detected",
			"base_url", baseURL,
			"hint", "set --base-url or MCP_BASE_URL for deployed instances")
	}

	// Start the metrics server on its own port so operational metrics
	// stay off the authenticated listener.
	var metricsServer *server.MetricsServer
	if cfg.MetricsEnabled && provider.Enabled() {
		var err error
		metricsServer, err = server.NewMetricsServer(server.MetricsServerConfig{
			Addr:                    cfg.MetricsAddr,
			InstrumentationProvider: provider,
		})
		if err != nil {
			return fmt.Errorf("failed to create metrics server: %w", err)
		}

		go func() {
			if err := metricsServer.Start(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("metrics server shutdown failed", "error", err)
			}
		}()
	}

	httpServer := mcpserver.NewStreamableHTTPServer(mcpSrv,
		mcpserver.WithEndpointPath("/mcp"),
	)

	rateLimiter := server.NewRateLimiter(ctx, defaultRateLimitRPS, defaultRateLimitBurst)

	mux := http.NewServeMux()
	mux.Handle("/mcp", server.Chain(httpServer,
		server.HTTPMetrics(provider.Metrics()),
		rateLimiter.Middleware,
		server.BearerAuth(serverContext.Verifier(), provider.Metrics(), logger),
	))

	healthChecker := server.NewHealthChecker(serverContext)
	healthChecker.RegisterHealthEndpoints(mux)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("starting streamable HTTP server",
		"addr", cfg.HTTPAddr,
		"base_url", baseURL,
		"mcp_endpoint", "/mcp",
		"health_endpoints", "/healthz,/readyz")

	serverDone := make(chan error, 1)
	go func() {
		defer close(serverDone)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverDone <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping HTTP server")
		healthChecker.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.DefaultShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("error shutting down HTTP server: %w", err)
		}
	case err := <-serverDone:
		if err != nil {
			return fmt.Errorf("HTTP server stopped with error: %w", err)
		}
	}

	logger.Info("HTTP server gracefully stopped")
	return nil
}
