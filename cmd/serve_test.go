package cmd

import (
	"strings"
	"testing"
	"time"
)

func TestAuth0Endpoints(t *testing.T) {
	tests := []struct {
		name         string
		domain       string
		wantIssuer   string
		wantJWKS     string
		wantUserinfo string
	}{
		{
			name:         "bare domain",
			domain:       "tenant.auth0.com",
			wantIssuer:   "https://tenant.auth0.com/",
			wantJWKS:     "https://tenant.auth0.com/.well-known/jwks.json",
			wantUserinfo: "https://tenant.auth0.com/userinfo",
		},
		{
			name:         "domain with scheme",
			domain:       "https://tenant.auth0.com",
			wantIssuer:   "https://tenant.auth0.com/",
			wantJWKS:     "https://tenant.auth0.com/.well-known/jwks.json",
			wantUserinfo: "https://tenant.auth0.com/userinfo",
		},
		{
			name:         "domain with trailing slash",
			domain:       "tenant.auth0.com/",
			wantIssuer:   "https://tenant.auth0.com/",
			wantJWKS:     "https://tenant.auth0.com/.well-known/jwks.json",
			wantUserinfo: "https://tenant.auth0.com/userinfo",
		},
		{
			name:         "custom domain with scheme and slash",
			domain:       "https://login.example.com/",
			wantIssuer:   "https://login.example.com/",
			wantJWKS:     "https://login.example.com/.well-known/jwks.json",
			wantUserinfo: "https://login.example.com/userinfo",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issuer, jwks, userinfo := auth0Endpoints(tt.domain)
			if issuer != tt.wantIssuer {
				t.Errorf("issuer = %q, want %q", issuer, tt.wantIssuer)
			}
			if jwks != tt.wantJWKS {
				t.Errorf("jwks = %q, want %q", jwks, tt.wantJWKS)
			}
			if userinfo != tt.wantUserinfo {
				t.Errorf("userinfo = %q, want %q", userinfo, tt.wantUserinfo)
			}
		})
	}
}

func TestServeConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServeConfig
		wantErr bool
	}{
		{
			name: "stdio needs no tenant",
			cfg:  ServeConfig{Transport: "stdio"},
		},
		{
			name: "http with tenant",
			cfg: ServeConfig{
				Transport:     "streamable-http",
				Auth0Domain:   "tenant.auth0.com",
				Auth0Audience: "https://mcp.example.com",
			},
		},
		{
			name:    "http without domain",
			cfg:     ServeConfig{Transport: "streamable-http", Auth0Audience: "https://mcp.example.com"},
			wantErr: true,
		},
		{
			name:    "http without audience",
			cfg:     ServeConfig{Transport: "streamable-http", Auth0Domain: "tenant.auth0.com"},
			wantErr: true,
		},
		{
			name:    "unknown transport",
			cfg:     ServeConfig{Transport: "sse"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyServeEnvFallbacks(t *testing.T) {
	t.Setenv("AUTH0_DOMAIN", "env-tenant.auth0.com")
	t.Setenv("AUTH0_AUDIENCE", "https://env.example.com")
	t.Setenv("GOOGLE_CLIENT_ID", "env-client-id")
	t.Setenv("GOOGLE_CLIENT_SECRET", "env-client-secret")
	t.Setenv("GMAIL_TOKEN_STORE_PATH", "/var/lib/mailmcp/tokens.json")
	t.Setenv("METRICS_ENABLED", "false")

	cmd := newServeCmd()
	var cfg ServeConfig
	cfg.MetricsEnabled = true

	applyServeEnv(cmd, &cfg)

	if cfg.Auth0Domain != "env-tenant.auth0.com" {
		t.Errorf("Auth0Domain = %q, want env value", cfg.Auth0Domain)
	}
	if cfg.Auth0Audience != "https://env.example.com" {
		t.Errorf("Auth0Audience = %q, want env value", cfg.Auth0Audience)
	}
	if cfg.GoogleClientID != "env-client-id" || cfg.GoogleClientSecret != "env-client-secret" {
		t.Errorf("Google client = %q/%q, want env values", cfg.GoogleClientID, cfg.GoogleClientSecret)
	}
	if cfg.TokenStorePath != "/var/lib/mailmcp/tokens.json" {
		t.Errorf("TokenStorePath = %q, want env value", cfg.TokenStorePath)
	}
	if cfg.MetricsEnabled {
		t.Error("MetricsEnabled = true, want false from METRICS_ENABLED")
	}
}

func TestApplyServeEnvFlagWins(t *testing.T) {
	t.Setenv("AUTH0_DOMAIN", "env-tenant.auth0.com")

	cmd := newServeCmd()
	if err := cmd.Flags().Set("auth0-domain", "flag-tenant.auth0.com"); err != nil {
		t.Fatalf("setting flag: %v", err)
	}

	cfg := ServeConfig{Auth0Domain: "flag-tenant.auth0.com"}
	applyServeEnv(cmd, &cfg)

	if cfg.Auth0Domain != "flag-tenant.auth0.com" {
		t.Errorf("Auth0Domain = %q, want flag value to win over env", cfg.Auth0Domain)
	}
}

func TestDefaultJWKSTTL(t *testing.T) {
	cmd := newServeCmd()
	ttl, err := cmd.Flags().GetDuration("jwks-ttl")
	if err != nil {
		t.Fatalf("reading jwks-ttl flag: %v", err)
	}
	if ttl != 10*time.Minute {
		t.Errorf("jwks-ttl default = %v, want %v", ttl, 10*time.Minute)
	}
}

func TestServerInstructionsCoverAllTools(t *testing.T) {
	tools := []string{
		"greet_user",
		"fetch_instructions",
		"link_my_gmail",
		"unlink_my_gmail",
		"list_my_recent_emails",
	}
	for _, name := range tools {
		if !strings.Contains(serverInstructions, name) {
			t.Errorf("server instructions do not mention tool %q", name)
		}
	}
}
