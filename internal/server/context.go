package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/authbridge/mailmcp/internal/auth"
	"github.com/authbridge/mailmcp/internal/broker"
	"github.com/authbridge/mailmcp/internal/credstore"
	"github.com/authbridge/mailmcp/internal/gmail"
	"github.com/authbridge/mailmcp/internal/instrumentation"
)

// ServerContext bundles the shared dependencies every tool handler needs.
type ServerContext struct {
	ctx    context.Context
	cancel context.CancelFunc

	verifier *auth.Verifier
	userinfo *auth.UserInfoClient
	store    *credstore.FileStore
	broker   *broker.Broker
	gmail    *gmail.Client

	logger  *slog.Logger
	metrics *instrumentation.Metrics
	audit   *instrumentation.AuditLogger

	mu       sync.RWMutex
	shutdown bool
}

// Deps are the dependencies wired into a ServerContext. Verifier and broker
// may be nil for stdio transports that skip bearer authentication.
type Deps struct {
	Verifier *auth.Verifier
	UserInfo *auth.UserInfoClient
	Store    *credstore.FileStore
	Broker   *broker.Broker
	Gmail    *gmail.Client
	Logger   *slog.Logger
	Metrics  *instrumentation.Metrics
	Audit    *instrumentation.AuditLogger
}

// NewServerContext creates a ServerContext whose lifetime is bounded by ctx.
func NewServerContext(ctx context.Context, deps Deps) *ServerContext {
	shutdownCtx, cancel := context.WithCancel(ctx)

	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = &instrumentation.Metrics{}
	}
	if deps.Audit == nil {
		deps.Audit = instrumentation.NewAuditLogger(deps.Logger, instrumentation.AuditLoggingConfig{})
	}

	return &ServerContext{
		ctx:      shutdownCtx,
		cancel:   cancel,
		verifier: deps.Verifier,
		userinfo: deps.UserInfo,
		store:    deps.Store,
		broker:   deps.Broker,
		gmail:    deps.Gmail,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		audit:    deps.Audit,
	}
}

// Context returns the server's lifetime context.
func (sc *ServerContext) Context() context.Context {
	return sc.ctx
}

// Verifier returns the bearer verifier, or nil when authentication is off.
func (sc *ServerContext) Verifier() *auth.Verifier {
	return sc.verifier
}

// UserInfo returns the identity-provider profile client, or nil.
func (sc *ServerContext) UserInfo() *auth.UserInfoClient {
	return sc.userinfo
}

// Store returns the credential store.
func (sc *ServerContext) Store() *credstore.FileStore {
	return sc.store
}

// Broker returns the token broker.
func (sc *ServerContext) Broker() *broker.Broker {
	return sc.broker
}

// Gmail returns the Gmail client.
func (sc *ServerContext) Gmail() *gmail.Client {
	return sc.gmail
}

// Logger returns the base logger.
func (sc *ServerContext) Logger() *slog.Logger {
	return sc.logger
}

// Metrics returns the metrics recorder.
func (sc *ServerContext) Metrics() *instrumentation.Metrics {
	return sc.metrics
}

// Audit returns the audit logger.
func (sc *ServerContext) Audit() *instrumentation.AuditLogger {
	return sc.audit
}

// IsShutdown returns whether the server has been shut down.
func (sc *ServerContext) IsShutdown() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.shutdown
}

// Shutdown cancels the server context. Idempotent.
func (sc *ServerContext) Shutdown() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.shutdown {
		return nil
	}

	sc.shutdown = true
	sc.cancel()
	return nil
}
