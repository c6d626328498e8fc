package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/authbridge/mailmcp/internal/credstore"
	"github.com/authbridge/mailmcp/internal/instrumentation"
	"github.com/authbridge/mailmcp/internal/logging"
)

const (
	// DefaultExpiryMargin is how long before the cached token's real expiry
	// it is already treated as expired, so callers never receive a token
	// that dies mid-request.
	DefaultExpiryMargin = 60 * time.Second

	// defaultMaxAttempts bounds exchange retries on transient failures.
	defaultMaxAttempts = 3

	// exchangeTimeout bounds a single exchange cycle against the provider.
	exchangeTimeout = 30 * time.Second
)

// ErrRevoked indicates the provider rejected the stored refresh token as no
// longer valid. The stored secret is left in place; only an explicit unlink
// or relink removes it.
var ErrRevoked = errors.New("refresh token revoked by provider")

// CredentialStore is the subset of the credential store the broker needs.
type CredentialStore interface {
	Get(subject string) (credstore.Record, error)
	UpdateCache(subject, accessToken string, expiry time.Time) error
}

// Exchanger performs a single refresh-token exchange against the provider.
type Exchanger interface {
	Exchange(ctx context.Context, refreshToken string) (accessToken string, expiry time.Time, err error)
}

// Broker hands out provider access tokens for verified subjects, caching
// exchange results in the credential store.
type Broker struct {
	store     CredentialStore
	exchanger Exchanger
	logger    *slog.Logger
	metrics   *instrumentation.Metrics

	margin      time.Duration
	maxAttempts uint
	retryWait   time.Duration
	locks       *keyedLocks
	now         func() time.Time
}

// Option configures a Broker.
type Option func(*Broker)

// WithExpiryMargin overrides the cached-token expiry margin.
func WithExpiryMargin(margin time.Duration) Option {
	return func(b *Broker) { b.margin = margin }
}

// WithMaxAttempts overrides the transient-failure retry budget.
func WithMaxAttempts(n uint) Option {
	return func(b *Broker) { b.maxAttempts = n }
}

// WithRetryWait overrides the initial backoff interval between attempts.
func WithRetryWait(d time.Duration) Option {
	return func(b *Broker) { b.retryWait = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// WithMetrics wires exchange metrics. The zero-value Metrics is a no-op,
// so brokers without this option record nothing.
func WithMetrics(m *instrumentation.Metrics) Option {
	return func(b *Broker) {
		if m != nil {
			b.metrics = m
		}
	}
}

// New creates a Broker over the given store and exchanger.
func New(store CredentialStore, exchanger Exchanger, logger *slog.Logger, opts ...Option) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		store:       store,
		exchanger:   exchanger,
		logger:      logging.WithComponent(logger, "broker"),
		metrics:     &instrumentation.Metrics{},
		margin:      DefaultExpiryMargin,
		maxAttempts: defaultMaxAttempts,
		retryWait:   500 * time.Millisecond,
		locks:       newKeyedLocks(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AccessToken returns a provider access token for subject, serving from the
// cache when the cached token is still comfortably inside its lifetime and
// exchanging the stored refresh token otherwise. Returns
// credstore.ErrNotLinked when the subject has no stored credentials and
// ErrRevoked when the provider permanently rejected the refresh token.
func (b *Broker) AccessToken(ctx context.Context, subject string) (string, error) {
	return b.token(ctx, subject, false)
}

// ForceRefresh bypasses the cache and performs a fresh exchange. Used after
// the provider rejected a cached token that the expiry said was still good,
// which happens when access is revoked out of band.
func (b *Broker) ForceRefresh(ctx context.Context, subject string) (string, error) {
	return b.token(ctx, subject, true)
}

func (b *Broker) token(ctx context.Context, subject string, force bool) (string, error) {
	b.locks.lock(subject)
	defer b.locks.unlock(subject)

	rec, err := b.store.Get(subject)
	if err != nil {
		if errors.Is(err, credstore.ErrNotLinked) {
			b.metrics.RecordTokenExchange(ctx, instrumentation.ExchangeResultNotLinked, 0)
		}
		return "", err
	}

	if !force && rec.HasCachedAccess() && b.now().Add(b.margin).Before(rec.AccessTokenExpiry) {
		return rec.AccessToken, nil
	}

	start := b.now()
	token, expiry, err := b.exchange(ctx, rec.RefreshToken)
	if err != nil {
		result := instrumentation.ExchangeResultTransient
		if errors.Is(err, ErrRevoked) {
			result = instrumentation.ExchangeResultRevoked
		}
		b.metrics.RecordTokenExchange(ctx, result, b.now().Sub(start))
		b.logger.Error("token exchange failed",
			logging.SubjectHash(subject),
			logging.Err(err),
			slog.Bool("revoked", errors.Is(err, ErrRevoked)))
		return "", err
	}
	b.metrics.RecordTokenExchange(ctx, instrumentation.ExchangeResultSuccess, b.now().Sub(start))

	// The exchange succeeded, so record it even if the caller has already
	// gone away. A concurrent unlink racing this write is fine: the token
	// is simply not cached.
	if err := b.store.UpdateCache(subject, token, expiry); err != nil && !errors.Is(err, credstore.ErrNotLinked) {
		b.logger.Warn("caching exchanged token failed",
			logging.SubjectHash(subject), logging.Err(err))
	}

	b.logger.Info("exchanged refresh token",
		logging.SubjectHash(subject),
		slog.Duration(logging.KeyDuration, b.now().Sub(start)),
		slog.Time("expiry", expiry))
	return token, nil
}

// exchange runs the exchanger with bounded retries. Transient failures
// (network errors, provider 5xx) are retried with exponential backoff;
// revocation is permanent and returned immediately. The exchange runs on a
// context detached from the caller's cancellation so a completed exchange is
// never thrown away because the request that triggered it gave up.
func (b *Broker) exchange(ctx context.Context, refreshToken string) (string, time.Time, error) {
	exCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), exchangeTimeout)
	defer cancel()

	type result struct {
		token  string
		expiry time.Time
	}

	attempt := 0
	res, err := backoff.Retry(exCtx, func() (result, error) {
		attempt++
		token, expiry, err := b.exchanger.Exchange(exCtx, refreshToken)
		if err != nil {
			if errors.Is(err, ErrRevoked) {
				return result{}, backoff.Permanent(err)
			}
			b.logger.Warn("transient exchange failure",
				slog.Int("attempt", attempt), logging.Err(err))
			return result{}, err
		}
		if token == "" {
			return result{}, backoff.Permanent(fmt.Errorf("provider returned an empty access token"))
		}
		return result{token: token, expiry: expiry}, nil
	},
		backoff.WithBackOff(&backoff.ExponentialBackOff{
			InitialInterval:     b.retryWait,
			RandomizationFactor: backoff.DefaultRandomizationFactor,
			Multiplier:          backoff.DefaultMultiplier,
			MaxInterval:         5 * time.Second,
		}),
		backoff.WithMaxTries(b.maxAttempts),
	)
	if err != nil {
		return "", time.Time{}, err
	}
	return res.token, res.expiry, nil
}
