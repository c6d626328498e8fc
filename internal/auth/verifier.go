package auth

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/authbridge/mailmcp/internal/logging"
)

// maxTokenSize is the maximum accepted size for a bearer token (8 KB).
// Tokens larger than this are rejected to prevent resource exhaustion.
const maxTokenSize = 8192

// permittedAlgorithms are the asymmetric signing algorithms the verifier
// accepts. Symmetric algorithms are refused so a leaked public key set can
// never be used to mint tokens.
var permittedAlgorithms = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}

// Identity is the outcome of a successful token verification.
// It is an immutable per-request value and is never persisted.
type Identity struct {
	// Subject is the stable identifier of the authenticated end-user.
	Subject string

	// Issuer is the verified issuer claim.
	Issuer string

	// Audience is the verified audience claim.
	Audience []string

	// ExpiresAt is the token's expiry instant.
	ExpiresAt time.Time
}

// Verifier validates bearer tokens against the identity provider's signing
// keys. Given the same token and the same key cache state, Verify always
// returns the same result.
type Verifier struct {
	keys     *KeyCache
	issuer   string
	audience string
	logger   *slog.Logger
	now      func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithVerifierLogger overrides the logger.
func WithVerifierLogger(logger *slog.Logger) VerifierOption {
	return func(v *Verifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithVerifierClock overrides the time source used for expiry checks.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewVerifier creates a Verifier. issuer must match the provider's issuer
// claim exactly (for Auth0 this is "https://<domain>/", trailing slash
// included); audience is the resource identifier the token must be
// addressed to.
func NewVerifier(keys *KeyCache, issuer, audience string, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		keys:     keys,
		issuer:   issuer,
		audience: audience,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = logging.WithComponent(v.logger, "verifier")
	return v
}

// Verify validates a raw bearer token and returns the identity it proves.
//
// The token is parsed in two phases: an untrusted structural parse to read
// the key id from the header, then a verified parse against the resolved
// public key. Claims are checked only after the signature verifies, in
// order: issuer, audience, expiry. A rejection is always a *AuthError.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Identity, error) {
	if raw == "" || len(raw) > maxTokenSize {
		return nil, rejected(ReasonMalformed, nil)
	}

	// Phase one: untrusted structural parse to extract the key id.
	unverified, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return nil, rejected(ReasonMalformed, err)
	}

	alg, _ := unverified.Header["alg"].(string)
	if strings.EqualFold(alg, "none") || !slices.Contains(permittedAlgorithms, alg) {
		return nil, rejected(ReasonMalformed, fmt.Errorf("algorithm %q not permitted", alg))
	}

	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return nil, rejected(ReasonUnknownKey, fmt.Errorf("token header has no kid"))
	}

	key, err := v.keys.Key(ctx, kid)
	if err != nil {
		v.logger.Debug("signing key resolution failed",
			logging.Err(err), slog.String("kid", kid))
		return nil, rejected(ReasonUnknownKey, err)
	}

	// Phase two: verified parse. Claim validation is done explicitly below
	// so each rejection carries a precise reason.
	parser := jwt.NewParser(
		jwt.WithValidMethods(permittedAlgorithms),
		jwt.WithoutClaimsValidation(),
	)
	token, err := parser.Parse(raw, func(t *jwt.Token) (any, error) {
		return key, nil
	})
	if err != nil || !token.Valid {
		return nil, rejected(ReasonBadSignature, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, rejected(ReasonMalformed, fmt.Errorf("unexpected claims type"))
	}

	issuer, err := claims.GetIssuer()
	if err != nil || issuer != v.issuer {
		return nil, rejected(ReasonBadIssuer, err)
	}

	audience, err := claims.GetAudience()
	if err != nil || !slices.Contains(audience, v.audience) {
		return nil, rejected(ReasonBadAudience, err)
	}

	expiry, err := claims.GetExpirationTime()
	if err != nil || expiry == nil || !v.now().Before(expiry.Time) {
		return nil, rejected(ReasonExpired, err)
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return nil, rejected(ReasonMalformed, fmt.Errorf("token has no subject"))
	}

	return &Identity{
		Subject:   subject,
		Issuer:    issuer,
		Audience:  audience,
		ExpiresAt: expiry.Time,
	}, nil
}
