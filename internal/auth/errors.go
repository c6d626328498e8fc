package auth

import (
	"errors"
	"fmt"
)

// ErrKeyNotFound indicates a key id that is absent from the provider's
// key set even after a successful refetch.
var ErrKeyNotFound = errors.New("signing key not found")

// Reason classifies why a bearer token was rejected.
type Reason string

const (
	// ReasonMalformed indicates the token could not be parsed at all,
	// or uses a signing algorithm that is not permitted.
	ReasonMalformed Reason = "malformed token"

	// ReasonUnknownKey indicates the token's key id is not in the
	// provider's published key set.
	ReasonUnknownKey Reason = "unknown signing key"

	// ReasonBadSignature indicates the signature did not verify against
	// the resolved public key.
	ReasonBadSignature Reason = "bad signature"

	// ReasonBadIssuer indicates the issuer claim does not match the
	// configured provider issuer.
	ReasonBadIssuer Reason = "bad issuer"

	// ReasonBadAudience indicates the audience claim does not contain
	// the configured resource identifier.
	ReasonBadAudience Reason = "bad audience"

	// ReasonExpired indicates the token's expiry is in the past.
	ReasonExpired Reason = "expired"
)

// AuthError is returned by Verifier.Verify when a token is rejected.
// It is always surfaced to the caller as an authentication failure and
// never retried internally.
type AuthError struct {
	Reason Reason
	err    error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("token rejected: %s: %v", e.Reason, e.err)
	}
	return fmt.Sprintf("token rejected: %s", e.Reason)
}

// Unwrap returns the underlying cause, if any.
func (e *AuthError) Unwrap() error {
	return e.err
}

// rejected builds an AuthError with the given reason and optional cause.
func rejected(reason Reason, err error) *AuthError {
	return &AuthError{Reason: reason, err: err}
}
