package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// GmailReadonlyScope is the only provider scope the server ever requests.
const GmailReadonlyScope = "https://www.googleapis.com/auth/gmail.readonly"

// GoogleExchanger exchanges Google OAuth refresh tokens for access tokens
// using the standard token endpoint.
type GoogleExchanger struct {
	config *oauth2.Config
}

// NewGoogleExchanger builds an exchanger for the given OAuth client.
func NewGoogleExchanger(clientID, clientSecret string) (*GoogleExchanger, error) {
	if clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("google client id and secret are required")
	}
	return &GoogleExchanger{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{GmailReadonlyScope},
		},
	}, nil
}

// Exchange implements Exchanger. Revocation (invalid_grant and friends) is
// reported as ErrRevoked; everything else is considered transient.
func (g *GoogleExchanger) Exchange(ctx context.Context, refreshToken string) (string, time.Time, error) {
	src := g.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		if isRevocation(err) {
			return "", time.Time{}, fmt.Errorf("%w: %v", ErrRevoked, err)
		}
		return "", time.Time{}, fmt.Errorf("exchanging refresh token: %w", err)
	}
	return tok.AccessToken, tok.Expiry, nil
}

// isRevocation reports whether the token endpoint permanently rejected the
// refresh token. Google answers invalid_grant for revoked or expired grants
// and unauthorized_client for a client that lost access; retrying either is
// pointless.
func isRevocation(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	switch re.ErrorCode {
	case "invalid_grant", "unauthorized_client":
		return true
	}
	// Some endpoints omit the structured error body.
	return re.Response != nil &&
		(re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized) &&
		re.ErrorCode == ""
}
