// Package broker turns stored refresh tokens into short-lived provider
// access tokens, caching results in the credential store and serializing
// exchanges per subject so concurrent callers trigger at most one network
// round-trip.
package broker
