// Package auth verifies inbound bearer tokens issued by the identity provider.
//
// The package has two halves:
//
//   - KeyCache fetches the provider's published JSON Web Key Set and caches
//     the public keys with a freshness TTL. A request for an unknown key id
//     triggers a refetch (key rotation), and concurrent refetches are
//     coalesced so the provider sees at most one key fetch at a time.
//
//   - Verifier validates a raw token against the cached keys: signature
//     first, then issuer, audience, and expiry. No claim is trusted before
//     the signature check passes; the unverified parse is used only to read
//     the key id from the token header.
//
// Rejections carry a typed reason (see AuthError) so the transport layer can
// surface a precise authentication failure without retrying.
package auth
