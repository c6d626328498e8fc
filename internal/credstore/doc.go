// Package credstore persists per-subject downstream credentials.
//
// Each subject (the stable user id from a verified bearer token) owns one
// record holding a long-lived Google refresh token and, transiently, the
// last access token obtained from it together with its expiry. Records are
// kept in a JSON file keyed by subject so links survive process restarts;
// a missing file is treated as an empty store.
//
// The refresh token is set only by an explicit Link and removed only by an
// explicit Unlink. A failed downstream exchange never touches it. The
// cached access token and its expiry are always written or cleared
// together, and a cache update that would move the expiry backwards is
// discarded so a slow stale exchange cannot clobber a newer one.
package credstore
