// Package token provides signed download capabilities for artifacts.
//
// A token encodes one artifact id and an expiry, signed with a
// process-wide secret (HMAC-SHA256 via JWT). Verification is stateless:
// there is no token database, so tokens remain valid across replicas that
// share the secret and are invalidated only by expiry or a secret change.
package token
