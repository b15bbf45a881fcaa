// Package token mints and verifies the signed tokens handed to browsers.
//
// Bridge tokens are short-lived proofs that a ceremony succeeded; they are
// exchanged once for a session. Session tokens reference a persisted web
// session so they can be revoked. Both are EdDSA JWTs separated by audience.
package token
