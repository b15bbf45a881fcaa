// Package auth is the passwordless identity boundary for larder.
//
// Identities are created through email verification and authenticate with
// passkeys or polling magic links. Either path ends in a short-lived bridge
// token that the session issuer exchanges for a revocable web session.
//
// Subpackages:
//   - app: auth server wiring and lifecycle
//   - api/httpapi: HTTP endpoints and session cookie middleware
//   - identity: identity domain model and validation
//   - passkey: WebAuthn registration and authentication ceremonies
//   - magiclink: login and verification links with polling hand-off
//   - registration: pending sign-ups and their promotion to identities
//   - session: bridge exchange and web session validity
//   - token: bridge and session token signing
//   - mail: outbound email messages
//   - storage: persistence interfaces with SQLite and Redis implementations
package auth
