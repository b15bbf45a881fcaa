// Package session turns bridge tokens into long-lived web sessions and keeps
// them honest.
//
// Issuer is the only place sessions are created: every ceremony funnels its
// proof through a bridge token, and Authorize re-checks that the identity
// still exists before persisting a web session and signing a session token.
//
// Guard runs on every request that carries a session token. It re-resolves
// the identity each time, so a deleted account degrades to an anonymous
// session instead of authorizing until natural expiry, and slides the expiry
// forward once the token is older than the refresh interval.
package session
