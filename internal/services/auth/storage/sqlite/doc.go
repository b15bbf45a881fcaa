// Package sqlite provides SQLite-backed auth persistence.
//
// It is the default on-disk store for identities, passkeys, the token ledger,
// pending registrations and web sessions. Schema changes ship as embedded
// goose migrations applied on Open.
package sqlite
