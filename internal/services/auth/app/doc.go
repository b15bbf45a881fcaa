// Package server composes and runs the auth process boundary.
//
// It wires the SQLite store, the optional Redis store for pending
// registrations, the ceremony services and the HTTP API, and serves a gRPC
// health endpoint next to them. A background sweep removes expired ledger
// entries, pending registrations and web sessions.
package server
