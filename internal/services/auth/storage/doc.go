// Package storage defines persistence contracts for identity assets.
//
// These interfaces exist so ceremony logic can depend on stable domain
// semantics without coupling to SQLite or Redis details. Implementations own
// every single-use guarantee: conditional updates, compare-and-swap clears and
// insert-if-absent writes.
package storage
