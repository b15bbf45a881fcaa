// Package identity defines the larder account model used as the shared
// identity anchor.
//
// Emails are normalized here before they are persisted or compared, so every
// ceremony agrees on which identity an address belongs to.
package identity
