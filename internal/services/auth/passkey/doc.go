// Package passkey runs the WebAuthn registration and authentication
// ceremonies.
//
// Each identity holds at most one pending challenge. Finishing a ceremony
// takes the challenge before anything is verified, so a challenge can be
// attempted exactly once whatever the outcome. A successful ceremony yields a
// bridge token that the browser exchanges for a session.
package passkey
