// Package httpapi exposes the auth ceremonies over HTTP.
//
// Every JSON response uses the {success, data} / {success, error} envelope.
// The session middleware resolves the larder_session cookie on every request,
// rewrites it when the session slides forward and clears it when the session
// no longer authenticates anyone.
package httpapi
