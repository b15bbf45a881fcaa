// Package timeouts defines shared timeout constants used by the auth service.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// HTTPRequest caps the time a single auth HTTP request may run, including
// store access and outbound email delivery.
const HTTPRequest = 15 * time.Second

// Shutdown limits how long servers wait for in-flight requests during
// graceful shutdown.
const Shutdown = 10 * time.Second

// StoreOpen caps the wait for the backing stores to answer their first ping.
const StoreOpen = 5 * time.Second
