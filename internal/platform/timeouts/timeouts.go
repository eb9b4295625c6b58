// Package timeouts defines shared timeout constants used across the daemon.
// Centralizing these values prevents drift between the proxy, the replay
// loop, and the connectivity probe.
package timeouts

import "time"

// Upstream caps a single HTTP round trip to the backend API.
const Upstream = 30 * time.Second

// Probe caps one connectivity probe against the backend API.
const Probe = 3 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second
