// Package timeouts defines shared timeout constants used by chat processes.
package timeouts

import "time"

// GRPCDial caps the wait time when dialing the health listener.
const GRPCDial = 2 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// WebSocketWrite caps one frame write to a connected peer so a stalled
// client cannot hold a room broadcast.
const WebSocketWrite = 2 * time.Second
