// Package server implements the transport glue around the broker: the
// WebSocket hub and per-connection clients, the HTTP API, configuration,
// origin checks, and per-connection rate limiting.
//
// The implementation is organized into specialized files for configuration,
// hub management, clients, routing, and HTTP handlers to keep the codebase
// maintainable and testable as the project grows.
package server
