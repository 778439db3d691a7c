// Package transport defines the command connection to a resource.
//
// A Transport opens one session at a time, forwards commands, and pushes every
// line it writes or reads onto its Events channel so callers can log them.
//
// Implementations:
//   - tcp: line-oriented TCP connection ("C<seq>|<command>" / "R<seq>|<hex>|<msg>")
//   - fake: in-memory transport for tests
//
// Error codes are normalized to UNAVAILABLE, REJECTED, NOT_OPEN and INTERNAL.
package transport
