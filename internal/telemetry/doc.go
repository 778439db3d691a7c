// Package telemetry streams session activity to front ends as Server-Sent
// Events.
//
// The Hub implements the session and relay observer interfaces, so the
// same callbacks that drive the audit journal also become "connection",
// "disconnection", "relayLogin" and "relayTest" events. Protocol lines
// arrive as "message" events and operator prompts as "decision" events.
// Clients reconnecting with Last-Event-ID are replayed what they missed
// from a bounded buffer.
package telemetry
