// Package session owns the gateway<->listener session transport settings.
//
// Ownership boundary:
// - connect timeout and reconnect budget
// - retry backoff
// - TLS policy for the session hop
//
// Framing and envelope shapes live in protocol/envelope.
package session
