// Package envelope owns the session hop wire shapes.
//
// Requests travel gateway->listener as one newline-terminated JSON object.
// Responses travel listener->gateway as one JSON object; with close framing
// the connection close terminates the frame, with line framing a trailing
// newline does and the close follows.
package envelope
