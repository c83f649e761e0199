// Package gateway exposes the HTTP entry point of the relay.
//
// Every GET /api call opens its own session connection to the listener,
// writes one request envelope and relays whatever the listener writes back
// before it closes the connection.
package gateway
