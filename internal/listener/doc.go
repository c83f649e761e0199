// Package listener is the relay's session endpoint.
//
// Each accepted connection sends one newline-delimited request envelope.
// The listener binds the connection to the request id in a correlation
// table, publishes the request on the dispatch bus, and later writes the
// matching response envelope onto the same connection before closing it.
// Entries that wait longer than the dispatch timeout are answered with a
// timeout envelope by a periodic sweep.
package listener
