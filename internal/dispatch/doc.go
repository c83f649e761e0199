// Package dispatch owns the internal request/response bus and the worker
// that turns request envelopes into response envelopes.
//
// Delivery on every Bus is at-most-once with no acknowledgement and no
// ordering across ids. The worker's business logic is a Processor; the
// shipped EchoProcessor is a placeholder.
package dispatch
