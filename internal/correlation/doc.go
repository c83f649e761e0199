// Package correlation owns the id -> session connection table.
//
// The table is the only shared mutable state between the session listener's
// connection handlers, its dispatch-response handler and its deadline sweep.
// A connection handle leaves the table only through one of the remove
// operations, and each remove hands the handle to exactly one caller.
package correlation
