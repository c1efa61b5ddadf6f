// Package memory holds the process-local signaling state: identity
// directory, connection index, room registry and call ledger.
//
// None of the stores lock. They are owned by the signaling router, which
// mutates them from a single goroutine, one event at a time.
package memory
