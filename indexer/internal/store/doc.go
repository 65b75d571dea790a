// Package store is the bounded, time-ordered log of committed snapshots.
//
// Snapshots are kept in an insertion-ordered id sequence plus an id to
// snapshot map. Append evicts from the oldest end until the log fits the
// caller's bound, compacting the sequence in place. Range walks the
// sequence backwards and stops at the first id older than the window,
// which is exact as long as ids were appended in order; the store notices
// an out-of-order append and falls back to a full scan from then on.
//
// Every mutation is written to the Backend before memory changes, so a
// failed write leaves the in-memory log untouched.
package store
