// Package snapshotid issues and decodes time-sortable snapshot identifiers.
//
// An ID is a ULID: a 48-bit unix millisecond timestamp followed by 80 bits of
// randomness, rendered as 26 Crockford base32 characters. Ordering is always
// decided on the decoded (timestamp, randomness) pair, never on the text.
//
// Generator is monotonic: it never issues a timestamp older than the last one
// it issued, and two ids within the same millisecond differ by an increment
// of the random component.
package snapshotid
