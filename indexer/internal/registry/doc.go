// Package registry owns the task set and the runtime config map.
//
// Config values are stored as strings and parsed on every read; a missing or
// unparsable value silently falls back to its default.
package registry
