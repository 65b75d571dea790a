// Package types defines the JSON wire protocol spoken between the indexer
// and remote lenses. Both binaries import it so the two sides cannot drift.
package types
