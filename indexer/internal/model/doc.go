// Package model holds the indexer's domain types and error sentinels.
package model
