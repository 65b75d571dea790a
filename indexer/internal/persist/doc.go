// Package persist keeps the indexer's state durable.
//
// Four structures are stored independently: the ordered snapshot id
// sequence, the id to snapshot map, the task map and the config map.
// The in-memory store and registry load them once at startup and write
// through on every change.
//
// Backends: "sqlite" (modernc.org/sqlite, single file), "badger" (directory)
// and "memory" (tests and throwaway runs).
package persist
