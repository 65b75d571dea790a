// Package config loads and watches the lens service configuration file.
//
// The `lens:` section names the sources the service can read series from.
// A prometheus source scrapes a text exposition endpoint, optionally on a
// timer so it builds up history. An influx source runs a Flux query per
// request. Each source reduces the samples of an id with a series method.
//
// Secrets are never read from the file itself. Every *_env field names an
// environment variable.
package config
