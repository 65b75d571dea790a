// Package config loads and watches the indexer configuration file.
//
// Top-level types:
//   - Config{Indexer} parsed from the `indexer:` section of the YAML file
//   - StorageConfig: backend (sqlite|badger|memory) and path
//   - ScheduleConfig: whether serve runs rounds on a ticker, how often, and
//     which caller identity the ticker acts as
//   - AuthConfig: API key header and the callers allowed to use it, each
//     with its roles (proxy, controller)
//   - Lens: a named remote lens endpoint with client auth, TLS and retries
//   - AlertsConfig: rules and webhook targets
//
// Secrets are never read from the file itself. Every *_env field names an
// environment variable and is resolved at use time.
//
// Load(path) applies defaults, parses YAML and validates. Watch(ctx, path,
// onChange) reloads on write and calls onChange with the new Config.
package config
