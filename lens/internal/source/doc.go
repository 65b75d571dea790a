// Package source reads per-id sample series from a backend.
//
// Source types:
//   - prometheus: scrapes a text exposition endpoint. The id is a metric
//     family name and one sample is the sum of the family's series. With a
//     scrape interval the samples are kept as history and a fetch reads the
//     window from it; without one every fetch scrapes live and yields a
//     single sample per id.
//   - influx: runs one Flux query per fetch against InfluxDB 2.x, filtering
//     the configured measurement on the id tag.
//
// New(cfg) builds the right Source for a config.Source. HTTP clients are
// built once per source from its auth and TLS settings.
package source
