package source

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/obsidianstack/ratingindexer/lens/internal/config"
)

// Influx reads series from an InfluxDB 2.x bucket with Flux.
type Influx struct {
	cfg    config.Source
	client influxdb2.Client
	query  api.QueryAPI
}

func newInflux(cfg config.Source, tlsCfg *tls.Config) *Influx {
	client := influxdb2.NewClientWithOptions(cfg.Endpoint, cfg.Token(),
		influxdb2.DefaultOptions().SetTLSConfig(tlsCfg))
	return &Influx{cfg: cfg, client: client, query: client.QueryAPI(cfg.Org)}
}

func (s *Influx) Name() string   { return s.cfg.Name }
func (s *Influx) Method() string { return s.cfg.Method }
func (s *Influx) Close()         { s.client.Close() }

// Series runs one query for every id over [from, to].
func (s *Influx) Series(ctx context.Context, ids []string, from, to time.Time) (map[string][]float64, error) {
	out := make(map[string][]float64, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	result, err := s.query.Query(ctx, s.flux(ids, from, to))
	if err != nil {
		return nil, fmt.Errorf("influx query %q: %w", s.cfg.Name, err)
	}
	defer result.Close()

	for result.Next() {
		record := result.Record()
		id, ok := record.ValueByKey(s.cfg.Tag).(string)
		if !ok {
			continue
		}
		v, ok := toFloat(record.Value())
		if !ok {
			continue
		}
		out[id] = append(out[id], v)
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("influx read %q: %w", s.cfg.Name, result.Err())
	}
	return out, nil
}

// flux builds the query. Range stop is exclusive in Flux, so it is moved
// one millisecond past to.
func (s *Influx) flux(ids []string, from, to time.Time) string {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = fluxString(id)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %s)\n", fluxString(s.cfg.Bucket))
	fmt.Fprintf(&b, "  |> range(start: %s, stop: %s)\n",
		from.UTC().Format(time.RFC3339Nano), to.Add(time.Millisecond).UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r._measurement == %s)\n", fluxString(s.cfg.Measurement))
	if s.cfg.Field != "" {
		fmt.Fprintf(&b, "  |> filter(fn: (r) => r._field == %s)\n", fluxString(s.cfg.Field))
	}
	fmt.Fprintf(&b, "  |> filter(fn: (r) => contains(value: r[%s], set: [%s]))\n",
		fluxString(s.cfg.Tag), strings.Join(quoted, ", "))
	b.WriteString(`  |> group(columns: [` + fluxString(s.cfg.Tag) + `])` + "\n")
	b.WriteString(`  |> sort(columns: ["_time"])`)
	return b.String()
}

var fluxEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, `${`, `\${`)

// fluxString returns s as a Flux string literal.
func fluxString(s string) string {
	return `"` + fluxEscaper.Replace(s) + `"`
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
