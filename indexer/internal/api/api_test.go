package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/obsidianstack/ratingindexer/indexer/internal/api"
	"github.com/obsidianstack/ratingindexer/indexer/internal/auth"
	"github.com/obsidianstack/ratingindexer/indexer/internal/config"
	"github.com/obsidianstack/ratingindexer/indexer/internal/model"
	"github.com/obsidianstack/ratingindexer/indexer/internal/persist"
	"github.com/obsidianstack/ratingindexer/indexer/internal/registry"
	"github.com/obsidianstack/ratingindexer/indexer/internal/service"
	"github.com/obsidianstack/ratingindexer/indexer/internal/snapshotid"
	"github.com/obsidianstack/ratingindexer/indexer/internal/store"
)

const (
	proxyKey = "proxy-key"
	adminKey = "admin-key"
	baseMs   = int64(1715000000000)
)

// --- test helpers -----------------------------------------------------------

// stubRunner commits a snapshot one second after the previous one.
type stubRunner struct {
	st  *store.Store
	reg *registry.Registry
	gen *snapshotid.Generator
	err error
	n   int
}

func (r *stubRunner) Run(ctx context.Context) (model.Snapshot, error) {
	if r.err != nil {
		return model.Snapshot{}, r.err
	}
	r.n++
	id, err := r.gen.New()
	if err != nil {
		return model.Snapshot{}, err
	}
	snap := model.Snapshot{
		ID:     id,
		Value:  map[model.AggregationKey]float64{"": float64(r.n), "stable": 2},
		Scores: map[model.AggregationKey]map[model.TaskID]float64{"": {"t": float64(r.n)}},
	}
	_, err = r.st.Append(ctx, snap, r.reg.MaxCount())
	return snap, err
}

type fixture struct {
	h      http.Handler
	runner *stubRunner
	store  *store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	t.Setenv("API_TEST_PROXY", proxyKey)
	t.Setenv("API_TEST_ADMIN", adminKey)
	roles := auth.NewRoles(config.AuthConfig{
		Mode: "apikey",
		Callers: []config.Caller{
			{ID: "scheduler", KeyEnv: "API_TEST_PROXY", Roles: []string{config.RoleProxy}},
			{ID: "admin", KeyEnv: "API_TEST_ADMIN", Roles: []string{config.RoleController}},
		},
	})

	be := persist.NewMemory()
	reg := registry.New(be)
	st := store.New(be)
	ms := baseMs
	runner := &stubRunner{st: st, reg: reg, gen: snapshotid.NewGenerator(nil, func() time.Time {
		ms += 1000
		return time.UnixMilli(ms)
	})}
	svc := service.New(auth.NewGate(roles), reg, st, runner)
	h := api.New(api.Deps{
		Service: svc,
		Roles:   roles,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("# metrics")) }), //nolint:errcheck
	})
	return &fixture{h: h, runner: runner, store: st}
}

func (f *fixture) do(t *testing.T, method, path, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set(config.DefaultAPIKeyHeader, key)
	}
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	return rr
}

func (f *fixture) index(t *testing.T, rounds int) []string {
	t.Helper()
	ids := make([]string, rounds)
	for i := range ids {
		rr := f.do(t, http.MethodPost, "/api/v1/index", proxyKey, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("index: got %d, want 200 (%s)", rr.Code, rr.Body.String())
		}
		var snap map[string]interface{}
		decode(t, rr, &snap)
		ids[i] = snap["id"].(string)
	}
	return ids
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON: %v (body: %s)", err, rr.Body.String())
	}
}

func wantStatus(t *testing.T, rr *httptest.ResponseRecorder, code int) {
	t.Helper()
	if rr.Code != code {
		t.Fatalf("status: got %d, want %d (body: %s)", rr.Code, code, rr.Body.String())
	}
}

// --- reads ------------------------------------------------------------------

func TestHealth_Empty(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodGet, "/api/v1/health", "", "")
	wantStatus(t, rr, http.StatusOK)

	var resp api.HealthResponse
	decode(t, rr, &resp)
	if resp.Status != "ok" || resp.Snapshots != 0 || resp.Tasks != 0 {
		t.Errorf("health: got %+v", resp)
	}
}

func TestLatest_EmptyStoreIs404(t *testing.T) {
	f := newFixture(t)
	wantStatus(t, f.do(t, http.MethodGet, "/api/v1/snapshots/latest", "", ""), http.StatusNotFound)
	wantStatus(t, f.do(t, http.MethodGet, "/api/v1/snapshots/latest/value", "", ""), http.StatusNotFound)
}

func TestIndex_RequiresProxy(t *testing.T) {
	f := newFixture(t)
	wantStatus(t, f.do(t, http.MethodPost, "/api/v1/index", "", ""), http.StatusForbidden)
	wantStatus(t, f.do(t, http.MethodPost, "/api/v1/index", adminKey, ""), http.StatusForbidden)
	wantStatus(t, f.do(t, http.MethodPost, "/api/v1/index", "bogus", ""), http.StatusUnauthorized)
	if f.store.Len() != 0 {
		t.Fatalf("store len: got %d, want 0", f.store.Len())
	}
}

func TestIndex_ThenReads(t *testing.T) {
	f := newFixture(t)
	ids := f.index(t, 2)

	rr := f.do(t, http.MethodGet, "/api/v1/snapshots/latest", "", "")
	wantStatus(t, rr, http.StatusOK)
	var latest map[string]interface{}
	decode(t, rr, &latest)
	if latest["id"] != ids[1] {
		t.Errorf("latest id: got %v, want %s", latest["id"], ids[1])
	}

	rr = f.do(t, http.MethodGet, "/api/v1/snapshots/latest/value", "", "")
	wantStatus(t, rr, http.StatusOK)
	var values map[string]float64
	decode(t, rr, &values)
	if values[""] != 2 || values["stable"] != 2 {
		t.Errorf("latest value: got %v", values)
	}

	rr = f.do(t, http.MethodGet, "/api/v1/snapshots/len", "", "")
	wantStatus(t, rr, http.StatusOK)
	var l api.LenResponse
	decode(t, rr, &l)
	if l.Len != 2 {
		t.Errorf("len: got %d, want 2", l.Len)
	}

	rr = f.do(t, http.MethodGet, "/api/v1/health", "", "")
	var health api.HealthResponse
	decode(t, rr, &health)
	if health.Round.Rounds != 2 || health.Snapshots != 2 {
		t.Errorf("health: got %+v", health)
	}
}

func TestRangeQuery(t *testing.T) {
	f := newFixture(t)
	ids := f.index(t, 3)

	path := "/api/v1/snapshots?from=" + itoa(baseMs+2000) + "&to=" + itoa(baseMs+3000)
	rr := f.do(t, http.MethodGet, path, "", "")
	wantStatus(t, rr, http.StatusOK)
	var got []map[string]interface{}
	decode(t, rr, &got)
	if len(got) != 2 {
		t.Fatalf("range: got %d snapshots, want 2", len(got))
	}
	if got[0]["id"] != ids[2] || got[1]["id"] != ids[1] {
		t.Errorf("range order: got %v, %v; want newest first", got[0]["id"], got[1]["id"])
	}

	rr = f.do(t, http.MethodGet, "/api/v1/snapshots", "", "")
	decode(t, rr, &got)
	if len(got) != 3 {
		t.Errorf("unbounded range: got %d, want 3", len(got))
	}

	wantStatus(t, f.do(t, http.MethodGet, "/api/v1/snapshots?from=-1", "", ""), http.StatusBadRequest)
}

func TestRangeQuery_EmptyIsArray(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodGet, "/api/v1/snapshots", "", "")
	wantStatus(t, rr, http.StatusOK)
	if body := strings.TrimSpace(rr.Body.String()); body != "[]" {
		t.Errorf("body: got %s, want []", body)
	}
}

func TestTop(t *testing.T) {
	f := newFixture(t)
	ids := f.index(t, 3)

	rr := f.do(t, http.MethodGet, "/api/v1/snapshots/top?n=2", "", "")
	wantStatus(t, rr, http.StatusOK)
	var got []map[string]interface{}
	decode(t, rr, &got)
	if len(got) != 2 || got[0]["id"] != ids[2] {
		t.Errorf("top: got %v", got)
	}

	rr = f.do(t, http.MethodGet, "/api/v1/snapshots/top/values?n=5", "", "")
	wantStatus(t, rr, http.StatusOK)
	var values []map[string]float64
	decode(t, rr, &values)
	if len(values) != 3 || values[0][""] != 3 {
		t.Errorf("top values: got %v", values)
	}

	wantStatus(t, f.do(t, http.MethodGet, "/api/v1/snapshots/top?n=abc", "", ""), http.StatusBadRequest)
}

func TestSnapshotByID(t *testing.T) {
	f := newFixture(t)
	ids := f.index(t, 1)

	wantStatus(t, f.do(t, http.MethodGet, "/api/v1/snapshots/"+ids[0], "", ""), http.StatusOK)
	wantStatus(t, f.do(t, http.MethodGet, "/api/v1/snapshots/"+strings.ToLower(ids[0]), "", ""), http.StatusOK)
	wantStatus(t, f.do(t, http.MethodGet, "/api/v1/snapshots/not-an-id", "", ""), http.StatusBadRequest)
	wantStatus(t, f.do(t, http.MethodGet, "/api/v1/snapshots/01ARZ3NDEKTSV4RRFFQ69G5FAV", "", ""), http.StatusNotFound)
}

// --- round failures ---------------------------------------------------------

func TestIndex_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"transport", goerr.Wrap(model.ErrTransport, "fetch from lens"), http.StatusBadGateway},
		{"malformed", goerr.Wrap(model.ErrMalformedReply, "decode"), http.StatusBadGateway},
		{"in progress", model.ErrRoundInProgress, http.StatusConflict},
		{"unknown lens", goerr.Wrap(model.ErrLensNotFound, "resolve"), http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.runner.err = tc.err
			rr := f.do(t, http.MethodPost, "/api/v1/index", proxyKey, "")
			wantStatus(t, rr, tc.want)
			var body map[string]string
			decode(t, rr, &body)
			if body["error"] == "" {
				t.Error("error body: empty")
			}
		})
	}
}

func TestIndex_FailureKeepsLatest(t *testing.T) {
	f := newFixture(t)
	ids := f.index(t, 1)

	f.runner.err = model.ErrTransport
	wantStatus(t, f.do(t, http.MethodPost, "/api/v1/index", proxyKey, ""), http.StatusBadGateway)

	rr := f.do(t, http.MethodGet, "/api/v1/snapshots/latest", "", "")
	var latest map[string]interface{}
	decode(t, rr, &latest)
	if latest["id"] != ids[0] {
		t.Errorf("latest after failure: got %v, want %s", latest["id"], ids[0])
	}

	rr = f.do(t, http.MethodGet, "/api/v1/health", "", "")
	var health api.HealthResponse
	decode(t, rr, &health)
	if health.Status != "degraded" || health.Round.ConsecutiveFailures != 1 {
		t.Errorf("health: got %+v", health)
	}
}

// --- tasks ------------------------------------------------------------------

const taskJSON = `{"id":"stables","lens":"prom","options":[{"id":"usdc","aggregation_key":"stable"},{"id":"usdt","weight":2}]}`

func TestTasks_CRUD(t *testing.T) {
	f := newFixture(t)

	wantStatus(t, f.do(t, http.MethodPost, "/api/v1/tasks", "", taskJSON), http.StatusForbidden)
	wantStatus(t, f.do(t, http.MethodPost, "/api/v1/tasks", adminKey, taskJSON), http.StatusCreated)

	wantStatus(t, f.do(t, http.MethodGet, "/api/v1/tasks", proxyKey, ""), http.StatusForbidden)
	rr := f.do(t, http.MethodGet, "/api/v1/tasks", adminKey, "")
	wantStatus(t, rr, http.StatusOK)
	var tasks []model.Task
	decode(t, rr, &tasks)
	if len(tasks) != 1 || tasks[0].ID != "stables" || len(tasks[0].Options) != 2 {
		t.Fatalf("tasks: got %+v", tasks)
	}

	wantStatus(t, f.do(t, http.MethodDelete, "/api/v1/tasks/missing", adminKey, ""), http.StatusNotFound)
	wantStatus(t, f.do(t, http.MethodDelete, "/api/v1/tasks/stables", adminKey, ""), http.StatusNoContent)

	rr = f.do(t, http.MethodGet, "/api/v1/tasks", adminKey, "")
	decode(t, rr, &tasks)
	if len(tasks) != 0 {
		t.Errorf("tasks after delete: got %d, want 0", len(tasks))
	}
}

func TestTasks_Invalid(t *testing.T) {
	f := newFixture(t)
	cases := []string{
		`{"id":"x","lens":"prom","options":[]}`,
		`{"id":"","lens":"prom","options":[{"id":"a"}]}`,
		`{"id":"x","lens":"prom","options":[{"id":"a","weight":-1}]}`,
		`{"id":"x","lens":"prom","options":[{"id":"a"}],"unknown":1}`,
		`not json`,
	}
	for _, body := range cases {
		if rr := f.do(t, http.MethodPost, "/api/v1/tasks", adminKey, body); rr.Code != http.StatusBadRequest {
			t.Errorf("POST %s: got %d, want 400", body, rr.Code)
		}
	}
}

// --- config -----------------------------------------------------------------

func TestConfig_GetAndSet(t *testing.T) {
	f := newFixture(t)
	f.index(t, 3)

	rr := f.do(t, http.MethodGet, "/api/v1/config", "", "")
	wantStatus(t, rr, http.StatusOK)
	var cfg service.Config
	decode(t, rr, &cfg)
	if cfg.MaxCount != registry.DefaultMaxCount || cfg.DurationSeconds != registry.DefaultDurationSeconds {
		t.Errorf("defaults: got %+v", cfg)
	}

	wantStatus(t, f.do(t, http.MethodPut, "/api/v1/config/max_count", proxyKey, `{"value":2}`), http.StatusForbidden)
	rr = f.do(t, http.MethodPut, "/api/v1/config/max_count", adminKey, `{"value":2}`)
	wantStatus(t, rr, http.StatusOK)
	decode(t, rr, &cfg)
	if cfg.MaxCount != 2 {
		t.Errorf("max_count: got %d, want 2", cfg.MaxCount)
	}
	if f.store.Len() != 2 {
		t.Errorf("store trimmed to: got %d, want 2", f.store.Len())
	}

	rr = f.do(t, http.MethodPut, "/api/v1/config/duration_seconds", adminKey, `{"value":3600}`)
	wantStatus(t, rr, http.StatusOK)
	decode(t, rr, &cfg)
	if cfg.DurationSeconds != 3600 {
		t.Errorf("duration_seconds: got %d, want 3600", cfg.DurationSeconds)
	}

	wantStatus(t, f.do(t, http.MethodPut, "/api/v1/config/max_count", adminKey, `{"value":-1}`), http.StatusBadRequest)
	wantStatus(t, f.do(t, http.MethodPut, "/api/v1/config/max_count", adminKey, `{}`), http.StatusBadRequest)
}

// --- alerts, diagnostics, mounts ---------------------------------------------

func TestAlerts_EmptyArray(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodGet, "/api/v1/alerts", "", "")
	wantStatus(t, rr, http.StatusOK)
	if body := strings.TrimSpace(rr.Body.String()); body != "[]" {
		t.Errorf("body: got %s, want []", body)
	}
}

func TestDiagnostics(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodGet, "/api/v1/diagnostics", "", "")
	wantStatus(t, rr, http.StatusOK)
	var resp api.DiagnosticsResponse
	decode(t, rr, &resp)

	keys := map[string]string{}
	for _, h := range resp.Hints {
		keys[h.Key] = h.Level
	}
	if keys["no_tasks"] != "warning" || keys["no_snapshots"] != "info" {
		t.Fatalf("hints: got %+v", resp.Hints)
	}

	f.runner.err = model.ErrTransport
	f.do(t, http.MethodPost, "/api/v1/index", proxyKey, "")
	rr = f.do(t, http.MethodGet, "/api/v1/diagnostics", "", "")
	decode(t, rr, &resp)
	if len(resp.Hints) == 0 || resp.Hints[0].Key != "round_failing" {
		t.Errorf("first hint: got %+v, want round_failing", resp.Hints)
	}
}

func TestMetricsMounted(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodGet, "/metrics", "", "")
	wantStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), "# metrics") {
		t.Errorf("body: got %q", rr.Body.String())
	}
}

func itoa(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
