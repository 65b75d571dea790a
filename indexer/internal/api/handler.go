package api

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/m-mizutani/goerr/v2"

	"github.com/obsidianstack/ratingindexer/indexer/internal/alerts"
	"github.com/obsidianstack/ratingindexer/indexer/internal/auth"
	"github.com/obsidianstack/ratingindexer/indexer/internal/model"
	"github.com/obsidianstack/ratingindexer/indexer/internal/service"
	"github.com/obsidianstack/ratingindexer/indexer/internal/snapshotid"
	"github.com/obsidianstack/ratingindexer/pkg/logging"
)

const defaultTopN = 10

// AlertLister is implemented by *alerts.Engine.
type AlertLister interface {
	Active() []*alerts.Alert
}

// Deps are the collaborators of the API. Only Service is required.
type Deps struct {
	Service *service.Service

	// Roles resolves API keys. nil treats every request as anonymous.
	Roles *auth.Roles

	Alerts  AlertLister
	Metrics http.Handler
	Stream  http.Handler
	Logger  *slog.Logger

	// ScheduleInterval enables the stale-snapshot hint when non-zero.
	ScheduleInterval time.Duration
}

// Handler serves the REST API.
type Handler struct {
	deps   Deps
	router chi.Router
}

// New creates a Handler and registers all routes.
func New(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	h := &Handler{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.withLogger)

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	if deps.Stream != nil {
		r.Method(http.MethodGet, "/ws/snapshots", deps.Stream)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if deps.Roles != nil {
			r.Use(auth.Middleware(deps.Roles))
		}
		r.Get("/health", h.health)

		r.Route("/snapshots", func(r chi.Router) {
			r.Get("/", h.queryRange)
			r.Get("/latest", h.latest)
			r.Get("/latest/value", h.latestValue)
			r.Get("/top", h.top)
			r.Get("/top/values", h.topValues)
			r.Get("/len", h.length)
			r.Get("/{id}", h.snapshot)
		})

		r.Post("/index", h.index)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", h.listTasks)
			r.Post("/", h.addTask)
			r.Delete("/{id}", h.removeTask)
		})

		r.Route("/config", func(r chi.Router) {
			r.Get("/", h.getConfig)
			r.Put("/max_count", h.setMaxCount)
			r.Put("/duration_seconds", h.setDurationSeconds)
		})

		r.Get("/alerts", h.alerts)
		r.Get("/diagnostics", h.diagnostics)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		jsonErr(w, http.StatusNotFound, "not found")
	})

	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) withLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := h.deps.Logger.With("request_id", middleware.GetReqID(r.Context()))
		next.ServeHTTP(w, r.WithContext(logging.With(r.Context(), l)))
	})
}

// --- reads ------------------------------------------------------------------

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	svc := h.deps.Service
	st := svc.Status()
	resp := HealthResponse{
		Status:    "ok",
		Snapshots: svc.StoreLength(),
		Tasks:     svc.TaskCount(),
		Round:     st,
	}
	if st.ConsecutiveFailures > 0 {
		resp.Status = "degraded"
	}
	jsonResp(w, http.StatusOK, resp)
}

func (h *Handler) latest(w http.ResponseWriter, r *http.Request) {
	snap, err := h.deps.Service.LatestSnapshot()
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResp(w, http.StatusOK, snap)
}

func (h *Handler) latestValue(w http.ResponseWriter, r *http.Request) {
	v, err := h.deps.Service.LatestScore()
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResp(w, http.StatusOK, toValues(v))
}

func (h *Handler) queryRange(w http.ResponseWriter, r *http.Request) {
	from, err := uintParam(r, "from", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	to, err := uintParam(r, "to", math.MaxUint64)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResp(w, http.StatusOK, nonNil(h.deps.Service.QueryRange(from, to)))
}

func (h *Handler) top(w http.ResponseWriter, r *http.Request) {
	n, err := uintParam(r, "n", defaultTopN)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResp(w, http.StatusOK, nonNil(h.deps.Service.TopSnapshots(clampInt(n))))
}

func (h *Handler) topValues(w http.ResponseWriter, r *http.Request) {
	n, err := uintParam(r, "n", defaultTopN)
	if err != nil {
		writeError(w, r, err)
		return
	}
	scores := h.deps.Service.TopScores(clampInt(n))
	out := make([]valuesResponse, len(scores))
	for i, v := range scores {
		out[i] = toValues(v)
	}
	jsonResp(w, http.StatusOK, out)
}

func (h *Handler) length(w http.ResponseWriter, _ *http.Request) {
	jsonResp(w, http.StatusOK, LenResponse{Len: h.deps.Service.StoreLength()})
}

func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	id, err := snapshotid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	snap, ok := h.deps.Service.Snapshot(id)
	if !ok {
		jsonErr(w, http.StatusNotFound, "snapshot not found")
		return
	}
	jsonResp(w, http.StatusOK, snap)
}

func (h *Handler) getConfig(w http.ResponseWriter, _ *http.Request) {
	jsonResp(w, http.StatusOK, h.deps.Service.GetConfig())
}

func (h *Handler) alerts(w http.ResponseWriter, _ *http.Request) {
	out := []*alerts.Alert{}
	if h.deps.Alerts != nil {
		out = append(out, h.deps.Alerts.Active()...)
	}
	jsonResp(w, http.StatusOK, out)
}

func (h *Handler) diagnostics(w http.ResponseWriter, _ *http.Request) {
	hints := computeDiagnostics(h.deps.Service, h.deps.ScheduleInterval, time.Now())
	jsonResp(w, http.StatusOK, DiagnosticsResponse{Hints: hints})
}

// --- gated operations -------------------------------------------------------

func (h *Handler) index(w http.ResponseWriter, r *http.Request) {
	snap, err := h.deps.Service.RunIndexingRound(r.Context(), auth.CallerFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResp(w, http.StatusOK, snap)
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.deps.Service.ListTasks(r.Context(), auth.CallerFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResp(w, http.StatusOK, nonNil(tasks))
}

func (h *Handler) addTask(w http.ResponseWriter, r *http.Request) {
	var t model.Task
	if err := decodeBody(r, &t); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.deps.Service.AddTask(r.Context(), auth.CallerFrom(r.Context()), t); err != nil {
		writeError(w, r, err)
		return
	}
	jsonResp(w, http.StatusCreated, t)
}

func (h *Handler) removeTask(w http.ResponseWriter, r *http.Request) {
	id := model.TaskID(chi.URLParam(r, "id"))
	if err := h.deps.Service.RemoveTask(r.Context(), auth.CallerFrom(r.Context()), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setMaxCount(w http.ResponseWriter, r *http.Request) {
	v, err := decodeValue(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if v > math.MaxInt32 {
		writeError(w, r, goerr.Wrap(errBadRequest, "value out of range", goerr.V("value", v)))
		return
	}
	if err := h.deps.Service.SetMaxCount(r.Context(), auth.CallerFrom(r.Context()), int(v)); err != nil {
		writeError(w, r, err)
		return
	}
	jsonResp(w, http.StatusOK, h.deps.Service.GetConfig())
}

func (h *Handler) setDurationSeconds(w http.ResponseWriter, r *http.Request) {
	v, err := decodeValue(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.deps.Service.SetDurationSeconds(r.Context(), auth.CallerFrom(r.Context()), v); err != nil {
		writeError(w, r, err)
		return
	}
	jsonResp(w, http.StatusOK, h.deps.Service.GetConfig())
}

// --- helpers ----------------------------------------------------------------

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return goerr.Wrap(errBadRequest, "decode body", goerr.V("cause", err.Error()))
	}
	return nil
}

func decodeValue(r *http.Request) (int64, error) {
	var req ValueRequest
	if err := decodeBody(r, &req); err != nil {
		return 0, err
	}
	if req.Value == nil {
		return 0, goerr.Wrap(errBadRequest, "value is required")
	}
	return *req.Value, nil
}

func uintParam(r *http.Request, name string, def uint64) (uint64, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, goerr.Wrap(errBadRequest, "invalid query parameter", goerr.V("name", name), goerr.V("value", s))
	}
	return v, nil
}

func clampInt(n uint64) int {
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(n)
}

func toValues(v map[model.AggregationKey]float64) valuesResponse {
	out := make(valuesResponse, len(v))
	for k, m := range model.ValueJSON(v) {
		out[string(k)] = m
	}
	return out
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
