package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/obsidianstack/ratingindexer/lens/internal/config"
	"github.com/obsidianstack/ratingindexer/lens/internal/series"
	"github.com/obsidianstack/ratingindexer/lens/internal/source"
	"github.com/obsidianstack/ratingindexer/pkg/logging"
	"github.com/obsidianstack/ratingindexer/pkg/types"
)

const maxRequestBytes = 1 << 20

// Options configure a Server.
type Options struct {
	Sources       []source.Source
	DefaultSource string
	Auth          config.ServerAuth
	Logger        *slog.Logger
}

// Server answers fetch requests.
type Server struct {
	sources  map[string]source.Source
	fallback string
	auth     config.ServerAuth
	logger   *slog.Logger
	now      func() time.Time

	registry *prometheus.Registry
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec

	router chi.Router
}

// New builds a Server and its routes.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	s := &Server{
		sources:  make(map[string]source.Source, len(opts.Sources)),
		fallback: opts.DefaultSource,
		auth:     opts.Auth,
		logger:   opts.Logger,
		now:      time.Now,
		registry: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lens",
			Name:      "fetch_requests_total",
			Help:      "Fetch requests by source and HTTP status.",
		}, []string{"source", "code"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lens",
			Name:      "fetch_duration_seconds",
			Help:      "Time spent reading and reducing a fetch window.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
	}
	for _, src := range opts.Sources {
		s.sources[src.Name()] = src
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.withLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sources": len(s.sources)})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.With(s.requireKey).Post(types.FetchPath, s.fetch)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, types.ErrorReply{Error: "not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, types.ErrorReply{Error: "method not allowed"})
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) withLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := s.logger.With("request_id", middleware.GetReqID(r.Context()))
		next.ServeHTTP(w, r.WithContext(logging.With(r.Context(), l)))
	})
}

// requireKey enforces the API key in apikey mode.
func (s *Server) requireKey(next http.Handler) http.Handler {
	if s.auth.Mode != "apikey" {
		return next
	}
	want := []byte(s.auth.Key())
	header := s.auth.EffectiveHeader()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get(header))
		if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
			writeJSON(w, http.StatusUnauthorized, types.ErrorReply{Error: "invalid api key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

var (
	errBadRequest    = errors.New("bad request")
	errUnknownSource = errors.New("unknown source")
)

func (s *Server) fetch(w http.ResponseWriter, r *http.Request) {
	logger := logging.From(r.Context())

	var req types.FetchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		s.fail(w, "", http.StatusBadRequest, errors.Join(errBadRequest, err))
		return
	}
	if req.FromMs > req.ToMs {
		s.fail(w, req.Source, http.StatusBadRequest, errors.Join(errBadRequest, errors.New("from_ms after to_ms")))
		return
	}

	name := req.Source
	if name == "" {
		name = s.fallback
	}
	src, ok := s.sources[name]
	if !ok {
		s.fail(w, name, http.StatusBadRequest, errUnknownSource)
		return
	}

	start := s.now()
	data, err := src.Series(r.Context(), req.IDs, time.UnixMilli(req.FromMs), time.UnixMilli(req.ToMs))
	if err != nil {
		logger.Warn("lens: source read failed", "source", name, "err", err)
		s.fail(w, name, http.StatusBadGateway, err)
		return
	}
	scores, err := series.Score(src.Method(), req.IDs, data)
	if err != nil {
		s.fail(w, name, http.StatusInternalServerError, err)
		return
	}
	s.latency.WithLabelValues(name).Observe(s.now().Sub(start).Seconds())

	for id, v := range scores {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
			logger.Debug("lens: non-finite value replaced with null", "source", name, "id", id)
			scores[id] = nil
		}
	}
	s.requests.WithLabelValues(name, "200").Inc()
	writeJSON(w, http.StatusOK, types.FetchReply{Values: scores})
}

func (s *Server) fail(w http.ResponseWriter, name string, code int, err error) {
	s.requests.WithLabelValues(name, strconv.Itoa(code)).Inc()
	writeJSON(w, code, types.ErrorReply{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
