package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/obsidianstack/ratingindexer/indexer/internal/config"
)

// Anonymous is the caller id of requests that presented no key.
const Anonymous = ""

// Roles is an Authority built from the auth section of the config file.
// It is safe for concurrent use and can be reloaded.
type Roles struct {
	mu     sync.RWMutex
	open   bool
	header string
	roles  map[string]map[string]bool
	keys   []callerKey
}

type callerKey struct {
	id  string
	key []byte
}

// NewRoles builds Roles from cfg. API keys are resolved from the
// environment now, not per request.
func NewRoles(cfg config.AuthConfig) *Roles {
	r := &Roles{}
	r.Reload(cfg)
	return r
}

// Reload replaces callers, keys and mode.
func (r *Roles) Reload(cfg config.AuthConfig) {
	roles := make(map[string]map[string]bool, len(cfg.Callers))
	var keys []callerKey
	for _, c := range cfg.Callers {
		set := make(map[string]bool, len(c.Roles))
		for _, role := range c.Roles {
			set[role] = true
		}
		roles[c.ID] = set
		if k := c.Key(); k != "" {
			keys = append(keys, callerKey{id: c.ID, key: []byte(k)})
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = cfg.Mode == "none"
	r.header = cfg.EffectiveHeader()
	r.roles = roles
	r.keys = keys
}

func (r *Roles) IsProxy(caller string) bool      { return r.has(caller, config.RoleProxy) }
func (r *Roles) IsController(caller string) bool { return r.has(caller, config.RoleController) }

func (r *Roles) has(caller, role string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.open {
		return true
	}
	return r.roles[caller][role]
}

// Identify maps an API key to its caller id. Every configured key is
// compared in constant time.
func (r *Roles) Identify(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	found := ""
	ok := false
	for _, ck := range r.keys {
		if subtle.ConstantTimeCompare(ck.key, []byte(key)) == 1 {
			found, ok = ck.id, true
		}
	}
	return found, ok
}

func (r *Roles) headerName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.header
}

type callerKeyCtx struct{}

// WithCaller returns a context carrying the caller id.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKeyCtx{}, caller)
}

// CallerFrom returns the caller id stored by WithCaller, or Anonymous.
func CallerFrom(ctx context.Context) string {
	if c, ok := ctx.Value(callerKeyCtx{}).(string); ok {
		return c
	}
	return Anonymous
}

// Middleware resolves the caller from the API key header.
//
//   - No key: the request continues as Anonymous.
//   - Unknown key: 401 with a JSON error body.
//   - Known key: the caller id is stored with WithCaller.
func Middleware(r *Roles) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			key := req.Header.Get(r.headerName())
			if key == "" {
				next.ServeHTTP(w, req.WithContext(WithCaller(req.Context(), Anonymous)))
				return
			}
			caller, ok := r.Identify(key)
			if !ok {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "invalid api key"}) //nolint:errcheck
				return
			}
			next.ServeHTTP(w, req.WithContext(WithCaller(req.Context(), caller)))
		})
	}
}
