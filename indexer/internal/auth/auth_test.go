package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/obsidianstack/ratingindexer/indexer/internal/config"
	"github.com/obsidianstack/ratingindexer/indexer/internal/model"
)

func testRoles(t *testing.T) *Roles {
	t.Helper()
	t.Setenv("AUTH_TEST_SCHED", "sched-key")
	t.Setenv("AUTH_TEST_ADMIN", "admin-key")
	return NewRoles(config.AuthConfig{
		Mode: "apikey",
		Callers: []config.Caller{
			{ID: "scheduler", KeyEnv: "AUTH_TEST_SCHED", Roles: []string{config.RoleProxy}},
			{ID: "admin", KeyEnv: "AUTH_TEST_ADMIN", Roles: []string{config.RoleController}},
			{ID: "keyless", Roles: []string{config.RoleController}},
		},
	})
}

func TestGate(t *testing.T) {
	g := NewGate(testRoles(t))
	cases := []struct {
		caller         string
		proxy, control bool
	}{
		{"scheduler", true, false},
		{"admin", false, true},
		{Anonymous, false, false},
		{"stranger", false, false},
	}
	for _, tc := range cases {
		if err := g.RequireProxy(tc.caller); (err == nil) != tc.proxy {
			t.Errorf("RequireProxy(%q) = %v", tc.caller, err)
		} else if err != nil && !errors.Is(err, model.ErrUnauthorized) {
			t.Errorf("RequireProxy(%q) err = %v, want ErrUnauthorized", tc.caller, err)
		}
		if err := g.RequireController(tc.caller); (err == nil) != tc.control {
			t.Errorf("RequireController(%q) = %v", tc.caller, err)
		} else if err != nil && !errors.Is(err, model.ErrUnauthorized) {
			t.Errorf("RequireController(%q) err = %v, want ErrUnauthorized", tc.caller, err)
		}
	}
}

func TestModeNoneGrantsEverything(t *testing.T) {
	g := NewGate(NewRoles(config.AuthConfig{Mode: "none"}))
	if g.RequireProxy(Anonymous) != nil || g.RequireController("anyone") != nil {
		t.Error("mode none should grant every role")
	}
}

func TestReload(t *testing.T) {
	r := testRoles(t)
	r.Reload(config.AuthConfig{Mode: "apikey", Callers: []config.Caller{
		{ID: "scheduler", KeyEnv: "AUTH_TEST_SCHED", Roles: []string{config.RoleProxy, config.RoleController}},
	}})
	if !r.IsController("scheduler") || r.IsController("admin") {
		t.Error("reload did not replace roles")
	}
	if _, ok := r.Identify("admin-key"); ok {
		t.Error("removed caller's key still identifies")
	}
}

func TestStatic(t *testing.T) {
	s := Static{Proxies: []string{"cli"}, Controllers: []string{"cli"}}
	if !s.IsProxy("cli") || !s.IsController("cli") || s.IsProxy("other") {
		t.Error("Static membership wrong")
	}
}

func TestMiddleware(t *testing.T) {
	r := testRoles(t)
	var seen string
	h := Middleware(r)(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		seen = CallerFrom(req.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name       string
		key        string
		wantStatus int
		wantCaller string
	}{
		{"no key is anonymous", "", http.StatusNoContent, Anonymous},
		{"scheduler key", "sched-key", http.StatusNoContent, "scheduler"},
		{"admin key", "admin-key", http.StatusNoContent, "admin"},
		{"unknown key", "nope", http.StatusUnauthorized, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen = "unset"
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.key != "" {
				req.Header.Set("x-api-key", tc.key)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.wantStatus {
				t.Fatalf("status: got %d, want %d", rec.Code, tc.wantStatus)
			}
			if tc.wantStatus == http.StatusNoContent && seen != tc.wantCaller {
				t.Errorf("caller: got %q, want %q", seen, tc.wantCaller)
			}
		})
	}
}
