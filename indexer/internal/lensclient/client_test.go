package lensclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/obsidianstack/ratingindexer/indexer/internal/config"
	"github.com/obsidianstack/ratingindexer/indexer/internal/model"
	"github.com/obsidianstack/ratingindexer/pkg/types"
)

func noSleep(context.Context, time.Duration) error { return nil }

func newTestClient(t *testing.T, endpoint string, retry config.RetryConfig, auth config.ClientAuth) *Client {
	t.Helper()
	c, err := New(config.Lens{Name: "test", Endpoint: endpoint, Retry: retry, Auth: auth})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.sleep = noSleep
	return c
}

func TestFetch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != types.FetchPath || r.Method != http.MethodPost {
			t.Errorf("got %s %s", r.Method, r.URL.Path)
		}
		var req types.FetchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.FromMs != 1000 || req.ToMs != 2000 || len(req.IDs) != 2 || req.Source != "src" {
			t.Errorf("request = %+v", req)
		}
		w.Write([]byte(`{"values":{"a":4.5,"b":null}}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL+"/", config.RetryConfig{}, config.ClientAuth{})
	got, err := c.Fetch(context.Background(), types.FetchRequest{
		Source: "src", FromMs: 1000, ToMs: 2000, IDs: []string{"a", "b"},
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got["a"] == nil || *got["a"] != 4.5 {
		t.Errorf("a = %v, want 4.5", got["a"])
	}
	if v, ok := got["b"]; !ok || v != nil {
		t.Errorf("b = %v (present %v), want explicit null", v, ok)
	}
}

func TestFetch_Errors(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"server error", http.StatusInternalServerError, `{"error":"boom"}`, model.ErrTransport},
		{"unauthorized", http.StatusUnauthorized, ``, model.ErrTransport},
		{"not json", http.StatusOK, `<html>`, model.ErrMalformedReply},
		{"missing values", http.StatusOK, `{}`, model.ErrMalformedReply},
		{"wrong value type", http.StatusOK, `{"values":{"a":"x"}}`, model.ErrMalformedReply},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body)) //nolint:errcheck
			}))
			defer srv.Close()

			c := newTestClient(t, srv.URL, config.RetryConfig{}, config.ClientAuth{})
			_, err := c.Fetch(context.Background(), types.FetchRequest{IDs: []string{"a"}})
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("err = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestFetch_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := newTestClient(t, url, config.RetryConfig{}, config.ClientAuth{})
	if _, err := c.Fetch(context.Background(), types.FetchRequest{}); !errors.Is(err, model.ErrTransport) {
		t.Errorf("err = %v, want ErrTransport", err)
	}
}

func TestFetch_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"values":{"a":1}}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, config.RetryConfig{MaxAttempts: 3}, config.ClientAuth{})
	if _, err := c.Fetch(context.Background(), types.FetchRequest{}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestFetch_DoesNotRetryPermanentFailures(t *testing.T) {
	for _, tc := range []struct {
		name   string
		status int
		body   string
	}{
		{"bad request", http.StatusBadRequest, `{"error":"unknown source"}`},
		{"malformed", http.StatusOK, `nope`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body)) //nolint:errcheck
			}))
			defer srv.Close()

			c := newTestClient(t, srv.URL, config.RetryConfig{MaxAttempts: 5}, config.ClientAuth{})
			if _, err := c.Fetch(context.Background(), types.FetchRequest{}); err == nil {
				t.Fatal("expected error")
			}
			if calls.Load() != 1 {
				t.Errorf("calls = %d, want 1", calls.Load())
			}
		})
	}
}

func TestAuthRoundTripper(t *testing.T) {
	t.Setenv("LENS_TEST_KEY", "secret-key")
	t.Setenv("LENS_TEST_TOKEN", "tok")
	t.Setenv("LENS_TEST_PW", "pw")

	cases := []struct {
		name  string
		auth  config.ClientAuth
		check func(*http.Request) bool
	}{
		{"apikey default header", config.ClientAuth{Mode: "apikey", KeyEnv: "LENS_TEST_KEY"},
			func(r *http.Request) bool { return r.Header.Get("x-api-key") == "secret-key" }},
		{"apikey custom header", config.ClientAuth{Mode: "apikey", Header: "x-lens", KeyEnv: "LENS_TEST_KEY"},
			func(r *http.Request) bool { return r.Header.Get("x-lens") == "secret-key" }},
		{"bearer", config.ClientAuth{Mode: "bearer", TokenEnv: "LENS_TEST_TOKEN"},
			func(r *http.Request) bool { return r.Header.Get("Authorization") == "Bearer tok" }},
		{"basic", config.ClientAuth{Mode: "basic", Username: "u", PasswordEnv: "LENS_TEST_PW"},
			func(r *http.Request) bool { u, p, ok := r.BasicAuth(); return ok && u == "u" && p == "pw" }},
		{"none", config.ClientAuth{},
			func(r *http.Request) bool { return r.Header.Get("Authorization") == "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if !tc.check(r) {
					w.WriteHeader(http.StatusUnauthorized)
					return
				}
				w.Write([]byte(`{"values":{}}`)) //nolint:errcheck
			}))
			defer srv.Close()

			c := newTestClient(t, srv.URL, config.RetryConfig{}, tc.auth)
			if _, err := c.Fetch(context.Background(), types.FetchRequest{}); err != nil {
				t.Errorf("Fetch: %v", err)
			}
		})
	}
}

func TestBackoff(t *testing.T) {
	b := newBackoff(time.Second, 4*time.Second)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
	for i, base := range want {
		d := b.next()
		lo, hi := time.Duration(float64(base)*0.75), time.Duration(float64(base)*1.25)
		if d < lo || d > hi {
			t.Errorf("step %d: %v outside [%v, %v]", i, d, lo, hi)
		}
	}
}

func TestPool(t *testing.T) {
	p, err := NewPool([]config.Lens{{Name: "variance", Endpoint: "http://lens:9100"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Lens("variance"); err != nil {
		t.Errorf("named lens: %v", err)
	}
	a, err := p.Lens("http://other:9100")
	if err != nil {
		t.Fatalf("url lens: %v", err)
	}
	b, _ := p.Lens("http://other:9100")
	if a != b {
		t.Error("url lens client not reused")
	}
	if _, err := p.Lens("unknown"); !errors.Is(err, model.ErrLensNotFound) {
		t.Errorf("err = %v, want ErrLensNotFound", err)
	}

	if err := p.Reload(nil); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Lens("variance"); !errors.Is(err, model.ErrLensNotFound) {
		t.Errorf("after reload err = %v, want ErrLensNotFound", err)
	}
}
