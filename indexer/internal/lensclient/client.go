package lensclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/obsidianstack/ratingindexer/indexer/internal/config"
	"github.com/obsidianstack/ratingindexer/indexer/internal/model"
	"github.com/obsidianstack/ratingindexer/pkg/types"
)

// maxReplyBytes bounds how much of a lens reply is read.
const maxReplyBytes = 8 << 20

// Client talks to one lens.
type Client struct {
	name     string
	endpoint string
	client   *http.Client
	retry    config.RetryConfig
	sleep    func(ctx context.Context, d time.Duration) error
}

// New builds a Client for lens. The http.Client is built once and reused.
func New(lens config.Lens) (*Client, error) {
	client, err := buildHTTPClient(lens)
	if err != nil {
		return nil, fmt.Errorf("lens %q: build http client: %w", lens.Name, err)
	}
	return &Client{
		name:     lens.Name,
		endpoint: strings.TrimRight(lens.Endpoint, "/"),
		client:   client,
		retry:    lens.Retry,
		sleep:    sleepCtx,
	}, nil
}

// Name returns the configured lens name.
func (c *Client) Name() string { return c.name }

// Fetch asks the lens for req.IDs over the request window.
func (c *Client) Fetch(ctx context.Context, req types.FetchRequest) (map[string]*float64, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, goerr.Wrap(err, "encode fetch request", goerr.V("lens", c.name))
	}

	attempts := c.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	bo := newBackoff(c.retry.BaseDelay, c.retry.MaxDelay)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		values, err := c.fetchOnce(ctx, body)
		if err == nil {
			return values, nil
		}
		lastErr = err
		if attempt == attempts || isPermanent(err) {
			break
		}
		d := bo.next()
		slog.Debug("lensclient: retrying fetch",
			"lens", c.name, "attempt", attempt, "backoff", d, "err", err)
		if err := c.sleep(ctx, d); err != nil {
			break
		}
	}
	return nil, lastErr
}

// statusError is a non-2xx lens answer. It counts as a transport failure.
type statusError struct {
	code int
	msg  string
}

func (e *statusError) Error() string {
	if e.msg == "" {
		return fmt.Sprintf("unexpected status %d", e.code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.msg)
}

func (e *statusError) Unwrap() error { return model.ErrTransport }

func (c *Client) fetchOnce(ctx context.Context, body []byte) (map[string]*float64, error) {
	url := c.endpoint + types.FetchPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, goerr.Wrap(model.ErrTransport, err.Error(), goerr.V("lens", c.name))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, goerr.Wrap(model.ErrTransport, err.Error(), goerr.V("lens", c.name), goerr.V("url", url))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, goerr.Wrap(model.ErrTransport, "read reply: "+err.Error(), goerr.V("lens", c.name))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var er types.ErrorReply
		_ = json.Unmarshal(data, &er)
		return nil, goerr.Wrap(&statusError{code: resp.StatusCode, msg: er.Error}, "lens replied with failure",
			goerr.V("lens", c.name), goerr.V("url", url))
	}

	var reply types.FetchReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, goerr.Wrap(model.ErrMalformedReply, err.Error(), goerr.V("lens", c.name))
	}
	if reply.Values == nil {
		return nil, goerr.Wrap(model.ErrMalformedReply, "reply has no values", goerr.V("lens", c.name))
	}
	return reply.Values, nil
}

// isPermanent reports whether retrying err cannot help.
func isPermanent(err error) bool {
	if errors.Is(err, model.ErrMalformedReply) || errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 400 && se.code < 500 && se.code != http.StatusTooManyRequests
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// authRoundTripper injects authentication headers into every outgoing request.
type authRoundTripper struct {
	base http.RoundTripper
	auth config.ClientAuth
}

func (t *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	switch t.auth.Mode {
	case "apikey":
		req = req.Clone(req.Context())
		req.Header.Set(t.auth.EffectiveHeader(), t.auth.Key())
	case "bearer":
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+t.auth.Token())
	case "basic":
		req = req.Clone(req.Context())
		req.SetBasicAuth(t.auth.Username, t.auth.Password())
	}
	return t.base.RoundTrip(req)
}

// buildHTTPClient constructs an http.Client for the lens's auth and TLS settings.
func buildHTTPClient(lens config.Lens) (*http.Client, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: lens.TLS.InsecureSkipVerify, //nolint:gosec // user-configured
	}

	if lens.Auth.Mode == "mtls" {
		cert, err := tls.LoadX509KeyPair(lens.Auth.CertFile, lens.Auth.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}

		if lens.Auth.CAFile != "" {
			caPEM, err := os.ReadFile(lens.Auth.CAFile)
			if err != nil {
				return nil, fmt.Errorf("read ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caPEM) {
				return nil, fmt.Errorf("no valid certs found in ca file %q", lens.Auth.CAFile)
			}
			tlsCfg.RootCAs = pool
		}
	}

	timeout := lens.Timeout
	if timeout <= 0 {
		timeout = config.DefaultLensTimeout
	}
	return &http.Client{
		Transport: &authRoundTripper{
			base: &http.Transport{TLSClientConfig: tlsCfg},
			auth: lens.Auth,
		},
		Timeout: timeout,
	}, nil
}
