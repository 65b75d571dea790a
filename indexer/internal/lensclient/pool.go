package lensclient

import (
	"net/url"
	"sync"

	"github.com/m-mizutani/goerr/v2"

	"github.com/obsidianstack/ratingindexer/indexer/internal/config"
	"github.com/obsidianstack/ratingindexer/indexer/internal/model"
)

// Pool resolves task lens references to clients. A reference is either the
// name of a configured lens or an http(s) URL, which gets a client with
// default settings.
type Pool struct {
	mu    sync.RWMutex
	named map[string]*Client
	adhoc map[string]*Client
	wrap  func(*Client) model.Lens
}

// NewPool builds a client for every configured lens.
func NewPool(lenses []config.Lens) (*Pool, error) {
	p := &Pool{adhoc: make(map[string]*Client)}
	if err := p.Reload(lenses); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload replaces the named clients. On error the previous set stays active.
func (p *Pool) Reload(lenses []config.Lens) error {
	named := make(map[string]*Client, len(lenses))
	for _, l := range lenses {
		c, err := New(l)
		if err != nil {
			return err
		}
		named[l.Name] = c
	}
	p.mu.Lock()
	p.named = named
	p.mu.Unlock()
	return nil
}

// Instrument wraps every resolved client, e.g. to record fetch latency.
func (p *Pool) Instrument(wrap func(*Client) model.Lens) {
	p.mu.Lock()
	p.wrap = wrap
	p.mu.Unlock()
}

// Lens implements model.Lenses.
func (p *Pool) Lens(ref string) (model.Lens, error) {
	c, err := p.client(ref)
	if err != nil {
		return nil, err
	}
	p.mu.RLock()
	wrap := p.wrap
	p.mu.RUnlock()
	if wrap != nil {
		return wrap(c), nil
	}
	return c, nil
}

func (p *Pool) client(ref string) (*Client, error) {
	p.mu.RLock()
	c, ok := p.named[ref]
	if !ok {
		c, ok = p.adhoc[ref]
	}
	p.mu.RUnlock()
	if ok {
		return c, nil
	}

	u, err := url.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, goerr.Wrap(model.ErrLensNotFound, "resolve lens", goerr.V("lens", ref))
	}

	c, err = New(config.Lens{Name: ref, Endpoint: ref})
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.adhoc[ref]; ok {
		return existing, nil
	}
	p.adhoc[ref] = c
	return c, nil
}
