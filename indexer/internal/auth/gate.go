package auth

import (
	"github.com/m-mizutani/goerr/v2"

	"github.com/obsidianstack/ratingindexer/indexer/internal/model"
)

// Authority answers role membership for a caller id.
type Authority interface {
	IsProxy(caller string) bool
	IsController(caller string) bool
}

// Gate enforces roles in front of privileged operations.
type Gate struct {
	authority Authority
}

// NewGate returns a Gate asking a.
func NewGate(a Authority) *Gate {
	return &Gate{authority: a}
}

// RequireProxy fails unless caller may run indexing rounds.
func (g *Gate) RequireProxy(caller string) error {
	if !g.authority.IsProxy(caller) {
		return goerr.Wrap(model.ErrUnauthorized, "caller is not a proxy", goerr.V("caller", caller))
	}
	return nil
}

// RequireController fails unless caller may change tasks and config.
func (g *Gate) RequireController(caller string) error {
	if !g.authority.IsController(caller) {
		return goerr.Wrap(model.ErrUnauthorized, "caller is not a controller", goerr.V("caller", caller))
	}
	return nil
}

// Static is a fixed Authority, used by the CLI acting locally.
type Static struct {
	Proxies     []string
	Controllers []string
}

func (s Static) IsProxy(caller string) bool      { return contains(s.Proxies, caller) }
func (s Static) IsController(caller string) bool { return contains(s.Controllers, caller) }

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
