// Package router turns a requested model name into an ordered chain of
// provider targets for the fetch client to try.
package router

import (
	"errors"
	"fmt"
	"strings"

	"github.com/matthewdeanmartin/ai-fish-tank/pkg/config"
)

// Provider types.
const (
	TypeOpenAI    = "openai"
	TypeAnthropic = "anthropic"
)

var ErrNoProviders = errors.New("no providers configured")

// Route is one provider and model to try.
type Route struct {
	Provider config.ProviderConfig
	Model    string
}

// Type returns the wire protocol of the route's provider.
func (r Route) Type() string {
	if r.Provider.Type == "" {
		return TypeOpenAI
	}
	return r.Provider.Type
}

// Router resolves requested model names to ordered provider+model chains.
type Router struct {
	providers []config.ProviderConfig
	byName    map[string]config.ProviderConfig
	routes    map[string][]config.RouteTarget
}

// New creates a Router from the configured providers and routes.
func New(providers []config.ProviderConfig, routes []config.RouteConfig) *Router {
	r := &Router{
		providers: providers,
		byName:    make(map[string]config.ProviderConfig, len(providers)),
		routes:    make(map[string][]config.RouteTarget, len(routes)),
	}
	for _, p := range providers {
		r.byName[p.Name] = p
	}
	for _, rc := range routes {
		if _, dup := r.routes[rc.Model]; !dup {
			r.routes[rc.Model] = rc.Targets
		}
	}
	return r
}

// FromConfig is New over cfg's providers and router section.
func FromConfig(cfg *config.Config) *Router {
	return New(cfg.Providers, cfg.Router.Routes)
}

// Resolve returns an ordered list of routes for the requested model.
// A configured route wins. Otherwise the first provider speaking the model's
// protocol is used, falling back to the first provider.
func (r *Router) Resolve(model string) ([]Route, error) {
	if len(r.providers) == 0 {
		return nil, ErrNoProviders
	}

	if targets, ok := r.routes[model]; ok {
		var out []Route
		for _, target := range targets {
			provider, ok := r.byName[target.Provider]
			if !ok {
				continue
			}
			m := target.Model
			if m == "" {
				m = model
			}
			out = append(out, Route{Provider: provider, Model: m})
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("route %q: all providers unknown", model)
		}
		return out, nil
	}

	want := inferType(model)
	for _, p := range r.providers {
		if (Route{Provider: p}).Type() == want {
			return []Route{{Provider: p, Model: model}}, nil
		}
	}
	return []Route{{Provider: r.providers[0], Model: model}}, nil
}

func inferType(model string) string {
	if strings.HasPrefix(strings.ToLower(model), "claude") {
		return TypeAnthropic
	}
	return TypeOpenAI
}
