package llm

import (
	"fmt"
	"sort"

	"github.com/nikhilbhutani/promptrunner/internal/config"
)

type gateway struct {
	providers map[string]Provider
}

// NewGateway registers the providers the service supports. Only OpenAI is
// served; every other name fails with ErrUnsupportedProvider.
func NewGateway(cfg config.LLMConfig) Gateway {
	return NewStaticGateway(NewOpenAIProvider(cfg))
}

// NewStaticGateway serves exactly the given providers, keyed by Name().
func NewStaticGateway(providers ...Provider) Gateway {
	g := &gateway{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		g.providers[p.Name()] = p
	}
	return g
}

func (g *gateway) Provider(name string) (Provider, error) {
	p, ok := g.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, name)
	}
	return p, nil
}

func (g *gateway) ListModels() []ModelInfo {
	names := make([]string, 0, len(g.providers))
	for name := range g.providers {
		names = append(names, name)
	}
	sort.Strings(names)

	var models []ModelInfo
	for _, name := range names {
		for _, m := range g.providers[name].Models() {
			models = append(models, ModelInfo{Provider: name, Model: m})
		}
	}
	return models
}
