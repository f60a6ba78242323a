package resilience

import (
	"context"
	"log/slog"

	"github.com/MrWong99/voxrelay/pkg/provider/llm"
)

// LLMChain is an [llm.Provider] that fails over across LLM backends.
type LLMChain struct {
	chain *Chain[llm.Provider]
}

var _ llm.Provider = (*LLMChain)(nil)

// NewLLMChain returns an LLMChain with primary as its first link.
func NewLLMChain(primaryName string, primary llm.Provider, cfg BreakerConfig) *LLMChain {
	return &LLMChain{chain: NewChain[llm.Provider](cfg).Add(primaryName, primary)}
}

// Add registers a fallback backend.
func (f *LLMChain) Add(name string, p llm.Provider) *LLMChain {
	f.chain.Add(name, p)
	return f
}

// Names returns the backend names in failover order.
func (f *LLMChain) Names() []string { return f.chain.Names() }

// Complete serves req from the first healthy backend.
func (f *LLMChain) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, name, err := Call(f.chain, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	if name != f.chain.links[0].name {
		slog.Info("resilience: completion served by fallback", "provider", name)
	}
	return resp, nil
}
