package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ErrNoProvider is returned when a caller has nothing to route to.
var ErrNoProvider = errors.New("no provider available")

// Router holds the configured providers and picks a chain per caller.
// Callers are agent ids, or "planner" for plan generation. A caller's chain
// is its bound provider, then its fallbacks, then the default provider.
type Router struct {
	providers map[string]Provider
	bindings  map[string]string
	fallbacks map[string][]string
	primary   string
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates an empty router. The first registered provider becomes
// the default.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		bindings:  make(map[string]string),
		fallbacks: make(map[string][]string),
		logger:    logger,
	}
}

func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if r.primary == "" {
		r.primary = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// SetDefault changes the provider used by callers without a working binding.
func (r *Router) SetDefault(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.primary = providerID
}

// Bind routes a caller to a specific provider first.
func (r *Router) Bind(caller, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[caller] = providerID
}

// SetFallbacks sets the providers tried, in order, after a caller's binding.
func (r *Router) SetFallbacks(caller string, providerIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[caller] = append([]string(nil), providerIDs...)
}

// Route sends req along the caller's chain and returns the first success.
// Unknown provider ids in the chain are ignored.
func (r *Router) Route(ctx context.Context, caller string, req *ChatRequest) (*ChatResponse, error) {
	chain := r.chain(caller)
	if len(chain) == 0 {
		return nil, fmt.Errorf("route %s: %w", caller, ErrNoProvider)
	}

	var errs []error
	for i, p := range chain {
		resp, err := p.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.ID(), err))
		if ctx.Err() != nil {
			break
		}
		if i < len(chain)-1 {
			r.logger.Warn("provider failed, trying next",
				zap.String("caller", caller),
				zap.String("provider", p.ID()),
				zap.Error(err))
		}
	}
	return nil, fmt.Errorf("route %s: %w", caller, errors.Join(errs...))
}

func (r *Router) chain(caller string) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, 2+len(r.fallbacks[caller]))
	if pid, ok := r.bindings[caller]; ok {
		ids = append(ids, pid)
	}
	ids = append(ids, r.fallbacks[caller]...)
	ids = append(ids, r.primary)

	seen := make(map[string]bool, len(ids))
	var out []Provider
	for _, id := range ids {
		p, ok := r.providers[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, p)
	}
	return out
}

// Health checks every provider and reports "ok" or the error text per id.
func (r *Router) Health(ctx context.Context) map[string]string {
	out := make(map[string]string)
	for _, p := range r.Providers() {
		if err := p.HealthCheck(ctx); err != nil {
			out[p.ID()] = err.Error()
			continue
		}
		out[p.ID()] = "ok"
	}
	return out
}

// Providers returns the registered providers ordered by id.
func (r *Router) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// New builds a provider from its configuration.
func New(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	switch cfg.Type {
	case "openai":
		return NewOpenAIProvider(cfg, logger), nil
	case "anthropic":
		return NewAnthropicProvider(cfg, logger), nil
	default:
		return nil, fmt.Errorf("provider %s: unknown type %q", cfg.ID, cfg.Type)
	}
}
