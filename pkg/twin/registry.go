package twin

import (
	"sync"

	"github.com/mnemos-ai/mnemos/pkg/config"
)

// Registry hands out the engine instance for a tenant. Engines are cached
// per tenant id; tenants without an explicit configuration share the
// default twin.
type Registry struct {
	deps      Deps
	twins     *config.TwinRegistry
	retrieval config.RetrievalConfig

	mu      sync.Mutex
	engines map[string]*Engine
}

// NewRegistry creates a Registry over the configured twins. retrieval is
// the global knob set; per-twin overrides take precedence.
func NewRegistry(deps Deps, twins *config.TwinRegistry, retrieval config.RetrievalConfig) *Registry {
	return &Registry{
		deps:      deps,
		twins:     twins,
		retrieval: retrieval,
		engines:   make(map[string]*Engine),
	}
}

// TwinFor resolves the engine for a tenant id. An empty tenant id maps to
// the default (personal) twin.
func (r *Registry) TwinFor(tenantID string) Twin {
	r.mu.Lock()
	defer r.mu.Unlock()

	if eng, ok := r.engines[tenantID]; ok {
		return eng
	}

	cfg := r.twins.Get(tenantID)
	if cfg == nil {
		cfg = &config.TwinConfig{Variant: config.VariantPersonal}
	}
	knobs := r.retrieval
	if cfg.Retrieval != nil {
		knobs = *cfg.Retrieval
	}

	eng := NewEngine(r.deps, *cfg, knobs)
	r.engines[tenantID] = eng
	return eng
}
