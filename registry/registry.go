// Package registry implements the Provider Registry (§4.2): it discovers
// which providers are enabled from a Secret Source, constructs one adapter
// per enabled provider, and resolves ModelIdentifiers to adapters.
package registry

import (
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/relayforge/polyllm/adapters"
	"github.com/relayforge/polyllm/adapters/anthropic"
	"github.com/relayforge/polyllm/adapters/google"
	"github.com/relayforge/polyllm/adapters/huggingface"
	"github.com/relayforge/polyllm/adapters/localrunner"
	"github.com/relayforge/polyllm/adapters/openai"
	"github.com/relayforge/polyllm/secret"
	"github.com/relayforge/polyllm/types"
)

// Registry is a thread-safe, immutable-after-build set of provider adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]adapters.Adapter
}

// New builds an empty Registry. Use Register to add adapters, or
// BuildFromSecrets to discover+construct the standard provider set.
func New() *Registry {
	return &Registry{adapters: make(map[string]adapters.Adapter)}
}

// Register adds an adapter to the registry under its own Name().
func (r *Registry) Register(a adapters.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Names returns the sorted names of all registered providers.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}

// ResolutionError is an error carrying a model-resolution failure message.
// ResolveModel does not return it: a bare model name matching more than
// one registered adapter, or none, is reported as a *types.Error with code
// ErrBadRequest.
type ResolutionError struct {
	Msg string
}

func (e *ResolutionError) Error() string { return e.Msg }

// ResolveModel dispatches a ModelIdentifier to its adapter. If Provider is
// set, it looks up that provider only. If Provider is empty, it consults
// each adapter's SupportedModels(); an identifier matching zero or more
// than one provider fails fast, before any network call, per §4.2.
func (r *Registry) ResolveModel(id types.ModelIdentifier) (adapters.Adapter, *types.Error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id.Provider != "" {
		a, ok := r.adapters[id.Provider]
		if !ok {
			return nil, types.NewError(types.ErrBadRequest, "unknown provider: "+id.Provider)
		}
		return a, nil
	}

	var matches []adapters.Adapter
	for _, a := range r.adapters {
		for _, m := range a.SupportedModels() {
			if m == id.Model {
				matches = append(matches, a)
				break
			}
		}
	}
	switch len(matches) {
	case 0:
		return nil, types.NewError(types.ErrBadRequest, "model name is not globally unique or unknown: "+id.Model)
	case 1:
		return matches[0], nil
	default:
		return nil, types.NewError(types.ErrBadRequest, "ambiguous model name across providers: "+id.Model)
	}
}

// ParseModelIdentifier normalizes "provider:model" or a bare model name
// into a ModelIdentifier, per §3's ModelIdentifier normalization rule.
func ParseModelIdentifier(s string) types.ModelIdentifier {
	if provider, model, ok := strings.Cut(s, ":"); ok {
		return types.ModelIdentifier{Provider: provider, Model: model}
	}
	return types.ModelIdentifier{Model: s}
}

// ProviderConfig carries the per-provider construction parameters sourced
// from configuration (base URLs, organization IDs); secrets come from the
// Secret Source, never from this struct.
type ProviderConfig struct {
	BaseURL      string
	Organization string
}

// BuildFromSecrets discovers enabled providers (OPENAI_API_KEY,
// ANTHROPIC_API_KEY, GOOGLE_API_KEY, HUGGINGFACE_API_KEY) via src, and
// constructs+registers one adapter per provider whose secret is present and
// non-empty, per §4.2's enablement rule. localRunners is an optional extra
// set of generic OpenAI-compatible endpoints to register unconditionally
// (they are not secret-gated; presence in the slice is the enablement
// signal).
func BuildFromSecrets(src secret.Source, cfg map[string]ProviderConfig, localRunners []localrunner.Config, logger *zap.Logger) *Registry {
	r := New()

	if key, err := src.GetSecret("OPENAI_API_KEY"); err == nil {
		r.Register(openai.New(openai.Config{
			APIKey:       key,
			BaseURL:      cfg["openai"].BaseURL,
			Organization: cfg["openai"].Organization,
		}, logger))
	}
	if key, err := src.GetSecret("ANTHROPIC_API_KEY"); err == nil {
		r.Register(anthropic.New(anthropic.Config{
			APIKey:  key,
			BaseURL: cfg["anthropic"].BaseURL,
		}, logger))
	}
	if key, err := src.GetSecret("GOOGLE_API_KEY"); err == nil {
		r.Register(google.New(google.Config{
			APIKey:  key,
			BaseURL: cfg["google"].BaseURL,
		}, logger))
	}
	if key, err := src.GetSecret("HUGGINGFACE_API_KEY"); err == nil {
		r.Register(huggingface.New(huggingface.Config{
			APIKey:  key,
			BaseURL: cfg["huggingface"].BaseURL,
		}, logger))
	}
	for _, lr := range localRunners {
		r.Register(localrunner.New(lr, logger))
	}

	return r
}
