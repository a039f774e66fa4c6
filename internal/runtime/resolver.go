package runtime

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/memora-ai/memora/config"
	"github.com/memora-ai/memora/internal/memory"
	"github.com/memora-ai/memora/provider"
)

// ModelState is one model entry in a user's provider inventory.
type ModelState struct {
	ID      string   `json:"id"`
	Enabled bool     `json:"enabled"`
	Aliases []string `json:"aliases,omitempty"`
}

// ProviderState is one provider entry in a user's inventory.
type ProviderState struct {
	Name    string       `json:"name"`
	Enabled bool         `json:"enabled"`
	Models  []ModelState `json:"models,omitempty"`
}

// Inventory is the caller's enabled-provider/model state, including the
// preference-ordered provider list.
type Inventory struct {
	Providers []ProviderState `json:"providers,omitempty"`
	Preferred []string        `json:"preferred,omitempty"`
}

// Vault maps provider name to the caller's API key for that provider.
type Vault map[string]string

// Binding is one resolved (provider, model, credentials) triple.
type Binding struct {
	Provider       string
	Model          string
	APIKey         string
	BaseURL        string
	SystemFallback bool
}

// RoleClient pairs a binding with its constructed runtime client.
type RoleClient struct {
	Binding Binding
	Client  provider.Client
}

// Set holds the resolved clients for every logical role of one job.
type Set struct {
	Gatekeeper RoleClient
	Extractors map[memory.Layer]RoleClient
	Embedding  RoleClient
}

// ClientFactory builds a provider client from resolved options. Injectable
// so tests can avoid real HTTP clients.
type ClientFactory func(provider.Options) (provider.Client, error)

// Resolver picks concrete provider+credentials per logical role and caches
// the constructed clients per user in a bounded cache.
type Resolver struct {
	cfg     config.LLMConfig
	cache   *ristretto.Cache
	logger  *log.Logger
	factory ClientFactory
}

// NewResolver constructs a Resolver with a bounded per-user client cache.
func NewResolver(cfg config.LLMConfig, cacheCapacity int, logger *log.Logger, factory ClientFactory) (*Resolver, error) {
	if cacheCapacity <= 0 {
		cacheCapacity = 200
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[RUNTIME] ", log.LstdFlags)
	}
	if factory == nil {
		factory = provider.New
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(cacheCapacity) * 10,
		MaxCost:     int64(cacheCapacity),
		BufferItems: 64,
		// MaxCost is an entry count, not bytes; without this the cache
		// charges ~80 bytes of bookkeeping per item and admits nothing.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("runtime cache: %w", err)
	}
	return &Resolver{cfg: cfg, cache: cache, logger: logger, factory: factory}, nil
}

// Resolve returns the runtime set for a user, building and caching it on
// first use. Every configured layer is resolved regardless of what the
// current job asks for, so a cached set serves any later layer subset.
// Resolution never hard-fails: roles that cannot be satisfied from the
// user's inventory degrade to the system-configured fallback.
func (r *Resolver) Resolve(userID string, inv Inventory, vault Vault) (*Set, error) {
	if cached, ok := r.cache.Get(userID); ok {
		if set, ok := cached.(*Set); ok {
			return set, nil
		}
	}

	layers := memory.Layers()
	set := &Set{Extractors: make(map[memory.Layer]RoleClient, len(layers))}

	gk, err := r.roleClient("gatekeeper", r.cfg.Routing.Gatekeeper, inv, vault)
	if err != nil {
		return nil, err
	}
	set.Gatekeeper = gk

	for _, layer := range layers {
		modelID := r.cfg.Routing.Extractor
		if m, ok := r.cfg.Routing.LayerExtractors[string(layer)]; ok && strings.TrimSpace(m) != "" {
			modelID = m
		}
		rc, err := r.roleClient("extractor:"+string(layer), modelID, inv, vault)
		if err != nil {
			return nil, err
		}
		set.Extractors[layer] = rc
	}

	emb, err := r.roleClient("embedding", r.cfg.Routing.Embedding, inv, vault)
	if err != nil {
		return nil, err
	}
	set.Embedding = emb

	r.cache.Set(userID, set, 1)
	r.cache.Wait()
	return set, nil
}

// Invalidate drops the cached runtime set for a user, forcing a rebuild on
// the next job. Called when provider settings or keys change.
func (r *Resolver) Invalidate(userID string) {
	r.cache.Del(userID)
}

func (r *Resolver) roleClient(role, modelID string, inv Inventory, vault Vault) (RoleClient, error) {
	binding := r.resolveBinding(role, modelID, inv, vault)
	client, err := r.factory(provider.Options{
		Type:    r.providerType(binding.Provider),
		APIKey:  binding.APIKey,
		BaseURL: binding.BaseURL,
		Timeout: r.providerTimeout(binding.Provider),
	})
	if err != nil {
		return RoleClient{}, fmt.Errorf("build %s client: %w", role, err)
	}
	return RoleClient{Binding: binding, Client: client}, nil
}

// resolveBinding walks the candidate provider order — preferred providers,
// then the configured fallback provider, then every provider present in the
// inventory — and accepts the first enabled provider that exposes an enabled
// model matching the role's model id and has a key in the vault.
func (r *Resolver) resolveBinding(role, modelID string, inv Inventory, vault Vault) Binding {
	candidates := make([]string, 0, len(inv.Preferred)+1+len(inv.Providers))
	seen := make(map[string]struct{})
	push := func(name string) {
		name = strings.TrimSpace(name)
		if name == "" {
			return
		}
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		candidates = append(candidates, name)
	}
	for _, name := range inv.Preferred {
		push(name)
	}
	push(r.cfg.Routing.FallbackProvider)
	for _, p := range inv.Providers {
		push(p.Name)
	}

	for _, name := range candidates {
		state, ok := findProvider(inv, name)
		if !ok || !state.Enabled {
			continue
		}
		model, ok := matchModel(state, name, modelID)
		if !ok {
			continue
		}
		key := strings.TrimSpace(vault[name])
		if key == "" {
			continue
		}
		return Binding{
			Provider: name,
			Model:    model.ID,
			APIKey:   key,
			BaseURL:  r.providerBaseURL(name),
		}
	}

	fallback := strings.TrimSpace(r.cfg.Routing.FallbackProvider)
	r.logger.Printf("warn: no enabled provider offers model %q for role %s; degrading to system provider %q", modelID, role, fallback)
	return Binding{
		Provider:       fallback,
		Model:          modelID,
		APIKey:         r.providerAPIKey(fallback),
		BaseURL:        r.providerBaseURL(fallback),
		SystemFallback: true,
	}
}

func findProvider(inv Inventory, name string) (ProviderState, bool) {
	for _, p := range inv.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderState{}, false
}

// matchModel accepts an exact model id or an alias-qualified form
// ("provider/model" or a declared alias), and only when the model entry is
// enabled.
func matchModel(state ProviderState, providerName, modelID string) (ModelState, bool) {
	for _, m := range state.Models {
		if !m.Enabled {
			continue
		}
		if m.ID == modelID || providerName+"/"+m.ID == modelID {
			return m, true
		}
		for _, alias := range m.Aliases {
			if alias == modelID {
				return m, true
			}
		}
	}
	return ModelState{}, false
}

func (r *Resolver) providerType(name string) string {
	if p, ok := r.cfg.Providers[name]; ok {
		return p.Type
	}
	return ""
}

func (r *Resolver) providerBaseURL(name string) string {
	if p, ok := r.cfg.Providers[name]; ok {
		return p.BaseURL
	}
	return ""
}

func (r *Resolver) providerAPIKey(name string) string {
	if p, ok := r.cfg.Providers[name]; ok {
		return p.APIKey
	}
	return ""
}

func (r *Resolver) providerTimeout(name string) time.Duration {
	if p, ok := r.cfg.Providers[name]; ok {
		return p.Timeout
	}
	return 0
}
