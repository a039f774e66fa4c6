package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/memora-ai/memora/config"
	"github.com/memora-ai/memora/internal/memory"
	"github.com/memora-ai/memora/provider"
)

type fakeClient struct{ opts provider.Options }

func (f *fakeClient) Generate(_ context.Context, _ string, _ string, _ map[string]interface{}) (string, error) {
	return "", nil
}
func (f *fakeClient) Embed(_ context.Context, _ string, _ []string) ([][]float32, error) {
	return nil, nil
}

func testConfig() config.LLMConfig {
	return config.LLMConfig{
		Providers: map[string]config.LLMProvider{
			"system":    {Type: "openai", APIKey: "sys-key", BaseURL: "https://system.example", Timeout: time.Second},
			"acme":      {Type: "openai_compatible", BaseURL: "https://acme.example"},
			"preferred": {Type: "openai_compatible", BaseURL: "https://preferred.example"},
		},
		Routing: config.LLMRoutingConfig{
			Gatekeeper:       "gpt-4o-mini",
			Extractor:        "gpt-4o",
			Embedding:        "text-embedding-3-small",
			FallbackProvider: "system",
			LayerExtractors:  map[string]string{"identity": "gpt-4o-strict"},
		},
	}
}

func newTestResolver(t *testing.T) (*Resolver, *[]provider.Options) {
	t.Helper()
	var built []provider.Options
	factory := func(opts provider.Options) (provider.Client, error) {
		built = append(built, opts)
		return &fakeClient{opts: opts}, nil
	}
	r, err := NewResolver(testConfig(), 5, nil, factory)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return r, &built
}

func inventoryWith(states ...ProviderState) Inventory {
	return Inventory{Providers: states}
}

func TestResolveSkipsDisabledProviders(t *testing.T) {
	r, _ := newTestResolver(t)
	inv := Inventory{
		Preferred: []string{"preferred"},
		Providers: []ProviderState{
			{Name: "preferred", Enabled: false, Models: []ModelState{{ID: "gpt-4o", Enabled: true}}},
			{Name: "acme", Enabled: true, Models: []ModelState{{ID: "gpt-4o", Enabled: true}}},
		},
	}
	vault := Vault{"preferred": "p-key", "acme": "a-key"}

	set, err := r.Resolve("u1", inv, vault)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	b := set.Extractors[memory.LayerContext].Binding
	if b.Provider != "acme" {
		t.Fatalf("disabled preferred provider must be skipped, got %q", b.Provider)
	}
	if b.SystemFallback {
		t.Fatalf("acme satisfies the role, no fallback expected")
	}
}

func TestResolvePrefersPreferredOrder(t *testing.T) {
	r, _ := newTestResolver(t)
	inv := Inventory{
		Preferred: []string{"preferred"},
		Providers: []ProviderState{
			{Name: "acme", Enabled: true, Models: []ModelState{{ID: "gpt-4o", Enabled: true}}},
			{Name: "preferred", Enabled: true, Models: []ModelState{{ID: "gpt-4o", Enabled: true}}},
		},
	}
	vault := Vault{"preferred": "p-key", "acme": "a-key"}

	set, err := r.Resolve("u1", inv, vault)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := set.Extractors[memory.LayerContext].Binding.Provider; got != "preferred" {
		t.Fatalf("preferred-list order must win over inventory order, got %q", got)
	}
}

func TestResolveSkipsDisabledModelEntries(t *testing.T) {
	r, _ := newTestResolver(t)
	inv := inventoryWith(
		ProviderState{Name: "acme", Enabled: true, Models: []ModelState{{ID: "gpt-4o", Enabled: false}}},
	)
	set, err := r.Resolve("u1", inv, Vault{"acme": "a-key"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	b := set.Extractors[memory.LayerContext].Binding
	if !b.SystemFallback || b.Provider != "system" {
		t.Fatalf("disabled model must fall back to system provider: %+v", b)
	}
}

func TestResolveFallsBackWithoutThrowing(t *testing.T) {
	r, _ := newTestResolver(t)
	set, err := r.Resolve("u1", Inventory{}, Vault{})
	if err != nil {
		t.Fatalf("empty inventory must not fail resolution: %v", err)
	}
	b := set.Gatekeeper.Binding
	if !b.SystemFallback || b.APIKey != "sys-key" {
		t.Fatalf("expected system fallback binding: %+v", b)
	}
}

func TestResolveUsesLayerExtractorOverride(t *testing.T) {
	r, _ := newTestResolver(t)
	inv := inventoryWith(
		ProviderState{Name: "acme", Enabled: true, Models: []ModelState{
			{ID: "gpt-4o", Enabled: true},
			{ID: "gpt-4o-strict", Enabled: true},
		}},
	)
	set, err := r.Resolve("u1", inv, Vault{"acme": "a-key"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := set.Extractors[memory.LayerIdentity].Binding.Model; got != "gpt-4o-strict" {
		t.Fatalf("identity layer must use its configured model, got %q", got)
	}
	if got := set.Extractors[memory.LayerContext].Binding.Model; got != "gpt-4o" {
		t.Fatalf("context layer must use the default extractor model, got %q", got)
	}
}

func TestResolveMatchesAliases(t *testing.T) {
	r, _ := newTestResolver(t)
	inv := inventoryWith(
		ProviderState{Name: "acme", Enabled: true, Models: []ModelState{
			{ID: "internal-4o", Enabled: true, Aliases: []string{"gpt-4o"}},
		}},
	)
	set, err := r.Resolve("u1", inv, Vault{"acme": "a-key"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	b := set.Extractors[memory.LayerContext].Binding
	if b.Provider != "acme" || b.Model != "internal-4o" {
		t.Fatalf("alias match failed: %+v", b)
	}
}

func TestResolveCachesPerUser(t *testing.T) {
	r, built := newTestResolver(t)
	inv := inventoryWith(
		ProviderState{Name: "acme", Enabled: true, Models: []ModelState{{ID: "gpt-4o", Enabled: true}}},
	)
	vault := Vault{"acme": "a-key"}

	if _, err := r.Resolve("u1", inv, vault); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	first := len(*built)
	if _, err := r.Resolve("u1", inv, vault); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if len(*built) != first {
		t.Fatalf("second resolve must hit the cache, built %d more clients", len(*built)-first)
	}

	r.Invalidate("u1")
	if _, err := r.Resolve("u1", inv, vault); err != nil {
		t.Fatalf("post-invalidate resolve: %v", err)
	}
	if len(*built) == first {
		t.Fatalf("invalidate must force a rebuild")
	}
}

func TestResolveCachedSetCoversEveryLayer(t *testing.T) {
	r, built := newTestResolver(t)
	inv := inventoryWith(
		ProviderState{Name: "acme", Enabled: true, Models: []ModelState{{ID: "gpt-4o", Enabled: true}}},
	)
	vault := Vault{"acme": "a-key"}

	// A job asking for a single layer must not leave a partial set behind
	// for the next job that needs all of them.
	if _, err := r.Resolve("u1", inv, vault); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	first := len(*built)

	set, err := r.Resolve("u1", inv, vault)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if len(*built) != first {
		t.Fatalf("second resolve must be served from the cache")
	}
	for _, layer := range memory.Layers() {
		if _, ok := set.Extractors[layer]; !ok {
			t.Fatalf("cached set is missing an extractor for layer %s", layer)
		}
	}
}
