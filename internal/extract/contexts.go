package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/memora-ai/memora/internal/memory"
	"github.com/memora-ai/memora/internal/progress"
	"github.com/memora-ai/memora/internal/runtime"
	"github.com/memora-ai/memora/internal/store"
	"github.com/memora-ai/memora/internal/tokens"
)

// Contexts are the assembled prompt blocks handed to the extraction service.
// Each block is independently trimmed to the extractor context limit.
type Contexts struct {
	Topic      string
	Memories   string
	Identities string
}

// retrievalStore is the slice of the store the context builder needs.
type retrievalStore interface {
	SearchMemories(ctx context.Context, userID string, vector []float32, topK int, threshold float64) ([]store.MemorySearchResult, error)
	ListIdentityEntities(ctx context.Context, userID string, offset, limit int) ([]memory.IdentityEntity, error)
}

// ContextBuilder assembles the topic, retrieved-memory and identity context
// blocks for one extraction run.
type ContextBuilder struct {
	store     retrievalStore
	embedder  *Embedder
	budget    int
	topK      int
	threshold float64
}

// NewContextBuilder wires a context builder.
func NewContextBuilder(s retrievalStore, embedder *Embedder, budget, topK int, threshold float64) *ContextBuilder {
	if budget <= 0 {
		budget = 24000
	}
	return &ContextBuilder{store: s, embedder: embedder, budget: budget, topK: topK, threshold: threshold}
}

// Build assembles all three context blocks. Retrieval is best effort: if the
// conversation cannot be embedded or the search fails, the memory block is
// empty and the run continues.
func (b *ContextBuilder) Build(ctx context.Context, userID string, msgs []tokens.Message, identityCursor int, embedRC runtime.RoleClient, diags *progress.Diagnostics) Contexts {
	out := Contexts{Topic: b.topicContext(msgs)}

	if vec := b.embedder.GenerateOne(ctx, embedRC, out.Topic, diags); len(vec) > 0 {
		hits, err := b.store.SearchMemories(ctx, userID, vec, b.topK, b.threshold)
		if err != nil {
			diags.Report("retrieval", "memories", err.Error())
		} else {
			out.Memories = b.memoryContext(hits)
		}
	}

	entities, err := b.store.ListIdentityEntities(ctx, userID, identityCursor, 100)
	if err != nil {
		diags.Report("retrieval", "identities", err.Error())
	} else {
		out.Identities = b.identityContext(entities)
	}
	return out
}

func (b *ContextBuilder) topicContext(msgs []tokens.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		at := time.Unix(m.CreatedAt, 0).UTC().Format(time.RFC3339)
		fmt.Fprintf(&sb, "[%s] %s: %s\n", at, m.Role, m.Content)
	}
	return tokens.TrimText(sb.String(), b.budget, nil)
}

func (b *ContextBuilder) memoryContext(hits []store.MemorySearchResult) string {
	if len(hits) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Existing memories:\n")
	for _, h := range hits {
		fmt.Fprintf(&sb, "- (%s) %s: %s\n", h.Layer, h.Title, h.Summary)
	}
	return tokens.TrimText(sb.String(), b.budget, nil)
}

func (b *ContextBuilder) identityContext(entities []memory.IdentityEntity) string {
	if len(entities) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Known identity entities:\n")
	for _, e := range entities {
		fmt.Fprintf(&sb, "- id=%s name=%s kind=%s summary=%s\n", e.ID, e.Name, e.Kind, e.Summary)
	}
	return tokens.TrimText(sb.String(), b.budget, nil)
}
