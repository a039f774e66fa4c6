package extract

import (
	"context"
	"log"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/memora-ai/memora/internal/progress"
	"github.com/memora-ai/memora/internal/runtime"
	"github.com/memora-ai/memora/internal/tokens"
)

// Embedder turns batches of optional text fields into vectors. Absent or
// empty fields yield nil vectors, and provider failures degrade the whole
// batch to nil vectors rather than failing the run.
type Embedder struct {
	tracer      trace.Tracer
	logger      *log.Logger
	tokenBudget int
}

// NewEmbedder builds an embedder with the given per-field token budget.
func NewEmbedder(tokenBudget int, logger *log.Logger) *Embedder {
	if tokenBudget <= 0 {
		tokenBudget = 8000
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[EMBED] ", log.LstdFlags)
	}
	return &Embedder{
		tracer:      otel.Tracer("memora/extract"),
		logger:      logger,
		tokenBudget: tokenBudget,
	}
}

// Generate embeds texts in one provider call. The result slice is positionally
// aligned with texts: entry i is nil when texts[i] is nil, empty after
// trimming, or when the provider call failed.
func (e *Embedder) Generate(ctx context.Context, rc runtime.RoleClient, texts []*string, diags *progress.Diagnostics) [][]float32 {
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out
	}

	ctx, span := e.tracer.Start(ctx, "embedding.generate")
	defer span.End()

	var batch []string
	var positions []int
	for i, t := range texts {
		if t == nil {
			continue
		}
		trimmed := tokens.TrimText(strings.TrimSpace(*t), e.tokenBudget, nil)
		if trimmed == "" {
			continue
		}
		batch = append(batch, trimmed)
		positions = append(positions, i)
	}
	span.SetAttributes(
		attribute.Int("texts", len(texts)),
		attribute.Int("requested", len(batch)),
	)
	if len(batch) == 0 {
		return out
	}

	vecs, err := rc.Client.Embed(ctx, rc.Binding.Model, batch)
	if err != nil {
		span.RecordError(err)
		e.logger.Printf("warn: embedding batch of %d failed: %v", len(batch), err)
		diags.Report("embedding", rc.Binding.Model, err.Error())
		return out
	}
	for bi, pos := range positions {
		if bi < len(vecs) && len(vecs[bi]) > 0 {
			out[pos] = vecs[bi]
		}
	}
	span.SetAttributes(attribute.Int("returned", len(vecs)))
	return out
}

// GenerateOne is a convenience wrapper embedding a single text.
func (e *Embedder) GenerateOne(ctx context.Context, rc runtime.RoleClient, text string, diags *progress.Diagnostics) []float32 {
	vecs := e.Generate(ctx, rc, []*string{&text}, diags)
	return vecs[0]
}
