package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/memora-ai/memora/internal/memory"
	"github.com/memora-ai/memora/internal/progress"
	"github.com/memora-ai/memora/internal/runtime"
	"github.com/memora-ai/memora/internal/store"
)

// persistStore is the slice of the store the persisters need.
type persistStore interface {
	InsertMemory(ctx context.Context, rec store.MemoryRow) (string, error)
	GetIdentityEntity(ctx context.Context, userID, id string) (memory.IdentityEntity, bool, error)
	CreateIdentityEntity(ctx context.Context, userID string, e memory.IdentityEntity) (string, error)
	UpdateIdentityEntity(ctx context.Context, userID string, e memory.IdentityEntity) error
	DeleteIdentityEntity(ctx context.Context, userID, id string) error
}

// PersistInput carries everything a layer persister needs for one run.
type PersistInput struct {
	Job         memory.Job
	Extraction  LayerExtraction
	Embedding   runtime.RoleClient
	Diagnostics *progress.Diagnostics
}

// LayerOutcome is the per-layer result of persistence. Persisted counts rows
// written (identity counts adds only); Err carries the layer's extract-time
// or persist-time failure.
type LayerOutcome struct {
	Persisted int
	MemoryIDs []string
	Err       error
}

// LayerPersister writes one layer's extraction output to the store.
type LayerPersister interface {
	Layer() memory.Layer
	Persist(ctx context.Context, in PersistInput) LayerOutcome
}

// Orchestrator runs every layer's persister in order, isolating failures so
// one broken layer never blocks the others' writes.
type Orchestrator struct {
	persisters map[memory.Layer]LayerPersister
	tracer     trace.Tracer
	logger     *log.Logger
}

// NewOrchestrator wires the default persister per layer.
func NewOrchestrator(s persistStore, embedder *Embedder, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[PERSIST] ", log.LstdFlags)
	}
	o := &Orchestrator{
		persisters: make(map[memory.Layer]LayerPersister),
		tracer:     otel.Tracer("memora/extract"),
		logger:     logger,
	}
	for _, layer := range memory.Layers() {
		if layer == memory.LayerIdentity {
			o.persisters[layer] = &identityPersister{store: s, embedder: embedder}
			continue
		}
		o.persisters[layer] = &appendPersister{layer: layer, store: s, embedder: embedder}
	}
	return o
}

// Register swaps in a persister for a layer. Used by tests and by callers
// that need custom layer handling.
func (o *Orchestrator) Register(p LayerPersister) {
	o.persisters[p.Layer()] = p
}

// Persist writes every requested layer and returns one outcome per layer.
// Layers whose extraction already failed get that error recorded without a
// persister call; a persister failure is captured in its own outcome and the
// remaining layers still run.
func (o *Orchestrator) Persist(ctx context.Context, job memory.Job, extractions map[memory.Layer]LayerExtraction, embedRC runtime.RoleClient, diags *progress.Diagnostics) map[memory.Layer]LayerOutcome {
	out := make(map[memory.Layer]LayerOutcome, len(job.Layers))
	for _, layer := range orderedLayers(job.Layers) {
		ex, ok := extractions[layer]
		if !ok {
			continue
		}
		if ex.Err != nil {
			out[layer] = LayerOutcome{Err: ex.Err}
			continue
		}
		p, ok := o.persisters[layer]
		if !ok {
			out[layer] = LayerOutcome{Err: fmt.Errorf("no persister registered for layer %s", layer)}
			continue
		}

		layerCtx, span := o.tracer.Start(ctx, "persist."+string(layer),
			trace.WithAttributes(attribute.String("layer", string(layer))))
		outcome := p.Persist(layerCtx, PersistInput{
			Job:         job,
			Extraction:  ex,
			Embedding:   embedRC,
			Diagnostics: diags,
		})
		if outcome.Err != nil {
			span.RecordError(outcome.Err)
			span.SetStatus(codes.Error, outcome.Err.Error())
			o.logger.Printf("warn: persist layer %s for %s/%s: %v", layer, job.Source, job.SourceID, outcome.Err)
		}
		span.SetAttributes(attribute.Int("persisted", outcome.Persisted))
		span.End()
		out[layer] = outcome
	}
	return out
}

// AggregateError folds the per-layer outcomes into one error naming every
// failed layer, or nil when all layers succeeded.
func AggregateError(outcomes map[memory.Layer]LayerOutcome) error {
	var parts []string
	for _, layer := range memory.Layers() {
		oc, ok := outcomes[layer]
		if !ok || oc.Err == nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %v", layer, oc.Err))
	}
	if len(parts) == 0 {
		return nil
	}
	return fmt.Errorf("%d layer(s) failed: %s", len(parts), strings.Join(parts, "; "))
}

// orderedLayers returns the requested layers in canonical persistence order.
func orderedLayers(requested []memory.Layer) []memory.Layer {
	rank := make(map[memory.Layer]int, len(memory.Layers()))
	for i, l := range memory.Layers() {
		rank[l] = i
	}
	out := make([]memory.Layer, len(requested))
	copy(out, requested)
	sort.SliceStable(out, func(i, j int) bool { return rank[out[i]] < rank[out[j]] })
	return out
}

// appendPersister handles the four append-only layers.
type appendPersister struct {
	layer    memory.Layer
	store    persistStore
	embedder *Embedder
}

func (p *appendPersister) Layer() memory.Layer { return p.layer }

func (p *appendPersister) Persist(ctx context.Context, in PersistInput) LayerOutcome {
	var outcome LayerOutcome
	for _, rec := range in.Extraction.Records {
		rec := rec
		vecs := p.embedder.Generate(ctx, in.Embedding, []*string{&rec.Summary, &rec.Details}, in.Diagnostics)
		rec.SummaryVector, rec.DetailsVector = vecs[0], vecs[1]

		detail, err := layerDetailMap(p.layer, rec)
		if err != nil {
			outcome.Err = err
			return outcome
		}
		id, err := p.store.InsertMemory(ctx, store.MemoryRow{
			UserID:         in.Job.UserID,
			Layer:          p.layer,
			Title:          rec.Title,
			Summary:        rec.Summary,
			Details:        rec.Details,
			MemoryCategory: rec.MemoryCategory,
			MemoryType:     rec.MemoryType,
			Detail:         detail,
			Metadata:       rec.Metadata,
			SummaryVector:  rec.SummaryVector,
			DetailsVector:  rec.DetailsVector,
		})
		if err != nil {
			outcome.Err = fmt.Errorf("insert %s memory: %w", p.layer, err)
			return outcome
		}
		outcome.MemoryIDs = append(outcome.MemoryIDs, id)
		outcome.Persisted++
	}
	return outcome
}

// layerDetailMap projects the layer-specific detail struct into the jsonb
// column shape.
func layerDetailMap(layer memory.Layer, rec memory.Record) (map[string]interface{}, error) {
	var v interface{}
	switch layer {
	case memory.LayerActivity:
		v = rec.Activity
	case memory.LayerContext:
		v = rec.Context
	case memory.LayerExperience:
		v = rec.Experience
	case memory.LayerPreference:
		v = rec.Preference
	}
	if v == nil || isNilPointer(v) {
		return map[string]interface{}{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s detail: %w", layer, err)
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("project %s detail: %w", layer, err)
	}
	return out, nil
}

func isNilPointer(v interface{}) bool {
	switch t := v.(type) {
	case *memory.ActivityDetail:
		return t == nil
	case *memory.ContextDetail:
		return t == nil
	case *memory.ExperienceDetail:
		return t == nil
	case *memory.PreferenceDetail:
		return t == nil
	}
	return false
}

// identityPersister applies cumulative add/update/remove operations to the
// user's identity entities.
type identityPersister struct {
	store    persistStore
	embedder *Embedder
}

func (p *identityPersister) Layer() memory.Layer { return memory.LayerIdentity }

func (p *identityPersister) Persist(ctx context.Context, in PersistInput) LayerOutcome {
	var outcome LayerOutcome
	var errs []error
	for _, op := range in.Extraction.Identities {
		switch op.Action {
		case memory.IdentityAdd:
			entity := op.Entity
			entity.SummaryVector = p.embedder.GenerateOne(ctx, in.Embedding, entity.Summary, in.Diagnostics)
			id, err := p.store.CreateIdentityEntity(ctx, in.Job.UserID, entity)
			if err != nil {
				errs = append(errs, fmt.Errorf("add entity %q: %w", entity.Name, err))
				continue
			}
			outcome.MemoryIDs = append(outcome.MemoryIDs, id)
			outcome.Persisted++
		case memory.IdentityUpdate:
			if op.EntityID == "" {
				errs = append(errs, fmt.Errorf("update entity %q: missing entity id", op.Entity.Name))
				continue
			}
			existing, found, err := p.store.GetIdentityEntity(ctx, in.Job.UserID, op.EntityID)
			if err != nil {
				errs = append(errs, fmt.Errorf("update entity %s: %w", op.EntityID, err))
				continue
			}
			if !found {
				errs = append(errs, fmt.Errorf("update entity %s: not found", op.EntityID))
				continue
			}
			merged := existing.Merge(op.Entity)
			if merged.Summary != existing.Summary {
				merged.SummaryVector = p.embedder.GenerateOne(ctx, in.Embedding, merged.Summary, in.Diagnostics)
			}
			if err := p.store.UpdateIdentityEntity(ctx, in.Job.UserID, merged); err != nil {
				errs = append(errs, fmt.Errorf("update entity %s: %w", op.EntityID, err))
			}
		case memory.IdentityRemove:
			if op.EntityID == "" {
				errs = append(errs, fmt.Errorf("remove entity %q: missing entity id", op.Entity.Name))
				continue
			}
			if err := p.store.DeleteIdentityEntity(ctx, in.Job.UserID, op.EntityID); err != nil {
				errs = append(errs, fmt.Errorf("remove entity %s: %w", op.EntityID, err))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown identity action %q", op.Action))
		}
	}
	outcome.Err = errors.Join(errs...)
	return outcome
}
