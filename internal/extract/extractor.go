package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/memora-ai/memora/config"
	"github.com/memora-ai/memora/internal/memory"
	"github.com/memora-ai/memora/internal/progress"
	"github.com/memora-ai/memora/internal/runtime"
	"github.com/memora-ai/memora/internal/store"
	"github.com/memora-ai/memora/internal/tokens"
	"github.com/memora-ai/memora/internal/tracing"
)

// extractorStore is the slice of the store the state machine needs.
type extractorStore interface {
	GetTopic(ctx context.Context, id, userID string) (store.Topic, bool, error)
	ListTopicMessages(ctx context.Context, topicID string) ([]store.Message, error)
	ListBenchmarkParts(ctx context.Context, sourceID string) ([]store.BenchmarkPart, error)
	GetUserRuntimeState(ctx context.Context, userID string) (runtime.Inventory, runtime.Vault, bool, error)
	GetSourceExtraction(ctx context.Context, userID string, source memory.Source, sourceID string) (store.SourceExtraction, bool, error)
	SetSourceExtraction(ctx context.Context, userID string, source memory.Source, sourceID, status string, detail json.RawMessage) error
}

// Request describes one extraction unit: a single source for a single user.
type Request struct {
	UserID         string
	Source         memory.Source
	SourceID       string
	From           *time.Time
	To             *time.Time
	ForceAll       bool
	ForceTopics    bool
	Layers         []memory.Layer
	IdentityCursor int
	AsyncTaskID    string
	UserInitiated  bool
}

func (r Request) force() bool { return r.ForceAll || r.ForceTopics }

// Result is the outcome of one extraction unit.
type Result struct {
	UserID      string                     `json:"userId"`
	TopicID     string                     `json:"topicId"`
	Extracted   bool                       `json:"extracted"`
	Layers      map[memory.Layer]int       `json:"layers,omitempty"`
	MemoryIDs   []string                   `json:"memoryIds,omitempty"`
	Diagnostics []progress.DiagnosticEvent `json:"-"`
}

// Extractor drives the per-source extraction state machine.
type Extractor struct {
	store        extractorStore
	resolver     *runtime.Resolver
	service      Service
	contexts     *ContextBuilder
	orchestrator *Orchestrator
	embedder     *Embedder
	tracker      *progress.Tracker
	uploader     *tracing.Uploader
	metrics      *metrics
	tracer       trace.Tracer
	logger       *log.Logger
	cfg          config.ExtractionConfig
}

// ExtractorOptions wires an Extractor.
type ExtractorOptions struct {
	Store        extractorStore
	Resolver     *runtime.Resolver
	Service      Service
	Contexts     *ContextBuilder
	Orchestrator *Orchestrator
	Embedder     *Embedder
	Tracker      *progress.Tracker
	Uploader     *tracing.Uploader
	Config       config.ExtractionConfig
	Logger       *log.Logger
}

// NewExtractor builds the state machine from its dependencies. Tracker and
// Uploader are optional; a nil uploader disables trace-to-storage.
func NewExtractor(opts ExtractorOptions) *Extractor {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[EXTRACT] ", log.LstdFlags)
	}
	return &Extractor{
		store:        opts.Store,
		resolver:     opts.Resolver,
		service:      opts.Service,
		contexts:     opts.Contexts,
		orchestrator: opts.Orchestrator,
		embedder:     opts.Embedder,
		tracker:      opts.Tracker,
		uploader:     opts.Uploader,
		metrics:      newMetrics(logger),
		tracer:       otel.Tracer("memora/extract"),
		logger:       logger,
		cfg:          opts.Config.Normalize(),
	}
}

// Extract runs the full state machine for one source. Eligibility skips
// (missing source, out of range, already extracted) return Extracted=false
// with a nil error; pipeline failures mark the source failed (best effort)
// and surface as the returned error.
func (e *Extractor) Extract(ctx context.Context, req Request) (res Result, err error) {
	started := time.Now()
	res = Result{UserID: req.UserID, TopicID: req.SourceID}
	if len(req.Layers) == 0 {
		req.Layers = memory.Layers()
	}

	ctx, span := e.tracer.Start(ctx, "extract.source", trace.WithAttributes(
		attribute.String("source", string(req.Source)),
		attribute.String("source_id", req.SourceID),
		attribute.String("user_id", req.UserID),
	))
	tr := tracing.New(req.UserID, string(req.Source), req.SourceID)
	diags := progress.NewDiagnostics(e.logger)

	// Progress and trace upload always run, success or failure.
	defer func() {
		if req.UserInitiated && req.AsyncTaskID != "" {
			e.tracker.Increment(ctx, req.AsyncTaskID, 1)
			if err != nil {
				e.tracker.SetError(ctx, req.AsyncTaskID, err)
			}
		}
		if e.uploader != nil && e.cfg.TraceToStorage && tr.Len() > 0 {
			if upErr := e.uploader.Upload(ctx, tr); upErr != nil {
				diags.Report("trace-upload", req.SourceID, upErr.Error())
			}
		}
		res.Diagnostics = diags.Events()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Bool("extracted", res.Extracted))
		span.End()
	}()

	// Eligibility: lookup, range, already-extracted.
	eligible, err := e.checkEligibility(ctx, req)
	if err != nil {
		e.metrics.recordProcessed(ctx, req.Source, "failed", req.UserID, time.Since(started).Seconds())
		return res, err
	}
	if !eligible {
		e.metrics.recordProcessed(ctx, req.Source, "skipped", req.UserID, time.Since(started).Seconds())
		return res, nil
	}

	// From here on a failure marks the source failed before surfacing.
	res, err = e.run(ctx, req, tr, diags, res)
	status := store.ExtractionStatusCompleted
	metricStatus := "completed"
	if err != nil {
		status = store.ExtractionStatusFailed
		metricStatus = "failed"
		detail, _ := json.Marshal(map[string]string{"error": err.Error()})
		if sErr := e.store.SetSourceExtraction(ctx, req.UserID, req.Source, req.SourceID, status, detail); sErr != nil {
			diags.Report("status-update", req.SourceID, sErr.Error())
		}
	}
	e.metrics.recordProcessed(ctx, req.Source, metricStatus, req.UserID, time.Since(started).Seconds())
	return res, err
}

// checkEligibility covers the early-terminal states. A false return with nil
// error is a skip, not a failure.
func (e *Extractor) checkEligibility(ctx context.Context, req Request) (bool, error) {
	switch req.Source {
	case memory.SourceChatTopic:
		topic, found, err := e.store.GetTopic(ctx, req.SourceID, req.UserID)
		if err != nil {
			return false, fmt.Errorf("lookup topic %s: %w", req.SourceID, err)
		}
		if !found {
			return false, nil
		}
		if req.From != nil && topic.CreatedAt.Before(*req.From) {
			return false, nil
		}
		if req.To != nil && topic.CreatedAt.After(*req.To) {
			return false, nil
		}
	case memory.SourceBenchmarkLocomo:
		// Benchmark sources have no owner row; emptiness is handled at load.
	default:
		return false, fmt.Errorf("unsupported source %q", req.Source)
	}

	if !req.force() {
		prev, found, err := e.store.GetSourceExtraction(ctx, req.UserID, req.Source, req.SourceID)
		if err != nil {
			return false, fmt.Errorf("lookup extraction status: %w", err)
		}
		if found && prev.Status == store.ExtractionStatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// run covers resolve → load → trim → contexts → extract → persist.
func (e *Extractor) run(ctx context.Context, req Request, tr *tracing.Trace, diags *progress.Diagnostics, res Result) (Result, error) {
	inv, vault, _, err := e.store.GetUserRuntimeState(ctx, req.UserID)
	if err != nil {
		return res, fmt.Errorf("load runtime state for user %s: %w", req.UserID, err)
	}
	rt, err := e.resolver.Resolve(req.UserID, inv, vault)
	if err != nil {
		return res, fmt.Errorf("resolve runtime for user %s: %w", req.UserID, err)
	}

	msgs, err := e.loadMessages(ctx, req)
	if err != nil {
		return res, err
	}
	if len(msgs) == 0 {
		// Nothing to extract from; counted as completed but not extracted.
		return res, nil
	}

	trimmed := tokens.TrimConversation(msgs, e.cfg.ExtractorContextTokens, nil)
	cx := e.contexts.Build(ctx, req.UserID, trimmed, req.IdentityCursor, rt.Embedding, diags)

	job := memory.Job{
		UserID:   req.UserID,
		Source:   req.Source,
		SourceID: req.SourceID,
		Force:    req.force(),
		Layers:   req.Layers,
	}
	extractions := e.service.Extract(ctx, job, cx, rt, tr)
	outcomes := e.orchestrator.Persist(ctx, job, extractions, rt.Embedding, diags)

	res.Layers = make(map[memory.Layer]int, len(outcomes))
	for layer, oc := range outcomes {
		res.Layers[layer] = oc.Persisted
		res.MemoryIDs = append(res.MemoryIDs, oc.MemoryIDs...)
		e.metrics.recordLayerEntries(ctx, layer, req.Source, req.UserID, oc.Persisted)
	}
	res.Extracted = true

	if err := AggregateError(outcomes); err != nil {
		return res, err
	}

	detail, _ := json.Marshal(map[string]interface{}{
		"memories": len(res.MemoryIDs),
		"layers":   res.Layers,
	})
	if err := e.store.SetSourceExtraction(ctx, req.UserID, req.Source, req.SourceID, store.ExtractionStatusCompleted, detail); err != nil {
		return res, fmt.Errorf("mark source completed: %w", err)
	}
	return res, nil
}

func (e *Extractor) loadMessages(ctx context.Context, req Request) ([]tokens.Message, error) {
	switch req.Source {
	case memory.SourceBenchmarkLocomo:
		parts, err := e.store.ListBenchmarkParts(ctx, req.SourceID)
		if err != nil {
			return nil, fmt.Errorf("load benchmark parts for %s: %w", req.SourceID, err)
		}
		out := make([]tokens.Message, 0, len(parts))
		for _, p := range parts {
			out = append(out, tokens.Message{
				ID:        p.ID,
				Role:      p.Speaker,
				Content:   p.Content,
				CreatedAt: p.SessionAt.Unix(),
			})
		}
		return out, nil
	default:
		msgs, err := e.store.ListTopicMessages(ctx, req.SourceID)
		if err != nil {
			return nil, fmt.Errorf("load messages for topic %s: %w", req.SourceID, err)
		}
		out := make([]tokens.Message, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, tokens.Message{
				ID:        m.ID,
				Role:      m.Role,
				Content:   m.Content,
				CreatedAt: m.CreatedAt.Unix(),
			})
		}
		return out, nil
	}
}
