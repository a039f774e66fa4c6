package extract

import (
	"context"
	"fmt"
	"log"

	"github.com/memora-ai/memora/internal/memory"
	"github.com/memora-ai/memora/internal/payload"
	"github.com/memora-ai/memora/internal/store"
	"github.com/memora-ai/memora/internal/workflow"
)

const topicBatchSize = 20

// pipelineStore is the slice of the store the fan-out stages need.
type pipelineStore interface {
	ListUsers(ctx context.Context, cur store.Cursor, limit int, whitelist []string) ([]store.User, store.Cursor, error)
	ListTopicsForUser(ctx context.Context, userID string, cur store.Cursor, limit int, includeExtracted bool) ([]store.Topic, store.Cursor, error)
}

// triggerClient is the slice of the workflow client the pipeline needs.
type triggerClient interface {
	Trigger(ctx context.Context, path string, input payload.WorkflowInput) error
	TriggerPersonaUpdate(ctx context.Context, input payload.WorkflowInput) error
}

// Pipeline ties the fan-out stages and the direct-mode entry point together.
type Pipeline struct {
	store     pipelineStore
	extractor *Extractor
	workflow  triggerClient
	logger    *log.Logger
}

// NewPipeline wires a pipeline.
func NewPipeline(s pipelineStore, extractor *Extractor, wf triggerClient, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags)
	}
	return &Pipeline{store: s, extractor: extractor, workflow: wf, logger: logger}
}

// DirectResult is the synchronous response of a direct-mode run.
type DirectResult struct {
	Processed int      `json:"processed"`
	Results   []Result `json:"results"`
}

// ProcessDirect runs extraction synchronously for explicitly named sources.
// Validation failures are raised before any work starts.
func (p *Pipeline) ProcessDirect(ctx context.Context, n payload.Normalized) (DirectResult, error) {
	if len(n.UserIDs) == 0 {
		return DirectResult{}, fmt.Errorf("direct mode requires at least one user id")
	}
	sourceIDs := map[memory.Source][]string{}
	for _, src := range n.EffectiveSources() {
		switch src {
		case memory.SourceChatTopic:
			if len(n.TopicIDs) == 0 {
				return DirectResult{}, fmt.Errorf("direct mode with chat-topic source requires topic ids")
			}
			sourceIDs[src] = n.TopicIDs
		case memory.SourceBenchmarkLocomo:
			ids := n.SourceIDs
			if len(ids) == 0 {
				ids = n.TopicIDs
			}
			if len(ids) == 0 {
				return DirectResult{}, fmt.Errorf("direct mode with benchmark source requires source ids")
			}
			sourceIDs[src] = ids
		}
	}

	var out DirectResult
	var firstErr error
	for _, userID := range n.UserIDs {
		for _, src := range n.EffectiveSources() {
			for _, id := range sourceIDs[src] {
				res, err := p.extractor.Extract(ctx, requestFor(n, userID, src, id))
				out.Results = append(out.Results, res)
				out.Processed++
				if err != nil && firstErr == nil {
					firstErr = fmt.Errorf("extract %s/%s for user %s: %w", src, id, userID, err)
				}
			}
		}
	}
	return out, firstErr
}

// ProcessUsers pages through eligible users and triggers the per-user topic
// stage for each. The payload's user ids act as a whitelist when present.
func (p *Pipeline) ProcessUsers(ctx context.Context, n payload.Normalized) (int, error) {
	var cur store.Cursor
	triggered := 0
	for {
		users, next, err := p.store.ListUsers(ctx, cur, 100, n.UserIDs)
		if err != nil {
			return triggered, fmt.Errorf("list users: %w", err)
		}
		if len(users) == 0 {
			return triggered, nil
		}
		for _, u := range users {
			input := n.WorkflowInput()
			input.UserID = u.ID
			input.UserIDs = []string{u.ID}
			if err := p.workflow.Trigger(ctx, workflow.PathProcessUserTopics, input); err != nil {
				return triggered, err
			}
			triggered++
		}
		cur = next
	}
}

// ProcessUserTopics pages through a user's topics and triggers the topic
// batch stage for each batch.
func (p *Pipeline) ProcessUserTopics(ctx context.Context, n payload.Normalized) (int, error) {
	if n.UserID == "" {
		return 0, fmt.Errorf("process-user-topics requires a user id")
	}
	var cur store.Cursor
	var batch []string
	triggered := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		input := n.WorkflowInput()
		input.UserID = n.UserID
		input.TopicIDs = batch
		if err := p.workflow.Trigger(ctx, workflow.PathProcessTopics, input); err != nil {
			return err
		}
		triggered++
		batch = nil
		return nil
	}

	includeExtracted := n.ForceAll || n.ForceTopics
	for {
		topics, next, err := p.store.ListTopicsForUser(ctx, n.UserID, cur, 100, includeExtracted)
		if err != nil {
			return triggered, fmt.Errorf("list topics for user %s: %w", n.UserID, err)
		}
		if len(topics) == 0 {
			break
		}
		for _, t := range topics {
			if n.From != nil && t.CreatedAt.Before(*n.From) {
				continue
			}
			if n.To != nil && t.CreatedAt.After(*n.To) {
				continue
			}
			batch = append(batch, t.ID)
			if len(batch) >= topicBatchSize {
				if err := flush(); err != nil {
					return triggered, err
				}
			}
		}
		cur = next
	}
	if err := flush(); err != nil {
		return triggered, err
	}
	return triggered, nil
}

// ProcessTopics extracts each named source for the payload's user, then kicks
// the persona refresh when anything new was written.
func (p *Pipeline) ProcessTopics(ctx context.Context, n payload.Normalized) (DirectResult, error) {
	if n.UserID == "" {
		return DirectResult{}, fmt.Errorf("process-topics requires a user id")
	}

	var out DirectResult
	var firstErr error
	extractedAny := false
	for _, src := range n.EffectiveSources() {
		ids := n.TopicIDs
		if src == memory.SourceBenchmarkLocomo && len(n.SourceIDs) > 0 {
			ids = n.SourceIDs
		}
		for _, id := range ids {
			res, err := p.extractor.Extract(ctx, requestFor(n, n.UserID, src, id))
			out.Results = append(out.Results, res)
			out.Processed++
			if res.Extracted && len(res.MemoryIDs) > 0 {
				extractedAny = true
			}
			if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("extract %s/%s: %w", src, id, err)
			}
		}
	}

	if extractedAny {
		input := n.WorkflowInput()
		if err := p.workflow.TriggerPersonaUpdate(ctx, input); err != nil {
			// Persona refresh is downstream enrichment, never a job failure.
			p.logger.Printf("warn: persona update trigger for user %s: %v", n.UserID, err)
		}
	}
	return out, firstErr
}

func requestFor(n payload.Normalized, userID string, src memory.Source, sourceID string) Request {
	return Request{
		UserID:         userID,
		Source:         src,
		SourceID:       sourceID,
		From:           n.From,
		To:             n.To,
		ForceAll:       n.ForceAll,
		ForceTopics:    n.ForceTopics,
		Layers:         n.EffectiveLayers(),
		IdentityCursor: n.IdentityCursor,
		AsyncTaskID:    n.AsyncTaskID,
		UserInitiated:  n.UserInitiated,
	}
}
