package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/memora-ai/memora/internal/memory"
	"github.com/memora-ai/memora/internal/runtime"
	"github.com/memora-ai/memora/internal/tracing"
)

// LayerExtraction is what the extraction service produced for one layer.
// Append-only layers fill Records; the identity layer fills Identities.
type LayerExtraction struct {
	Records    []memory.Record
	Identities []memory.IdentityOp
	Err        error
}

// Service runs the model side of an extraction: gatekeeping plus one
// extraction call per requested layer. It returns an entry for every
// requested layer; per-layer failures land in that layer's Err.
type Service interface {
	Extract(ctx context.Context, job memory.Job, cx Contexts, rt *runtime.Set, tr *tracing.Trace) map[memory.Layer]LayerExtraction
}

type llmService struct {
	logger *log.Logger
}

// NewService builds the provider-backed extraction service.
func NewService(logger *log.Logger) Service {
	if logger == nil {
		logger = log.New(log.Writer(), "[EXTRACT] ", log.LstdFlags)
	}
	return &llmService{logger: logger}
}

type gateDecision struct {
	Proceed bool     `json:"proceed"`
	Layers  []string `json:"layers,omitempty"`
	Reason  string   `json:"reason,omitempty"`
}

func (s *llmService) Extract(ctx context.Context, job memory.Job, cx Contexts, rt *runtime.Set, tr *tracing.Trace) map[memory.Layer]LayerExtraction {
	out := make(map[memory.Layer]LayerExtraction, len(job.Layers))

	layers, err := s.gate(ctx, job, cx, rt.Gatekeeper, tr)
	if err != nil {
		// A failed gatekeeper blocks nothing: extraction proceeds for all
		// requested layers and the failure is visible in the trace.
		s.logger.Printf("warn: gatekeeper failed for %s/%s, extracting all requested layers: %v", job.Source, job.SourceID, err)
		layers = job.Layers
	}
	allowed := make(map[memory.Layer]struct{}, len(layers))
	for _, l := range layers {
		allowed[l] = struct{}{}
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	set := func(layer memory.Layer, ex LayerExtraction) {
		mu.Lock()
		out[layer] = ex
		mu.Unlock()
	}
	for _, layer := range job.Layers {
		if _, ok := allowed[layer]; !ok {
			set(layer, LayerExtraction{})
			continue
		}
		rc, ok := rt.Extractors[layer]
		if !ok {
			set(layer, LayerExtraction{Err: fmt.Errorf("no runtime client resolved for layer %s", layer)})
			continue
		}
		wg.Add(1)
		go func(layer memory.Layer, rc runtime.RoleClient) {
			defer wg.Done()
			set(layer, s.extractLayer(ctx, job, cx, layer, rc, tr))
		}(layer, rc)
	}
	wg.Wait()
	return out
}

// gate asks the gatekeeper which of the requested layers are worth running.
func (s *llmService) gate(ctx context.Context, job memory.Job, cx Contexts, rc runtime.RoleClient, tr *tracing.Trace) ([]memory.Layer, error) {
	names := make([]string, len(job.Layers))
	for i, l := range job.Layers {
		names[i] = string(l)
	}
	prompt := fmt.Sprintf(`You decide whether long-term memory extraction should run for a conversation.
Requested layers: %s

Conversation:
%s

Respond with JSON only: {"proceed": bool, "layers": [subset of requested layer names worth extracting], "reason": string}.
Pick "proceed": false only when the conversation contains nothing memorable.`, strings.Join(names, ", "), cx.Topic)

	started := time.Now()
	raw, err := rc.Client.Generate(ctx, prompt, rc.Binding.Model, map[string]interface{}{"temperature": 0.0})
	tr.RecordCall("gatekeeper", rc.Binding.Provider, rc.Binding.Model, prompt, raw, started, err)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: %w", err)
	}

	var d gateDecision
	if err := json.Unmarshal([]byte(stripFences(raw)), &d); err != nil {
		return nil, fmt.Errorf("gatekeeper: decode decision: %w", err)
	}
	if !d.Proceed {
		return nil, nil
	}
	if len(d.Layers) == 0 {
		return job.Layers, nil
	}
	var out []memory.Layer
	for _, name := range d.Layers {
		if l, ok := memory.ParseLayer(name); ok && containsLayer(job.Layers, l) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *llmService) extractLayer(ctx context.Context, job memory.Job, cx Contexts, layer memory.Layer, rc runtime.RoleClient, tr *tracing.Trace) LayerExtraction {
	prompt := layerPrompt(layer, cx)
	started := time.Now()
	raw, err := rc.Client.Generate(ctx, prompt, rc.Binding.Model, map[string]interface{}{"temperature": 0.2})
	tr.RecordCall("extractor:"+string(layer), rc.Binding.Provider, rc.Binding.Model, prompt, raw, started, err)
	if err != nil {
		return LayerExtraction{Err: fmt.Errorf("extract %s: %w", layer, err)}
	}
	return parseLayerResponse(job, layer, stripFences(raw))
}

func parseLayerResponse(job memory.Job, layer memory.Layer, raw string) LayerExtraction {
	if layer == memory.LayerIdentity {
		var body struct {
			Operations []memory.IdentityOp `json:"operations"`
		}
		if err := json.Unmarshal([]byte(raw), &body); err != nil {
			return LayerExtraction{Err: fmt.Errorf("extract %s: decode response: %w", layer, err)}
		}
		return LayerExtraction{Identities: body.Operations}
	}

	var body struct {
		Memories []memory.Record `json:"memories"`
	}
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return LayerExtraction{Err: fmt.Errorf("extract %s: decode response: %w", layer, err)}
	}
	for i := range body.Memories {
		body.Memories[i].Metadata.Source = job.Source
		body.Memories[i].Metadata.SourceID = job.SourceID
		body.Memories[i].Metadata.Layer = layer
	}
	return LayerExtraction{Records: body.Memories}
}

func layerPrompt(layer memory.Layer, cx Contexts) string {
	var sb strings.Builder
	switch layer {
	case memory.LayerActivity:
		sb.WriteString(`Extract activity memories: concrete things the user did or is doing, with participants, objects, locations, time bounds and outcome feedback.
Respond with JSON only: {"memories": [{"title", "summary", "details", "memory_type", "activity": {"objects", "subjects", "locations", "start_at", "end_at", "status", "narrative", "feedback"}, "metadata": {"message_ids", "labels"}}]}.`)
	case memory.LayerContext:
		sb.WriteString(`Extract context memories: the situations surrounding the user right now, with urgency and impact scored 0..1.
Respond with JSON only: {"memories": [{"title", "summary", "details", "memory_type", "context": {"description", "status", "urgency", "impact"}, "metadata": {"message_ids", "labels"}}]}.`)
	case memory.LayerExperience:
		sb.WriteString(`Extract experience memories: situation/action/outcome lessons the user learned, with confidence scored 0..1.
Respond with JSON only: {"memories": [{"title", "summary", "details", "memory_type", "experience": {"situation", "action", "outcome", "confidence"}, "metadata": {"message_ids", "labels"}}]}.`)
	case memory.LayerPreference:
		sb.WriteString(`Extract preference memories: standing directives, tastes and dislikes, with priority (higher binds stronger) and scope labels.
Respond with JSON only: {"memories": [{"title", "summary", "details", "memory_type", "preference": {"directives", "priority", "suggestions", "scope_labels"}, "metadata": {"message_ids", "labels"}}]}.`)
	case memory.LayerIdentity:
		sb.WriteString(`Maintain the user's identity entities: people, roles, traits and affiliations that describe who the user is.
Compare the conversation against the known entities and respond with JSON only:
{"operations": [{"action": "add"|"update"|"remove", "entity_id": "required for update/remove", "entity": {"name", "kind", "summary", "details", "labels"}}]}.`)
	}
	sb.WriteString("\n\nConversation:\n")
	sb.WriteString(cx.Topic)
	if cx.Memories != "" {
		sb.WriteString("\n\n")
		sb.WriteString(cx.Memories)
		sb.WriteString("\nDo not re-extract facts already covered above.")
	}
	if layer == memory.LayerIdentity && cx.Identities != "" {
		sb.WriteString("\n\n")
		sb.WriteString(cx.Identities)
	}
	return sb.String()
}

// stripFences removes a surrounding markdown code fence from a model reply.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func containsLayer(layers []memory.Layer, l memory.Layer) bool {
	for _, v := range layers {
		if v == l {
			return true
		}
	}
	return false
}
