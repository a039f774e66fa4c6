package payload

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/memora-ai/memora/internal/memory"
)

// Mode selects how an extraction request is executed.
type Mode string

const (
	ModeWorkflow Mode = "workflow"
	ModeDirect   Mode = "direct"
)

// Raw mirrors the JSON shape of an inbound trigger payload before
// canonicalisation.
type Raw struct {
	Sources        []string   `json:"sources,omitempty"`
	Layers         []string   `json:"layers,omitempty"`
	From           *time.Time `json:"from,omitempty"`
	To             *time.Time `json:"to,omitempty"`
	UserID         string     `json:"userId,omitempty"`
	UserIDs        []string   `json:"userIds,omitempty"`
	TopicIDs       []string   `json:"topicIds,omitempty"`
	SourceIDs      []string   `json:"sourceIds,omitempty"`
	IdentityCursor int        `json:"identityCursor,omitempty"`
	Mode           string     `json:"mode,omitempty"`
	ForceAll       bool       `json:"forceAll,omitempty"`
	ForceTopics    bool       `json:"forceTopics,omitempty"`
	AsyncTaskID    string     `json:"asyncTaskId,omitempty"`
	UserInitiated  bool       `json:"userInitiated,omitempty"`
	BaseURL        string     `json:"baseUrl,omitempty"`
}

// Normalized is the canonical, validated form of a trigger payload.
type Normalized struct {
	Sources        []memory.Source
	Layers         []memory.Layer
	From           *time.Time
	To             *time.Time
	UserID         string
	UserIDs        []string
	TopicIDs       []string
	SourceIDs      []string
	IdentityCursor int
	Mode           Mode
	ForceAll       bool
	ForceTopics    bool
	AsyncTaskID    string
	UserInitiated  bool
	BaseURL        string
}

// Normalize validates the raw JSON against the payload schema and
// canonicalises it: source/layer aliases are mapped and deduplicated, id
// lists are deduplicated with empties dropped, userId and userIds are
// reconciled, and the base URL is resolved from the payload or the supplied
// fallback.
func Normalize(raw json.RawMessage, fallbackBaseURL string) (Normalized, error) {
	if err := validateSchema(raw); err != nil {
		return Normalized{}, err
	}
	var r Raw
	if err := json.Unmarshal(raw, &r); err != nil {
		return Normalized{}, fmt.Errorf("decode payload: %w", err)
	}
	return normalizeRaw(r, fallbackBaseURL)
}

func normalizeRaw(r Raw, fallbackBaseURL string) (Normalized, error) {
	n := Normalized{
		From:           r.From,
		To:             r.To,
		IdentityCursor: r.IdentityCursor,
		ForceAll:       r.ForceAll,
		ForceTopics:    r.ForceTopics,
		AsyncTaskID:    strings.TrimSpace(r.AsyncTaskID),
		UserInitiated:  r.UserInitiated,
	}

	seenSources := make(map[memory.Source]struct{})
	for _, s := range r.Sources {
		src, ok := memory.ParseSource(s)
		if !ok {
			continue
		}
		if _, dup := seenSources[src]; dup {
			continue
		}
		seenSources[src] = struct{}{}
		n.Sources = append(n.Sources, src)
	}

	seenLayers := make(map[memory.Layer]struct{})
	for _, l := range r.Layers {
		layer, ok := memory.ParseLayer(l)
		if !ok {
			continue
		}
		if _, dup := seenLayers[layer]; dup {
			continue
		}
		seenLayers[layer] = struct{}{}
		n.Layers = append(n.Layers, layer)
	}

	n.UserIDs = dedupeIDs(r.UserIDs)
	n.TopicIDs = dedupeIDs(r.TopicIDs)
	n.SourceIDs = dedupeIDs(r.SourceIDs)

	n.UserID = strings.TrimSpace(r.UserID)
	if n.UserID == "" && len(n.UserIDs) > 0 {
		n.UserID = n.UserIDs[0]
	}
	if n.UserID != "" && !containsID(n.UserIDs, n.UserID) {
		n.UserIDs = append(n.UserIDs, n.UserID)
	}

	switch Mode(strings.ToLower(strings.TrimSpace(r.Mode))) {
	case ModeDirect:
		n.Mode = ModeDirect
	default:
		n.Mode = ModeWorkflow
	}

	n.BaseURL = strings.TrimSpace(r.BaseURL)
	if n.BaseURL == "" {
		n.BaseURL = strings.TrimSpace(fallbackBaseURL)
	}
	if n.BaseURL == "" {
		return Normalized{}, fmt.Errorf("missing baseUrl: payload carries none and no fallback is configured")
	}
	n.BaseURL = strings.TrimRight(n.BaseURL, "/")
	return n, nil
}

// EffectiveLayers returns the requested layers, or every known layer when the
// payload named none.
func (n Normalized) EffectiveLayers() []memory.Layer {
	if len(n.Layers) > 0 {
		return n.Layers
	}
	return memory.Layers()
}

// EffectiveSources returns the requested sources, defaulting to chat topics.
func (n Normalized) EffectiveSources() []memory.Source {
	if len(n.Sources) > 0 {
		return n.Sources
	}
	return []memory.Source{memory.SourceChatTopic}
}

// WorkflowInput is the JSON body posted to the external workflow service.
type WorkflowInput struct {
	Sources        []memory.Source `json:"sources,omitempty"`
	Layers         []memory.Layer  `json:"layers,omitempty"`
	From           *time.Time      `json:"from,omitempty"`
	To             *time.Time      `json:"to,omitempty"`
	UserID         string          `json:"userId"`
	UserIDs        []string        `json:"userIds,omitempty"`
	TopicIDs       []string        `json:"topicIds,omitempty"`
	SourceIDs      []string        `json:"sourceIds,omitempty"`
	IdentityCursor int             `json:"identityCursor,omitempty"`
	ForceAll       bool            `json:"forceAll,omitempty"`
	ForceTopics    bool            `json:"forceTopics,omitempty"`
	AsyncTaskID    string          `json:"asyncTaskId,omitempty"`
	UserInitiated  bool            `json:"userInitiated,omitempty"`
	BaseURL        string          `json:"baseUrl"`
}

// WorkflowInput builds the payload for a downstream fan-out stage. UserID
// falls back to the first of UserIDs when unset; an explicitly set UserID is
// preserved and UserIDs is left untouched.
func (n Normalized) WorkflowInput() WorkflowInput {
	userID := n.UserID
	if userID == "" && len(n.UserIDs) > 0 {
		userID = n.UserIDs[0]
	}
	return WorkflowInput{
		Sources:        n.Sources,
		Layers:         n.Layers,
		From:           n.From,
		To:             n.To,
		UserID:         userID,
		UserIDs:        n.UserIDs,
		TopicIDs:       n.TopicIDs,
		SourceIDs:      n.SourceIDs,
		IdentityCursor: n.IdentityCursor,
		ForceAll:       n.ForceAll,
		ForceTopics:    n.ForceTopics,
		AsyncTaskID:    n.AsyncTaskID,
		UserInitiated:  n.UserInitiated,
		BaseURL:        n.BaseURL,
	}
}

func dedupeIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	var out []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
