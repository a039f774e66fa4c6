package memory

import (
	"strings"
	"time"
)

// Layer identifies one of the semantic categories a derived memory belongs to.
type Layer string

const (
	LayerActivity   Layer = "activity"
	LayerContext    Layer = "context"
	LayerExperience Layer = "experience"
	LayerIdentity   Layer = "identity"
	LayerPreference Layer = "preference"
)

// Layers returns every known layer in persistence order. Identity runs last
// because it mutates cumulative entity rows rather than appending.
func Layers() []Layer {
	return []Layer{LayerActivity, LayerContext, LayerExperience, LayerPreference, LayerIdentity}
}

// ParseLayer maps a case-insensitive layer name onto the known layer set.
func ParseLayer(s string) (Layer, bool) {
	switch Layer(strings.ToLower(strings.TrimSpace(s))) {
	case LayerActivity:
		return LayerActivity, true
	case LayerContext:
		return LayerContext, true
	case LayerExperience:
		return LayerExperience, true
	case LayerIdentity:
		return LayerIdentity, true
	case LayerPreference:
		return LayerPreference, true
	}
	return "", false
}

// Source identifies where conversational content comes from.
type Source string

const (
	SourceChatTopic       Source = "chat_topic"
	SourceBenchmarkLocomo Source = "benchmark_locomo"
)

// ParseSource maps human-facing aliases onto canonical sources.
func ParseSource(s string) (Source, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "chat_topic", "chattopic", "chattopics", "chat_topics":
		return SourceChatTopic, true
	case "benchmark_locomo", "benchmarklocomo":
		return SourceBenchmarkLocomo, true
	}
	return "", false
}

// Job is the immutable unit of work handed to the extraction service and the
// layer persisters.
type Job struct {
	UserID          string
	Source          Source
	SourceID        string
	SourceUpdatedAt time.Time
	Force           bool
	Layers          []Layer
}

// Metadata is attached to every persisted memory row.
type Metadata struct {
	Source     Source   `json:"source"`
	SourceID   string   `json:"source_id"`
	Layer      Layer    `json:"layer"`
	MessageIDs []string `json:"message_ids,omitempty"`
	Labels     []string `json:"labels,omitempty"`
}

// Record is a single extracted memory candidate. Exactly one of the
// layer-specific detail pointers is set, matching Metadata.Layer.
type Record struct {
	Title          string    `json:"title"`
	Summary        string    `json:"summary"`
	Details        string    `json:"details"`
	SummaryVector  []float32 `json:"-"`
	DetailsVector  []float32 `json:"-"`
	MemoryCategory string    `json:"memory_category,omitempty"`
	MemoryType     string    `json:"memory_type"`
	Metadata       Metadata  `json:"metadata"`

	Activity   *ActivityDetail   `json:"activity,omitempty"`
	Context    *ContextDetail    `json:"context,omitempty"`
	Experience *ExperienceDetail `json:"experience,omitempty"`
	Preference *PreferenceDetail `json:"preference,omitempty"`
}

// ActivityDetail captures what the user was doing, with whom and where.
type ActivityDetail struct {
	Objects         []string   `json:"objects,omitempty"`
	Subjects        []string   `json:"subjects,omitempty"`
	Locations       []string   `json:"locations,omitempty"`
	StartAt         *time.Time `json:"start_at,omitempty"`
	EndAt           *time.Time `json:"end_at,omitempty"`
	Status          string     `json:"status,omitempty"`
	Narrative       string     `json:"narrative,omitempty"`
	Feedback        string     `json:"feedback,omitempty"`
	NarrativeVector []float32  `json:"-"`
	FeedbackVector  []float32  `json:"-"`
}

// ContextDetail captures the situation surrounding the user.
type ContextDetail struct {
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status,omitempty"`
	Urgency     float64 `json:"urgency"`
	Impact      float64 `json:"impact"`
}

// ExperienceDetail captures a situation/action/outcome lesson.
type ExperienceDetail struct {
	Situation  string  `json:"situation,omitempty"`
	Action     string  `json:"action,omitempty"`
	Outcome    string  `json:"outcome,omitempty"`
	Confidence float64 `json:"confidence"`
}

// PreferenceDetail captures a standing directive or taste.
type PreferenceDetail struct {
	Directives  []string `json:"directives,omitempty"`
	Priority    int      `json:"priority"`
	Suggestions []string `json:"suggestions,omitempty"`
	ScopeLabels []string `json:"scope_labels,omitempty"`
}

// IdentityAction tells the identity persister how to apply an entity change.
type IdentityAction string

const (
	IdentityAdd    IdentityAction = "add"
	IdentityUpdate IdentityAction = "update"
	IdentityRemove IdentityAction = "remove"
)

// IdentityOp is one cumulative change against the user's identity entities.
// EntityID is required for update and remove.
type IdentityOp struct {
	Action   IdentityAction `json:"action"`
	EntityID string         `json:"entity_id,omitempty"`
	Entity   IdentityEntity `json:"entity"`
}

// IdentityEntity is a cumulative record describing who the user is. Unlike
// the append-only layers it is mutated in place by later extraction runs.
type IdentityEntity struct {
	ID            string    `json:"id,omitempty"`
	Name          string    `json:"name"`
	Kind          string    `json:"kind,omitempty"`
	Summary       string    `json:"summary,omitempty"`
	Details       string    `json:"details,omitempty"`
	SummaryVector []float32 `json:"-"`
	Labels        []string  `json:"labels,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}

// Merge overlays non-empty fields of other onto e, the strategy applied when
// an identity update targets an existing entity.
func (e IdentityEntity) Merge(other IdentityEntity) IdentityEntity {
	if strings.TrimSpace(other.Name) != "" {
		e.Name = other.Name
	}
	if strings.TrimSpace(other.Kind) != "" {
		e.Kind = other.Kind
	}
	if strings.TrimSpace(other.Summary) != "" {
		e.Summary = other.Summary
	}
	if strings.TrimSpace(other.Details) != "" {
		e.Details = other.Details
	}
	if len(other.SummaryVector) > 0 {
		e.SummaryVector = other.SummaryVector
	}
	if len(other.Labels) > 0 {
		e.Labels = other.Labels
	}
	return e
}

// PersistedResult summarises what one extraction run wrote.
// sum(Layers values) equals len(CreatedIDs) for append-only layers; identity
// contributes only its add count.
type PersistedResult struct {
	CreatedIDs []string      `json:"memory_ids"`
	Layers     map[Layer]int `json:"layers"`
}
