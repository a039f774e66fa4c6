package tracing

import (
	"sync"
	"time"
)

// Entry is one recorded model interaction inside an extraction run.
type Entry struct {
	Role       string    `json:"role"`
	Provider   string    `json:"provider,omitempty"`
	Model      string    `json:"model,omitempty"`
	Request    string    `json:"request,omitempty"`
	Response   string    `json:"response,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
}

// Trace accumulates the full request/response history of one extraction run
// so it can be uploaded for offline inspection. Safe for concurrent use: the
// layer extractors record from parallel goroutines.
type Trace struct {
	UserID    string    `json:"user_id"`
	Source    string    `json:"source"`
	SourceID  string    `json:"source_id"`
	StartedAt time.Time `json:"started_at"`
	Entries   []Entry   `json:"entries"`

	mu sync.Mutex
}

// New starts an empty trace for one run.
func New(userID, source, sourceID string) *Trace {
	return &Trace{
		UserID:    userID,
		Source:    source,
		SourceID:  sourceID,
		StartedAt: time.Now().UTC(),
	}
}

// Record appends one entry to the trace.
func (t *Trace) Record(e Entry) {
	if t == nil {
		return
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now().UTC()
	}
	t.mu.Lock()
	t.Entries = append(t.Entries, e)
	t.mu.Unlock()
}

// RecordCall is a convenience wrapper recording a completed model call.
func (t *Trace) RecordCall(role, provider, model, request, response string, started time.Time, err error) {
	e := Entry{
		Role:       role,
		Provider:   provider,
		Model:      model,
		Request:    request,
		Response:   response,
		StartedAt:  started.UTC(),
		DurationMS: time.Since(started).Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	t.Record(e)
}

// Len returns the number of recorded entries.
func (t *Trace) Len() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Entries)
}
