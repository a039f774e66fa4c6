package progress

import (
	"log"
	"sync"
	"time"
)

// DiagnosticEvent is one best-effort failure that did not abort a run but is
// worth surfacing alongside its result.
type DiagnosticEvent struct {
	Stage   string    `json:"stage"`
	Subject string    `json:"subject,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Diagnostics collects non-fatal failures during a run. Embedding gaps, trace
// upload misses and progress write errors land here instead of the run error.
type Diagnostics struct {
	mu     sync.Mutex
	events []DiagnosticEvent
	logger *log.Logger
}

// NewDiagnostics returns an empty collector. A nil logger suppresses echo.
func NewDiagnostics(logger *log.Logger) *Diagnostics {
	return &Diagnostics{logger: logger}
}

// Report records one non-fatal failure.
func (d *Diagnostics) Report(stage, subject, message string) {
	if d == nil {
		return
	}
	ev := DiagnosticEvent{Stage: stage, Subject: subject, Message: message, At: time.Now().UTC()}
	d.mu.Lock()
	d.events = append(d.events, ev)
	d.mu.Unlock()
	if d.logger != nil {
		if subject != "" {
			d.logger.Printf("warn: %s (%s): %s", stage, subject, message)
		} else {
			d.logger.Printf("warn: %s: %s", stage, message)
		}
	}
}

// Events returns a copy of everything reported so far.
func (d *Diagnostics) Events() []DiagnosticEvent {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DiagnosticEvent, len(d.events))
	copy(out, d.events)
	return out
}
