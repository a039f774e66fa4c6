package workflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/memora-ai/memora/internal/memory"
	"github.com/memora-ai/memora/internal/payload"
)

func TestParallelismTracksLayerCount(t *testing.T) {
	if got, want := Parallelism(), len(memory.Layers()); got != want {
		t.Fatalf("Parallelism() = %d, want %d", got, want)
	}
}

func TestTriggerPostsEnvelope(t *testing.T) {
	var gotPath string
	var gotBody triggerRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(5*time.Second, nil)
	input := payload.WorkflowInput{UserID: "u1", BaseURL: srv.URL, AsyncTaskID: "task-1"}
	if err := c.Trigger(context.Background(), PathProcessUserTopics, input); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if gotPath != PathProcessUserTopics {
		t.Fatalf("path = %q, want %q", gotPath, PathProcessUserTopics)
	}
	if gotBody.Input.UserID != "u1" || gotBody.Input.AsyncTaskID != "task-1" {
		t.Fatalf("unexpected input: %+v", gotBody.Input)
	}
	if gotBody.Options.Parallelism != Parallelism() {
		t.Fatalf("parallelism = %d, want %d", gotBody.Options.Parallelism, Parallelism())
	}
	if gotBody.Options.FlowControlKey != "user:u1" {
		t.Fatalf("flow control key = %q", gotBody.Options.FlowControlKey)
	}
}

func TestTriggerNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "queue full", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(5*time.Second, nil)
	err := c.Trigger(context.Background(), PathProcessTopics, payload.WorkflowInput{UserID: "u1", BaseURL: srv.URL})
	if err == nil {
		t.Fatalf("expected error for 503 response")
	}
}

func TestTriggerRequiresBaseURL(t *testing.T) {
	c := NewClient(time.Second, nil)
	if err := c.Trigger(context.Background(), PathProcessUsers, payload.WorkflowInput{UserID: "u1"}); err == nil {
		t.Fatalf("expected error for missing base url")
	}
}
