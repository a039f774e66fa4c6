package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/memora-ai/memora/config"
	"github.com/memora-ai/memora/internal/extract"
	"github.com/memora-ai/memora/internal/payload"
	"github.com/memora-ai/memora/internal/store"
)

type emptyPageStore struct{}

func (emptyPageStore) ListUsers(context.Context, store.Cursor, int, []string) ([]store.User, store.Cursor, error) {
	return nil, store.Cursor{}, nil
}

func (emptyPageStore) ListTopicsForUser(context.Context, string, store.Cursor, int, bool) ([]store.Topic, store.Cursor, error) {
	return nil, store.Cursor{}, nil
}

type noopTrigger struct{}

func (noopTrigger) Trigger(context.Context, string, payload.WorkflowInput) error { return nil }
func (noopTrigger) TriggerPersonaUpdate(context.Context, payload.WorkflowInput) error {
	return nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.Address = ":0"
	cfg.Workflow.BaseURL = "http://workflow.local"
	pipeline := extract.NewPipeline(emptyPageStore{}, nil, noopTrigger{}, nil)
	return New(cfg, pipeline, nil)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestProcessUsersEmptyPage(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/chat-topic/process-users", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["triggered"] != 0 {
		t.Fatalf("expected 0 triggered, got %d", body["triggered"])
	}
}

func TestMalformedPayloadIsBadRequest(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/chat-topic/process-topics", strings.NewReader(`{"layers": "context"}`))
	req.Header.Set("Content-Type", "application/json")
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] == "" {
		t.Fatalf("expected error message in body")
	}
}

func TestDirectValidationSurfacesError(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/memory-extraction/direct", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "user id") {
		t.Fatalf("expected validation message, got %s", rec.Body.String())
	}
}
