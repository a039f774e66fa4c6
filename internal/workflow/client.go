package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/memora-ai/memora/internal/memory"
	"github.com/memora-ai/memora/internal/payload"
)

// Fan-out stage paths on the external workflow service.
const (
	PathProcessUsers         = "/chat-topic/process-users"
	PathProcessUserTopics    = "/chat-topic/process-user-topics"
	PathProcessTopics        = "/chat-topic/process-topics"
	PathPersonaUpdateWriting = "/persona/update-writing"
)

// Parallelism is the per-stage worker width. It tracks the number of memory
// layers so one worker slot maps onto one layer extraction.
func Parallelism() int {
	return len(memory.Layers())
}

// FlowControlKey serialises workflow runs per user so two fan-outs for the
// same user never interleave.
func FlowControlKey(userID string) string {
	return "user:" + userID
}

// triggerRequest is the envelope posted to the workflow service.
type triggerRequest struct {
	Input   payload.WorkflowInput `json:"input"`
	Options triggerOptions        `json:"options"`
}

type triggerOptions struct {
	Parallelism    int    `json:"parallelism"`
	FlowControlKey string `json:"flowControlKey,omitempty"`
}

// Client triggers downstream fan-out stages on the external workflow service.
type Client struct {
	httpClient *http.Client
	logger     *log.Logger

	triggers metric.Int64Counter
}

// NewClient builds a workflow trigger client.
func NewClient(timeout time.Duration, logger *log.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[WORKFLOW] ", log.LstdFlags)
	}
	meter := otel.Meter("memora/workflow")
	triggers, err := meter.Int64Counter("memora_workflow_triggers_total",
		metric.WithDescription("Workflow stage triggers by path and status"))
	if err != nil {
		logger.Printf("warn: init trigger counter: %v", err)
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		triggers:   triggers,
	}
}

// Trigger posts the input to one fan-out stage. The stage base URL comes from
// the input itself so a payload-scoped override beats server configuration.
func (c *Client) Trigger(ctx context.Context, path string, input payload.WorkflowInput) error {
	if input.BaseURL == "" {
		return fmt.Errorf("workflow trigger %s: input has no base url", path)
	}
	body, err := json.Marshal(triggerRequest{
		Input: input,
		Options: triggerOptions{
			Parallelism:    Parallelism(),
			FlowControlKey: FlowControlKey(input.UserID),
		},
	})
	if err != nil {
		return fmt.Errorf("workflow trigger %s: marshal input: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, input.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("workflow trigger %s: build request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.count(ctx, path, "error")
		return fmt.Errorf("workflow trigger %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.count(ctx, path, "error")
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("workflow trigger %s: status %d: %s", path, resp.StatusCode, string(snippet))
	}
	c.count(ctx, path, "ok")
	return nil
}

// TriggerPersonaUpdate kicks the persona writing refresh for a user after an
// extraction run produced new memories. Best effort from the caller's side.
func (c *Client) TriggerPersonaUpdate(ctx context.Context, input payload.WorkflowInput) error {
	return c.Trigger(ctx, PathPersonaUpdateWriting, input)
}

func (c *Client) count(ctx context.Context, path, status string) {
	if c.triggers == nil {
		return
	}
	c.triggers.Add(ctx, 1, metric.WithAttributes(
		attribute.String("path", path),
		attribute.String("status", status),
	))
}
