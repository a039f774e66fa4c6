package progress

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTTL = 24 * time.Hour

// Tracker reports async-task progress into Redis so that callers polling a
// task id can observe how far a fan-out run has advanced. All writes are best
// effort: a missing task id or an unavailable Redis never fails the run.
type Tracker struct {
	rdb    *redis.Client
	logger *log.Logger
	ttl    time.Duration
}

// NewTracker builds a tracker over an existing Redis client.
func NewTracker(rdb *redis.Client, logger *log.Logger) *Tracker {
	if logger == nil {
		logger = log.New(log.Writer(), "[PROGRESS] ", log.LstdFlags)
	}
	return &Tracker{rdb: rdb, logger: logger, ttl: defaultTTL}
}

func progressKey(taskID string) string {
	return "async_task:" + taskID + ":progress"
}

func errorKey(taskID string) string {
	return "async_task:" + taskID + ":errors"
}

// Increment advances the task's completed-unit counter by delta.
func (t *Tracker) Increment(ctx context.Context, taskID string, delta int64) {
	if t == nil || t.rdb == nil || strings.TrimSpace(taskID) == "" {
		return
	}
	key := progressKey(taskID)
	if err := t.rdb.IncrBy(ctx, key, delta).Err(); err != nil {
		t.logger.Printf("warn: increment progress for task %s: %v", taskID, err)
		return
	}
	if err := t.rdb.Expire(ctx, key, t.ttl).Err(); err != nil {
		t.logger.Printf("warn: refresh progress ttl for task %s: %v", taskID, err)
	}
}

// SetError records a serialised failure against the task without aborting it.
func (t *Tracker) SetError(ctx context.Context, taskID string, cause error) {
	if t == nil || t.rdb == nil || strings.TrimSpace(taskID) == "" || cause == nil {
		return
	}
	key := errorKey(taskID)
	entry := fmt.Sprintf("%s %s", time.Now().UTC().Format(time.RFC3339), cause.Error())
	if err := t.rdb.RPush(ctx, key, entry).Err(); err != nil {
		t.logger.Printf("warn: record error for task %s: %v", taskID, err)
		return
	}
	if err := t.rdb.Expire(ctx, key, t.ttl).Err(); err != nil {
		t.logger.Printf("warn: refresh error ttl for task %s: %v", taskID, err)
	}
}

// Progress reads the current completed-unit count for a task.
func (t *Tracker) Progress(ctx context.Context, taskID string) (int64, error) {
	if t == nil || t.rdb == nil {
		return 0, nil
	}
	n, err := t.rdb.Get(ctx, progressKey(taskID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// Errors reads the failures recorded against a task.
func (t *Tracker) Errors(ctx context.Context, taskID string) ([]string, error) {
	if t == nil || t.rdb == nil {
		return nil, nil
	}
	out, err := t.rdb.LRange(ctx, errorKey(taskID), 0, -1).Result()
	if err == redis.Nil {
		return nil, nil
	}
	return out, err
}
