package tracing

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestObjectKeyPattern(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	key := objectKey("traces", "u1", "chat_topic", "t9", at)
	want := "traces/memory-extraction/u1/chat_topic/t9/trace/2026-03-01T12:30:00Z.json"
	if key != want {
		t.Fatalf("key = %q, want %q", key, want)
	}
}

func TestTraceConcurrentRecord(t *testing.T) {
	tr := New("u1", "chat_topic", "t1")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.RecordCall("extractor:context", "openai", "gpt", "req", "resp", time.Now(), nil)
		}()
	}
	wg.Wait()
	if tr.Len() != 20 {
		t.Fatalf("expected 20 entries, got %d", tr.Len())
	}
}

func TestRecordCallCapturesError(t *testing.T) {
	tr := New("u1", "chat_topic", "t1")
	tr.RecordCall("gatekeeper", "openai", "gpt", "req", "", time.Now(), errors.New("boom"))
	if tr.Entries[0].Error != "boom" {
		t.Fatalf("error not captured: %+v", tr.Entries[0])
	}
	if !strings.HasPrefix(tr.Entries[0].Role, "gatekeeper") {
		t.Fatalf("role not captured")
	}
}

func TestNilTraceRecordIsNoop(t *testing.T) {
	var tr *Trace
	tr.Record(Entry{Role: "x"})
	if tr.Len() != 0 {
		t.Fatalf("nil trace should stay empty")
	}
}
