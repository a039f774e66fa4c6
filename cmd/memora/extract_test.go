package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadPayloadFromStdin(t *testing.T) {
	for _, path := range []string{"", "-"} {
		raw, err := readPayload(path, strings.NewReader(`{"userId":"u1"}`))
		if err != nil {
			t.Fatalf("readPayload(%q): %v", path, err)
		}
		if string(raw) != `{"userId":"u1"}` {
			t.Fatalf("readPayload(%q) = %q", path, raw)
		}
	}
}

func TestReadPayloadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload.json")
	if err := os.WriteFile(path, []byte(`{"mode":"direct"}`), 0o600); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	raw, err := readPayload(path, strings.NewReader("stdin must be ignored"))
	if err != nil {
		t.Fatalf("readPayload: %v", err)
	}
	if string(raw) != `{"mode":"direct"}` {
		t.Fatalf("readPayload = %q", raw)
	}
}
