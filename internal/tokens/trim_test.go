package tokens

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func wordCount(s string) int {
	if s == "" {
		return 0
	}
	return len(strings.Fields(s))
}

func conversation() []Message {
	return []Message{
		{ID: "m1", Role: "user", Content: "one two three four", CreatedAt: 1},
		{ID: "m2", Role: "assistant", Content: "five six", CreatedAt: 2},
		{ID: "m3", Role: "user", Content: "seven eight nine", CreatedAt: 3},
	}
}

func TestTrimConversationKeepsNewestFirst(t *testing.T) {
	kept := TrimConversation(conversation(), 5, wordCount)
	if len(kept) != 2 {
		t.Fatalf("expected 2 kept messages, got %d", len(kept))
	}
	// Oldest dropped, remainder back in chronological order.
	if kept[0].ID != "m2" || kept[1].ID != "m3" {
		t.Fatalf("unexpected kept set: %v, %v", kept[0].ID, kept[1].ID)
	}
}

func TestTrimConversationTruncatesOverflowMessage(t *testing.T) {
	kept := TrimConversation(conversation(), 4, wordCount)
	if len(kept) != 2 {
		t.Fatalf("expected 2 kept messages, got %d", len(kept))
	}
	if kept[1].ID != "m3" || wordCount(kept[1].Content) != 3 {
		t.Fatalf("newest must be intact: %+v", kept[1])
	}
	if kept[0].ID != "m2" || wordCount(kept[0].Content) != 1 {
		t.Fatalf("overflow message must be truncated to fit: %+v", kept[0])
	}
}

func TestTrimConversationFitsWholeHistory(t *testing.T) {
	msgs := conversation()
	kept := TrimConversation(msgs, 100, wordCount)
	if len(kept) != len(msgs) {
		t.Fatalf("everything fits, got %d of %d", len(kept), len(msgs))
	}
	for i := range msgs {
		if kept[i].ID != msgs[i].ID {
			t.Fatalf("order changed at %d", i)
		}
	}
}

func TestTrimConversationZeroBudget(t *testing.T) {
	if kept := TrimConversation(conversation(), 0, wordCount); kept != nil {
		t.Fatalf("zero budget must keep nothing, got %v", kept)
	}
}

func TestTrimTextWordBoundary(t *testing.T) {
	got := TrimText("alpha beta gamma delta", 2, wordCount)
	if got != "alpha beta" {
		t.Fatalf("TrimText = %q", got)
	}
}

func TestTrimTextOversizedWordHardCut(t *testing.T) {
	long := strings.Repeat("x", 100)
	got := TrimText(long, 2, nil)
	if len(got) != 8 {
		t.Fatalf("hard cut should keep budget*4 chars, got %d", len(got))
	}
}

func TestTrimTextHardCutKeepsValidUTF8(t *testing.T) {
	long := strings.Repeat("世", 10) // 3 bytes per rune, never a word break
	got := TrimText(long, 2, nil)
	if !utf8.ValidString(got) {
		t.Fatalf("hard cut split a rune: %q", got)
	}
	if len(got) != 6 {
		t.Fatalf("cut should back off to the previous rune boundary, got %d bytes", len(got))
	}
}

func TestEstimate(t *testing.T) {
	if Estimate("") != 0 {
		t.Fatalf("empty string costs nothing")
	}
	if Estimate("ab") != 1 {
		t.Fatalf("short strings cost at least one token")
	}
	if Estimate(strings.Repeat("a", 40)) != 10 {
		t.Fatalf("estimate should be len/4")
	}
}
