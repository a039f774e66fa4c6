package tokens

import (
	"strings"
	"unicode/utf8"
)

// CountFunc estimates the token cost of a piece of text for a given model.
type CountFunc func(string) int

// Estimate is the default counter used when a provider-specific tokenizer is
// unavailable. Roughly four characters per token for English prose.
func Estimate(s string) int {
	if s == "" {
		return 0
	}
	n := len(s) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// Message is a single conversational turn in chronological order.
type Message struct {
	ID        string
	Role      string
	Content   string
	CreatedAt int64
}

// TrimConversation keeps the most recent messages that fit the token budget.
// It walks the time-ordered list from the newest message backwards,
// accumulating until the budget is exhausted; the message that would overflow
// is truncated to fit the remaining budget. The kept subset is returned in
// chronological order.
func TrimConversation(msgs []Message, budget int, count CountFunc) []Message {
	if budget <= 0 || len(msgs) == 0 {
		return nil
	}
	if count == nil {
		count = Estimate
	}

	remaining := budget
	var kept []Message
	for i := len(msgs) - 1; i >= 0; i-- {
		msg := msgs[i]
		cost := count(msg.Content)
		if cost <= remaining {
			kept = append(kept, msg)
			remaining -= cost
			continue
		}
		if remaining > 0 {
			msg.Content = TrimText(msg.Content, remaining, count)
			if msg.Content != "" {
				kept = append(kept, msg)
			}
		}
		break
	}

	// kept is newest-first; reverse back into chronological order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}

// TrimText truncates text so its token count fits the budget. Truncation is
// by whole words where possible.
func TrimText(text string, budget int, count CountFunc) string {
	if budget <= 0 {
		return ""
	}
	if count == nil {
		count = Estimate
	}
	if count(text) <= budget {
		return text
	}

	words := strings.Fields(text)
	var b strings.Builder
	for _, w := range words {
		candidate := b.String()
		if candidate != "" {
			candidate += " "
		}
		candidate += w
		if count(candidate) > budget {
			break
		}
		b.Reset()
		b.WriteString(candidate)
	}
	out := b.String()
	if out == "" {
		// A single oversized word: fall back to a hard byte cut, backed
		// off to a rune boundary so the result stays valid UTF-8.
		limit := budget * 4
		if limit >= len(text) {
			return text
		}
		for limit > 0 && !utf8.RuneStart(text[limit]) {
			limit--
		}
		out = text[:limit]
	}
	return out
}
