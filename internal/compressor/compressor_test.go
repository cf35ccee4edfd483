package compressor

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/okabedev/koban/internal/config"
)

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Errorf("Expected 0 tokens for empty text, got %d", got)
	}
	if got := EstimateTokens("hi"); got != 1 {
		t.Errorf("Expected minimum of 1 token, got %d", got)
	}

	prose := strings.Repeat("plain words here ", 100)
	if got := EstimateTokens(prose); got != len(prose)/4 {
		t.Errorf("Expected prose at chars/4, got %d", got)
	}

	code := "```go\nfunc main() {}\n```"
	if got := EstimateTokens(code); got != len(code)/3 {
		t.Errorf("Expected code at chars/3, got %d", got)
	}
}

func TestNeedsCompression(t *testing.T) {
	c := NewCompressor(config.CompressorConfig{MaxTokens: 100})

	small := []Message{{Role: "user", Content: "short"}}
	if c.NeedsCompression(small, 0) {
		t.Error("Expected small history under budget")
	}

	big := []Message{{Role: "user", Content: strings.Repeat("x", 1000)}}
	if !c.NeedsCompression(big, 0) {
		t.Error("Expected large history over budget")
	}
	if c.NeedsCompression(big, 10_000) {
		t.Error("Explicit budget must override the configured one")
	}
}

func TestCompressUnderBudgetIsIdentity(t *testing.T) {
	c := NewCompressor(config.CompressorConfig{MaxTokens: 10_000})
	messages := []Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi"},
	}

	res := c.Compress(messages)
	if res.CompressedMessages != 2 || res.CompressionRatio != 1.0 {
		t.Errorf("Expected untouched history, got %+v", res)
	}
}

func TestCompressPreservesRecentWindow(t *testing.T) {
	c := NewCompressor(config.CompressorConfig{
		MaxTokens:           200,
		PreserveRecentCount: 3,
		SummarizeOld:        true,
	})

	var messages []Message
	for i := 0; i < 20; i++ {
		messages = append(messages, Message{
			Role:    "user",
			Content: strings.Repeat("conversation filler text ", 20),
		})
	}
	messages[17].Content = "recent one"
	messages[18].Content = "recent two"
	messages[19].Content = "recent three"

	res := c.Compress(messages)

	if res.CompressedTokens > res.OriginalTokens {
		t.Error("Compression must never grow the history")
	}
	n := len(res.Messages)
	if n < 3 {
		t.Fatalf("Expected at least the recent window, got %d messages", n)
	}
	// The last three messages survive verbatim.
	if res.Messages[n-1].Content != "recent three" ||
		res.Messages[n-2].Content != "recent two" ||
		res.Messages[n-3].Content != "recent one" {
		t.Error("Recent window must survive untouched")
	}
	if res.CompressionRatio >= 1.0 {
		t.Errorf("Expected ratio below 1, got %f", res.CompressionRatio)
	}
}

func TestCompressPrefersNewerMessages(t *testing.T) {
	c := NewCompressor(config.CompressorConfig{
		MaxTokens:           150,
		PreserveRecentCount: 1,
		SummarizeOld:        false,
	})

	filler := strings.Repeat("old content ", 30)
	messages := []Message{
		{ID: "oldest", Role: "user", Content: filler},
		{ID: "middle", Role: "user", Content: filler},
		{ID: "newer", Role: "user", Content: "kept because newer"},
		{ID: "recent", Role: "user", Content: "always kept"},
	}

	res := c.Compress(messages)

	var ids []string
	for _, m := range res.Messages {
		ids = append(ids, m.ID)
	}
	for _, id := range ids {
		if id == "oldest" {
			t.Errorf("Oldest message survived over newer ones: %v", ids)
		}
	}
	if ids[len(ids)-1] != "recent" {
		t.Errorf("Expected the recent window last, got %v", ids)
	}
	found := false
	for _, id := range ids {
		if id == "newer" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected newer small message kept, got %v", ids)
	}
}

func TestCompressTruncatesOversizedMessage(t *testing.T) {
	c := NewCompressor(config.CompressorConfig{
		MaxTokens:           5_000,
		PreserveRecentCount: 1,
		MaxTokensPerMessage: 100,
	})

	huge := strings.Repeat("z", 10_000)
	messages := []Message{
		{Role: "user", Content: huge},
		{Role: "user", Content: strings.Repeat("pad ", 6_000)},
		{Role: "user", Content: "recent"},
	}

	res := c.Compress(messages)

	for _, m := range res.Messages {
		if m.Content == "recent" {
			continue
		}
		if len(m.Content) >= 10_000 {
			t.Error("Expected oversized message truncated")
		}
		if strings.HasPrefix(m.Content, "z") && !strings.HasSuffix(m.Content, config.DefaultCompressorTruncationMarker) {
			t.Error("Expected truncation marker appended")
		}
	}
}

func TestTruncationRespectsRuneBoundaries(t *testing.T) {
	c := NewCompressor(config.CompressorConfig{
		MaxTokens:           1_000,
		PreserveRecentCount: 1,
		MaxTokensPerMessage: 100,
	})

	// Three-byte runes: the per-message char cut lands mid-rune unless the
	// cut backs off to a boundary.
	messages := []Message{
		{Role: "user", Content: strings.Repeat("世", 4_000)},
		{Role: "user", Content: "recent"},
	}

	res := c.Compress(messages)

	for _, m := range res.Messages {
		if !utf8.ValidString(m.Content) {
			t.Fatal("Expected truncated content to remain valid UTF-8")
		}
	}
}

func TestCompressSummarizesOmissions(t *testing.T) {
	c := NewCompressor(config.CompressorConfig{
		MaxTokens:           100,
		PreserveRecentCount: 2,
		SummarizeOld:        true,
	})

	var messages []Message
	for i := 0; i < 10; i++ {
		messages = append(messages, Message{Role: "user", Content: strings.Repeat("drop me ", 64)})
	}
	messages = append(messages, Message{Role: "user", Content: "a"}, Message{Role: "assistant", Content: "b"})

	res := c.Compress(messages)

	first := res.Messages[0]
	if first.Role != "system" || !strings.Contains(first.Content, "omitted") {
		t.Errorf("Expected synthetic omission note first, got %+v", first)
	}
	if !strings.Contains(first.Content, "10") {
		t.Errorf("Expected omission count in note, got %q", first.Content)
	}
}

func TestCompressNoSummaryWhenDisabled(t *testing.T) {
	c := NewCompressor(config.CompressorConfig{
		MaxTokens:           100,
		PreserveRecentCount: 2,
		SummarizeOld:        false,
	})

	var messages []Message
	for i := 0; i < 10; i++ {
		messages = append(messages, Message{Role: "user", Content: strings.Repeat("drop me ", 40)})
	}
	messages = append(messages, Message{Role: "user", Content: "a"}, Message{Role: "assistant", Content: "b"})

	res := c.Compress(messages)
	for _, m := range res.Messages {
		if m.Role == "system" {
			t.Errorf("Expected no synthetic note when summaries are off, got %+v", m)
		}
	}
}
