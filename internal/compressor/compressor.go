package compressor

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/okabedev/koban/internal/config"
)

// Message is one conversation turn as seen by the compressor.
type Message struct {
	ID      string `json:"id,omitempty"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Result reports what compression did to a message list.
type Result struct {
	Messages           []Message `json:"messages"`
	OriginalMessages   int       `json:"original_messages"`
	CompressedMessages int       `json:"compressed_messages"`
	OriginalTokens     int       `json:"original_tokens"`
	CompressedTokens   int       `json:"compressed_tokens"`
	CompressionRatio   float64   `json:"compression_ratio"`
}

// Compressor trims conversation history to a token budget before it is
// handed to a provider client.
type Compressor struct {
	maxTokens           int
	preserveRecentCount int
	maxTokensPerMessage int
	truncationMarker    string
	summarizeOld        bool
}

func NewCompressor(cfg config.CompressorConfig) *Compressor {
	c := &Compressor{
		maxTokens:           cfg.MaxTokens,
		preserveRecentCount: cfg.PreserveRecentCount,
		maxTokensPerMessage: cfg.MaxTokensPerMessage,
		truncationMarker:    cfg.TruncationMarker,
		summarizeOld:        cfg.SummarizeOld,
	}
	if c.maxTokens <= 0 {
		c.maxTokens = config.DefaultCompressorMaxTokens
	}
	if c.preserveRecentCount <= 0 {
		c.preserveRecentCount = config.DefaultCompressorPreserveRecent
	}
	if c.maxTokensPerMessage <= 0 {
		c.maxTokensPerMessage = config.DefaultCompressorMaxTokensPerMessage
	}
	if c.truncationMarker == "" {
		c.truncationMarker = config.DefaultCompressorTruncationMarker
	}
	return c
}

// Keywords that mark a text as code; code packs more tokens per character.
var codeMarkers = []string{"```", "function ", "const ", "import ", "def ", "func ", "class ", "=> ", "});"}

// EstimateTokens approximates the token count of a text. Prose averages
// four characters per token; code-looking text is denser.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}

	divisor := 4
	for _, marker := range codeMarkers {
		if strings.Contains(text, marker) {
			divisor = 3
			break
		}
	}
	tokens := len(text) / divisor
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}

func totalTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateTokens(m.Content)
	}
	return total
}

// NeedsCompression reports whether the history exceeds the budget. A zero
// maxTokens uses the configured budget.
func (c *Compressor) NeedsCompression(messages []Message, maxTokens int) bool {
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	return totalTokens(messages) > maxTokens
}

// Compress fits the history into the token budget. The most recent
// preserveRecentCount messages survive verbatim; older messages are kept
// newest-first while budget remains, oversized ones are truncated, and a
// synthetic note records wholesale omissions.
func (c *Compressor) Compress(messages []Message) *Result {
	originalTokens := totalTokens(messages)
	result := &Result{
		OriginalMessages: len(messages),
		OriginalTokens:   originalTokens,
		CompressionRatio: 1.0,
	}

	if originalTokens <= c.maxTokens {
		result.Messages = messages
		result.CompressedMessages = len(messages)
		result.CompressedTokens = originalTokens
		return result
	}

	recentStart := len(messages) - c.preserveRecentCount
	if recentStart < 0 {
		recentStart = 0
	}
	recent := messages[recentStart:]
	older := messages[:recentStart]

	budget := c.maxTokens - totalTokens(recent)

	// Walk the older messages newest-first, keeping what fits. Oversized
	// messages are truncated before being costed.
	kept := make([]Message, 0, len(older))
	dropped := 0
	for i := len(older) - 1; i >= 0; i-- {
		msg := c.truncate(older[i])
		cost := EstimateTokens(msg.Content)
		if budget >= cost {
			kept = append([]Message{msg}, kept...)
			budget -= cost
		} else {
			dropped++
		}
	}

	out := make([]Message, 0, len(kept)+len(recent)+1)
	if dropped > 0 && c.summarizeOld {
		out = append(out, Message{
			Role:    "system",
			Content: fmt.Sprintf("[%d earlier messages omitted to fit the context window]", dropped),
		})
	}
	out = append(out, kept...)
	out = append(out, recent...)

	compressedTokens := totalTokens(out)
	result.Messages = out
	result.CompressedMessages = len(out)
	result.CompressedTokens = compressedTokens
	if originalTokens > 0 {
		result.CompressionRatio = float64(compressedTokens) / float64(originalTokens)
	}
	return result
}

// truncate shortens an individual message past the per-message token cap,
// appending the truncation marker.
func (c *Compressor) truncate(msg Message) Message {
	if EstimateTokens(msg.Content) <= c.maxTokensPerMessage {
		return msg
	}

	// Invert the estimate: budget tokens * 4 chars, leaving room for the marker.
	maxChars := c.maxTokensPerMessage * 4
	if maxChars > len(msg.Content) {
		return msg
	}
	// Back off to a rune boundary so the cut never splits a multi-byte rune.
	for maxChars > 0 && maxChars < len(msg.Content) && !utf8.RuneStart(msg.Content[maxChars]) {
		maxChars--
	}
	msg.Content = msg.Content[:maxChars] + c.truncationMarker
	return msg
}
