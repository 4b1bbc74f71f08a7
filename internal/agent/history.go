package agent

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/ashureev/ragops-web/internal/tools"
)

const (
	keepRecentTurns       = 1
	keepRecentToolPairs   = 3
	toolResultSummary     = 500
	toolPairPreviewChars  = 200
	emergencyMessageChars = 4000
)

const summaryPrompt = `Summarize this conversation concisely.
Preserve ALL key information: file paths, project names, configurations, decisions, errors.
Format as bullet points. Be brief but complete.`

const truncationNotice = "[CONVERSATION HISTORY TRUNCATED]\n" +
	"Previous conversation context was too large to summarize. " +
	"Key context may have been lost. The most recent interaction is preserved below.\n" +
	"[END TRUNCATION NOTICE]"

// History is a session's model-facing conversation.
type History struct {
	mu       sync.Mutex
	messages []Message
}

// NewHistory creates a history seeded with messages, e.g. a restored
// transcript.
func NewHistory(seed ...Message) *History {
	return &History{messages: slices.Clone(seed)}
}

// Append adds messages.
func (h *History) Append(msgs ...Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msgs...)
}

// Messages returns a copy of the history.
func (h *History) Messages() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.messages)
}

// Len returns the number of messages.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

// Compact compresses the history in place when it exceeds threshold tokens.
func (h *History) Compact(ctx context.Context, threshold int, summarizer Summarizer, logger *slog.Logger) {
	current := h.Messages()
	compressed, changed := Compress(ctx, current, threshold, summarizer, logger)
	if !changed {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	// Keep anything appended while compressing.
	h.messages = append(compressed, h.messages[len(current):]...)
}

// EstimateTokens approximates the token count of msgs: a quarter of the
// characters plus a fixed overhead per message.
func EstimateTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += 4
		total += len(m.Content) / 4
		for _, tc := range m.ToolCalls {
			total += len(tc.Name)/4 + len(tc.Arguments)/4
		}
		total += len(m.ToolCallID) / 4
	}
	return total
}

// Compress shrinks history once it exceeds threshold tokens. The most recent
// turn is kept; older turns are replaced by a model summary when summarizer
// is available, or by a truncation notice otherwise. It reports whether
// anything changed.
func Compress(ctx context.Context, history []Message, threshold int, summarizer Summarizer, logger *slog.Logger) ([]Message, bool) {
	if logger == nil {
		logger = slog.Default()
	}
	before := EstimateTokens(history)
	if threshold <= 0 || before <= threshold {
		return history, false
	}

	var system, conversation []Message
	for _, m := range history {
		if m.Role == RoleSystem {
			system = append(system, m)
		} else {
			conversation = append(conversation, m)
		}
	}

	keep := recentTurns(conversation, keepRecentTurns)
	older := conversation[:len(conversation)-len(keep)]
	keep = compressToolPairs(keep, keepRecentToolPairs)

	if len(older) == 0 {
		out := concat(system, keep)
		if EstimateTokens(out) > threshold {
			out = concat(system, emergencyTruncate(keep))
		}
		logger.Debug("Compressed tool calls within turn", "messages_before", len(history), "messages_after", len(out))
		return out, true
	}

	if summarizer != nil {
		summary, err := summarizer.Summarize(ctx, shrinkToolResults(older))
		if err == nil {
			out := concat(system, []Message{{
				Role:    RoleAssistant,
				Content: "[CONVERSATION HISTORY SUMMARY]\n" + summary + "\n[END SUMMARY]",
			}}, keep)
			logger.Debug("Compressed history with summary",
				"tokens_before", before,
				"tokens_after", EstimateTokens(out),
			)
			return out, true
		}
		logger.Warn("History summary failed, truncating instead", "error", err)
	}

	notice := []Message{{Role: RoleAssistant, Content: truncationNotice}}
	out := concat(system, notice, keep)
	if EstimateTokens(out) > threshold {
		out = concat(system, notice, emergencyTruncate(keep))
	}
	logger.Debug("Truncated history", "tokens_before", before, "tokens_after", EstimateTokens(out))
	return out, true
}

func concat(parts ...[]Message) []Message {
	return slices.Concat(parts...)
}

// recentTurns returns the messages of the last n turns. A turn starts at a
// user message.
func recentTurns(msgs []Message, n int) []Message {
	var starts []int
	for i, m := range msgs {
		if m.Role == RoleUser {
			starts = append(starts, i)
		}
	}
	if len(starts) == 0 {
		return msgs
	}
	n = min(n, len(starts))
	return msgs[starts[len(starts)-n]:]
}

// compressToolPairs keeps the leading messages of a turn and its last n
// tool-call pairs, and replaces older pairs with a short listing.
func compressToolPairs(turn []Message, n int) []Message {
	var leading, sequence []Message
	inTools := false
	for _, m := range turn {
		if !inTools && (m.Role == RoleUser || m.Role == RoleAssistant) && len(m.ToolCalls) == 0 {
			leading = append(leading, m)
			continue
		}
		inTools = true
		sequence = append(sequence, m)
	}
	if len(sequence) == 0 {
		return turn
	}

	var pairs [][]Message
	var current []Message
	for _, m := range sequence {
		if m.Role == RoleAssistant && len(m.ToolCalls) > 0 && len(current) > 0 {
			pairs = append(pairs, current)
			current = nil
		}
		current = append(current, m)
	}
	if len(current) > 0 {
		pairs = append(pairs, current)
	}
	if len(pairs) <= n {
		return turn
	}

	var b strings.Builder
	b.WriteString("[COMPRESSED TOOL HISTORY]\n")
	for _, pair := range pairs[:len(pairs)-n] {
		for _, m := range pair {
			switch {
			case m.Role == RoleAssistant:
				for _, tc := range m.ToolCalls {
					fmt.Fprintf(&b, "- Called %s\n", tc.Name)
				}
			case m.Role == RoleTool:
				name := m.Name
				if name == "" {
					name = "tool"
				}
				preview := m.Content
				if len(preview) > toolPairPreviewChars {
					preview = preview[:toolPairPreviewChars] + "..."
				}
				fmt.Fprintf(&b, "  %s result: %s\n", name, preview)
			}
		}
	}
	b.WriteString("[END COMPRESSED TOOL HISTORY]")

	out := append(slices.Clone(leading), Message{Role: RoleAssistant, Content: b.String()})
	for _, pair := range pairs[len(pairs)-n:] {
		out = append(out, pair...)
	}
	return out
}

func shrinkToolResults(msgs []Message) []Message {
	out := slices.Clone(msgs)
	for i, m := range out {
		if m.Role == RoleTool {
			out[i].Content = tools.Summarize(m.Content, toolResultSummary)
		}
	}
	return out
}

// emergencyTruncate cuts oversized messages, keeping their head and tail.
func emergencyTruncate(msgs []Message) []Message {
	out := slices.Clone(msgs)
	for i, m := range out {
		if len(m.Content) <= emergencyMessageChars {
			continue
		}
		head := emergencyMessageChars * 6 / 10
		tail := emergencyMessageChars - head - 100
		out[i].Content = m.Content[:head] +
			fmt.Sprintf("\n\n[... truncated %d -> %d chars ...]\n\n", len(m.Content), emergencyMessageChars) +
			m.Content[len(m.Content)-tail:]
	}
	return out
}

// summaryRequest builds the model input for a history summary.
func summaryRequest(history []Message) ModelRequest {
	return ModelRequest{
		Messages: append(slices.Clone(history), Message{Role: RoleUser, Content: summaryPrompt}),
	}
}
