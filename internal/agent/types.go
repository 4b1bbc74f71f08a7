// Package agent drives a session's conversation: it streams model output,
// dispatches the tools the model asks for and emits the turn's events.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/ashureev/ragops-web/internal/tools"
)

var (
	// ErrTurnActive is returned when a turn is started while another one is
	// still running.
	ErrTurnActive = errors.New("a turn is already active")
	// ErrClosed is returned once the loop has been closed.
	ErrClosed = errors.New("agent loop closed")

	errTurnCancelled = errors.New("turn cancelled by user")
)

// Role is the author of a history message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Message is one entry of the conversation history sent to the model.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ModelRequest is one round of model input.
type ModelRequest struct {
	System   string
	Messages []Message
	Tools    []tools.Definition
}

// EventKind discriminates model stream events.
type EventKind int

const (
	// EventText carries a fragment of assistant text.
	EventText EventKind = iota
	// EventToolCalls carries tool calls the model wants run.
	EventToolCalls
)

// ModelEvent is one item of a model stream.
type ModelEvent struct {
	Kind      EventKind
	Text      string
	ToolCalls []ToolCall
}

// ModelClient streams model output. The sequence ends when the model is done
// with the round; an error ends it early. Implementations must stop promptly
// once ctx is done.
type ModelClient interface {
	Stream(ctx context.Context, req ModelRequest) iter.Seq2[ModelEvent, error]
}

// Summarizer condenses old history. Model clients that implement it are used
// for history compression.
type Summarizer interface {
	Summarize(ctx context.Context, history []Message) (string, error)
}

// ModelError is a provider failure. Code is forwarded on the error event.
type ModelError struct {
	Code      string
	Retryable bool
	Err       error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model error (%s): %v", e.Code, e.Err)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}

// Config holds agent loop settings.
type Config struct {
	SystemPrompt          string
	MaxToolRounds         int
	HistoryTokenThreshold int
	PreviewChars          int
}

// DefaultConfig returns default agent configuration.
func DefaultConfig() Config {
	return Config{
		SystemPrompt:          DefaultSystemPrompt,
		MaxToolRounds:         500,
		HistoryTokenThreshold: 150_000,
		PreviewChars:          tools.DefaultPreviewChars,
	}
}
