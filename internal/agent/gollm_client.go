package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"

	"github.com/ashureev/ragops-web/internal/tools"
)

// Model error codes carried on the error event.
const (
	CodeAuth          = "auth_error"
	CodeRateLimited   = "rate_limited"
	CodeContextLength = "context_length"
	CodeProvider      = "provider_error"
	CodeTimeout       = "timeout"
	CodeNotFound      = "model_not_found"
)

const (
	callOpen        = "<function_call>"
	callClose       = "</function_call>"
	callArrayPrefix = `[{"name"`
)

const toolCallInstructions = `To use a tool, reply with one block per call:
<function_call>{"name": "<tool name>", "arguments": {<arguments>}}</function_call>
Several blocks run the tools in parallel. Results arrive in the next message.`

var errStopped = errors.New("consumer stopped")

// GollmConfig configures a GollmClient.
type GollmConfig struct {
	Provider    string
	Model       string
	APIKey      string
	MaxTokens   int
	Temperature float64
	Retry       RetryPolicy
}

// GollmClient is a ModelClient backed by gollm. Tool calls are read from
// <function_call> blocks in the model's reply.
type GollmClient struct {
	llm      gollm.LLM
	provider string
	model    string
	retry    RetryPolicy
	logger   *slog.Logger
}

// NewGollmClient creates a client for cfg.Provider. An empty API key lets
// gollm read it from the environment.
func NewGollmClient(cfg GollmConfig, logger *slog.Logger) (*GollmClient, error) {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	opts := []gollm.ConfigOption{
		gollm.SetProvider(cfg.Provider),
		gollm.SetModel(cfg.Model),
		gollm.SetMaxTokens(cfg.MaxTokens),
		gollm.SetTemperature(cfg.Temperature),
		gollm.SetMaxRetries(0),
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.APIKey != "" {
		opts = append(opts, gollm.SetAPIKey(cfg.APIKey))
	}

	llm, err := gollm.NewLLM(opts...)
	if err != nil {
		return nil, fmt.Errorf("create gollm LLM for provider %s: %w", cfg.Provider, err)
	}
	return NewGollmClientFromLLM(llm, cfg.Provider, cfg.Model, cfg.Retry, logger), nil
}

// NewGollmClientFromLLM wraps an existing gollm.LLM.
func NewGollmClientFromLLM(llm gollm.LLM, provider, model string, policy RetryPolicy, logger *slog.Logger) *GollmClient {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("provider", provider, "model", model)
	if policy.OnRetry == nil {
		policy.OnRetry = func(err error, attempt int, delay time.Duration) {
			logger.Warn("Retrying model request", "attempt", attempt, "delay", delay, "error", err)
		}
	}
	return &GollmClient{
		llm:      llm,
		provider: provider,
		model:    model,
		retry:    policy,
		logger:   logger,
	}
}

// Stream runs one model round. Retryable failures are retried only while no
// text has been yielded.
func (c *GollmClient) Stream(ctx context.Context, req ModelRequest) iter.Seq2[ModelEvent, error] {
	return func(yield func(ModelEvent, error) bool) {
		prompt := buildPrompt(req)
		filter := &callFilter{}
		yielded := false

		push := func(tok string) bool {
			text := filter.push(tok)
			if text == "" {
				return true
			}
			yielded = true
			return yield(ModelEvent{Kind: EventText, Text: text}, nil)
		}

		err := retry(ctx, c.retry, func(ctx context.Context) error {
			if !yielded {
				*filter = callFilter{}
			}
			err := c.round(ctx, prompt, push)
			if err != nil && yielded {
				var merr *ModelError
				if errors.As(err, &merr) {
					merr.Retryable = false
				}
			}
			return err
		})
		if errors.Is(err, errStopped) {
			return
		}
		if err != nil {
			yield(ModelEvent{}, err)
			return
		}

		text, raw := filter.flush()
		if text != "" && !yield(ModelEvent{Kind: EventText, Text: text}, nil) {
			return
		}
		if raw == "" {
			return
		}
		calls := parseToolCalls(raw)
		if len(calls) == 0 {
			c.logger.Warn("Model reply contained an unparseable tool call")
			yield(ModelEvent{Kind: EventText, Text: raw}, nil)
			return
		}
		yield(ModelEvent{Kind: EventToolCalls, ToolCalls: calls}, nil)
	}
}

func (c *GollmClient) round(ctx context.Context, prompt *gollm.Prompt, push func(string) bool) error {
	if !c.llm.SupportsStreaming() {
		text, err := c.llm.Generate(ctx, prompt)
		if err != nil {
			return classifyError(ctx, err)
		}
		if !push(text) {
			return errStopped
		}
		return nil
	}

	stream, err := c.llm.Stream(ctx, prompt)
	if err != nil {
		return classifyError(ctx, err)
	}
	defer func() { _ = stream.Close() }()

	for {
		token, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return classifyError(ctx, err)
		}
		if token == nil || token.Text == "" {
			continue
		}
		if !push(token.Text) {
			return errStopped
		}
	}
}

// Summarize condenses history for compression.
func (c *GollmClient) Summarize(ctx context.Context, history []Message) (string, error) {
	prompt := buildPrompt(summaryRequest(history))
	var summary string
	err := retry(ctx, c.retry, func(ctx context.Context) error {
		text, err := c.llm.Generate(ctx, prompt)
		if err != nil {
			return classifyError(ctx, err)
		}
		summary = strings.TrimSpace(text)
		return nil
	})
	return summary, err
}

// buildPrompt flattens a request into a gollm prompt. The provider sees the
// transcript as labelled text; tool schemas are attached as tools.
func buildPrompt(req ModelRequest) *gollm.Prompt {
	var opts []gollm.PromptOption

	system := strings.TrimSpace(req.System)
	if len(req.Tools) > 0 {
		system = strings.TrimSpace(system + "\n\n" + toolCallInstructions)
		opts = append(opts, gollm.WithTools(toolSpecs(req.Tools)))
	}
	if system != "" {
		opts = append(opts, gollm.WithSystemPrompt(system, gollm.CacheTypeEphemeral))
	}
	return gollm.NewPrompt(renderTranscript(req.Messages), opts...)
}

func toolSpecs(defs []tools.Definition) []gollm.Tool {
	out := make([]gollm.Tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, gollm.Tool{
			Type: "function",
			Function: gollm.Function{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return out
}

func renderTranscript(msgs []Message) string {
	var parts []string
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			parts = append(parts, "[System]: "+m.Content)
		case RoleUser:
			parts = append(parts, m.Content)
		case RoleAssistant:
			var b strings.Builder
			b.WriteString(m.Content)
			for _, tc := range m.ToolCalls {
				args := tc.Arguments
				if len(args) == 0 {
					args = json.RawMessage("{}")
				}
				fmt.Fprintf(&b, "\n%s{\"name\": %q, \"arguments\": %s}%s", callOpen, tc.Name, args, callClose)
			}
			if s := strings.TrimSpace(b.String()); s != "" {
				parts = append(parts, "[Assistant]: "+s)
			}
		case RoleTool:
			label := "[Tool Result]"
			if strings.HasPrefix(m.Content, "Error: ") {
				label = "[Tool Error]"
			}
			parts = append(parts, fmt.Sprintf("%s %s (%s): %s", label, m.Name, m.ToolCallID, m.Content))
		}
	}
	if len(parts) == 0 {
		return "Hello"
	}
	return strings.Join(parts, "\n")
}

// callFilter separates streamed text from tool call markup. Text that might
// be the start of a call block is held back until it can be told apart.
type callFilter struct {
	held    string
	calls   strings.Builder
	inCalls bool
	sawText bool
}

func (f *callFilter) push(tok string) string {
	if f.inCalls {
		f.calls.WriteString(tok)
		return ""
	}
	buf := f.held + tok
	f.held = ""

	if i := strings.Index(buf, callOpen); i >= 0 {
		f.inCalls = true
		f.calls.WriteString(buf[i:])
		return f.release(buf[:i])
	}

	if !f.sawText {
		lead := strings.TrimLeft(buf, " \t\r\n")
		switch {
		case strings.HasPrefix(lead, callArrayPrefix):
			f.inCalls = true
			f.calls.WriteString(lead)
			return ""
		case lead == "" || strings.HasPrefix(callArrayPrefix, lead):
			f.held = buf
			return ""
		}
	}

	keep := partialSuffix(buf, callOpen)
	f.held = buf[len(buf)-keep:]
	return f.release(buf[:len(buf)-keep])
}

func (f *callFilter) release(text string) string {
	if strings.TrimSpace(text) != "" {
		f.sawText = true
	}
	return text
}

// flush returns the remaining text and the raw call markup, if any.
func (f *callFilter) flush() (text, calls string) {
	text = f.held
	f.held = ""
	if f.inCalls {
		return text, f.calls.String()
	}
	return text, ""
}

// partialSuffix returns the length of the longest suffix of s that is a
// proper prefix of marker.
func partialSuffix(s, marker string) int {
	for n := min(len(marker)-1, len(s)); n > 0; n-- {
		if strings.HasSuffix(s, marker[:n]) {
			return n
		}
	}
	return 0
}

type rawCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// parseToolCalls extracts tool calls from <function_call> blocks or a bare
// JSON array of calls.
func parseToolCalls(text string) []ToolCall {
	var raws []rawCall

	rest := text
	for {
		i := strings.Index(rest, callOpen)
		if i < 0 {
			break
		}
		rest = rest[i+len(callOpen):]
		body := rest
		if j := strings.Index(rest, callClose); j >= 0 {
			body = rest[:j]
			rest = rest[j+len(callClose):]
		} else {
			rest = ""
		}
		var rc rawCall
		if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &rc); err == nil && rc.Name != "" {
			raws = append(raws, rc)
		}
	}

	if len(raws) == 0 {
		if i := strings.Index(text, callArrayPrefix); i >= 0 {
			var arr []rawCall
			dec := json.NewDecoder(strings.NewReader(text[i:]))
			if err := dec.Decode(&arr); err == nil {
				for _, rc := range arr {
					if rc.Name != "" {
						raws = append(raws, rc)
					}
				}
			}
		}
	}

	calls := make([]ToolCall, 0, len(raws))
	for _, rc := range raws {
		calls = append(calls, ToolCall{
			ID:        "call_" + uuid.NewString()[:8],
			Name:      rc.Name,
			Arguments: rc.Arguments,
		})
	}
	return calls
}

// classifyError maps a provider failure to a ModelError by its message.
// Context errors pass through untouched.
func classifyError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return err
	}

	msg := strings.ToLower(err.Error())
	merr := &ModelError{Code: CodeProvider, Retryable: true, Err: err}
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid api key"):
		merr.Code, merr.Retryable = CodeAuth, false
	case strings.Contains(msg, "403") || strings.Contains(msg, "forbidden"):
		merr.Code, merr.Retryable = CodeAuth, false
	case strings.Contains(msg, "404") || strings.Contains(msg, "model not found"):
		merr.Code, merr.Retryable = CodeNotFound, false
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		merr.Code = CodeRateLimited
	case strings.Contains(msg, "context length") || strings.Contains(msg, "too many tokens"):
		merr.Code, merr.Retryable = CodeContextLength, false
	case strings.Contains(msg, "timeout") || errors.Is(err, context.DeadlineExceeded):
		merr.Code = CodeTimeout
	case strings.Contains(msg, "content filter") || strings.Contains(msg, "safety"):
		merr.Retryable = false
	}
	return merr
}
