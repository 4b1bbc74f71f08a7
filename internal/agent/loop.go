package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/ragops-web/internal/protocol"
	"github.com/ashureev/ragops-web/internal/tools"
)

const recordTimeout = 5 * time.Second

// Sink receives a session's outbound events. It must not block.
type Sink func(protocol.Outbound)

// Recorder persists the visible transcript of a session.
type Recorder interface {
	RecordMessage(ctx context.Context, sessionID string, role Role, content string) error
}

// LoopOptions wires a Loop to its collaborators.
type LoopOptions struct {
	SessionID string
	OwnerID   string
	Model     ModelClient
	Tools     *tools.Registry
	Sink      Sink
	Recorder  Recorder
	ConvLog   ConversationLogger
	History   *History
	Config    Config
	Logger    *slog.Logger
}

// Loop runs the turns of one session, one at a time.
type Loop struct {
	opts    LoopOptions
	history *History
	logger  *slog.Logger

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu     sync.Mutex
	seq    int
	turn   *Turn
	cancel context.CancelCauseFunc
	closed bool
}

type outcome struct {
	state protocol.TurnState
	err   error
}

// NewLoop creates an idle loop.
func NewLoop(opts LoopOptions) *Loop {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ConvLog == nil {
		opts.ConvLog = noopConversationLogger{}
	}
	if opts.Tools == nil {
		opts.Tools = tools.NewRegistry()
	}
	if opts.History == nil {
		opts.History = NewHistory()
	}
	def := DefaultConfig()
	if opts.Config.MaxToolRounds <= 0 {
		opts.Config.MaxToolRounds = def.MaxToolRounds
	}
	if opts.Config.PreviewChars <= 0 {
		opts.Config.PreviewChars = def.PreviewChars
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Loop{
		opts:    opts,
		history: opts.History,
		logger:  opts.Logger.With("session_id", opts.SessionID),
		ctx:     ctx,
		stop:    stop,
	}
}

// StartTurn begins a turn for a human message. It fails with ErrTurnActive,
// without side effects, while another turn is running.
func (l *Loop) StartTurn(content string, silent bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if l.turn != nil && !l.turn.State().Terminal() {
		return ErrTurnActive
	}

	l.seq++
	turn := newTurn(l.seq, content, silent)
	ctx, cancel := context.WithCancelCause(l.ctx)
	l.turn = turn
	l.cancel = cancel

	turn.record(protocol.StreamStart{}, l.opts.Sink)

	emit := func(msg protocol.Outbound) { turn.record(msg, l.opts.Sink) }
	d := tools.NewDispatcher(l.opts.Tools, emit,
		tools.WithPreviewChars(l.opts.Config.PreviewChars),
		tools.WithDispatcherLogger(l.logger),
	)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer cancel(nil)
		res := l.drive(ctx, turn, d)
		l.finish(turn, res)
		// Tools that outlive a cancel still count as part of the turn.
		d.Wait()
	}()
	return nil
}

// Cancel asks the active turn to stop. It reports false when no turn is
// active.
func (l *Loop) Cancel() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.turn == nil || l.turn.State().Terminal() || l.cancel == nil {
		return false
	}
	l.logger.Info("Cancelling turn", "turn", l.turn.ID)
	l.cancel(errTurnCancelled)
	return true
}

// State returns the state of the active turn, or idle.
func (l *Loop) State() protocol.TurnState {
	l.mu.Lock()
	turn := l.turn
	l.mu.Unlock()

	if turn == nil {
		return protocol.StateIdle
	}
	if s := turn.State(); !s.Terminal() {
		return s
	}
	return protocol.StateIdle
}

// Active reports whether a turn is running.
func (l *Loop) Active() bool {
	return l.State() != protocol.StateIdle
}

// LastTurn returns the active or most recent turn, or nil.
func (l *Loop) LastTurn() *Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.turn
}

// History returns the model-facing history.
func (l *Loop) History() *History {
	return l.history
}

// Emit sends an event raised on behalf of the active turn, such as an
// interactive request. Without an active turn it goes straight to the sink.
func (l *Loop) Emit(msg protocol.Outbound) {
	l.mu.Lock()
	turn := l.turn
	l.mu.Unlock()

	if turn != nil && !turn.State().Terminal() {
		if turn.record(msg, l.opts.Sink) {
			return
		}
		l.logger.Debug("Dropping event for finished turn", "type", msg.OutboundType())
		return
	}
	l.opts.Sink(msg)
}

// Resolved records that an interactive request of the active turn was
// answered.
func (l *Loop) Resolved(requestID string) {
	l.mu.Lock()
	turn := l.turn
	l.mu.Unlock()
	if turn != nil {
		turn.resolved(requestID)
	}
}

// Close cancels any active turn and rejects new ones. Use Wait to block until
// the turn goroutine has exited.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	l.stop()
}

// Wait blocks until no turn goroutine or tool invocation is running.
func (l *Loop) Wait() {
	l.wg.Wait()
}

func (l *Loop) drive(ctx context.Context, turn *Turn, d *tools.Dispatcher) outcome {
	l.history.Append(Message{Role: RoleUser, Content: turn.Input})
	l.logConversation("outbound", EventUserMessage, turn.Input, map[string]any{"silent": turn.Silent, "turn": turn.ID})
	if !turn.Silent {
		l.record(RoleUser, turn.Input)
	}

	emit := func(msg protocol.Outbound) { turn.record(msg, l.opts.Sink) }
	summarizer, _ := l.opts.Model.(Summarizer)

	for round := 0; round < l.opts.Config.MaxToolRounds; round++ {
		l.history.Compact(ctx, l.opts.Config.HistoryTokenThreshold, summarizer, l.logger)

		req := ModelRequest{
			System:   l.opts.Config.SystemPrompt,
			Messages: l.history.Messages(),
			Tools:    l.opts.Tools.Definitions(),
		}

		text, calls, err := l.stream(ctx, req, emit)
		if ctx.Err() != nil {
			l.keepPartial(text)
			return outcome{state: protocol.StateCancelled, err: context.Cause(ctx)}
		}
		if err != nil {
			l.keepPartial(text)
			return outcome{state: protocol.StateErrored, err: err}
		}

		l.history.Append(Message{Role: RoleAssistant, Content: text, ToolCalls: calls})
		if len(calls) == 0 {
			return outcome{state: protocol.StateCompleted}
		}

		results := l.dispatch(ctx, turn, d, calls)
		if ctx.Err() != nil {
			return outcome{state: protocol.StateCancelled, err: context.Cause(ctx)}
		}
		for i, res := range results {
			l.history.Append(Message{
				Role:       RoleTool,
				Name:       res.Name,
				ToolCallID: calls[i].ID,
				Content:    res.Content(),
			})
		}
	}

	l.logger.Warn("Turn reached the tool round limit", "turn", turn.ID, "max_rounds", l.opts.Config.MaxToolRounds)
	return outcome{state: protocol.StateCompleted}
}

// stream runs one model round, forwarding text as it arrives.
func (l *Loop) stream(ctx context.Context, req ModelRequest, emit func(protocol.Outbound)) (string, []ToolCall, error) {
	var text []byte
	var calls []ToolCall
	for ev, err := range l.opts.Model.Stream(ctx, req) {
		if err != nil {
			return string(text), calls, err
		}
		if ctx.Err() != nil {
			break
		}
		switch ev.Kind {
		case EventText:
			if ev.Text == "" {
				continue
			}
			text = append(text, ev.Text...)
			emit(protocol.Content{Content: ev.Text})
		case EventToolCalls:
			calls = append(calls, ev.ToolCalls...)
		}
	}
	return string(text), calls, nil
}

// dispatch runs one round of tool calls. d is shared by every round of the
// turn so call ids never repeat within it.
func (l *Loop) dispatch(ctx context.Context, turn *Turn, d *tools.Dispatcher, calls []ToolCall) []tools.Result {
	reqs := make([]tools.Request, 0, len(calls))
	for _, call := range calls {
		args, err := tools.ParseArguments(call.Arguments)
		if err != nil {
			l.logger.Warn("Failed to parse tool arguments", "tool", call.Name, "error", err)
			args = map[string]any{}
		}
		reqs = append(reqs, tools.Request{Name: call.Name, Args: args})
	}

	before := len(d.Calls())
	results := d.Dispatch(ctx, reqs)

	for _, call := range d.Calls()[before:] {
		meta := map[string]any{"call_id": call.ID, "status": call.Status, "turn": turn.ID}
		if call.Err != nil {
			meta["error"] = call.Err.Error()
		}
		l.logConversation("inbound", EventToolCall, call.Preview, meta)
	}
	return results
}

// keepPartial stores assistant text streamed before a turn was cut short so
// the model sees it next time.
func (l *Loop) keepPartial(text string) {
	if text != "" {
		l.history.Append(Message{Role: RoleAssistant, Content: text})
	}
}

// finish persists the assistant message before the terminal event, since
// that event lets the next turn start and record its own messages.
func (l *Loop) finish(turn *Turn, res outcome) {
	content := turn.Content()
	meta := map[string]any{
		"turn":        turn.ID,
		"state":       res.state,
		"partial":     res.state != protocol.StateCompleted,
		"duration_ms": turn.Duration().Milliseconds(),
	}
	if res.err != nil {
		meta["stream_error"] = res.err.Error()
	}
	l.logConversation("inbound", EventAssistantMessage, content, meta)

	if !turn.Silent && content != "" {
		l.record(RoleAssistant, content)
	}

	emit := func(msg protocol.Outbound) { turn.record(msg, l.opts.Sink) }
	switch res.state {
	case protocol.StateCompleted:
		emit(protocol.StreamEnd{})
	case protocol.StateCancelled:
		emit(protocol.StreamCancelled{})
	default:
		code := protocol.CodeModel
		var merr *ModelError
		if errors.As(res.err, &merr) && merr.Code != "" {
			code = merr.Code
		}
		l.logger.Error("Turn failed", "turn", turn.ID, "error", res.err)
		emit(protocol.Error{Error: res.err.Error(), Code: code})
	}
	l.logger.Info("Turn finished", "turn", turn.ID, "state", res.state, "duration", turn.Duration())
}

func (l *Loop) record(role Role, content string) {
	if l.opts.Recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := l.opts.Recorder.RecordMessage(ctx, l.opts.SessionID, role, content); err != nil {
		l.logger.Warn("Failed to record transcript message", "role", role, "error", err)
	}
}

func (l *Loop) logConversation(direction, eventType, content string, meta map[string]any) {
	l.opts.ConvLog.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		OwnerID:    l.opts.OwnerID,
		SessionID:  l.opts.SessionID,
		Channel:    "websocket",
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Meta:       meta,
	})
}
