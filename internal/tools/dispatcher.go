package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"

	"github.com/ashureev/ragops-web/internal/protocol"
)

// Request is one tool invocation asked for by the model.
type Request struct {
	Name string
	Args map[string]any
}

// Result is the outcome of one Request, in request order. CallID is empty
// when the tool did not resolve and no call was created.
type Result struct {
	CallID string
	Name   string
	Output string
	Err    error
}

// Content returns the text handed back to the model.
func (r Result) Content() string {
	if r.Err != nil {
		return "Error: " + r.Err.Error()
	}
	return r.Output
}

// Call tracks one dispatched tool call.
type Call struct {
	ID      string
	Name    string
	Args    map[string]any
	Status  protocol.CallStatus
	Preview string
	Output  string
	Err     error
	// Late is set when the call finished after its turn stopped forwarding.
	Late bool
}

// Dispatcher runs the tool calls of one turn, across all of its rounds. Call
// ids are unique within the dispatcher. Events are passed to emit, which must
// not block.
type Dispatcher struct {
	registry     *Registry
	emit         func(protocol.Outbound)
	previewChars int
	logger       *slog.Logger

	// inflight counts invocations across rounds, including ones left
	// running after a cancel.
	inflight sync.WaitGroup

	mu      sync.Mutex
	seq     int
	calls   map[string]*Call
	order   []string
	running []string
	muted   bool
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithPreviewChars sets the result preview length.
func WithPreviewChars(n int) DispatcherOption {
	return func(d *Dispatcher) { d.previewChars = n }
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a dispatcher for one turn.
func NewDispatcher(registry *Registry, emit func(protocol.Outbound), opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry:     registry,
		emit:         emit,
		previewChars: DefaultPreviewChars,
		logger:       slog.Default(),
		calls:        make(map[string]*Call),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch starts every request concurrently and returns once all of them are
// terminal, or ctx is done. After ctx is done the dispatcher stops
// forwarding events; calls still running keep their results for the record.
func (d *Dispatcher) Dispatch(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, len(reqs))
	var wg sync.WaitGroup

	for i, req := range reqs {
		results[i].Name = req.Name

		tool, err := d.registry.Lookup(req.Name)
		if err != nil {
			d.logger.Warn("Model requested unknown tool", "tool", req.Name)
			results[i].Err = err
			d.send(protocol.ToolCallError{ToolName: req.Name, Error: err.Error()})
			continue
		}

		call := d.start(req)
		results[i].CallID = call.ID

		wg.Add(1)
		d.inflight.Add(1)
		go func(i int, call *Call) {
			defer d.inflight.Done()
			defer wg.Done()
			output, err := invokeSafely(ctx, tool.Invoker, call.Name, call.Args, d.progress)
			d.finish(call.ID, output, err)
		}(i, call)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		d.Mute()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range results {
		if results[i].CallID == "" {
			continue
		}
		call := d.calls[results[i].CallID]
		switch call.Status {
		case protocol.CallRunning:
			results[i].Err = fmt.Errorf("tool %s interrupted: %w", call.Name, context.Cause(ctx))
		default:
			results[i].Output = call.Output
			results[i].Err = call.Err
		}
	}
	return results
}

func invokeSafely(ctx context.Context, inv Invoker, name string, args map[string]any, report ProgressFunc) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", name, r)
		}
	}()
	return inv.Invoke(ctx, name, args, report)
}

func (d *Dispatcher) start(req Request) *Call {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seq++
	call := &Call{
		ID:     "call_" + strconv.Itoa(d.seq),
		Name:   req.Name,
		Args:   req.Args,
		Status: protocol.CallRunning,
	}
	d.calls[call.ID] = call
	d.order = append(d.order, call.ID)
	d.running = append(d.running, call.ID)

	d.logger.Debug("Tool call started", "call_id", call.ID, "tool", call.Name)
	d.sendLocked(protocol.ToolCallStart{CallID: call.ID, ToolName: call.Name, Args: call.Args})
	return call
}

// progress attributes a report to the most recently started running call.
func (d *Dispatcher) progress(p Progress) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.running) == 0 {
		return
	}
	call := d.calls[d.running[len(d.running)-1]]
	if p.Message != "" {
		call.Preview = p.Message
	}
	d.sendLocked(protocol.ProgressUpdate{
		CallID:   call.ID,
		Progress: p.Progress,
		Total:    p.Total,
		Message:  p.Message,
	})
}

func (d *Dispatcher) finish(id, output string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	call := d.calls[id]
	if call.Status != protocol.CallRunning {
		return
	}
	if i := slices.Index(d.running, id); i >= 0 {
		d.running = slices.Delete(d.running, i, i+1)
	}
	call.Output = output
	call.Late = d.muted

	if err != nil {
		call.Status = protocol.CallError
		call.Err = err
		call.Preview = err.Error()
		if !errors.Is(err, context.Canceled) || !d.muted {
			d.logger.Warn("Tool call failed", "call_id", id, "tool", call.Name, "error", err)
		}
		d.sendLocked(protocol.ToolCallError{CallID: id, ToolName: call.Name, Error: err.Error()})
		return
	}

	call.Status = protocol.CallCompleted
	call.Preview = Preview(output, d.previewChars)
	d.logger.Debug("Tool call completed", "call_id", id, "tool", call.Name, "output_len", len(output))
	d.sendLocked(protocol.ToolCallEnd{CallID: id, ToolName: call.Name, ResultPreview: call.Preview})
}

// Wait blocks until every invocation started by the dispatcher has returned,
// including those still running when Dispatch gave up on a cancelled ctx.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

// Mute stops all further event forwarding. Results are still recorded.
func (d *Dispatcher) Mute() {
	d.mu.Lock()
	d.muted = true
	d.mu.Unlock()
}

// Calls returns copies of all calls in start order.
func (d *Dispatcher) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Call, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, *d.calls[id])
	}
	return out
}

func (d *Dispatcher) send(msg protocol.Outbound) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sendLocked(msg)
}

func (d *Dispatcher) sendLocked(msg protocol.Outbound) {
	if d.muted {
		return
	}
	d.emit(msg)
}
