package agent

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/ragops-web/internal/protocol"
)

type fragment struct {
	kind protocol.FragmentKind
	text strings.Builder
	call protocol.Fragment
}

// Turn is the server-side record of one human message's round trip. It is
// built from the same events observers receive, so its state always matches
// what protocol.Reduce derives from the channel.
type Turn struct {
	ID        int
	Input     string
	Silent    bool
	StartedAt time.Time

	mu        sync.Mutex
	state     protocol.TurnState
	fragments []*fragment
	calls     map[string]*fragment
	content   strings.Builder
	pending   []string
	err       string
	endedAt   time.Time
}

func newTurn(id int, input string, silent bool) *Turn {
	return &Turn{
		ID:        id,
		Input:     input,
		Silent:    silent,
		StartedAt: time.Now(),
		state:     protocol.StateIdle,
		calls:     make(map[string]*fragment),
	}
}

// record applies msg and forwards it with send while holding the turn lock,
// so events of one turn reach the channel in the order they were recorded.
// Events arriving after the turn ended are dropped and record reports false.
func (t *Turn) record(msg protocol.Outbound, send func(protocol.Outbound)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.apply(msg) {
		return false
	}
	send(msg)
	return true
}

//nolint:gocyclo // One case per message type.
func (t *Turn) apply(msg protocol.Outbound) bool {
	if _, ok := msg.(protocol.StreamStart); ok {
		if t.state != protocol.StateIdle {
			return false
		}
		t.state = protocol.StateStreaming
		return true
	}
	if t.state == protocol.StateIdle || t.state.Terminal() {
		return false
	}

	switch m := msg.(type) {
	case protocol.Content:
		if n := len(t.fragments); n == 0 || t.fragments[n-1].kind != protocol.FragmentText {
			t.fragments = append(t.fragments, &fragment{kind: protocol.FragmentText})
		}
		t.fragments[len(t.fragments)-1].text.WriteString(m.Content)
		t.content.WriteString(m.Content)
	case protocol.ToolCallStart:
		f := &fragment{kind: protocol.FragmentTool, call: protocol.Fragment{
			Kind:     protocol.FragmentTool,
			CallID:   m.CallID,
			ToolName: m.ToolName,
			Args:     m.Args,
			Status:   protocol.CallRunning,
		}}
		t.fragments = append(t.fragments, f)
		t.calls[m.CallID] = f
	case protocol.ProgressUpdate:
		if f := t.runningCall(m.CallID); f != nil && m.Message != "" {
			f.call.Preview = m.Message
		}
	case protocol.ToolCallEnd:
		if f := t.runningCall(m.CallID); f != nil {
			f.call.Status = protocol.CallCompleted
			f.call.Preview = m.ResultPreview
		}
	case protocol.ToolCallError:
		if m.CallID == "" {
			t.fragments = append(t.fragments, &fragment{kind: protocol.FragmentTool, call: protocol.Fragment{
				Kind:     protocol.FragmentTool,
				ToolName: m.ToolName,
				Status:   protocol.CallError,
				Error:    m.Error,
			}})
		} else if f := t.runningCall(m.CallID); f != nil {
			f.call.Status = protocol.CallError
			f.call.Error = m.Error
		}
	case protocol.ConfirmRequest:
		t.pending = append(t.pending, m.RequestID)
	case protocol.ChoiceRequest:
		t.pending = append(t.pending, m.RequestID)
	case protocol.StreamEnd:
		t.end(protocol.StateCompleted)
		return true
	case protocol.StreamCancelled:
		t.end(protocol.StateCancelled)
		return true
	case protocol.Error:
		if m.RequestID != "" {
			t.pending = slices.DeleteFunc(t.pending, func(id string) bool { return id == m.RequestID })
		}
		if m.EndsTurn() {
			t.err = m.Error
			t.end(protocol.StateErrored)
			return true
		}
	}
	t.state = t.derive()
	return true
}

func (t *Turn) runningCall(id string) *fragment {
	f, ok := t.calls[id]
	if !ok || f.call.Status != protocol.CallRunning {
		return nil
	}
	return f
}

func (t *Turn) end(state protocol.TurnState) {
	t.state = state
	t.pending = nil
	t.endedAt = time.Now()
}

func (t *Turn) derive() protocol.TurnState {
	if len(t.pending) > 0 {
		return protocol.StateAwaitingInteractive
	}
	for _, f := range t.calls {
		if f.call.Status == protocol.CallRunning {
			return protocol.StateAwaitingTool
		}
	}
	return protocol.StateStreaming
}

// resolved clears a pending interactive request after its answer arrived.
func (t *Turn) resolved(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == protocol.StateIdle || t.state.Terminal() {
		return
	}
	t.pending = slices.DeleteFunc(t.pending, func(id string) bool { return id == requestID })
	t.state = t.derive()
}

// State returns the current lifecycle state.
func (t *Turn) State() protocol.TurnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Content returns the assistant text accumulated so far.
func (t *Turn) Content() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.content.String()
}

// View returns a snapshot in the observer representation.
func (t *Turn) View() protocol.TurnView {
	t.mu.Lock()
	defer t.mu.Unlock()

	v := protocol.TurnView{
		State:   t.state,
		Pending: slices.Clone(t.pending),
		Err:     t.err,
	}
	for _, f := range t.fragments {
		if f.kind == protocol.FragmentText {
			v.Fragments = append(v.Fragments, protocol.Fragment{Kind: protocol.FragmentText, Text: f.text.String()})
			continue
		}
		v.Fragments = append(v.Fragments, f.call)
	}
	return v
}

// Duration returns how long the turn ran, or has been running.
func (t *Turn) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.endedAt.IsZero() {
		return time.Since(t.StartedAt)
	}
	return t.endedAt.Sub(t.StartedAt)
}
