package protocol

import "slices"

// TurnState is the lifecycle state of a turn as observed from the channel.
type TurnState string

const (
	StateIdle                TurnState = "idle"
	StateStreaming           TurnState = "streaming"
	StateAwaitingTool        TurnState = "awaiting_tool"
	StateAwaitingInteractive TurnState = "awaiting_interactive"
	StateCompleted           TurnState = "completed"
	StateCancelled           TurnState = "cancelled"
	StateErrored             TurnState = "errored"
)

// Terminal reports whether no further turn events are accepted in s.
func (s TurnState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateErrored
}

// FragmentKind distinguishes the two kinds of turn fragments.
type FragmentKind string

const (
	FragmentText FragmentKind = "text"
	FragmentTool FragmentKind = "tool"
)

// CallStatus is the lifecycle status of a tool call.
type CallStatus string

const (
	CallRunning   CallStatus = "running"
	CallCompleted CallStatus = "completed"
	CallError     CallStatus = "error"
)

// Fragment is one entry of a turn's chronological event sequence.
type Fragment struct {
	Kind     FragmentKind
	Text     string
	CallID   string
	ToolName string
	Args     map[string]any
	Status   CallStatus
	Preview  string
	Error    string
}

// TurnView is the observer-side reconstruction of a turn.
type TurnView struct {
	State     TurnState
	Fragments []Fragment
	Pending   []string
	Checklist string
	Err       string
}

// Text returns the concatenated assistant text of the turn.
func (v TurnView) Text() string {
	var n int
	for _, f := range v.Fragments {
		n += len(f.Text)
	}
	buf := make([]byte, 0, n)
	for _, f := range v.Fragments {
		if f.Kind == FragmentText {
			buf = append(buf, f.Text...)
		}
	}
	return string(buf)
}

// Running returns the number of tool calls still running.
func (v TurnView) Running() int {
	n := 0
	for _, f := range v.Fragments {
		if f.Kind == FragmentTool && f.Status == CallRunning {
			n++
		}
	}
	return n
}

// Reduce applies one outbound event to v and returns the resulting view.
// v is not modified.
//
//nolint:gocyclo // One case per message type.
func Reduce(v TurnView, msg Outbound) TurnView {
	switch m := msg.(type) {
	case StreamStart:
		return TurnView{State: StateStreaming, Checklist: v.Checklist}
	case ChecklistUpdate:
		v.Checklist = m.Content
		return v
	case Ping, Pong:
		return v
	}

	if !v.active() {
		if e, ok := msg.(Error); ok && v.State == StateIdle && e.EndsTurn() {
			v.Err = e.Error
		}
		return v
	}

	switch m := msg.(type) {
	case Content:
		v.Fragments = appendText(v.Fragments, m.Content)
	case ToolCallStart:
		v.Fragments = append(slices.Clone(v.Fragments), Fragment{
			Kind:     FragmentTool,
			CallID:   m.CallID,
			ToolName: m.ToolName,
			Args:     m.Args,
			Status:   CallRunning,
		})
	case ProgressUpdate:
		v.Fragments = updateCall(v.Fragments, m.CallID, func(f *Fragment) {
			if m.Message != "" {
				f.Preview = m.Message
			}
		})
	case ToolCallEnd:
		v.Fragments = updateCall(v.Fragments, m.CallID, func(f *Fragment) {
			f.Status = CallCompleted
			f.Preview = m.ResultPreview
		})
	case ToolCallError:
		if m.CallID == "" {
			v.Fragments = append(slices.Clone(v.Fragments), Fragment{
				Kind:     FragmentTool,
				ToolName: m.ToolName,
				Status:   CallError,
				Error:    m.Error,
			})
		} else {
			v.Fragments = updateCall(v.Fragments, m.CallID, func(f *Fragment) {
				f.Status = CallError
				f.Error = m.Error
			})
		}
	case ConfirmRequest:
		v.Pending = append(slices.Clone(v.Pending), m.RequestID)
	case ChoiceRequest:
		v.Pending = append(slices.Clone(v.Pending), m.RequestID)
	case StreamEnd:
		v.State = StateCompleted
		v.Pending = nil
		return v
	case StreamCancelled:
		v.State = StateCancelled
		v.Pending = nil
		return v
	case Error:
		if m.RequestID != "" {
			v.Pending = removeID(v.Pending, m.RequestID)
		}
		if m.EndsTurn() {
			v.State = StateErrored
			v.Err = m.Error
			v.Pending = nil
			return v
		}
	}
	v.State = v.derive()
	return v
}

// ReduceInbound applies a client message observed on the channel. Only
// interactive responses to pending requests change the view.
func ReduceInbound(v TurnView, msg Inbound) TurnView {
	resp, ok := msg.(InteractiveResponse)
	if !ok || !v.active() || !slices.Contains(v.Pending, resp.RequestID) {
		return v
	}
	v.Pending = removeID(v.Pending, resp.RequestID)
	v.State = v.derive()
	return v
}

func (v TurnView) active() bool {
	return v.State != StateIdle && v.State != "" && !v.State.Terminal()
}

func (v TurnView) derive() TurnState {
	switch {
	case len(v.Pending) > 0:
		return StateAwaitingInteractive
	case v.Running() > 0:
		return StateAwaitingTool
	default:
		return StateStreaming
	}
}

func appendText(frags []Fragment, text string) []Fragment {
	out := slices.Clone(frags)
	if n := len(out); n > 0 && out[n-1].Kind == FragmentText {
		out[n-1].Text += text
		return out
	}
	return append(out, Fragment{Kind: FragmentText, Text: text})
}

func updateCall(frags []Fragment, callID string, fn func(*Fragment)) []Fragment {
	for i := len(frags) - 1; i >= 0; i-- {
		if frags[i].Kind == FragmentTool && frags[i].CallID == callID && callID != "" {
			if frags[i].Status != CallRunning {
				return frags
			}
			out := slices.Clone(frags)
			fn(&out[i])
			return out
		}
	}
	return frags
}

func removeID(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
