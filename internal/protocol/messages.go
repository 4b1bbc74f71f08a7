// Package protocol defines the messages exchanged over a session channel.
//
// Each direction is a closed set: Outbound messages are only ever produced by
// the server and Inbound messages only ever produced by the client. Both are
// JSON objects discriminated by their "type" field.
package protocol

// Type is the wire discriminator of a message.
type Type string

// Outbound message types.
const (
	TypeStreamStart     Type = "stream_start"
	TypeContent         Type = "content"
	TypeStreamEnd       Type = "stream_end"
	TypeStreamCancelled Type = "stream_cancelled"
	TypeToolCallStart   Type = "tool_call_start"
	TypeToolCallEnd     Type = "tool_call_end"
	TypeToolCallError   Type = "tool_call_error"
	TypeProgressUpdate  Type = "progress_update"
	TypeChecklistUpdate Type = "checklist_update"
	TypeConfirmRequest  Type = "confirm_request"
	TypeChoiceRequest   Type = "choice_request"
	TypeError           Type = "error"
	TypePing            Type = "ping"
	TypePong            Type = "pong"
)

// Inbound-only message types.
const (
	TypeChat                Type = "chat"
	TypeCancel              Type = "cancel"
	TypeInteractiveResponse Type = "interactive_response"
)

// Error codes carried by Error messages.
const (
	CodeModel              = "model_error"
	CodeTransport          = "transport_error"
	CodeInternal           = "internal_error"
	CodeTurnActive         = "turn_active"
	CodeBadMessage         = "bad_message"
	CodeInteractiveTimeout = "interactive_timeout"
)

// Outbound is a server-to-client message.
type Outbound interface {
	OutboundType() Type
	outbound()
}

// Inbound is a client-to-server message.
type Inbound interface {
	InboundType() Type
	inbound()
}

// StreamStart opens a turn.
type StreamStart struct{}

// Content is one fragment of assistant text.
type Content struct {
	Content string `json:"content"`
}

// StreamEnd closes a turn that completed normally.
type StreamEnd struct{}

// StreamCancelled closes a turn that was cancelled by the user.
type StreamCancelled struct{}

// ToolCallStart announces a dispatched tool call.
type ToolCallStart struct {
	CallID   string         `json:"call_id"`
	ToolName string         `json:"name"`
	Args     map[string]any `json:"args,omitempty"`
}

// ToolCallEnd reports a successful tool call.
type ToolCallEnd struct {
	CallID        string `json:"call_id"`
	ToolName      string `json:"name"`
	ResultPreview string `json:"result_preview"`
}

// ToolCallError reports a failed tool call. CallID is empty when the tool
// could not be resolved and no call was created.
type ToolCallError struct {
	CallID   string `json:"call_id,omitempty"`
	ToolName string `json:"name"`
	Error    string `json:"error"`
}

// ProgressUpdate carries interim progress of the current progress target.
type ProgressUpdate struct {
	CallID   string   `json:"call_id,omitempty"`
	Progress float64  `json:"progress"`
	Total    *float64 `json:"total,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// ChecklistUpdate carries the full rendered checklist.
type ChecklistUpdate struct {
	Content string `json:"content"`
}

// ConfirmRequest asks the user a yes/no question.
type ConfirmRequest struct {
	RequestID string `json:"request_id"`
	Question  string `json:"question"`
	Default   bool   `json:"default"`
}

// ChoiceRequest asks the user to pick one of several options.
type ChoiceRequest struct {
	RequestID string   `json:"request_id"`
	Title     string   `json:"title"`
	Choices   []string `json:"choices"`
}

// Error reports a failure. RequestID is set when the error concerns a
// pending interactive request.
type Error struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// EndsTurn reports whether the error terminates the active turn.
func (e Error) EndsTurn() bool {
	switch e.Code {
	case CodeTurnActive, CodeBadMessage, CodeInteractiveTimeout:
		return false
	}
	return true
}

// Ping is a keepalive probe. It is valid in both directions.
type Ping struct{}

// Pong answers a Ping.
type Pong struct{}

// Chat is a human message that starts a turn.
type Chat struct {
	Content string `json:"content"`
	Silent  bool   `json:"silent,omitempty"`
}

// Cancel asks the server to cancel the active turn.
type Cancel struct{}

// InteractiveResponse answers a ConfirmRequest or ChoiceRequest. Exactly one
// of Confirmed and Choice is set.
type InteractiveResponse struct {
	RequestID string  `json:"request_id"`
	Confirmed *bool   `json:"confirmed,omitempty"`
	Choice    *string `json:"choice,omitempty"`
}

func (StreamStart) OutboundType() Type     { return TypeStreamStart }
func (Content) OutboundType() Type         { return TypeContent }
func (StreamEnd) OutboundType() Type       { return TypeStreamEnd }
func (StreamCancelled) OutboundType() Type { return TypeStreamCancelled }
func (ToolCallStart) OutboundType() Type   { return TypeToolCallStart }
func (ToolCallEnd) OutboundType() Type     { return TypeToolCallEnd }
func (ToolCallError) OutboundType() Type   { return TypeToolCallError }
func (ProgressUpdate) OutboundType() Type  { return TypeProgressUpdate }
func (ChecklistUpdate) OutboundType() Type { return TypeChecklistUpdate }
func (ConfirmRequest) OutboundType() Type  { return TypeConfirmRequest }
func (ChoiceRequest) OutboundType() Type   { return TypeChoiceRequest }
func (Error) OutboundType() Type           { return TypeError }
func (Ping) OutboundType() Type            { return TypePing }
func (Pong) OutboundType() Type            { return TypePong }

func (StreamStart) outbound()     {}
func (Content) outbound()         {}
func (StreamEnd) outbound()       {}
func (StreamCancelled) outbound() {}
func (ToolCallStart) outbound()   {}
func (ToolCallEnd) outbound()     {}
func (ToolCallError) outbound()   {}
func (ProgressUpdate) outbound()  {}
func (ChecklistUpdate) outbound() {}
func (ConfirmRequest) outbound()  {}
func (ChoiceRequest) outbound()   {}
func (Error) outbound()           {}
func (Ping) outbound()            {}
func (Pong) outbound()            {}

func (Chat) InboundType() Type                { return TypeChat }
func (Cancel) InboundType() Type              { return TypeCancel }
func (Ping) InboundType() Type                { return TypePing }
func (InteractiveResponse) InboundType() Type { return TypeInteractiveResponse }

func (Chat) inbound()                {}
func (Cancel) inbound()              {}
func (Ping) inbound()                {}
func (InteractiveResponse) inbound() {}
