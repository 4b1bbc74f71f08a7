package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	// ErrUnknownType is returned when a message carries an unrecognised discriminator.
	ErrUnknownType = errors.New("unknown message type")
	// ErrMalformed is returned for invalid JSON or missing required fields.
	ErrMalformed = errors.New("malformed message")
)

// now is replaced in tests.
var now = time.Now

type envelope struct {
	Type Type `json:"type"`
}

// Encode serialises an outbound message with its discriminator and a
// millisecond timestamp.
func Encode(msg Outbound) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformed)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.OutboundType(), err)
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + 48)
	buf.WriteString(`{"type":`)
	buf.WriteString(strconv.Quote(string(msg.OutboundType())))
	buf.WriteString(`,"timestamp":`)
	buf.WriteString(strconv.FormatInt(now().UnixMilli(), 10))
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// DecodeInbound parses a client message.
func DecodeInbound(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case TypeChat:
		var m Chat
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if m.Content == "" {
			return nil, fmt.Errorf("%w: chat requires content", ErrMalformed)
		}
		return m, nil
	case TypeCancel:
		return Cancel{}, nil
	case TypePing:
		return Ping{}, nil
	case TypeInteractiveResponse:
		var m InteractiveResponse
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if m.RequestID == "" {
			return nil, fmt.Errorf("%w: interactive_response requires request_id", ErrMalformed)
		}
		if (m.Confirmed == nil) == (m.Choice == nil) {
			return nil, fmt.Errorf("%w: interactive_response requires exactly one of confirmed or choice", ErrMalformed)
		}
		return m, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// DecodeOutbound parses a server message. It is the client side of Encode.
func DecodeOutbound(data []byte) (Outbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var msg Outbound
	switch env.Type {
	case TypeStreamStart:
		return StreamStart{}, nil
	case TypeStreamEnd:
		return StreamEnd{}, nil
	case TypeStreamCancelled:
		return StreamCancelled{}, nil
	case TypePing:
		return Ping{}, nil
	case TypePong:
		return Pong{}, nil
	case TypeContent:
		msg = decodeAs[Content](data)
	case TypeToolCallStart:
		msg = decodeAs[ToolCallStart](data)
	case TypeToolCallEnd:
		msg = decodeAs[ToolCallEnd](data)
	case TypeToolCallError:
		msg = decodeAs[ToolCallError](data)
	case TypeProgressUpdate:
		msg = decodeAs[ProgressUpdate](data)
	case TypeChecklistUpdate:
		msg = decodeAs[ChecklistUpdate](data)
	case TypeConfirmRequest:
		msg = decodeAs[ConfirmRequest](data)
	case TypeChoiceRequest:
		msg = decodeAs[ChoiceRequest](data)
	case TypeError:
		msg = decodeAs[Error](data)
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: invalid %s payload", ErrMalformed, env.Type)
	}
	return msg, nil
}

func decodeAs[T Outbound](data []byte) Outbound {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil
	}
	return v
}
