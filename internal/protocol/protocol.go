package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/wagiedev/procworker-go/internal/errors"
)

// Message types exchanged over the channel.
const (
	// TypeInitialize asks the child to load its task module.
	TypeInitialize = "initialize"
	// TypeCall carries one request to the child.
	TypeCall = "call"
	// TypeMemoryUsageRequest asks the child to report its memory usage.
	TypeMemoryUsageRequest = "memory_usage_request"

	// TypeSuccess carries the result of a call.
	TypeSuccess = "success"
	// TypeClientError carries an error raised by task code.
	TypeClientError = "client_error"
	// TypeSetupError carries an error raised while loading the task module.
	TypeSetupError = "setup_error"
	// TypeCustom carries an out-of-band payload.
	TypeCustom = "custom"
	// TypeMemoryUsage carries a memory usage report.
	TypeMemoryUsage = "memory_usage"
)

// Message is implemented by every message shape.
type Message interface {
	MessageType() string
}

// Initialize is sent once after every spawn.
//
// Wire format:
//
//	{"type": "initialize", "specialize_load": false, "worker_path": "tasks/resize", "setup_args": [...]}
type Initialize struct {
	SpecializeLoad bool              `json:"specialize_load"`
	WorkerPath     string            `json:"worker_path"`
	SetupArgs      []json.RawMessage `json:"setup_args,omitempty"`
}

// Call delivers a request to the child.
//
// Wire format:
//
//	{"type": "call", "id": "01J...", "method": "resize", "args": {...}}
type Call struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// MemoryUsageRequest asks for a MemoryUsage report.
type MemoryUsageRequest struct{}

// Success answers a Call.
type Success struct {
	ID     string          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// ClientError answers a Call whose task code failed.
type ClientError struct {
	ID        string         `json:"id,omitempty"`
	ErrorType string         `json:"error_type"`
	Message   string         `json:"message"`
	Stack     string         `json:"stack,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// SetupError reports that the task module could not be initialized.
type SetupError struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
	Stack     string `json:"stack,omitempty"`
}

// Custom is an out-of-band payload emitted while a call runs.
type Custom struct {
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MemoryUsage reports the resident memory of the child in bytes.
type MemoryUsage struct {
	Bytes uint64 `json:"bytes"`
}

func (Initialize) MessageType() string         { return TypeInitialize }
func (Call) MessageType() string               { return TypeCall }
func (MemoryUsageRequest) MessageType() string { return TypeMemoryUsageRequest }
func (Success) MessageType() string            { return TypeSuccess }
func (ClientError) MessageType() string        { return TypeClientError }
func (SetupError) MessageType() string         { return TypeSetupError }
func (Custom) MessageType() string             { return TypeCustom }
func (MemoryUsage) MessageType() string        { return TypeMemoryUsage }

// NewRequestID returns a unique, time-ordered request id.
func NewRequestID() string {
	return ulid.Make().String()
}

// Encode serializes msg as a single JSON object tagged with its type.
// The result carries no trailing newline.
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}

	tag, err := json.Marshal(msg.MessageType())
	if err != nil {
		return nil, fmt.Errorf("encode type: %w", err)
	}

	var buf bytes.Buffer

	buf.Grow(len(body) + len(tag) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(tag)

	// body is always a JSON object; splice its fields after the tag
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}

	buf.WriteByte('}')

	return buf.Bytes(), nil
}

// DecodeInbound parses a message sent by the child.
func DecodeInbound(data []byte) (Message, error) {
	return decode(data, inbound)
}

// DecodeOutbound parses a message sent by the parent.
func DecodeOutbound(data []byte) (Message, error) {
	return decode(data, outbound)
}

type direction int

const (
	inbound direction = iota
	outbound
)

func decode(data []byte, dir direction) (Message, error) {
	var envelope struct {
		Type string `json:"type"`
	}

	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, &errors.ProtocolError{RawData: string(data), Err: err}
	}

	var msg Message

	switch {
	case dir == outbound && envelope.Type == TypeInitialize:
		msg = &Initialize{}
	case dir == outbound && envelope.Type == TypeCall:
		msg = &Call{}
	case dir == outbound && envelope.Type == TypeMemoryUsageRequest:
		msg = &MemoryUsageRequest{}
	case dir == inbound && envelope.Type == TypeSuccess:
		msg = &Success{}
	case dir == inbound && envelope.Type == TypeClientError:
		msg = &ClientError{}
	case dir == inbound && envelope.Type == TypeSetupError:
		msg = &SetupError{}
	case dir == inbound && envelope.Type == TypeCustom:
		msg = &Custom{}
	case dir == inbound && envelope.Type == TypeMemoryUsage:
		msg = &MemoryUsage{}
	default:
		return nil, &errors.ProtocolError{
			RawData: string(data),
			Err:     fmt.Errorf("%w: %q", errors.ErrUnknownMessageType, envelope.Type),
		}
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, &errors.ProtocolError{
			RawData: string(data),
			Err:     fmt.Errorf("decode %s: %w", envelope.Type, err),
		}
	}

	return msg, nil
}
