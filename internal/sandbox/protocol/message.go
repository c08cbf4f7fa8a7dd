package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// Type tags a protocol message.
type Type string

const (
	TypeInit        Type = "init"
	TypeReady       Type = "ready"
	TypeError       Type = "error"
	TypeDataUpdate  Type = "data-update"
	TypeAPIRequest  Type = "api-request"
	TypeAPIResponse Type = "api-response"
	TypeEvent       Type = "event"
)

// Source identifies which side of the boundary sent a message.
type Source string

const (
	SourceHost    Source = "host"
	SourceSandbox Source = "sandbox"
)

// ErrUnknownType marks a message whose type is absent or unrecognized.
// Callers drop such messages; they never crash the bridge.
var ErrUnknownType = errors.New("unknown message type")

var knownTypes = map[Type]struct{}{
	TypeInit:        {},
	TypeReady:       {},
	TypeError:       {},
	TypeDataUpdate:  {},
	TypeAPIRequest:  {},
	TypeAPIResponse: {},
	TypeEvent:       {},
}

// Message is the wire envelope exchanged between host and sandbox.
type Message struct {
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Source    Source          `json:"source,omitempty"`
}

// InitPayload carries the initial data snapshot to the sandbox.
type InitPayload struct {
	AppID string          `json:"appId"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ErrorPayload carries an uncaught sandbox exception.
type ErrorPayload struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// DataUpdatePayload announces the sandbox's authoritative in-memory copy
// changed. Fire-and-forget; never acknowledged.
type DataUpdatePayload struct {
	Data json.RawMessage `json:"data"`
}

// APIRequestPayload asks the host for a data operation. The sandbox mints
// the request ID; it must be unique per in-flight request.
type APIRequestPayload struct {
	RequestID string          `json:"requestId"`
	Method    string          `json:"method"`
	Endpoint  string          `json:"endpoint"`
	Body      json.RawMessage `json:"body,omitempty"`
}

// APIResponsePayload answers one APIRequestPayload.
type APIResponsePayload struct {
	RequestID string          `json:"requestId"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// EventPayload forwards sandbox telemetry: console output, network
// request/response pairs, lifecycle markers.
type EventPayload struct {
	Kind       string `json:"kind"` // console, network, lifecycle
	Level      string `json:"level,omitempty"`
	Message    string `json:"message,omitempty"`
	URL        string `json:"url,omitempty"`
	Method     string `json:"method,omitempty"`
	Status     int    `json:"status,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

// New builds a message with the given payload, stamped now.
func New(t Type, source Source, payload any) (Message, error) {
	msg := Message{
		Type:      t,
		Timestamp: time.Now().UnixMilli(),
		Source:    source,
	}
	if payload != nil {
		raw, err := sonic.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("encode payload: %w", err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// Encode serializes a message for the transport.
func Encode(msg Message) ([]byte, error) {
	return sonic.Marshal(msg)
}

// Decode parses and validates one inbound message. A missing or
// unrecognized type yields ErrUnknownType.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("malformed message: %w", err)
	}
	if _, ok := knownTypes[msg.Type]; !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	return msg, nil
}

// DecodePayload unmarshals the message payload into v.
func (m Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return errors.New("message has no payload")
	}
	return sonic.Unmarshal(m.Payload, v)
}
