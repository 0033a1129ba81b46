// Package protocol defines the JSON envelope carried on every WebSocket
// frame between hub, endpoints, and admins, plus the canonical response
// body produced by command handlers.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultMaxMessageSize is the decoded size limit for a single envelope.
// Screenshot payloads travel base64-encoded inside a single frame, so the
// limit is generous.
const DefaultMaxMessageSize = 16 << 20 // 16 MiB

// Type identifies the kind of envelope.
type Type string

const (
	TypeHello     Type = "hello"
	TypeRegister  Type = "register"
	TypeWelcome   Type = "welcome"
	TypeAck       Type = "ack"
	TypeCommand   Type = "command"
	TypeResponse  Type = "response"
	TypeHeartbeat Type = "heartbeat"
	TypeEvent     Type = "event"
	TypeError     Type = "error"
)

// Envelope is the unit of transport. It is immutable once sent; response
// envelopes carry the id of the command they answer.
type Envelope struct {
	Type      Type            `json:"type"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ParseError reports a frame that could not be decoded into a valid
// envelope. Receiving one is a protocol error: the connection is closed.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return "protocol: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// New builds an envelope of the given type with a fresh timestamp and the
// payload marshalled to JSON. Panics only on unmarshalable payloads, which
// indicates a programming error.
func New(typ Type, id string, payload any) (*Envelope, error) {
	env := &Envelope{Type: typ, ID: id, Timestamp: time.Now().UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		env.Payload = data
	}
	return env, nil
}

// Encode serializes the envelope to a single JSON text frame.
func Encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses a frame into an envelope. maxSize <= 0 falls back to
// DefaultMaxMessageSize. Frames that exceed the limit, are not valid JSON,
// or lack type or id are rejected with a *ParseError.
func Decode(data []byte, maxSize int64) (*Envelope, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	if int64(len(data)) > maxSize {
		return nil, &ParseError{Reason: fmt.Sprintf("frame of %d bytes exceeds limit %d", len(data), maxSize)}
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ParseError{Reason: "malformed JSON", Err: err}
	}
	if env.Type == "" {
		return nil, &ParseError{Reason: "missing type"}
	}
	if env.ID == "" {
		return nil, &ParseError{Reason: "missing id"}
	}
	return &env, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return &ParseError{Reason: fmt.Sprintf("%s envelope has empty payload", e.Type)}
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return &ParseError{Reason: fmt.Sprintf("invalid %s payload", e.Type), Err: err}
	}
	return nil
}

// RegisterPayload is sent endpoint→hub immediately after dialing.
type RegisterPayload struct {
	Identity     string   `json:"identity"`
	Capabilities []string `json:"capabilities"`
	Version      string   `json:"version"`
}

// HelloPayload is sent admin→hub on connect. Label is optional.
type HelloPayload struct {
	Label   string `json:"label,omitempty"`
	Version string `json:"version,omitempty"`
}

// WelcomePayload is the hub's reply to register or hello.
type WelcomePayload struct {
	PeerID     int64     `json:"peer_id"`
	ServerTime time.Time `json:"server_time"`
}

// CommandPayload is a command addressed directly to its receiver.
type CommandPayload struct {
	Command  string          `json:"command"`
	Params   json.RawMessage `json:"params,omitempty"`
	TimeoutS *float64        `json:"timeout_s,omitempty"`
}

// ForwardPayload is the admin-side body of a forward_command: the hub
// unwraps it into a CommandPayload addressed to the target endpoint.
type ForwardPayload struct {
	TargetIdentity string          `json:"target_identity"`
	InnerCommand   string          `json:"inner_command"`
	InnerParams    json.RawMessage `json:"inner_params,omitempty"`
	TimeoutS       *float64        `json:"timeout_s,omitempty"`
}

// ErrorPayload is a protocol-level error envelope body.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventPayload is an unsolicited notification. The core is agnostic to
// Data; Name routes it.
type EventPayload struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Timeout returns the effective timeout carried by the payload, or ok=false
// when none was supplied.
func (p *CommandPayload) Timeout() (time.Duration, bool) {
	if p.TimeoutS == nil {
		return 0, false
	}
	return time.Duration(*p.TimeoutS * float64(time.Second)), true
}

// Timeout returns the forwarded timeout, or ok=false when none was supplied.
func (p *ForwardPayload) Timeout() (time.Duration, bool) {
	if p.TimeoutS == nil {
		return 0, false
	}
	return time.Duration(*p.TimeoutS * float64(time.Second)), true
}
