package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sessionfab/sessionfab/internal/util/timefmt"
)

// Error codes the core emits. Handlers may supply their own codes through
// HandlerError; everything else is classified by the scheduler or router.
const (
	CodeUnknownCommand = "UNKNOWN_COMMAND"
	CodeInvalidParams  = "INVALID_PARAMS"
	CodeTimeout        = "TIMEOUT"
	CodeHandlerFailed  = "HANDLER_FAILED"
	CodeStaleEndpoint  = "STALE_ENDPOINT"
	CodeDisconnect     = "DISCONNECT"
	CodeUnknownTarget  = "UNKNOWN_TARGET"
	CodeEvicted        = "EVICTED"
	CodeRestarting     = "RESTARTING"
	CodeReloadFailed   = "RELOAD_FAILED"
	CodeProtocolError  = "PROTOCOL_ERROR"
)

// ErrorInfo is the error half of a response body.
type ErrorInfo struct {
	Message string          `json:"message"`
	Type    string          `json:"type"`
	Code    string          `json:"code"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Metadata describes how a response was produced. ExecutionTime is measured
// by the scheduler, never by the handler, and excludes worker-pool queue wait.
type Metadata struct {
	Command       string  `json:"command"`
	ExecutionTime float64 `json:"execution_time"`
}

// Response is the canonical success/failure body carried in a response
// envelope. Exactly one of Data and Error is set.
type Response struct {
	Success   bool            `json:"success"`
	Timestamp string          `json:"timestamp"`
	Error     *ErrorInfo      `json:"error"`
	Data      json.RawMessage `json:"data"`
	Message   string          `json:"message,omitempty"`
	Metadata  Metadata        `json:"metadata"`
}

// HandlerError is the typed error a handler returns when it wants control
// over the error code surfaced to the admin. Any other error from a handler
// is classified as HANDLER_FAILED.
type HandlerError struct {
	Code    string
	Message string
	Details any
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Success builds a success response. data may be nil; if it is already a
// json.RawMessage it is embedded as-is, otherwise it is marshalled.
func Success(command string, data any, message string, execTime time.Duration) *Response {
	resp := &Response{
		Success:   true,
		Timestamp: timefmt.Format(time.Now()),
		Message:   message,
		Metadata:  Metadata{Command: command, ExecutionTime: execTime.Seconds()},
	}
	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		resp.Data = v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return Failure(command, "MarshalError", CodeHandlerFailed,
				fmt.Sprintf("marshal response data: %v", err), nil, execTime)
		}
		resp.Data = raw
	}
	return resp
}

// Failure builds an error response. errType is the concrete error type name,
// code an UPPER_SNAKE error code.
func Failure(command, errType, code, message string, details any, execTime time.Duration) *Response {
	info := &ErrorInfo{Message: message, Type: errType, Code: code}
	if details != nil {
		if raw, err := json.Marshal(details); err == nil {
			info.Details = raw
		}
	}
	return &Response{
		Success:   false,
		Timestamp: timefmt.Format(time.Now()),
		Error:     info,
		Metadata:  Metadata{Command: command, ExecutionTime: execTime.Seconds()},
	}
}

// FromError classifies an error returned by a handler into a response.
// A *HandlerError keeps its own code; anything else becomes HANDLER_FAILED
// with the concrete type name.
func FromError(command string, err error, execTime time.Duration) *Response {
	if he, ok := err.(*HandlerError); ok {
		code := he.Code
		if code == "" {
			code = CodeHandlerFailed
		}
		return Failure(command, "HandlerError", code, he.Message, he.Details, execTime)
	}
	return Failure(command, fmt.Sprintf("%T", err), CodeHandlerFailed, err.Error(), nil, execTime)
}

// ResponseEnvelope wraps a response body into a response envelope answering
// the command with the given id.
func ResponseEnvelope(commandID string, resp *Response) (*Envelope, error) {
	return New(TypeResponse, commandID, resp)
}
