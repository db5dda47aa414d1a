// Package jsonrpc defines the JSON-RPC 2.0 frames exchanged over the
// backend's WebSocket connections and the error codes they carry.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the protocol marker written on every frame.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes
const (
	// Parse error: Invalid JSON was received by the server
	CodeParseError = -32700

	// Invalid request: The JSON sent is not a valid Request object
	CodeInvalidRequest = -32600

	// Method not found: The method does not exist / is not available
	CodeMethodNotFound = -32601

	// Rate limited: the connection exceeded its request budget
	CodeRateLimited = -32005
)

// Backend error codes. Operations may add positive, operation-scoped codes.
const (
	CodeOutOfSandbox = -7
	CodeBadParams    = -8
	CodeUnknownError = -9
)

// Request is an inbound call. ID is kept raw so it can be echoed verbatim.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool {
	return isAbsent(r.ID)
}

// Response is either a success or an error frame.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Notification is an id-less frame. Method is optional.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params"`
}

// Error is the error object of a failure frame.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError creates a new JSON-RPC error with the given code and message
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Frame is the union of every inbound shape. Clients decode into it and then
// decide by the presence of ID whether it is a response or a notification.
type Frame struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// HasID reports whether the frame carries a non-null id.
func (f *Frame) HasID() bool {
	return !isAbsent(f.ID)
}

// IDString returns the id as a string. String ids are unquoted; any other
// JSON value is returned in its raw form.
func IDString(id json.RawMessage) string {
	var s string
	if err := json.Unmarshal(id, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(id))
}

// StringID encodes s as a raw JSON id.
func StringID(s string) json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}

// ParseRequest decodes and validates one inbound request frame.
func ParseRequest(data []byte) (*Request, *Error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, NewError(CodeParseError, "parse error")
	}
	if err := ValidateRequest(&req); err != nil {
		return &req, err
	}
	return &req, nil
}

// ValidateRequest validates a JSON-RPC request envelope
func ValidateRequest(req *Request) *Error {
	if req.JSONRPC != "" && req.JSONRPC != Version {
		return NewError(CodeInvalidRequest, "jsonrpc version must be '2.0'")
	}
	if req.Method == "" {
		return NewError(CodeInvalidRequest, "method is required")
	}
	if !isAbsent(req.ID) {
		switch req.ID[0] {
		case '"', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		default:
			return NewError(CodeInvalidRequest, "id must be a string or a number")
		}
	}
	return nil
}

// NewResult builds a success frame. A result that cannot be marshaled is
// reported as an UnknownError frame instead.
func NewResult(id json.RawMessage, result any) *Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return NewFailure(id, NewError(CodeUnknownError, fmt.Sprintf("failed to encode result: %v", err)))
	}
	return &Response{JSONRPC: Version, ID: normalizeID(id), Result: raw}
}

// NewFailure builds an error frame.
func NewFailure(id json.RawMessage, rpcErr *Error) *Response {
	return &Response{JSONRPC: Version, ID: normalizeID(id), Error: rpcErr}
}

// NewNotification builds an id-less frame.
func NewNotification(method string, params any) (*Notification, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal notification params: %w", err)
	}
	return &Notification{JSONRPC: Version, Method: method, Params: raw}, nil
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if isAbsent(id) {
		return json.RawMessage("null")
	}
	return id
}

func isAbsent(id json.RawMessage) bool {
	trimmed := bytes.TrimSpace(id)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
