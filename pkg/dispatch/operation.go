// Package dispatch maps operation names to handlers and runs every call under
// a failure boundary that turns results into JSON-RPC frames.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/circuitstudio/backend/pkg/jsonrpc"
)

// Operation is a named, independently invocable unit of server-side behavior.
type Operation interface {
	Name() string
	Exec(ctx context.Context, params json.RawMessage) (any, error)
}

// FieldRequirer is implemented by operations whose params must be an object
// holding the listed keys. The dispatcher checks them before Exec runs.
type FieldRequirer interface {
	RequiredFields() []string
}

// Initializer is implemented by operations that need one-time setup before
// the server accepts connections.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Failure is a declared failure: its code and message reach the caller
// verbatim.
type Failure struct {
	Code    int
	Message string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("failure %d: %s", f.Code, f.Message)
}

// Fail returns a declared failure.
func Fail(code int, message string) error {
	return &Failure{Code: code, Message: message}
}

// Failf is Fail with a format string.
func Failf(code int, format string, args ...any) error {
	return &Failure{Code: code, Message: fmt.Sprintf(format, args...)}
}

// RequireFields checks that params is a JSON object holding every name.
// It returns the decoded top level so callers can pick fields from it.
func RequireFields(params json.RawMessage, names ...string) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, Fail(jsonrpc.CodeBadParams, "We were expecting a dictionary!")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, Fail(jsonrpc.CodeBadParams, "We were expecting a dictionary!")
	}
	for _, name := range names {
		if _, ok := fields[name]; !ok {
			return nil, Failf(jsonrpc.CodeBadParams, "Missing property %q!", name)
		}
	}
	return fields, nil
}

// Func adapts a plain function into an Operation.
type Func struct {
	name     string
	required []string
	fn       func(ctx context.Context, params json.RawMessage) (any, error)
}

// NewFunc creates an Operation from fn. Required fields are enforced by the
// dispatcher.
func NewFunc(name string, required []string, fn func(ctx context.Context, params json.RawMessage) (any, error)) *Func {
	return &Func{name: name, required: required, fn: fn}
}

func (f *Func) Name() string { return f.name }

func (f *Func) RequiredFields() []string { return f.required }

func (f *Func) Exec(ctx context.Context, params json.RawMessage) (any, error) {
	return f.fn(ctx, params)
}

// Typed adapts a handler taking decoded params. Params are decoded into P
// after the required-field check; decode failures are BadParams.
func Typed[P any](name string, required []string, fn func(ctx context.Context, params P) (any, error)) Operation {
	return NewFunc(name, required, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p P
		if len(bytes.TrimSpace(raw)) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, Failf(jsonrpc.CodeBadParams, "Invalid params: %v", err)
			}
		}
		return fn(ctx, p)
	})
}
