package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/circuitstudio/backend/pkg/jsonrpc"
	"github.com/circuitstudio/backend/pkg/log"
	"github.com/circuitstudio/backend/pkg/metrics"
	"go.uber.org/zap"
)

// Reply receives the frame produced for one dispatched call.
type Reply func(resp *jsonrpc.Response)

// Dispatcher runs registered operations under the failure boundary.
type Dispatcher struct {
	registry *Registry
	metrics  *metrics.Metrics
	logger   *zap.SugaredLogger
	wg       sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics records dispatch counts and latency on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithLogger replaces the component logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{registry: registry}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = log.Named("dispatch")
	}
	return d
}

// Dispatch runs the call on its own goroutine and returns immediately.
// reply is invoked exactly once.
func (d *Dispatcher) Dispatch(ctx context.Context, id json.RawMessage, method string, params json.RawMessage, reply Reply) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		reply(d.Call(ctx, id, method, params))
	}()
}

// Wait blocks until every dispatched call has replied.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Call runs one operation synchronously and builds its response frame.
func (d *Dispatcher) Call(ctx context.Context, id json.RawMessage, method string, params json.RawMessage) *jsonrpc.Response {
	op, ok := d.registry.Lookup(method)
	if !ok {
		d.metrics.DispatchStarted("unknown")(metrics.OutcomeNotFound)
		return jsonrpc.NewFailure(id, jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "method not found: "+method))
	}

	done := d.metrics.DispatchStarted(method)
	result, err := d.exec(withRequestID(ctx, jsonrpc.IDString(id)), op, id, params)
	if err == nil {
		resp := jsonrpc.NewResult(id, result)
		if resp.Error != nil {
			d.logger.Errorw("operation result could not be encoded", "method", method, "id", jsonrpc.IDString(id), "error", resp.Error.Message)
			done(metrics.OutcomeUndeclared)
			return resp
		}
		done(metrics.OutcomeOK)
		return resp
	}

	var failure *Failure
	if errors.As(err, &failure) {
		done(metrics.OutcomeDeclared)
		return jsonrpc.NewFailure(id, jsonrpc.NewError(failure.Code, failure.Message))
	}

	d.logger.Errorw("operation failed with an undeclared error",
		"method", method,
		"id", jsonrpc.IDString(id),
		"params_bytes", len(params),
		"error", err,
	)
	done(metrics.OutcomeUndeclared)
	return jsonrpc.NewFailure(id, jsonrpc.NewError(jsonrpc.CodeUnknownError, err.Error()))
}

// exec checks required fields and runs op, converting a panic into an error.
func (d *Dispatcher) exec(ctx context.Context, op Operation, id json.RawMessage, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorw("operation panicked",
				"method", op.Name(),
				"id", jsonrpc.IDString(id),
				"params_bytes", len(params),
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = panicError(r)
		}
	}()

	if fr, ok := op.(FieldRequirer); ok && len(fr.RequiredFields()) > 0 {
		if _, err := RequireFields(params, fr.RequiredFields()...); err != nil {
			return nil, err
		}
	}
	return op.Exec(ctx, params)
}

// panicked wraps a recovered value so it never matches *Failure.
type panicked struct {
	message string
}

func (p *panicked) Error() string { return p.message }

func panicError(r any) error {
	switch v := r.(type) {
	case error:
		return &panicked{message: v.Error()}
	case string:
		return &panicked{message: v}
	default:
		return &panicked{message: fmt.Sprint(v)}
	}
}
