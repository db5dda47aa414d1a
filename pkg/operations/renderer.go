package operations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/circuitstudio/backend/pkg/dispatch"
	"github.com/circuitstudio/backend/pkg/log"
	"github.com/circuitstudio/backend/pkg/metrics"
	"github.com/circuitstudio/backend/pkg/rpcclient"
	"github.com/circuitstudio/backend/pkg/supervisor"
	"go.uber.org/zap"
)

// Renderer operation codes.
const (
	CodeRendererFailed      = 1
	CodeRendererUnreachable = 7
)

// DefaultRendererVersion is passed to the renderer command when the caller
// does not ask for one.
const DefaultRendererVersion = 1

// ProgressMethod names the notifications sent while a call is running.
const ProgressMethod = "progress"

// RendererConfig describes how to start and reach the renderer.
type RendererConfig struct {
	// Command is invoked as "<command> <port> <version>".
	Command string
	Port    int
	Host    string
	// URL overrides the ws://Host:Port/ address derived from Port.
	URL            string
	GraceWindow    time.Duration
	BenignPrefixes []string
	Metrics        *metrics.Metrics
	Logger         *zap.SugaredLogger
}

// Renderer owns the renderer process and the client connected to it.
type Renderer struct {
	cfg    RendererConfig
	logger *zap.SugaredLogger
	relay  *dispatch.Broadcaster

	mu     sync.Mutex
	sup    *supervisor.Supervisor
	client *rpcclient.Client
}

// NewRenderer validates cfg. Nothing is launched until a caller asks for it.
func NewRenderer(cfg RendererConfig) (*Renderer, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("renderer command is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid renderer port: %d", cfg.Port)
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.URL == "" {
		cfg.URL = fmt.Sprintf("ws://%s:%d/", cfg.Host, cfg.Port)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Named("renderer")
	}
	return &Renderer{cfg: cfg, logger: logger, relay: dispatch.NewBroadcaster()}, nil
}

// Port returns the port the renderer is told to listen on.
func (r *Renderer) Port() int {
	return r.cfg.Port
}

// ensure starts the renderer once. The version of the first request wins.
func (r *Renderer) ensure(ctx context.Context, version int) error {
	r.mu.Lock()
	if r.sup == nil {
		r.logger.Infow("launching renderer", "command", r.cfg.Command, "port", r.cfg.Port, "version", version)
		r.sup = &supervisor.Supervisor{
			Command:        r.cfg.Command,
			Args:           []string{strconv.Itoa(r.cfg.Port), strconv.Itoa(version)},
			GraceWindow:    r.cfg.GraceWindow,
			BenignPrefixes: r.cfg.BenignPrefixes,
			Label:          "renderer",
			Logger:         r.logger,
			OnOutcome: func(err error) {
				r.cfg.Metrics.RendererStart(err == nil)
			},
		}
	}
	sup := r.sup
	r.mu.Unlock()

	if _, err := sup.EnsureStarted(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		var startErr *supervisor.StartupError
		if errors.As(err, &startErr) {
			return dispatch.Fail(CodeRendererFailed, startErr.Message)
		}
		return dispatch.Fail(CodeRendererFailed, err.Error())
	}
	return nil
}

func (r *Renderer) rpc() (*rpcclient.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}
	client, err := rpcclient.New(rpcclient.Config{
		URL:    r.cfg.URL,
		Logger: r.logger.Named("client"),
		OnNotification: func(n rpcclient.Notification) {
			r.relay.Broadcast(n.Method, n.Params)
		},
		OnPendingChange: r.cfg.Metrics.SetPending,
	})
	if err != nil {
		return nil, err
	}
	r.client = client
	return client, nil
}

type progress struct {
	ID        string  `json:"id"`
	Amount    float64 `json:"amount"`
	Operation string  `json:"operation"`
}

func notifyProgress(ctx context.Context, amount float64, operation string) {
	_ = dispatch.Notify(ctx, ProgressMethod, progress{ID: dispatch.RequestID(ctx), Amount: amount, Operation: operation})
}

// relayProgress re-addresses a renderer progress notification to the
// caller's request id.
func relayProgress(ctx context.Context, raw json.RawMessage) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return
	}
	fields["id"], _ = json.Marshal(dispatch.RequestID(ctx))
	_ = dispatch.Notify(ctx, ProgressMethod, fields)
}

type addressParams struct {
	Version *int `json:"version"`
}

// AddressResult is the result of renderer-address.
type AddressResult struct {
	Port int `json:"port"`
}

// AddressOperation starts the renderer if needed and returns its port.
func (r *Renderer) AddressOperation() dispatch.Operation {
	return dispatch.Typed("renderer-address", nil, func(ctx context.Context, p addressParams) (any, error) {
		version := DefaultRendererVersion
		if p.Version != nil {
			version = *p.Version
		}
		notifyProgress(ctx, 0, "Starting renderer...")
		if err := r.ensure(ctx, version); err != nil {
			return nil, err
		}
		notifyProgress(ctx, 1, "Renderer started")
		return AddressResult{Port: r.cfg.Port}, nil
	})
}

type execParams struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// ExecOperation forwards a call to the renderer. Notifications the renderer
// sends meanwhile are relayed to the caller.
func (r *Renderer) ExecOperation() dispatch.Operation {
	return dispatch.Typed("renderer-exec", []string{"method"}, func(ctx context.Context, p execParams) (any, error) {
		if p.Method == "" {
			return nil, dispatch.Fail(CodeUnexpected, `Argument "method" is missing!`)
		}
		if err := r.ensure(ctx, DefaultRendererVersion); err != nil {
			return nil, err
		}
		client, err := r.rpc()
		if err != nil {
			return nil, err
		}
		if notifier, ok := dispatch.NotifierFrom(ctx); ok {
			defer r.relay.Subscribe(notifier)()
		}

		var params any
		if len(p.Params) > 0 {
			params = p.Params
		}
		raw, err := client.CallWithProgress(ctx, p.Method, params, func(progress json.RawMessage) {
			relayProgress(ctx, progress)
		})
		if err != nil {
			var remote *rpcclient.RemoteError
			switch {
			case errors.As(err, &remote):
				return nil, dispatch.Fail(remote.Code, remote.Message)
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return nil, err
			}
			// dial failures and lost connections
			return nil, dispatch.Fail(CodeRendererUnreachable, err.Error())
		}
		return raw, nil
	})
}

// Close disconnects from the renderer and stops its process.
func (r *Renderer) Close(ctx context.Context) error {
	r.mu.Lock()
	client, sup := r.client, r.sup
	r.mu.Unlock()

	var errs []error
	if client != nil {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if sup != nil {
		if err := sup.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
