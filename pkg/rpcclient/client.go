// Package rpcclient is a JSON-RPC 2.0 client over one WebSocket connection.
//
// Many calls may be outstanding at once. Responses are matched to callers by
// id in a pending table owned by a single reader goroutine per connection;
// id-less frames are routed to a notification handler and never resolve a
// call.
package rpcclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/circuitstudio/backend/pkg/jsonrpc"
	"github.com/circuitstudio/backend/pkg/log"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrDisconnected resolves every call pending when the connection is lost.
	ErrDisconnected = errors.New("rpcclient: disconnected")
	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("rpcclient: client closed")

	// errClosing resolves calls still pending when Close runs. It matches
	// both ErrClosed and ErrDisconnected.
	errClosing = fmt.Errorf("%w: %w", ErrClosed, ErrDisconnected)
)

// missingErrorCode is reported when an error frame carries no code.
const missingErrorCode = 666

// State of the client connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Notification is an id-less frame received from the server.
type Notification struct {
	Method string
	Params json.RawMessage
}

// NotificationHandler is called from the reader goroutine for each
// notification. It must not block for long.
type NotificationHandler func(Notification)

// RemoteError is an error frame returned for a call.
type RemoteError struct {
	Code    int
	Message string
	Method  string
	Params  json.RawMessage
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s failed with code %d: %s", e.Method, e.Code, e.Message)
}

// Config holds client configuration
type Config struct {
	URL    string
	Header http.Header
	// Dialer defaults to a gorilla dialer with HandshakeTimeout.
	Dialer           *websocket.Dialer
	HandshakeTimeout time.Duration
	OnNotification   NotificationHandler
	// CancelMethod, when set, is sent as a notification carrying {"id": <id>}
	// whenever a caller abandons a pending call.
	CancelMethod string
	// OnPendingChange observes the size of the pending table.
	OnPendingChange func(n int)
	Logger          *zap.SugaredLogger
}

type outcome struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	conn     *websocket.Conn
	method   string
	params   json.RawMessage
	done     chan outcome
	progress func(json.RawMessage)
}

// Client multiplexes concurrent calls over one connection.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *zap.SugaredLogger

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	connecting chan struct{}
	dialErr    error
	lastErr    error
	nextID     uint64
	pending    map[string]*pendingCall
	readerDone chan struct{}

	writeMu sync.Mutex
}

// New creates a client. No connection is made until the first call.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	dialer := cfg.Dialer
	if dialer == nil {
		timeout := cfg.HandshakeTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		dialer = &websocket.Dialer{HandshakeTimeout: timeout, Proxy: http.ProxyFromEnvironment}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Named("rpcclient")
	}
	return &Client{
		cfg:     cfg,
		dialer:  dialer,
		logger:  logger.With("url", cfg.URL),
		pending: make(map[string]*pendingCall),
	}, nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending returns the number of calls awaiting a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Err returns the cause of the last abnormal connection loss.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Call sends method with params and decodes the result into result, which
// may be nil. It blocks until the response arrives, the connection is lost,
// or ctx is done.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	raw, err := c.CallRaw(ctx, method, params)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("failed to unmarshal %s result: %w", method, err)
	}
	return nil
}

// CallRaw is Call returning the undecoded result.
func (c *Client) CallRaw(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.call(ctx, method, params, nil)
}

// CallWithProgress is CallRaw that also routes notifications whose params
// carry this call's id to onProgress until the call resolves.
func (c *Client) CallWithProgress(ctx context.Context, method string, params any, onProgress func(json.RawMessage)) (json.RawMessage, error) {
	return c.call(ctx, method, params, onProgress)
}

func (c *Client) call(ctx context.Context, method string, params any, progress func(json.RawMessage)) (json.RawMessage, error) {
	var rawParams json.RawMessage
	if params != nil {
		var err error
		rawParams, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	pc := &pendingCall{method: method, params: rawParams, done: make(chan outcome, 1), progress: progress}
	id, err := c.register(conn, pc)
	if err != nil {
		return nil, err
	}

	frame, err := json.Marshal(jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      jsonrpc.StringID(id),
		Method:  method,
		Params:  rawParams,
	})
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	if err := c.write(conn, frame); err != nil {
		c.forget(id)
		c.dropConnection(conn, err)
		return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	select {
	case out := <-pc.done:
		return out.result, out.err
	case <-ctx.Done():
		if c.forget(id) {
			c.sendCancel(conn, id)
		}
		return nil, ctx.Err()
	}
}

// connect returns the live connection, dialing it if needed. Concurrent
// callers share a single dial.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	for {
		c.mu.Lock()
		switch c.state {
		case StateClosing, StateClosed:
			c.mu.Unlock()
			return nil, ErrClosed
		case StateConnected:
			conn := c.conn
			c.mu.Unlock()
			return conn, nil
		case StateConnecting:
			wait := c.connecting
			c.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			c.mu.Lock()
			dialErr := c.dialErr
			c.mu.Unlock()
			if dialErr != nil {
				return nil, dialErr
			}
			continue
		}

		c.state = StateConnecting
		c.connecting = make(chan struct{})
		c.dialErr = nil
		c.mu.Unlock()

		conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)

		c.mu.Lock()
		done := c.connecting
		if c.state != StateConnecting {
			// Close ran during the dial.
			c.mu.Unlock()
			if conn != nil {
				_ = conn.Close()
			}
			close(done)
			return nil, ErrClosed
		}
		if err != nil {
			c.state = StateDisconnected
			c.dialErr = fmt.Errorf("failed to connect to %s: %w", c.cfg.URL, err)
			dialErr := c.dialErr
			c.mu.Unlock()
			close(done)
			return nil, dialErr
		}
		c.state = StateConnected
		c.conn = conn
		c.readerDone = make(chan struct{})
		readerDone := c.readerDone
		c.mu.Unlock()
		close(done)

		c.logger.Debugw("connected")
		go c.readLoop(conn, readerDone)
		return conn, nil
	}
}

func (c *Client) register(conn *websocket.Conn, pc *pendingCall) (string, error) {
	c.mu.Lock()
	if c.state != StateConnected || c.conn != conn {
		state := c.state
		c.mu.Unlock()
		if state >= StateClosing {
			return "", ErrClosed
		}
		return "", ErrDisconnected
	}
	id := base64.StdEncoding.EncodeToString([]byte(strconv.FormatUint(c.nextID, 10)))
	c.nextID++
	pc.conn = conn
	c.pending[id] = pc
	n := len(c.pending)
	c.mu.Unlock()
	c.pendingChanged(n)
	return id, nil
}

// forget removes a pending call, reporting whether it was still pending.
func (c *Client) forget(id string) bool {
	c.mu.Lock()
	_, ok := c.pending[id]
	delete(c.pending, id)
	n := len(c.pending)
	c.mu.Unlock()
	if ok {
		c.pendingChanged(n)
	}
	return ok
}

// take removes and returns a pending call.
func (c *Client) take(id string) (*pendingCall, bool) {
	c.mu.Lock()
	pc, ok := c.pending[id]
	delete(c.pending, id)
	n := len(c.pending)
	c.mu.Unlock()
	if ok {
		c.pendingChanged(n)
	}
	return pc, ok
}

func (c *Client) pendingChanged(n int) {
	if c.cfg.OnPendingChange != nil {
		c.cfg.OnPendingChange(n)
	}
}

func (c *Client) write(conn *websocket.Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) sendCancel(conn *websocket.Conn, id string) {
	if c.cfg.CancelMethod == "" {
		return
	}
	n, err := jsonrpc.NewNotification(c.cfg.CancelMethod, map[string]string{"id": id})
	if err != nil {
		return
	}
	frame, err := json.Marshal(n)
	if err != nil {
		return
	}
	if err := c.write(conn, frame); err != nil {
		c.logger.Debugw("failed to send cancel", "id", id, "error", err)
	}
}

// Close closes the connection and fails every pending call with an error
// matching both ErrClosed and ErrDisconnected. It is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	conn := c.conn
	readerDone := c.readerDone
	c.mu.Unlock()

	var closeErr error
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		closeErr = conn.Close()
	}
	if readerDone != nil {
		<-readerDone
	}

	c.mu.Lock()
	c.state = StateClosed
	c.conn = nil
	calls, n := c.detachLocked(nil)
	c.mu.Unlock()
	c.resolve(calls, n, errClosing)
	return closeErr
}
