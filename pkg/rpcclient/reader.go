package rpcclient

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/circuitstudio/backend/pkg/jsonrpc"
	"github.com/gorilla/websocket"
)

// wireError tolerates error objects missing their code or message.
type wireError struct {
	Code    *int   `json:"code"`
	Message string `json:"message"`
}

type inboundFrame struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *wireError      `json:"error"`
}

// readLoop is the only reader of conn.
func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			c.dropConnection(conn, err)
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Warnw("skipping undecodable frame", "error", err, "bytes", len(data))
		return
	}

	f := jsonrpc.Frame{ID: frame.ID}
	if !f.HasID() {
		c.handleNotification(Notification{Method: frame.Method, Params: frame.Params})
		return
	}

	id := jsonrpc.IDString(frame.ID)
	pc, ok := c.take(id)
	if !ok {
		c.logger.Warnw("dropping response for unknown id", "id", id)
		return
	}

	if frame.Error != nil {
		code := missingErrorCode
		if frame.Error.Code != nil {
			code = *frame.Error.Code
		}
		message := frame.Error.Message
		if message == "" {
			message = fmt.Sprintf("Error #%d", code)
		}
		pc.done <- outcome{err: &RemoteError{Code: code, Message: message, Method: pc.method, Params: pc.params}}
		return
	}
	result := frame.Result
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	pc.done <- outcome{result: result}
}

func (c *Client) handleNotification(n Notification) {
	if c.routeProgress(n) {
		return
	}
	if c.cfg.OnNotification != nil {
		c.cfg.OnNotification(n)
	}
}

// routeProgress hands a notification to the pending call named by its
// params.id, if that call asked for progress.
func (c *Client) routeProgress(n Notification) bool {
	var probe struct {
		ID string `json:"id"`
	}
	if len(n.Params) == 0 || json.Unmarshal(n.Params, &probe) != nil || probe.ID == "" {
		return false
	}
	c.mu.Lock()
	pc, ok := c.pending[probe.ID]
	c.mu.Unlock()
	if !ok || pc.progress == nil {
		return false
	}
	pc.progress(n.Params)
	return true
}

// dropConnection resolves the calls pending on conn and returns the client
// to Disconnected so the next call dials again. Calls already registered on
// a newer connection are left alone.
func (c *Client) dropConnection(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	closing := c.state == StateClosing || c.state == StateClosed
	if !closing {
		c.state = StateDisconnected
		c.conn = nil
	}
	normal := closing || websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	if !normal {
		c.lastErr = cause
	}
	calls, n := c.detachLocked(conn)
	c.mu.Unlock()

	_ = conn.Close()

	switch {
	case closing:
		c.resolve(calls, n, errClosing)
		return
	case normal:
		c.logger.Infow("connection closed", "reason", cause)
	default:
		c.logger.Errorw("connection lost", "error", cause)
	}
	c.resolve(calls, n, fmt.Errorf("%w: %w", ErrDisconnected, cause))
}

// detachLocked removes the calls pending on conn, or every call when conn is
// nil, and returns them with the size of what is left. c.mu must be held.
func (c *Client) detachLocked(conn *websocket.Conn) ([]*pendingCall, int) {
	var calls []*pendingCall
	for id, pc := range c.pending {
		if conn == nil || pc.conn == conn {
			calls = append(calls, pc)
			delete(c.pending, id)
		}
	}
	return calls, len(c.pending)
}

func (c *Client) resolve(calls []*pendingCall, remaining int, err error) {
	if len(calls) == 0 {
		return
	}
	c.pendingChanged(remaining)
	for _, pc := range calls {
		pc.done <- outcome{err: err}
	}
}

// IsDisconnected reports whether err came from a lost connection.
func IsDisconnected(err error) bool {
	return errors.Is(err, ErrDisconnected)
}
