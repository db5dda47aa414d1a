package serve

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/circuitstudio/backend/pkg/dispatch"
	"github.com/circuitstudio/backend/pkg/jsonrpc"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var errConnClosed = errors.New("connection closed")

// conn is one caller. readPump is its only reader and writePump its only
// writer; every outbound frame goes through send.
type conn struct {
	id      string
	server  *Server
	ws      *websocket.Conn
	logger  *zap.SugaredLogger
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	send       chan []byte
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
	inflight   sync.WaitGroup
}

func newConn(ctx context.Context, s *Server, id string, ws *websocket.Conn) *conn {
	ctx, cancel := context.WithCancel(ctx)
	c := &conn{
		id:         id,
		server:     s,
		ws:         ws,
		logger:     s.logger.With("conn", id),
		ctx:        ctx,
		cancel:     cancel,
		send:       make(chan []byte, sendBuffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	if rl := s.cfg.RateLimit; rl.RPS > 0 {
		burst := rl.Burst
		if burst <= 0 {
			burst = max(1, int(rl.RPS))
		}
		c.limiter = rate.NewLimiter(rate.Limit(rl.RPS), burst)
	}
	return c
}

// run blocks until the connection is gone and its operations have replied.
func (c *conn) run() {
	go c.writePump()
	c.readPump()
	c.close(websocket.CloseNormalClosure, "")
	c.inflight.Wait()
	<-c.writerDone
}

func (c *conn) readPump() {
	c.ws.SetReadLimit(c.server.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					c.logger.Warnw("read failed", "error", err)
				}
			}
			return
		}
		if kind != websocket.TextMessage {
			c.logger.Debugw("ignoring non-text frame", "type", kind, "bytes", len(data))
			continue
		}
		c.handle(data)
	}
}

func (c *conn) handle(data []byte) {
	req, rpcErr := jsonrpc.ParseRequest(data)
	if rpcErr != nil {
		var id json.RawMessage
		if req != nil {
			id = req.ID
		}
		c.logger.Warnw("rejecting frame", "code", rpcErr.Code, "error", rpcErr.Message, "bytes", len(data))
		c.reply(jsonrpc.NewFailure(id, rpcErr))
		return
	}

	if c.limiter != nil && !c.limiter.Allow() {
		c.logger.Warnw("rate limited", "method", req.Method)
		if !req.IsNotification() {
			c.reply(jsonrpc.NewFailure(req.ID, jsonrpc.NewError(jsonrpc.CodeRateLimited, "rate limited")))
		}
		return
	}

	reply := c.reply
	if req.IsNotification() {
		reply = func(*jsonrpc.Response) {}
	}
	ctx := dispatch.WithNotifier(c.ctx, c.notify)
	c.inflight.Add(1)
	c.server.cfg.Dispatcher.Dispatch(ctx, req.ID, req.Method, req.Params, func(resp *jsonrpc.Response) {
		defer c.inflight.Done()
		reply(resp)
	})
}

func (c *conn) reply(resp *jsonrpc.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.logger.Errorw("failed to encode response", "id", jsonrpc.IDString(resp.ID), "error", err)
		return
	}
	if err := c.enqueue(data); err != nil {
		c.logger.Debugw("dropping response", "id", jsonrpc.IDString(resp.ID), "error", err)
	}
}

// notify is the dispatch.Notifier handed to operations.
func (c *conn) notify(method string, params any) error {
	n, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

func (c *conn) enqueue(data []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errConnClosed
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(c.writerDone)
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warnw("write failed", "error", err)
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			return
		}
	}
}

// close cancels in-flight operations and tears the socket down. The first
// call wins.
func (c *conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		if code != websocket.CloseAbnormalClosure {
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		}
		_ = c.ws.Close()
	})
}
