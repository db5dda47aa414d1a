package rpcclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// newServer starts a WebSocket server running handle for each connection and
// returns its ws:// URL.
func newServer(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readRequest(t *testing.T, conn *websocket.Conn) (request, bool) {
	var req request
	_, data, err := conn.ReadMessage()
	if err != nil {
		return req, false
	}
	if err := json.Unmarshal(data, &req); err != nil {
		t.Errorf("server got undecodable request: %v", err)
		return req, false
	}
	return req, true
}

func writeJSON(conn *websocket.Conn, v any) {
	data, _ := json.Marshal(v)
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func newClient(t *testing.T, url string, mutate ...func(*Config)) *Client {
	t.Helper()
	cfg := Config{URL: url, Logger: zap.NewNop().Sugar()}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPermutedResponsesResolveTheirOwnCalls(t *testing.T) {
	const n = 20
	var notified atomic.Int32
	url := newServer(t, func(conn *websocket.Conn) {
		var reqs []request
		for len(reqs) < n {
			req, ok := readRequest(t, conn)
			if !ok {
				return
			}
			reqs = append(reqs, req)
		}
		// noise that must not resolve anything
		writeJSON(conn, map[string]any{"jsonrpc": "2.0", "params": map[string]any{"progress": 0.5}})
		writeJSON(conn, map[string]any{"jsonrpc": "2.0", "id": "no-such-call", "result": "stray"})
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{0, 1, 2})
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		for i := len(reqs) - 1; i >= 0; i-- {
			writeJSON(conn, map[string]any{"jsonrpc": "2.0", "id": reqs[i].ID, "result": reqs[i].Params})
		}
		_, _, _ = conn.ReadMessage()
	})
	c := newClient(t, url, func(cfg *Config) {
		cfg.OnNotification = func(Notification) { notified.Add(1) }
	})

	var wg sync.WaitGroup
	results := make([]int, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Call(context.Background(), "echo", i, &results[i])
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i], "call %d", i)
		assert.Equal(t, i, results[i], "call %d got another call's result", i)
	}
	assert.Equal(t, int32(1), notified.Load())
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, StateConnected, c.State())
}

func TestIDsAreBase64OfACounter(t *testing.T) {
	ids := make(chan string, 3)
	url := newServer(t, func(conn *websocket.Conn) {
		for {
			req, ok := readRequest(t, conn)
			if !ok {
				return
			}
			ids <- req.ID
			writeJSON(conn, map[string]any{"id": req.ID, "result": nil})
		}
	})
	c := newClient(t, url)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Call(context.Background(), "ping", nil, nil))
	}
	assert.Equal(t, "MA==", <-ids)
	assert.Equal(t, "MQ==", <-ids)
	assert.Equal(t, "Mg==", <-ids)
}

func TestRemoteErrorIsAnnotated(t *testing.T) {
	url := newServer(t, func(conn *websocket.Conn) {
		for {
			req, ok := readRequest(t, conn)
			if !ok {
				return
			}
			if req.Method == "bare" {
				writeJSON(conn, map[string]any{"id": req.ID, "error": map[string]any{}})
				continue
			}
			writeJSON(conn, map[string]any{"id": req.ID, "error": map[string]any{"code": 4, "message": "Path is not a directory"}})
		}
	})
	c := newClient(t, url)

	err := c.Call(context.Background(), "fs-list-dir", map[string]string{"path": "/x"}, nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, 4, remote.Code)
	assert.Equal(t, "Path is not a directory", remote.Message)
	assert.Equal(t, "fs-list-dir", remote.Method)
	assert.JSONEq(t, `{"path":"/x"}`, string(remote.Params))

	err = c.Call(context.Background(), "bare", nil, nil)
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, 666, remote.Code)
	assert.Equal(t, "Error #666", remote.Message)
}

func TestDisconnectResolvesEveryPendingCall(t *testing.T) {
	const m = 5
	var connections atomic.Int32
	url := newServer(t, func(conn *websocket.Conn) {
		if connections.Add(1) > 1 {
			for {
				req, ok := readRequest(t, conn)
				if !ok {
					return
				}
				writeJSON(conn, map[string]any{"id": req.ID, "result": "reconnected"})
			}
		}
		for i := 0; i < m; i++ {
			if _, ok := readRequest(t, conn); !ok {
				return
			}
		}
		// drop the TCP connection without a close frame
		_ = conn.UnderlyingConn().Close()
	})
	c := newClient(t, url)

	var wg sync.WaitGroup
	errs := make([]error, m)
	for i := 0; i < m; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Call(context.Background(), "slow", nil, nil)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.ErrorIs(t, err, ErrDisconnected, "call %d", i)
		assert.True(t, IsDisconnected(err))
	}
	assert.Equal(t, 0, c.Pending())
	assert.Error(t, c.Err(), "abnormal loss should be recorded")

	var got string
	require.NoError(t, c.Call(context.Background(), "again", nil, &got))
	assert.Equal(t, "reconnected", got)
}

func TestConnectionLossSparesCallsOnTheNextConnection(t *testing.T) {
	var connections atomic.Int32
	secondGot := make(chan struct{})
	answer := make(chan struct{})
	url := newServer(t, func(conn *websocket.Conn) {
		if connections.Add(1) == 1 {
			if _, ok := readRequest(t, conn); !ok {
				return
			}
			_ = conn.UnderlyingConn().Close()
			return
		}
		req, ok := readRequest(t, conn)
		if !ok {
			return
		}
		close(secondGot)
		<-answer
		writeJSON(conn, map[string]any{"id": req.ID, "result": "fresh"})
	})

	// Hold dropConnection at its log line so a new call can register on a
	// fresh connection before the lost one finishes resolving.
	lost := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	core := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(io.Discard), zapcore.DebugLevel)
	logger := zap.New(core,
		zap.Hooks(func(e zapcore.Entry) error {
			if e.Message == "connection lost" {
				once.Do(func() { close(lost) })
				<-release
			}
			return nil
		}),
	).Sugar()
	c := newClient(t, url, func(cfg *Config) { cfg.Logger = logger })

	first := make(chan error, 1)
	go func() { first <- c.Call(context.Background(), "first", nil, nil) }()
	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("connection loss was never logged")
	}

	type result struct {
		value string
		err   error
	}
	second := make(chan result, 1)
	go func() {
		var got string
		err := c.Call(context.Background(), "second", nil, &got)
		second <- result{got, err}
	}()
	select {
	case <-secondGot:
	case <-time.After(2 * time.Second):
		t.Fatal("second call never reached the new connection")
	}

	close(release)
	select {
	case err := <-first:
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("call on the lost connection was not resolved")
	}

	close(answer)
	select {
	case r := <-second:
		require.NoError(t, r.err)
		assert.Equal(t, "fresh", r.value)
	case <-time.After(2 * time.Second):
		t.Fatal("call on the new connection was not resolved")
	}
	assert.Equal(t, 0, c.Pending())
}

func TestNormalClosureIsNotRecordedAsError(t *testing.T) {
	url := newServer(t, func(conn *websocket.Conn) {
		if _, ok := readRequest(t, conn); !ok {
			return
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		time.Sleep(50 * time.Millisecond)
	})
	c := newClient(t, url)

	err := c.Call(context.Background(), "anything", nil, nil)
	require.ErrorIs(t, err, ErrDisconnected)
	assert.NoError(t, c.Err())
}

func TestContextCancelRemovesPendingAndSendsCancel(t *testing.T) {
	cancels := make(chan string, 1)
	url := newServer(t, func(conn *websocket.Conn) {
		for {
			req, ok := readRequest(t, conn)
			if !ok {
				return
			}
			if req.Method == "cancel" {
				var p struct {
					ID string `json:"id"`
				}
				_ = json.Unmarshal(req.Params, &p)
				cancels <- p.ID
			}
		}
	})
	c := newClient(t, url, func(cfg *Config) { cfg.CancelMethod = "cancel" })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Call(ctx, "never-answered", nil, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.Pending())

	select {
	case id := <-cancels:
		assert.Equal(t, "MA==", id)
	case <-time.After(2 * time.Second):
		t.Fatal("cancel notification not received")
	}
}

func TestProgressIsRoutedToItsCall(t *testing.T) {
	url := newServer(t, func(conn *websocket.Conn) {
		req, ok := readRequest(t, conn)
		if !ok {
			return
		}
		writeJSON(conn, map[string]any{"params": map[string]any{"id": req.ID, "amount": 0.5}})
		writeJSON(conn, map[string]any{"params": map[string]any{"id": "other", "amount": 0.1}})
		writeJSON(conn, map[string]any{"id": req.ID, "result": "done"})
		_, _, _ = conn.ReadMessage()
	})
	var others atomic.Int32
	c := newClient(t, url, func(cfg *Config) {
		cfg.OnNotification = func(Notification) { others.Add(1) }
	})

	var progress []string
	raw, err := c.CallWithProgress(context.Background(), "load", nil, func(p json.RawMessage) {
		progress = append(progress, string(p))
	})
	require.NoError(t, err)
	assert.JSONEq(t, `"done"`, string(raw))
	require.Len(t, progress, 1)
	assert.JSONEq(t, `{"id":"MA==","amount":0.5}`, progress[0])
	assert.Equal(t, int32(1), others.Load())
}

func TestCloseIsIdempotentAndFailsLaterCalls(t *testing.T) {
	url := newServer(t, func(conn *websocket.Conn) {
		for {
			if _, ok := readRequest(t, conn); !ok {
				return
			}
		}
	})
	c := newClient(t, url)

	pending := make(chan error, 1)
	go func() { pending <- c.Call(context.Background(), "hang", nil, nil) }()
	require.Eventually(t, func() bool { return c.Pending() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())

	select {
	case err := <-pending:
		assert.ErrorIs(t, err, ErrClosed)
		assert.True(t, IsDisconnected(err), "shutdown failures should also read as disconnects: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not resolved by Close")
	}
	assert.ErrorIs(t, c.Call(context.Background(), "late", nil, nil), ErrClosed)
}

func TestDialFailureReturnsToDisconnected(t *testing.T) {
	c := newClient(t, "ws://127.0.0.1:1/nothing")
	err := c.Call(context.Background(), "x", nil, nil)
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "state(42)", State(42).String())
}
