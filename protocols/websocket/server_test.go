package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lisuiheng/pawire-go/core"
	"github.com/lisuiheng/pawire-go/pkg/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeSource struct {
	mu     sync.Mutex
	status core.Status
}

func (s *fakeSource) Status() core.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *fakeSource) set(st core.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = st
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) interfaces.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg interfaces.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestNewStatusFeed_Validation(t *testing.T) {
	_, err := NewStatusFeed(nil, Config{}, testLogger())
	require.Error(t, err)

	_, err = NewStatusFeed(&fakeSource{}, Config{}, nil)
	require.Error(t, err)

	feed, err := NewStatusFeed(&fakeSource{}, Config{}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, time.Second, feed.config.Interval)
}

func TestStatusFeed_PushesSnapshots(t *testing.T) {
	defer goleak.VerifyNone(t)

	source := &fakeSource{status: core.Status{State: core.StateIdle}}
	feed, err := NewStatusFeed(source, Config{Interval: 10 * time.Millisecond}, testLogger())
	require.NoError(t, err)

	srv := httptest.NewServer(feed)
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	// 连接建立后立即收到一次当前状态
	first := readMessage(t, conn)
	assert.Equal(t, interfaces.MsgStatus, first.Type)
	assert.Equal(t, core.StateIdle, first.Status.State)
	assert.Eventually(t, func() bool { return feed.Subscribers() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Broadcast(ctx) }()

	// 第一次推送总是 state 消息
	msg := readMessage(t, conn)
	assert.Equal(t, interfaces.MsgState, msg.Type)
	assert.Equal(t, core.StateIdle, msg.Status.State)

	source.set(core.Status{State: core.StateRunning, OverrunCount: 4, BufferDepth: 3})
	var sawRunning bool
	for i := 0; i < 20 && !sawRunning; i++ {
		msg = readMessage(t, conn)
		if msg.Status.State == core.StateRunning {
			sawRunning = true
			assert.Equal(t, interfaces.MsgState, msg.Type)
			assert.Equal(t, uint64(4), msg.Status.OverrunCount)
			assert.Equal(t, 3, msg.Status.BufferDepth)
		}
	}
	require.True(t, sawRunning)

	// 状态不变时为普通快照
	msg = readMessage(t, conn)
	assert.Equal(t, interfaces.MsgStatus, msg.Type)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 0, feed.Subscribers())

	// 服务端关闭后客户端读到关闭帧
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
	}
}

func TestStatusFeed_ClientDisconnect(t *testing.T) {
	defer goleak.VerifyNone(t)

	feed, err := NewStatusFeed(&fakeSource{}, Config{Interval: 10 * time.Millisecond}, testLogger())
	require.NoError(t, err)

	srv := httptest.NewServer(feed)
	defer srv.Close()

	conn := dial(t, srv)
	readMessage(t, conn)
	require.Eventually(t, func() bool { return feed.Subscribers() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return feed.Subscribers() == 0 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, feed.Broadcast(ctx))
}

func TestStatusFeed_StatusHandler(t *testing.T) {
	source := &fakeSource{status: core.Status{State: core.StateRunning, UnderrunCount: 2}}
	feed, err := NewStatusFeed(source, Config{}, testLogger())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	feed.StatusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var st core.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, core.StateRunning, st.State)
	assert.Equal(t, uint64(2), st.UnderrunCount)
}

func TestStatusFeed_RejectsAfterShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	feed, err := NewStatusFeed(&fakeSource{}, Config{}, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, feed.Broadcast(ctx))

	srv := httptest.NewServer(feed)
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.Equal(t, 0, feed.Subscribers())
}
