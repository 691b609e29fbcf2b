// protocols/websocket/server.go
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lisuiheng/pawire-go/core"
	"github.com/lisuiheng/pawire-go/pkg/interfaces"
	"golang.org/x/sync/errgroup"
)

var _ http.Handler = (*StatusFeed)(nil)

// Config 状态推送服务配置
type Config struct {
	ListenAddr string
	Interval   time.Duration
}

// StatusFeed 通过 websocket 周期性推送链路状态快照
type StatusFeed struct {
	source   interfaces.StatusSource
	config   Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*connection]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewStatusFeed(source interfaces.StatusSource, config Config, logger *slog.Logger) (*StatusFeed, error) {
	if source == nil {
		return nil, errors.New("status source cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if config.Interval <= 0 {
		config.Interval = time.Second
	}
	return &StatusFeed{
		source: source,
		config: config,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		conns: make(map[*connection]struct{}),
	}, nil
}

// ServeHTTP 升级为 websocket 连接并立即推送一次当前状态
func (f *StatusFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("Failed to upgrade status connection", "error", err)
		return
	}

	c := newConnection(conn, f.logger)
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		_ = conn.Close()
		return
	}
	f.conns[c] = struct{}{}
	f.wg.Add(2)
	f.mu.Unlock()

	f.logger.Debug("Status subscriber connected", "remote", conn.RemoteAddr().String())

	if msg, err := encode(interfaces.MsgStatus, f.source.Status()); err == nil {
		c.enqueue(msg)
	}

	go func() {
		defer f.wg.Done()
		c.writePump()
	}()
	go func() {
		defer f.wg.Done()
		c.readPump(func() { f.remove(c) })
	}()
}

// StatusHandler 以 JSON 返回一次状态快照
func (f *StatusFeed) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(f.source.Status()); err != nil {
			f.logger.Error("Failed to encode status", "error", err)
		}
	}
}

// Subscribers 当前订阅者数量
func (f *StatusFeed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *StatusFeed) remove(c *connection) {
	f.mu.Lock()
	delete(f.conns, c)
	f.mu.Unlock()
	c.close()
}

// Broadcast 按间隔推送状态，状态变化时消息类型为 state。
// ctx 取消后关闭全部连接并等待连接协程退出。
func (f *StatusFeed) Broadcast(ctx context.Context) error {
	ticker := time.NewTicker(f.config.Interval)
	defer ticker.Stop()
	defer f.shutdown()

	var lastState core.LinkState
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			st := f.source.Status()
			msgType := interfaces.MsgStatus
			if st.State != lastState {
				msgType = interfaces.MsgState
				lastState = st.State
			}

			msg, err := encode(msgType, st)
			if err != nil {
				f.logger.Error("Failed to marshal status", "error", err)
				continue
			}

			f.mu.Lock()
			for c := range f.conns {
				c.enqueue(msg)
			}
			f.mu.Unlock()
		}
	}
}

func (f *StatusFeed) shutdown() {
	f.mu.Lock()
	f.closed = true
	conns := make([]*connection, 0, len(f.conns))
	for c := range f.conns {
		conns = append(conns, c)
	}
	f.conns = make(map[*connection]struct{})
	f.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	f.wg.Wait()
}

// Run 在 ListenAddr 上提供 /ws/status 与 /status，同时运行推送循环，直到 ctx 取消。
// mux 可预先注册其他处理器（例如 /metrics）。
func (f *StatusFeed) Run(ctx context.Context, mux *http.ServeMux) error {
	if mux == nil {
		mux = http.NewServeMux()
	}
	mux.Handle("/ws/status", f)
	mux.Handle("/status", f.StatusHandler())

	server := &http.Server{
		Addr:              f.config.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		f.logger.Info("Status server listening", "addr", f.config.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("status server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return f.Broadcast(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func encode(msgType interfaces.MessageType, st core.Status) ([]byte, error) {
	return json.Marshal(interfaces.Message{Type: msgType, Status: st})
}
