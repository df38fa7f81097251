package relay

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hongjun500/peerchat-go/internal/observe"
	"github.com/hongjun500/peerchat-go/internal/presence"
	"github.com/hongjun500/peerchat-go/internal/wire"
	"github.com/hongjun500/peerchat-go/pkg/logger"
)

// Config relay 服务端配置，由调用方显式传入
type Config struct {
	Addr         string
	OutBuffer    int           // 会话发送缓冲区
	ReadTimeout  time.Duration // 0 表示不限
	WriteTimeout time.Duration // 0 表示不限
}

// Server 汇聚点服务端：监听、每连接一个会话、持有唯一的在线注册表。
// 会话之间只通过注册表交互，单个会话的故障不外溢。
type Server struct {
	cfg      Config
	registry *presence.Registry

	ln       net.Listener
	lnMu     sync.Mutex
	sessions sync.Map // id -> *session
	wg       sync.WaitGroup
	closing  atomic.Bool

	cancelSub func()
}

func New(cfg Config) *Server {
	return &Server{
		cfg:      cfg,
		registry: presence.NewRegistry(),
	}
}

// Registry 暴露注册表给嵌入方（事件导出、测试）
func (s *Server) Registry() *presence.Registry { return s.registry }

// Addr 实际监听地址，Start 之后有效（Addr 配置 ":0" 时由这里拿真实端口）
func (s *Server) Addr() string {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start 绑定端口并阻塞在 accept 循环。绑定失败直接返回，由进程属主决定换端口还是退出。
// ctx 取消等价于 Shutdown 的停止接入阶段。
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("relay listen %s: %w", s.cfg.Addr, err)
	}
	s.lnMu.Lock()
	s.ln = ln
	s.lnMu.Unlock()

	// 任何在线状态变化都向所有已注册会话推送一次快照
	s.cancelSub = s.registry.Subscribe(func(presence.Event) {
		s.broadcastPresence()
	})

	logger.L().Sugar().Infow("relay_listen", "addr", ln.Addr().String())
	go func() { <-ctx.Done(); _ = ln.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if s.closing.Load() {
				return nil
			}
			logger.L().Sugar().Warnw("relay_accept_error", "err", err)
			continue
		}
		s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	id := uuid.New().String()
	sess := newSession(id, newTCPLineConn(conn, s.cfg.ReadTimeout, s.cfg.WriteTimeout), s)
	s.sessions.Store(id, sess)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		logger.L().Sugar().Debugw("relay_session_open", "session", id, "remote", conn.RemoteAddr().String())
		sess.run()
		logger.L().Sugar().Debugw("relay_session_close", "session", id)
	}()
}

// broadcastPresence 把一份在线快照推给每个已注册会话。
// 单个会话写失败算它自己断开，广播循环继续。
func (s *Server) broadcastPresence() {
	snapshot := s.registry.ListOnline()
	line := wire.Encode(wire.Message{Kind: wire.KindOnlineUsers, Users: snapshot})
	for _, u := range snapshot {
		if h, ok := s.registry.Lookup(u); ok {
			h.Send(line)
		}
	}
	observe.IncBroadcast()
}

// Shutdown 优雅停机：先停止接入，再关掉所有会话连接让各自的阻塞读返回，
// 有界等待会话收尾，监听套接字最后关闭。
func (s *Server) Shutdown(timeout time.Duration) {
	s.closing.Store(true)
	if s.cancelSub != nil {
		s.cancelSub()
	}

	s.lnMu.Lock()
	ln := s.ln
	s.lnMu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	s.sessions.Range(func(_, v any) bool {
		if sess, ok := v.(*session); ok {
			sess.close()
		}
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logger.L().Sugar().Warnw("relay_shutdown_timeout", "timeout", timeout)
	}
	logger.L().Sugar().Infow("relay_shutdown_complete")
}

// tcpLineConn lineConn 的 TCP 实现
type tcpLineConn struct {
	conn         net.Conn
	r            *bufio.Reader
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func newTCPLineConn(conn net.Conn, readTimeout, writeTimeout time.Duration) *tcpLineConn {
	return &tcpLineConn{conn: conn, r: bufio.NewReader(conn), readTimeout: readTimeout, writeTimeout: writeTimeout}
}

func (t *tcpLineConn) ReadLine() (string, error) {
	if t.readTimeout > 0 {
		_ = t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	}
	line, err := t.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (t *tcpLineConn) WriteLine(line string) error {
	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	_, err := fmt.Fprintln(t.conn, line)
	return err
}

func (t *tcpLineConn) Close() error { return t.conn.Close() }

func (t *tcpLineConn) RemoteAddr() string { return t.conn.RemoteAddr().String() }
