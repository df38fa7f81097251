package relay

import (
	"errors"
	"net"
	"sync"

	"github.com/hongjun500/peerchat-go/internal/observe"
	"github.com/hongjun500/peerchat-go/internal/wire"
	"github.com/hongjun500/peerchat-go/pkg/logger"
)

// lineConn 抽象一条按行收发的连接，TCP 和 WebSocket 各有一个实现
type lineConn interface {
	ReadLine() (string, error)
	WriteLine(line string) error
	Close() error
	RemoteAddr() string
}

// session 一条已接入连接的服务端状态机：未注册 -> 已注册 -> 已关闭。
// 读循环、写循环各一个 goroutine，状态只归本会话所有，共享的只有注册表。
type session struct {
	id   string
	conn lineConn
	srv  *Server

	mu       sync.RWMutex
	user     string // 空串即未注册
	peerPort int    // IDENTIFY 公布的 P2P 监听端口，0 表示未公布

	out       chan string
	closed    chan struct{}
	closeOnce sync.Once
}

func newSession(id string, conn lineConn, srv *Server) *session {
	buf := srv.cfg.OutBuffer
	if buf <= 0 {
		buf = 256
	}
	return &session{
		id:     id,
		conn:   conn,
		srv:    srv,
		out:    make(chan string, buf),
		closed: make(chan struct{}),
	}
}

// Send 非阻塞投递一行到发送缓冲。缓冲满直接丢弃并计数，
// 慢会话不能拖住广播循环，这是有意的取舍。
func (s *session) Send(line string) {
	select {
	case <-s.closed:
	case s.out <- line:
	default:
		observe.IncDropped()
	}
}

func (s *session) identity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// close 进入已关闭态：断开连接并从注册表摘除（若已注册）。
// 读失败、写失败、服务端停机都汇合到这一处。
func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
		if user := s.identity(); user != "" {
			s.srv.registry.Unregister(user, s)
		}
		s.srv.sessions.Delete(s.id)
	})
}

// run 驱动会话直到连接终结，serveConn 的 goroutine 调用
func (s *session) run() {
	defer s.close()

	// 写循环：写失败视同连接失败，整个会话收场
	go func() {
		for {
			select {
			case <-s.closed:
				return
			case line := <-s.out:
				if err := s.conn.WriteLine(line); err != nil {
					logger.L().Sugar().Debugw("session_write_error", "session", s.id, "err", err)
					s.close()
					return
				}
			}
		}
	}()

	for {
		line, err := s.conn.ReadLine()
		if err != nil {
			// EOF 或读失败都走关闭路径
			return
		}
		if line == "" {
			continue
		}
		msg, err := wire.Decode(line)
		if err != nil {
			// 协议错误只丢弃这一行，连接保持打开
			kind := "malformed"
			if errors.Is(err, wire.ErrUnknownCommand) {
				kind = "unknown_command"
			}
			observe.IncProtocolError(kind)
			logger.L().Sugar().Warnw("session_bad_line", "session", s.id, "err", err)
			continue
		}
		s.handle(msg)
	}
}

func (s *session) handle(msg wire.Message) {
	switch msg.Kind {
	case wire.KindRegister:
		s.handleRegister(msg)
	case wire.KindIdentify:
		s.handleIdentify(msg)
	case wire.KindSend:
		s.handleSend(msg)
	case wire.KindSendFile:
		s.handleSendFile(msg)
	case wire.KindGetOnlineUsers:
		s.Send(wire.Encode(wire.Message{Kind: wire.KindOnlineUsers, Users: s.srv.registry.ListOnline()}))
	case wire.KindGetPeerAddr:
		s.handleGetPeerAddr(msg)
	case wire.KindPing:
		s.Send(wire.Encode(wire.Message{Kind: wire.KindPong}))
	default:
		// 语法上合法但不该由客户端发来的命令，按协议错误丢弃
		observe.IncProtocolError("unknown_command")
		logger.L().Sugar().Warnw("session_unexpected_command", "session", s.id, "kind", string(msg.Kind))
	}
}

func (s *session) handleRegister(msg wire.Message) {
	if !wire.ValidUser(msg.User) {
		observe.IncProtocolError("malformed")
		logger.L().Sugar().Warnw("session_invalid_user", "session", s.id, "user", msg.User)
		return
	}

	s.mu.Lock()
	prev := s.user
	s.user = msg.User
	peerPort := s.peerPort
	s.mu.Unlock()

	// 同一条连接换身份重新注册：先摘掉旧身份
	if prev != "" && prev != msg.User {
		s.srv.registry.Unregister(prev, s)
	}
	s.srv.registry.Register(msg.User, s)
	if peerPort > 0 {
		s.srv.registry.SetPeerEndpoint(msg.User, s.remoteHost(), peerPort)
	}
	s.Send(wire.Encode(wire.Message{Kind: wire.KindRegistered, User: msg.User}))
	logger.L().Sugar().Infow("user_online", "user", msg.User, "fingerprint", msg.Fingerprint, "session", s.id)
}

func (s *session) handleIdentify(msg wire.Message) {
	s.mu.Lock()
	s.peerPort = msg.Port
	user := s.user
	s.mu.Unlock()
	if user != "" {
		s.srv.registry.SetPeerEndpoint(user, s.remoteHost(), msg.Port)
	}
}

func (s *session) handleSend(msg wire.Message) {
	from := s.identity()
	if from == "" {
		logger.L().Sugar().Warnw("session_send_unidentified", "session", s.id)
		return
	}
	// lookup 和投递之间目标仍可能掉线，那种竞态收敛到对方写循环的失败上
	if target, ok := s.srv.registry.Lookup(msg.To); ok {
		target.Send(wire.Encode(wire.Message{Kind: wire.KindMessage, From: from, Body: msg.Body}))
		s.Send(wire.Encode(wire.Message{Kind: wire.KindDelivered, To: msg.To}))
		observe.IncRelayed("delivered")
		return
	}
	s.Send(wire.Encode(wire.Message{Kind: wire.KindQueued, To: msg.To}))
	observe.IncRelayed("queued")
}

func (s *session) handleSendFile(msg wire.Message) {
	from := s.identity()
	if from == "" {
		logger.L().Sugar().Warnw("session_send_unidentified", "session", s.id)
		return
	}
	if target, ok := s.srv.registry.Lookup(msg.To); ok {
		target.Send(wire.Encode(wire.Message{
			Kind: wire.KindFile, From: from,
			FileName: msg.FileName, FileSize: msg.FileSize, FileID: msg.FileID,
		}))
		s.Send(wire.Encode(wire.Message{Kind: wire.KindDelivered, To: msg.To}))
		observe.IncRelayed("delivered")
		return
	}
	s.Send(wire.Encode(wire.Message{Kind: wire.KindQueued, To: msg.To}))
	observe.IncRelayed("queued")
}

func (s *session) handleGetPeerAddr(msg wire.Message) {
	if host, port, ok := s.srv.registry.PeerEndpoint(msg.User); ok {
		s.Send(wire.Encode(wire.Message{Kind: wire.KindPeerAddr, User: msg.User, Host: host, Port: port}))
		return
	}
	s.Send(wire.Encode(wire.Message{Kind: wire.KindPeerUnknown, User: msg.User}))
}

func (s *session) remoteHost() string {
	host, _, err := net.SplitHostPort(s.conn.RemoteAddr())
	if err != nil {
		return s.conn.RemoteAddr()
	}
	return host
}
