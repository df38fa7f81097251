package client

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hongjun500/peerchat-go/internal/wire"
	"github.com/hongjun500/peerchat-go/pkg/logger"
)

var (
	// ErrRelayUnavailable relay 连接不可用且重连额度已耗尽
	ErrRelayUnavailable = errors.New("relay unavailable")
	// ErrPeerUnknown relay 不知道目标用户的直连地址
	ErrPeerUnknown = errors.New("peer endpoint unknown")
)

const requestTimeout = 5 * time.Second

// RelayConfig 客户端到 relay 的连接配置
type RelayConfig struct {
	Addr             string
	DialTimeout      time.Duration
	WriteTimeout     time.Duration
	ReconnectMax     int           // 有界重连次数，0 表示断开即放弃
	ReconnectBackoff time.Duration // 相邻两次重连的间隔
}

// Relay 客户端侧的 relay 连接：注册身份、发消息并等 DELIVERED/QUEUED 答复、
// 把服务端推送分发给 Sink。读循环独占一个 goroutine，断开后按配置有界重连。
type Relay struct {
	cfg  RelayConfig
	sink Sink

	mu   sync.Mutex // 保护 conn 与出站写
	conn net.Conn

	connected atomic.Bool
	closed    atomic.Bool

	// 每类请求同一时刻只有一个在途，答复经各自的缓冲通道送回
	sendMu  sync.Mutex
	replyCh chan wire.Message
	regCh   chan string
	usersCh chan []string
	peerCh  chan wire.Message
	pongCh  chan struct{}

	// 重连后恢复身份用
	identMu     sync.Mutex
	user        string
	fingerprint string
	peerPort    int
}

func NewRelay(cfg RelayConfig, sink Sink) *Relay {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 3 * time.Second
	}
	return &Relay{
		cfg:     cfg,
		sink:    sink,
		replyCh: make(chan wire.Message, 1),
		regCh:   make(chan string, 1),
		usersCh: make(chan []string, 1),
		peerCh:  make(chan wire.Message, 1),
		pongCh:  make(chan struct{}, 1),
	}
}

// Dial 建立连接并启动读循环
func (r *Relay) Dial() error {
	conn, err := net.DialTimeout("tcp", r.cfg.Addr, r.cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	r.connected.Store(true)
	go r.readLoop()
	return nil
}

// Connected relay 连接当前是否可用
func (r *Relay) Connected() bool { return r.connected.Load() }

// Close 主动断开，不触发重连
func (r *Relay) Close() {
	r.closed.Store(true)
	r.connected.Store(false)
	r.mu.Lock()
	if r.conn != nil {
		_ = r.conn.Close()
	}
	r.mu.Unlock()
}

func (r *Relay) writeLine(line string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil || !r.connected.Load() {
		return ErrRelayUnavailable
	}
	if r.cfg.WriteTimeout > 0 {
		_ = r.conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
	}
	if _, err := fmt.Fprintln(r.conn, line); err != nil {
		return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	return nil
}

// Register 注册身份并等待 REGISTERED 确认
func (r *Relay) Register(user, fingerprint string) error {
	r.identMu.Lock()
	r.user, r.fingerprint = user, fingerprint
	r.identMu.Unlock()

	if err := r.writeLine(wire.Encode(wire.Message{Kind: wire.KindRegister, User: user, Fingerprint: fingerprint})); err != nil {
		return err
	}
	select {
	case got := <-r.regCh:
		if got != user {
			return fmt.Errorf("registered as %q, want %q", got, user)
		}
		return nil
	case <-time.After(requestTimeout):
		return fmt.Errorf("register %s: reply timeout", user)
	}
}

// Identify 公布本地 P2P 监听端口，relay 据此应答别人的 GET_PEER_ADDR
func (r *Relay) Identify(peerPort int) error {
	r.identMu.Lock()
	r.peerPort = peerPort
	r.identMu.Unlock()
	return r.writeLine(wire.Encode(wire.Message{Kind: wire.KindIdentify, Port: peerPort}))
}

// Send 经 relay 发送一条消息，返回服务端的 DELIVERED / QUEUED 结论
func (r *Relay) Send(to, body string) (wire.Kind, error) {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	// 丢掉上一次超时后迟到的答复
	select {
	case <-r.replyCh:
	default:
	}

	if err := r.writeLine(wire.Encode(wire.Message{Kind: wire.KindSend, To: to, Body: body})); err != nil {
		return "", err
	}
	select {
	case reply := <-r.replyCh:
		return reply.Kind, nil
	case <-time.After(requestTimeout):
		return "", fmt.Errorf("send to %s: reply timeout", to)
	}
}

// SendFile 经 relay 发送文件通告，语义与 Send 一致
func (r *Relay) SendFile(to, name string, size int64, id string) (wire.Kind, error) {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	select {
	case <-r.replyCh:
	default:
	}

	if err := r.writeLine(wire.Encode(wire.Message{
		Kind: wire.KindSendFile, To: to, FileName: name, FileSize: size, FileID: id,
	})); err != nil {
		return "", err
	}
	select {
	case reply := <-r.replyCh:
		return reply.Kind, nil
	case <-time.After(requestTimeout):
		return "", fmt.Errorf("send file to %s: reply timeout", to)
	}
}

// OnlineUsers 拉取一次在线用户快照
func (r *Relay) OnlineUsers() ([]string, error) {
	select {
	case <-r.usersCh:
	default:
	}
	if err := r.writeLine(wire.Encode(wire.Message{Kind: wire.KindGetOnlineUsers})); err != nil {
		return nil, err
	}
	select {
	case users := <-r.usersCh:
		return users, nil
	case <-time.After(requestTimeout):
		return nil, errors.New("online users: reply timeout")
	}
}

// ResolvePeer 向 relay 查询目标用户公布的直连地址
func (r *Relay) ResolvePeer(user string) (host string, port int, err error) {
	select {
	case <-r.peerCh:
	default:
	}
	if err := r.writeLine(wire.Encode(wire.Message{Kind: wire.KindGetPeerAddr, User: user})); err != nil {
		return "", 0, err
	}
	select {
	case reply := <-r.peerCh:
		if reply.Kind == wire.KindPeerUnknown {
			return "", 0, fmt.Errorf("%w: %s", ErrPeerUnknown, user)
		}
		return reply.Host, reply.Port, nil
	case <-time.After(requestTimeout):
		return "", 0, fmt.Errorf("resolve %s: reply timeout", user)
	}
}

// Ping 心跳往返
func (r *Relay) Ping() error {
	select {
	case <-r.pongCh:
	default:
	}
	if err := r.writeLine(wire.Encode(wire.Message{Kind: wire.KindPing})); err != nil {
		return err
	}
	select {
	case <-r.pongCh:
		return nil
	case <-time.After(requestTimeout):
		return errors.New("ping: reply timeout")
	}
}

func (r *Relay) readLoop() {
	for {
		r.mu.Lock()
		conn := r.conn
		r.mu.Unlock()
		if conn == nil {
			return
		}

		br := bufio.NewReader(conn)
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				break
			}
			r.dispatch(strings.TrimSpace(line))
		}

		r.connected.Store(false)
		if r.closed.Load() {
			return
		}
		logger.L().Sugar().Warnw("relay_connection_lost", "addr", r.cfg.Addr)
		if !r.reconnect() {
			return
		}
	}
}

func (r *Relay) dispatch(line string) {
	if line == "" {
		return
	}
	msg, err := wire.Decode(line)
	if err != nil {
		logger.L().Sugar().Warnw("relay_bad_line", "err", err)
		return
	}
	switch msg.Kind {
	case wire.KindMessage:
		if r.sink != nil {
			r.sink.OnMessage(msg.From, msg.Body)
		}
	case wire.KindFile:
		if r.sink != nil {
			r.sink.OnFile(msg.From, msg.FileName, msg.FileSize, msg.FileID)
		}
	case wire.KindOnlineUsers:
		if r.sink != nil {
			r.sink.OnPresence(msg.Users)
		}
		select {
		case r.usersCh <- msg.Users:
		default:
		}
	case wire.KindDelivered, wire.KindQueued:
		select {
		case r.replyCh <- msg:
		default:
		}
	case wire.KindRegistered:
		select {
		case r.regCh <- msg.User:
		default:
		}
	case wire.KindPeerAddr, wire.KindPeerUnknown:
		select {
		case r.peerCh <- msg:
		default:
		}
	case wire.KindPong:
		select {
		case r.pongCh <- struct{}{}:
		default:
		}
	default:
		logger.L().Sugar().Debugw("relay_unexpected_push", "kind", string(msg.Kind))
	}
}

// reconnect 有界重连：最多 ReconnectMax 次，间隔 ReconnectBackoff，
// 成功后自动恢复注册身份与 P2P 端口公布。取代无限后台重连线程的老做法。
func (r *Relay) reconnect() bool {
	for attempt := 1; attempt <= r.cfg.ReconnectMax; attempt++ {
		if r.closed.Load() {
			return false
		}
		time.Sleep(r.cfg.ReconnectBackoff)

		conn, err := net.DialTimeout("tcp", r.cfg.Addr, r.cfg.DialTimeout)
		if err != nil {
			logger.L().Sugar().Warnw("relay_reconnect_failed", "attempt", attempt, "max", r.cfg.ReconnectMax, "err", err)
			continue
		}
		r.mu.Lock()
		r.conn = conn
		r.mu.Unlock()
		r.connected.Store(true)

		r.identMu.Lock()
		user, fingerprint, peerPort := r.user, r.fingerprint, r.peerPort
		r.identMu.Unlock()
		if user != "" {
			_ = r.writeLine(wire.Encode(wire.Message{Kind: wire.KindRegister, User: user, Fingerprint: fingerprint}))
		}
		if peerPort > 0 {
			_ = r.writeLine(wire.Encode(wire.Message{Kind: wire.KindIdentify, Port: peerPort}))
		}
		logger.L().Sugar().Infow("relay_reconnected", "attempt", attempt)
		return true
	}
	logger.L().Sugar().Errorw("relay_reconnect_exhausted", "max", r.cfg.ReconnectMax)
	return false
}
