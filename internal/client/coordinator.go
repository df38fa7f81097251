package client

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hongjun500/peerchat-go/internal/observe"
	"github.com/hongjun500/peerchat-go/internal/wire"
	"github.com/hongjun500/peerchat-go/pkg/logger"
)

// Path 一次投递走的通道
type Path string

const (
	PathDirect Path = "direct"
	PathRelay  Path = "relay"
)

// Outcome 一次投递的结局
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeQueued    Outcome = "queued"
	OutcomeFailed    Outcome = "failed"
)

// DeliveryAttempt 单次发送的结果，核心不持久化也不自动重试，
// 拿到 Failed 之后怎么办由嵌入方决定
type DeliveryAttempt struct {
	Recipient string
	Body      string
	Path      Path
	Outcome   Outcome
	Err       error
}

// RelaySender relay 兜底路径的最小依赖，测试里好替换
type RelaySender interface {
	Send(to, body string) (wire.Kind, error)
	Connected() bool
}

// Coordinator 出站投递协调器：先试直连，失败再走 relay。
// 直连成功即算送达（本地写成功就算，对端不回执）；两条路都不通才是 Failed。
// 对每个 peer 缓存一条出站连接，写挂了立刻淘汰，下次发送重拨。
type Coordinator struct {
	user     string
	identity IdentityProvider
	resolver EndpointResolver
	relay    RelaySender

	dialTimeout time.Duration

	mu    sync.Mutex
	peers map[string]*peerConn // 与 relay 的注册表无关，归协调器独有
}

type peerConn struct {
	conn net.Conn
	mu   sync.Mutex
}

func NewCoordinator(user string, identity IdentityProvider, resolver EndpointResolver, relay RelaySender, dialTimeout time.Duration) *Coordinator {
	if dialTimeout <= 0 {
		dialTimeout = 3 * time.Second
	}
	return &Coordinator{
		user:        user,
		identity:    identity,
		resolver:    resolver,
		relay:       relay,
		dialTimeout: dialTimeout,
	}
}

// Send 投递一条消息，返回走了哪条路、什么结局
func (c *Coordinator) Send(recipient, body string) DeliveryAttempt {
	attempt := DeliveryAttempt{Recipient: recipient, Body: body}

	// 第一步：直连。写成功即送达，不等对端确认。
	if err := c.sendDirect(recipient, body); err == nil {
		observe.IncDirectSend("ok")
		attempt.Path = PathDirect
		attempt.Outcome = OutcomeDelivered
		return attempt
	} else {
		logger.L().Sugar().Debugw("direct_send_failed", "to", recipient, "err", err)
	}

	// 第二步：relay 兜底
	attempt.Path = PathRelay
	if c.relay == nil || !c.relay.Connected() {
		observe.IncDirectSend("failed")
		attempt.Outcome = OutcomeFailed
		attempt.Err = ErrRelayUnavailable
		return attempt
	}
	kind, err := c.relay.Send(recipient, body)
	if err != nil {
		observe.IncDirectSend("failed")
		attempt.Outcome = OutcomeFailed
		attempt.Err = err
		return attempt
	}
	observe.IncDirectSend("fallback")
	if kind == wire.KindDelivered {
		attempt.Outcome = OutcomeDelivered
	} else {
		attempt.Outcome = OutcomeQueued
	}
	return attempt
}

func (c *Coordinator) sendDirect(recipient, body string) error {
	pc, err := c.peer(recipient)
	if err != nil {
		return err
	}

	fingerprint := ""
	if c.identity != nil {
		fingerprint = c.identity.Fingerprint()
	}
	line, err := wire.EncodePeerLine(&wire.PeerPayload{
		ID:          uuid.New().String(),
		Sender:      c.user,
		Receiver:    recipient,
		Content:     body,
		Timestamp:   time.Now().UnixMilli(),
		Fingerprint: fingerprint,
	})
	if err != nil {
		return err
	}

	pc.mu.Lock()
	_, werr := fmt.Fprintln(pc.conn, line)
	pc.mu.Unlock()
	if werr != nil {
		// 已知坏掉的连接立刻出缓存，下次发送重拨而不是复用
		c.evict(recipient, pc)
		return werr
	}
	return nil
}

// peer 取缓存的出站连接，没有就解析地址并拨号，连接在进程内复用
func (c *Coordinator) peer(recipient string) (*peerConn, error) {
	c.mu.Lock()
	if c.peers == nil {
		c.peers = make(map[string]*peerConn)
	}
	if pc, ok := c.peers[recipient]; ok {
		c.mu.Unlock()
		return pc, nil
	}
	c.mu.Unlock()

	host, port, err := c.resolver.Resolve(recipient)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), c.dialTimeout)
	if err != nil {
		return nil, err
	}

	pc := &peerConn{conn: conn}
	c.mu.Lock()
	// 并发发送同一个 peer 时可能撞车，留先到的那条
	if existing, ok := c.peers[recipient]; ok {
		c.mu.Unlock()
		_ = conn.Close()
		return existing, nil
	}
	c.peers[recipient] = pc
	c.mu.Unlock()
	return pc, nil
}

func (c *Coordinator) evict(recipient string, pc *peerConn) {
	c.mu.Lock()
	if cur, ok := c.peers[recipient]; ok && cur == pc {
		delete(c.peers, recipient)
	}
	c.mu.Unlock()
	_ = pc.conn.Close()
}

// Close 断开所有缓存的直连
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for user, pc := range c.peers {
		_ = pc.conn.Close()
		delete(c.peers, user)
	}
}
