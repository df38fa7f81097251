package client

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hongjun500/peerchat-go/internal/wire"
	"github.com/hongjun500/peerchat-go/pkg/logger"
)

// Listener 直连收件口：relay 服务端的微缩对称版，但只服务一个本地用户，
// 不需要注册表。不同发送方可能同时进来，一连接一个 goroutine。
type Listener struct {
	addr string
	sink Sink

	ln      net.Listener
	lnMu    sync.Mutex
	wg      sync.WaitGroup
	closing atomic.Bool
}

func NewListener(addr string, sink Sink) *Listener {
	return &Listener{addr: addr, sink: sink}
}

// Addr 实际监听地址，Start 之后有效
func (l *Listener) Addr() string {
	l.lnMu.Lock()
	defer l.lnMu.Unlock()
	if l.ln == nil {
		return ""
	}
	return l.ln.Addr().String()
}

// Port 实际监听端口，给 IDENTIFY 用
func (l *Listener) Port() int {
	addr := l.Addr()
	if addr == "" {
		return 0
	}
	tcp, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return 0
	}
	return tcp.Port
}

// Start 绑定端口并阻塞在 accept 循环，端口被占用时直接返回错误
func (l *Listener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("peer listen %s: %w", l.addr, err)
	}
	l.lnMu.Lock()
	l.ln = ln
	l.lnMu.Unlock()

	logger.L().Sugar().Infow("peer_listen", "addr", ln.Addr().String())
	go func() { <-ctx.Done(); l.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if l.closing.Load() || ctx.Err() != nil {
				return nil
			}
			logger.L().Sugar().Warnw("peer_accept_error", "err", err)
			continue
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.serveConn(conn)
		}()
	}
}

func (l *Listener) serveConn(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	logger.L().Sugar().Debugw("peer_conn_open", "remote", remote)

	br := bufio.NewReader(conn)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		p, err := wire.DecodePeerLine(line)
		if err != nil {
			// 垃圾行不终结连接
			logger.L().Sugar().Warnw("peer_bad_line", "remote", remote, "err", err)
			continue
		}
		if l.sink != nil {
			l.sink.OnDirect(p)
		}
	}
}

// Close 停止接入并关闭监听套接字
func (l *Listener) Close() {
	l.closing.Store(true)
	l.lnMu.Lock()
	if l.ln != nil {
		_ = l.ln.Close()
	}
	l.lnMu.Unlock()
}
