package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hongjun500/peerchat-go/internal/client"
	"github.com/hongjun500/peerchat-go/internal/config"
	"github.com/hongjun500/peerchat-go/internal/wire"
	"github.com/hongjun500/peerchat-go/pkg/logger"
)

// 最小可用的交互客户端，完整 CLI 是嵌入方的事。
// 用法：peerchat <本机号码> [relay地址]
// 输入 "<对方号码> <内容>" 发消息，/who 看在线，/quit 退出。

type stdoutSink struct{}

func (stdoutSink) OnMessage(from, body string) {
	fmt.Printf("[relay] %s: %s\n", from, body)
}

func (stdoutSink) OnFile(from, name string, size int64, id string) {
	fmt.Printf("[relay] %s sends file %s (%d bytes, id=%s)\n", from, name, size, id)
}

func (stdoutSink) OnDirect(p *wire.PeerPayload) {
	fmt.Printf("[p2p] %s: %s\n", p.Sender, p.Content)
}

func (stdoutSink) OnPresence(users []string) {
	fmt.Printf("[online] %s\n", strings.Join(users, ", "))
}

func main() {
	if len(os.Args) < 2 || !wire.ValidUser(os.Args[1]) {
		fmt.Fprintln(os.Stderr, "usage: peerchat <10-digit-phone> [relay-addr]")
		os.Exit(2)
	}
	user := os.Args[1]

	cfg := config.Load()
	relayAddr := cfg.ListenAddr
	if len(os.Args) >= 3 {
		relayAddr = os.Args[2]
	}

	sink := stdoutSink{}
	rel := client.NewRelay(client.RelayConfig{
		Addr:             relayAddr,
		DialTimeout:      cfg.DialTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		ReconnectMax:     cfg.ReconnectMax,
		ReconnectBackoff: cfg.ReconnectBackoff,
	}, sink)
	if err := rel.Dial(); err != nil {
		logger.L().Sugar().Fatalw("relay_dial_failed", "addr", relayAddr, "err", err)
	}
	defer rel.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener := client.NewListener(cfg.PeerAddr, sink)
	go func() {
		if err := listener.Start(ctx); err != nil {
			logger.L().Sugar().Errorw("peer_listener_exit", "err", err)
		}
	}()

	identity := client.StaticIdentity("")
	if err := rel.Register(user, identity.Fingerprint()); err != nil {
		logger.L().Sugar().Fatalw("register_failed", "user", user, "err", err)
	}
	// 监听器在另一个 goroutine 里绑定，等端口就绪再公布
	for i := 0; i < 50 && listener.Port() == 0; i++ {
		time.Sleep(20 * time.Millisecond)
	}
	if port := listener.Port(); port > 0 {
		_ = rel.Identify(port)
	}
	fmt.Printf("registered as %s, relay %s\n", user, relayAddr)

	coord := client.NewCoordinator(user, identity, &client.RelayResolver{Relay: rel}, rel, cfg.DialTimeout)
	defer coord.Close()

	stdin := bufio.NewScanner(os.Stdin)
	for stdin.Scan() {
		line := strings.TrimSpace(stdin.Text())
		if line == "" {
			continue
		}
		switch {
		case line == "/quit":
			return
		case line == "/who":
			if users, err := rel.OnlineUsers(); err == nil {
				fmt.Printf("[online] %s\n", strings.Join(users, ", "))
			}
			continue
		}
		to, body, ok := strings.Cut(line, " ")
		if !ok || !wire.ValidUser(to) {
			fmt.Println("usage: <10-digit-phone> <message> | /who | /quit")
			continue
		}
		attempt := coord.Send(to, body)
		switch attempt.Outcome {
		case client.OutcomeDelivered:
			fmt.Printf("delivered via %s\n", attempt.Path)
		case client.OutcomeQueued:
			fmt.Printf("%s offline, queued by relay\n", to)
		default:
			fmt.Printf("send failed: %v\n", attempt.Err)
		}
	}
}
