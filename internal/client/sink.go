package client

import (
	"time"

	"github.com/hongjun500/peerchat-go/internal/wire"
)

// Sink 入站消息回调，由嵌入方（CLI / 存储层）实现。
// 核心只负责把两条路径上收到的东西交出去，不做持久化。
type Sink interface {
	// OnMessage relay 路径转发来的消息
	OnMessage(from, body string)
	// OnFile relay 路径转发来的文件通告
	OnFile(from, name string, size int64, id string)
	// OnDirect 直连路径收到的消息
	OnDirect(p *wire.PeerPayload)
	// OnPresence 在线用户集合的推送快照
	OnPresence(users []string)
}

// StorageSink 持久化协作方的契约。核心不调用它，
// 嵌入方在拿到 DeliveryAttempt 之后自行决定存什么。
type StorageSink interface {
	SaveMessage(from, to, body string, at time.Time) bool
	FindOrCreateConversation(a, b string) (int64, error)
	OnlineUsers() []string
}

// IdentityProvider 提供 REGISTER 与直连负载附带的密钥指纹，内容对核心不透明
type IdentityProvider interface {
	Fingerprint() string
}

// StaticIdentity 固定指纹，测试和不开启加密的部署用
type StaticIdentity string

func (s StaticIdentity) Fingerprint() string { return string(s) }
