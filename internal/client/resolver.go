package client

import (
	"fmt"
	"net"
	"strconv"
)

// EndpointResolver 把用户标识换成可拨号的直连地址。
// 解析失败与连接失败对 Coordinator 同等对待：走 relay 兜底。
type EndpointResolver interface {
	Resolve(user string) (host string, port int, err error)
}

// StaticResolver 固定映射表，user -> "host:port"，局域网部署和测试用
type StaticResolver map[string]string

func (m StaticResolver) Resolve(user string) (string, int, error) {
	addr, ok := m[user]
	if !ok {
		return "", 0, fmt.Errorf("%w: %s", ErrPeerUnknown, user)
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("resolve %s: %v", user, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("resolve %s: bad port %q", user, portStr)
	}
	return host, port, nil
}

// RelayResolver 把 relay 当 rendezvous 用：地址来自对方 IDENTIFY 公布的端口
type RelayResolver struct {
	Relay *Relay
}

func (r *RelayResolver) Resolve(user string) (string, int, error) {
	return r.Relay.ResolvePeer(user)
}
