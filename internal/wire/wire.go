package wire

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// 控制协议：一行一条消息，冒号分隔，命令名在最前。
// 前两个冒号之后的最后一个字段不再转义，消息体可以包含冒号，
// 所以解析一律用 SplitN 限定字段数，绝不按冒号全切。
var (
	ErrUnknownCommand   = errors.New("unknown command")
	ErrMalformedMessage = errors.New("malformed message")
)

// Kind 协议命令名，与线上格式一致
type Kind string

const (
	// 客户端 -> 服务端
	KindRegister       Kind = "REGISTER"
	KindIdentify       Kind = "IDENTIFY"
	KindSend           Kind = "SEND"
	KindSendFile       Kind = "SEND_FILE"
	KindGetOnlineUsers Kind = "GET_ONLINE_USERS"
	KindGetPeerAddr    Kind = "GET_PEER_ADDR"
	KindPing           Kind = "PING"

	// 服务端 -> 客户端
	KindRegistered  Kind = "REGISTERED"
	KindDelivered   Kind = "DELIVERED"
	KindQueued      Kind = "QUEUED"
	KindOnlineUsers Kind = "ONLINE_USERS"
	KindMessage     Kind = "MESSAGE"
	KindFile        Kind = "FILE"
	KindPeerAddr    Kind = "PEER_ADDR"
	KindPeerUnknown Kind = "PEER_UNKNOWN"
	KindPong        Kind = "PONG"
)

// Message 一条已解析的协议消息，按 Kind 取对应字段
type Message struct {
	Kind Kind

	User        string // REGISTER / REGISTERED / GET_PEER_ADDR / PEER_ADDR / PEER_UNKNOWN
	Fingerprint string // REGISTER 附带的密钥指纹,对核心不透明
	To          string // SEND / SEND_FILE / DELIVERED / QUEUED
	From        string // MESSAGE / FILE
	Body        string // SEND / MESSAGE,原样保留,可含冒号

	FileName string // SEND_FILE / FILE
	FileSize int64
	FileID   string

	Users []string // ONLINE_USERS

	Host string // PEER_ADDR
	Port int    // PEER_ADDR / IDENTIFY
}

// ValidUser 校验用户标识：10 位数字且首位在 6-9
func ValidUser(u string) bool {
	if len(u) != 10 {
		return false
	}
	if u[0] < '6' || u[0] > '9' {
		return false
	}
	for i := 1; i < len(u); i++ {
		if u[i] < '0' || u[i] > '9' {
			return false
		}
	}
	return true
}

// Encode 编码为不带换行的协议行，所有变体都可表达，不会失败
func Encode(m Message) string {
	switch m.Kind {
	case KindRegister:
		if m.Fingerprint != "" {
			return string(KindRegister) + ":" + m.User + ":" + m.Fingerprint
		}
		return string(KindRegister) + ":" + m.User
	case KindIdentify:
		return string(KindIdentify) + ":" + strconv.Itoa(m.Port)
	case KindSend:
		return string(KindSend) + ":" + m.To + ":" + m.Body
	case KindSendFile:
		return string(KindSendFile) + ":" + m.To + ":" + m.FileName + ":" +
			strconv.FormatInt(m.FileSize, 10) + ":" + m.FileID
	case KindGetOnlineUsers, KindPing, KindPong:
		return string(m.Kind)
	case KindGetPeerAddr:
		return string(KindGetPeerAddr) + ":" + m.User
	case KindRegistered:
		return string(KindRegistered) + ":" + m.User
	case KindDelivered:
		return string(KindDelivered) + ":" + m.To
	case KindQueued:
		return string(KindQueued) + ":" + m.To
	case KindOnlineUsers:
		return string(KindOnlineUsers) + ":" + strings.Join(m.Users, ",")
	case KindMessage:
		return string(KindMessage) + ":" + m.From + ":" + m.Body
	case KindFile:
		return string(KindFile) + ":" + m.From + ":" + m.FileName + ":" +
			strconv.FormatInt(m.FileSize, 10) + ":" + m.FileID
	case KindPeerAddr:
		// host 放最后一个字段之前会破坏 IPv6，这里整体用 host:port 收尾
		return string(KindPeerAddr) + ":" + m.User + ":" + net.JoinHostPort(m.Host, strconv.Itoa(m.Port))
	case KindPeerUnknown:
		return string(KindPeerUnknown) + ":" + m.User
	}
	return string(m.Kind)
}

// Decode 解析一行协议消息。未知命令返回 ErrUnknownCommand，
// 字段数不对或数值非法返回 ErrMalformedMessage，调用方据此决定忽略还是断开。
func Decode(line string) (Message, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	if line == "" {
		return Message{}, fmt.Errorf("%w: empty line", ErrMalformedMessage)
	}

	head, rest, hasRest := strings.Cut(line, ":")
	switch Kind(head) {
	case KindRegister:
		parts := strings.SplitN(rest, ":", 2)
		if !hasRest || parts[0] == "" {
			return Message{}, fmt.Errorf("%w: REGISTER needs a user", ErrMalformedMessage)
		}
		m := Message{Kind: KindRegister, User: parts[0]}
		if len(parts) == 2 {
			m.Fingerprint = parts[1]
		}
		return m, nil

	case KindIdentify:
		port, err := strconv.Atoi(rest)
		if !hasRest || err != nil || port <= 0 || port > 65535 {
			return Message{}, fmt.Errorf("%w: IDENTIFY needs a port", ErrMalformedMessage)
		}
		return Message{Kind: KindIdentify, Port: port}, nil

	case KindSend:
		to, body, ok := strings.Cut(rest, ":")
		if !hasRest || !ok || to == "" {
			return Message{}, fmt.Errorf("%w: SEND needs recipient and body", ErrMalformedMessage)
		}
		return Message{Kind: KindSend, To: to, Body: body}, nil

	case KindSendFile:
		parts := strings.SplitN(rest, ":", 4)
		if !hasRest || len(parts) != 4 || parts[0] == "" {
			return Message{}, fmt.Errorf("%w: SEND_FILE needs to,name,size,id", ErrMalformedMessage)
		}
		size, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || size < 0 {
			return Message{}, fmt.Errorf("%w: SEND_FILE bad size %q", ErrMalformedMessage, parts[2])
		}
		return Message{Kind: KindSendFile, To: parts[0], FileName: parts[1], FileSize: size, FileID: parts[3]}, nil

	case KindGetOnlineUsers:
		if hasRest {
			return Message{}, fmt.Errorf("%w: GET_ONLINE_USERS takes no fields", ErrMalformedMessage)
		}
		return Message{Kind: KindGetOnlineUsers}, nil

	case KindGetPeerAddr:
		if !hasRest || rest == "" {
			return Message{}, fmt.Errorf("%w: GET_PEER_ADDR needs a user", ErrMalformedMessage)
		}
		return Message{Kind: KindGetPeerAddr, User: rest}, nil

	case KindPing:
		return Message{Kind: KindPing}, nil
	case KindPong:
		return Message{Kind: KindPong}, nil

	case KindRegistered:
		if !hasRest || rest == "" {
			return Message{}, fmt.Errorf("%w: REGISTERED needs a user", ErrMalformedMessage)
		}
		return Message{Kind: KindRegistered, User: rest}, nil

	case KindDelivered:
		if !hasRest || rest == "" {
			return Message{}, fmt.Errorf("%w: DELIVERED needs a recipient", ErrMalformedMessage)
		}
		return Message{Kind: KindDelivered, To: rest}, nil

	case KindQueued:
		if !hasRest || rest == "" {
			return Message{}, fmt.Errorf("%w: QUEUED needs a recipient", ErrMalformedMessage)
		}
		return Message{Kind: KindQueued, To: rest}, nil

	case KindOnlineUsers:
		if !hasRest {
			return Message{}, fmt.Errorf("%w: ONLINE_USERS needs a list", ErrMalformedMessage)
		}
		users := []string{}
		if rest != "" {
			users = strings.Split(rest, ",")
		}
		return Message{Kind: KindOnlineUsers, Users: users}, nil

	case KindMessage:
		from, body, ok := strings.Cut(rest, ":")
		if !hasRest || !ok || from == "" {
			return Message{}, fmt.Errorf("%w: MESSAGE needs sender and body", ErrMalformedMessage)
		}
		return Message{Kind: KindMessage, From: from, Body: body}, nil

	case KindFile:
		parts := strings.SplitN(rest, ":", 4)
		if !hasRest || len(parts) != 4 || parts[0] == "" {
			return Message{}, fmt.Errorf("%w: FILE needs from,name,size,id", ErrMalformedMessage)
		}
		size, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || size < 0 {
			return Message{}, fmt.Errorf("%w: FILE bad size %q", ErrMalformedMessage, parts[2])
		}
		return Message{Kind: KindFile, From: parts[0], FileName: parts[1], FileSize: size, FileID: parts[3]}, nil

	case KindPeerAddr:
		user, hostport, ok := strings.Cut(rest, ":")
		if !hasRest || !ok || user == "" {
			return Message{}, fmt.Errorf("%w: PEER_ADDR needs user and endpoint", ErrMalformedMessage)
		}
		host, portStr, err := net.SplitHostPort(hostport)
		if err != nil {
			return Message{}, fmt.Errorf("%w: PEER_ADDR bad endpoint %q", ErrMalformedMessage, hostport)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return Message{}, fmt.Errorf("%w: PEER_ADDR bad port %q", ErrMalformedMessage, portStr)
		}
		return Message{Kind: KindPeerAddr, User: user, Host: host, Port: port}, nil

	case KindPeerUnknown:
		if !hasRest || rest == "" {
			return Message{}, fmt.Errorf("%w: PEER_UNKNOWN needs a user", ErrMalformedMessage)
		}
		return Message{Kind: KindPeerUnknown, User: rest}, nil
	}

	return Message{}, fmt.Errorf("%w: %q", ErrUnknownCommand, head)
}
