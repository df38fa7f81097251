package wire

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PeerLinePrefix 直连通道上的消息前缀
// 直连没有中间人可以补上发送者身份，消息体因此是结构化 JSON 而不是裸文本
const PeerLinePrefix = "P2P_MSG:"

// PeerPayload 直连消息的 JSON 负载
type PeerPayload struct {
	ID          string `json:"id"`
	Sender      string `json:"sender"`
	Receiver    string `json:"receiver"`
	Content     string `json:"content"`
	Timestamp   int64  `json:"timestamp"` // 毫秒
	Fingerprint string `json:"key_fingerprint,omitempty"`
}

// EncodePeerLine 编码为一行直连协议，不带换行
func EncodePeerLine(p *PeerPayload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return PeerLinePrefix + string(raw), nil
}

// DecodePeerLine 解析直连协议行
func DecodePeerLine(line string) (*PeerPayload, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	rest, ok := strings.CutPrefix(line, PeerLinePrefix)
	if !ok {
		head, _, _ := strings.Cut(line, ":")
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, head)
	}
	var p PeerPayload
	if err := json.Unmarshal([]byte(rest), &p); err != nil {
		return nil, fmt.Errorf("%w: bad peer payload: %v", ErrMalformedMessage, err)
	}
	if p.Sender == "" || p.Receiver == "" {
		return nil, fmt.Errorf("%w: peer payload missing sender or receiver", ErrMalformedMessage)
	}
	return &p, nil
}
