package presence

import "time"

// EventType 在线状态事件类型
type EventType string

const (
	EventUserOnline  EventType = "user.online"
	EventUserOffline EventType = "user.offline"
)

// Event 一次在线状态变化
type Event struct {
	Type EventType
	When time.Time
	User string
}
