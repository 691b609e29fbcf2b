// pkg/interfaces/status.go
package interfaces

import (
	"github.com/lisuiheng/pawire-go/core"
)

// StatusSource 提供链路状态快照，实现必须是非阻塞且并发安全的
type StatusSource interface {
	Status() core.Status
}

// MessageType 状态推送的消息类型
type MessageType string

const (
	MsgStatus MessageType = "status" // 周期性状态快照
	MsgState  MessageType = "state"  // 状态变化
)

// Message 推送给订阅者的消息
type Message struct {
	Type   MessageType `json:"type"`
	Status core.Status `json:"status"`
}
