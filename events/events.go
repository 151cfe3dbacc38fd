package events

import "fmt"

// 事件类型。字符串对外稳定，widget / 客服后台按这些值分发。
const (
	TypeMessageReceived   = "messageReceived"
	TypeSessionUpdated    = "sessionUpdated"
	TypeChatClaimed       = "chat:claimed"
	TypeNewWaitingSession = "chat:newWaitingSession"
	TypeTyping            = "typing"
)

// 固定房间名
const (
	RoomAgents    = "agents"
	RoomCustomers = "customers"
)

// SessionRoom 返回某个会话对应的房间名
func SessionRoom(sessionID string) string {
	return fmt.Sprintf("session:%s", sessionID)
}

// Event 实时事件。Payload 带 id 字段，客户端按 id 去重 ——
// 同一事件会冗余发到多个房间，保证至少一条到达。
type Event struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// Publisher 事件发布入口。业务代码只依赖这个接口，
// 不直接拿 hub / kafka 的具体类型（方便测试时注入 fake）。
type Publisher interface {
	Publish(room string, ev Event)
}
