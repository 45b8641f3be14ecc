package gateway

import (
	"encoding/json"
	"sync"
	"time"
)

// 客户端消息类型
const (
	// TypePing 心跳请求
	TypePing = "ping"
	// TypePong 心跳响应
	TypePong = "pong"
	// TypeAuth 认证请求
	TypeAuth = "auth"
	// TypeAuthenticate 认证请求别名
	TypeAuthenticate = "authenticate"
	// TypeSubscribe 订阅频道
	TypeSubscribe = "subscribe"
	// TypeUnsubscribe 取消订阅
	TypeUnsubscribe = "unsubscribe"
	// TypeChannelMessage 频道消息
	TypeChannelMessage = "channel_message"
	// TypeSend 频道消息别名
	TypeSend = "send"
)

// 服务端消息类型
const (
	// TypeAuthSuccess 认证成功
	TypeAuthSuccess = "auth_success"
	// TypeAuthError 认证失败（连接保持打开）
	TypeAuthError = "auth_error"
	// TypeSubscribed 订阅成功
	TypeSubscribed = "subscribed"
	// TypeUnsubscribed 取消订阅成功
	TypeUnsubscribed = "unsubscribed"
	// TypeHistory 历史消息回放
	TypeHistory = "history"
	// TypeEvent 事件投递
	TypeEvent = "event"
	// TypeError 错误帧
	TypeError = "error"
)

// 关闭码，4000-4999 为应用自定义区间
const (
	// CloseNormal 正常关闭
	CloseNormal = 1000
	// CloseGoingAway 服务端下线
	CloseGoingAway = 1001
	// CloseCapacity 连接数达到上限
	CloseCapacity = 4008
	// CloseStale 心跳超时被清理
	CloseStale = 4009
	// CloseRateLimited 连接频率超限
	CloseRateLimited = 4029
)

// Message 线上消息封套
// 所有帧使用 JSON 文本格式，timestamp 为 Unix 毫秒。
type Message struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Room      string `json:"room,omitempty"`
	Target    string `json:"target,omitempty"`
	TenantID  string `json:"tenant_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
	MessageID string `json:"message_id"`
}

// NewMessage 创建消息并填充时间戳与消息 ID
func NewMessage(msgType string, data any) *Message {
	return &Message{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		MessageID: generateMessageID(),
	}
}

// Encode 序列化为 JSON
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Clone 复制消息（历史缓冲与回放场景使用独立副本）
func (m *Message) Clone() *Message {
	clone := *m
	return &clone
}

// DataMap 把 Data 断言为对象，非对象返回空 map
func (m *Message) DataMap() map[string]any {
	if data, ok := m.Data.(map[string]any); ok {
		return data
	}
	return map[string]any{}
}

// DataString 从 Data 对象中取字符串字段
func (m *Message) DataString(key string) string {
	if v, ok := m.DataMap()[key].(string); ok {
		return v
	}
	return ""
}

// messagePool 入站消息对象池，减少高频解析下的分配
var messagePool = sync.Pool{
	New: func() any {
		return &Message{}
	},
}

// acquireMessage 从池中获取消息对象
func acquireMessage() *Message {
	return messagePool.Get().(*Message)
}

// releaseMessage 重置并归还消息对象
// 仅用于路由分发后不再引用的入站消息，需要留存时用 Clone。
func releaseMessage(m *Message) {
	m.Type = ""
	m.Data = nil
	m.Room = ""
	m.Target = ""
	m.TenantID = ""
	m.Timestamp = 0
	m.MessageID = ""
	messagePool.Put(m)
}

// DecodeMessage 解析入站帧
func DecodeMessage(data []byte) (*Message, error) {
	m := acquireMessage()
	if err := json.Unmarshal(data, m); err != nil {
		releaseMessage(m)
		return nil, ErrInvalidMessage
	}
	if m.Type == "" {
		releaseMessage(m)
		return nil, ErrInvalidMessage
	}
	return m, nil
}

// errorMessage 构造错误帧
func errorMessage(code ErrorCode, detail string) *Message {
	return NewMessage(TypeError, map[string]any{
		"code":   string(code),
		"detail": detail,
	})
}
