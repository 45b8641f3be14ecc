package gateway

import "context"

// BackendEnvelope 跨实例消息信封
// 过滤器涉及会话状态，无法跨实例传输，由各实例收到信封后在本地解算目标并投递。
type BackendEnvelope struct {
	SourceInstance  string   `json:"source_instance"`
	TargetInstances []string `json:"target_instances,omitempty"`
	MessageID       string   `json:"message_id"`
	Timestamp       int64    `json:"timestamp"`
	Scope           Scope    `json:"scope"`
	Target          string   `json:"target,omitempty"`
	Targets         []string `json:"targets,omitempty"`
	ExcludeUsers    []string `json:"exclude_users,omitempty"`
	Message         *Message `json:"message"`
}

// Backend 跨实例消息后端
// 单实例部署可以不配置后端，网关自动退化为纯本地投递。
type Backend interface {
	// Publish 把信封发布给集群内其他实例
	Publish(ctx context.Context, env *BackendEnvelope) error
	// Subscribe 注册远端信封处理器，必须在 Start 之前调用
	Subscribe(handler func(*BackendEnvelope))
	// StoreMessage 持久化无法投递的消息，供目标上线后拉取
	StoreMessage(ctx context.Context, key string, msg *Message) error
	// PendingMessages 取出并清空 key 下持久化的消息
	PendingMessages(ctx context.Context, key string) ([]*Message, error)
	// Instances 当前活跃实例 ID 列表
	Instances(ctx context.Context) ([]string, error)
	// Healthy 后端是否可用
	Healthy(ctx context.Context) bool
	// Start 启动订阅循环
	Start(ctx context.Context) error
	// Close 释放资源
	Close() error
}
