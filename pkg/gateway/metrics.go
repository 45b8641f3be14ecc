package gateway

import "time"

// Metrics 监控接口
// 默认使用 NoopMetrics，外部可接入任意指标系统。
type Metrics interface {
	// 连接指标
	IncrementConnections()
	DecrementConnections()
	IncrementRejectedConnections(reason string)

	// 消息指标
	IncrementMessagesReceived(msgType string)
	IncrementMessagesSent(msgType string)
	IncrementDroppedMessages(reason string)
	IncrementInvalidMessages()

	// 广播指标
	RecordBroadcast(scope string, delivered, failed, filtered int, duration time.Duration)
	IncrementRateLimited(kind string)

	// 事件指标
	IncrementEventsPublished(eventType string)
	IncrementEventsPersisted()
	IncrementEventsReplayed(count int)

	// 后端指标
	IncrementBackendErrors()

	// 传输错误指标
	IncrementReadErrors()
	IncrementWriteErrors()
}

// NoopMetrics 空实现（默认）
type NoopMetrics struct{}

func (m *NoopMetrics) IncrementConnections()                                                   {}
func (m *NoopMetrics) DecrementConnections()                                                   {}
func (m *NoopMetrics) IncrementRejectedConnections(reason string)                              {}
func (m *NoopMetrics) IncrementMessagesReceived(msgType string)                                {}
func (m *NoopMetrics) IncrementMessagesSent(msgType string)                                    {}
func (m *NoopMetrics) IncrementDroppedMessages(reason string)                                  {}
func (m *NoopMetrics) IncrementInvalidMessages()                                               {}
func (m *NoopMetrics) RecordBroadcast(scope string, delivered, failed, filtered int, duration time.Duration) {
}
func (m *NoopMetrics) IncrementRateLimited(kind string)           {}
func (m *NoopMetrics) IncrementEventsPublished(eventType string)  {}
func (m *NoopMetrics) IncrementEventsPersisted()                  {}
func (m *NoopMetrics) IncrementEventsReplayed(count int)          {}
func (m *NoopMetrics) IncrementBackendErrors()                    {}
func (m *NoopMetrics) IncrementReadErrors()                       {}
func (m *NoopMetrics) IncrementWriteErrors()                      {}
