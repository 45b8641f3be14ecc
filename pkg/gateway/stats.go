package gateway

import (
	"context"
	"time"
)

// Stats 网关运行统计快照
type Stats struct {
	InstanceID         string        `json:"instance_id"`
	Uptime             time.Duration `json:"uptime"`
	ActiveConnections  int           `json:"active_connections"`
	TotalConnections   int64         `json:"total_connections"`
	PeakConnections    int64         `json:"peak_connections"`
	MaxConnections     int           `json:"max_connections"`
	Channels           int           `json:"channels"`
	Rooms              int           `json:"rooms"`
	EventSubscriptions int           `json:"event_subscriptions"`
	DroppedEvents      int64         `json:"dropped_events"`
	PersistedEvents    int           `json:"persisted_events"`
	ConnRateDenied     int64         `json:"conn_rate_denied"`
	MessageRateDenied  int64         `json:"message_rate_denied"`
	Clustered          bool          `json:"clustered"`
}

// Stats 当前运行统计
func (e *Engine) Stats() *Stats {
	stats := &Stats{
		InstanceID:         e.config.InstanceID,
		ActiveConnections:  e.registry.Count(),
		TotalConnections:   e.registry.TotalConnections(),
		PeakConnections:    e.registry.PeakConnections(),
		MaxConnections:     e.config.MaxConnections,
		Channels:           e.channels.ChannelCount(),
		Rooms:              e.channels.RoomCount(),
		EventSubscriptions: e.events.SubscriptionCount(),
		DroppedEvents:      e.events.DroppedEvents(),
		ConnRateDenied:     e.connLimiter.Denied(),
		MessageRateDenied:  e.msgLimiter.Denied(),
		Clustered:          e.config.Backend != nil,
	}
	if !e.startedAt.IsZero() {
		stats.Uptime = time.Since(e.startedAt)
	}
	if count, err := e.config.EventStore.Count(context.Background()); err == nil {
		stats.PersistedEvents = count
	}
	return stats
}

// 健康状态
const (
	StatusHealthy      = "healthy"
	StatusDegraded     = "degraded"
	StatusShuttingDown = "shutting_down"
)

// Health 健康检查结果
type Health struct {
	Status            string  `json:"status"`
	Backend           string  `json:"backend"` // ok / unavailable / disabled
	ActiveConnections int     `json:"active_connections"`
	CapacityUsage     float64 `json:"capacity_usage"`
}

// HealthCheck 健康检查
// 后端不可用时报告 degraded，本地服务继续可用。
func (e *Engine) HealthCheck(ctx context.Context) *Health {
	h := &Health{
		Status:            StatusHealthy,
		Backend:           "disabled",
		ActiveConnections: e.registry.Count(),
	}
	if e.config.MaxConnections > 0 {
		h.CapacityUsage = float64(h.ActiveConnections) / float64(e.config.MaxConnections)
	}

	if e.stopped.Load() {
		h.Status = StatusShuttingDown
		return h
	}

	if e.config.Backend != nil {
		if e.config.Backend.Healthy(ctx) {
			h.Backend = "ok"
		} else {
			h.Backend = "unavailable"
			h.Status = StatusDegraded
		}
	}
	return h
}
