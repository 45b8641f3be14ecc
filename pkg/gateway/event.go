package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/chao/pkg/logger"
)

// EventType 事件类型
type EventType string

// 内置事件类型，业务可自定义任意字符串类型
const (
	EventSessionConnected     EventType = "session.connected"
	EventSessionDisconnected  EventType = "session.disconnected"
	EventSessionAuthenticated EventType = "session.authenticated"

	EventChannelCreated      EventType = "channel.created"
	EventChannelDeleted      EventType = "channel.deleted"
	EventChannelSubscribed   EventType = "channel.subscribed"
	EventChannelUnsubscribed EventType = "channel.unsubscribed"
	EventChannelMessage      EventType = "channel.message"

	EventRoomCreated     EventType = "room.created"
	EventRoomDeleted     EventType = "room.deleted"
	EventRoomJoined      EventType = "room.joined"
	EventRoomLeft        EventType = "room.left"
	EventRoomRoleChanged EventType = "room.role_changed"
	EventRoomKicked      EventType = "room.kicked"
	EventRoomBanned      EventType = "room.banned"

	EventBroadcastCompleted EventType = "broadcast.completed"
	EventRateLimited        EventType = "ratelimit.violated"
)

// Priority 事件优先级，序数可比较
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String 优先级名称
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Event 类型化事件
type Event struct {
	ID            string            `json:"id"`
	Type          EventType         `json:"type"`
	Payload       map[string]any    `json:"payload,omitempty"`
	Priority      Priority          `json:"priority"`
	TenantID      string            `json:"tenant_id,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	Room          string            `json:"room,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	TTL           time.Duration     `json:"ttl,omitempty"`
	Attempts      int               `json:"attempts,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Replayed      bool              `json:"replayed,omitempty"`
}

// Expired 事件是否已过期，过期事件不再投递或回放
func (e *Event) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.After(e.Timestamp.Add(e.TTL))
}

// persistent 是否需要持久化：高优先级或携带显式 TTL
func (e *Event) persistent() bool {
	return e.Priority >= PriorityHigh || e.TTL > 0
}

// Clone 复制事件
func (e *Event) Clone() *Event {
	clone := *e
	return &clone
}

// SubscriptionFilter 订阅过滤器，零值匹配所有事件
type SubscriptionFilter struct {
	// Types 事件类型约束，空表示所有类型
	Types []EventType
	// TenantID / UserID / Room 精确匹配约束
	TenantID string
	UserID   string
	Room     string
	// Metadata 元数据键值的精确匹配约束
	Metadata map[string]string
	// MinPriority 最低优先级（序数比较）
	MinPriority Priority
}

// Matches 事件是否通过过滤器
func (f *SubscriptionFilter) Matches(e *Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Room != "" && e.Room != f.Room {
		return false
	}
	for k, v := range f.Metadata {
		if e.Metadata[k] != v {
			return false
		}
	}
	return e.Priority >= f.MinPriority
}

// Subscription 会话订阅
type Subscription struct {
	ID        string
	SessionID string
	Filter    SubscriptionFilter
	CreatedAt time.Time
}

// handlerSub 进程内处理器订阅（归档、指标等本地消费方）
type handlerSub struct {
	id     string
	filter SubscriptionFilter
	fn     func(*Event)
}

// EventDelivery 发布结果
type EventDelivery struct {
	Matched   int  // 过滤器匹配的会话数
	Delivered int  // 成功投递的会话数
	Persisted bool // 是否写入事件存储
}

// EventManager 事件管理器
// 会话订阅同步投递（走会话发送队列），进程内处理器经 worker 池异步分发。
type EventManager struct {
	mu        sync.RWMutex
	subs      map[string]*Subscription
	bySession map[string]map[string]struct{} // session id -> sub id set
	handlers  map[string]*handlerSub

	queue   chan *Event
	wg      sync.WaitGroup
	dropped atomic.Int64

	store    EventStore
	registry *Registry
	config   *Config
	log      logger.Logger
	metrics  Metrics
}

// NewEventManager 创建事件管理器
func NewEventManager(registry *Registry, store EventStore, config *Config, log logger.Logger, metrics Metrics) *EventManager {
	return &EventManager{
		subs:      make(map[string]*Subscription),
		bySession: make(map[string]map[string]struct{}),
		handlers:  make(map[string]*handlerSub),
		queue:     make(chan *Event, config.Event.QueueSize),
		store:     store,
		registry:  registry,
		config:    config,
		log:       log,
		metrics:   metrics,
	}
}

// Start 启动处理器分发 worker
func (em *EventManager) Start(ctx context.Context) {
	for i := 0; i < em.config.Event.Workers; i++ {
		em.wg.Add(1)
		go em.worker(ctx)
	}
}

// Wait 等待所有 worker 退出
func (em *EventManager) Wait() {
	em.wg.Wait()
}

// worker 处理器分发循环
func (em *EventManager) worker(ctx context.Context) {
	defer em.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-em.queue:
			em.dispatchHandlers(e)
		}
	}
}

// dispatchHandlers 把事件分发给匹配的进程内处理器
// 处理器 panic 被吞掉并记录，单个处理器不会影响其他处理器。
func (em *EventManager) dispatchHandlers(e *Event) {
	em.mu.RLock()
	matched := make([]*handlerSub, 0, len(em.handlers))
	for _, h := range em.handlers {
		if h.filter.Matches(e) {
			matched = append(matched, h)
		}
	}
	em.mu.RUnlock()

	for _, h := range matched {
		func() {
			defer func() {
				if r := recover(); r != nil {
					em.log.Error("event handler panic",
						zap.String("event_type", string(e.Type)),
						zap.Any("panic", r),
					)
				}
			}()
			h.fn(e)
		}()
	}
}

// Subscribe 为会话创建订阅，返回订阅 ID
func (em *EventManager) Subscribe(sessionID string, filter SubscriptionFilter) (string, error) {
	if _, ok := em.registry.Get(sessionID); !ok {
		return "", ErrSessionNotFound
	}

	sub := &Subscription{
		ID:        generateSubscriptionID(),
		SessionID: sessionID,
		Filter:    filter,
		CreatedAt: time.Now(),
	}

	em.mu.Lock()
	em.subs[sub.ID] = sub
	set, ok := em.bySession[sessionID]
	if !ok {
		set = make(map[string]struct{})
		em.bySession[sessionID] = set
	}
	set[sub.ID] = struct{}{}
	em.mu.Unlock()

	return sub.ID, nil
}

// Unsubscribe 取消订阅
func (em *EventManager) Unsubscribe(subID string) bool {
	em.mu.Lock()
	defer em.mu.Unlock()

	sub, ok := em.subs[subID]
	if !ok {
		return false
	}
	delete(em.subs, subID)
	if set, ok := em.bySession[sub.SessionID]; ok {
		delete(set, subID)
		if len(set) == 0 {
			delete(em.bySession, sub.SessionID)
		}
	}
	return true
}

// UnsubscribeSession 移除会话的全部订阅，返回移除数量
func (em *EventManager) UnsubscribeSession(sessionID string) int {
	em.mu.Lock()
	defer em.mu.Unlock()

	set, ok := em.bySession[sessionID]
	if !ok {
		return 0
	}
	for subID := range set {
		delete(em.subs, subID)
	}
	delete(em.bySession, sessionID)
	return len(set)
}

// SubscribeFunc 注册进程内处理器，返回订阅 ID
func (em *EventManager) SubscribeFunc(filter SubscriptionFilter, fn func(*Event)) string {
	h := &handlerSub{
		id:     generateSubscriptionID(),
		filter: filter,
		fn:     fn,
	}
	em.mu.Lock()
	em.handlers[h.id] = h
	em.mu.Unlock()
	return h.id
}

// UnsubscribeFunc 注销进程内处理器
func (em *EventManager) UnsubscribeFunc(id string) bool {
	em.mu.Lock()
	defer em.mu.Unlock()
	if _, ok := em.handlers[id]; !ok {
		return false
	}
	delete(em.handlers, id)
	return true
}

// SubscriptionCount 当前会话订阅数
func (em *EventManager) SubscriptionCount() int {
	em.mu.RLock()
	defer em.mu.RUnlock()
	return len(em.subs)
}

// Publish 发布事件
// 高优先级或带 TTL 的事件先持久化，再投递给过滤器匹配的订阅会话。
// targetSessions 非空时只投递给这些会话（仍需过滤器匹配）。
func (em *EventManager) Publish(ctx context.Context, e *Event, targetSessions ...string) (*EventDelivery, error) {
	if e == nil || e.Type == "" {
		return nil, ErrValidation
	}
	if e.ID == "" {
		e.ID = generateEventID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	result := &EventDelivery{}

	// 持久化
	if e.persistent() && em.store != nil {
		stored := e.Clone()
		if stored.TTL <= 0 {
			stored.TTL = em.config.MessageTTL
		}
		if err := em.store.Put(ctx, stored); err != nil {
			em.log.Warn("event persistence failed",
				zap.String("event_id", e.ID),
				zap.Error(err),
			)
		} else {
			result.Persisted = true
			em.metrics.IncrementEventsPersisted()
		}
	}

	// 目标会话约束
	var targetSet map[string]struct{}
	if len(targetSessions) > 0 {
		targetSet = make(map[string]struct{}, len(targetSessions))
		for _, id := range targetSessions {
			targetSet[id] = struct{}{}
		}
	}

	// 匹配订阅，按会话去重
	em.mu.RLock()
	matched := make(map[string]struct{})
	for _, sub := range em.subs {
		if targetSet != nil {
			if _, ok := targetSet[sub.SessionID]; !ok {
				continue
			}
		}
		if sub.Filter.Matches(e) {
			matched[sub.SessionID] = struct{}{}
		}
	}
	em.mu.RUnlock()

	result.Matched = len(matched)

	// 投递事件帧
	if len(matched) > 0 {
		frame := NewMessage(TypeEvent, e)
		frame.TenantID = e.TenantID
		for sessionID := range matched {
			if em.registry.Send(sessionID, frame) {
				result.Delivered++
			}
		}
	}

	// 异步分发给进程内处理器
	em.enqueue(e)

	em.metrics.IncrementEventsPublished(string(e.Type))
	return result, nil
}

// enqueue 把事件放入处理器分发队列
// CRITICAL 事件短暂阻塞等待队列空位，其余优先级直接丢弃并计数。
func (em *EventManager) enqueue(e *Event) {
	select {
	case em.queue <- e:
		return
	default:
	}

	if e.Priority >= PriorityCritical {
		select {
		case em.queue <- e:
			return
		case <-time.After(100 * time.Millisecond):
		}
	}

	em.dropped.Add(1)
	em.metrics.IncrementDroppedMessages("event_queue_full")
}

// DroppedEvents 因队列满被丢弃的事件数
func (em *EventManager) DroppedEvents() int64 {
	return em.dropped.Load()
}

// Replay 向会话回放持久化事件
// 只返回 timestamp >= since 且类型匹配的未过期事件，数量不超过 limit，
// 每条带 replayed=true 标记，原始时间戳保持不变。
func (em *EventManager) Replay(ctx context.Context, sessionID string, since time.Time, types []EventType, limit int) (int, error) {
	if _, ok := em.registry.Get(sessionID); !ok {
		return 0, ErrSessionNotFound
	}
	if em.store == nil {
		return 0, nil
	}

	events, err := em.store.Query(ctx, since, types, limit)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, e := range events {
		replayed := e.Clone()
		replayed.Replayed = true
		replayed.Attempts = e.Attempts + 1

		frame := NewMessage(TypeEvent, replayed)
		frame.TenantID = replayed.TenantID
		if em.registry.Send(sessionID, frame) {
			delivered++
		}
	}

	em.metrics.IncrementEventsReplayed(delivered)
	return delivered, nil
}

// emit 内部生命周期事件入口
func (em *EventManager) emit(eventType EventType, tenantID, userID, room string, payload map[string]any) {
	_, err := em.Publish(context.Background(), &Event{
		Type:     eventType,
		Payload:  payload,
		Priority: PriorityNormal,
		TenantID: tenantID,
		UserID:   userID,
		Room:     room,
	})
	if err != nil {
		em.log.Warn("internal event publish failed",
			zap.String("event_type", string(eventType)),
			zap.Error(err),
		)
	}
}

// RunCleanup 清理循环：淘汰过期事件，移除孤儿订阅
func (em *EventManager) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(em.config.Event.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			em.cleanup(ctx)
		}
	}
}

// cleanup 单轮清理
func (em *EventManager) cleanup(ctx context.Context) {
	if em.store != nil {
		if pruned, err := em.store.Prune(ctx, time.Now()); err != nil {
			em.log.Warn("event store prune failed", zap.Error(err))
		} else if pruned > 0 {
			em.log.Debug("expired events pruned", zap.Int("count", pruned))
		}
	}

	// 移除属主会话已不存在的订阅
	em.mu.Lock()
	for sessionID, set := range em.bySession {
		if _, ok := em.registry.Get(sessionID); ok {
			continue
		}
		for subID := range set {
			delete(em.subs, subID)
		}
		delete(em.bySession, sessionID)
	}
	em.mu.Unlock()
}
