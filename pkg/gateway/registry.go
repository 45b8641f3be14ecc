package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/chao/pkg/logger"
)

// Registry 会话注册表
// 唯一持有 Session 对象的组件，维护按用户/租户的多对多索引，
// 并运行心跳与过期清理两个后台循环。
type Registry struct {
	sessions sync.Map // session id -> *Session
	count    atomic.Int64

	// 统计
	totalConnections atomic.Int64
	peakConnections  atomic.Int64

	// 索引，多步更新需要互斥
	indexMu  sync.RWMutex
	byUser   map[string]map[string]struct{} // user id -> session id set
	byTenant map[string]map[string]struct{} // tenant id -> session id set

	config  *Config
	log     logger.Logger
	metrics Metrics
}

// NewRegistry 创建注册表
func NewRegistry(config *Config, log logger.Logger, metrics Metrics) *Registry {
	return &Registry{
		byUser:   make(map[string]map[string]struct{}),
		byTenant: make(map[string]map[string]struct{}),
		config:   config,
		log:      log,
		metrics:  metrics,
	}
}

// Register 注册会话
// 容量满时返回 ErrTooManyConnections，调用方负责关闭底层连接。
func (r *Registry) Register(s *Session) error {
	if _, loaded := r.sessions.LoadOrStore(s.ID, s); loaded {
		return ErrSessionExists
	}

	// 先加后查，超限回滚，避免检查与写入之间的竞态
	if r.count.Add(1) > int64(r.config.MaxConnections) {
		r.sessions.Delete(s.ID)
		r.count.Add(-1)
		return ErrTooManyConnections
	}

	r.totalConnections.Add(1)
	r.updatePeak()

	if s.Authenticated() {
		r.indexAdd(s.UserID(), s.TenantID(), s.ID)
	}

	r.metrics.IncrementConnections()
	r.log.Debug("session registered",
		zap.String("session_id", s.ID),
		zap.String("remote_addr", s.RemoteAddr()),
		zap.Int64("active", r.count.Load()),
	)
	return nil
}

// Unregister 注销会话并返回它，不存在时返回 nil
// 幂等：重复调用无副作用。
func (r *Registry) Unregister(sessionID string) *Session {
	value, loaded := r.sessions.LoadAndDelete(sessionID)
	if !loaded {
		return nil
	}
	s := value.(*Session)

	r.count.Add(-1)
	r.indexRemove(s.UserID(), s.TenantID(), sessionID)

	r.metrics.DecrementConnections()
	r.log.Debug("session unregistered",
		zap.String("session_id", sessionID),
		zap.Int64("active", r.count.Load()),
	)
	return s
}

// Get 查找会话
func (r *Registry) Get(sessionID string) (*Session, bool) {
	value, ok := r.sessions.Load(sessionID)
	if !ok {
		return nil, false
	}
	return value.(*Session), true
}

// GetByUser 返回用户的所有会话
func (r *Registry) GetByUser(userID string) []*Session {
	r.indexMu.RLock()
	ids := make([]string, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		ids = append(ids, id)
	}
	r.indexMu.RUnlock()

	return r.resolve(ids)
}

// GetByTenant 返回租户的所有会话
func (r *Registry) GetByTenant(tenantID string) []*Session {
	r.indexMu.RLock()
	ids := make([]string, 0, len(r.byTenant[tenantID]))
	for id := range r.byTenant[tenantID] {
		ids = append(ids, id)
	}
	r.indexMu.RUnlock()

	return r.resolve(ids)
}

// resolve 把会话 ID 列表解析为存活的会话对象
func (r *Registry) resolve(ids []string) []*Session {
	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := r.Get(id); ok {
			sessions = append(sessions, s)
		}
	}
	return sessions
}

// Range 遍历所有会话
func (r *Registry) Range(fn func(*Session) bool) {
	r.sessions.Range(func(_, value any) bool {
		return fn(value.(*Session))
	})
}

// Count 当前会话数
func (r *Registry) Count() int {
	return int(r.count.Load())
}

// TotalConnections 累计会话数
func (r *Registry) TotalConnections() int64 {
	return r.totalConnections.Load()
}

// PeakConnections 峰值会话数
func (r *Registry) PeakConnections() int64 {
	return r.peakConnections.Load()
}

// UpdateHeartbeat 更新会话心跳时间
func (r *Registry) UpdateHeartbeat(sessionID string) bool {
	s, ok := r.Get(sessionID)
	if !ok {
		return false
	}
	s.Touch()
	return true
}

// BindIdentity 绑定认证身份并更新索引
func (r *Registry) BindIdentity(sessionID, userID, tenantID string, principal Principal) error {
	s, ok := r.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}

	// 先摘除旧索引再绑定，重复认证时保持索引一致
	if s.Authenticated() {
		r.indexRemove(s.UserID(), s.TenantID(), sessionID)
	}
	s.setIdentity(userID, tenantID, principal)
	r.indexAdd(userID, tenantID, sessionID)
	return nil
}

// Send 向会话发送消息，失败即关闭
// 任何投递失败都会断开该会话并返回 false，错误不外溢。
func (r *Registry) Send(sessionID string, msg *Message) bool {
	s, ok := r.Get(sessionID)
	if !ok {
		return false
	}

	if err := s.SendMessage(msg); err != nil {
		r.log.Warn("send failed, disconnecting session",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		r.metrics.IncrementWriteErrors()
		s.Close(CloseGoingAway, "delivery failure")
		return false
	}

	r.metrics.IncrementMessagesSent(msg.Type)
	return true
}

// Disconnect 断开会话，幂等
func (r *Registry) Disconnect(sessionID string, code int, reason string) {
	if s, ok := r.Get(sessionID); ok {
		s.Close(code, reason)
	}
}

// RunHeartbeat 心跳循环，向所有会话发送 ping
// 单次迭代的错误只记录日志，不会终止循环。
func (r *Registry) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(r.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pingAll()
		}
	}
}

// pingAll 向所有会话发送 ping
func (r *Registry) pingAll() {
	var pinged, failed int
	r.Range(func(s *Session) bool {
		if err := s.Ping(); err != nil {
			failed++
			r.log.Debug("ping failed",
				zap.String("session_id", s.ID),
				zap.Error(err),
			)
		} else {
			pinged++
		}
		return true
	})

	if failed > 0 {
		r.log.Debug("heartbeat round finished",
			zap.Int("pinged", pinged),
			zap.Int("failed", failed),
		)
	}
}

// RunCleanup 过期会话清理循环
// 清除心跳超时或传输已关闭的会话。
func (r *Registry) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(r.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evictStale()
		}
	}
}

// evictStale 清除过期会话
func (r *Registry) evictStale() {
	now := time.Now()
	var evicted int

	r.Range(func(s *Session) bool {
		if s.IsClosed() {
			// 传输已关闭但尚未注销，触发完整清理
			s.Close(CloseStale, "transport closed")
			evicted++
			return true
		}
		if now.Sub(s.LastHeartbeat()) > r.config.ConnectionTimeout {
			r.log.Info("evicting stale session",
				zap.String("session_id", s.ID),
				zap.Time("last_heartbeat", s.LastHeartbeat()),
			)
			s.Close(CloseStale, "heartbeat timeout")
			evicted++
		}
		return true
	})

	if evicted > 0 {
		r.log.Info("stale session sweep finished", zap.Int("evicted", evicted))
	}
}

// updatePeak 更新峰值会话数
func (r *Registry) updatePeak() {
	current := r.count.Load()
	for {
		peak := r.peakConnections.Load()
		if current <= peak || r.peakConnections.CompareAndSwap(peak, current) {
			return
		}
	}
}

// indexAdd 写入用户/租户索引
func (r *Registry) indexAdd(userID, tenantID, sessionID string) {
	r.indexMu.Lock()
	defer r.indexMu.Unlock()

	if userID != "" {
		set, ok := r.byUser[userID]
		if !ok {
			set = make(map[string]struct{})
			r.byUser[userID] = set
		}
		set[sessionID] = struct{}{}
	}
	if tenantID != "" {
		set, ok := r.byTenant[tenantID]
		if !ok {
			set = make(map[string]struct{})
			r.byTenant[tenantID] = set
		}
		set[sessionID] = struct{}{}
	}
}

// indexRemove 摘除用户/租户索引，空集合随之删除
func (r *Registry) indexRemove(userID, tenantID, sessionID string) {
	r.indexMu.Lock()
	defer r.indexMu.Unlock()

	if userID != "" {
		if set, ok := r.byUser[userID]; ok {
			delete(set, sessionID)
			if len(set) == 0 {
				delete(r.byUser, userID)
			}
		}
	}
	if tenantID != "" {
		if set, ok := r.byTenant[tenantID]; ok {
			delete(set, sessionID)
			if len(set) == 0 {
				delete(r.byTenant, tenantID)
			}
		}
	}
}
