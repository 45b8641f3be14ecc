package gateway

import (
	"sync"
	"sync/atomic"
	"time"
)

// ChannelOptions 频道创建参数
type ChannelOptions struct {
	// Public 公开频道，所有会话可订阅；默认 true
	Public bool
	// TenantID 租户范围，设置后仅该租户会话可订阅
	TenantID string
	// RequiredRoles 订阅所需角色，满足任意一个即可
	RequiredRoles []string
	// RequiredPermissions 订阅所需权限，必须全部满足
	RequiredPermissions []string
	// Persistent 空频道是否保留，不被定期清理
	Persistent bool
	// MaxSubscribers 订阅数上限，0 使用全局默认
	MaxSubscribers int
	// HistorySize 历史缓冲大小，0 使用全局默认
	HistorySize int
}

// DefaultChannelOptions 默认频道参数
func DefaultChannelOptions() ChannelOptions {
	return ChannelOptions{Public: true}
}

// Channel 命名的发布订阅组
// 只保存会话 ID（非拥有引用），会话对象始终通过 Registry 解析。
type Channel struct {
	name string

	public              bool
	tenantID            string
	requiredRoles       []string
	requiredPermissions []string
	persistent          bool
	maxSubscribers      int

	mu          sync.RWMutex
	subscribers map[string]struct{}
	history     *messageRing
	emptySince  time.Time

	createdAt       time.Time
	totalMessages   atomic.Int64
	peakSubscribers int
}

// newChannel 创建频道
func newChannel(name string, opts ChannelOptions) *Channel {
	return &Channel{
		name:                name,
		public:              opts.Public,
		tenantID:            opts.TenantID,
		requiredRoles:       opts.RequiredRoles,
		requiredPermissions: opts.RequiredPermissions,
		persistent:          opts.Persistent,
		maxSubscribers:      opts.MaxSubscribers,
		subscribers:         make(map[string]struct{}),
		history:             newMessageRing(opts.HistorySize),
		emptySince:          time.Now(),
		createdAt:           time.Now(),
	}
}

// Name 频道名（含租户前缀）
func (c *Channel) Name() string {
	return c.name
}

// Persistent 是否为持久频道
func (c *Channel) Persistent() bool {
	return c.persistent
}

// CreatedAt 创建时间
func (c *Channel) CreatedAt() time.Time {
	return c.createdAt
}

// TotalMessages 累计消息数
func (c *Channel) TotalMessages() int64 {
	return c.totalMessages.Load()
}

// PeakSubscribers 峰值订阅数
func (c *Channel) PeakSubscribers() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peakSubscribers
}

// checkAccess 订阅门禁
// 公开频道放行；受限频道要求认证，且角色满足任意一个、权限全部满足。
func (c *Channel) checkAccess(s *Session) error {
	if c.tenantID != "" && s.TenantID() != c.tenantID {
		return ErrAccessDenied
	}
	if c.public {
		return nil
	}
	if !s.Authenticated() {
		return ErrAccessDenied
	}
	p := s.Principal()
	if len(c.requiredRoles) > 0 && !p.HasAnyRole(c.requiredRoles...) {
		return ErrAccessDenied
	}
	for _, perm := range c.requiredPermissions {
		if !p.HasPermission(perm) {
			return ErrAccessDenied
		}
	}
	return nil
}

// subscribe 添加订阅者，幂等
// 已订阅时返回 nil 且集合不变；容量满返回 ErrChannelFull。
func (c *Channel) subscribe(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subscribers[sessionID]; ok {
		return nil
	}
	if c.maxSubscribers > 0 && len(c.subscribers) >= c.maxSubscribers {
		return ErrChannelFull
	}

	c.subscribers[sessionID] = struct{}{}
	if len(c.subscribers) > c.peakSubscribers {
		c.peakSubscribers = len(c.subscribers)
	}
	c.emptySince = time.Time{}
	return nil
}

// unsubscribe 移除订阅者，返回之前是否在场
func (c *Channel) unsubscribe(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subscribers[sessionID]; !ok {
		return false
	}
	delete(c.subscribers, sessionID)
	if len(c.subscribers) == 0 {
		c.emptySince = time.Now()
	}
	return true
}

// Has 是否为订阅者
func (c *Channel) Has(sessionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscribers[sessionID]
	return ok
}

// Subscribers 订阅者 ID 快照
func (c *Channel) Subscribers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.subscribers))
	for id := range c.subscribers {
		ids = append(ids, id)
	}
	return ids
}

// Len 当前订阅数
func (c *Channel) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscribers)
}

// appendHistory 记录消息到历史缓冲
func (c *Channel) appendHistory(msg *Message) {
	c.totalMessages.Add(1)
	c.mu.Lock()
	c.history.Append(msg.Clone())
	c.mu.Unlock()
}

// History 最近 n 条历史消息，按时间升序；n<=0 返回全部
func (c *Channel) History(n int) []*Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.history.Last(n)
}

// expired 空频道是否超过存活时间
func (c *Channel) expired(now time.Time, ttl time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.persistent || len(c.subscribers) > 0 || c.emptySince.IsZero() {
		return false
	}
	return now.Sub(c.emptySince) > ttl
}

// messageRing 有界环形消息缓冲
type messageRing struct {
	buf  []*Message
	head int // 最旧条目位置
	size int
}

// newMessageRing 创建环形缓冲，capacity<=0 时不保留历史
func newMessageRing(capacity int) *messageRing {
	if capacity < 0 {
		capacity = 0
	}
	return &messageRing{buf: make([]*Message, capacity)}
}

// Append 追加消息，满时覆盖最旧
func (r *messageRing) Append(msg *Message) {
	if len(r.buf) == 0 {
		return
	}
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = msg
		r.size++
		return
	}
	r.buf[r.head] = msg
	r.head = (r.head + 1) % len(r.buf)
}

// Last 最近 n 条消息，按时间升序；n<=0 返回全部
func (r *messageRing) Last(n int) []*Message {
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]*Message, 0, n)
	start := r.size - n
	for i := start; i < r.size; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}

// Len 当前条目数
func (r *messageRing) Len() int {
	return r.size
}
