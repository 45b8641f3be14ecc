package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tokmz/chao/pkg/logger"
	"github.com/tokmz/chao/pkg/ratelimit"
)

// Config 网关配置
// 构造时显式传入，运行期不读取全局状态。
type Config struct {
	// InstanceID 实例标识，参与集群时用于回声抑制，空则自动生成
	InstanceID string

	// 连接配置
	MaxConnections   int           // 最大连接数
	MaxMessageSize   int64         // 最大消息大小
	HandshakeTimeout time.Duration // 握手超时时间
	SendBufferSize   int           // 会话发送队列长度
	WriteTimeout     time.Duration // 单帧写超时

	// 心跳配置
	HeartbeatInterval time.Duration // 心跳 ping 间隔
	ConnectionTimeout time.Duration // 心跳超时，超过后会话被清理
	CleanupInterval   time.Duration // 过期会话扫描间隔

	// 认证配置
	RequireAuth     bool // 未认证会话是否禁止订阅/发送
	TenantIsolation bool // 是否按租户自动隔离频道命名空间

	// MessageTTL 持久化消息与事件的默认存活时间
	MessageTTL time.Duration

	// 频道配置
	Channel ChannelConfig

	// 广播配置
	Broadcast BroadcastConfig

	// 事件配置
	Event EventConfig

	// 限流配置
	ConnectionRate ratelimit.Config // 按 IP 的连接频率（硬限制）
	MessageRate    ratelimit.Config // 按会话的消息频率（软限制）
	MaxViolations  int              // 连续触发软限制多少次后断开，0 表示从不断开

	// Upgrader 配置
	Upgrader UpgraderConfig

	// 协作方
	Logger     logger.Logger
	Metrics    Metrics
	Auth       Auth
	Backend    Backend
	EventStore EventStore
}

// ChannelConfig 频道配置
type ChannelConfig struct {
	MaxSubscribers int           // 单频道最大订阅数
	HistorySize    int           // 历史消息环形缓冲大小
	SweepInterval  time.Duration // 空频道清理间隔
	EmptyTTL       time.Duration // 空频道存活时间
}

// BroadcastConfig 广播配置
type BroadcastConfig struct {
	BatchSize            int              // 批量投递大小
	MaxConcurrentBatches int64            // 并发批次上限（信号量）
	MaxRetries           int              // RELIABLE/GUARANTEED 模式的最大重试次数
	RetryBackoff         time.Duration    // 重试退避基准
	RateLimit            ratelimit.Config // 按广播范围类型的滑动窗口限流
	MaxErrors            int              // 结果中保留的错误数上限
}

// EventConfig 事件配置
type EventConfig struct {
	MaxPersisted    int           // 内存事件存储容量，超出后淘汰最旧
	CleanupInterval time.Duration // 过期事件与孤儿订阅清理间隔
	Workers         int           // 本地处理器分发的 worker 数
	QueueSize       int           // 本地处理器分发队列长度
}

// UpgraderConfig Upgrader 配置
type UpgraderConfig struct {
	ReadBufferSize    int                      // 读缓冲区大小
	WriteBufferSize   int                      // 写缓冲区大小
	CheckOrigin       func(*http.Request) bool // Origin 检查函数
	EnableCompression bool                     // 是否启用压缩
	AllowedOrigins    []string                 // 允许的 Origin 白名单
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxConnections:    10000,
		MaxMessageSize:    512 * 1024, // 512KB
		HandshakeTimeout:  10 * time.Second,
		SendBufferSize:    256,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		ConnectionTimeout: 90 * time.Second,
		CleanupInterval:   30 * time.Second,
		MessageTTL:        time.Hour,
		Channel: ChannelConfig{
			MaxSubscribers: 1000,
			HistorySize:    100,
			SweepInterval:  5 * time.Minute,
			EmptyTTL:       10 * time.Minute,
		},
		Broadcast: BroadcastConfig{
			BatchSize:            100,
			MaxConcurrentBatches: 10,
			MaxRetries:           3,
			RetryBackoff:         100 * time.Millisecond,
			RateLimit: ratelimit.Config{
				MaxEvents: 600,
				Window:    time.Minute,
			},
			MaxErrors: 16,
		},
		Event: EventConfig{
			MaxPersisted:    10000,
			CleanupInterval: time.Minute,
			Workers:         10,
			QueueSize:       1000,
		},
		ConnectionRate: ratelimit.Config{
			MaxEvents: 10,
			Window:    time.Minute,
		},
		MessageRate: ratelimit.Config{
			MaxEvents: 120,
			Window:    time.Minute,
		},
		MaxViolations: 0,
		Upgrader: UpgraderConfig{
			ReadBufferSize:    1024,
			WriteBufferSize:   1024,
			CheckOrigin:       nil, // 将在 NewUpgrader 中设置
			EnableCompression: false,
			AllowedOrigins:    nil, // 默认为 nil，使用同源检查
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.MaxConnections <= 0 {
		return fmt.Errorf("MaxConnections must be positive, got %d", c.MaxConnections)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("MaxMessageSize must be positive, got %d", c.MaxMessageSize)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("HandshakeTimeout must be positive, got %v", c.HandshakeTimeout)
	}
	if c.SendBufferSize <= 0 {
		return fmt.Errorf("SendBufferSize must be positive, got %d", c.SendBufferSize)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("WriteTimeout must be positive, got %v", c.WriteTimeout)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HeartbeatInterval must be positive, got %v", c.HeartbeatInterval)
	}
	if c.ConnectionTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("ConnectionTimeout (%v) must be greater than HeartbeatInterval (%v)",
			c.ConnectionTimeout, c.HeartbeatInterval)
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("CleanupInterval must be positive, got %v", c.CleanupInterval)
	}
	if c.MessageTTL <= 0 {
		return fmt.Errorf("MessageTTL must be positive, got %v", c.MessageTTL)
	}

	// 验证频道配置
	if c.Channel.MaxSubscribers <= 0 {
		return fmt.Errorf("Channel.MaxSubscribers must be positive, got %d", c.Channel.MaxSubscribers)
	}
	if c.Channel.HistorySize < 0 {
		return fmt.Errorf("Channel.HistorySize must not be negative, got %d", c.Channel.HistorySize)
	}
	if c.Channel.SweepInterval <= 0 {
		return fmt.Errorf("Channel.SweepInterval must be positive, got %v", c.Channel.SweepInterval)
	}
	if c.Channel.EmptyTTL <= 0 {
		return fmt.Errorf("Channel.EmptyTTL must be positive, got %v", c.Channel.EmptyTTL)
	}

	// 验证广播配置
	if c.Broadcast.BatchSize <= 0 {
		return fmt.Errorf("Broadcast.BatchSize must be positive, got %d", c.Broadcast.BatchSize)
	}
	if c.Broadcast.MaxConcurrentBatches <= 0 {
		return fmt.Errorf("Broadcast.MaxConcurrentBatches must be positive, got %d", c.Broadcast.MaxConcurrentBatches)
	}
	if c.Broadcast.MaxRetries < 0 {
		return fmt.Errorf("Broadcast.MaxRetries must not be negative, got %d", c.Broadcast.MaxRetries)
	}
	if c.Broadcast.RetryBackoff <= 0 {
		return fmt.Errorf("Broadcast.RetryBackoff must be positive, got %v", c.Broadcast.RetryBackoff)
	}

	// 验证事件配置
	if c.Event.MaxPersisted <= 0 {
		return fmt.Errorf("Event.MaxPersisted must be positive, got %d", c.Event.MaxPersisted)
	}
	if c.Event.CleanupInterval <= 0 {
		return fmt.Errorf("Event.CleanupInterval must be positive, got %v", c.Event.CleanupInterval)
	}
	if c.Event.Workers <= 0 {
		return fmt.Errorf("Event.Workers must be positive, got %d", c.Event.Workers)
	}
	if c.Event.QueueSize <= 0 {
		return fmt.Errorf("Event.QueueSize must be positive, got %d", c.Event.QueueSize)
	}

	// 验证 Upgrader 配置
	if c.Upgrader.ReadBufferSize <= 0 {
		return fmt.Errorf("Upgrader.ReadBufferSize must be positive, got %d", c.Upgrader.ReadBufferSize)
	}
	if c.Upgrader.WriteBufferSize <= 0 {
		return fmt.Errorf("Upgrader.WriteBufferSize must be positive, got %d", c.Upgrader.WriteBufferSize)
	}

	return nil
}

// Option 配置选项
type Option func(*Config)

// WithInstanceID 设置实例标识
func WithInstanceID(id string) Option {
	return func(c *Config) {
		c.InstanceID = id
	}
}

// WithMaxConnections 设置最大连接数
func WithMaxConnections(max int) Option {
	return func(c *Config) {
		c.MaxConnections = max
	}
}

// WithHeartbeatInterval 设置心跳间隔
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.HeartbeatInterval = interval
	}
}

// WithConnectionTimeout 设置心跳超时
func WithConnectionTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.ConnectionTimeout = timeout
	}
}

// WithMessageSizeLimit 设置消息大小限制
func WithMessageSizeLimit(size int64) Option {
	return func(c *Config) {
		c.MaxMessageSize = size
	}
}

// WithMessageTTL 设置持久化消息存活时间
func WithMessageTTL(ttl time.Duration) Option {
	return func(c *Config) {
		c.MessageTTL = ttl
	}
}

// WithConnectionRateLimit 设置按 IP 的连接频率限制
func WithConnectionRateLimit(cfg ratelimit.Config) Option {
	return func(c *Config) {
		c.ConnectionRate = cfg
	}
}

// WithMessageRateLimit 设置按会话的消息频率限制
func WithMessageRateLimit(cfg ratelimit.Config) Option {
	return func(c *Config) {
		c.MessageRate = cfg
	}
}

// WithMaxViolations 设置连续触发消息限流多少次后断开，0 表示从不断开
func WithMaxViolations(n int) Option {
	return func(c *Config) {
		c.MaxViolations = n
	}
}

// WithRequireAuth 设置是否强制认证
func WithRequireAuth(require bool) Option {
	return func(c *Config) {
		c.RequireAuth = require
	}
}

// WithTenantIsolation 设置租户隔离
func WithTenantIsolation(enable bool) Option {
	return func(c *Config) {
		c.TenantIsolation = enable
	}
}

// WithAuth 设置认证协作方
func WithAuth(auth Auth) Option {
	return func(c *Config) {
		c.Auth = auth
	}
}

// WithBackend 设置扩展后端
func WithBackend(backend Backend) Option {
	return func(c *Config) {
		c.Backend = backend
	}
}

// WithEventStore 设置事件存储
func WithEventStore(store EventStore) Option {
	return func(c *Config) {
		c.EventStore = store
	}
}

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithMetrics 设置监控
func WithMetrics(metrics Metrics) Option {
	return func(c *Config) {
		c.Metrics = metrics
	}
}

// WithCheckOrigin 设置 Origin 检查函数
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(c *Config) {
		c.Upgrader.CheckOrigin = fn
	}
}

// WithCheckOriginWhitelist 设置 Origin 白名单
// 示例：WithCheckOriginWhitelist([]string{"https://example.com", "https://app.example.com"})
func WithCheckOriginWhitelist(allowedOrigins []string) Option {
	return func(c *Config) {
		c.Upgrader.AllowedOrigins = allowedOrigins
		// 自动设置 CheckOrigin 函数
		c.Upgrader.CheckOrigin = createWhitelistChecker(allowedOrigins)
	}
}

// WithAllowAllOrigins 允许所有来源（仅用于开发环境，生产环境禁用）
func WithAllowAllOrigins() Option {
	return func(c *Config) {
		c.Upgrader.CheckOrigin = func(r *http.Request) bool {
			return true
		}
	}
}

// WithEnableCompression 启用压缩
func WithEnableCompression(enable bool) Option {
	return func(c *Config) {
		c.Upgrader.EnableCompression = enable
	}
}

// defaultCheckOrigin 默认 Origin 检查（同源策略）
// 生产环境建议使用 WithCheckOriginWhitelist 设置白名单
func defaultCheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// 严格模式：拒绝空 Origin
		// 如需允许非浏览器客户端，使用 WithAllowAllOrigins()
		return false
	}
	// 同源检查
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// createWhitelistChecker 创建白名单检查器
func createWhitelistChecker(allowedOrigins []string) func(*http.Request) bool {
	// 构建白名单 map 用于快速查找
	whitelist := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		whitelist[origin] = true
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// 白名单模式下拒绝空 Origin
			return false
		}
		// 检查是否在白名单中
		return whitelist[origin]
	}
}

// Upgrader WebSocket 升级器
type Upgrader struct {
	upgrader websocket.Upgrader
}

// NewUpgrader 创建升级器
func NewUpgrader(config UpgraderConfig, handshakeTimeout time.Duration) *Upgrader {
	// 如果没有设置 CheckOrigin，使用默认的同源检查
	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		if len(config.AllowedOrigins) > 0 {
			// 如果设置了白名单，使用白名单检查
			checkOrigin = createWhitelistChecker(config.AllowedOrigins)
		} else {
			// 否则使用默认的同源检查
			checkOrigin = defaultCheckOrigin
		}
	}

	return &Upgrader{
		upgrader: websocket.Upgrader{
			HandshakeTimeout:  handshakeTimeout,
			ReadBufferSize:    config.ReadBufferSize,
			WriteBufferSize:   config.WriteBufferSize,
			CheckOrigin:       checkOrigin,
			EnableCompression: config.EnableCompression,
		},
	}
}

// Upgrade 升级 HTTP 连接为 WebSocket
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return u.upgrader.Upgrade(w, r, nil)
}
