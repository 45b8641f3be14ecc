package chao

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tokmz/chao/pkg/archive"
	"github.com/tokmz/chao/pkg/cluster"
	"github.com/tokmz/chao/pkg/gateway"
	"github.com/tokmz/chao/pkg/logger"
	"github.com/tokmz/chao/pkg/store"
	"github.com/tokmz/chao/pkg/tracing"
)

// 事件存储类型
const (
	EventStoreMemory   = "memory"
	EventStoreDatabase = "database"
	EventStoreRedis    = "redis"
)

// ServerConfig 内置 HTTP 服务器配置
type ServerConfig struct {
	// Addr 监听地址，默认 ":8080"
	Addr string

	// WSPath WebSocket 升级路径，默认 "/ws"
	WSPath string

	// HealthPath 健康检查路径，默认 "/healthz"
	HealthPath string

	// StatsPath 运行统计路径，默认 "/stats"
	StatsPath string

	// ReadTimeout 读取超时，仅作用于握手阶段，升级后的连接由网关心跳管理
	ReadTimeout time.Duration

	// WriteTimeout 写入超时，同上
	WriteTimeout time.Duration

	// IdleTimeout 空闲超时
	IdleTimeout time.Duration

	// MaxHeaderBytes 最大请求头字节数
	MaxHeaderBytes int

	// TrustedProxies 信任的代理 IP，从透传头提取客户端 IP 时使用
	TrustedProxies []string
}

// ShutdownConfig 关机配置
type ShutdownConfig struct {
	// Timeout 关机超时时间，默认 15 秒
	Timeout time.Duration

	// BeforeShutdown 关机前回调
	BeforeShutdown func()

	// AfterShutdown 关机后回调
	AfterShutdown func()
}

// GatewayConfig 引擎配置
// 只覆盖适合写进配置文件的字段，Auth、Metrics 等运行期注入项通过 Options 追加。
type GatewayConfig struct {
	// InstanceID 实例标识，集群模式下必填且须全局唯一
	InstanceID string

	// MaxConnections 最大并发连接数
	MaxConnections int

	// HeartbeatInterval 服务端 ping 间隔
	HeartbeatInterval time.Duration

	// ConnectionTimeout 超过该时长未收到 pong 视为死连接
	ConnectionTimeout time.Duration

	// MessageSizeLimit 单条入站消息大小上限（字节）
	MessageSizeLimit int64

	// MessageTTL 离线持久化消息与事件的默认存活时间
	MessageTTL time.Duration

	// RequireAuth 是否要求认证后才能收发业务消息
	RequireAuth bool

	// TenantIsolation 是否启用租户隔离
	TenantIsolation bool

	// AllowedOrigins 升级请求的 Origin 白名单，空表示仅允许同源
	AllowedOrigins []string

	// EnableCompression 是否启用 permessage-deflate 压缩
	EnableCompression bool

	// EventStore 事件存储类型：memory（默认）、database、redis
	EventStore string

	// MaxPersistedEvents memory 与 redis 存储的容量上限，
	// database 存储由 Store.MaxEvents 控制
	MaxPersistedEvents int

	// Options 追加的引擎选项，最后应用，可覆盖上面的字段
	Options []gateway.Option
}

// Config 应用配置
type Config struct {
	// Mode 内置服务器运行模式：debug, release, test
	Mode string

	// Server 内置服务器配置
	Server ServerConfig

	// Shutdown 关机配置
	Shutdown ShutdownConfig

	// Gateway 引擎配置
	Gateway GatewayConfig

	// Cluster 集群后端配置，nil 表示单机运行
	Cluster *cluster.Config

	// Store 数据库事件存储配置，Gateway.EventStore 为 database 时必填
	Store *store.Config

	// Archive 事件归档配置，nil 表示不归档
	Archive *archive.Config

	// Log 日志配置，nil 表示默认配置
	Log *logger.Config

	// Logger 已构建的日志实例，优先于 Log 生效
	Logger logger.Logger

	// Tracing 链路追踪配置，nil 或 Enabled=false 表示不追踪
	Tracing *tracing.Config
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Mode: gin.DebugMode,
		Server: ServerConfig{
			Addr:           ":8080",
			WSPath:         "/ws",
			HealthPath:     "/healthz",
			StatsPath:      "/stats",
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxHeaderBytes: 1 << 20, // 1MB
		},
		Shutdown: ShutdownConfig{
			Timeout: 15 * time.Second,
		},
	}
}

// applyDefaults 填充零值字段，用户只需写关心的部分
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Mode == "" {
		c.Mode = def.Mode
	}
	if c.Server.Addr == "" {
		c.Server.Addr = def.Server.Addr
	}
	if c.Server.WSPath == "" {
		c.Server.WSPath = def.Server.WSPath
	}
	if c.Server.HealthPath == "" {
		c.Server.HealthPath = def.Server.HealthPath
	}
	if c.Server.StatsPath == "" {
		c.Server.StatsPath = def.Server.StatsPath
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = def.Server.ReadTimeout
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = def.Server.WriteTimeout
	}
	if c.Server.IdleTimeout <= 0 {
		c.Server.IdleTimeout = def.Server.IdleTimeout
	}
	if c.Server.MaxHeaderBytes <= 0 {
		c.Server.MaxHeaderBytes = def.Server.MaxHeaderBytes
	}
	if c.Shutdown.Timeout <= 0 {
		c.Shutdown.Timeout = def.Shutdown.Timeout
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch c.Mode {
	case gin.DebugMode, gin.ReleaseMode, gin.TestMode:
	default:
		return fmt.Errorf("chao: unsupported mode: %s", c.Mode)
	}

	switch c.Gateway.EventStore {
	case "", EventStoreMemory:
	case EventStoreDatabase:
		if c.Store == nil {
			return fmt.Errorf("chao: database event store requires Store config")
		}
	case EventStoreRedis:
		if c.Cluster == nil {
			return fmt.Errorf("chao: redis event store requires Cluster config")
		}
	default:
		return fmt.Errorf("chao: unsupported event store: %s", c.Gateway.EventStore)
	}

	// 集群内的实例标识必须稳定，不接受随机生成
	if c.Cluster != nil && c.Gateway.InstanceID == "" && c.Cluster.InstanceID == "" {
		return fmt.Errorf("chao: cluster mode requires Gateway.InstanceID")
	}
	return nil
}
