package cluster

import (
	"fmt"
	"time"

	"github.com/tokmz/chao/pkg/logger"
)

// Mode Redis 部署模式
type Mode string

const (
	ModeStandalone Mode = "standalone"
	ModeCluster    Mode = "cluster"
	ModeSentinel   Mode = "sentinel"
)

// Config Redis 扩展后端配置
type Config struct {
	// InstanceID 本实例标识，必填，与网关实例标识一致
	InstanceID string

	// Redis 连接
	Addr         string        // 地址（单机）
	Addrs        []string      // 地址列表（集群/哨兵）
	Mode         Mode          // standalone, cluster, sentinel
	MasterName   string        // 主节点名称（哨兵）
	Username     string        // 用户名（Redis 6.0+）
	Password     string        // 密码
	DB           int           // 数据库编号（集群模式忽略）
	PoolSize     int           // 连接池大小
	MinIdleConns int           // 最小空闲连接
	MaxRetries   int           // 最大重试次数
	DialTimeout  time.Duration // 连接超时
	ReadTimeout  time.Duration // 读超时
	WriteTimeout time.Duration // 写超时

	// KeyPrefix 所有键与频道的前缀，多套部署共用一个 Redis 时隔离用
	KeyPrefix string

	// InstanceTTL 实例记录存活时间，超过未刷新视为下线
	InstanceTTL time.Duration

	// HeartbeatInterval 实例记录刷新间隔，须小于 InstanceTTL
	HeartbeatInterval time.Duration

	// CleanupInterval 过期实例清理间隔
	CleanupInterval time.Duration

	// MessageTTL 离线持久化消息的存活时间
	MessageTTL time.Duration

	// DedupCapacity 去重过滤器单代容量，按窗口内预期的信封数设置
	DedupCapacity uint

	// DedupFalsePositive 去重过滤器误判率
	DedupFalsePositive float64

	// Logger 日志，缺省为空实现
	Logger logger.Logger
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Addr:               "localhost:6379",
		Mode:               ModeStandalone,
		PoolSize:           100,
		MinIdleConns:       10,
		MaxRetries:         3,
		DialTimeout:        5 * time.Second,
		ReadTimeout:        3 * time.Second,
		WriteTimeout:       3 * time.Second,
		KeyPrefix:          "chao",
		InstanceTTL:        30 * time.Second,
		HeartbeatInterval:  10 * time.Second,
		CleanupInterval:    time.Minute,
		MessageTTL:         time.Hour,
		DedupCapacity:      100_000,
		DedupFalsePositive: 0.001,
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.InstanceID == "" {
		return fmt.Errorf("cluster: InstanceID is required")
	}
	switch c.Mode {
	case ModeStandalone, "":
		if c.Addr == "" {
			return fmt.Errorf("cluster: standalone mode requires Addr")
		}
	case ModeCluster:
		if len(c.Addrs) == 0 {
			return fmt.Errorf("cluster: cluster mode requires Addrs")
		}
	case ModeSentinel:
		if len(c.Addrs) == 0 {
			return fmt.Errorf("cluster: sentinel mode requires Addrs")
		}
		if c.MasterName == "" {
			return fmt.Errorf("cluster: sentinel mode requires MasterName")
		}
	default:
		return fmt.Errorf("cluster: unsupported mode: %s", c.Mode)
	}
	if c.KeyPrefix == "" {
		return fmt.Errorf("cluster: KeyPrefix is required")
	}
	if c.InstanceTTL <= 0 {
		return fmt.Errorf("cluster: InstanceTTL must be positive, got %v", c.InstanceTTL)
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.InstanceTTL {
		return fmt.Errorf("cluster: HeartbeatInterval (%v) must be positive and less than InstanceTTL (%v)",
			c.HeartbeatInterval, c.InstanceTTL)
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("cluster: CleanupInterval must be positive, got %v", c.CleanupInterval)
	}
	if c.MessageTTL <= 0 {
		return fmt.Errorf("cluster: MessageTTL must be positive, got %v", c.MessageTTL)
	}
	if c.DedupCapacity == 0 {
		return fmt.Errorf("cluster: DedupCapacity must be positive")
	}
	if c.DedupFalsePositive <= 0 || c.DedupFalsePositive >= 1 {
		return fmt.Errorf("cluster: DedupFalsePositive must be in (0, 1), got %v", c.DedupFalsePositive)
	}
	return nil
}

// 键与频道布局，全部挂在 KeyPrefix 之下
func (c *Config) channelBroadcast() string   { return c.KeyPrefix + ":broadcast" }
func (c *Config) channelConnections() string { return c.KeyPrefix + ":connections" }
func (c *Config) channelHealth() string      { return c.KeyPrefix + ":health" }
func (c *Config) channelSystem() string      { return c.KeyPrefix + ":system" }
func (c *Config) instanceSetKey() string     { return c.KeyPrefix + ":instances" }

func (c *Config) instanceKey(id string) string {
	return c.KeyPrefix + ":instances:" + id
}

func (c *Config) pendingKey(target string) string {
	return c.KeyPrefix + ":pending:" + target
}

func (c *Config) eventsKey() string {
	return c.KeyPrefix + ":events"
}
