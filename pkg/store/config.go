package store

import (
	"fmt"
	"time"

	"github.com/tokmz/chao/pkg/logger"
)

// Driver 数据库驱动
type Driver string

const (
	DriverMySQL     Driver = "mysql"
	DriverPostgres  Driver = "postgres"
	DriverSQLite    Driver = "sqlite"
	DriverSQLServer Driver = "sqlserver"
)

// Config 事件存储配置
type Config struct {
	// Driver 数据库类型: mysql, postgres, sqlite, sqlserver
	Driver Driver

	// DSN 主库数据源
	DSN string

	// Replicas 只读从库 DSN 列表，配置后读请求走从库
	Replicas []string

	// ReplicaPolicy 从库负载均衡策略: random（默认）, round_robin
	ReplicaPolicy string

	// 连接池
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// GORM 行为
	SkipDefaultTransaction bool
	PrepareStmt            bool

	// SlowThreshold 慢查询阈值，超过的查询按 Warn 记录
	SlowThreshold time.Duration

	// MaxEvents 保留的事件上限，超限淘汰最旧的，0 表示不限制
	MaxEvents int

	// AutoMigrate 启动时自动建表
	AutoMigrate bool

	// EnableTracing 注册 GORM 链路追踪插件
	EnableTracing bool

	// Logger 日志，缺省为空实现
	Logger logger.Logger
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Driver:          DriverMySQL,
		ReplicaPolicy:   "random",
		MaxIdleConns:    10,
		MaxOpenConns:    100,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		PrepareStmt:     true,
		SlowThreshold:   200 * time.Millisecond,
		MaxEvents:       100_000,
		AutoMigrate:     true,
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch c.Driver {
	case DriverMySQL, DriverPostgres, DriverSQLite, DriverSQLServer:
	default:
		return fmt.Errorf("store: unsupported driver: %s", c.Driver)
	}
	if c.DSN == "" {
		return fmt.Errorf("store: DSN is required")
	}
	switch c.ReplicaPolicy {
	case "", "random", "round_robin":
	default:
		return fmt.Errorf("store: unsupported replica policy: %s", c.ReplicaPolicy)
	}
	if c.MaxEvents < 0 {
		return fmt.Errorf("store: MaxEvents must not be negative, got %d", c.MaxEvents)
	}
	return nil
}
