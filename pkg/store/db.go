package store

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/driver/sqlserver"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
	"gorm.io/plugin/dbresolver"

	"github.com/tokmz/chao/pkg/logger"
)

// Open 按配置建立数据库连接
func Open(cfg *Config) (*gorm.DB, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}

	gormConfig := &gorm.Config{
		SkipDefaultTransaction: cfg.SkipDefaultTransaction,
		PrepareStmt:            cfg.PrepareStmt,
		Logger:                 newGormLogger(log, cfg.SlowThreshold),
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
	}

	dialector, err := dialectorFor(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("store: failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if len(cfg.Replicas) > 0 {
		if err := setupReplicas(db, cfg); err != nil {
			return nil, fmt.Errorf("store: failed to setup replicas: %w", err)
		}
	}

	if cfg.EnableTracing {
		if err := db.Use(NewTracingPlugin()); err != nil {
			return nil, fmt.Errorf("store: failed to register tracing plugin: %w", err)
		}
	}

	return db, nil
}

// dialectorFor 根据驱动类型返回对应的 Dialector
func dialectorFor(driver Driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case DriverMySQL:
		return mysql.Open(dsn), nil
	case DriverPostgres:
		return postgres.Open(dsn), nil
	case DriverSQLite:
		return sqlite.Open(dsn), nil
	case DriverSQLServer:
		return sqlserver.Open(dsn), nil
	default:
		return nil, fmt.Errorf("store: unsupported driver: %s", driver)
	}
}

// setupReplicas 注册只读从库，读请求按策略分发
func setupReplicas(db *gorm.DB, cfg *Config) error {
	replicas := make([]gorm.Dialector, 0, len(cfg.Replicas))
	for _, dsn := range cfg.Replicas {
		dialector, err := dialectorFor(cfg.Driver, dsn)
		if err != nil {
			return err
		}
		replicas = append(replicas, dialector)
	}

	resolver := dbresolver.Register(dbresolver.Config{
		Replicas: replicas,
		Policy:   policyFor(cfg.ReplicaPolicy),
	})
	resolver.SetMaxIdleConns(cfg.MaxIdleConns)
	resolver.SetMaxOpenConns(cfg.MaxOpenConns)
	resolver.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	resolver.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	return db.Use(resolver)
}

// policyFor 获取从库负载均衡策略
func policyFor(policy string) dbresolver.Policy {
	if policy == "round_robin" {
		return dbresolver.RoundRobinPolicy()
	}
	return dbresolver.RandomPolicy{}
}
