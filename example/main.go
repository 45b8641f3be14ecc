package main

import (
	"context"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/chao"
	"github.com/tokmz/chao/pkg/cluster"
	"github.com/tokmz/chao/pkg/config"
	"github.com/tokmz/chao/pkg/gateway"
	"github.com/tokmz/chao/pkg/logger"
)

// ChatMessage 聊天消息请求
type ChatMessage struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

// ChatAck 聊天消息回执
type ChatAck struct {
	Delivered int   `json:"delivered"`
	Time      int64 `json:"time"`
}

func main() {
	// ============ 1. 加载配置文件，开启热更新 ============
	var appLog logger.Logger
	var cfg *config.Config

	cfg = config.New(
		config.WithConfigFile("example/config.yaml"),
		config.WithAutoWatch(true),
		config.WithDefaults(map[string]any{
			"server.addr":             ":8080",
			"gateway.max_connections": 10000,
			"log.level":               "info",
		}),
		// 运行中改配置文件里的 log.level，无需重启
		config.WithOnChange(func() {
			if appLog == nil {
				return
			}
			level, err := logger.ParseLevel(cfg.GetString("log.level"))
			if err != nil {
				appLog.Warn("invalid log level in config", zap.String("level", cfg.GetString("log.level")))
				return
			}
			appLog.SetLevel(level)
			appLog.Info("log level updated", zap.String("level", level.String()))
		}),
	)
	if err := cfg.Load(); err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	defer cfg.Close()

	// ============ 2. 构建日志 ============
	level, err := logger.ParseLevel(cfg.GetString("log.level"))
	if err != nil {
		log.Fatalf("日志级别无效: %v", err)
	}
	appLog, err = logger.New(&logger.Config{
		Level:   level,
		Format:  logger.ConsoleFormat,
		Console: true,
	})
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}

	// ============ 3. 装配网关 ============
	appCfg := &chao.Config{
		Mode: cfg.GetString("server.mode"),
		Server: chao.ServerConfig{
			Addr:   cfg.GetString("server.addr"),
			WSPath: cfg.GetString("server.ws_path"),
		},
		Shutdown: chao.ShutdownConfig{
			Timeout:        cfg.GetDuration("server.shutdown_timeout"),
			BeforeShutdown: func() { appLog.Info("draining sessions") },
		},
		Gateway: chao.GatewayConfig{
			InstanceID:        cfg.GetString("gateway.instance_id"),
			MaxConnections:    cfg.GetInt("gateway.max_connections"),
			HeartbeatInterval: cfg.GetDuration("gateway.heartbeat_interval"),
			RequireAuth:       cfg.GetBool("gateway.require_auth"),
			TenantIsolation:   cfg.GetBool("gateway.tenant_isolation"),
		},
		Logger: appLog,
	}

	// 配置了 Redis 就以集群模式运行，多实例间自动转发
	if cfg.GetBool("cluster.enabled") {
		cc := cluster.DefaultConfig()
		cc.Addr = cfg.GetString("cluster.addr")
		cc.Password = cfg.GetString("cluster.password")
		cc.KeyPrefix = cfg.GetString("cluster.key_prefix")
		appCfg.Cluster = cc
	}

	app, err := chao.New(appCfg)
	if err != nil {
		log.Fatalf("装配网关失败: %v", err)
	}

	// ============ 4. 注册业务处理器 ============
	// 泛型注册：payload 自动解码，返回值以 chat.send_result 帧发回
	err = gateway.Handle(app.Engine().Router(), "chat.send",
		func(s *gateway.Session, req *ChatMessage) (*ChatAck, error) {
			res, err := app.Broadcast(context.Background(),
				gateway.Target{
					Scope:        gateway.ScopeChannel,
					Channel:      req.Channel,
					ExcludeUsers: []string{s.UserID()},
				},
				gateway.NewMessage("chat.message", map[string]any{
					"from": s.UserID(),
					"text": req.Text,
				}),
			)
			if err != nil {
				return nil, err
			}
			return &ChatAck{Delivered: res.Delivered, Time: time.Now().UnixMilli()}, nil
		})
	if err != nil {
		log.Fatalf("注册处理器失败: %v", err)
	}

	// 入站消息审计中间件
	err = app.Use(func(s *gateway.Session, msg *gateway.Message, next gateway.NextFunc) error {
		start := time.Now()
		err := next()
		appLog.Debug("message handled",
			zap.String("session_id", s.ID),
			zap.String("type", msg.Type),
			zap.Duration("cost", time.Since(start)),
			zap.Error(err),
		)
		return err
	})
	if err != nil {
		log.Fatalf("注册中间件失败: %v", err)
	}

	// 订阅连接事件
	app.Engine().Events().SubscribeFunc(
		gateway.SubscriptionFilter{Types: []gateway.EventType{gateway.EventSessionConnected}},
		func(e *gateway.Event) {
			appLog.Info("session connected", zap.Any("payload", e.Payload))
		},
	)

	// ============ 5. 启动，阻塞到收到退出信号 ============
	if err := app.Run(); err != nil {
		log.Fatalf("网关退出: %v", err)
	}
}
