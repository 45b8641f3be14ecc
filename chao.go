package chao

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/gin-gonic/gin"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/tokmz/chao/pkg/archive"
	"github.com/tokmz/chao/pkg/cluster"
	"github.com/tokmz/chao/pkg/gateway"
	"github.com/tokmz/chao/pkg/logger"
	"github.com/tokmz/chao/pkg/store"
	"github.com/tokmz/chao/pkg/tracing"
)

// Gateway 实时网关应用
// 按单份配置装配引擎、集群后端、事件存储、归档器与链路追踪，
// 可用 Run 启动内置 HTTP 服务器，也可只 Start 引擎后自行接管 HTTP 层。
type Gateway struct {
	config *Config
	log    logger.Logger

	engine   *gateway.Engine
	backend  *cluster.Backend
	archiver *archive.Archiver
	tracer   *sdktrace.TracerProvider

	archiveSub string
	ownsLog    bool

	server  *http.Server
	stopped atomic.Bool
	done    chan struct{}
}

// New 按配置装配网关
// nil 配置使用默认值。集群、数据库存储、归档等组件按配置有无决定是否装配。
func New(cfg *Config) (*Gateway, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &Gateway{
		config: cfg,
		done:   make(chan struct{}),
	}

	// 日志
	switch {
	case cfg.Logger != nil:
		g.log = cfg.Logger
	case cfg.Log != nil:
		log, err := logger.New(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("chao: init logger: %w", err)
		}
		g.log = log
		g.ownsLog = true
	default:
		g.log = logger.Default()
	}

	// 链路追踪，Provider 注册为全局，各组件按需取 tracer
	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		tp, err := tracing.NewTracerProvider(cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("chao: init tracing: %w", err)
		}
		g.tracer = tp
	}

	// 集群后端，连接失败在引擎 Start 时退化为单机
	if cfg.Cluster != nil {
		cc := *cfg.Cluster
		if cc.InstanceID == "" {
			cc.InstanceID = cfg.Gateway.InstanceID
		}
		if cc.Logger == nil {
			cc.Logger = g.log
		}
		backend, err := cluster.New(&cc)
		if err != nil {
			return nil, fmt.Errorf("chao: init cluster backend: %w", err)
		}
		g.backend = backend
	}

	opts, err := g.engineOptions()
	if err != nil {
		return nil, err
	}
	engine, err := gateway.New(opts...)
	if err != nil {
		return nil, err
	}
	g.engine = engine

	// 心跳记录携带本地连接数，集群统计聚合用
	if g.backend != nil {
		g.backend.BindStats(func() cluster.InstanceStats {
			return cluster.InstanceStats{Connections: engine.Registry().Count()}
		})
	}

	// 归档是旁路，Kafka 不可用时降级为不归档，不阻断启动
	if cfg.Archive != nil {
		ac := *cfg.Archive
		if ac.Logger == nil {
			ac.Logger = g.log
		}
		archiver, err := archive.New(&ac)
		if err != nil {
			g.log.Warn("archiver unavailable, events will not be archived", zap.Error(err))
		} else {
			g.archiver = archiver
			g.archiveSub = engine.Events().SubscribeFunc(gateway.SubscriptionFilter{}, archiver.Archive)
		}
	}

	return g, nil
}

// engineOptions 把配置翻译成引擎选项，零值字段交给引擎默认值
func (g *Gateway) engineOptions() ([]gateway.Option, error) {
	gc := g.config.Gateway
	opts := []gateway.Option{
		gateway.WithLogger(g.log),
	}
	if gc.InstanceID != "" {
		opts = append(opts, gateway.WithInstanceID(gc.InstanceID))
	}
	if gc.MaxConnections > 0 {
		opts = append(opts, gateway.WithMaxConnections(gc.MaxConnections))
	}
	if gc.HeartbeatInterval > 0 {
		opts = append(opts, gateway.WithHeartbeatInterval(gc.HeartbeatInterval))
	}
	if gc.ConnectionTimeout > 0 {
		opts = append(opts, gateway.WithConnectionTimeout(gc.ConnectionTimeout))
	}
	if gc.MessageSizeLimit > 0 {
		opts = append(opts, gateway.WithMessageSizeLimit(gc.MessageSizeLimit))
	}
	if gc.MessageTTL > 0 {
		opts = append(opts, gateway.WithMessageTTL(gc.MessageTTL))
	}
	if gc.RequireAuth {
		opts = append(opts, gateway.WithRequireAuth(true))
	}
	if gc.TenantIsolation {
		opts = append(opts, gateway.WithTenantIsolation(true))
	}
	if len(gc.AllowedOrigins) > 0 {
		opts = append(opts, gateway.WithCheckOriginWhitelist(gc.AllowedOrigins))
	}
	if gc.EnableCompression {
		opts = append(opts, gateway.WithEnableCompression(true))
	}
	if g.backend != nil {
		opts = append(opts, gateway.WithBackend(g.backend))
	}

	es, err := g.newEventStore()
	if err != nil {
		return nil, err
	}
	if es != nil {
		opts = append(opts, gateway.WithEventStore(es))
	}

	return append(opts, gc.Options...), nil
}

// newEventStore 按配置选择事件存储，nil 表示用引擎默认的内存存储
func (g *Gateway) newEventStore() (gateway.EventStore, error) {
	gc := g.config.Gateway
	switch gc.EventStore {
	case "", EventStoreMemory:
		if gc.MaxPersistedEvents > 0 {
			return gateway.NewMemoryEventStore(gc.MaxPersistedEvents), nil
		}
		return nil, nil
	case EventStoreDatabase:
		sc := *g.config.Store
		if sc.Logger == nil {
			sc.Logger = g.log
		}
		es, err := store.NewEventStore(&sc)
		if err != nil {
			return nil, fmt.Errorf("chao: init event store: %w", err)
		}
		return es, nil
	case EventStoreRedis:
		max := gc.MaxPersistedEvents
		if max <= 0 {
			max = gateway.DefaultConfig().Event.MaxPersisted
		}
		return cluster.NewEventStore(g.backend, max), nil
	default:
		return nil, fmt.Errorf("chao: unsupported event store: %s", gc.EventStore)
	}
}

// Start 启动引擎，不启动内置 HTTP 服务器
// 自行接管 HTTP 层时使用：Start 之后把 HandleUpgrade 挂到任意框架的路由上。
func (g *Gateway) Start() error {
	return g.engine.Start()
}

// Run 启动引擎和内置 HTTP 服务器，阻塞直到收到关机信号或 Shutdown 被调用
func (g *Gateway) Run(addr ...string) error {
	address := g.config.Server.Addr
	if len(addr) > 0 && addr[0] != "" {
		address = addr[0]
	}

	if err := g.engine.Start(); err != nil {
		return err
	}

	router := g.buildRouter()
	g.server = &http.Server{
		Addr:           address,
		Handler:        router,
		ReadTimeout:    g.config.Server.ReadTimeout,
		WriteTimeout:   g.config.Server.WriteTimeout,
		IdleTimeout:    g.config.Server.IdleTimeout,
		MaxHeaderBytes: g.config.Server.MaxHeaderBytes,
	}

	g.printBanner(address, router.Routes())

	return g.serve(func() error {
		return g.server.ListenAndServe()
	})
}

// RunTLS 以 HTTPS 启动内置服务器
func (g *Gateway) RunTLS(addr, certFile, keyFile string) error {
	if err := g.engine.Start(); err != nil {
		return err
	}

	router := g.buildRouter()
	g.server = &http.Server{
		Addr:           addr,
		Handler:        router,
		ReadTimeout:    g.config.Server.ReadTimeout,
		WriteTimeout:   g.config.Server.WriteTimeout,
		IdleTimeout:    g.config.Server.IdleTimeout,
		MaxHeaderBytes: g.config.Server.MaxHeaderBytes,
	}

	g.printBanner(addr, router.Routes())

	return g.serve(func() error {
		return g.server.ListenAndServeTLS(certFile, keyFile)
	})
}

// buildRouter 装配内置路由：升级入口、健康检查、运行统计
func (g *Gateway) buildRouter() *gin.Engine {
	// gin.SetMode 是全局状态，以本实例配置为准
	gin.SetMode(g.config.Mode)
	silenceGin()

	r := gin.New()
	r.Use(gin.Recovery())
	if g.tracer != nil {
		r.Use(tracing.Middleware())
	}
	if g.config.Server.TrustedProxies != nil {
		if err := r.SetTrustedProxies(g.config.Server.TrustedProxies); err != nil {
			g.log.Warn("set trusted proxies failed", zap.Error(err))
		}
	}

	r.GET(g.config.Server.WSPath, func(c *gin.Context) {
		// 拒绝和升级失败的响应由 HandleUpgrade 写入
		if _, err := g.engine.HandleUpgrade(c.Writer, c.Request); err != nil {
			c.Abort()
		}
	})
	r.GET(g.config.Server.HealthPath, func(c *gin.Context) {
		h := g.engine.HealthCheck(c.Request.Context())
		code := http.StatusOK
		if h.Status == gateway.StatusShuttingDown {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, h)
	})
	r.GET(g.config.Server.StatsPath, func(c *gin.Context) {
		c.JSON(http.StatusOK, g.statsPayload(c.Request.Context()))
	})
	return r
}

// statsPayload 本实例统计，集群模式附带各实例的心跳记录
func (g *Gateway) statsPayload(ctx context.Context) gin.H {
	payload := gin.H{"gateway": g.engine.Stats()}
	if g.backend != nil {
		if records, err := g.backend.ClusterStats(ctx); err == nil {
			payload["cluster"] = records
		}
	}
	return payload
}

// serve 启动服务器并等待退出条件：启动失败、关机信号、手动 Shutdown
func (g *Gateway) serve(startFunc func() error) error {
	errChan := make(chan error, 1)
	go func() {
		if err := startFunc(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errChan:
		return err
	case <-quit:
		g.log.Info("shutdown signal received")
	case <-g.done:
		// 手动 Shutdown 已完成全部清理
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.config.Shutdown.Timeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown 优雅关闭
// 顺序：停止接入新请求，关闭引擎（存量会话、后台循环、后端与事件存储），
// 再收尾归档器、追踪导出器和日志。重复调用直接返回 nil。
func (g *Gateway) Shutdown(ctx context.Context) error {
	if !g.stopped.CompareAndSwap(false, true) {
		return nil
	}
	defer close(g.done)

	if g.config.Shutdown.BeforeShutdown != nil {
		g.config.Shutdown.BeforeShutdown()
	}

	var errs []error
	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
		}
	}
	if err := g.engine.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("engine shutdown: %w", err))
	}
	if g.archiver != nil {
		g.engine.Events().UnsubscribeFunc(g.archiveSub)
		if err := g.archiver.Close(); err != nil {
			errs = append(errs, fmt.Errorf("archiver close: %w", err))
		}
	}
	if g.tracer != nil {
		if err := g.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
	}
	if g.ownsLog {
		// stdout/stderr 的 Sync 在部分平台报 EINVAL，忽略
		_ = g.log.Sync()
	}

	if g.config.Shutdown.AfterShutdown != nil {
		g.config.Shutdown.AfterShutdown()
	}
	return errors.Join(errs...)
}

// HandleUpgrade 处理 WebSocket 升级请求，自行接管 HTTP 层时挂到路由上
func (g *Gateway) HandleUpgrade(w http.ResponseWriter, r *http.Request, opts ...gateway.SessionOption) (*gateway.Session, error) {
	return g.engine.HandleUpgrade(w, r, opts...)
}

// Broadcast 服务端广播
func (g *Gateway) Broadcast(ctx context.Context, target gateway.Target, msg *gateway.Message, opts ...gateway.BroadcastOption) (*gateway.Result, error) {
	return g.engine.Broadcast(ctx, target, msg, opts...)
}

// Publish 发布事件
func (g *Gateway) Publish(ctx context.Context, event *gateway.Event, targetSessions ...string) (*gateway.EventDelivery, error) {
	return g.engine.Publish(ctx, event, targetSessions...)
}

// Register 注册自定义消息处理器，须在启动前调用
func (g *Gateway) Register(msgType string, handler gateway.Handler) error {
	return g.engine.Register(msgType, handler)
}

// Use 添加消息中间件，须在启动前调用
func (g *Gateway) Use(middleware ...gateway.MiddlewareFunc) error {
	return g.engine.Use(middleware...)
}

// Stats 本实例运行统计
func (g *Gateway) Stats() *gateway.Stats {
	return g.engine.Stats()
}

// HealthCheck 健康检查
func (g *Gateway) HealthCheck(ctx context.Context) *gateway.Health {
	return g.engine.HealthCheck(ctx)
}

// Engine 底层引擎，泛型注册等高级用法使用
func (g *Gateway) Engine() *gateway.Engine {
	return g.engine
}

// Backend 集群后端，单机运行时为 nil
func (g *Gateway) Backend() *cluster.Backend {
	return g.backend
}

// Logger 应用日志实例
func (g *Gateway) Logger() logger.Logger {
	return g.log
}

// Config 应用配置
func (g *Gateway) Config() *Config {
	return g.config
}

// InstanceID 实例标识
func (g *Gateway) InstanceID() string {
	return g.engine.InstanceID()
}
