package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/chao/pkg/logger"
	"github.com/tokmz/chao/pkg/ratelimit"
)

// Engine 网关引擎
// 聚合会话注册表、频道管理器、事件管理器与广播器，
// 对外提供 HTTP 升级入口和服务端推送 API。
type Engine struct {
	// 核心组件
	registry  *Registry
	channels  *ChannelManager
	events    *EventManager
	broadcast *Broadcaster
	router    *Router

	// 配置
	config   *Config
	upgrader *Upgrader

	// 限流
	connLimiter *ratelimit.Limiter // 按 IP 的连接频率
	msgLimiter  *ratelimit.Limiter // 按会话的消息频率

	// 生命周期
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   atomic.Bool
	stopped   atomic.Bool
	startedAt time.Time

	// 观测
	log     logger.Logger
	metrics Metrics
}

// New 创建网关引擎
func New(opts ...Option) (*Engine, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.InstanceID == "" {
		config.InstanceID = generateInstanceID()
	}
	if config.Logger == nil {
		config.Logger = logger.Nop()
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.EventStore == nil {
		config.EventStore = NewMemoryEventStore(config.Event.MaxPersisted)
	}

	ctx, cancel := context.WithCancel(context.Background())

	registry := NewRegistry(config, config.Logger, config.Metrics)
	channels := NewChannelManager(registry, config, config.Logger, config.Metrics)
	events := NewEventManager(registry, config.EventStore, config, config.Logger, config.Metrics)
	channels.bindEvents(events)
	broadcast := NewBroadcaster(registry, channels, config.Backend, config, config.Logger, config.Metrics)

	e := &Engine{
		registry:    registry,
		channels:    channels,
		events:      events,
		broadcast:   broadcast,
		router:      NewRouter(),
		config:      config,
		upgrader:    NewUpgrader(config.Upgrader, config.HandshakeTimeout),
		connLimiter: ratelimit.New(config.ConnectionRate),
		msgLimiter:  ratelimit.New(config.MessageRate),
		ctx:         ctx,
		cancel:      cancel,
		log:         config.Logger,
		metrics:     config.Metrics,
	}

	if err := e.registerBuiltins(); err != nil {
		cancel()
		return nil, err
	}
	return e, nil
}

// Start 启动后台循环并冻结路由器
func (e *Engine) Start() error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	e.router.Freeze()
	e.startedAt = time.Now()

	// 接入集群后端，失败时退化为纯本地投递
	if e.config.Backend != nil {
		e.config.Backend.Subscribe(e.applyRemote)
		if err := e.config.Backend.Start(e.ctx); err != nil {
			e.log.Error("backend start failed, running in local-only mode", zap.Error(err))
			e.metrics.IncrementBackendErrors()
		}
	}

	e.events.Start(e.ctx)

	loops := []func(context.Context){
		e.registry.RunHeartbeat,
		e.registry.RunCleanup,
		e.channels.RunSweep,
		e.events.RunCleanup,
	}
	for _, loop := range loops {
		e.wg.Add(1)
		go func(run func(context.Context)) {
			defer e.wg.Done()
			run(e.ctx)
		}(loop)
	}

	e.log.Info("gateway started",
		zap.String("instance_id", e.config.InstanceID),
		zap.Int("max_connections", e.config.MaxConnections),
		zap.Bool("require_auth", e.config.RequireAuth),
		zap.Bool("tenant_isolation", e.config.TenantIsolation),
		zap.Bool("clustered", e.config.Backend != nil),
	)
	return nil
}

// Shutdown 优雅关闭
// 顺序：停止接入新连接，并发关闭存量会话，停止后台循环，最后释放后端资源。
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.stopped.CompareAndSwap(false, true) {
		return nil
	}

	e.log.Info("gateway shutting down", zap.Int("active_sessions", e.registry.Count()))

	// 并发关闭所有会话
	var closeWg sync.WaitGroup
	e.registry.Range(func(s *Session) bool {
		closeWg.Add(1)
		go func(s *Session) {
			defer closeWg.Done()
			s.Close(CloseGoingAway, "server shutting down")
		}(s)
		return true
	})

	sessionsDone := make(chan struct{})
	go func() {
		closeWg.Wait()
		close(sessionsDone)
	}()
	select {
	case <-sessionsDone:
	case <-ctx.Done():
		// 超时，后续等待继续收敛
	}

	// 停止后台循环与事件 worker
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		e.events.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.broadcast.Stop()
	e.connLimiter.Stop()
	e.msgLimiter.Stop()

	if e.config.Backend != nil {
		if err := e.config.Backend.Close(); err != nil {
			e.log.Warn("backend close failed", zap.Error(err))
		}
	}
	if err := e.config.EventStore.Close(); err != nil {
		e.log.Warn("event store close failed", zap.Error(err))
	}

	e.log.Info("gateway stopped")
	return nil
}

// HandleUpgrade 处理 WebSocket 升级请求
// 准入顺序：关停检查、按 IP 连接限流、容量预检、协议升级、注册。
// 升级请求携带 token（query 参数或 Authorization 头）时在握手阶段完成认证。
func (e *Engine) HandleUpgrade(w http.ResponseWriter, r *http.Request, opts ...SessionOption) (*Session, error) {
	if e.stopped.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return nil, ErrShutdown
	}

	ip := requestIP(r)
	if !e.connLimiter.Allow(ip) {
		e.metrics.IncrementRejectedConnections("rate_limited")
		e.metrics.IncrementRateLimited("connection")
		http.Error(w, "connection rate exceeded", http.StatusTooManyRequests)
		return nil, ErrRateLimited
	}

	// 容量预检，注册时还有原子检查兜底
	if e.registry.Count() >= e.config.MaxConnections {
		e.metrics.IncrementRejectedConnections("capacity")
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return nil, ErrTooManyConnections
	}

	conn, err := e.upgrader.Upgrade(w, r)
	if err != nil {
		e.metrics.IncrementRejectedConnections("upgrade_failed")
		return nil, err
	}

	s := newSession(e.ctx, conn, sessionConfig{
		SendQueueSize:     e.config.SendBufferSize,
		SendHighQueueSize: systemQueueSize(e.config.SendBufferSize),
		WriteWait:         e.config.WriteTimeout,
		PongWait:          e.config.ConnectionTimeout,
		MaxMessageSize:    e.config.MaxMessageSize,
	}, opts...)
	s.handler = e.dispatch
	s.onClose = e.onSessionClose

	if err := e.registry.Register(s); err != nil {
		e.metrics.IncrementRejectedConnections("capacity")
		s.Close(CloseCapacity, "too many connections")
		return nil, err
	}

	// 握手阶段认证，失败不影响连接建立
	if token := requestToken(r); token != "" && e.config.Auth != nil {
		e.authenticate(s, token)
	}

	e.events.emit(EventSessionConnected, s.TenantID(), s.UserID(), "", map[string]any{
		"session_id":  s.ID,
		"remote_addr": s.RemoteAddr(),
	})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		s.Run()
	}()

	return s, nil
}

// dispatch 会话入站消息入口
func (e *Engine) dispatch(s *Session, msg *Message) {
	e.metrics.IncrementMessagesReceived(msg.Type)

	if err := e.router.Route(s, msg); err != nil {
		if errors.Is(err, ErrHandlerNotFound) {
			s.sendSystem(errorMessage(CodeValidation, "unknown message type: "+msg.Type))
			return
		}
		e.log.Warn("message handling failed",
			zap.String("session_id", s.ID),
			zap.String("type", msg.Type),
			zap.Error(err),
		)
		s.sendSystem(errorMessage(codeFor(err), err.Error()))
	}
}

// onSessionClose 会话关闭回调，统一清理派生状态
func (e *Engine) onSessionClose(s *Session) {
	e.registry.Unregister(s.ID)
	e.channels.RemoveSession(s)
	e.events.UnsubscribeSession(s.ID)
	e.msgLimiter.Reset(s.ID)

	e.events.emit(EventSessionDisconnected, s.TenantID(), s.UserID(), "", map[string]any{
		"session_id": s.ID,
		"duration":   time.Since(s.ConnectedAt()).String(),
	})
}

// applyRemote 处理集群内其他实例转发的信封
func (e *Engine) applyRemote(env *BackendEnvelope) {
	if env == nil || env.Message == nil {
		return
	}
	// 回声抑制
	if env.SourceInstance == e.config.InstanceID {
		return
	}
	// 定向转发时检查本实例是否在目标列表
	if len(env.TargetInstances) > 0 {
		included := false
		for _, id := range env.TargetInstances {
			if id == e.config.InstanceID {
				included = true
				break
			}
		}
		if !included {
			return
		}
	}

	// 远端频道消息并入本地历史，订阅回放在集群内接近一致
	if env.Scope == ScopeChannel && env.Message.Type == TypeChannelMessage {
		if ch, ok := e.channels.GetChannel(env.Target); ok {
			ch.appendHistory(env.Message)
		}
	}

	if _, err := e.broadcast.Broadcast(e.ctx, TargetFromEnvelope(env), env.Message, WithLocalOnly()); err != nil {
		e.log.Debug("remote envelope apply failed",
			zap.String("source", env.SourceInstance),
			zap.String("message_id", env.MessageID),
			zap.Error(err),
		)
	}
}

// Broadcast 服务端广播入口
func (e *Engine) Broadcast(ctx context.Context, target Target, msg *Message, opts ...BroadcastOption) (*Result, error) {
	return e.broadcast.Broadcast(ctx, target, msg, opts...)
}

// Publish 发布事件
func (e *Engine) Publish(ctx context.Context, event *Event, targetSessions ...string) (*EventDelivery, error) {
	return e.events.Publish(ctx, event, targetSessions...)
}

// Register 注册自定义消息处理器，须在 Start 之前调用
func (e *Engine) Register(msgType string, handler Handler) error {
	return e.router.Register(msgType, handler)
}

// Use 添加消息中间件，须在 Start 之前调用
func (e *Engine) Use(middleware ...MiddlewareFunc) error {
	return e.router.Use(middleware...)
}

// Registry 会话注册表
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Router 消息路由器，泛型注册入口使用
func (e *Engine) Router() *Router {
	return e.router
}

// Channels 频道管理器
func (e *Engine) Channels() *ChannelManager {
	return e.channels
}

// Events 事件管理器
func (e *Engine) Events() *EventManager {
	return e.events
}

// Config 网关配置
func (e *Engine) Config() *Config {
	return e.config
}

// InstanceID 实例标识
func (e *Engine) InstanceID() string {
	return e.config.InstanceID
}

// systemQueueSize 系统帧队列长度，远小于数据队列
func systemQueueSize(sendBufferSize int) int {
	size := sendBufferSize / 16
	if size < 8 {
		size = 8
	}
	return size
}

// requestIP 从升级请求提取客户端 IP，优先透传头
func requestIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requestToken 从升级请求提取认证 token
func requestToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
