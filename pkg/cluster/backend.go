package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tokmz/chao/pkg/gateway"
	"github.com/tokmz/chao/pkg/logger"
)

const clusterTracerName = "chao.cluster"

// InstanceStats 心跳记录携带的本地运行计数
type InstanceStats struct {
	Connections int
}

// InstanceRecord Redis 中的实例记录，按 InstanceTTL 过期
type InstanceRecord struct {
	ID            string `json:"id"`
	StartedAt     int64  `json:"started_at"`
	LastHeartbeat int64  `json:"last_heartbeat"`
	Connections   int    `json:"connections"`
	Published     int64  `json:"published"`
	Received      int64  `json:"received"`
}

// Stats 后端运行计数快照
type Stats struct {
	Published  int64 `json:"published"`
	Received   int64 `json:"received"`
	Duplicates int64 `json:"duplicates"`
	Errors     int64 `json:"errors"`
}

// Backend Redis 扩展后端
// 信封经 Redis 发布/订阅在实例间转发，本实例发出的信封不经 Redis 回流。
// Redis 故障只影响跨实例转发，调用方退化为纯本地投递。
type Backend struct {
	config *Config
	client redis.UniversalClient
	pubsub *redis.PubSub

	handler func(*gateway.BackendEnvelope)
	statsFn func() InstanceStats
	seen    *dedup

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started atomic.Bool
	closed  atomic.Bool

	published  atomic.Int64
	received   atomic.Int64
	duplicates atomic.Int64
	errors     atomic.Int64

	startedAt time.Time
	log       logger.Logger
}

var _ gateway.Backend = (*Backend)(nil)

// New 创建 Redis 后端，连接探活在 Start 时进行
func New(config *Config) (*Backend, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Logger == nil {
		config.Logger = logger.Nop()
	}

	client, err := newClient(config)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Backend{
		config: config,
		client: client,
		seen:   newDedup(config.DedupCapacity, config.DedupFalsePositive),
		ctx:    ctx,
		cancel: cancel,
		log:    config.Logger,
	}, nil
}

// newClient 按部署模式创建客户端
func newClient(config *Config) (redis.UniversalClient, error) {
	switch config.Mode {
	case ModeStandalone, "":
		return redis.NewClient(&redis.Options{
			Addr:         config.Addr,
			Username:     config.Username,
			Password:     config.Password,
			DB:           config.DB,
			PoolSize:     config.PoolSize,
			MinIdleConns: config.MinIdleConns,
			MaxRetries:   config.MaxRetries,
			DialTimeout:  config.DialTimeout,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
		}), nil

	case ModeCluster:
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        config.Addrs,
			Username:     config.Username,
			Password:     config.Password,
			PoolSize:     config.PoolSize,
			MinIdleConns: config.MinIdleConns,
			MaxRetries:   config.MaxRetries,
			DialTimeout:  config.DialTimeout,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
		}), nil

	case ModeSentinel:
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    config.MasterName,
			SentinelAddrs: config.Addrs,
			Username:      config.Username,
			Password:      config.Password,
			DB:            config.DB,
			PoolSize:      config.PoolSize,
			MinIdleConns:  config.MinIdleConns,
			MaxRetries:    config.MaxRetries,
			DialTimeout:   config.DialTimeout,
			ReadTimeout:   config.ReadTimeout,
			WriteTimeout:  config.WriteTimeout,
		}), nil

	default:
		return nil, fmt.Errorf("cluster: unsupported mode: %s", config.Mode)
	}
}

// Subscribe 注册远端信封处理器，必须在 Start 之前调用
func (b *Backend) Subscribe(handler func(*gateway.BackendEnvelope)) {
	b.handler = handler
}

// BindStats 绑定心跳记录的计数来源，必须在 Start 之前调用
func (b *Backend) BindStats(fn func() InstanceStats) {
	b.statsFn = fn
}

// Start 探活、注册实例并启动接收与维护循环
func (b *Backend) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return gateway.ErrAlreadyStarted
	}
	b.startedAt = time.Now()

	pingCtx, cancel := context.WithTimeout(ctx, b.config.DialTimeout)
	defer cancel()
	if err := b.client.Ping(pingCtx).Err(); err != nil {
		b.errors.Add(1)
		return fmt.Errorf("%w: %w", gateway.ErrBackendUnavailable, err)
	}

	if err := b.register(pingCtx); err != nil {
		b.errors.Add(1)
		b.log.Warn("instance registration failed", zap.Error(err))
	}

	b.pubsub = b.client.Subscribe(b.ctx,
		b.config.channelBroadcast(),
		b.config.channelConnections(),
		b.config.channelHealth(),
		b.config.channelSystem(),
	)

	b.wg.Add(3)
	go b.receiveLoop()
	go b.heartbeatLoop()
	go b.cleanupLoop()

	b.log.Info("cluster backend started",
		zap.String("instance_id", b.config.InstanceID),
		zap.String("mode", string(b.config.Mode)),
		zap.String("key_prefix", b.config.KeyPrefix),
	)
	return nil
}

// Publish 把信封发布到集群广播频道
func (b *Backend) Publish(ctx context.Context, env *gateway.BackendEnvelope) error {
	if env == nil || env.Message == nil {
		return gateway.ErrValidation
	}
	if env.SourceInstance == "" {
		env.SourceInstance = b.config.InstanceID
	}
	if env.MessageID == "" {
		env.MessageID = uuid.NewString()
	}

	// 每次调用时获取 tracer，避免 Provider 后初始化导致使用 noop
	ctx, span := otel.Tracer(clusterTracerName).Start(ctx, "cluster.Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", b.config.channelBroadcast()),
			attribute.String("envelope.scope", string(env.Scope)),
			attribute.String("envelope.message_id", env.MessageID),
		),
	)
	defer span.End()

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("cluster: envelope encode failed: %w", err)
	}
	if err := b.client.Publish(ctx, b.config.channelBroadcast(), data).Err(); err != nil {
		b.errors.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: %w", gateway.ErrBackendUnavailable, err)
	}
	b.published.Add(1)
	return nil
}

// PublishMessage 把消息包装成信封发布到逻辑频道，返回收到信封的订阅端数量
// 频道名 connections/health/system 之外的值都落到广播频道。
func (b *Backend) PublishMessage(ctx context.Context, channel string, msg *gateway.Message, targetInstances ...string) (int64, error) {
	if msg == nil {
		return 0, gateway.ErrValidation
	}
	env := &gateway.BackendEnvelope{
		SourceInstance:  b.config.InstanceID,
		TargetInstances: targetInstances,
		MessageID:       msg.MessageID,
		Timestamp:       time.Now().UnixMilli(),
		Message:         msg,
	}
	if env.MessageID == "" {
		env.MessageID = uuid.NewString()
	}

	data, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("cluster: envelope encode failed: %w", err)
	}
	n, err := b.client.Publish(ctx, b.resolveChannel(channel), data).Result()
	if err != nil {
		b.errors.Add(1)
		return 0, fmt.Errorf("%w: %w", gateway.ErrBackendUnavailable, err)
	}
	b.published.Add(1)
	return n, nil
}

// resolveChannel 逻辑频道名映射到 Redis 频道
func (b *Backend) resolveChannel(name string) string {
	switch name {
	case "connections":
		return b.config.channelConnections()
	case "health":
		return b.config.channelHealth()
	case "system":
		return b.config.channelSystem()
	default:
		return b.config.channelBroadcast()
	}
}

// StoreMessage 持久化无法投递的消息，TTL 之内等待目标上线拉取
func (b *Backend) StoreMessage(ctx context.Context, key string, msg *gateway.Message) error {
	if msg == nil {
		return gateway.ErrValidation
	}
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("cluster: message encode failed: %w", err)
	}

	listKey := b.config.pendingKey(key)
	pipe := b.client.TxPipeline()
	pipe.RPush(ctx, listKey, data)
	pipe.Expire(ctx, listKey, b.config.MessageTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		b.errors.Add(1)
		return fmt.Errorf("%w: %w", gateway.ErrBackendUnavailable, err)
	}
	return nil
}

// PendingMessages 取出并清空 key 下持久化的消息
func (b *Backend) PendingMessages(ctx context.Context, key string) ([]*gateway.Message, error) {
	listKey := b.config.pendingKey(key)
	pipe := b.client.TxPipeline()
	items := pipe.LRange(ctx, listKey, 0, -1)
	pipe.Del(ctx, listKey)
	if _, err := pipe.Exec(ctx); err != nil {
		b.errors.Add(1)
		return nil, fmt.Errorf("%w: %w", gateway.ErrBackendUnavailable, err)
	}

	raw := items.Val()
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]*gateway.Message, 0, len(raw))
	for _, item := range raw {
		msg := &gateway.Message{}
		if err := json.Unmarshal([]byte(item), msg); err != nil {
			b.log.Warn("pending message decode failed",
				zap.String("key", key),
				zap.Error(err),
			)
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Instances 当前存活的实例 ID 列表，记录已过期的成员被跳过
func (b *Backend) Instances(ctx context.Context) ([]string, error) {
	ids, err := b.client.SMembers(ctx, b.config.instanceSetKey()).Result()
	if err != nil {
		b.errors.Add(1)
		return nil, fmt.Errorf("%w: %w", gateway.ErrBackendUnavailable, err)
	}

	alive := make([]string, 0, len(ids))
	for _, id := range ids {
		exists, err := b.client.Exists(ctx, b.config.instanceKey(id)).Result()
		if err != nil || exists == 0 {
			continue
		}
		alive = append(alive, id)
	}
	sort.Strings(alive)
	return alive, nil
}

// ClusterStats 读取集群内所有存活实例的心跳记录
func (b *Backend) ClusterStats(ctx context.Context) ([]InstanceRecord, error) {
	ids, err := b.Instances(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]InstanceRecord, 0, len(ids))
	for _, id := range ids {
		data, err := b.client.Get(ctx, b.config.instanceKey(id)).Bytes()
		if err != nil {
			continue
		}
		var rec InstanceRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Healthy 探活
func (b *Backend) Healthy(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return b.client.Ping(pingCtx).Err() == nil
}

// Stats 后端运行计数
func (b *Backend) Stats() Stats {
	return Stats{
		Published:  b.published.Load(),
		Received:   b.received.Load(),
		Duplicates: b.duplicates.Load(),
		Errors:     b.errors.Load(),
	}
}

// Close 注销实例并释放连接，可重复调用
func (b *Backend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.cancel()
	if b.pubsub != nil {
		b.pubsub.Close()
	}
	b.wg.Wait()

	if b.started.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		pipe := b.client.TxPipeline()
		pipe.Del(ctx, b.config.instanceKey(b.config.InstanceID))
		pipe.SRem(ctx, b.config.instanceSetKey(), b.config.InstanceID)
		if _, err := pipe.Exec(ctx); err != nil {
			b.log.Warn("instance deregistration failed", zap.Error(err))
		}
	}
	return b.client.Close()
}

// receiveLoop 消费订阅频道上的远端信封
func (b *Backend) receiveLoop() {
	defer b.wg.Done()

	ch := b.pubsub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handleMessage(msg)
		}
	}
}

// handleMessage 解码、去重并分发一条远端信封
func (b *Backend) handleMessage(msg *redis.Message) {
	env := &gateway.BackendEnvelope{}
	if err := json.Unmarshal([]byte(msg.Payload), env); err != nil {
		b.errors.Add(1)
		b.log.Warn("envelope decode failed",
			zap.String("channel", msg.Channel),
			zap.Error(err),
		)
		return
	}

	// 回声抑制
	if env.SourceInstance == b.config.InstanceID {
		return
	}
	// 总线至少一次投递，重复信封压制
	if env.MessageID != "" && b.seen.Seen(env.MessageID) {
		b.duplicates.Add(1)
		return
	}

	b.received.Add(1)
	if b.handler != nil {
		b.handler(env)
	}
}

// heartbeatLoop 周期刷新实例记录
func (b *Backend) heartbeatLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(b.ctx, b.config.WriteTimeout+time.Second)
			if err := b.register(ctx); err != nil {
				b.errors.Add(1)
				b.log.Warn("instance heartbeat failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// register 写入实例记录并加入实例集合
func (b *Backend) register(ctx context.Context) error {
	rec := InstanceRecord{
		ID:            b.config.InstanceID,
		StartedAt:     b.startedAt.UnixMilli(),
		LastHeartbeat: time.Now().UnixMilli(),
		Published:     b.published.Load(),
		Received:      b.received.Load(),
	}
	if b.statsFn != nil {
		rec.Connections = b.statsFn().Connections
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.config.instanceKey(rec.ID), data, b.config.InstanceTTL)
	pipe.SAdd(ctx, b.config.instanceSetKey(), rec.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// cleanupLoop 周期清理记录已过期的实例集合成员
func (b *Backend) cleanupLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.sweepInstances()
		}
	}
}

func (b *Backend) sweepInstances() {
	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()

	ids, err := b.client.SMembers(ctx, b.config.instanceSetKey()).Result()
	if err != nil {
		b.errors.Add(1)
		b.log.Warn("instance sweep failed", zap.Error(err))
		return
	}

	for _, id := range ids {
		exists, err := b.client.Exists(ctx, b.config.instanceKey(id)).Result()
		if err != nil || exists > 0 {
			continue
		}
		if err := b.client.SRem(ctx, b.config.instanceSetKey(), id).Err(); err == nil {
			b.log.Info("expired instance pruned", zap.String("instance_id", id))
		}
	}
}
