package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/tokmz/chao/pkg/logger"
	"github.com/tokmz/chao/pkg/ratelimit"
)

const broadcastTracerName = "chao.gateway"

// Scope 广播范围
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeTenant  Scope = "tenant"
	ScopeChannel Scope = "channel"
	ScopeUser    Scope = "user"
	ScopeSession Scope = "session"
	// ScopeRole 持有任意一个给定角色的已认证会话
	ScopeRole Scope = "role"
	// ScopePermission 同时持有全部给定权限的已认证会话
	ScopePermission Scope = "permission"
)

// Mode 投递模式
type Mode string

const (
	// ModeBestEffort 单次尝试，失败即放弃
	ModeBestEffort Mode = "best_effort"
	// ModeReliable 失败后按退避重试
	ModeReliable Mode = "reliable"
	// ModeGuaranteed 重试耗尽后持久化，等目标上线再投
	ModeGuaranteed Mode = "guaranteed"
)

// Filter 会话过滤器，返回 true 表示保留
type Filter func(*Session) bool

// RoleFilter 保留拥有任意一个给定角色的会话
func RoleFilter(roles ...string) Filter {
	return func(s *Session) bool {
		return s.Principal().HasAnyRole(roles...)
	}
}

// PermissionFilter 保留同时拥有全部给定权限的会话
func PermissionFilter(permissions ...string) Filter {
	return func(s *Session) bool {
		return hasAllPermissions(s.Principal(), permissions)
	}
}

// hasAllPermissions 权限检查是全量语义，与角色的任意命中不同
func hasAllPermissions(p Principal, permissions []string) bool {
	for _, perm := range permissions {
		if !p.HasPermission(perm) {
			return false
		}
	}
	return true
}

// SessionFilter 只保留给定会话，构成目标内的白名单
func SessionFilter(sessionIDs ...string) Filter {
	ids := make(map[string]struct{}, len(sessionIDs))
	for _, id := range sessionIDs {
		ids[id] = struct{}{}
	}
	return func(s *Session) bool {
		_, ok := ids[s.ID]
		return ok
	}
}

// TenantFilter 保留指定租户的会话
func TenantFilter(tenantID string) Filter {
	return func(s *Session) bool {
		return s.TenantID() == tenantID
	}
}

// AuthenticatedFilter 保留已认证的会话
func AuthenticatedFilter() Filter {
	return func(s *Session) bool {
		return s.Authenticated()
	}
}

// MetadataFilter 保留元数据键值匹配的会话
func MetadataFilter(key string, value any) Filter {
	return func(s *Session) bool {
		v, ok := s.GetMetadata(key)
		return ok && v == value
	}
}

// matchesFilters 会话是否通过全部过滤器
func matchesFilters(s *Session, filters []Filter) bool {
	for _, f := range filters {
		if !f(s) {
			return false
		}
	}
	return true
}

// Target 广播目标
type Target struct {
	Scope Scope
	// TenantID ScopeTenant 的租户
	TenantID string
	// Channel ScopeChannel 的频道名（租户隔离时为解析后的全名）
	Channel string
	// UserID ScopeUser 的用户
	UserID string
	// SessionIDs ScopeSession 的会话列表
	SessionIDs []string
	// Roles ScopeRole 的角色列表，命中任意一个即为目标
	Roles []string
	// Permissions ScopePermission 的权限列表，必须全部持有
	Permissions []string
	// ExcludeUsers 排除的用户（发送者回声抑制等）
	ExcludeUsers []string
	// ExcludeSessions 排除的会话
	ExcludeSessions []string
}

// Global 全网关广播目标
func Global() Target {
	return Target{Scope: ScopeGlobal}
}

// ToTenant 租户广播目标
func ToTenant(tenantID string) Target {
	return Target{Scope: ScopeTenant, TenantID: tenantID}
}

// InChannel 频道广播目标
func InChannel(name string) Target {
	return Target{Scope: ScopeChannel, Channel: name}
}

// ToUser 用户广播目标，覆盖该用户的全部会话
func ToUser(userID string) Target {
	return Target{Scope: ScopeUser, UserID: userID}
}

// ToSessions 指定会话广播目标
func ToSessions(sessionIDs ...string) Target {
	return Target{Scope: ScopeSession, SessionIDs: sessionIDs}
}

// ToRoles 角色广播目标，覆盖持有任意一个给定角色的已认证会话
func ToRoles(roles ...string) Target {
	return Target{Scope: ScopeRole, Roles: roles}
}

// ToPermissions 权限广播目标，覆盖同时持有全部给定权限的已认证会话
// 与角色目标的任意命中语义不同，权限必须全量持有。
func ToPermissions(permissions ...string) Target {
	return Target{Scope: ScopePermission, Permissions: permissions}
}

// validate 目标完整性检查
func (t Target) validate() error {
	switch t.Scope {
	case ScopeGlobal:
		return nil
	case ScopeTenant:
		if t.TenantID == "" {
			return fmt.Errorf("%w: tenant scope requires TenantID", ErrValidation)
		}
	case ScopeChannel:
		if t.Channel == "" {
			return fmt.Errorf("%w: channel scope requires Channel", ErrValidation)
		}
	case ScopeUser:
		if t.UserID == "" {
			return fmt.Errorf("%w: user scope requires UserID", ErrValidation)
		}
	case ScopeSession:
		if len(t.SessionIDs) == 0 {
			return fmt.Errorf("%w: session scope requires SessionIDs", ErrValidation)
		}
	case ScopeRole:
		if len(t.Roles) == 0 {
			return fmt.Errorf("%w: role scope requires Roles", ErrValidation)
		}
	case ScopePermission:
		if len(t.Permissions) == 0 {
			return fmt.Errorf("%w: permission scope requires Permissions", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown broadcast scope %q", ErrValidation, t.Scope)
	}
	return nil
}

// limitKey 限流键，租户与频道各自独立计额
func (t Target) limitKey() string {
	switch t.Scope {
	case ScopeTenant:
		return "tenant:" + t.TenantID
	case ScopeChannel:
		return "channel:" + t.Channel
	case ScopeUser:
		return "user:" + t.UserID
	case ScopeSession:
		return "session"
	case ScopeRole:
		return "role"
	case ScopePermission:
		return "permission"
	default:
		return "global"
	}
}

// excludeFilter 排除集过滤器，剔除数与显式过滤器一并计入 FilteredOut
func (t Target) excludeFilter() Filter {
	if len(t.ExcludeUsers) == 0 && len(t.ExcludeSessions) == 0 {
		return nil
	}
	users := make(map[string]struct{}, len(t.ExcludeUsers))
	for _, id := range t.ExcludeUsers {
		users[id] = struct{}{}
	}
	sessions := make(map[string]struct{}, len(t.ExcludeSessions))
	for _, id := range t.ExcludeSessions {
		sessions[id] = struct{}{}
	}
	return func(s *Session) bool {
		if _, hit := sessions[s.ID]; hit {
			return false
		}
		if uid := s.UserID(); uid != "" {
			if _, hit := users[uid]; hit {
				return false
			}
		}
		return true
	}
}

// DeliveryError 单会话投递失败记录
type DeliveryError struct {
	SessionID string
	Err       error
}

// Result 广播结果
// 恒有 Delivered + Failed == TotalTargets - FilteredOut。
type Result struct {
	// TotalTargets 本实例按范围解析出的目标会话数
	TotalTargets int
	// Delivered 成功入队的会话数
	Delivered int
	// Failed 投递失败的会话数
	Failed int
	// FilteredOut 被排除集或过滤器剔除的会话数
	FilteredOut int
	// Persisted 持久化等待补投的消息数
	Persisted int
	// Forwarded 是否已转发给集群内其他实例
	Forwarded bool
	// Duration 本次广播耗时
	Duration time.Duration
	// Errors 失败明细，数量有上限
	Errors []DeliveryError
}

// broadcastOptions 广播选项
type broadcastOptions struct {
	mode      Mode
	filters   []Filter
	localOnly bool
}

// BroadcastOption 广播选项函数
type BroadcastOption func(*broadcastOptions)

// WithMode 设置投递模式，默认 ModeBestEffort
func WithMode(mode Mode) BroadcastOption {
	return func(o *broadcastOptions) {
		o.mode = mode
	}
}

// WithFilters 追加会话过滤器
func WithFilters(filters ...Filter) BroadcastOption {
	return func(o *broadcastOptions) {
		o.filters = append(o.filters, filters...)
	}
}

// WithLocalOnly 只投递本实例会话，不向集群转发
// 远端信封回放时使用，避免广播在实例间循环。
func WithLocalOnly() BroadcastOption {
	return func(o *broadcastOptions) {
		o.localOnly = true
	}
}

// broadcastState 并发投递的累计状态
type broadcastState struct {
	delivered atomic.Int64
	failed    atomic.Int64
	persisted atomic.Int64
	mu        sync.Mutex
	errors    []DeliveryError
}

// fail 记录一次失败，错误明细超过上限后只计数
func (st *broadcastState) fail(sessionID string, err error, maxErrors int) {
	st.failed.Add(1)
	st.mu.Lock()
	if len(st.errors) < maxErrors {
		st.errors = append(st.errors, DeliveryError{SessionID: sessionID, Err: err})
	}
	st.mu.Unlock()
}

// Broadcaster 分批并发的消息广播器
type Broadcaster struct {
	registry *Registry
	channels *ChannelManager
	backend  Backend
	limiter  *ratelimit.Limiter
	sem      *semaphore.Weighted
	config   *Config
	log      logger.Logger
	metrics  Metrics
}

// NewBroadcaster 创建广播器
func NewBroadcaster(registry *Registry, channels *ChannelManager, backend Backend, config *Config, log logger.Logger, metrics Metrics) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		channels: channels,
		backend:  backend,
		limiter:  ratelimit.New(config.Broadcast.RateLimit),
		sem:      semaphore.NewWeighted(config.Broadcast.MaxConcurrentBatches),
		config:   config,
		log:      log,
		metrics:  metrics,
	}
}

// Stop 停止广播器的限流清理
func (b *Broadcaster) Stop() {
	b.limiter.Stop()
}

// Broadcast 向目标范围广播消息
// 本地投递完成后把信封转发给集群内其他实例；后端不可用时退化为纯本地投递，
// 不影响本地结果。超出范围限流配额时返回零值结果和 ErrRateLimited。
func (b *Broadcaster) Broadcast(ctx context.Context, target Target, msg *Message, opts ...BroadcastOption) (*Result, error) {
	start := time.Now()

	options := broadcastOptions{mode: ModeBestEffort}
	for _, opt := range opts {
		opt(&options)
	}

	if msg == nil || msg.Type == "" {
		return nil, fmt.Errorf("%w: message type is required", ErrValidation)
	}
	if err := target.validate(); err != nil {
		return nil, err
	}
	switch options.mode {
	case ModeBestEffort, ModeReliable, ModeGuaranteed:
	default:
		return nil, fmt.Errorf("%w: unknown delivery mode %q", ErrValidation, options.mode)
	}

	// 每次调用时获取 tracer，避免 Provider 后初始化导致使用 noop
	ctx, span := otel.Tracer(broadcastTracerName).Start(ctx, "gateway.Broadcast")
	defer span.End()
	span.SetAttributes(
		attribute.String("broadcast.scope", string(target.Scope)),
		attribute.String("broadcast.mode", string(options.mode)),
		attribute.String("message.type", string(msg.Type)),
	)

	// 远端转入的广播不再限流，源实例已经扣过配额
	if !options.localOnly && !b.limiter.Allow(target.limitKey()) {
		b.metrics.IncrementRateLimited("broadcast")
		err := fmt.Errorf("%w: %s", ErrRateLimited, target.limitKey())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &Result{Duration: time.Since(start)}, err
	}

	if msg.MessageID == "" {
		msg.MessageID = generateMessageID()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	sessions, err := b.resolveLocal(target)
	if err != nil {
		if options.localOnly && errors.Is(err, ErrChannelNotFound) {
			// 远端广播的频道本实例没有订阅者
			return &Result{Duration: time.Since(start)}, nil
		}
		return nil, err
	}

	// 目标自带的排除集也是过滤器，剔除数计入 FilteredOut
	filters := options.filters
	if f := target.excludeFilter(); f != nil {
		filters = append([]Filter{f}, filters...)
	}

	recipients := make([]*Session, 0, len(sessions))
	filtered := 0
	for _, s := range sessions {
		if matchesFilters(s, filters) {
			recipients = append(recipients, s)
		} else {
			filtered++
		}
	}

	payload, err := msg.Encode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	st := &broadcastState{}

	// 目标用户不在线时 GUARANTEED 直接落库，等上线补投
	if len(sessions) == 0 && target.Scope == ScopeUser &&
		options.mode == ModeGuaranteed && b.backend != nil && !options.localOnly {
		if perr := b.backend.StoreMessage(ctx, "user:"+target.UserID, msg); perr != nil {
			b.log.Warn("offline message persistence failed",
				zap.String("user_id", target.UserID),
				zap.Error(perr),
			)
			b.metrics.IncrementBackendErrors()
		} else {
			st.persisted.Add(1)
		}
	}

	var wg sync.WaitGroup
	batchSize := b.config.Broadcast.BatchSize
	for i := 0; i < len(recipients); i += batchSize {
		end := i + batchSize
		if end > len(recipients) {
			end = len(recipients)
		}
		batch := recipients[i:end]

		if err := b.sem.Acquire(ctx, 1); err != nil {
			for _, s := range batch {
				st.fail(s.ID, err, b.config.Broadcast.MaxErrors)
			}
			continue
		}
		wg.Add(1)
		go func(batch []*Session) {
			defer wg.Done()
			defer b.sem.Release(1)
			for _, s := range batch {
				b.deliver(ctx, s, payload, options.mode, msg, st)
			}
		}(batch)
	}
	wg.Wait()

	forwarded := false
	if b.backend != nil && !options.localOnly {
		if perr := b.backend.Publish(ctx, b.envelope(target, msg)); perr != nil {
			b.log.Warn("backend publish failed, delivered locally only",
				zap.String("scope", string(target.Scope)),
				zap.String("message_id", msg.MessageID),
				zap.Error(perr),
			)
			b.metrics.IncrementBackendErrors()
		} else {
			forwarded = true
		}
	}

	res := &Result{
		TotalTargets: len(sessions),
		Delivered:    int(st.delivered.Load()),
		Failed:       int(st.failed.Load()),
		FilteredOut:  filtered,
		Persisted:    int(st.persisted.Load()),
		Forwarded:    forwarded,
		Duration:     time.Since(start),
		Errors:       st.errors,
	}
	span.SetAttributes(
		attribute.Int("broadcast.delivered", res.Delivered),
		attribute.Int("broadcast.failed", res.Failed),
		attribute.Bool("broadcast.forwarded", res.Forwarded),
	)
	b.metrics.RecordBroadcast(string(target.Scope), res.Delivered, res.Failed, res.FilteredOut, res.Duration)
	return res, nil
}

// Forward 只向集群转发信封，不做本地投递
// 本地投递已由调用方完成（频道发布等就地扇出的路径）。
func (b *Broadcaster) Forward(ctx context.Context, target Target, msg *Message) error {
	if b.backend == nil {
		return nil
	}
	if err := b.backend.Publish(ctx, b.envelope(target, msg)); err != nil {
		b.metrics.IncrementBackendErrors()
		return err
	}
	return nil
}

// resolveLocal 解析目标在本实例的会话集合
// 角色和权限范围扫描全量会话；未认证会话持匿名主体，任何能力检查都不通过，
// 天然不会成为目标。
func (b *Broadcaster) resolveLocal(target Target) ([]*Session, error) {
	var sessions []*Session

	switch target.Scope {
	case ScopeGlobal:
		b.registry.Range(func(s *Session) bool {
			sessions = append(sessions, s)
			return true
		})
	case ScopeTenant:
		sessions = b.registry.GetByTenant(target.TenantID)
	case ScopeChannel:
		var err error
		sessions, err = b.channels.SessionsIn(target.Channel)
		if err != nil {
			return nil, err
		}
	case ScopeUser:
		sessions = b.registry.GetByUser(target.UserID)
	case ScopeSession:
		for _, id := range target.SessionIDs {
			if s, ok := b.registry.Get(id); ok {
				sessions = append(sessions, s)
			}
		}
	case ScopeRole:
		b.registry.Range(func(s *Session) bool {
			if s.Principal().HasAnyRole(target.Roles...) {
				sessions = append(sessions, s)
			}
			return true
		})
	case ScopePermission:
		b.registry.Range(func(s *Session) bool {
			if hasAllPermissions(s.Principal(), target.Permissions) {
				sessions = append(sessions, s)
			}
			return true
		})
	}
	return sessions, nil
}

// deliver 向单个会话投递
// 已关闭的会话不重试；发送缓冲满按瞬时故障处理，RELIABLE 及以上按退避重试。
func (b *Broadcaster) deliver(ctx context.Context, s *Session, payload []byte, mode Mode, msg *Message, st *broadcastState) {
	err := s.enqueue(payload)
	if err == nil {
		st.delivered.Add(1)
		return
	}

	if mode != ModeBestEffort && !errors.Is(err, ErrSessionClosed) {
		backoff := b.config.Broadcast.RetryBackoff
		for attempt := 0; attempt < b.config.Broadcast.MaxRetries; attempt++ {
			select {
			case <-ctx.Done():
				st.fail(s.ID, ctx.Err(), b.config.Broadcast.MaxErrors)
				return
			case <-time.After(backoff):
			}
			if err = s.enqueue(payload); err == nil {
				st.delivered.Add(1)
				return
			}
			if errors.Is(err, ErrSessionClosed) {
				break
			}
			backoff *= 2
		}
	}

	if mode == ModeGuaranteed && b.backend != nil {
		if perr := b.backend.StoreMessage(ctx, persistKey(s), msg); perr != nil {
			b.log.Warn("message persistence failed",
				zap.String("session_id", s.ID),
				zap.Error(perr),
			)
			b.metrics.IncrementBackendErrors()
		} else {
			st.persisted.Add(1)
		}
	}

	b.metrics.IncrementDroppedMessages("delivery_failed")
	st.fail(s.ID, err, b.config.Broadcast.MaxErrors)
}

// envelope 构造跨实例转发的信封
func (b *Broadcaster) envelope(target Target, msg *Message) *BackendEnvelope {
	env := &BackendEnvelope{
		SourceInstance: b.config.InstanceID,
		MessageID:      msg.MessageID,
		Timestamp:      time.Now().UnixMilli(),
		Scope:          target.Scope,
		ExcludeUsers:   target.ExcludeUsers,
		Message:        msg,
	}
	switch target.Scope {
	case ScopeTenant:
		env.Target = target.TenantID
	case ScopeChannel:
		env.Target = target.Channel
	case ScopeUser:
		env.Target = target.UserID
	case ScopeSession:
		env.Targets = target.SessionIDs
	case ScopeRole:
		env.Targets = target.Roles
	case ScopePermission:
		env.Targets = target.Permissions
	}
	return env
}

// TargetFromEnvelope 从信封还原广播目标
func TargetFromEnvelope(env *BackendEnvelope) Target {
	t := Target{Scope: env.Scope, ExcludeUsers: env.ExcludeUsers}
	switch env.Scope {
	case ScopeTenant:
		t.TenantID = env.Target
	case ScopeChannel:
		t.Channel = env.Target
	case ScopeUser:
		t.UserID = env.Target
	case ScopeSession:
		t.SessionIDs = env.Targets
	case ScopeRole:
		t.Roles = env.Targets
	case ScopePermission:
		t.Permissions = env.Targets
	}
	return t
}

// persistKey 持久化消息的归属键，认证会话归到用户名下
func persistKey(s *Session) string {
	if uid := s.UserID(); uid != "" {
		return "user:" + uid
	}
	return "session:" + s.ID
}
