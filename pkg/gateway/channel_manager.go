package gateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/chao/pkg/logger"
)

// ChannelManager 频道与房间管理器
// 不持有会话对象，所有会话通过注入的 Registry 解析。
type ChannelManager struct {
	channels sync.Map // resolved name -> *Channel
	rooms    sync.Map // resolved name -> *Room

	registry *Registry
	config   *Config
	log      logger.Logger
	metrics  Metrics
	events   *EventManager // 可为 nil，生命周期事件的发布入口
}

// NewChannelManager 创建频道管理器
func NewChannelManager(registry *Registry, config *Config, log logger.Logger, metrics Metrics) *ChannelManager {
	return &ChannelManager{
		registry: registry,
		config:   config,
		log:      log,
		metrics:  metrics,
	}
}

// bindEvents 绑定事件管理器，网关装配时调用
func (m *ChannelManager) bindEvents(events *EventManager) {
	m.events = events
}

// resolveName 应用租户前缀
// 开启租户隔离时，租户会话的频道名自动落入 tenant:<id>: 命名空间。
func (m *ChannelManager) resolveName(s *Session, name string) string {
	if m.config.TenantIsolation && s != nil {
		if tid := s.TenantID(); tid != "" && !strings.HasPrefix(name, "tenant:") {
			return "tenant:" + tid + ":" + name
		}
	}
	return name
}

// normalizeOptions 填充全局默认值
func (m *ChannelManager) normalizeOptions(opts ChannelOptions) ChannelOptions {
	if opts.MaxSubscribers == 0 {
		opts.MaxSubscribers = m.config.Channel.MaxSubscribers
	}
	if opts.HistorySize == 0 {
		opts.HistorySize = m.config.Channel.HistorySize
	}
	return opts
}

// GetOrCreateChannel 按名获取频道，不存在时创建，幂等
func (m *ChannelManager) GetOrCreateChannel(name string, opts ChannelOptions) *Channel {
	if value, ok := m.channels.Load(name); ok {
		return value.(*Channel)
	}

	ch := newChannel(name, m.normalizeOptions(opts))
	actual, loaded := m.channels.LoadOrStore(name, ch)
	if loaded {
		return actual.(*Channel)
	}

	m.log.Debug("channel created", zap.String("channel", name))
	m.emit(EventChannelCreated, "", "", name, map[string]any{"channel": name})
	return ch
}

// GetChannel 查找频道
func (m *ChannelManager) GetChannel(name string) (*Channel, bool) {
	value, ok := m.channels.Load(name)
	if !ok {
		return nil, false
	}
	return value.(*Channel), true
}

// DeleteChannel 删除频道，清理所有订阅记录，幂等
func (m *ChannelManager) DeleteChannel(name string) bool {
	value, loaded := m.channels.LoadAndDelete(name)
	if !loaded {
		return false
	}
	ch := value.(*Channel)

	// 级联清理房间成员表
	if roomValue, ok := m.rooms.LoadAndDelete(name); ok {
		room := roomValue.(*Room)
		room.memberMu.Lock()
		room.members = make(map[string]*RoomMember)
		room.memberMu.Unlock()
	}

	// 保持会话订阅集合的双向一致
	for _, id := range ch.Subscribers() {
		ch.unsubscribe(id)
		if s, ok := m.registry.Get(id); ok {
			s.removeChannel(name)
		}
	}

	m.log.Debug("channel deleted", zap.String("channel", name))
	m.emit(EventChannelDeleted, "", "", name, map[string]any{"channel": name})
	return true
}

// Subscribe 订阅频道，必要时自动创建
// 成功后向新订阅者回放最近的历史消息。
func (m *ChannelManager) Subscribe(s *Session, name string) (string, error) {
	resolved := m.resolveName(s, name)
	ch := m.GetOrCreateChannel(resolved, DefaultChannelOptions())

	if err := ch.checkAccess(s); err != nil {
		return resolved, err
	}

	// 房间入口必须走 JoinRoom，封禁检查在那里完成
	if roomValue, ok := m.rooms.Load(resolved); ok {
		if roomValue.(*Room).banned(banKey(s)) {
			return resolved, ErrBanned
		}
	}

	already := ch.Has(s.ID)
	if err := ch.subscribe(s.ID); err != nil {
		return resolved, err
	}
	s.addChannel(resolved)

	if !already {
		m.emit(EventChannelSubscribed, s.TenantID(), s.UserID(), resolved, map[string]any{
			"channel":    resolved,
			"session_id": s.ID,
		})
		m.replayHistory(s, ch)
	}
	return resolved, nil
}

// replayHistory 回放历史消息
func (m *ChannelManager) replayHistory(s *Session, ch *Channel) {
	entries := ch.History(m.config.Channel.HistorySize)
	if len(entries) == 0 {
		return
	}

	frame := NewMessage(TypeHistory, entries)
	frame.Room = ch.Name()
	if err := s.SendMessage(frame); err != nil {
		m.log.Debug("history replay failed",
			zap.String("session_id", s.ID),
			zap.String("channel", ch.Name()),
			zap.Error(err),
		)
	}
}

// Unsubscribe 取消订阅，对非订阅者为空操作
func (m *ChannelManager) Unsubscribe(s *Session, name string) bool {
	resolved := m.resolveName(s, name)
	value, ok := m.channels.Load(resolved)
	if !ok {
		return false
	}
	ch := value.(*Channel)

	removed := ch.unsubscribe(s.ID)
	s.removeChannel(resolved)
	if removed {
		if roomValue, ok := m.rooms.Load(resolved); ok {
			roomValue.(*Room).removeMember(s.ID)
		}
		m.emit(EventChannelUnsubscribed, s.TenantID(), s.UserID(), resolved, map[string]any{
			"channel":    resolved,
			"session_id": s.ID,
		})
	}
	return removed
}

// RemoveSession 把会话从它订阅的全部频道/房间移除
// 断开清理路径，由注册表的注销回调触发。
func (m *ChannelManager) RemoveSession(s *Session) {
	for _, name := range s.Channels() {
		if value, ok := m.channels.Load(name); ok {
			value.(*Channel).unsubscribe(s.ID)
		}
		if roomValue, ok := m.rooms.Load(name); ok {
			roomValue.(*Room).removeMember(s.ID)
		}
		s.removeChannel(name)
	}
}

// Publish 向频道发布消息并写入历史
// 发布者必须是订阅者。返回成功投递数。
func (m *ChannelManager) Publish(s *Session, name string, msg *Message) (int, error) {
	resolved := m.resolveName(s, name)
	value, ok := m.channels.Load(resolved)
	if !ok {
		return 0, ErrChannelNotFound
	}
	ch := value.(*Channel)

	if !ch.Has(s.ID) {
		return 0, ErrNotAMember
	}

	// 房间发送走角色权限检查
	if roomValue, ok := m.rooms.Load(resolved); ok {
		room := roomValue.(*Room)
		member, ok := room.Member(s.ID)
		if !ok {
			return 0, ErrNotAMember
		}
		if !member.Role.Can(PermSendMessages) {
			return 0, ErrAccessDenied
		}
	}

	msg.Room = resolved
	ch.appendHistory(msg)

	delivered := m.Broadcast(resolved, msg, nil)
	m.emit(EventChannelMessage, s.TenantID(), s.UserID(), resolved, map[string]any{
		"channel":    resolved,
		"session_id": s.ID,
		"message_id": msg.MessageID,
	})
	return delivered, nil
}

// Broadcast 向频道订阅者逐一投递
// 自愈：注册表中已不存在或投递失败的订阅者被就地移除。
func (m *ChannelManager) Broadcast(name string, msg *Message, exclude map[string]struct{}) int {
	value, ok := m.channels.Load(name)
	if !ok {
		return 0
	}
	ch := value.(*Channel)

	delivered := 0
	for _, id := range ch.Subscribers() {
		if _, skip := exclude[id]; skip {
			continue
		}
		if _, ok := m.registry.Get(id); !ok {
			ch.unsubscribe(id)
			continue
		}
		if m.registry.Send(id, msg) {
			delivered++
		} else {
			ch.unsubscribe(id)
		}
	}
	return delivered
}

// SessionsIn 解析频道当前在线的订阅会话
// 自愈：注册表中已不存在的订阅者被就地移除。
func (m *ChannelManager) SessionsIn(name string) ([]*Session, error) {
	ch, ok := m.GetChannel(name)
	if !ok {
		return nil, ErrChannelNotFound
	}

	ids := ch.Subscribers()
	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		s, ok := m.registry.Get(id)
		if !ok {
			ch.unsubscribe(id)
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// CreateRoom 创建房间并让创建者成为 OWNER，按名幂等
func (m *ChannelManager) CreateRoom(owner *Session, name string, opts RoomOptions) (*Room, error) {
	resolved := m.resolveName(owner, name)

	chOpts := opts.ChannelOptions
	chOpts.Persistent = chOpts.Persistent && !opts.Temporary
	ch := m.GetOrCreateChannel(resolved, chOpts)

	room := newRoom(ch)
	actual, loaded := m.rooms.LoadOrStore(resolved, room)
	if loaded {
		return actual.(*Room), nil
	}

	if err := ch.subscribe(owner.ID); err != nil {
		m.rooms.Delete(resolved)
		return nil, err
	}
	if err := room.addMember(owner.ID, RoleOwner); err != nil {
		ch.unsubscribe(owner.ID)
		m.rooms.Delete(resolved)
		return nil, err
	}
	owner.addChannel(resolved)

	m.log.Debug("room created",
		zap.String("room", resolved),
		zap.String("owner", owner.ID),
	)
	m.emit(EventRoomCreated, owner.TenantID(), owner.UserID(), resolved, map[string]any{
		"room":  resolved,
		"owner": owner.ID,
	})
	return room, nil
}

// GetRoom 查找房间
func (m *ChannelManager) GetRoom(name string) (*Room, bool) {
	value, ok := m.rooms.Load(name)
	if !ok {
		return nil, false
	}
	return value.(*Room), true
}

// JoinRoom 加入房间
func (m *ChannelManager) JoinRoom(s *Session, name string, role RoomRole) error {
	resolved := m.resolveName(s, name)
	value, ok := m.rooms.Load(resolved)
	if !ok {
		return ErrRoomNotFound
	}
	room := value.(*Room)

	if room.banned(banKey(s)) {
		return ErrBanned
	}
	if err := room.checkAccess(s); err != nil {
		return err
	}
	if role == "" {
		role = RoleMember
	}
	if !role.Valid() {
		return ErrInvalidRole
	}

	if err := room.subscribe(s.ID); err != nil {
		return err
	}
	if err := room.addMember(s.ID, role); err != nil {
		room.unsubscribe(s.ID)
		return err
	}
	s.addChannel(resolved)

	m.emit(EventRoomJoined, s.TenantID(), s.UserID(), resolved, map[string]any{
		"room":       resolved,
		"session_id": s.ID,
		"role":       string(role),
	})
	m.replayHistory(s, room.Channel)
	return nil
}

// LeaveRoom 离开房间，幂等
func (m *ChannelManager) LeaveRoom(s *Session, name string) bool {
	resolved := m.resolveName(s, name)
	value, ok := m.rooms.Load(resolved)
	if !ok {
		return false
	}
	room := value.(*Room)

	left := room.removeMember(s.ID)
	room.unsubscribe(s.ID)
	s.removeChannel(resolved)

	if left {
		m.emit(EventRoomLeft, s.TenantID(), s.UserID(), resolved, map[string]any{
			"room":       resolved,
			"session_id": s.ID,
		})
	}
	return left
}

// ChangeRole 修改成员角色
// 仅 OWNER/ADMIN 可操作；任命或降级 OWNER 只有 OWNER 能做。
func (m *ChannelManager) ChangeRole(actor *Session, name, targetSessionID string, newRole RoomRole) error {
	resolved := m.resolveName(actor, name)
	value, ok := m.rooms.Load(resolved)
	if !ok {
		return ErrRoomNotFound
	}
	room := value.(*Room)

	actorMember, ok := room.Member(actor.ID)
	if !ok {
		return ErrNotAMember
	}
	if actorMember.Role != RoleOwner && actorMember.Role != RoleAdmin {
		return ErrAccessDenied
	}

	target, ok := room.Member(targetSessionID)
	if !ok {
		return ErrNotAMember
	}

	// 涉及 OWNER 的变更只允许 OWNER 执行
	if (newRole == RoleOwner || target.Role == RoleOwner) && actorMember.Role != RoleOwner {
		return ErrAccessDenied
	}

	if err := room.setRole(targetSessionID, newRole); err != nil {
		return err
	}

	m.emit(EventRoomRoleChanged, actor.TenantID(), actor.UserID(), resolved, map[string]any{
		"room":     resolved,
		"actor":    actor.ID,
		"target":   targetSessionID,
		"new_role": string(newRole),
	})
	return nil
}

// KickMember 把成员移出房间
func (m *ChannelManager) KickMember(actor *Session, name, targetSessionID string) error {
	resolved := m.resolveName(actor, name)
	value, ok := m.rooms.Load(resolved)
	if !ok {
		return ErrRoomNotFound
	}
	room := value.(*Room)

	actorMember, ok := room.Member(actor.ID)
	if !ok {
		return ErrNotAMember
	}
	if !actorMember.Role.Can(PermKickMembers) {
		return ErrAccessDenied
	}
	if _, ok := room.Member(targetSessionID); !ok {
		return ErrNotAMember
	}

	room.removeMember(targetSessionID)
	room.unsubscribe(targetSessionID)
	if target, ok := m.registry.Get(targetSessionID); ok {
		target.removeChannel(resolved)
	}

	m.emit(EventRoomKicked, actor.TenantID(), actor.UserID(), resolved, map[string]any{
		"room":   resolved,
		"actor":  actor.ID,
		"target": targetSessionID,
	})
	return nil
}

// BanMember 封禁并移出成员
// 已认证成员按 user id 封禁，重连后依然生效。
func (m *ChannelManager) BanMember(actor *Session, name, targetSessionID string) error {
	resolved := m.resolveName(actor, name)
	value, ok := m.rooms.Load(resolved)
	if !ok {
		return ErrRoomNotFound
	}
	room := value.(*Room)

	actorMember, ok := room.Member(actor.ID)
	if !ok {
		return ErrNotAMember
	}
	if !actorMember.Role.Can(PermBanMembers) {
		return ErrAccessDenied
	}
	if _, ok := room.Member(targetSessionID); !ok {
		return ErrNotAMember
	}

	key := targetSessionID
	if target, ok := m.registry.Get(targetSessionID); ok {
		key = banKey(target)
		target.removeChannel(resolved)
	}
	room.ban(key)
	room.removeMember(targetSessionID)
	room.unsubscribe(targetSessionID)

	m.emit(EventRoomBanned, actor.TenantID(), actor.UserID(), resolved, map[string]any{
		"room":   resolved,
		"actor":  actor.ID,
		"target": targetSessionID,
	})
	return nil
}

// DeleteRoom 删除房间，要求 delete_room 权限
// 房间不存在时返回 (false, nil)。actor 为 nil 时跳过权限检查（管理路径）。
func (m *ChannelManager) DeleteRoom(actor *Session, name string) (bool, error) {
	resolved := m.resolveName(actor, name)
	value, ok := m.rooms.Load(resolved)
	if !ok {
		return false, nil
	}
	room := value.(*Room)

	if actor != nil {
		member, ok := room.Member(actor.ID)
		if !ok {
			return false, ErrNotAMember
		}
		if !member.Role.Can(PermDeleteRoom) {
			return false, ErrAccessDenied
		}
	}

	m.DeleteChannel(resolved)
	m.emit(EventRoomDeleted, "", "", resolved, map[string]any{"room": resolved})
	return true, nil
}

// ChannelCount 频道数量
func (m *ChannelManager) ChannelCount() int {
	count := 0
	m.channels.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// RoomCount 房间数量
func (m *ChannelManager) RoomCount() int {
	count := 0
	m.rooms.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// RunSweep 定期清理空的非持久频道/房间
func (m *ChannelManager) RunSweep(ctx context.Context) {
	ticker := time.NewTicker(m.config.Channel.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep 清理过期空频道
func (m *ChannelManager) sweep() {
	now := time.Now()
	var swept int

	m.channels.Range(func(key, value any) bool {
		ch := value.(*Channel)
		if ch.expired(now, m.config.Channel.EmptyTTL) {
			if m.DeleteChannel(key.(string)) {
				swept++
			}
		}
		return true
	})

	if swept > 0 {
		m.log.Debug("empty channel sweep finished", zap.Int("swept", swept))
	}
}

// emit 发布生命周期事件，事件管理器未绑定时为空操作
func (m *ChannelManager) emit(eventType EventType, tenantID, userID, room string, payload map[string]any) {
	if m.events == nil {
		return
	}
	m.events.emit(eventType, tenantID, userID, room, payload)
}
