package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(mutate func(*Config)) (*ChannelManager, *Registry) {
	config := testConfig()
	if mutate != nil {
		mutate(config)
	}
	r := NewRegistry(config, config.Logger, config.Metrics)
	m := NewChannelManager(r, config, config.Logger, config.Metrics)
	return m, r
}

// registerSession 创建纯状态会话并注册
func registerSession(t *testing.T, r *Registry, opts ...SessionOption) *Session {
	t.Helper()
	s, _ := newTestSession(opts...)
	require.NoError(t, r.Register(s))
	return s
}

// registerRunningSession 创建运行中的会话并注册
func registerRunningSession(t *testing.T, r *Registry, opts ...SessionOption) (*Session, *fakeConn) {
	t.Helper()
	s, conn := startSession(t, nil, opts...)
	require.NoError(t, r.Register(s))
	return s, conn
}

func TestManagerSubscribe(t *testing.T) {
	m, r := newTestManager(nil)
	s := registerSession(t, r)

	resolved, err := m.Subscribe(s, "news")
	require.NoError(t, err)
	assert.Equal(t, "news", resolved)

	ch, ok := m.GetChannel("news")
	require.True(t, ok)
	assert.True(t, ch.Has(s.ID))
	assert.Contains(t, s.Channels(), "news")
	assert.Equal(t, 1, m.ChannelCount())

	// 幂等：重复订阅不报错也不重复计数
	_, err = m.Subscribe(s, "news")
	require.NoError(t, err)
	assert.Equal(t, 1, ch.Len())
}

func TestManagerTenantNamespace(t *testing.T) {
	m, r := newTestManager(func(c *Config) { c.TenantIsolation = true })

	acme, acmeConn := registerRunningSession(t, r, WithIdentity("u1", "acme", nil))
	globex, globexConn := registerRunningSession(t, r, WithIdentity("u2", "globex", nil))

	acmeResolved, err := m.Subscribe(acme, "updates")
	require.NoError(t, err)
	globexResolved, err := m.Subscribe(globex, "updates")
	require.NoError(t, err)

	// 同名频道落在各自租户的命名空间里
	assert.Equal(t, "tenant:acme:updates", acmeResolved)
	assert.Equal(t, "tenant:globex:updates", globexResolved)
	assert.Equal(t, 2, m.ChannelCount())

	// 已带前缀的名字不再二次加前缀
	again, err := m.Subscribe(acme, "tenant:acme:updates")
	require.NoError(t, err)
	assert.Equal(t, "tenant:acme:updates", again)

	// 匿名会话没有租户，使用原始名字
	anonymous := registerSession(t, r)
	plain, err := m.Subscribe(anonymous, "updates")
	require.NoError(t, err)
	assert.Equal(t, "updates", plain)

	// 跨租户不可见：acme 的消息不会到达 globex
	delivered, err := m.Publish(acme, "updates", NewMessage(TypeChannelMessage, map[string]any{"text": "hi"}))
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	assert.Eventually(t, func() bool {
		return len(acmeConn.sentOfType(TypeChannelMessage)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, globexConn.sentOfType(TypeChannelMessage))
}

func TestManagerSubscribeReplaysHistoryOnce(t *testing.T) {
	m, r := newTestManager(nil)

	ch := m.GetOrCreateChannel("news", ChannelOptions{Public: true, HistorySize: 10})
	ch.appendHistory(NewMessage(TypeChannelMessage, map[string]any{"seq": 0}))
	ch.appendHistory(NewMessage(TypeChannelMessage, map[string]any{"seq": 1}))

	s, conn := registerRunningSession(t, r)

	_, err := m.Subscribe(s, "news")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(conn.sentOfType(TypeHistory)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	frames := conn.sentOfType(TypeHistory)
	require.Len(t, frames, 1)
	assert.Equal(t, "news", frames[0].Room)
	entries, ok := frames[0].Data.([]any)
	require.True(t, ok)
	assert.Len(t, entries, 2)

	// 重复订阅不再回放
	_, err = m.Subscribe(s, "news")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, conn.sentOfType(TypeHistory), 1)
}

func TestManagerSubscribeAccessDenied(t *testing.T) {
	m, r := newTestManager(nil)
	m.GetOrCreateChannel("vip", ChannelOptions{RequiredRoles: []string{"admin"}})

	s := registerSession(t, r, WithIdentity("u1", "acme", NewStaticPrincipal([]string{"viewer"}, nil)))

	_, err := m.Subscribe(s, "vip")
	assert.ErrorIs(t, err, ErrAccessDenied)

	ch, _ := m.GetChannel("vip")
	assert.False(t, ch.Has(s.ID))
	assert.Empty(t, s.Channels())
}

func TestManagerUnsubscribe(t *testing.T) {
	m, r := newTestManager(nil)
	s := registerSession(t, r)

	_, err := m.Subscribe(s, "news")
	require.NoError(t, err)

	assert.True(t, m.Unsubscribe(s, "news"))
	assert.False(t, m.Unsubscribe(s, "news"))
	assert.False(t, m.Unsubscribe(s, "missing"))
	assert.Empty(t, s.Channels())

	ch, _ := m.GetChannel("news")
	assert.Equal(t, 0, ch.Len())
}

func TestManagerPublish(t *testing.T) {
	m, r := newTestManager(nil)

	publisher, publisherConn := registerRunningSession(t, r)
	listener, listenerConn := registerRunningSession(t, r)

	_, err := m.Subscribe(publisher, "news")
	require.NoError(t, err)
	_, err = m.Subscribe(listener, "news")
	require.NoError(t, err)

	msg := NewMessage(TypeChannelMessage, map[string]any{"text": "hello"})
	delivered, err := m.Publish(publisher, "news", msg)
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)
	assert.Equal(t, "news", msg.Room)

	assert.Eventually(t, func() bool {
		return len(publisherConn.sentOfType(TypeChannelMessage)) == 1 &&
			len(listenerConn.sentOfType(TypeChannelMessage)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// 写入了频道历史
	ch, _ := m.GetChannel("news")
	assert.Len(t, ch.History(0), 1)
}

func TestManagerPublishRequiresMembership(t *testing.T) {
	m, r := newTestManager(nil)
	outsider := registerSession(t, r)

	_, err := m.Publish(outsider, "missing", NewMessage(TypeChannelMessage, nil))
	assert.ErrorIs(t, err, ErrChannelNotFound)

	m.GetOrCreateChannel("news", DefaultChannelOptions())
	_, err = m.Publish(outsider, "news", NewMessage(TypeChannelMessage, nil))
	assert.ErrorIs(t, err, ErrNotAMember)
}

func TestManagerRoomPublishPermissions(t *testing.T) {
	m, r := newTestManager(nil)

	owner := registerSession(t, r, WithIdentity("owner", "acme", nil))
	member := registerSession(t, r, WithIdentity("member", "acme", nil))
	muted := registerSession(t, r, WithIdentity("silenced", "acme", nil))
	guest := registerSession(t, r, WithIdentity("visitor", "acme", nil))

	_, err := m.CreateRoom(owner, "ops", RoomOptions{ChannelOptions: DefaultChannelOptions()})
	require.NoError(t, err)
	require.NoError(t, m.JoinRoom(member, "ops", RoleMember))
	require.NoError(t, m.JoinRoom(muted, "ops", RoleMuted))
	require.NoError(t, m.JoinRoom(guest, "ops", RoleGuest))

	_, err = m.Publish(member, "ops", NewMessage(TypeChannelMessage, map[string]any{"text": "hi"}))
	assert.NoError(t, err)

	// 禁言与访客保留订阅但不能发言
	_, err = m.Publish(muted, "ops", NewMessage(TypeChannelMessage, nil))
	assert.ErrorIs(t, err, ErrAccessDenied)
	_, err = m.Publish(guest, "ops", NewMessage(TypeChannelMessage, nil))
	assert.ErrorIs(t, err, ErrAccessDenied)

	room, _ := m.GetRoom("ops")
	assert.True(t, room.Has(muted.ID))
}

func TestManagerBroadcastSelfHealing(t *testing.T) {
	m, r := newTestManager(nil)

	healthy, healthyConn := registerRunningSession(t, r)
	closed, _ := registerRunningSession(t, r)

	_, err := m.Subscribe(healthy, "news")
	require.NoError(t, err)
	_, err = m.Subscribe(closed, "news")
	require.NoError(t, err)

	ch, _ := m.GetChannel("news")

	// 幽灵订阅者：从未注册到注册表
	require.NoError(t, ch.subscribe("ghost"))

	// 已关闭但尚未注销的订阅者
	closed.Close(CloseNormal, "gone")
	require.Eventually(t, closed.IsClosed, 2*time.Second, 10*time.Millisecond)

	delivered := m.Broadcast("news", NewMessage(TypeChannelMessage, map[string]any{"text": "hi"}), nil)
	assert.Equal(t, 1, delivered)

	// 两类失效订阅都被就地清除
	assert.False(t, ch.Has("ghost"))
	assert.False(t, ch.Has(closed.ID))
	assert.True(t, ch.Has(healthy.ID))

	assert.Eventually(t, func() bool {
		return len(healthyConn.sentOfType(TypeChannelMessage)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManagerBroadcastExcludes(t *testing.T) {
	m, r := newTestManager(nil)

	s1, _ := registerRunningSession(t, r)
	s2, s2Conn := registerRunningSession(t, r)

	_, err := m.Subscribe(s1, "news")
	require.NoError(t, err)
	_, err = m.Subscribe(s2, "news")
	require.NoError(t, err)

	delivered := m.Broadcast("news", NewMessage(TypeChannelMessage, nil), map[string]struct{}{s1.ID: {}})
	assert.Equal(t, 1, delivered)

	assert.Eventually(t, func() bool {
		return len(s2Conn.sentOfType(TypeChannelMessage)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, m.Broadcast("missing", NewMessage(TypeChannelMessage, nil), nil))
}

func TestManagerSessionsIn(t *testing.T) {
	m, r := newTestManager(nil)
	s := registerSession(t, r)

	_, err := m.Subscribe(s, "news")
	require.NoError(t, err)

	ch, _ := m.GetChannel("news")
	require.NoError(t, ch.subscribe("ghost"))

	sessions, err := m.SessionsIn("news")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Same(t, s, sessions[0])
	assert.False(t, ch.Has("ghost"))

	_, err = m.SessionsIn("missing")
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestManagerCreateRoom(t *testing.T) {
	m, r := newTestManager(nil)

	owner := registerSession(t, r, WithIdentity("alice", "acme", nil))
	room, err := m.CreateRoom(owner, "ops", RoomOptions{ChannelOptions: DefaultChannelOptions()})
	require.NoError(t, err)

	member, ok := room.Member(owner.ID)
	require.True(t, ok)
	assert.Equal(t, RoleOwner, member.Role)
	assert.True(t, room.Has(owner.ID))
	assert.Contains(t, owner.Channels(), "ops")
	assert.Equal(t, 1, m.RoomCount())

	// 按名幂等：第二个调用者拿到既有房间，不占 OWNER 席位
	other := registerSession(t, r, WithIdentity("bob", "acme", nil))
	same, err := m.CreateRoom(other, "ops", RoomOptions{ChannelOptions: DefaultChannelOptions()})
	require.NoError(t, err)
	assert.Same(t, room, same)
	_, ok = same.Member(other.ID)
	assert.False(t, ok)
}

func TestManagerJoinRoom(t *testing.T) {
	m, r := newTestManager(nil)

	owner := registerSession(t, r, WithIdentity("alice", "acme", nil))
	_, err := m.CreateRoom(owner, "ops", RoomOptions{ChannelOptions: DefaultChannelOptions()})
	require.NoError(t, err)

	// 空角色默认为 member
	joiner := registerSession(t, r, WithIdentity("bob", "acme", nil))
	require.NoError(t, m.JoinRoom(joiner, "ops", ""))
	room, _ := m.GetRoom("ops")
	member, _ := room.Member(joiner.ID)
	assert.Equal(t, RoleMember, member.Role)

	assert.ErrorIs(t, m.JoinRoom(joiner, "missing", ""), ErrRoomNotFound)

	invalid := registerSession(t, r, WithIdentity("carol", "acme", nil))
	assert.ErrorIs(t, m.JoinRoom(invalid, "ops", RoomRole("villain")), ErrInvalidRole)
}

func TestManagerLeaveRoom(t *testing.T) {
	m, r := newTestManager(nil)

	owner := registerSession(t, r, WithIdentity("alice", "acme", nil))
	_, err := m.CreateRoom(owner, "ops", RoomOptions{ChannelOptions: DefaultChannelOptions()})
	require.NoError(t, err)

	joiner := registerSession(t, r, WithIdentity("bob", "acme", nil))
	require.NoError(t, m.JoinRoom(joiner, "ops", ""))

	assert.True(t, m.LeaveRoom(joiner, "ops"))
	assert.False(t, m.LeaveRoom(joiner, "ops"))
	assert.False(t, m.LeaveRoom(joiner, "missing"))

	room, _ := m.GetRoom("ops")
	assert.False(t, room.Has(joiner.ID))
	assert.Empty(t, joiner.Channels())
}

func TestManagerChangeRoleRules(t *testing.T) {
	m, r := newTestManager(nil)

	owner := registerSession(t, r, WithIdentity("owner", "acme", nil))
	admin := registerSession(t, r, WithIdentity("admin", "acme", nil))
	member := registerSession(t, r, WithIdentity("member", "acme", nil))

	_, err := m.CreateRoom(owner, "ops", RoomOptions{ChannelOptions: DefaultChannelOptions()})
	require.NoError(t, err)
	require.NoError(t, m.JoinRoom(admin, "ops", RoleAdmin))
	require.NoError(t, m.JoinRoom(member, "ops", RoleMember))

	room, _ := m.GetRoom("ops")

	// 普通成员不能改角色
	assert.ErrorIs(t, m.ChangeRole(member, "ops", admin.ID, RoleMember), ErrAccessDenied)

	// 管理员可以在非 OWNER 角色之间调整
	require.NoError(t, m.ChangeRole(admin, "ops", member.ID, RoleModerator))
	got, _ := room.Member(member.ID)
	assert.Equal(t, RoleModerator, got.Role)

	// 涉及 OWNER 的变更只有 OWNER 能做
	assert.ErrorIs(t, m.ChangeRole(admin, "ops", member.ID, RoleOwner), ErrAccessDenied)
	assert.ErrorIs(t, m.ChangeRole(admin, "ops", owner.ID, RoleAdmin), ErrAccessDenied)

	require.NoError(t, m.ChangeRole(owner, "ops", admin.ID, RoleOwner))
	got, _ = room.Member(admin.ID)
	assert.Equal(t, RoleOwner, got.Role)

	// 错误路径
	assert.ErrorIs(t, m.ChangeRole(owner, "ops", "missing", RoleMember), ErrNotAMember)
	outsider := registerSession(t, r, WithIdentity("outsider", "acme", nil))
	assert.ErrorIs(t, m.ChangeRole(outsider, "ops", member.ID, RoleMember), ErrNotAMember)
	assert.ErrorIs(t, m.ChangeRole(owner, "missing", member.ID, RoleMember), ErrRoomNotFound)
}

func TestManagerKickMember(t *testing.T) {
	m, r := newTestManager(nil)

	owner := registerSession(t, r, WithIdentity("owner", "acme", nil))
	moderator := registerSession(t, r, WithIdentity("mod", "acme", nil))
	member := registerSession(t, r, WithIdentity("member", "acme", nil))

	_, err := m.CreateRoom(owner, "ops", RoomOptions{ChannelOptions: DefaultChannelOptions()})
	require.NoError(t, err)
	require.NoError(t, m.JoinRoom(moderator, "ops", RoleModerator))
	require.NoError(t, m.JoinRoom(member, "ops", RoleMember))

	// 成员无踢人权限
	assert.ErrorIs(t, m.KickMember(member, "ops", moderator.ID), ErrAccessDenied)

	require.NoError(t, m.KickMember(moderator, "ops", member.ID))
	room, _ := m.GetRoom("ops")
	_, ok := room.Member(member.ID)
	assert.False(t, ok)
	assert.False(t, room.Has(member.ID))
	assert.Empty(t, member.Channels())

	// 踢出不是封禁，可以重新加入
	assert.NoError(t, m.JoinRoom(member, "ops", ""))

	assert.ErrorIs(t, m.KickMember(moderator, "ops", "missing"), ErrNotAMember)
	assert.ErrorIs(t, m.KickMember(moderator, "missing", member.ID), ErrRoomNotFound)
}

func TestManagerBanMember(t *testing.T) {
	m, r := newTestManager(nil)

	owner := registerSession(t, r, WithIdentity("owner", "acme", nil))
	moderator := registerSession(t, r, WithIdentity("mod", "acme", nil))
	member := registerSession(t, r, WithIdentity("member", "acme", nil))

	_, err := m.CreateRoom(owner, "ops", RoomOptions{ChannelOptions: DefaultChannelOptions()})
	require.NoError(t, err)
	require.NoError(t, m.JoinRoom(moderator, "ops", RoleModerator))
	require.NoError(t, m.JoinRoom(member, "ops", RoleMember))

	// 版主能踢不能封
	assert.ErrorIs(t, m.BanMember(moderator, "ops", member.ID), ErrAccessDenied)

	require.NoError(t, m.BanMember(owner, "ops", member.ID))
	room, _ := m.GetRoom("ops")
	_, ok := room.Member(member.ID)
	assert.False(t, ok)

	// 已认证成员按 user id 封禁，换会话重连依然挡住
	assert.ErrorIs(t, m.JoinRoom(member, "ops", ""), ErrBanned)
	rejoined := registerSession(t, r, WithIdentity("member", "acme", nil))
	assert.ErrorIs(t, m.JoinRoom(rejoined, "ops", ""), ErrBanned)
	_, err = m.Subscribe(rejoined, "ops")
	assert.ErrorIs(t, err, ErrBanned)

	// 解除封禁后恢复
	room.Unban("member")
	assert.NoError(t, m.JoinRoom(rejoined, "ops", ""))
}

func TestManagerDeleteRoomCascade(t *testing.T) {
	m, r := newTestManager(nil)

	owner := registerSession(t, r, WithIdentity("owner", "acme", nil))
	member := registerSession(t, r, WithIdentity("member", "acme", nil))

	_, err := m.CreateRoom(owner, "ops", RoomOptions{ChannelOptions: DefaultChannelOptions()})
	require.NoError(t, err)
	require.NoError(t, m.JoinRoom(member, "ops", RoleMember))

	// 普通成员没有删除权限
	_, err = m.DeleteRoom(member, "ops")
	assert.ErrorIs(t, err, ErrAccessDenied)

	outsider := registerSession(t, r, WithIdentity("outsider", "acme", nil))
	_, err = m.DeleteRoom(outsider, "ops")
	assert.ErrorIs(t, err, ErrNotAMember)

	deleted, err := m.DeleteRoom(owner, "ops")
	require.NoError(t, err)
	assert.True(t, deleted)

	// 级联：房间、频道、双方的订阅记录都被清掉
	_, ok := m.GetRoom("ops")
	assert.False(t, ok)
	_, ok = m.GetChannel("ops")
	assert.False(t, ok)
	assert.Empty(t, owner.Channels())
	assert.Empty(t, member.Channels())

	// 再删一次：不存在不算错误
	deleted, err = m.DeleteRoom(owner, "ops")
	assert.NoError(t, err)
	assert.False(t, deleted)
}

func TestManagerDeleteRoomAdminPath(t *testing.T) {
	m, r := newTestManager(nil)

	owner := registerSession(t, r, WithIdentity("owner", "acme", nil))
	_, err := m.CreateRoom(owner, "ops", RoomOptions{ChannelOptions: DefaultChannelOptions()})
	require.NoError(t, err)

	// actor 为 nil 的管理路径跳过权限检查
	deleted, err := m.DeleteRoom(nil, "ops")
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestManagerRemoveSession(t *testing.T) {
	m, r := newTestManager(nil)

	s := registerSession(t, r, WithIdentity("alice", "acme", nil))
	_, err := m.Subscribe(s, "news")
	require.NoError(t, err)
	_, err = m.CreateRoom(s, "ops", RoomOptions{ChannelOptions: DefaultChannelOptions()})
	require.NoError(t, err)

	m.RemoveSession(s)

	assert.Empty(t, s.Channels())
	news, _ := m.GetChannel("news")
	assert.False(t, news.Has(s.ID))
	room, _ := m.GetRoom("ops")
	_, ok := room.Member(s.ID)
	assert.False(t, ok)
}

func TestManagerSweep(t *testing.T) {
	m, _ := newTestManager(func(c *Config) {
		c.Channel.SweepInterval = 20 * time.Millisecond
		c.Channel.EmptyTTL = 30 * time.Millisecond
	})

	m.GetOrCreateChannel("temp", ChannelOptions{Public: true})
	m.GetOrCreateChannel("keep", ChannelOptions{Public: true, Persistent: true})

	runLoop(t, m.RunSweep)

	assert.Eventually(t, func() bool {
		_, ok := m.GetChannel("temp")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := m.GetChannel("keep")
	assert.True(t, ok)
}
