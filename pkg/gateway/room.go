package gateway

import (
	"sync"
	"time"
)

// RoomRole 房间角色
type RoomRole string

const (
	RoleOwner     RoomRole = "owner"
	RoleAdmin     RoomRole = "admin"
	RoleModerator RoomRole = "moderator"
	RoleMember    RoomRole = "member"
	RoleGuest     RoomRole = "guest"
	RoleMuted     RoomRole = "muted"
)

// RoomPermission 房间权限
type RoomPermission string

const (
	PermSendMessages   RoomPermission = "send_messages"
	PermDeleteMessages RoomPermission = "delete_messages"
	PermKickMembers    RoomPermission = "kick_members"
	PermBanMembers     RoomPermission = "ban_members"
	PermChangeSettings RoomPermission = "change_settings"
	PermDeleteRoom     RoomPermission = "delete_room"
)

// rolePermissions 角色到权限集合的固定映射
// 每个角色都必须在表中出现，成员表不允许出现未定义角色。
var rolePermissions = map[RoomRole]map[RoomPermission]struct{}{
	RoleOwner: {
		PermSendMessages:   {},
		PermDeleteMessages: {},
		PermKickMembers:    {},
		PermBanMembers:     {},
		PermChangeSettings: {},
		PermDeleteRoom:     {},
	},
	RoleAdmin: {
		PermSendMessages:   {},
		PermDeleteMessages: {},
		PermKickMembers:    {},
		PermBanMembers:     {},
		PermChangeSettings: {},
	},
	RoleModerator: {
		PermSendMessages:   {},
		PermDeleteMessages: {},
		PermKickMembers:    {},
	},
	RoleMember: {
		PermSendMessages: {},
	},
	RoleGuest: {},
	RoleMuted: {},
}

// Valid 角色是否有定义的权限映射
func (r RoomRole) Valid() bool {
	_, ok := rolePermissions[r]
	return ok
}

// Can 角色是否持有权限
func (r RoomRole) Can(p RoomPermission) bool {
	perms, ok := rolePermissions[r]
	if !ok {
		return false
	}
	_, ok = perms[p]
	return ok
}

// RoomMember 房间成员
type RoomMember struct {
	SessionID string
	Role      RoomRole
	JoinedAt  time.Time
}

// RoomOptions 房间创建参数
type RoomOptions struct {
	ChannelOptions
	// Temporary 空房间自动删除（等价于非持久频道）
	Temporary bool
}

// Room 带角色成员表的频道
// 频道部分负责订阅与历史，成员表负责角色与审核操作。
type Room struct {
	*Channel

	memberMu sync.RWMutex
	members  map[string]*RoomMember // session id -> member
	bans     map[string]struct{}    // 被封禁的 user id（匿名会话按 session id）
}

// newRoom 创建房间
func newRoom(ch *Channel) *Room {
	return &Room{
		Channel: ch,
		members: make(map[string]*RoomMember),
		bans:    make(map[string]struct{}),
	}
}

// addMember 写入成员表，角色必须有效
func (r *Room) addMember(sessionID string, role RoomRole) error {
	if !role.Valid() {
		return ErrInvalidRole
	}

	r.memberMu.Lock()
	defer r.memberMu.Unlock()

	if _, ok := r.members[sessionID]; ok {
		return nil
	}
	r.members[sessionID] = &RoomMember{
		SessionID: sessionID,
		Role:      role,
		JoinedAt:  time.Now(),
	}
	return nil
}

// removeMember 移除成员，返回之前是否在场
func (r *Room) removeMember(sessionID string) bool {
	r.memberMu.Lock()
	defer r.memberMu.Unlock()

	if _, ok := r.members[sessionID]; !ok {
		return false
	}
	delete(r.members, sessionID)
	return true
}

// Member 查找成员
func (r *Room) Member(sessionID string) (*RoomMember, bool) {
	r.memberMu.RLock()
	defer r.memberMu.RUnlock()
	m, ok := r.members[sessionID]
	return m, ok
}

// Members 成员快照
func (r *Room) Members() []*RoomMember {
	r.memberMu.RLock()
	defer r.memberMu.RUnlock()

	out := make([]*RoomMember, 0, len(r.members))
	for _, m := range r.members {
		copied := *m
		out = append(out, &copied)
	}
	return out
}

// MemberCount 成员数量
func (r *Room) MemberCount() int {
	r.memberMu.RLock()
	defer r.memberMu.RUnlock()
	return len(r.members)
}

// setRole 修改成员角色
func (r *Room) setRole(sessionID string, role RoomRole) error {
	if !role.Valid() {
		return ErrInvalidRole
	}

	r.memberMu.Lock()
	defer r.memberMu.Unlock()

	m, ok := r.members[sessionID]
	if !ok {
		return ErrNotAMember
	}
	m.Role = role
	return nil
}

// ban 记录封禁标识
func (r *Room) ban(key string) {
	r.memberMu.Lock()
	r.bans[key] = struct{}{}
	r.memberMu.Unlock()
}

// banned 是否被封禁
func (r *Room) banned(key string) bool {
	r.memberMu.RLock()
	defer r.memberMu.RUnlock()
	_, ok := r.bans[key]
	return ok
}

// Unban 解除封禁
func (r *Room) Unban(key string) {
	r.memberMu.Lock()
	delete(r.bans, key)
	r.memberMu.Unlock()
}

// banKey 封禁用的标识：已认证用 user id，匿名用 session id
func banKey(s *Session) string {
	if uid := s.UserID(); uid != "" {
		return uid
	}
	return s.ID
}
