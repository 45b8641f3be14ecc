package gateway

// Principal 已认证主体的能力对象
// 频道门禁与 ROLE/PERMISSION 广播范围都通过它判定。
type Principal interface {
	// HasRole 是否持有指定角色
	HasRole(role string) bool
	// HasAnyRole 是否持有任意一个指定角色
	HasAnyRole(roles ...string) bool
	// HasPermission 是否持有指定权限
	HasPermission(permission string) bool
}

// StaticPrincipal 基于固定角色/权限集合的 Principal 实现
// 认证回调通常在 token 校验后构造它。
type StaticPrincipal struct {
	roles       map[string]struct{}
	permissions map[string]struct{}
}

// NewStaticPrincipal 创建 StaticPrincipal
func NewStaticPrincipal(roles, permissions []string) *StaticPrincipal {
	p := &StaticPrincipal{
		roles:       make(map[string]struct{}, len(roles)),
		permissions: make(map[string]struct{}, len(permissions)),
	}
	for _, r := range roles {
		p.roles[r] = struct{}{}
	}
	for _, perm := range permissions {
		p.permissions[perm] = struct{}{}
	}
	return p
}

// HasRole 是否持有指定角色
func (p *StaticPrincipal) HasRole(role string) bool {
	_, ok := p.roles[role]
	return ok
}

// HasAnyRole 是否持有任意一个指定角色
func (p *StaticPrincipal) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if _, ok := p.roles[r]; ok {
			return true
		}
	}
	return false
}

// HasPermission 是否持有指定权限
func (p *StaticPrincipal) HasPermission(permission string) bool {
	_, ok := p.permissions[permission]
	return ok
}

// anonymousPrincipal 未认证会话的空对象实现，拒绝所有门禁检查
type anonymousPrincipal struct{}

func (anonymousPrincipal) HasRole(string) bool           { return false }
func (anonymousPrincipal) HasAnyRole(...string) bool     { return false }
func (anonymousPrincipal) HasPermission(string) bool     { return false }

// Anonymous 未认证会话共享的 Principal
var Anonymous Principal = anonymousPrincipal{}
