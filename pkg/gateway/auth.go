package gateway

import "context"

// AuthResult token 校验结果
type AuthResult struct {
	Success  bool
	UserID   string
	TenantID string
	// Principal 认证成功后会话使用的能力对象，为 nil 时使用空集合
	Principal Principal
	// Error 失败原因，透传给客户端的 auth_error 帧
	Error string
}

// Auth 外部认证协作方
// 网关自身不解析 token，只消费校验结果。
type Auth interface {
	ValidateToken(ctx context.Context, token string) (*AuthResult, error)
}

// AuthFunc 函数式 Auth 适配器
type AuthFunc func(ctx context.Context, token string) (*AuthResult, error)

// ValidateToken 调用自身
func (f AuthFunc) ValidateToken(ctx context.Context, token string) (*AuthResult, error) {
	return f(ctx, token)
}
