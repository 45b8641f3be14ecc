package gateway

import "errors"

// 错误分类，按处理策略划分：
// 容量类拒绝新增、认证类拒绝身份、权限类拒绝操作、
// 投递类只隔离单个会话、后端类降级为本地投递、校验类丢弃请求。
var (
	// ErrCapacity 容量已满（连接数、频道订阅数、房间成员数）
	ErrCapacity = errors.New("gateway: capacity exceeded")

	// ErrAuth 认证失败（缺失或无效的 token）
	ErrAuth = errors.New("gateway: authentication failed")

	// ErrAccessDenied 权限不足（频道/房间访问被拒绝）
	ErrAccessDenied = errors.New("gateway: access denied")

	// ErrDelivery 投递失败（单个会话的传输错误）
	ErrDelivery = errors.New("gateway: delivery failed")

	// ErrBackendUnavailable 扩展后端不可用（降级为本地投递）
	ErrBackendUnavailable = errors.New("gateway: backend unavailable")

	// ErrValidation 消息格式错误
	ErrValidation = errors.New("gateway: validation failed")
)

// 具体错误
var (
	// ErrTooManyConnections 连接数达到上限
	ErrTooManyConnections = errors.New("gateway: too many connections")

	// ErrSessionNotFound 会话不存在
	ErrSessionNotFound = errors.New("gateway: session not found")

	// ErrSessionExists 会话 ID 已被占用
	ErrSessionExists = errors.New("gateway: session already exists")

	// ErrSessionClosed 会话已关闭
	ErrSessionClosed = errors.New("gateway: session closed")

	// ErrSendBufferFull 会话发送缓冲区已满
	ErrSendBufferFull = errors.New("gateway: send buffer full")

	// ErrChannelNotFound 频道不存在
	ErrChannelNotFound = errors.New("gateway: channel not found")

	// ErrChannelFull 频道订阅数达到上限
	ErrChannelFull = errors.New("gateway: channel full")

	// ErrRoomNotFound 房间不存在
	ErrRoomNotFound = errors.New("gateway: room not found")

	// ErrNotAMember 不是房间成员
	ErrNotAMember = errors.New("gateway: not a member")

	// ErrBanned 已被房间封禁
	ErrBanned = errors.New("gateway: banned from room")

	// ErrInvalidRole 未定义的房间角色
	ErrInvalidRole = errors.New("gateway: invalid room role")

	// ErrRateLimited 触发限流
	ErrRateLimited = errors.New("gateway: rate limited")

	// ErrMessageTooLarge 消息超过大小限制
	ErrMessageTooLarge = errors.New("gateway: message too large")

	// ErrInvalidMessage 消息无法解析
	ErrInvalidMessage = errors.New("gateway: invalid message")

	// ErrAlreadyStarted 网关已启动
	ErrAlreadyStarted = errors.New("gateway: already started")

	// ErrShutdown 网关已关闭
	ErrShutdown = errors.New("gateway: shut down")

	// ErrRouterFrozen 路由器冻结后不可修改
	ErrRouterFrozen = errors.New("gateway: router frozen")

	// ErrHandlerExists 消息类型已注册处理器
	ErrHandlerExists = errors.New("gateway: handler already registered")

	// ErrHandlerNotFound 消息类型没有处理器
	ErrHandlerNotFound = errors.New("gateway: handler not found")
)

// ErrorCode 错误帧中携带的错误码
type ErrorCode string

const (
	CodeCapacity     ErrorCode = "capacity_exceeded"
	CodeAuth         ErrorCode = "auth_failed"
	CodeAccessDenied ErrorCode = "access_denied"
	CodeDelivery     ErrorCode = "delivery_failed"
	CodeBackend      ErrorCode = "backend_unavailable"
	CodeValidation   ErrorCode = "validation_failed"
	CodeRateLimited  ErrorCode = "rate_limited"
	CodeNotFound     ErrorCode = "not_found"
	CodeInternal     ErrorCode = "internal_error"
)

// codeFor 把错误映射为错误码
func codeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrCapacity), errors.Is(err, ErrTooManyConnections), errors.Is(err, ErrChannelFull):
		return CodeCapacity
	case errors.Is(err, ErrAuth):
		return CodeAuth
	case errors.Is(err, ErrAccessDenied), errors.Is(err, ErrBanned):
		return CodeAccessDenied
	case errors.Is(err, ErrDelivery), errors.Is(err, ErrSendBufferFull), errors.Is(err, ErrSessionClosed):
		return CodeDelivery
	case errors.Is(err, ErrBackendUnavailable):
		return CodeBackend
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidMessage), errors.Is(err, ErrMessageTooLarge), errors.Is(err, ErrHandlerNotFound):
		return CodeValidation
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrChannelNotFound), errors.Is(err, ErrRoomNotFound), errors.Is(err, ErrNotAMember):
		return CodeNotFound
	default:
		return CodeInternal
	}
}
