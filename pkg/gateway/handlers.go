package gateway

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// registerBuiltins 注册内置协议处理器与中间件
func (e *Engine) registerBuiltins() error {
	if err := e.router.Use(e.rateLimitMiddleware, e.authGuardMiddleware); err != nil {
		return err
	}

	builtins := map[string]Handler{
		TypePing:           e.handlePing,
		TypeAuth:           e.handleAuth,
		TypeAuthenticate:   e.handleAuth,
		TypeSubscribe:      e.handleSubscribe,
		TypeUnsubscribe:    e.handleUnsubscribe,
		TypeChannelMessage: e.handleChannelMessage,
		TypeSend:           e.handleChannelMessage,
	}
	for msgType, handler := range builtins {
		if err := e.router.Register(msgType, handler); err != nil {
			return err
		}
	}
	return nil
}

// rateLimitMiddleware 会话级消息限流
// 软限制：超额消息被丢弃并回错误帧；连续违规达到 MaxViolations 才断开。
// 心跳帧不计入配额。
func (e *Engine) rateLimitMiddleware(s *Session, msg *Message, next NextFunc) error {
	if msg.Type == TypePing || msg.Type == TypePong {
		return next()
	}

	if e.msgLimiter.Allow(s.ID) {
		s.ResetViolations()
		return next()
	}

	violations := s.AddViolation()
	e.metrics.IncrementRateLimited("message")

	if e.config.MaxViolations > 0 && int(violations) >= e.config.MaxViolations {
		e.log.Warn("session disconnected for repeated rate violations",
			zap.String("session_id", s.ID),
			zap.Int32("violations", violations),
		)
		s.Close(CloseRateLimited, "message rate exceeded")
		return nil
	}

	retry := e.msgLimiter.RetryAfter(s.ID)
	s.sendSystem(errorMessage(CodeRateLimited,
		fmt.Sprintf("message rate exceeded, retry in %s", retry.Round(time.Millisecond))))
	return nil
}

// authGuardMiddleware 认证门禁
// RequireAuth 开启时，除心跳与认证外的消息都要求已认证身份。
func (e *Engine) authGuardMiddleware(s *Session, msg *Message, next NextFunc) error {
	if !e.config.RequireAuth || s.Authenticated() {
		return next()
	}
	switch msg.Type {
	case TypePing, TypePong, TypeAuth, TypeAuthenticate:
		return next()
	}
	return fmt.Errorf("%w: authentication required", ErrAuth)
}

// handlePing 心跳响应
func (e *Engine) handlePing(s *Session, _ *Message) error {
	s.Touch()
	return s.sendSystem(NewMessage(TypePong, map[string]any{
		"time": time.Now().UnixMilli(),
	}))
}

// handleAuth 帧内认证
func (e *Engine) handleAuth(s *Session, msg *Message) error {
	token := msg.DataString("token")
	if token == "" {
		s.sendSystem(authErrorFrame("missing token"))
		return nil
	}
	if e.config.Auth == nil {
		s.sendSystem(authErrorFrame("authentication not configured"))
		return nil
	}
	e.authenticate(s, token)
	return nil
}

// authenticate 校验 token 并绑定身份
// 失败只回 auth_error 帧，连接保持打开，客户端可以换 token 重试。
func (e *Engine) authenticate(s *Session, token string) {
	ctx, cancel := context.WithTimeout(s.ctx, e.config.HandshakeTimeout)
	defer cancel()

	result, err := e.config.Auth.ValidateToken(ctx, token)
	if err != nil {
		e.log.Warn("token validation failed",
			zap.String("session_id", s.ID),
			zap.Error(err),
		)
		s.sendSystem(authErrorFrame("token validation failed"))
		return
	}
	if result == nil || !result.Success {
		reason := "invalid token"
		if result != nil && result.Error != "" {
			reason = result.Error
		}
		s.sendSystem(authErrorFrame(reason))
		return
	}
	if result.UserID == "" {
		s.sendSystem(authErrorFrame("auth result missing user id"))
		return
	}

	if err := e.registry.BindIdentity(s.ID, result.UserID, result.TenantID, result.Principal); err != nil {
		e.log.Error("identity binding failed",
			zap.String("session_id", s.ID),
			zap.String("user_id", result.UserID),
			zap.Error(err),
		)
		s.sendSystem(authErrorFrame("identity binding failed"))
		return
	}

	frame := NewMessage(TypeAuthSuccess, map[string]any{
		"user_id":   result.UserID,
		"tenant_id": result.TenantID,
	})
	frame.TenantID = result.TenantID
	s.sendSystem(frame)

	e.events.emit(EventSessionAuthenticated, result.TenantID, result.UserID, "", map[string]any{
		"session_id": s.ID,
	})

	// 补投离线期间持久化的消息
	e.deliverPending(s, "user:"+result.UserID)

	e.log.Debug("session authenticated",
		zap.String("session_id", s.ID),
		zap.String("user_id", result.UserID),
		zap.String("tenant_id", result.TenantID),
	)
}

// deliverPending 取出并投递离线持久化消息，投递失败的放回存储
func (e *Engine) deliverPending(s *Session, key string) {
	if e.config.Backend == nil {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, e.config.HandshakeTimeout)
	defer cancel()

	pending, err := e.config.Backend.PendingMessages(ctx, key)
	if err != nil {
		e.log.Warn("pending message fetch failed",
			zap.String("key", key),
			zap.Error(err),
		)
		e.metrics.IncrementBackendErrors()
		return
	}
	if len(pending) == 0 {
		return
	}

	delivered := 0
	for _, msg := range pending {
		if err := s.SendMessage(msg); err != nil {
			if perr := e.config.Backend.StoreMessage(ctx, key, msg); perr != nil {
				e.log.Warn("pending message re-store failed",
					zap.String("key", key),
					zap.String("message_id", msg.MessageID),
					zap.Error(perr),
				)
			}
			continue
		}
		delivered++
	}

	e.log.Debug("pending messages delivered",
		zap.String("session_id", s.ID),
		zap.String("key", key),
		zap.Int("delivered", delivered),
		zap.Int("total", len(pending)),
	)
}

// handleSubscribe 订阅频道，重复订阅幂等
func (e *Engine) handleSubscribe(s *Session, msg *Message) error {
	name := subscribeTarget(msg)
	if name == "" {
		return fmt.Errorf("%w: channel name is required", ErrValidation)
	}

	resolved, err := e.channels.Subscribe(s, name)
	if err != nil {
		return err
	}

	ack := NewMessage(TypeSubscribed, map[string]any{
		"channel":  name,
		"resolved": resolved,
	})
	ack.Room = resolved
	return s.sendSystem(ack)
}

// handleUnsubscribe 退订频道，未订阅时也回确认
func (e *Engine) handleUnsubscribe(s *Session, msg *Message) error {
	name := subscribeTarget(msg)
	if name == "" {
		return fmt.Errorf("%w: channel name is required", ErrValidation)
	}

	e.channels.Unsubscribe(s, name)

	ack := NewMessage(TypeUnsubscribed, map[string]any{
		"channel": name,
	})
	return s.sendSystem(ack)
}

// handleChannelMessage 向频道发布消息
// 本地扇出由频道管理器完成，随后把信封转发给集群内其他实例。
func (e *Engine) handleChannelMessage(s *Session, msg *Message) error {
	name := msg.Room
	if name == "" {
		name = msg.DataString("channel")
	}
	if name == "" {
		return fmt.Errorf("%w: room is required", ErrValidation)
	}

	out := NewMessage(TypeChannelMessage, msg.Data)
	out.TenantID = s.TenantID()

	if _, err := e.channels.Publish(s, name, out); err != nil {
		return err
	}

	resolved := e.channels.resolveName(s, name)
	if err := e.broadcast.Forward(e.ctx, InChannel(resolved), out); err != nil {
		e.log.Warn("channel message forward failed, delivered locally only",
			zap.String("channel", resolved),
			zap.String("message_id", out.MessageID),
			zap.Error(err),
		)
	}
	return nil
}

// subscribeTarget 从消息中取订阅目标，room 字段优先
func subscribeTarget(msg *Message) string {
	if msg.Room != "" {
		return msg.Room
	}
	if name := msg.DataString("channel"); name != "" {
		return name
	}
	return msg.DataString("room")
}

// authErrorFrame 认证失败帧
func authErrorFrame(reason string) *Message {
	return NewMessage(TypeAuthError, map[string]any{
		"error": reason,
	})
}
