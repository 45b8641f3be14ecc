package gateway

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Handler 消息处理器
type Handler func(*Session, *Message) error

// NextFunc 中间件下一步函数
type NextFunc func() error

// MiddlewareFunc 中间件函数
type MiddlewareFunc func(*Session, *Message, NextFunc) error

// Router 消息路由器
// 按消息类型分发到处理器，启动时冻结并预编译中间件链。
type Router struct {
	handlers   map[string]Handler
	middleware []MiddlewareFunc
	compiled   map[string]Handler // 预编译的处理器链
	mu         sync.RWMutex
	frozen     bool
}

// NewRouter 创建路由器
func NewRouter() *Router {
	return &Router{
		handlers: make(map[string]Handler),
	}
}

// Register 注册处理器
func (r *Router) Register(msgType string, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRouterFrozen
	}
	if _, exists := r.handlers[msgType]; exists {
		return ErrHandlerExists
	}

	r.handlers[msgType] = handler
	return nil
}

// Use 添加中间件
func (r *Router) Use(middleware ...MiddlewareFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRouterFrozen
	}
	r.middleware = append(r.middleware, middleware...)
	return nil
}

// Freeze 冻结路由器（启动后不可修改）
func (r *Router) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return
	}
	r.frozen = true

	// 预编译所有处理器链
	r.compiled = make(map[string]Handler, len(r.handlers))
	for msgType, handler := range r.handlers {
		r.compiled[msgType] = r.buildChain(handler)
	}
}

// buildChain 从后向前构建中间件链
func (r *Router) buildChain(handler Handler) Handler {
	finalHandler := handler
	for i := len(r.middleware) - 1; i >= 0; i-- {
		mw := r.middleware[i]
		next := finalHandler
		finalHandler = func(mw MiddlewareFunc, next Handler) Handler {
			return func(s *Session, m *Message) error {
				return mw(s, m, func() error {
					return next(s, m)
				})
			}
		}(mw, next)
	}
	return finalHandler
}

// Route 路由消息
func (r *Router) Route(s *Session, msg *Message) error {
	r.mu.RLock()
	// 优先使用预编译的处理器链
	if r.frozen && r.compiled != nil {
		handler, exists := r.compiled[msg.Type]
		r.mu.RUnlock()
		if !exists {
			return ErrHandlerNotFound
		}
		return handler(s, msg)
	}

	// 未冻结时动态构建
	handler, exists := r.handlers[msg.Type]
	middlewareCopy := r.middleware
	r.mu.RUnlock()

	if !exists {
		return ErrHandlerNotFound
	}

	finalHandler := handler
	for i := len(middlewareCopy) - 1; i >= 0; i-- {
		mw := middlewareCopy[i]
		next := finalHandler
		finalHandler = func(mw MiddlewareFunc, next Handler) Handler {
			return func(s *Session, m *Message) error {
				return mw(s, m, func() error {
					return next(s, m)
				})
			}
		}(mw, next)
	}

	return finalHandler(s, msg)
}

// Types 已注册的消息类型
func (r *Router) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

// decodeData 把消息数据解码到目标结构
func decodeData(data any, v any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// TypedHandler 泛型处理器函数（有请求有响应）
type TypedHandler[Req any, Resp any] func(*Session, *Req) (*Resp, error)

// TypedHandler0 泛型处理器函数（有请求无响应）
type TypedHandler0[Req any] func(*Session, *Req) error

// TypedHandlerOnly 泛型处理器函数（无请求有响应）
type TypedHandlerOnly[Resp any] func(*Session) (*Resp, error)

// Handle 注册泛型处理器（有请求有响应），响应以 类型_result 帧发回
func Handle[Req any, Resp any](router *Router, msgType string, handler TypedHandler[Req, Resp]) error {
	return router.Register(msgType, func(s *Session, msg *Message) error {
		var req Req
		if err := decodeData(msg.Data, &req); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}

		resp, err := handler(s, &req)
		if err != nil {
			return err
		}

		reply := NewMessage(msgType+"_result", resp)
		reply.Room = msg.Room
		return s.SendMessage(reply)
	})
}

// Handle0 注册泛型处理器（有请求无响应）
func Handle0[Req any](router *Router, msgType string, handler TypedHandler0[Req]) error {
	return router.Register(msgType, func(s *Session, msg *Message) error {
		var req Req
		if err := decodeData(msg.Data, &req); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return handler(s, &req)
	})
}

// HandleOnly 注册泛型处理器（无请求有响应）
func HandleOnly[Resp any](router *Router, msgType string, handler TypedHandlerOnly[Resp]) error {
	return router.Register(msgType, func(s *Session, msg *Message) error {
		resp, err := handler(s)
		if err != nil {
			return err
		}

		reply := NewMessage(msgType+"_result", resp)
		reply.Room = msg.Room
		return s.SendMessage(reply)
	})
}
