// Package ratelimit 提供基于滑动窗口的限流器。
// 网关用它限制连接建立频率（按 IP）与消息发送频率（按会话）。
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
)

// Config 滑动窗口限流配置
type Config struct {
	// MaxEvents 窗口内允许的最大事件数（默认 60）
	MaxEvents int

	// Window 窗口长度（默认 60 秒）
	Window time.Duration

	// CleanupInterval 空闲窗口清理间隔（默认 1 分钟）
	CleanupInterval time.Duration

	// IdleExpiry 窗口空闲多久后清理（默认 5 分钟）
	IdleExpiry time.Duration
}

// setDefaults 设置默认值
func (c *Config) setDefaults() {
	if c.MaxEvents <= 0 {
		c.MaxEvents = 60
	}
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.IdleExpiry <= 0 {
		c.IdleExpiry = 5 * time.Minute
	}
}

// window 单个 key 的滑动窗口
type window struct {
	mu       sync.Mutex
	events   []time.Time // 窗口内的事件时间戳，按时间升序
	lastSeen time.Time
}

// prune 移除窗口之外的事件时间戳，调用方需持有锁
func (w *window) prune(now time.Time, span time.Duration) {
	cutoff := now.Add(-span)
	i := 0
	for i < len(w.events) && !w.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}

// Limiter 滑动窗口限流器
// 按 key 维护独立窗口，后台 goroutine 定期清理空闲窗口。
type Limiter struct {
	config Config

	windows map[string]*window
	mu      sync.RWMutex

	denied atomic.Int64 // 累计拒绝次数

	done     chan struct{}
	stopOnce sync.Once
}

// New 创建限流器并启动清理 goroutine
func New(config Config) *Limiter {
	config.setDefaults()

	l := &Limiter{
		config:  config,
		windows: make(map[string]*window),
		done:    make(chan struct{}),
	}

	go l.runCleanup()

	return l
}

// Allow 检查 key 是否允许一次新事件
// 允许时记录事件时间戳，拒绝时仅更新活跃时间。
func (l *Limiter) Allow(key string) bool {
	w := l.getWindow(key)
	now := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.lastSeen = now
	w.prune(now, l.config.Window)

	if len(w.events) >= l.config.MaxEvents {
		l.denied.Add(1)
		return false
	}
	w.events = append(w.events, now)
	return true
}

// Remaining 返回 key 在当前窗口内剩余的可用事件数
func (l *Limiter) Remaining(key string) int {
	l.mu.RLock()
	w, exists := l.windows[key]
	l.mu.RUnlock()
	if !exists {
		return l.config.MaxEvents
	}

	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now, l.config.Window)

	remaining := l.config.MaxEvents - len(w.events)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// RetryAfter 返回 key 需要等待多久才会有事件滑出窗口
// 窗口未满时返回 0。
func (l *Limiter) RetryAfter(key string) time.Duration {
	l.mu.RLock()
	w, exists := l.windows[key]
	l.mu.RUnlock()
	if !exists {
		return 0
	}

	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now, l.config.Window)

	if len(w.events) < l.config.MaxEvents {
		return 0
	}
	wait := w.events[0].Add(l.config.Window).Sub(now)
	if wait < 0 {
		wait = 0
	}
	return wait
}

// Reset 移除 key 的窗口（连接断开时释放状态）
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	delete(l.windows, key)
	l.mu.Unlock()
}

// Len 返回当前跟踪的 key 数量
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.windows)
}

// Denied 返回累计拒绝次数
func (l *Limiter) Denied() int64 {
	return l.denied.Load()
}

// Stop 停止清理 goroutine，可安全重复调用
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
	})
}

// getWindow 获取或创建 key 的窗口
func (l *Limiter) getWindow(key string) *window {
	l.mu.RLock()
	w, exists := l.windows[key]
	l.mu.RUnlock()

	if exists {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// 双重检查
	if w, exists = l.windows[key]; exists {
		return w
	}

	w = &window{lastSeen: time.Now()}
	l.windows[key] = w
	return w
}

// runCleanup 定期清理空闲窗口
func (l *Limiter) runCleanup() {
	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.done:
			return
		}
	}
}

// cleanup 移除超过 IdleExpiry 未活跃的窗口
func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for key, w := range l.windows {
		w.mu.Lock()
		idle := now.Sub(w.lastSeen) > l.config.IdleExpiry
		w.mu.Unlock()
		if idle {
			delete(l.windows, key)
		}
	}
}
