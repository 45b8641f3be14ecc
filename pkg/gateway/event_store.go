package gateway

import (
	"context"
	"sync"
	"time"
)

// EventStore 持久化事件存储
// 内置内存实现，进程外存储（数据库、Redis）实现同一接口接入。
type EventStore interface {
	// Put 写入事件
	Put(ctx context.Context, e *Event) error
	// Query 按时间与类型查询未过期事件，按时间升序返回，limit <= 0 表示不限数量
	Query(ctx context.Context, since time.Time, types []EventType, limit int) ([]*Event, error)
	// Prune 淘汰过期事件，返回淘汰数量
	Prune(ctx context.Context, now time.Time) (int, error)
	// Count 当前存储的事件数
	Count(ctx context.Context) (int, error)
	// Close 释放资源
	Close() error
}

// MemoryEventStore 内存事件存储
// 按写入顺序保存，超过容量上限时淘汰最旧的事件。
type MemoryEventStore struct {
	mu     sync.RWMutex
	events []*Event
	max    int
}

// NewMemoryEventStore 创建内存事件存储，max <= 0 时使用默认容量
func NewMemoryEventStore(max int) *MemoryEventStore {
	if max <= 0 {
		max = 10000
	}
	return &MemoryEventStore{
		events: make([]*Event, 0, 64),
		max:    max,
	}
}

// Put 写入事件，容量满时淘汰最旧的事件
func (s *MemoryEventStore) Put(_ context.Context, e *Event) error {
	if e == nil {
		return ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, e.Clone())
	if len(s.events) > s.max {
		overflow := len(s.events) - s.max
		s.events = append(s.events[:0:0], s.events[overflow:]...)
	}
	return nil
}

// Query 查询未过期事件
func (s *MemoryEventStore) Query(_ context.Context, since time.Time, types []EventType, limit int) ([]*Event, error) {
	var typeSet map[EventType]struct{}
	if len(types) > 0 {
		typeSet = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			typeSet[t] = struct{}{}
		}
	}

	now := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Event, 0)
	for _, e := range s.events {
		if e.Expired(now) {
			continue
		}
		if e.Timestamp.Before(since) {
			continue
		}
		if typeSet != nil {
			if _, ok := typeSet[e.Type]; !ok {
				continue
			}
		}
		result = append(result, e.Clone())
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Prune 淘汰过期事件
func (s *MemoryEventStore) Prune(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	for _, e := range s.events {
		if !e.Expired(now) {
			kept = append(kept, e)
		}
	}
	pruned := len(s.events) - len(kept)
	for i := len(kept); i < len(s.events); i++ {
		s.events[i] = nil
	}
	s.events = kept
	return pruned, nil
}

// Count 当前事件数
func (s *MemoryEventStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events), nil
}

// Close 释放资源
func (s *MemoryEventStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
	return nil
}
