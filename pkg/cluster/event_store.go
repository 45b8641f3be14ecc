package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tokmz/chao/pkg/gateway"
)

// EventStore Redis 事件存储
// 有序集合按事件时间戳排序，容量超限时淘汰最旧的事件，
// 集群内所有实例共享同一份事件历史，回放在任意实例上结果一致。
type EventStore struct {
	client redis.UniversalClient
	key    string
	max    int
}

var _ gateway.EventStore = (*EventStore)(nil)

// NewEventStore 基于后端连接创建事件存储
// max 为保留的事件上限，0 或负数表示不限制。
func NewEventStore(b *Backend, max int) *EventStore {
	return &EventStore{
		client: b.client,
		key:    b.config.eventsKey(),
		max:    max,
	}
}

// Put 写入事件
func (s *EventStore) Put(ctx context.Context, e *gateway.Event) error {
	if e == nil || e.ID == "" {
		return gateway.ErrValidation
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cluster: event encode failed: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, s.key, redis.Z{
		Score:  float64(e.Timestamp.UnixNano()),
		Member: data,
	})
	if s.max > 0 {
		pipe.ZRemRangeByRank(ctx, s.key, 0, -int64(s.max)-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %w", gateway.ErrBackendUnavailable, err)
	}
	return nil
}

// Query 按时间与类型查询未过期事件，按时间升序返回，limit <= 0 表示不限数量
func (s *EventStore) Query(ctx context.Context, since time.Time, types []gateway.EventType, limit int) ([]*gateway.Event, error) {
	min := "-inf"
	if !since.IsZero() {
		min = strconv.FormatInt(since.UnixNano(), 10)
	}

	raw, err := s.client.ZRangeByScore(ctx, s.key, &redis.ZRangeBy{
		Min: min,
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", gateway.ErrBackendUnavailable, err)
	}

	var typeSet map[gateway.EventType]struct{}
	if len(types) > 0 {
		typeSet = make(map[gateway.EventType]struct{}, len(types))
		for _, t := range types {
			typeSet[t] = struct{}{}
		}
	}

	now := time.Now()
	out := make([]*gateway.Event, 0, len(raw))
	for _, item := range raw {
		e := &gateway.Event{}
		if err := json.Unmarshal([]byte(item), e); err != nil {
			continue
		}
		if e.Expired(now) {
			continue
		}
		if typeSet != nil {
			if _, ok := typeSet[e.Type]; !ok {
				continue
			}
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Prune 淘汰过期事件，返回淘汰数量
// 过期取决于每个事件自身的 TTL，需要解码后判断。
func (s *EventStore) Prune(ctx context.Context, now time.Time) (int, error) {
	raw, err := s.client.ZRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", gateway.ErrBackendUnavailable, err)
	}

	var expired []any
	for _, item := range raw {
		e := &gateway.Event{}
		if err := json.Unmarshal([]byte(item), e); err != nil {
			// 解码不了的条目一并清掉
			expired = append(expired, item)
			continue
		}
		if e.Expired(now) {
			expired = append(expired, item)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}

	removed, err := s.client.ZRem(ctx, s.key, expired...).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", gateway.ErrBackendUnavailable, err)
	}
	return int(removed), nil
}

// Count 当前存储的事件数
func (s *EventStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", gateway.ErrBackendUnavailable, err)
	}
	return int(n), nil
}

// Close 连接归后端所有，这里无资源可释放
func (s *EventStore) Close() error {
	return nil
}
