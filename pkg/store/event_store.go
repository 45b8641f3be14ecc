// Package store 提供基于关系型数据库的事件持久化。
//
// 事件写入 chao_events 表，支持 MySQL、PostgreSQL、SQLite、SQLServer
// 四种驱动与读写分离，实现网关的事件存储接口，进程重启后仍可回放历史事件。
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tokmz/chao/pkg/gateway"
	"github.com/tokmz/chao/pkg/logger"
)

// 编译期检查：EventStore 实现网关事件存储接口
var _ gateway.EventStore = (*EventStore)(nil)

// EventRecord chao_events 表模型
type EventRecord struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	EventID       string `gorm:"size:64;uniqueIndex:idx_chao_events_event_id"`
	Type          string `gorm:"size:128;index:idx_chao_events_type"`
	Priority      int
	TenantID      string `gorm:"size:64;index:idx_chao_events_tenant"`
	UserID        string `gorm:"size:64;index:idx_chao_events_user"`
	Room          string `gorm:"size:128"`
	Payload       string `gorm:"type:text"`
	Metadata      string `gorm:"type:text"`
	Attempts      int
	CorrelationID string `gorm:"size:64"`
	// TTL 纳秒数，0 表示不过期
	TTL       int64
	Timestamp time.Time  `gorm:"index:idx_chao_events_ts"`
	ExpiresAt *time.Time `gorm:"index:idx_chao_events_expire"`
	CreatedAt time.Time
}

// TableName 表名
func (EventRecord) TableName() string {
	return "chao_events"
}

// EventStore 数据库事件存储
type EventStore struct {
	db     *gorm.DB
	max    int
	log    logger.Logger
	ownsDB bool
}

// NewEventStore 按配置建立连接并创建事件存储
func NewEventStore(cfg *Config) (*EventStore, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}

	s := &EventStore{
		db:     db,
		max:    cfg.MaxEvents,
		log:    log,
		ownsDB: true,
	}

	if cfg.AutoMigrate {
		if err := db.AutoMigrate(&EventRecord{}); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("store: auto migrate failed: %w", err)
		}
	}
	return s, nil
}

// NewEventStoreWithDB 复用已有连接创建事件存储，Close 不会关闭传入的连接
func NewEventStoreWithDB(db *gorm.DB, max int, log logger.Logger) (*EventStore, error) {
	if db == nil {
		return nil, fmt.Errorf("store: db is required")
	}
	if log == nil {
		log = logger.Nop()
	}
	if err := db.AutoMigrate(&EventRecord{}); err != nil {
		return nil, fmt.Errorf("store: auto migrate failed: %w", err)
	}
	return &EventStore{db: db, max: max, log: log}, nil
}

// Put 写入事件，重复的事件 ID 幂等忽略，超过容量上限时淘汰最旧的
func (s *EventStore) Put(ctx context.Context, e *gateway.Event) error {
	if e == nil || e.ID == "" {
		return gateway.ErrValidation
	}

	rec, err := toRecord(e)
	if err != nil {
		return fmt.Errorf("%w: %w", gateway.ErrValidation, err)
	}

	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).
		Create(rec).Error
	if err != nil {
		return fmt.Errorf("store: put event: %w", err)
	}

	if s.max > 0 {
		if err := s.trim(ctx); err != nil {
			s.log.Warn("event trim failed", zap.Error(err))
		}
	}
	return nil
}

// trim 淘汰超出容量上限的最旧事件
func (s *EventStore) trim(ctx context.Context) error {
	var ids []uint64
	err := s.db.WithContext(ctx).
		Model(&EventRecord{}).
		Order("id DESC").
		Offset(s.max).
		Limit(1).
		Pluck("id", &ids).Error
	if err != nil || len(ids) == 0 {
		return err
	}
	return s.db.WithContext(ctx).
		Where("id <= ?", ids[0]).
		Delete(&EventRecord{}).Error
}

// Query 按时间与类型查询未过期事件，按时间升序返回
func (s *EventStore) Query(ctx context.Context, since time.Time, types []gateway.EventType, limit int) ([]*gateway.Event, error) {
	q := s.db.WithContext(ctx).
		Model(&EventRecord{}).
		Where("expires_at IS NULL OR expires_at >= ?", time.Now())
	if !since.IsZero() {
		q = q.Where("timestamp >= ?", since)
	}
	if len(types) > 0 {
		names := make([]string, len(types))
		for i, t := range types {
			names[i] = string(t)
		}
		q = q.Where("type IN ?", names)
	}
	q = q.Order("timestamp ASC").Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var records []EventRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("store: query events: %w", err)
	}

	events := make([]*gateway.Event, 0, len(records))
	for i := range records {
		e, err := records[i].toEvent()
		if err != nil {
			s.log.Warn("skip undecodable event record",
				zap.Uint64("record_id", records[i].ID),
				zap.Error(err),
			)
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

// Prune 淘汰过期事件，返回淘汰数量
func (s *EventStore) Prune(ctx context.Context, now time.Time) (int, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ?", now).
		Delete(&EventRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("store: prune events: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// Count 当前存储的事件数
func (s *EventStore) Count(ctx context.Context) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&EventRecord{}).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("store: count events: %w", err)
	}
	return int(n), nil
}

// Close 关闭数据库连接，复用外部连接时为空操作
func (s *EventStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// toRecord 事件转表记录，TTL 物化为过期时间便于索引淘汰
func toRecord(e *gateway.Event) (*EventRecord, error) {
	payload, err := marshalColumn(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	metadata, err := marshalColumn(e.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	rec := &EventRecord{
		EventID:       e.ID,
		Type:          string(e.Type),
		Priority:      int(e.Priority),
		TenantID:      e.TenantID,
		UserID:        e.UserID,
		Room:          e.Room,
		Payload:       payload,
		Metadata:      metadata,
		Attempts:      e.Attempts,
		CorrelationID: e.CorrelationID,
		TTL:           int64(e.TTL),
		Timestamp:     e.Timestamp,
	}
	if e.TTL > 0 {
		expiresAt := e.Timestamp.Add(e.TTL)
		rec.ExpiresAt = &expiresAt
	}
	return rec, nil
}

// toEvent 表记录转事件
func (r *EventRecord) toEvent() (*gateway.Event, error) {
	e := &gateway.Event{
		ID:            r.EventID,
		Type:          gateway.EventType(r.Type),
		Priority:      gateway.Priority(r.Priority),
		TenantID:      r.TenantID,
		UserID:        r.UserID,
		Room:          r.Room,
		Attempts:      r.Attempts,
		CorrelationID: r.CorrelationID,
		TTL:           time.Duration(r.TTL),
		Timestamp:     r.Timestamp,
	}
	if r.Payload != "" {
		if err := json.Unmarshal([]byte(r.Payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return e, nil
}

// marshalColumn 编码 JSON 文本列，nil 存空串
func marshalColumn(v any) (string, error) {
	switch m := v.(type) {
	case map[string]any:
		if m == nil {
			return "", nil
		}
	case map[string]string:
		if m == nil {
			return "", nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
