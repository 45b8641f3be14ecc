// Package archive 把网关发布的事件异步写入 Kafka，供下游分析与审计消费。
//
// 归档是旁路：入队非阻塞，发送失败只记日志与计数，绝不反压发布路径。
package archive

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/tokmz/chao/pkg/gateway"
	"github.com/tokmz/chao/pkg/logger"
)

// Stats 归档计数快照
type Stats struct {
	// Archived 已确认写入的事件数
	Archived int64 `json:"archived"`
	// Failed 发送失败的事件数
	Failed int64 `json:"failed"`
	// Dropped 因缓冲满或已关闭被丢弃的事件数
	Dropped int64 `json:"dropped"`
}

// Archiver Kafka 事件归档器
type Archiver struct {
	producer sarama.AsyncProducer
	topic    string
	log      logger.Logger

	wg     sync.WaitGroup
	closed atomic.Bool

	archived atomic.Int64
	failed   atomic.Int64
	dropped  atomic.Int64
}

// New 创建归档器并连接 Kafka
func New(cfg *Config) (*Archiver, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sc, err := cfg.saramaConfig()
	if err != nil {
		return nil, err
	}

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to create producer: %w", err)
	}
	return newWithProducer(producer, cfg.Topic, cfg.Logger), nil
}

// newWithProducer 包装已有生产者，测试经 sarama mocks 注入
func newWithProducer(producer sarama.AsyncProducer, topic string, log logger.Logger) *Archiver {
	if log == nil {
		log = logger.Nop()
	}
	a := &Archiver{
		producer: producer,
		topic:    topic,
		log:      log,
	}

	a.wg.Add(2)
	go a.drainSuccesses()
	go a.drainErrors()
	return a
}

// Archive 归档一个事件，签名与事件处理器一致，可直接注册到事件订阅
func (a *Archiver) Archive(e *gateway.Event) {
	if e == nil || a.closed.Load() {
		a.dropped.Add(1)
		return
	}

	data, err := json.Marshal(e)
	if err != nil {
		a.failed.Add(1)
		a.log.Warn("event encode failed",
			zap.String("event_id", e.ID),
			zap.Error(err),
		)
		return
	}

	msg := &sarama.ProducerMessage{
		Topic:     a.topic,
		Key:       sarama.StringEncoder(partitionKey(e)),
		Value:     sarama.ByteEncoder(data),
		Timestamp: e.Timestamp,
	}

	// 缓冲满时丢弃而不是阻塞发布路径
	select {
	case a.producer.Input() <- msg:
	default:
		a.dropped.Add(1)
	}
}

// partitionKey 分区键：同租户事件落同一分区保序，无租户按类型散列
func partitionKey(e *gateway.Event) string {
	if e.TenantID != "" {
		return e.TenantID
	}
	return string(e.Type)
}

// drainSuccesses 消费确认通道
func (a *Archiver) drainSuccesses() {
	defer a.wg.Done()
	for range a.producer.Successes() {
		a.archived.Add(1)
	}
}

// drainErrors 消费错误通道
func (a *Archiver) drainErrors() {
	defer a.wg.Done()
	for perr := range a.producer.Errors() {
		a.failed.Add(1)
		a.log.Warn("event archive failed",
			zap.String("topic", perr.Msg.Topic),
			zap.Error(perr.Err),
		)
	}
}

// Stats 返回计数快照
func (a *Archiver) Stats() Stats {
	return Stats{
		Archived: a.archived.Load(),
		Failed:   a.failed.Load(),
		Dropped:  a.dropped.Load(),
	}
}

// Close 关闭归档器，等待在途消息落盘
func (a *Archiver) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	a.producer.AsyncClose()
	a.wg.Wait()
	return nil
}
