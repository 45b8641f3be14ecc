package archive

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/tokmz/chao/pkg/logger"
)

// Config 事件归档配置
type Config struct {
	// Brokers Kafka broker 地址列表
	Brokers []string

	// Topic 归档写入的主题
	Topic string

	// ClientID Kafka 客户端标识
	ClientID string

	// Compression 压缩算法: none, gzip, snappy, lz4, zstd
	Compression string

	// RequiredAcks 确认级别: none, local, all
	RequiredAcks string

	// FlushFrequency 批量刷新间隔
	FlushFrequency time.Duration

	// FlushMessages 达到该条数立即刷新
	FlushMessages int

	// MaxRetries 单条消息的发送重试次数
	MaxRetries int

	// DialTimeout 建连超时
	DialTimeout time.Duration

	// Logger 日志，缺省为空实现
	Logger logger.Logger
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Brokers:        []string{"localhost:9092"},
		Topic:          "chao.events",
		ClientID:       "chao-archiver",
		Compression:    "snappy",
		RequiredAcks:   "local",
		FlushFrequency: 500 * time.Millisecond,
		FlushMessages:  100,
		MaxRetries:     3,
		DialTimeout:    10 * time.Second,
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("archive: at least one broker is required")
	}
	if c.Topic == "" {
		return fmt.Errorf("archive: topic is required")
	}
	if _, err := c.compression(); err != nil {
		return err
	}
	if _, err := c.requiredAcks(); err != nil {
		return err
	}
	return nil
}

// compression 解析压缩算法
func (c *Config) compression() (sarama.CompressionCodec, error) {
	switch c.Compression {
	case "", "none":
		return sarama.CompressionNone, nil
	case "gzip":
		return sarama.CompressionGZIP, nil
	case "snappy":
		return sarama.CompressionSnappy, nil
	case "lz4":
		return sarama.CompressionLZ4, nil
	case "zstd":
		return sarama.CompressionZSTD, nil
	default:
		return 0, fmt.Errorf("archive: unsupported compression: %s", c.Compression)
	}
}

// requiredAcks 解析确认级别
func (c *Config) requiredAcks() (sarama.RequiredAcks, error) {
	switch c.RequiredAcks {
	case "none":
		return sarama.NoResponse, nil
	case "", "local":
		return sarama.WaitForLocal, nil
	case "all":
		return sarama.WaitForAll, nil
	default:
		return 0, fmt.Errorf("archive: unsupported acks: %s", c.RequiredAcks)
	}
}

// saramaConfig 构造 sarama 生产者配置
func (c *Config) saramaConfig() (*sarama.Config, error) {
	compression, err := c.compression()
	if err != nil {
		return nil, err
	}
	acks, err := c.requiredAcks()
	if err != nil {
		return nil, err
	}

	sc := sarama.NewConfig()
	if c.ClientID != "" {
		sc.ClientID = c.ClientID
	}
	sc.Net.DialTimeout = c.DialTimeout
	sc.Producer.Compression = compression
	sc.Producer.RequiredAcks = acks
	sc.Producer.Flush.Frequency = c.FlushFrequency
	sc.Producer.Flush.Messages = c.FlushMessages
	sc.Producer.Retry.Max = c.MaxRetries
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	return sc, nil
}
