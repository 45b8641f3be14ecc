package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var idCounter atomic.Uint64

// generateID 生成带前缀的唯一 ID：前缀_纳秒时间戳_序号_随机后缀
func generateID(prefix string) string {
	buf := make([]byte, 2)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), idCounter.Add(1))
	}
	return fmt.Sprintf("%s_%d_%d_%s", prefix, time.Now().UnixNano(), idCounter.Add(1), hex.EncodeToString(buf))
}

// generateSessionID 会话 ID
func generateSessionID() string {
	return uuid.NewString()
}

// generateMessageID 消息 ID
func generateMessageID() string {
	return generateID("msg")
}

// generateEventID 事件 ID
func generateEventID() string {
	return generateID("evt")
}

// generateSubscriptionID 订阅 ID
func generateSubscriptionID() string {
	return generateID("sub")
}

// generateInstanceID 实例 ID
func generateInstanceID() string {
	return generateID("node")
}
