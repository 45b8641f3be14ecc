package ratelimit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// TestAllowUnderLimit 测试窗口内允许事件
func TestAllowUnderLimit(t *testing.T) {
	l := New(Config{MaxEvents: 3, Window: time.Second})
	defer l.Stop()

	assert.True(t, l.Allow("ip-1"))
	assert.True(t, l.Allow("ip-1"))
	assert.True(t, l.Allow("ip-1"))
}

// TestDenyOverLimit 测试超出窗口上限被拒绝
func TestDenyOverLimit(t *testing.T) {
	l := New(Config{MaxEvents: 2, Window: time.Second})
	defer l.Stop()

	require.True(t, l.Allow("ip-1"))
	require.True(t, l.Allow("ip-1"))
	assert.False(t, l.Allow("ip-1"))
	assert.Equal(t, int64(1), l.Denied())
}

// TestKeysIndependent 测试不同 key 互不影响
func TestKeysIndependent(t *testing.T) {
	l := New(Config{MaxEvents: 1, Window: time.Second})
	defer l.Stop()

	require.True(t, l.Allow("ip-1"))
	assert.False(t, l.Allow("ip-1"))
	assert.True(t, l.Allow("ip-2"))
}

// TestWindowSlides 测试窗口滑动后恢复配额
func TestWindowSlides(t *testing.T) {
	l := New(Config{MaxEvents: 1, Window: 50 * time.Millisecond})
	defer l.Stop()

	require.True(t, l.Allow("ip-1"))
	require.False(t, l.Allow("ip-1"))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, l.Allow("ip-1"))
}

// TestRemaining 测试剩余配额计算
func TestRemaining(t *testing.T) {
	l := New(Config{MaxEvents: 3, Window: time.Second})
	defer l.Stop()

	assert.Equal(t, 3, l.Remaining("ip-1"))
	l.Allow("ip-1")
	assert.Equal(t, 2, l.Remaining("ip-1"))
	l.Allow("ip-1")
	l.Allow("ip-1")
	assert.Equal(t, 0, l.Remaining("ip-1"))
}

// TestRetryAfter 测试等待时长计算
func TestRetryAfter(t *testing.T) {
	l := New(Config{MaxEvents: 1, Window: 200 * time.Millisecond})
	defer l.Stop()

	assert.Zero(t, l.RetryAfter("ip-1"))

	require.True(t, l.Allow("ip-1"))
	require.False(t, l.Allow("ip-1"))

	wait := l.RetryAfter("ip-1")
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, 200*time.Millisecond)
}

// TestReset 测试移除窗口
func TestReset(t *testing.T) {
	l := New(Config{MaxEvents: 1, Window: time.Minute})
	defer l.Stop()

	require.True(t, l.Allow("sess-1"))
	require.False(t, l.Allow("sess-1"))

	l.Reset("sess-1")
	assert.True(t, l.Allow("sess-1"))
}

// TestCleanup 测试空闲窗口清理
func TestCleanup(t *testing.T) {
	l := New(Config{
		MaxEvents:       1,
		Window:          10 * time.Millisecond,
		CleanupInterval: 20 * time.Millisecond,
		IdleExpiry:      30 * time.Millisecond,
	})
	defer l.Stop()

	l.Allow("ip-1")
	l.Allow("ip-2")
	require.Equal(t, 2, l.Len())

	assert.Eventually(t, func() bool {
		return l.Len() == 0
	}, time.Second, 10*time.Millisecond)
}

// TestStopIdempotent 测试重复 Stop 安全
func TestStopIdempotent(t *testing.T) {
	l := New(Config{})
	l.Stop()
	l.Stop()
}

// TestConcurrentAllow 测试并发访问
func TestConcurrentAllow(t *testing.T) {
	l := New(Config{MaxEvents: 100, Window: time.Minute})
	defer l.Stop()

	var wg sync.WaitGroup
	var allowed atomic.Int64
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("ip-%d", n%2)
			for j := 0; j < 100; j++ {
				if l.Allow(key) {
					allowed.Add(1)
				}
			}
		}(i)
	}
	wg.Wait()

	// 2 个 key，各允许 100 次
	assert.Equal(t, int64(200), allowed.Load())
}
