package cluster

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// dedup 信封去重过滤器
// 总线是至少一次投递，重复信封按 MessageID 压制。
// 两代布隆过滤器轮换，记忆窗口约为 2 倍容量，误判率受 fpRate 约束。
type dedup struct {
	mu       sync.Mutex
	active   *bloom.BloomFilter
	previous *bloom.BloomFilter
	capacity uint
	fpRate   float64
	inserts  uint
}

func newDedup(capacity uint, fpRate float64) *dedup {
	return &dedup{
		active:   bloom.NewWithEstimates(capacity, fpRate),
		capacity: capacity,
		fpRate:   fpRate,
	}
}

// Seen 报告 id 是否出现过，未出现过时记录
func (d *dedup) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.previous != nil && d.previous.TestString(id) {
		return true
	}
	if d.active.TestAndAddString(id) {
		return true
	}

	d.inserts++
	if d.inserts >= d.capacity {
		d.previous = d.active
		d.active = bloom.NewWithEstimates(d.capacity, d.fpRate)
		d.inserts = 0
	}
	return false
}
