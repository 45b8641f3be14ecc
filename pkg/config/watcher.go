package config

import (
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
)

// startWatch 开始监控配置文件变更
// 调用方必须已持有 mu 锁。
func (c *Config) startWatch() {
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		c.mu.RLock()
		watching := c.watching
		onChange := c.onChange
		c.mu.RUnlock()

		// 已停止监控，忽略事件
		if !watching {
			return
		}

		// 配置文件被删除（容器环境下常见于挂载卷重建）
		if e.Op&fsnotify.Remove != 0 {
			c.reportError(fmt.Errorf("%w: %s removed", ErrConfigReadFailed, e.Name))
			return
		}

		// viper 在触发回调前已重新读取文件，这里只需通知集成方
		if onChange != nil {
			onChange()
		}
	})
	c.viper.WatchConfig()
	c.watching = true
}

// StartWatch 开始监控配置文件变更
// 如果已经在监控中，则不重复启动。
func (c *Config) StartWatch() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.watching {
		return nil
	}

	c.startWatch()
	return nil
}

// StopWatch 停止监控配置文件
// 注意：viper 未提供停止底层 fsnotify watcher 的方法，
// 此方法仅标记状态使回调不再生效，底层 watcher 在 Config 生命周期内持续运行
func (c *Config) StopWatch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watching = false
}

// reportError 报告错误，优先使用 onError 回调，否则输出到 stderr
func (c *Config) reportError(err error) {
	c.mu.RLock()
	onError := c.onError
	c.mu.RUnlock()

	if onError != nil {
		onError(err)
	} else {
		fmt.Fprintf(os.Stderr, "[config] %v\n", err)
	}
}
