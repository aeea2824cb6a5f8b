package config

import (
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StartWatch 开始监控配置文件，短时间内的多次写入合并为一次回调
//
// viper 会在事件到达时自行重新读取文件，回调看到的是最新内容。
func (c *Config) StartWatch() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.watching {
		return nil
	}
	if c.viper.ConfigFileUsed() == "" {
		return fmt.Errorf("%w: nothing to watch", ErrConfigNotFound)
	}

	c.viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		c.schedule()
	})
	c.viper.WatchConfig()
	c.watching = true
	return nil
}

// StopWatch 停止触发回调
//
// viper 不提供关闭底层 fsnotify watcher 的方法，这里只让回调失效。
func (c *Config) StopWatch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watching = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// schedule 重置合并窗口
func (c *Config) schedule() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.watching {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounce, c.fire)
}

func (c *Config) fire() {
	c.mu.RLock()
	watching := c.watching
	onChange := c.onChange
	c.mu.RUnlock()

	if !watching || onChange == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.reportError(fmt.Errorf("config change handler panicked: %v", r))
		}
	}()
	onChange(c)
}

// reportError 优先使用 onError 回调，否则输出到 stderr
func (c *Config) reportError(err error) {
	c.mu.RLock()
	onError := c.onError
	c.mu.RUnlock()

	if onError != nil {
		onError(err)
		return
	}
	fmt.Fprintf(os.Stderr, "[config] %v\n", err)
}
