// 本文件用于监听告警配置文件的外部修改并触发重新加载
package watcher

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"sensor-gateway/internal/logger"
	"sensor-gateway/internal/models"
)

// DefaultDebounce 文件事件合并窗口
const DefaultDebounce = 500 * time.Millisecond

// Reloader 重新加载告警配置，返回是否发生变化
type Reloader interface {
	ReloadConfig() (models.AlertConfig, bool)
}

// ConfigWatcher 监听配置文件所在目录；原子替换会更换 inode，因此不直接监听文件
type ConfigWatcher struct {
	watcher  *fsnotify.Watcher
	path     string
	reloader Reloader
	debounce time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	started bool
	closed  bool
	done    chan struct{}
	reloads int
}

// NewConfigWatcher 创建配置文件监听器
func NewConfigWatcher(path string, reloader Reloader, debounce time.Duration) (*ConfigWatcher, error) {
	if reloader == nil {
		return nil, fmt.Errorf("配置重载器未初始化")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析配置文件路径失败: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &ConfigWatcher{
		watcher:  w,
		path:     abs,
		reloader: reloader,
		debounce: debounce,
		done:     make(chan struct{}),
	}, nil
}

// Start 开始监听
func (cw *ConfigWatcher) Start() error {
	dir := filepath.Dir(cw.path)
	if err := cw.watcher.Add(dir); err != nil {
		return fmt.Errorf("添加配置目录监控失败: %s: %w", dir, err)
	}
	logger.Info("开始监听告警配置文件: %s", cw.path)
	cw.mu.Lock()
	cw.started = true
	cw.mu.Unlock()
	go cw.handleEvents()
	return nil
}

func (cw *ConfigWatcher) handleEvents() {
	defer close(cw.done)
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			cw.handleEvent(event)
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			logger.Error("配置文件监控错误: %v", err)
		}
	}
}

func (cw *ConfigWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != cw.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}
	logger.Debug("收到配置文件事件: %s, 操作: %s", event.Name, event.Op.String())

	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.closed {
		return
	}
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.timer = time.AfterFunc(cw.debounce, cw.reload)
}

func (cw *ConfigWatcher) reload() {
	cw.mu.Lock()
	if cw.closed {
		cw.mu.Unlock()
		return
	}
	cw.mu.Unlock()

	cfg, changed := cw.reloader.ReloadConfig()
	if !changed {
		logger.Debug("配置文件内容未变化，忽略")
		return
	}
	cw.mu.Lock()
	cw.reloads++
	cw.mu.Unlock()
	logger.Info("告警配置已从文件重新加载: 温度上限=%v 湿度下限=%v 启用=%v", cfg.TempMax, cfg.HumMin, cfg.IsActive)
}

// Reloads 实际生效的重新加载次数
func (cw *ConfigWatcher) Reloads() int {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.reloads
}

// Close 停止监听
func (cw *ConfigWatcher) Close() error {
	cw.mu.Lock()
	if cw.closed {
		cw.mu.Unlock()
		return nil
	}
	cw.closed = true
	if cw.timer != nil {
		cw.timer.Stop()
	}
	started := cw.started
	cw.mu.Unlock()
	err := cw.watcher.Close()
	if started {
		<-cw.done
	}
	return err
}
