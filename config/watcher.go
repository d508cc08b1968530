package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher 配置文件监控器，检测到修改后热加载
type ConfigWatcher struct {
	configPath  string
	watcher     *fsnotify.Watcher
	mu          sync.RWMutex
	isWatching  bool
	lastModTime time.Time
	updateChan  chan *Config
	errorChan   chan error
}

// NewConfigWatcher 创建配置监控器
func NewConfigWatcher(configPath string) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监控器失败: %w", err)
	}

	// 监控配置文件所在目录（编辑器通常以重命名方式保存）
	configDir := filepath.Dir(configPath)
	if configDir == "" || configDir == "." {
		configDir, err = os.Getwd()
		if err != nil {
			watcher.Close()
			return nil, fmt.Errorf("获取当前目录失败: %w", err)
		}
		configPath = filepath.Join(configDir, filepath.Base(configPath))
	}

	var lastModTime time.Time
	if info, err := os.Stat(configPath); err == nil {
		lastModTime = info.ModTime()
	}

	cw := &ConfigWatcher{
		configPath:  configPath,
		watcher:     watcher,
		lastModTime: lastModTime,
		updateChan:  make(chan *Config, 1),
		errorChan:   make(chan error, 10),
	}

	if err := watcher.Add(configDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("监控配置目录失败: %w", err)
	}

	return cw, nil
}

// Start 启动监控循环
func (cw *ConfigWatcher) Start(ctx context.Context) {
	cw.mu.Lock()
	if cw.isWatching {
		cw.mu.Unlock()
		return
	}
	cw.isWatching = true
	cw.mu.Unlock()

	go cw.watchLoop(ctx)
}

// watchLoop 事件循环，500ms 防抖后重新加载
func (cw *ConfigWatcher) watchLoop(ctx context.Context) {
	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(cw.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// 防抖：编辑器保存会触发多个事件
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(500*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			cw.tryReload()
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case cw.errorChan <- err:
			default:
			}
		}
	}
}

// tryReload 尝试重新加载配置
func (cw *ConfigWatcher) tryReload() {
	info, err := os.Stat(cw.configPath)
	if err != nil {
		select {
		case cw.errorChan <- fmt.Errorf("读取配置文件信息失败: %w", err):
		default:
		}
		return
	}

	cw.mu.Lock()
	if !info.ModTime().After(cw.lastModTime) {
		cw.mu.Unlock()
		return
	}
	cw.lastModTime = info.ModTime()
	cw.mu.Unlock()

	cfg, err := LoadConfig(cw.configPath)
	if err != nil {
		select {
		case cw.errorChan <- fmt.Errorf("热加载配置失败: %w", err):
		default:
		}
		return
	}

	// 只保留最新的一份配置
	select {
	case cw.updateChan <- cfg:
	default:
		select {
		case <-cw.updateChan:
		default:
		}
		cw.updateChan <- cfg
	}
}

// Updates 返回配置更新通道
func (cw *ConfigWatcher) Updates() <-chan *Config {
	return cw.updateChan
}

// Errors 返回监控错误通道
func (cw *ConfigWatcher) Errors() <-chan error {
	return cw.errorChan
}

// Close 关闭监控器
func (cw *ConfigWatcher) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.isWatching = false
	return cw.watcher.Close()
}
