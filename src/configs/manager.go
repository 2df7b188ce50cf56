package configs

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/jinzhu/copier"

	"github.com/dhso/xiaozhi-mqtt-gateway/src/core/utils"
)

// Manager is the "current snapshot" + "subscribe to change" collaborator
// that replaces a process-global config singleton with an explicit
// constructor input threaded through the gateway.
type Manager struct {
	mu        sync.RWMutex
	path      string
	current   *Config
	logger    *utils.Logger
	watcher   *fsnotify.Watcher
	listeners []func(*Config)
}

// NewManager loads path once and starts watching it for hot reload.
func NewManager(path string, logger *utils.Logger) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	m := &Manager{path: path, current: cfg, logger: logger}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Hot reload is a convenience; a platform that can't watch files
		// still runs with the config it loaded at startup.
		logger.Warn("配置热重载不可用，继续使用启动时的配置: %v", err)
		return m, nil
	}
	if err := watcher.Add(path); err != nil {
		logger.Warn("无法监听配置文件 %s: %v", path, err)
		watcher.Close()
		return m, nil
	}
	m.watcher = watcher
	go m.watchLoop()
	return m, nil
}

func (m *Manager) watchLoop() {
	for event := range m.watcher.Events {
		if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			continue
		}
		cfg, err := Load(m.path)
		if err != nil {
			m.logger.Warn("重新加载配置失败: %v", err)
			continue
		}
		m.set(cfg)
		m.logger.Info("配置已重新加载: debug=%v log_invalid_cookie=%v", cfg.Debug, cfg.LogInvalidCookie)
	}
}

func (m *Manager) set(cfg *Config) {
	m.mu.Lock()
	m.current = cfg
	listeners := append([]func(*Config){}, m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(m.snapshot())
	}
}

// Current returns a defensive copy of the active configuration, so a
// caller holding a reference never observes a later reload mutate it.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot()
}

func (m *Manager) snapshot() *Config {
	clone := &Config{}
	if err := copier.Copy(clone, m.current); err != nil {
		// copier only fails on type mismatches we control; fall back to the
		// live pointer rather than returning a half-populated struct.
		return m.current
	}
	return clone
}

// Subscribe registers fn to be called with the new snapshot on every
// successful reload.
func (m *Manager) Subscribe(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
