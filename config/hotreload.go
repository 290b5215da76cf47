package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 🔥 配置热重载
// =============================================================================
// 只有注册为可热更新的字段会在运行中生效（日志级别、路由权重、限流），
// 其余变更写入当前配置并标记 requires_restart。回调失败时自动回滚。

// ConfigChange 单个字段的变更
type ConfigChange struct {
	Version         int       `json:"version"`
	Timestamp       time.Time `json:"timestamp"`
	Source          string    `json:"source"`
	Path            string    `json:"path"`
	OldValue        any       `json:"old_value,omitempty"`
	NewValue        any       `json:"new_value,omitempty"`
	RequiresRestart bool      `json:"requires_restart"`
}

// ConfigSnapshot 历史版本
type ConfigSnapshot struct {
	Config    *Config   `json:"-"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Version   int       `json:"version"`
	Checksum  string    `json:"checksum"`
}

// ReloadCallback 新配置生效后调用，返回错误触发回滚
type ReloadCallback func(oldConfig, newConfig *Config) error

// HotReloadableField 可在运行中修改的字段
type HotReloadableField struct {
	Path        string `json:"path"`
	Description string `json:"description"`
}

var hotReloadableFields = map[string]HotReloadableField{
	"Log.Level": {Path: "Log.Level", Description: "日志级别"},

	"Router.Weights.Domain":      {Path: "Router.Weights.Domain", Description: "领域相关度权重"},
	"Router.Weights.Load":        {Path: "Router.Weights.Load", Description: "负载权重"},
	"Router.Weights.Reliability": {Path: "Router.Weights.Reliability", Description: "可靠性权重"},
	"Router.Weights.Latency":     {Path: "Router.Weights.Latency", Description: "延迟权重"},
	"Router.Weights.Context":     {Path: "Router.Weights.Context", Description: "上下文匹配权重"},

	"Server.RateLimitRPS":   {Path: "Server.RateLimitRPS", Description: "每 IP 限流速率"},
	"Server.RateLimitBurst": {Path: "Server.RateLimitBurst", Description: "每 IP 限流突发"},
}

// 需重启才生效，但日志与变更记录中要脱敏
var sensitiveFields = map[string]bool{
	"Server.JWTSecret":  true,
	"Redis.Password":    true,
	"Database.Password": true,
}

// GetHotReloadableFields 返回可热更新字段
func GetHotReloadableFields() map[string]HotReloadableField {
	out := make(map[string]HotReloadableField, len(hotReloadableFields))
	for k, v := range hotReloadableFields {
		out[k] = v
	}
	return out
}

// IsHotReloadable 字段是否无需重启即可生效
func IsHotReloadable(path string) bool {
	_, ok := hotReloadableFields[path]
	return ok
}

// HotReloadOption 热重载选项
type HotReloadOption func(*HotReloadManager)

// WithHotReloadLogger 设置日志
func WithHotReloadLogger(logger *zap.Logger) HotReloadOption {
	return func(m *HotReloadManager) { m.logger = logger }
}

// WithMaxHistorySize 历史版本数，默认 10
func WithMaxHistorySize(n int) HotReloadOption {
	return func(m *HotReloadManager) {
		if n > 0 {
			m.maxHistory = n
		}
	}
}

// WithWatcherOptions 传给文件监听器的选项
func WithWatcherOptions(opts ...WatcherOption) HotReloadOption {
	return func(m *HotReloadManager) { m.watcherOpts = append(m.watcherOpts, opts...) }
}

// HotReloadManager 管理配置版本与热更新
type HotReloadManager struct {
	loader      *Loader
	logger      *zap.Logger
	maxHistory  int
	watcherOpts []WatcherOption

	mu        sync.RWMutex
	config    *Config
	history   []ConfigSnapshot
	changeLog []ConfigChange
	callbacks []ReloadCallback
	watcher   *FileWatcher
}

// NewHotReloadManager 以当前配置为版本 1；loader 为 nil 时只能通过 ApplyConfig 更新
func NewHotReloadManager(cfg *Config, loader *Loader, opts ...HotReloadOption) *HotReloadManager {
	m := &HotReloadManager{
		loader:     loader,
		logger:     zap.NewNop(),
		maxHistory: 10,
		config:     cfg,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "config_reload"))
	m.pushHistory(cfg, "init")
	return m
}

// Start 监听配置文件，变更后自动重载
func (m *HotReloadManager) Start(ctx context.Context) error {
	if m.loader == nil || m.loader.configPath == "" {
		return errors.New("hot reload needs a config file")
	}
	w, err := NewFileWatcher(m.loader.configPath,
		append([]WatcherOption{WithWatcherLogger(m.logger)}, m.watcherOpts...)...)
	if err != nil {
		return err
	}
	w.OnChange(func(ev FileEvent) {
		if ev.Op == FileOpRemove {
			m.logger.Warn("config file removed, keeping current config", zap.String("path", ev.Path))
			return
		}
		if err := m.ReloadFromFile(); err != nil {
			m.logger.Error("config reload failed", zap.Error(err))
		}
	})
	if err := w.Start(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.watcher = w
	m.mu.Unlock()
	return nil
}

// Stop 停止文件监听
func (m *HotReloadManager) Stop() {
	m.mu.Lock()
	w := m.watcher
	m.watcher = nil
	m.mu.Unlock()
	if w != nil {
		w.Stop()
	}
}

// OnReload 注册回调
func (m *HotReloadManager) OnReload(cb ReloadCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// GetConfig 返回当前配置
func (m *HotReloadManager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// ReloadFromFile 重新加载配置文件；加载或校验失败时保留当前配置
func (m *HotReloadManager) ReloadFromFile() error {
	if m.loader == nil {
		return errors.New("no loader configured")
	}
	next, err := m.loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	return m.ApplyConfig(next, "file")
}

// ApplyConfig 校验并应用新配置
func (m *HotReloadManager) ApplyConfig(next *Config, source string) error {
	if err := next.Validate(); err != nil {
		m.logger.Warn("rejected invalid config", zap.String("source", source), zap.Error(err))
		return err
	}

	m.mu.Lock()
	prev := m.config
	changes := detectChanges(prev, next, source)
	if len(changes) == 0 {
		m.mu.Unlock()
		return nil
	}
	m.config = next
	version := m.pushHistory(next, source)
	for i := range changes {
		changes[i].Version = version
	}
	m.appendChanges(changes)
	callbacks := append([]ReloadCallback(nil), m.callbacks...)
	m.mu.Unlock()

	restart := false
	for _, c := range changes {
		m.logChange(c)
		restart = restart || c.RequiresRestart
	}

	if err := notify(callbacks, prev, next); err != nil {
		m.logger.Error("reload callback failed, rolling back", zap.String("source", source), zap.Error(err))
		m.restore(callbacks, next, prev)
		return fmt.Errorf("config applied but callback failed: %w", err)
	}

	if restart {
		m.logger.Warn("some configuration changes require restart to take effect")
	}
	m.logger.Info("configuration reloaded",
		zap.String("source", source),
		zap.Int("changes", len(changes)),
		zap.Bool("requires_restart", restart))
	return nil
}

// Rollback 回到上一个版本
func (m *HotReloadManager) Rollback() error {
	m.mu.RLock()
	if len(m.history) < 2 {
		m.mu.RUnlock()
		return errors.New("no previous config available for rollback")
	}
	target := m.history[len(m.history)-2]
	m.mu.RUnlock()
	return m.RollbackToVersion(target.Version)
}

// RollbackToVersion 回到历史中的指定版本
func (m *HotReloadManager) RollbackToVersion(version int) error {
	m.mu.RLock()
	var target *Config
	for _, s := range m.history {
		if s.Version == version {
			target = deepCopyConfig(s.Config)
		}
	}
	m.mu.RUnlock()
	if target == nil {
		return fmt.Errorf("config version %d not found", version)
	}
	return m.ApplyConfig(target, fmt.Sprintf("rollback:%d", version))
}

// restore 回调失败后恢复旧配置；恢复时的回调错误只记录
func (m *HotReloadManager) restore(callbacks []ReloadCallback, failed, prev *Config) {
	m.mu.Lock()
	if m.config != failed {
		m.mu.Unlock()
		m.logger.Warn("config changed concurrently, skip rollback")
		return
	}
	m.config = prev
	m.pushHistory(prev, "auto-rollback")
	m.mu.Unlock()

	if err := notify(callbacks, failed, prev); err != nil {
		m.logger.Error("callback failed during rollback", zap.Error(err))
	}
}

// notify 依次调用回调，panic 视为失败
func notify(callbacks []ReloadCallback, prev, next *Config) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	var errs []error
	for _, cb := range callbacks {
		if cbErr := cb(prev, next); cbErr != nil {
			errs = append(errs, cbErr)
		}
	}
	return errors.Join(errs...)
}

// GetConfigHistory 返回历史版本（旧到新）
func (m *HotReloadManager) GetConfigHistory() []ConfigSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ConfigSnapshot(nil), m.history...)
}

// GetCurrentVersion 当前版本号
func (m *HotReloadManager) GetCurrentVersion() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.history[len(m.history)-1].Version
}

// GetChangeLog 返回最近 limit 条变更，limit <= 0 返回全部
func (m *HotReloadManager) GetChangeLog(limit int) []ConfigChange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.changeLog
	if limit > 0 && len(log) > limit {
		log = log[len(log)-limit:]
	}
	return append([]ConfigChange(nil), log...)
}

// SanitizedConfig 返回脱敏后的配置视图
func (m *HotReloadManager) SanitizedConfig() map[string]any {
	m.mu.RLock()
	data, err := json.Marshal(m.config)
	m.mu.RUnlock()
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	redactSensitiveFields(out)
	return out
}

// =============================================================================
// 内部
// =============================================================================

func (m *HotReloadManager) pushHistory(cfg *Config, source string) int {
	version := 1
	if n := len(m.history); n > 0 {
		version = m.history[n-1].Version + 1
	}
	m.history = append(m.history, ConfigSnapshot{
		Config:    deepCopyConfig(cfg),
		Timestamp: time.Now(),
		Source:    source,
		Version:   version,
		Checksum:  checksum(cfg),
	})
	if len(m.history) > m.maxHistory {
		m.history = m.history[len(m.history)-m.maxHistory:]
	}
	return version
}

func (m *HotReloadManager) appendChanges(changes []ConfigChange) {
	m.changeLog = append(m.changeLog, changes...)
	if len(m.changeLog) > 1000 {
		m.changeLog = m.changeLog[len(m.changeLog)-1000:]
	}
}

func (m *HotReloadManager) logChange(c ConfigChange) {
	m.logger.Info("configuration changed",
		zap.String("path", c.Path),
		zap.String("source", c.Source),
		zap.Bool("requires_restart", c.RequiresRestart),
		zap.Any("old_value", c.OldValue),
		zap.Any("new_value", c.NewValue))
}

// detectChanges 逐字段比较两份配置
func detectChanges(prev, next *Config, source string) []ConfigChange {
	var changes []ConfigChange
	now := time.Now()
	compareStructs("", reflect.ValueOf(prev).Elem(), reflect.ValueOf(next).Elem(), func(path string, o, n any) {
		c := ConfigChange{
			Timestamp:       now,
			Source:          source,
			Path:            path,
			OldValue:        o,
			NewValue:        n,
			RequiresRestart: !IsHotReloadable(path),
		}
		if sensitiveFields[path] {
			c.OldValue, c.NewValue = "[REDACTED]", "[REDACTED]"
		}
		changes = append(changes, c)
	})
	return changes
}

func compareStructs(prefix string, o, n reflect.Value, emit func(path string, o, n any)) {
	t := o.Type()
	for i := 0; i < o.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		path := f.Name
		if prefix != "" {
			path = prefix + "." + f.Name
		}
		of, nf := o.Field(i), n.Field(i)
		if of.Kind() == reflect.Struct {
			compareStructs(path, of, nf, emit)
			continue
		}
		if !reflect.DeepEqual(of.Interface(), nf.Interface()) {
			emit(path, of.Interface(), nf.Interface())
		}
	}
}

func deepCopyConfig(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var out Config
	if err := json.Unmarshal(data, &out); err != nil {
		return cfg
	}
	return &out
}

func checksum(cfg *Config) string {
	data, err := json.Marshal(cfg)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// redactSensitiveFields 递归替换名称含敏感词的非空字符串
func redactSensitiveFields(data map[string]any) {
	for key, value := range data {
		lower := strings.ToLower(key)
		if strings.Contains(lower, "password") || strings.Contains(lower, "secret") || strings.Contains(lower, "token") {
			if s, ok := value.(string); ok && s != "" {
				data[key] = "[REDACTED]"
			}
			continue
		}
		if nested, ok := value.(map[string]any); ok {
			redactSensitiveFields(nested)
		}
	}
}
