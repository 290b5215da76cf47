package config

import (
	"context"
	"crypto/sha256"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 👀 配置文件监听
// =============================================================================
// 轮询文件的修改时间与内容摘要；编辑器保存时常连写多次，
// 事件经过防抖后才回调。

// FileOp 文件变更类型
type FileOp int

const (
	FileOpCreate FileOp = iota
	FileOpWrite
	FileOpRemove
)

// String returns the op name.
func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// FileEvent 文件变更事件
type FileEvent struct {
	Path      string    `json:"path"`
	Op        FileOp    `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// WatcherOption 监听器选项
type WatcherOption func(*FileWatcher)

// WithPollInterval 设置轮询间隔
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *FileWatcher) { w.pollInterval = d }
}

// WithDebounceDelay 设置防抖时长
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *FileWatcher) { w.debounce = d }
}

// WithWatcherLogger 设置日志
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *FileWatcher) { w.logger = logger }
}

type fileState struct {
	modTime time.Time
	sum     [sha256.Size]byte
}

// FileWatcher 轮询式文件监听器
type FileWatcher struct {
	path         string
	pollInterval time.Duration
	debounce     time.Duration
	logger       *zap.Logger

	mu        sync.Mutex
	callbacks []func(FileEvent)
	last      *fileState
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewFileWatcher 创建监听器；文件可以暂不存在，创建后触发 CREATE
func NewFileWatcher(path string, opts ...WatcherOption) (*FileWatcher, error) {
	if path == "" {
		return nil, errors.New("watch path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w := &FileWatcher{
		path:         abs,
		pollInterval: time.Second,
		debounce:     100 * time.Millisecond,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "config_watcher"))
	return w, nil
}

// Path 返回监听的绝对路径
func (w *FileWatcher) Path() string { return w.path }

// OnChange 注册回调，回调在监听 goroutine 中串行执行
func (w *FileWatcher) OnChange(fn func(FileEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Start 开始轮询，重复调用返回错误
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return errors.New("watcher already running")
	}
	w.last = stat(w.path)
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(runCtx, w.done)

	w.logger.Info("config watcher started",
		zap.String("path", w.path),
		zap.Duration("poll_interval", w.pollInterval))
	return nil
}

// Stop 停止轮询并等待监听 goroutine 退出
func (w *FileWatcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// IsRunning 是否在轮询
func (w *FileWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}

func (w *FileWatcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var pending *FileEvent
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ev, ok := w.check(); ok {
				// 合并到最近一次事件，重置防抖
				pending = &ev
				fire = time.After(w.debounce)
			}
		case <-fire:
			fire = nil
			if pending != nil {
				w.dispatch(*pending)
				pending = nil
			}
		}
	}
}

// check 与上次状态比较；只改 mtime 而内容不变不算变更
func (w *FileWatcher) check() (FileEvent, bool) {
	cur := stat(w.path)
	w.mu.Lock()
	prev := w.last
	w.last = cur
	w.mu.Unlock()

	ev := FileEvent{Path: w.path, Timestamp: time.Now()}
	switch {
	case prev == nil && cur == nil:
		return ev, false
	case prev == nil:
		ev.Op = FileOpCreate
	case cur == nil:
		ev.Op = FileOpRemove
	case cur.sum == prev.sum:
		return ev, false
	default:
		ev.Op = FileOpWrite
	}
	return ev, true
}

func (w *FileWatcher) dispatch(ev FileEvent) {
	w.mu.Lock()
	callbacks := slices.Clone(w.callbacks)
	w.mu.Unlock()

	w.logger.Debug("config file changed", zap.String("op", ev.Op.String()))
	for _, cb := range callbacks {
		cb(ev)
	}
}

func stat(path string) *fileState {
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return &fileState{modTime: info.ModTime(), sum: sha256.Sum256(data)}
}
