package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// eventRecorder 收集回调事件
type eventRecorder struct {
	mu     sync.Mutex
	events []FileEvent
}

func (r *eventRecorder) record(ev FileEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) ops() []FileOp {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]FileOp, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Op)
	}
	return out
}

func fastWatcher(t *testing.T, path string) (*FileWatcher, *eventRecorder) {
	t.Helper()
	w, err := NewFileWatcher(path,
		WithPollInterval(10*time.Millisecond),
		WithDebounceDelay(20*time.Millisecond),
		WithWatcherLogger(zap.NewNop()))
	require.NoError(t, err)
	rec := &eventRecorder{}
	w.OnChange(rec.record)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	return w, rec
}

// -----------------------------------------------------------------------------

func TestNewFileWatcher(t *testing.T) {
	_, err := NewFileWatcher("")
	assert.Error(t, err)

	w, err := NewFileWatcher("config.yaml")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(w.Path()))
	assert.Equal(t, time.Second, w.pollInterval)
	assert.Equal(t, 100*time.Millisecond, w.debounce)
	assert.False(t, w.IsRunning())
}

func TestFileWatcher_StartStop(t *testing.T) {
	path := writeFile(t, "config.yaml", "a: 1\n")
	w, err := NewFileWatcher(path, WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.IsRunning())
	assert.Error(t, w.Start(context.Background()), "second start must fail")

	w.Stop()
	assert.False(t, w.IsRunning())
	// 重复 Stop 无副作用
	w.Stop()
}

func TestFileWatcher_DetectsWrite(t *testing.T) {
	path := writeFile(t, "config.yaml", "a: 1\n")
	_, rec := fastWatcher(t, path)

	require.NoError(t, os.WriteFile(path, []byte("a: 2\n"), 0o644))

	assert.Eventually(t, func() bool {
		ops := rec.ops()
		return len(ops) == 1 && ops[0] == FileOpWrite
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFileWatcher_IgnoresSameContent(t *testing.T) {
	path := writeFile(t, "config.yaml", "a: 1\n")
	_, rec := fastWatcher(t, path)

	// 内容不变只刷新 mtime
	now := time.Now().Add(time.Minute)
	require.NoError(t, os.WriteFile(path, []byte("a: 1\n"), 0o644))
	require.NoError(t, os.Chtimes(path, now, now))

	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, rec.ops())
}

func TestFileWatcher_CreateAndRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "late.yaml")
	_, rec := fastWatcher(t, path)

	require.NoError(t, os.WriteFile(path, []byte("a: 1\n"), 0o644))
	assert.Eventually(t, func() bool {
		ops := rec.ops()
		return len(ops) == 1 && ops[0] == FileOpCreate
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(path))
	assert.Eventually(t, func() bool {
		ops := rec.ops()
		return len(ops) == 2 && ops[1] == FileOpRemove
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFileWatcher_OnChangeFromCallback(t *testing.T) {
	path := writeFile(t, "config.yaml", "a: 1\n")
	w, rec := fastWatcher(t, path)

	late := &eventRecorder{}
	var once sync.Once
	w.OnChange(func(FileEvent) {
		once.Do(func() { w.OnChange(late.record) })
	})

	require.NoError(t, os.WriteFile(path, []byte("a: 2\n"), 0o644))
	assert.Eventually(t, func() bool { return len(rec.ops()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, late.ops(), "callback registered during dispatch must wait for the next event")

	require.NoError(t, os.WriteFile(path, []byte("a: 3\n"), 0o644))
	assert.Eventually(t, func() bool { return len(late.ops()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestFileWatcher_StopsOnContextCancel(t *testing.T) {
	path := writeFile(t, "config.yaml", "a: 1\n")
	w, err := NewFileWatcher(path, WithPollInterval(10*time.Millisecond), WithDebounceDelay(10*time.Millisecond))
	require.NoError(t, err)
	rec := &eventRecorder{}
	w.OnChange(rec.record)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	cancel()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("a: 2\n"), 0o644))
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.ops())
	w.Stop()
}

func TestFileOp_String(t *testing.T) {
	tests := []struct {
		op   FileOp
		want string
	}{
		{FileOpCreate, "CREATE"},
		{FileOpWrite, "WRITE"},
		{FileOpRemove, "REMOVE"},
		{FileOp(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.op.String())
	}
}
