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
)

type eventLog struct {
	mu     sync.Mutex
	events []FileEvent
}

func (l *eventLog) add(ev FileEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) ops() []FileOp {
	l.mu.Lock()
	defer l.mu.Unlock()
	ops := make([]FileOp, len(l.events))
	for i, ev := range l.events {
		ops[i] = ev.Op
	}
	return ops
}

func TestFileOp_String(t *testing.T) {
	assert.Equal(t, "CREATE", FileOpCreate.String())
	assert.Equal(t, "WRITE", FileOpWrite.String())
	assert.Equal(t, "REMOVE", FileOpRemove.String())
	assert.Equal(t, "UNKNOWN", FileOp(42).String())
}

func TestNewFileWatcher(t *testing.T) {
	_, err := NewFileWatcher("")
	assert.Error(t, err)

	w, err := NewFileWatcher(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err, "missing file is watched for creation")
	assert.True(t, filepath.IsAbs(w.Path()))
	assert.False(t, w.IsRunning())
}

func TestFileWatcher_PollingLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	w, err := NewFileWatcher(path, WithPollInterval(10*time.Millisecond), WithDebounceDelay(5*time.Millisecond))
	require.NoError(t, err)

	log := &eventLog{}
	w.OnChange(log.add)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	assert.Error(t, w.Start(ctx), "double start")
	assert.True(t, w.IsRunning())

	require.NoError(t, os.WriteFile(path, []byte("a: 1"), 0644))
	assert.Eventually(t, func() bool { return len(log.ops()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, FileOpCreate, log.ops()[0])

	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))
	assert.Eventually(t, func() bool { return len(log.ops()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, FileOpWrite, log.ops()[1])

	require.NoError(t, os.Remove(path))
	assert.Eventually(t, func() bool { return len(log.ops()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, FileOpRemove, log.ops()[2])

	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())
	assert.NoError(t, w.Stop(), "stop is idempotent")
}

func TestFileWatcher_Debounces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a: 0"), 0644))

	w, err := NewFileWatcher(path, WithPollInterval(5*time.Millisecond), WithDebounceDelay(300*time.Millisecond))
	require.NoError(t, err)
	log := &eventLog{}
	w.OnChange(log.add)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	base := time.Now()
	for i := 1; i <= 3; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(path, ts, ts))
		time.Sleep(20 * time.Millisecond)
	}

	assert.Eventually(t, func() bool { return len(log.ops()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(400 * time.Millisecond)
	assert.Len(t, log.ops(), 1, "burst collapses into one event")
}
