package main

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeTempFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("ID3"), 0o644))
	return path
}

func TestDeferredRemoval(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "song.mp3")

	var mu sync.Mutex
	var reasons []string
	r := NewFileReaper(ReaperOptions{
		Dir:   dir,
		Delay: 300 * time.Millisecond,
		OnRemove: func(reason string) {
			mu.Lock()
			reasons = append(reasons, reason)
			mu.Unlock()
		},
	}, zaptest.NewLogger(t))
	t.Cleanup(r.Stop)

	start := time.Now()
	r.ScheduleRemoval(path)
	assert.Equal(t, 1, r.Pending())

	time.Sleep(100 * time.Millisecond)
	if time.Since(start) < 300*time.Millisecond {
		assert.FileExists(t, path)
	}

	require.Eventually(t, func() bool { return r.Pending() == 0 }, 3*time.Second, 10*time.Millisecond)
	assert.NoFileExists(t, path)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{RemovalDeferred}, reasons)
}

func TestRemoveFileIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "a.mp3")
	r := NewFileReaper(ReaperOptions{Dir: dir}, zaptest.NewLogger(t))

	assert.True(t, r.RemoveFile(path, RemovalFailed))
	assert.False(t, r.RemoveFile(path, RemovalFailed))
	assert.False(t, r.RemoveFile(filepath.Join(dir, "never-existed.mp3"), RemovalSweep))

	// Deferred removal of an already deleted file is silent too.
	r.ScheduleRemovalAfter(path, time.Millisecond)
	require.Eventually(t, func() bool { return r.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRemovalHandleCancel(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "keep.mp3")
	r := NewFileReaper(ReaperOptions{Dir: dir}, zaptest.NewLogger(t))

	h := r.ScheduleRemovalAfter(path, 50*time.Millisecond)
	assert.True(t, h.Cancel())
	assert.Equal(t, 0, r.Pending())
	time.Sleep(150 * time.Millisecond)
	assert.FileExists(t, path)
	assert.False(t, h.Cancel())
}

func TestSweepRemovesOnlyStaleFiles(t *testing.T) {
	dir := t.TempDir()
	old := writeTempFile(t, dir, "old.mp3")
	young := writeTempFile(t, dir, "young.mp3")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	past := time.Now().Add(-11 * time.Minute)
	require.NoError(t, os.Chtimes(old, past, past))
	recent := time.Now().Add(-9 * time.Minute)
	require.NoError(t, os.Chtimes(young, recent, recent))

	r := NewFileReaper(ReaperOptions{Dir: dir, StaleAfter: 10 * time.Minute}, zaptest.NewLogger(t))
	assert.Equal(t, 1, r.Sweep())
	assert.NoFileExists(t, old)
	assert.FileExists(t, young)
	assert.DirExists(t, filepath.Join(dir, "sub"))

	// Advancing the clock makes the young file stale as well.
	r.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	assert.Equal(t, 1, r.Sweep())
	assert.NoFileExists(t, young)
}

func TestSweepMissingDir(t *testing.T) {
	r := NewFileReaper(ReaperOptions{Dir: filepath.Join(t.TempDir(), "gone")}, zaptest.NewLogger(t))
	assert.Equal(t, 0, r.Sweep())
}

func TestRunSweepsOnStartAndOnTick(t *testing.T) {
	dir := t.TempDir()
	first := writeTempFile(t, dir, "first.mp3")
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(first, past, past))

	r := NewFileReaper(ReaperOptions{Dir: dir, SweepInterval: 50 * time.Millisecond}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(first)
		return os.IsNotExist(err)
	}, time.Second, 10*time.Millisecond)

	second := writeTempFile(t, dir, "second.mp3")
	require.NoError(t, os.Chtimes(second, past, past))
	require.Eventually(t, func() bool {
		_, err := os.Stat(second)
		return os.IsNotExist(err)
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestStopCancelsPending(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "a.mp3")
	r := NewFileReaper(ReaperOptions{Dir: dir}, zaptest.NewLogger(t))

	r.ScheduleRemovalAfter(path, 50*time.Millisecond)
	r.Stop()
	assert.Equal(t, 0, r.Pending())

	h := r.ScheduleRemovalAfter(path, time.Millisecond)
	assert.False(t, h.Cancel())
	time.Sleep(100 * time.Millisecond)
	assert.FileExists(t, path)
}
