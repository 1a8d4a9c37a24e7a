package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Removal reasons, used for logs and metrics.
const (
	RemovalDeferred = "deferred"
	RemovalSweep    = "sweep"
	RemovalFailed   = "failed"
)

// FileReaper owns produced files once they start being served. It deletes
// them after a fixed delay and also sweeps the temp directory for stale
// entries. Both paths may race on the same file; removal is idempotent.
type FileReaper struct {
	dir           string
	delay         time.Duration
	sweepInterval time.Duration
	staleAfter    time.Duration
	logger        *zap.Logger
	now           func() time.Time
	onRemove      func(reason string)

	mu      sync.Mutex
	pending map[*RemovalHandle]struct{}
	stopped bool
}

type ReaperOptions struct {
	Dir           string
	Delay         time.Duration
	SweepInterval time.Duration
	StaleAfter    time.Duration
	// OnRemove is called after a file was actually deleted.
	OnRemove func(reason string)
}

func NewFileReaper(opts ReaperOptions, logger *zap.Logger) *FileReaper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Delay <= 0 {
		opts.Delay = DefaultRemovalDelay
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	return &FileReaper{
		dir:           opts.Dir,
		delay:         opts.Delay,
		sweepInterval: opts.SweepInterval,
		staleAfter:    opts.StaleAfter,
		logger:        logger,
		now:           time.Now,
		onRemove:      opts.OnRemove,
		pending:       make(map[*RemovalHandle]struct{}),
	}
}

// RemovalHandle is a scheduled deletion. Cancel stops it if it has not fired.
type RemovalHandle struct {
	Path  string
	timer *time.Timer
	r     *FileReaper
}

// Cancel reports whether the deletion was stopped before it ran.
func (h *RemovalHandle) Cancel() bool {
	if h == nil || h.timer == nil {
		return false
	}
	stopped := h.timer.Stop()
	h.r.forget(h)
	return stopped
}

// ScheduleRemoval deletes path after the configured delay without blocking
// the caller.
func (r *FileReaper) ScheduleRemoval(path string) *RemovalHandle {
	return r.ScheduleRemovalAfter(path, r.delay)
}

func (r *FileReaper) ScheduleRemovalAfter(path string, delay time.Duration) *RemovalHandle {
	h := &RemovalHandle{Path: path, r: r}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return h
	}
	h.timer = time.AfterFunc(delay, func() {
		r.RemoveFile(path, RemovalDeferred)
		r.forget(h)
	})
	r.pending[h] = struct{}{}
	r.logger.Debug("scheduled removal", zap.String("path", path), zap.Duration("delay", delay))
	return h
}

func (r *FileReaper) forget(h *RemovalHandle) {
	r.mu.Lock()
	delete(r.pending, h)
	r.mu.Unlock()
}

// Pending returns the number of scheduled deletions that have not fired.
func (r *FileReaper) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// RemoveFile deletes path. A missing file counts as success; other errors are
// logged and swallowed. It reports whether this call deleted the file.
func (r *FileReaper) RemoveFile(path, reason string) bool {
	err := os.Remove(path)
	switch {
	case err == nil:
		r.logger.Info("removed temp file", zap.String("path", path), zap.String("reason", reason))
		if r.onRemove != nil {
			r.onRemove(reason)
		}
		return true
	case errors.Is(err, fs.ErrNotExist):
		r.logger.Debug("temp file already gone", zap.String("path", path), zap.String("reason", reason))
	default:
		r.logger.Warn("failed to remove temp file", zap.String("path", path), zap.String("reason", reason), zap.Error(err))
	}
	return false
}

// Sweep deletes every regular file in the temp directory whose modification
// time is older than the stale threshold. It returns the number removed.
func (r *FileReaper) Sweep() int {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		r.logger.Warn("sweep: cannot list temp dir", zap.String("dir", r.dir), zap.Error(err))
		return 0
	}
	cutoff := r.now().Add(-r.staleAfter)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		if info.ModTime().Before(cutoff) {
			if r.RemoveFile(filepath.Join(r.dir, entry.Name()), RemovalSweep) {
				removed++
			}
		}
	}
	if removed > 0 {
		r.logger.Info("sweep finished", zap.Int("removed", removed))
	}
	return removed
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (r *FileReaper) Run(ctx context.Context) {
	r.Sweep()
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Stop cancels pending deletions and refuses new ones. Files already handed
// over stay on disk; the temp dir itself is removed by the caller.
func (r *FileReaper) Stop() {
	r.mu.Lock()
	r.stopped = true
	handles := make([]*RemovalHandle, 0, len(r.pending))
	for h := range r.pending {
		handles = append(handles, h)
	}
	r.pending = make(map[*RemovalHandle]struct{})
	r.mu.Unlock()

	for _, h := range handles {
		h.timer.Stop()
	}
}
