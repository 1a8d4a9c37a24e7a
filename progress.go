package main

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// IdleProgress is what Get returns for a key with no entry. A cleared key and
// a never-started key are indistinguishable.
var IdleProgress = ProgressEntry{Percent: 0, Status: StatusStarting}

// ProgressStore is the backend holding progress entries.
type ProgressStore interface {
	Save(ctx context.Context, key string, entry ProgressEntry) error
	Load(ctx context.Context, key string) (ProgressEntry, bool, error)
	Delete(ctx context.Context, key string) error
	Name() string
}

// MemoryProgressStore keeps entries in a mutex-guarded map.
type MemoryProgressStore struct {
	mu      sync.RWMutex
	entries map[string]ProgressEntry
}

func NewMemoryProgressStore() *MemoryProgressStore {
	return &MemoryProgressStore{entries: make(map[string]ProgressEntry)}
}

func (s *MemoryProgressStore) Save(_ context.Context, key string, entry ProgressEntry) error {
	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()
	return nil
}

func (s *MemoryProgressStore) Load(_ context.Context, key string) (ProgressEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	return entry, ok, nil
}

func (s *MemoryProgressStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryProgressStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryProgressStore) Name() string { return "memory" }

// ProgressTracker is the process-wide progress state. Start, Update, Get and
// Clear are its only mutation points. Keys are request URLs, so concurrent
// conversions of the same URL share one entry.
type ProgressTracker struct {
	store  ProgressStore
	logger *zap.Logger
}

func NewProgressTracker(store ProgressStore, logger *zap.Logger) *ProgressTracker {
	if store == nil {
		store = NewMemoryProgressStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressTracker{store: store, logger: logger}
}

// Start sets the entry to {0, "starting"}.
func (t *ProgressTracker) Start(ctx context.Context, key string) {
	t.save(ctx, key, IdleProgress)
}

// Update overwrites the entry. Callers keep percent non-decreasing.
func (t *ProgressTracker) Update(ctx context.Context, key string, percent int, status string) {
	t.save(ctx, key, ProgressEntry{Percent: clampPercent(percent), Status: status})
}

// Get returns the entry for key or IdleProgress when there is none.
func (t *ProgressTracker) Get(ctx context.Context, key string) ProgressEntry {
	entry, ok, err := t.store.Load(ctx, key)
	if err != nil {
		t.logger.Warn("progress load failed", zap.String("key", key), zap.Error(err))
		return IdleProgress
	}
	if !ok {
		return IdleProgress
	}
	return entry
}

// Clear removes the entry. It is called once per conversion attempt, whatever
// the outcome.
func (t *ProgressTracker) Clear(ctx context.Context, key string) {
	if err := t.store.Delete(ctx, key); err != nil {
		t.logger.Warn("progress clear failed", zap.String("key", key), zap.Error(err))
	}
}

func (t *ProgressTracker) Backend() string { return t.store.Name() }

func (t *ProgressTracker) save(ctx context.Context, key string, entry ProgressEntry) {
	if err := t.store.Save(ctx, key, entry); err != nil {
		t.logger.Warn("progress save failed", zap.String("key", key), zap.Error(err))
	}
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
