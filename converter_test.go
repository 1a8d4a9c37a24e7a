package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeResolver struct {
	calls atomic.Int32
	info  *TrackInfo
	err   error
}

func (f *fakeResolver) Resolve(_ context.Context, rawURL string) (*TrackInfo, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	info := *f.info
	info.URL = rawURL
	return &info, nil
}

// fakeAcquirer writes a small file into dir and reports progress like the
// download engine would. When release is set it blocks until it is closed.
type fakeAcquirer struct {
	dir     string
	title   string
	err     error
	started chan struct{}
	release chan struct{}

	calls    atomic.Int32
	mu       sync.Mutex
	requests []AcquireRequest
	callback ProgressFunc
}

func (f *fakeAcquirer) Acquire(ctx context.Context, req AcquireRequest, onProgress ProgressFunc) (*AcquiredAudio, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.callback = onProgress
	f.mu.Unlock()

	if f.started != nil {
		close(f.started)
	}
	if f.release != nil {
		<-f.release
	}
	onProgress(ProgressEvent{State: StateDownloading, Percent: 50, Status: StatusDownloading})
	onProgress(ProgressEvent{State: StateTranscoding, Percent: 80, Status: StatusConverting})
	if f.err != nil {
		return nil, f.err
	}
	path := filepath.Join(f.dir, f.title+".mp3")
	if err := os.WriteFile(path, []byte("fake mp3 payload"), 0o644); err != nil {
		return nil, err
	}
	onProgress(ProgressEvent{State: StateVerifying, Percent: 90, Status: StatusVerifying})
	return &AcquiredAudio{Path: path, Title: f.title}, nil
}

func (f *fakeAcquirer) lastCallback() ProgressFunc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callback
}

type recordingTagger struct {
	tagged atomic.Int32
}

func (r *recordingTagger) Tag(string, *TrackInfo) error {
	r.tagged.Add(1)
	return errors.New("not an mp3")
}

type testRig struct {
	dir       string
	store     *MemoryProgressStore
	tracker   *ProgressTracker
	reaper    *FileReaper
	resolver  *fakeResolver
	acquirer  *fakeAcquirer
	tagger    *recordingTagger
	converter *Converter
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	logger := zaptest.NewLogger(t)
	rig := &testRig{
		dir:      t.TempDir(),
		store:    NewMemoryProgressStore(),
		resolver: &fakeResolver{info: &TrackInfo{Title: "Never Gonna Give You Up", Artist: "Rick Astley"}},
		tagger:   &recordingTagger{},
	}
	rig.acquirer = &fakeAcquirer{dir: rig.dir, title: "Rick Astley - Never Gonna Give You Up (Official Video)"}
	rig.tracker = NewProgressTracker(rig.store, logger)
	rig.reaper = NewFileReaper(ReaperOptions{Dir: rig.dir, Delay: time.Hour}, logger)
	t.Cleanup(rig.reaper.Stop)
	rig.converter = NewConverter(ConverterOptions{
		Tracker:  rig.tracker,
		Resolver: rig.resolver,
		Acquirer: rig.acquirer,
		Tagger:   rig.tagger,
		Reaper:   rig.reaper,
		Metrics:  NewMetrics(),
		Progress: DefaultProgress(),
	}, logger)
	return rig
}

func TestConvertSpotifyTrack(t *testing.T) {
	rig := newTestRig(t)
	url := "https://open.spotify.com/track/abc123"

	res, err := rig.converter.Convert(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(t, "Never Gonna Give You Up.mp3", res.Filename)
	assert.FileExists(t, res.Path)
	require.NotNil(t, res.Track)
	assert.Equal(t, "Rick Astley", res.Track.Artist)
	assert.False(t, res.Shared)

	assert.Equal(t, []AcquireRequest{{Query: "Never Gonna Give You Up Rick Astley audio"}}, rig.acquirer.requests)
	assert.Equal(t, int32(1), rig.tagger.tagged.Load(), "tagging failures are not fatal")
	assert.Equal(t, 0, rig.store.Len())
	assert.Equal(t, ConverterStats{Completed: 1}, rig.converter.Stats())
}

func TestConvertVideoLinkSkipsResolver(t *testing.T) {
	rig := newTestRig(t)
	url := "https://www.youtube.com/watch?v=dQw4w9WgXcQ"

	res, err := rig.converter.Convert(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(t, "Rick Astley - Never Gonna Give You Up (Official Video).mp3", res.Filename)
	assert.Nil(t, res.Track)
	assert.Zero(t, rig.resolver.calls.Load())
	assert.Zero(t, rig.tagger.tagged.Load())
	assert.Equal(t, []AcquireRequest{{URL: url}}, rig.acquirer.requests)
}

func TestConvertRejectsWithoutTouchingCollaborators(t *testing.T) {
	rig := newTestRig(t)

	for _, raw := range []string{"not-a-url", "https://open.spotify.com/track/bad-id", "https://example.com/a.mp3"} {
		_, err := rig.converter.Convert(context.Background(), raw)
		var convErr *ConversionError
		require.ErrorAs(t, err, &convErr, raw)
		assert.Equal(t, StateIdentifying, convErr.State)
		assert.Equal(t, 400, httpStatusFor(err))
	}
	assert.Zero(t, rig.resolver.calls.Load())
	assert.Zero(t, rig.acquirer.calls.Load())
	assert.Equal(t, int64(3), rig.converter.Stats().Failed)
}

func TestConvertFailuresClearProgress(t *testing.T) {
	t.Run("lookup", func(t *testing.T) {
		rig := newTestRig(t)
		rig.resolver.err = &MetadataLookupError{URL: "u"}
		_, err := rig.converter.Convert(context.Background(), "https://open.spotify.com/track/xyz")

		var convErr *ConversionError
		require.ErrorAs(t, err, &convErr)
		assert.Equal(t, StateResolvingMetadata, convErr.State)
		assert.Nil(t, convErr.Track)
		assert.Zero(t, rig.acquirer.calls.Load())
		assert.Equal(t, 0, rig.store.Len())
	})

	t.Run("no match", func(t *testing.T) {
		rig := newTestRig(t)
		rig.acquirer.err = &NoMatchFoundError{Query: "q"}
		_, err := rig.converter.Convert(context.Background(), "https://open.spotify.com/track/abc123")

		var convErr *ConversionError
		require.ErrorAs(t, err, &convErr)
		require.NotNil(t, convErr.Track)
		assert.Equal(t, "Never Gonna Give You Up", convErr.Track.Title)
		assert.Equal(t, 404, httpStatusFor(err))
		assert.Equal(t, 0, rig.store.Len())
	})
}

func TestLateProgressCallbacksAreDropped(t *testing.T) {
	rig := newTestRig(t)
	url := "https://youtu.be/dQw4w9WgXcQ"

	_, err := rig.converter.Convert(context.Background(), url)
	require.NoError(t, err)

	cb := rig.acquirer.lastCallback()
	require.NotNil(t, cb)
	cb(ProgressEvent{State: StateDownloading, Percent: 70, Status: StatusDownloading})
	assert.Equal(t, 0, rig.store.Len())
	assert.Equal(t, IdleProgress, rig.tracker.Get(context.Background(), url))
}

func TestProgressVisibleWhileConverting(t *testing.T) {
	rig := newTestRig(t)
	rig.acquirer.started = make(chan struct{})
	rig.acquirer.release = make(chan struct{})
	url := "https://open.spotify.com/track/abc123"

	done := make(chan error, 1)
	go func() {
		_, err := rig.converter.Convert(context.Background(), url)
		done <- err
	}()

	<-rig.acquirer.started
	assert.Equal(t, ProgressEntry{Percent: 20, Status: StatusSearching}, rig.tracker.Get(context.Background(), url))
	close(rig.acquirer.release)

	require.NoError(t, <-done)
	assert.Equal(t, IdleProgress, rig.tracker.Get(context.Background(), url))
}

func TestConcurrentSameURLShareAcquisition(t *testing.T) {
	rig := newTestRig(t)
	rig.acquirer.started = make(chan struct{})
	rig.acquirer.release = make(chan struct{})
	url := "https://youtu.be/dQw4w9WgXcQ"

	results := make(chan *ConversionResult, 2)
	for i := 0; i < 2; i++ {
		go func() {
			res, err := rig.converter.Convert(context.Background(), url)
			assert.NoError(t, err)
			results <- res
		}()
	}

	<-rig.acquirer.started
	require.Eventually(t, func() bool { return rig.converter.Stats().Active == 2 }, time.Second, time.Millisecond)
	// Let the second caller reach the shared call.
	time.Sleep(50 * time.Millisecond)
	close(rig.acquirer.release)

	a, b := <-results, <-results
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.Equal(t, a.Path, b.Path)
	assert.True(t, a.Shared || b.Shared)
	assert.Equal(t, int32(1), rig.acquirer.calls.Load())
	assert.Equal(t, 0, rig.store.Len())
}

func TestCallerGivingUpDoesNotStopAcquisition(t *testing.T) {
	rig := newTestRig(t)
	rig.acquirer.started = make(chan struct{})
	rig.acquirer.release = make(chan struct{})
	url := "https://youtu.be/dQw4w9WgXcQ"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := rig.converter.Convert(ctx, url)
		done <- err
	}()

	<-rig.acquirer.started
	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)

	close(rig.acquirer.release)
	// The orphaned file is handed to the reaper once it appears.
	require.Eventually(t, func() bool { return rig.reaper.Pending() == 1 }, time.Second, 5*time.Millisecond)
	assert.FileExists(t, filepath.Join(rig.dir, rig.acquirer.title+".mp3"))
	require.Eventually(t, func() bool { return rig.store.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestOutcomeFor(t *testing.T) {
	assert.Equal(t, "rejected", outcomeFor(&ValidationError{}))
	assert.Equal(t, "lookup_failed", outcomeFor(&MetadataLookupError{}))
	assert.Equal(t, "no_match", outcomeFor(&NoMatchFoundError{}))
	assert.Equal(t, "acquisition_failed", outcomeFor(&FileNotCreatedError{}))
	assert.Equal(t, "canceled", outcomeFor(&ConversionError{Err: context.Canceled}))
	assert.Equal(t, "error", outcomeFor(errors.New("x")))
}
