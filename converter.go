package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ConversionResult is a finished MP3 ready to be streamed.
type ConversionResult struct {
	Path     string
	Filename string
	Track    *TrackInfo
	// Shared is set when another in-flight request for the same URL did the work.
	Shared bool
}

// ConversionError is a failed conversion together with what was known when it
// failed. It unwraps to the domain error.
type ConversionError struct {
	URL      string
	Platform Platform
	State    ConversionState
	Track    *TrackInfo
	Err      error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert %q failed in %s: %v", e.URL, e.State, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// ConverterStats are the counters reported by /health.
type ConverterStats struct {
	Active    int64
	Completed int64
	Failed    int64
}

// Converter runs the IDENTIFYING -> ... -> VERIFYING part of a /convert
// request. Serving and deferred cleanup belong to the HTTP layer.
type Converter struct {
	tracker        *ProgressTracker
	resolver       MetadataResolver
	acquirer       AudioAcquirer
	tagger         Tagger
	reaper         *FileReaper
	metrics        *Metrics
	progress       ProgressConfig
	acquireTimeout time.Duration
	logger         *zap.Logger

	group singleflight.Group

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

type ConverterOptions struct {
	Tracker        *ProgressTracker
	Resolver       MetadataResolver
	Acquirer       AudioAcquirer
	Tagger         Tagger
	Reaper         *FileReaper
	Metrics        *Metrics
	Progress       ProgressConfig
	AcquireTimeout time.Duration
}

func NewConverter(opts ConverterOptions, logger *zap.Logger) *Converter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Tracker == nil {
		opts.Tracker = NewProgressTracker(nil, logger)
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = DefaultAcquireTimeout
	}
	return &Converter{
		tracker:        opts.Tracker,
		resolver:       opts.Resolver,
		acquirer:       opts.Acquirer,
		tagger:         opts.Tagger,
		reaper:         opts.Reaper,
		metrics:        opts.Metrics,
		progress:       opts.Progress,
		acquireTimeout: opts.AcquireTimeout,
		logger:         logger,
	}
}

// Convert classifies rawURL and produces an MP3 for it. Malformed and
// unsupported URLs fail before any progress entry exists or any network call
// is made. Once work has started the progress entry for rawURL is cleared on
// every exit path.
//
// The acquisition is detached from ctx: a client going away does not stop it.
// Concurrent calls for the same URL share one acquisition.
func (c *Converter) Convert(ctx context.Context, rawURL string) (*ConversionResult, error) {
	start := time.Now()
	c.active.Add(1)
	c.metrics.conversionStarted()
	defer c.active.Add(-1)

	req, err := ClassifyRequest(rawURL)
	if err != nil {
		c.logger.Info("request rejected", zap.String("url", rawURL), zap.Error(err))
		return nil, c.fail(start, &ConversionError{URL: rawURL, Platform: IdentifyPlatform(rawURL), State: StateIdentifying, Err: err})
	}
	defer c.tracker.Clear(context.WithoutCancel(ctx), rawURL)

	workCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(rawURL, func() (any, error) {
		return c.run(workCtx, req)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, c.fail(start, res.Err)
		}
		out := *res.Val.(*ConversionResult)
		out.Shared = res.Shared
		c.completed.Add(1)
		c.metrics.conversionFinished("success", req.Platform, time.Since(start))
		c.logger.Info("conversion ready",
			zap.String("url", rawURL),
			zap.String("state", string(StateServing)),
			zap.String("path", out.Path),
			zap.Bool("shared", out.Shared),
			zap.Duration("took", time.Since(start)))
		return &out, nil
	case <-ctx.Done():
		// Nobody will serve the file this caller was waiting for.
		go c.abandon(ch)
		return nil, c.fail(start, &ConversionError{URL: rawURL, Platform: req.Platform, State: StateFailed, Err: ctx.Err()})
	}
}

// Stats returns the conversion counters.
func (c *Converter) Stats() ConverterStats {
	return ConverterStats{
		Active:    c.active.Load(),
		Completed: c.completed.Load(),
		Failed:    c.failed.Load(),
	}
}

func (c *Converter) fail(start time.Time, err error) error {
	c.failed.Add(1)
	platform := PlatformGeneric
	var convErr *ConversionError
	if errors.As(err, &convErr) {
		platform = convErr.Platform
	}
	c.metrics.conversionFinished(outcomeFor(err), platform, time.Since(start))
	return err
}

func (c *Converter) abandon(ch <-chan singleflight.Result) {
	res := <-ch
	if res.Err != nil || c.reaper == nil {
		return
	}
	c.reaper.ScheduleRemoval(res.Val.(*ConversionResult).Path)
}

// run is executed once per URL at a time.
func (c *Converter) run(parent context.Context, req ConversionRequest) (*ConversionResult, error) {
	ctx, cancel := context.WithTimeout(parent, c.acquireTimeout)
	defer cancel()

	// Waiting callers clear too, but they may have given up already.
	defer c.tracker.Clear(parent, req.URL)
	sm := &stateMachine{c: c, key: req.URL, state: StateIdentifying}
	defer sm.close()
	c.tracker.Start(ctx, req.URL)

	var (
		track *TrackInfo
		areq  AcquireRequest
	)
	switch req.Platform {
	case PlatformMusicMetadata:
		sm.enter(ctx, StateResolvingMetadata, c.progress.Resolving, StatusResolving)
		info, err := c.resolver.Resolve(ctx, req.URL)
		if err != nil {
			return nil, sm.failure(req, nil, err)
		}
		track = info
		areq = AcquireRequest{Query: info.SearchPhrase()}
	default:
		areq = AcquireRequest{URL: req.URL}
	}

	sm.enter(ctx, StateSearching, c.progress.Searching, StatusSearching)
	audio, err := c.acquirer.Acquire(ctx, areq, func(ev ProgressEvent) {
		sm.enter(ctx, ev.State, ev.Percent, ev.Status)
	})
	if err != nil {
		return nil, sm.failure(req, track, err)
	}

	if track != nil && c.tagger != nil {
		if err := c.tagger.Tag(audio.Path, track); err != nil {
			c.logger.Warn("id3 tagging failed", zap.String("path", audio.Path), zap.Error(err))
		}
	}

	sm.enter(ctx, StateServing, c.progress.Complete, StatusCompleted)
	title := audio.Title
	if track != nil {
		title = track.Title
	}
	return &ConversionResult{
		Path:     audio.Path,
		Filename: sanitizeFilename(title) + "." + DefaultAudioFormat,
		Track:    track,
	}, nil
}

// stateMachine records transitions for one conversion. Once closed, late
// progress callbacks from the download engine are dropped so they cannot
// recreate a cleared entry.
type stateMachine struct {
	c   *Converter
	key string

	mu     sync.Mutex
	state  ConversionState
	closed bool
}

func (m *stateMachine) enter(ctx context.Context, state ConversionState, percent int, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if state != m.state {
		m.c.logger.Debug("state change",
			zap.String("url", m.key),
			zap.String("from", string(m.state)),
			zap.String("to", string(state)))
		m.state = state
	}
	m.c.tracker.Update(ctx, m.key, percent, status)
}

func (m *stateMachine) failure(req ConversionRequest, track *TrackInfo, err error) error {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()
	m.c.logger.Warn("conversion failed",
		zap.String("url", req.URL),
		zap.String("state", string(state)),
		zap.Error(err))
	return &ConversionError{URL: req.URL, Platform: req.Platform, State: state, Track: track, Err: err}
}

func (m *stateMachine) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// outcomeFor labels a failure for metrics.
func outcomeFor(err error) string {
	var (
		validation  *ValidationError
		unsupported *UnsupportedPlatformError
		lookup      *MetadataLookupError
		noMatch     *NoMatchFoundError
		acquisition *AcquisitionError
		notCreated  *FileNotCreatedError
	)
	switch {
	case errors.As(err, &validation), errors.As(err, &unsupported):
		return "rejected"
	case errors.As(err, &lookup):
		return "lookup_failed"
	case errors.As(err, &noMatch):
		return "no_match"
	case errors.As(err, &acquisition), errors.As(err, &notCreated):
		return "acquisition_failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
