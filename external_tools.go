package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"go.uber.org/zap"
)

const (
	// outputTemplate names files after the matched upload's title.
	outputTemplate = "%(title)s.%(ext)s"
	// afterMoveTemplate is printed by yt-dlp once the final file is in place.
	afterMoveTemplate = "%(title)s\t%(filepath)s"
)

// ProgressEvent is reported by the acquirer while it works.
type ProgressEvent struct {
	State   ConversionState
	Percent int
	Status  string
}

// ProgressFunc receives acquisition progress. It may be nil.
type ProgressFunc func(ProgressEvent)

// AudioAcquirer finds, downloads and transcodes audio into the temp directory.
type AudioAcquirer interface {
	Acquire(ctx context.Context, req AcquireRequest, onProgress ProgressFunc) (*AcquiredAudio, error)
}

// YtdlpAcquirer drives yt-dlp (and ffmpeg through its audio extraction post
// processor).
type YtdlpAcquirer struct {
	tempDir    string
	ffmpegPath string
	quality    string
	interval   time.Duration
	progress   ProgressConfig
	logger     *zap.Logger
}

type AcquirerOptions struct {
	TempDir          string
	FFmpegPath       string
	AudioQuality     string
	ProgressInterval time.Duration
	Progress         ProgressConfig
}

func NewYtdlpAcquirer(opts AcquirerOptions, logger *zap.Logger) *YtdlpAcquirer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.AudioQuality == "" {
		opts.AudioQuality = DefaultAudioQuality
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	return &YtdlpAcquirer{
		tempDir:    opts.TempDir,
		ffmpegPath: opts.FFmpegPath,
		quality:    opts.AudioQuality,
		interval:   opts.ProgressInterval,
		progress:   opts.Progress,
		logger:     logger,
	}
}

// Acquire selects the first search result (or the given URL), downloads its
// best audio stream and converts it to MP3. It returns once yt-dlp has moved
// the final file into place.
func (a *YtdlpAcquirer) Acquire(ctx context.Context, req AcquireRequest, onProgress ProgressFunc) (*AcquiredAudio, error) {
	target := req.Target()
	start := time.Now()

	dl := ytdlp.New().
		Format("bestaudio/best").
		ExtractAudio().
		AudioFormat(DefaultAudioFormat).
		AudioQuality(a.quality).
		NoPlaylist().
		NoWarnings().
		IgnoreConfig().
		NoSimulate().
		Print("after_move:" + afterMoveTemplate).
		Output(filepath.Join(a.tempDir, outputTemplate))
	if a.ffmpegPath != "" {
		dl.FFmpegLocation(a.ffmpegPath)
	}
	if onProgress != nil {
		dl.ProgressFunc(a.interval, func(update ytdlp.ProgressUpdate) {
			if ev, ok := mapDownloadProgress(a.progress, string(update.Status), float64(update.DownloadedBytes), float64(update.TotalBytes)); ok {
				onProgress(ev)
			}
		})
	}

	a.logger.Info("acquiring audio", zap.String("target", target))
	res, err := dl.Run(ctx, target)
	if err != nil {
		if res != nil {
			a.logger.Warn("yt-dlp failed", zap.String("target", target), zap.String("stderr", lastLines(res.Stderr, 5)), zap.Error(err))
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		return nil, &AcquisitionError{Target: target, Err: err}
	}

	title, path, ok := parseAfterMove(res.Stdout)
	if !ok {
		if req.URL == "" {
			return nil, &NoMatchFoundError{Query: req.Query}
		}
		return nil, &FileNotCreatedError{}
	}
	if onProgress != nil {
		onProgress(ProgressEvent{State: StateVerifying, Percent: a.progress.Verifying, Status: StatusVerifying})
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &FileNotCreatedError{Path: path}
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	a.logger.Info("audio acquired", zap.String("target", target), zap.String("path", path), zap.Duration("took", time.Since(start)))
	return &AcquiredAudio{Path: path, Title: title}, nil
}

// mapDownloadProgress turns a download engine update into a tracker event:
// downloading maps linearly into [floor, ceiling], finished is the ceiling.
func mapDownloadProgress(p ProgressConfig, status string, downloaded, total float64) (ProgressEvent, bool) {
	switch status {
	case "downloading":
		if total <= 0 {
			return ProgressEvent{}, false
		}
		frac := downloaded / total
		if frac < 0 {
			frac = 0
		}
		if frac > 1 {
			frac = 1
		}
		pct := p.DownloadFloor + int(float64(p.DownloadCeiling-p.DownloadFloor)*frac)
		return ProgressEvent{State: StateDownloading, Percent: pct, Status: StatusDownloading}, true
	case "finished", "post_processing":
		return ProgressEvent{State: StateTranscoding, Percent: p.DownloadCeiling, Status: StatusConverting}, true
	default:
		return ProgressEvent{}, false
	}
}

// parseAfterMove picks the last "title<TAB>path" line printed by yt-dlp.
func parseAfterMove(stdout string) (title, path string, ok bool) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		parts := strings.SplitN(strings.TrimRight(lines[i], "\r"), "\t", 2)
		if len(parts) != 2 {
			continue
		}
		p := strings.TrimSpace(parts[1])
		if p == "" || !strings.EqualFold(filepath.Ext(p), "."+DefaultAudioFormat) {
			continue
		}
		return strings.TrimSpace(parts[0]), p, true
	}
	return "", "", false
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
