package main

import (
	"embed"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
)

//go:embed web
var webFS embed.FS

// Server owns the HTTP surface and the collaborators it orchestrates.
type Server struct {
	converter *Converter
	tracker   *ProgressTracker
	reaper    *FileReaper
	metrics   *Metrics
	tempDir   string
	logger    *zap.Logger
	started   time.Time
	pages     fs.FS
}

type ServerOptions struct {
	Converter *Converter
	Tracker   *ProgressTracker
	Reaper    *FileReaper
	Metrics   *Metrics
	TempDir   string
}

func NewServer(opts ServerOptions, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	pages, err := fs.Sub(webFS, "web")
	if err != nil {
		panic(err)
	}
	return &Server{
		converter: opts.Converter,
		tracker:   opts.Tracker,
		reaper:    opts.Reaper,
		metrics:   opts.Metrics,
		tempDir:   opts.TempDir,
		logger:    logger,
		started:   time.Now(),
		pages:     pages,
	}
}

// Routes returns the full handler chain.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handlePage("index.html"))
	mux.HandleFunc("GET /spotify.html", s.handlePage("spotify.html"))
	mux.HandleFunc("GET /convert", s.handleConvert)
	mux.HandleFunc("GET /progress", s.handleProgress)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return loggingMiddleware(s.logger, corsMiddleware(mux))
}

func (s *Server) handlePage(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := fs.ReadFile(s.pages, name)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(data)
	}
}

// GET /progress?url=
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("url")
	writeJSON(w, http.StatusOK, s.tracker.Get(r.Context(), key))
}

// GET /convert?url=
func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")

	res, err := s.converter.Convert(r.Context(), rawURL)
	if err != nil {
		s.writeConversionError(w, rawURL, err)
		return
	}

	file, err := os.Open(res.Path)
	if err != nil {
		s.logger.Error("cannot open converted file", zap.String("path", res.Path), zap.Error(err))
		if errors.Is(err, os.ErrNotExist) {
			err = &FileNotCreatedError{Path: res.Path}
		}
		s.writeConversionError(w, rawURL, err)
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		s.logger.Error("cannot stat converted file", zap.String("path", res.Path), zap.Error(err))
		s.reaper.RemoveFile(res.Path, RemovalFailed)
		s.writeConversionError(w, rawURL, err)
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Disposition", contentDisposition(res.Filename))
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	// The file belongs to the reaper from here on.
	s.reaper.ScheduleRemoval(res.Path)

	if _, err := io.Copy(w, file); err != nil {
		s.logger.Warn("streaming interrupted", zap.String("path", res.Path), zap.Error(err))
	}
}

// writeConversionError renders {"detail": ...}. Music links get a structured
// detail with spotify_info; anything else gets a plain message.
func (s *Server) writeConversionError(w http.ResponseWriter, rawURL string, err error) {
	status := httpStatusFor(err)
	message := clientMessage(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("conversion error", zap.String("url", rawURL), zap.Error(err))
	}

	var convErr *ConversionError
	if !errors.As(err, &convErr) || convErr.Platform != PlatformMusicMetadata {
		writeError(w, status, message)
		return
	}

	info := &SpotifyInfo{URL: rawURL}
	var lookup *MetadataLookupError
	switch {
	case errors.As(err, &lookup):
		info.Track = lookup.Track
		info.Artist = lookup.Artist
	case convErr.Track != nil:
		info.Track = convErr.Track.Title
		info.Artist = convErr.Track.Artist
	}
	writeError(w, status, ErrorDetail{Message: message, SpotifyInfo: info})
}

func writeError(w http.ResponseWriter, status int, detail any) {
	writeJSON(w, status, errorResponse{Detail: detail})
}
