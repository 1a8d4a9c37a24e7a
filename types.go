package main

// Platform is the source kind a request URL belongs to.
type Platform string

const (
	PlatformMusicMetadata Platform = "music_metadata"
	PlatformVideo         Platform = "video_platform"
	PlatformGeneric       Platform = "generic"
)

// ConversionRequest is keyed by the raw input URL; it only lives for one HTTP call.
type ConversionRequest struct {
	URL      string
	Platform Platform
}

// ProgressEntry is the status record polled by clients during a conversion.
type ProgressEntry struct {
	Percent int    `json:"progress"`
	Status  string `json:"status"`
}

// TrackInfo is what the metadata resolver knows about a music link.
type TrackInfo struct {
	Title  string
	Artist string
	Album  string
	URL    string
}

// SearchPhrase builds the video platform query for a track.
func (t TrackInfo) SearchPhrase() string {
	return t.Title + " " + t.Artist + " audio"
}

// AcquireRequest describes what the acquirer should fetch: either a search
// phrase or a direct video URL.
type AcquireRequest struct {
	Query string
	URL   string
}

// Target is the argument handed to the download engine.
func (r AcquireRequest) Target() string {
	if r.URL != "" {
		return r.URL
	}
	return "ytsearch1:" + r.Query
}

// AcquiredAudio is a transcoded file sitting in the temp directory.
type AcquiredAudio struct {
	Path  string
	Title string
}

// ConversionState names the steps of a /convert request.
type ConversionState string

const (
	StateIdentifying       ConversionState = "IDENTIFYING"
	StateResolvingMetadata ConversionState = "RESOLVING_METADATA"
	StateSearching         ConversionState = "SEARCHING"
	StateDownloading       ConversionState = "DOWNLOADING"
	StateTranscoding       ConversionState = "TRANSCODING"
	StateVerifying         ConversionState = "VERIFYING"
	StateServing           ConversionState = "SERVING"
	StateServed            ConversionState = "SERVED"
	StateFailed            ConversionState = "FAILED"
)

// IsTerminal reports whether no further transition follows.
func (s ConversionState) IsTerminal() bool {
	return s == StateServed || s == StateFailed
}

// Progress status messages
const (
	StatusStarting    = "starting"
	StatusResolving   = "resolving metadata"
	StatusSearching   = "searching"
	StatusDownloading = "downloading"
	StatusConverting  = "converting"
	StatusVerifying   = "verifying"
	StatusCompleted   = "completed"
)

// SpotifyInfo is attached to error payloads for music links.
type SpotifyInfo struct {
	Track  string `json:"track,omitempty"`
	Artist string `json:"artist,omitempty"`
	URL    string `json:"url"`
}

// ErrorDetail is the structured error body: {"detail": {...}}.
type ErrorDetail struct {
	Message     string       `json:"message"`
	SpotifyInfo *SpotifyInfo `json:"spotify_info,omitempty"`
}

type errorResponse struct {
	Detail any `json:"detail"`
}

type HealthStatus struct {
	Status               string `json:"status"`
	ActiveConversions    int64  `json:"active_conversions"`
	CompletedConversions int64  `json:"completed_conversions"`
	FailedConversions    int64  `json:"failed_conversions"`
	ProgressBackend      string `json:"progress_backend"`
	TempDir              string `json:"temp_dir"`
	Uptime               string `json:"uptime"`
}
