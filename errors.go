package main

import (
	"errors"
	"fmt"
	"net/http"
)

// ValidationError means the input URL is malformed.
type ValidationError struct {
	URL    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid url %q: %s", e.URL, e.Reason)
}

// UnsupportedPlatformError means the URL is well formed but no source handles it.
type UnsupportedPlatformError struct {
	URL string
}

func (e *UnsupportedPlatformError) Error() string {
	return fmt.Sprintf("unsupported platform for url %q", e.URL)
}

// MetadataLookupError means the metadata service rejected the URL or the
// resource does not exist. Track and Artist are set when partially known.
type MetadataLookupError struct {
	URL    string
	Track  string
	Artist string
	Err    error
}

func (e *MetadataLookupError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("metadata lookup failed for %q", e.URL)
	}
	return fmt.Sprintf("metadata lookup failed for %q: %v", e.URL, e.Err)
}

func (e *MetadataLookupError) Unwrap() error { return e.Err }

// NoMatchFoundError means the search returned nothing to download.
type NoMatchFoundError struct {
	Query string
}

func (e *NoMatchFoundError) Error() string {
	return fmt.Sprintf("no match found for %q", e.Query)
}

// AcquisitionError wraps a download or transcode failure with its search context.
type AcquisitionError struct {
	Target string
	Err    error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquisition of %q failed: %v", e.Target, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// FileNotCreatedError means the engine returned but the MP3 is not on disk.
type FileNotCreatedError struct {
	Path string
}

func (e *FileNotCreatedError) Error() string {
	if e.Path == "" {
		return "output file was not created"
	}
	return fmt.Sprintf("output file %q was not created", e.Path)
}

// httpStatusFor maps a conversion error onto the response status code.
func httpStatusFor(err error) int {
	var (
		validation  *ValidationError
		unsupported *UnsupportedPlatformError
		lookup      *MetadataLookupError
		noMatch     *NoMatchFoundError
	)
	switch {
	case errors.As(err, &validation), errors.As(err, &unsupported), errors.As(err, &lookup):
		return http.StatusBadRequest
	case errors.As(err, &noMatch):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// clientMessage is the message exposed to callers. Unknown errors are not echoed.
func clientMessage(err error) string {
	var (
		validation  *ValidationError
		unsupported *UnsupportedPlatformError
		lookup      *MetadataLookupError
		noMatch     *NoMatchFoundError
		acquisition *AcquisitionError
		notCreated  *FileNotCreatedError
	)
	switch {
	case errors.As(err, &validation):
		return "Invalid URL: " + validation.Reason
	case errors.As(err, &unsupported):
		return "Unsupported platform"
	case errors.As(err, &lookup):
		return "Invalid Spotify URL"
	case errors.As(err, &noMatch):
		return "Track not found"
	case errors.As(err, &acquisition):
		return "Download failed"
	case errors.As(err, &notCreated):
		return "Converted file was not created"
	default:
		return "Internal server error"
	}
}
