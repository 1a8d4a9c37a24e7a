package main

import (
	"net/url"
	"regexp"
	"strings"
)

// spotifyURLPattern is the strict shape accepted for music links.
var spotifyURLPattern = regexp.MustCompile(`^https?://open\.spotify\.com/(track|album|playlist)/([a-zA-Z0-9]+)(\?si=[a-zA-Z0-9]+)?$`)

type platformRule struct {
	platform Platform
	hosts    []string
}

// platformRules is checked in order; the first host token contained in the
// URL's host wins.
var platformRules = []platformRule{
	{platform: PlatformMusicMetadata, hosts: []string{"open.spotify.com", "spotify.com", "spotify.link"}},
	{platform: PlatformVideo, hosts: []string{"youtube.com", "youtu.be", "youtube-nocookie.com"}},
}

// IdentifyPlatform classifies a URL by host name. It never fails: anything it
// does not recognise is generic.
func IdentifyPlatform(raw string) Platform {
	host := hostOf(raw)
	if host == "" {
		return PlatformGeneric
	}
	for _, rule := range platformRules {
		for _, token := range rule.hosts {
			if host == token || strings.HasSuffix(host, "."+token) {
				return rule.platform
			}
		}
	}
	return PlatformGeneric
}

func hostOf(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// ValidateRequestURL checks that raw is an absolute http(s) URL.
func ValidateRequestURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return &ValidationError{URL: raw, Reason: "url is required"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return &ValidationError{URL: raw, Reason: "url does not parse"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{URL: raw, Reason: "scheme must be http or https"}
	}
	if u.Host == "" {
		return &ValidationError{URL: raw, Reason: "host is missing"}
	}
	return nil
}

// SpotifyResource is the parsed form of a strict Spotify link.
type SpotifyResource struct {
	Kind string // track, album or playlist
	ID   string
}

// ParseSpotifyURL applies the strict Spotify pattern. Non-conforming input is
// rejected before any network call is made.
func ParseSpotifyURL(raw string) (SpotifyResource, error) {
	m := spotifyURLPattern.FindStringSubmatch(raw)
	if m == nil {
		return SpotifyResource{}, &ValidationError{URL: raw, Reason: "not a valid Spotify link"}
	}
	return SpotifyResource{Kind: m[1], ID: m[2]}, nil
}

// ClassifyRequest validates the URL and identifies its platform. Music links
// must also pass the strict Spotify pattern.
func ClassifyRequest(raw string) (ConversionRequest, error) {
	if err := ValidateRequestURL(raw); err != nil {
		return ConversionRequest{}, err
	}
	req := ConversionRequest{URL: raw, Platform: IdentifyPlatform(raw)}
	switch req.Platform {
	case PlatformMusicMetadata:
		if _, err := ParseSpotifyURL(raw); err != nil {
			return ConversionRequest{}, err
		}
	case PlatformVideo:
	default:
		return ConversionRequest{}, &UnsupportedPlatformError{URL: raw}
	}
	return req, nil
}
