package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// MetadataResolver turns a music link into track metadata.
type MetadataResolver interface {
	Resolve(ctx context.Context, rawURL string) (*TrackInfo, error)
}

// SpotifyResolver looks tracks up through the Spotify Web API using the client
// credentials flow. Tokens are fetched lazily and refreshed by oauth2.
type SpotifyResolver struct {
	client *spotify.Client
	logger *zap.Logger
}

type SpotifyOptions struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	APIBaseURL   string
	HTTPClient   *http.Client
}

// NewSpotifyResolver builds a resolver. No network call happens here.
func NewSpotifyResolver(opts SpotifyOptions, logger *zap.Logger) *SpotifyResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	tokenURL := opts.TokenURL
	if tokenURL == "" {
		tokenURL = spotifyauth.TokenURL
	}
	creds := &clientcredentials.Config{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		TokenURL:     tokenURL,
	}

	ctx := context.Background()
	if opts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, opts.HTTPClient)
	}

	var clientOpts []spotify.ClientOption
	if opts.APIBaseURL != "" {
		clientOpts = append(clientOpts, spotify.WithBaseURL(opts.APIBaseURL))
	}
	return &SpotifyResolver{
		client: spotify.New(creds.Client(ctx), clientOpts...),
		logger: logger,
	}
}

// Resolve validates the link against the strict pattern, then performs one
// track lookup. Album and playlist links are rejected as lookups the service
// cannot answer.
func (r *SpotifyResolver) Resolve(ctx context.Context, rawURL string) (*TrackInfo, error) {
	res, err := ParseSpotifyURL(rawURL)
	if err != nil {
		return nil, err
	}
	if res.Kind != "track" {
		return nil, &MetadataLookupError{URL: rawURL, Err: fmt.Errorf("%s links are not supported, only tracks", res.Kind)}
	}

	track, err := r.client.GetTrack(ctx, spotify.ID(res.ID))
	if err != nil {
		var apiErr spotify.Error
		if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 {
			return nil, &MetadataLookupError{URL: rawURL, Err: err}
		}
		return nil, fmt.Errorf("spotify track lookup: %w", err)
	}

	info := &TrackInfo{
		Title: track.Name,
		Album: track.Album.Name,
		URL:   rawURL,
	}
	if len(track.Artists) > 0 {
		info.Artist = track.Artists[0].Name
	}
	if info.Title == "" || info.Artist == "" {
		return nil, &MetadataLookupError{URL: rawURL, Track: info.Title, Artist: info.Artist, Err: errors.New("track metadata is incomplete")}
	}

	r.logger.Debug("resolved track", zap.String("url", rawURL), zap.String("title", info.Title), zap.String("artist", info.Artist))
	return info, nil
}
