package main

import (
	"fmt"

	"github.com/bogem/id3v2/v2"
	"go.uber.org/zap"
)

// Tagger writes ID3 frames onto produced MP3 files.
type Tagger interface {
	Tag(path string, info *TrackInfo) error
}

// ID3Tagger sets title, artist and album from resolved track metadata.
type ID3Tagger struct {
	logger *zap.Logger
}

func NewID3Tagger(logger *zap.Logger) *ID3Tagger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ID3Tagger{logger: logger}
}

func (t *ID3Tagger) Tag(path string, info *TrackInfo) error {
	if info == nil {
		return nil
	}
	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		return fmt.Errorf("open id3 %s: %w", path, err)
	}
	defer tag.Close()

	tag.SetDefaultEncoding(id3v2.EncodingUTF8)
	tag.SetTitle(info.Title)
	tag.SetArtist(info.Artist)
	if info.Album != "" {
		tag.SetAlbum(info.Album)
	}
	if err := tag.Save(); err != nil {
		return fmt.Errorf("save id3 %s: %w", path, err)
	}
	t.logger.Debug("tagged file", zap.String("path", path), zap.String("title", info.Title))
	return nil
}
