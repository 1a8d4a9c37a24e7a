package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/bogem/id3v2/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestID3TaggerWritesFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "song.mp3")
	require.NoError(t, os.WriteFile(path, append([]byte{0xFF, 0xFB, 0x90, 0x00}, bytes.Repeat([]byte{0}, 256)...), 0o644))

	tagger := NewID3Tagger(zaptest.NewLogger(t))
	require.NoError(t, tagger.Tag(path, &TrackInfo{Title: "Señorita", Artist: "Shawn Mendes", Album: "Shawn Mendes (Deluxe)"}))

	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	require.NoError(t, err)
	defer tag.Close()
	assert.Equal(t, "Señorita", tag.Title())
	assert.Equal(t, "Shawn Mendes", tag.Artist())
	assert.Equal(t, "Shawn Mendes (Deluxe)", tag.Album())
}

func TestID3TaggerNilInfoAndMissingFile(t *testing.T) {
	tagger := NewID3Tagger(nil)
	assert.NoError(t, tagger.Tag("/does/not/matter.mp3", nil))
	assert.Error(t, tagger.Tag(filepath.Join(t.TempDir(), "missing.mp3"), &TrackInfo{Title: "x", Artist: "y"}))
}
