package main

import (
	"context"
	"mime"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"unicode"
)

// setupGracefulShutdown returns a context cancelled on SIGINT or SIGTERM.
func setupGracefulShutdown(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// sanitizeFilename keeps a title usable as a download name.
func sanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_' || r == '.' || r == '(' || r == ')' || r == '[' || r == ']' || r == '&' || r == '\'' || r == ',':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	s := strings.Join(strings.Fields(b.String()), " ")
	s = strings.Trim(s, ". ")
	if len([]rune(s)) > 200 {
		s = string([]rune(s)[:200])
	}
	if s == "" {
		return "audio"
	}
	return s
}

// contentDisposition builds an attachment header. Non-ASCII names are encoded
// per RFC 2231 by mime.
func contentDisposition(filename string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": filename}); v != "" {
		return v
	}
	return `attachment; filename="audio.mp3"`
}
