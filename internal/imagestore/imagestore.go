// Package imagestore writes generated images to disk under
// filesystem-safe, prompt-derived names.
package imagestore

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// maxPromptSlug bounds the prompt-derived part of the filename.
const maxPromptSlug = 40

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Store saves images under a single output directory.
type Store struct {
	dir string
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects the timestamp source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a store rooted at dir. The directory is created on the
// first save, not here, so a misconfigured path surfaces per request
// instead of failing startup.
func New(dir string, opts ...Option) *Store {
	s := &Store{dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save writes the image bytes and returns the saved path.
func (s *Store) Save(prompt string, data []byte) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating images directory %q: %w", s.dir, err)
	}

	path := filepath.Join(s.dir, Filename(prompt, s.now()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing image %q: %w", path, err)
	}
	return path, nil
}

// Filename derives a filesystem-safe name from a truncated slice of the
// prompt plus a timestamp.
func Filename(prompt string, at time.Time) string {
	slug := unsafeChars.ReplaceAllString(strings.TrimSpace(prompt), "_")
	slug = strings.Trim(slug, "_")
	if len(slug) > maxPromptSlug {
		slug = slug[:maxPromptSlug]
		slug = strings.TrimRight(slug, "_")
	}
	if slug == "" {
		slug = "image"
	}
	return fmt.Sprintf("%s_%s.png", slug, at.Format("20060102-150405"))
}
