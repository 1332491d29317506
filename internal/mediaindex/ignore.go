package mediaindex

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// IgnoreFileName is read from every library root; its patterns are added
// to the configured ones.
const IgnoreFileName = ".pbkignore"

// defaultIgnorePatterns skip thumbnail caches and hidden files kept next to media.
var defaultIgnorePatterns = []string{IgnoreFileName, ".*", ".thumbnails/*", "Thumbs.db"}

type ignorePattern struct {
	pattern   string
	matchPath bool // match the root-relative path instead of the basename
}

// IgnoreMatcher checks root-relative media paths against glob patterns.
// Patterns containing '/' match the whole relative path, others the basename.
type IgnoreMatcher struct {
	patterns []ignorePattern
}

// NewIgnoreMatcher parses raw patterns, skipping blanks and '#' comments.
func NewIgnoreMatcher(rawPatterns []string) *IgnoreMatcher {
	m := &IgnoreMatcher{}
	for _, raw := range append(append([]string{}, defaultIgnorePatterns...), rawPatterns...) {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		m.patterns = append(m.patterns, ignorePattern{
			pattern:   raw,
			matchPath: strings.Contains(raw, "/"),
		})
	}
	return m
}

// Match reports whether relativePath is ignored.
func (m *IgnoreMatcher) Match(relativePath string) bool {
	if relativePath == "" {
		return false
	}
	normalized := filepath.ToSlash(relativePath)
	basename := filepath.Base(relativePath)

	for _, p := range m.patterns {
		subject := basename
		if p.matchPath {
			subject = normalized
		}
		// A malformed pattern never matches.
		if ok, err := filepath.Match(p.pattern, subject); err == nil && ok {
			return true
		}
	}
	return false
}

// ParseIgnoreFile reads patterns from path, one per line. A missing file
// yields no patterns.
func ParseIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		patterns = append(patterns, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return patterns, nil
}
