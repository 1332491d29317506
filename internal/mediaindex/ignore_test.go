package mediaindex

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIgnoreMatcher_Match(t *testing.T) {
	tests := []struct {
		name         string
		patterns     []string
		relativePath string
		want         bool
	}{
		{"default skips hidden files", nil, ".nomedia", true},
		{"default skips ignore file", nil, IgnoreFileName, true},
		{"default skips windows thumbnails", nil, filepath.Join("Camera", "Thumbs.db"), true},
		{"plain media is kept", nil, filepath.Join("Camera", "IMG_0001.jpg"), false},
		{"basename glob", []string{"*.tmp"}, filepath.Join("Camera", "upload.tmp"), true},
		{"path pattern matches full path", []string{"Camera/drafts/*"}, filepath.Join("Camera", "drafts", "a.jpg"), true},
		{"path pattern does not match other dir", []string{"Camera/drafts/*"}, filepath.Join("Screenshots", "drafts", "a.jpg"), false},
		{"comments and blanks are skipped", []string{"", "# *.jpg"}, "a.jpg", false},
		{"malformed pattern never matches", []string{"[abc"}, "a.jpg", false},
		{"empty path", []string{"*"}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewIgnoreMatcher(tt.patterns)
			if got := m.Match(tt.relativePath); got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.relativePath, got, tt.want)
			}
		})
	}
}

func TestParseIgnoreFile(t *testing.T) {
	t.Run("missing file yields no patterns", func(t *testing.T) {
		patterns, err := ParseIgnoreFile(filepath.Join(t.TempDir(), IgnoreFileName))
		if err != nil {
			t.Fatalf("ParseIgnoreFile() error = %v", err)
		}
		if patterns != nil {
			t.Errorf("ParseIgnoreFile() = %v, want nil", patterns)
		}
	})

	t.Run("reads one pattern per line", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), IgnoreFileName)
		if err := os.WriteFile(path, []byte("*.tmp\n# comment\nCamera/drafts/*\n"), 0644); err != nil {
			t.Fatal(err)
		}

		patterns, err := ParseIgnoreFile(path)
		if err != nil {
			t.Fatalf("ParseIgnoreFile() error = %v", err)
		}
		if len(patterns) != 3 {
			t.Fatalf("len(patterns) = %d, want 3", len(patterns))
		}
		if patterns[2] != "Camera/drafts/*" {
			t.Errorf("patterns[2] = %q, want %q", patterns[2], "Camera/drafts/*")
		}
	})
}
