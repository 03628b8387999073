package security

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	safeDir := filepath.Join(tmpDir, "safe")
	unsafeDir := filepath.Join(tmpDir, "unsafe")
	for _, d := range []string{safeDir, unsafeDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("MkdirAll failed: %v", err)
		}
	}
	if err := os.Symlink(unsafeDir, filepath.Join(safeDir, "evil-symlink")); err != nil {
		t.Fatalf("Symlink failed: %v", err)
	}

	tests := []struct {
		name      string
		filePath  string
		wantError bool
	}{
		{"file in directory", filepath.Join(safeDir, "report.html"), false},
		{"nested path", filepath.Join(safeDir, "run-1", "proba.png"), false},
		{"parent traversal", filepath.Join(safeDir, "..", "unsafe", "x.png"), true},
		{"absolute elsewhere", "/etc/passwd", true},
		{"through symlink", filepath.Join(safeDir, "evil-symlink", "x.png"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.filePath, safeDir)
			if (err != nil) != tt.wantError {
				t.Errorf("ValidatePathWithinDirectory(%q) error = %v, wantError %v", tt.filePath, err, tt.wantError)
			}
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"pseudo labeling", "pseudo_labeling"},
		{"../../etc/passwd", "etc_passwd"},
		{"run-2024.01", "run-2024.01"},
		{"", "unknown"},
		{"///", "unknown"},
	}
	for _, tt := range tests {
		if got := SanitizeFilename(tt.in); got != tt.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestArtifactPath(t *testing.T) {
	dir := t.TempDir()
	p, err := ArtifactPath(dir, "feature importance.html")
	if err != nil {
		t.Fatalf("ArtifactPath failed: %v", err)
	}
	if want := filepath.Join(dir, "feature_importance.html"); p != want {
		t.Errorf("ArtifactPath = %q, want %q", p, want)
	}

	p, err = ArtifactPath(dir, "../escape.png")
	if err != nil {
		t.Fatalf("ArtifactPath failed: %v", err)
	}
	if filepath.Dir(p) != dir {
		t.Errorf("ArtifactPath(%q) left %s: %q", "../escape.png", dir, p)
	}
	if got := SanitizeExt(".p/ng"); got != "" {
		t.Errorf("SanitizeExt kept %q", got)
	}
}
