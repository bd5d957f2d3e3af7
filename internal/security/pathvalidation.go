// Package security guards file paths that come from flags or requests.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidatePathWithinDirectory checks that filePath resolves to a location
// inside dir once symlinks are followed. A path that does not exist yet is
// checked through its nearest existing parent.
func ValidatePathWithinDirectory(filePath, dir string) error {
	absPath, err := filepath.Abs(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve directory: %w", err)
	}
	canonicalDir, err := filepath.EvalSymlinks(absDir)
	if err != nil {
		return fmt.Errorf("resolve directory symlinks: %w", err)
	}

	rel, err := filepath.Rel(canonicalDir, canonicalize(absPath))
	if err != nil {
		return fmt.Errorf("path is outside %s: %w", dir, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("path %s escapes %s", filePath, dir)
	}
	return nil
}

// canonicalize resolves symlinks in abs, or in its deepest existing parent
// when abs itself does not exist.
func canonicalize(abs string) string {
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	for check := abs; ; {
		parent := filepath.Dir(check)
		if parent == check {
			return abs
		}
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
			rest, _ := filepath.Rel(parent, abs)
			return filepath.Join(resolved, rest)
		}
		check = parent
	}
}

// SanitizeFilename makes a file-name-safe token from s: anything other than
// ASCII letters, digits, '.', '_' and '-' becomes a single '_', and the
// result is capped at 128 bytes.
func SanitizeFilename(s string) string {
	const maxLen = 128
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'),
			r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		case !lastUnderscore:
			b.WriteRune('_')
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
