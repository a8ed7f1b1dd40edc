// Package security guards the file names operators can influence through the
// HTTP API.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPathEscape is returned when a joined path would leave its base directory.
var ErrPathEscape = errors.New("path escapes base directory")

// JoinWithin joins name onto dir and rejects results that are absolute or
// resolve outside dir. The check is lexical so it works for any
// fsutil.FileSystem, including the in-memory one.
func JoinWithin(dir, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty name under %s", dir)
	}
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %s is absolute", ErrPathEscape, name)
	}
	joined := filepath.Join(dir, name)
	rel, err := filepath.Rel(filepath.Clean(dir), joined)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPathEscape, err)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s attempts to escape %s", ErrPathEscape, name, dir)
	}
	return joined, nil
}

// SanitizeFilename turns an operator-supplied label into a single path
// element. Anything other than ASCII letters, digits, dot, underscore and dash
// becomes an underscore, runs of underscores collapse, and leading or trailing
// dots and underscores are trimmed. An empty result returns "".
func SanitizeFilename(s string) string {
	const maxLen = 64
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'),
			r == '.' || r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "._")
	if strings.Contains(out, "..") {
		out = strings.ReplaceAll(out, "..", "_")
	}
	return out
}
