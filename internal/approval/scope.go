package approval

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// pathToken finds absolute, home-relative, and parent-relative paths
// inside a command line.
var pathToken = regexp.MustCompile(`(?:^|[\s=:'"])((?:/|~/|\.\./)[^\s'";|&<>]*|\.\.)`)

// withinDir reports whether path is dir or lies beneath it. Both are
// cleaned; symlinks are not resolved.
func withinDir(dir, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// resolve makes p absolute relative to base, expanding a leading ~/.
func resolve(base, p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[2:])
		}
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(base, p)
	}
	return filepath.Clean(p)
}

// commandInScope reports whether cwd lies within the absolute scope
// directory and every path the command names resolves within it too.
func commandInScope(scope, cwd, command string) bool {
	if !withinDir(scope, cwd) {
		return false
	}
	for _, m := range pathToken.FindAllStringSubmatch(command, -1) {
		if !withinDir(scope, resolve(cwd, m[1])) {
			return false
		}
	}
	return true
}
