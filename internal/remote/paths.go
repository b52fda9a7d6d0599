package remote

import (
	"fmt"
	"strings"
)

// NormalizePath trims surrounding slashes and whitespace. The root is "".
func NormalizePath(path string) string {
	path = strings.TrimSpace(path)
	return strings.Trim(path, "/")
}

// ValidatePath rejects empty segments and relative segments.
func ValidatePath(path string) error {
	path = NormalizePath(path)
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidInput)
	}
	for _, segment := range strings.Split(path, "/") {
		switch segment {
		case "", ".", "..":
			return fmt.Errorf("%w: bad segment in path %q", ErrInvalidInput, path)
		}
	}
	return nil
}

// JoinPath joins segments with "/".
func JoinPath(segments ...string) string {
	cleaned := make([]string, 0, len(segments))
	for _, segment := range segments {
		segment = NormalizePath(segment)
		if segment != "" {
			cleaned = append(cleaned, segment)
		}
	}
	return strings.Join(cleaned, "/")
}

// SplitPath returns the parent path and the last segment.
func SplitPath(path string) (parent, key string) {
	path = NormalizePath(path)
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return "", path
	}
	return path[:idx], path[idx+1:]
}

// IsWithin reports whether path equals base or lies below it.
func IsWithin(base, path string) bool {
	base = NormalizePath(base)
	path = NormalizePath(path)
	if base == "" {
		return true
	}
	return path == base || strings.HasPrefix(path, base+"/")
}

func ancestorPaths(path string) []string {
	path = NormalizePath(path)
	var out []string
	for {
		parent, _ := SplitPath(path)
		if parent == "" {
			return out
		}
		out = append(out, parent)
		path = parent
	}
}

// affects reports whether a write to any of touched can change the children of path.
func affects(path string, touched []string) bool {
	if touched == nil {
		return true
	}
	for _, t := range touched {
		if IsWithin(path, t) || IsWithin(t, path) {
			return true
		}
	}
	return false
}
