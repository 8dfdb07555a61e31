package gateway

import (
	"fmt"
	"strings"
)

// ParsePath splits an object path into its directory segments and leaf
// name. One leading and one trailing "/" are tolerated. Empty segments,
// "." and "..", and NUL bytes are rejected with ErrInvalidPath.
func ParsePath(p string) (dirs []string, leaf string, err error) {
	segs, err := splitPath(p)
	if err != nil {
		return nil, "", err
	}
	if len(segs) == 0 {
		return nil, "", fmt.Errorf("%w: %q has no name", ErrInvalidPath, p)
	}
	return segs[:len(segs)-1], segs[len(segs)-1], nil
}

// ParseDirPath splits a directory path into segments. "" and "/" denote
// the bucket root and yield no segments.
func ParseDirPath(p string) ([]string, error) {
	return splitPath(p)
}

// JoinPath is the inverse of ParsePath.
func JoinPath(dirs []string, leaf string) string {
	if len(dirs) == 0 {
		return leaf
	}
	return strings.Join(dirs, "/") + "/" + leaf
}

func splitPath(p string) ([]string, error) {
	trimmed := strings.TrimPrefix(p, "/")
	trimmed = strings.TrimSuffix(trimmed, "/")
	if trimmed == "" {
		return nil, nil
	}
	segs := strings.Split(trimmed, "/")
	for _, s := range segs {
		if err := validateName(s); err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPath, p, err)
		}
	}
	return segs, nil
}

// validateName checks a single path segment.
func validateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("empty segment")
	case name == "." || name == "..":
		return fmt.Errorf("relative segment %q", name)
	case strings.ContainsRune(name, '/'):
		return fmt.Errorf("'/' in segment")
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("NUL byte in segment")
	case len(name) > 255:
		return fmt.Errorf("segment longer than 255 bytes")
	}
	return nil
}
