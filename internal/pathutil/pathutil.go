// Package pathutil derives parent paths and leaf names from slash-separated
// filesystem paths and canonicalizes paths before they reach the entry store.
package pathutil

import (
	"errors"
	"fmt"
	"strings"
)

// Root is the implicit root directory. It is never stored as an entry.
const Root = "/"

// MaxNameLen is the longest leaf name accepted by Clean.
const MaxNameLen = 255

var (
	// ErrInvalidPath is returned by Clean for paths that cannot be canonicalized.
	ErrInvalidPath = errors.New("invalid path")

	// ErrNameTooLong accompanies ErrInvalidPath when a component exceeds
	// MaxNameLen.
	ErrNameTooLong = errors.New("name too long")
)

// ParentOf returns the substring of path up to and including the last '/'.
// It reports false when path contains no '/', in which case the caller treats
// the path as root-relative.
func ParentOf(path string) (string, bool) {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return "", false
	}
	return strings.Clone(path[:idx+1]), true
}

// LeafName returns the substring after the last '/'. A path without any '/'
// is already a leaf and is returned whole.
func LeafName(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return strings.Clone(path)
	}
	return strings.Clone(path[idx+1:])
}

// Clean converts path to canonical form: a leading '/', no trailing '/'
// (except for the root itself), and no empty, "." or ".." components.
func Clean(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	if path[0] != '/' {
		return "", fmt.Errorf("%w: %q is not absolute", ErrInvalidPath, path)
	}
	if strings.IndexByte(path, 0) >= 0 {
		return "", fmt.Errorf("%w: %q contains NUL", ErrInvalidPath, path)
	}

	var b strings.Builder
	b.Grow(len(path))
	for _, part := range strings.Split(path, "/") {
		switch part {
		case "":
			continue
		case ".", "..":
			return "", fmt.Errorf("%w: %q contains %q", ErrInvalidPath, path, part)
		}
		if len(part) > MaxNameLen {
			return "", fmt.Errorf("%w: %w: component of %q exceeds %d bytes", ErrInvalidPath, ErrNameTooLong, path, MaxNameLen)
		}
		b.WriteByte('/')
		b.WriteString(part)
	}
	if b.Len() == 0 {
		return Root, nil
	}
	return b.String(), nil
}

// Parent returns the canonical parent of a canonical path. The parent of a
// top-level entry and of the root is the root.
func Parent(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx <= 0 {
		return Root
	}
	return path[:idx]
}

// Split returns the canonical parent and leaf name of a canonical path.
func Split(path string) (parent, name string) {
	if path == Root {
		return Root, ""
	}
	return Parent(path), LeafName(path)
}

// Join constructs a child path from a canonical parent and a leaf name.
func Join(parent, name string) string {
	if parent == Root {
		return Root + name
	}
	return parent + "/" + name
}

// IsUnder reports whether path lies strictly below dir, comparing whole
// components so that "/ab" is not under "/a".
func IsUnder(path, dir string) bool {
	if dir == Root {
		return path != Root && strings.HasPrefix(path, Root)
	}
	return len(path) > len(dir) && strings.HasPrefix(path, dir) && path[len(dir)] == '/'
}
