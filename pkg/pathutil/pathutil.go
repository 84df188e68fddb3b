// Package pathutil resolves user-supplied relative paths to safe absolute
// paths under a project root, per spec.md §4.1 (C1). It is the only place
// in the codebase that is trusted to turn untrusted path strings into
// filesystem paths.
package pathutil

import (
	"path"
	"strings"

	"github.com/csc-fi/pifs/pkg/errtypes"
)

// Resolve normalises userPath (lexically, a la path.Clean, after stripping
// any leading slashes so the input is always interpreted relative to
// projectRoot), joins it onto projectRoot, and requires the result to be
// projectRoot itself or one of its descendants. An input whose normalised
// form still starts with a ".." segment is rejected with InvalidPath. An
// empty or "/" userPath resolves to projectRoot.
func Resolve(projectRoot, userPath string) (string, error) {
	rel := path.Clean(strings.TrimLeft(userPath, "/"))
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", errtypes.InvalidPath(userPath)
	}
	clean := path.Clean("/" + rel)
	if clean == "/" {
		return path.Clean(projectRoot), nil
	}

	resolved := path.Join(projectRoot, clean)
	root := path.Clean(projectRoot)

	if resolved != root && !strings.HasPrefix(resolved, root+"/") {
		return "", errtypes.InvalidPath(userPath)
	}

	return resolved, nil
}

// RelativeTo returns absPath expressed relative to projectRoot, with a
// leading slash, as used in file records and catalogue pathnames
// (e.g. "/a/b.txt"). absPath must be projectRoot or a descendant of it.
func RelativeTo(projectRoot, absPath string) (string, error) {
	root := path.Clean(projectRoot)
	clean := path.Clean(absPath)

	if clean == root {
		return "/", nil
	}
	if !strings.HasPrefix(clean, root+"/") {
		return "", errtypes.InvalidPath(absPath)
	}

	return clean[len(root):], nil
}

// IsProjectID reports whether id is a valid project identifier: a single
// path segment containing no traversal characters, per spec.md §3/§4.3.
func IsProjectID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, "/\\") && path.Clean(id) == id
}
