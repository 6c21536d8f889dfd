package util

import (
	gopath "path"
	"strings"
)

// NormalizePath canonicalizes a filesystem-like content path: forces a
// leading slash, collapses duplicate separators and dot segments, and
// strips the trailing slash (except for the root itself).
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	p = gopath.Clean(p)
	if p == "." {
		return "/"
	}
	return p
}

// ParentPath returns the normalized parent of p, or "/" for top-level paths.
func ParentPath(p string) string {
	p = NormalizePath(p)
	if p == "/" {
		return "/"
	}
	return NormalizePath(gopath.Dir(p))
}

// PathSegments splits a normalized path into its segments. The root path
// yields an empty slice.
func PathSegments(p string) []string {
	p = NormalizePath(p)
	if p == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}
