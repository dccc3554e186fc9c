package blobstore

import (
	"path"
	"strings"
)

// Match reports whether a slash-separated path matches pattern. Each pattern
// segment follows path.Match; a "**" segment matches zero or more segments.
// A pattern without a slash matches any single segment of the path, so
// ".git" omits every .git directory in the tree.
func Match(pattern, p string) bool {
	pattern = strings.Trim(strings.ReplaceAll(pattern, "\\", "/"), "/")
	p = Clean(p)
	if pattern == "" {
		return false
	}
	if !strings.Contains(pattern, "/") && pattern != "**" {
		for _, seg := range strings.Split(p, "/") {
			if ok, _ := path.Match(pattern, seg); ok {
				return true
			}
		}
		return false
	}
	return matchSegments(strings.Split(pattern, "/"), strings.Split(p, "/"))
}

func matchSegments(pat, segs []string) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			rest := pat[1:]
			for i := 0; i <= len(segs); i++ {
				if matchSegments(rest, segs[i:]) {
					return true
				}
			}
			return false
		}
		if len(segs) == 0 {
			return false
		}
		if ok, _ := path.Match(pat[0], segs[0]); !ok {
			return false
		}
		pat, segs = pat[1:], segs[1:]
	}
	return len(segs) == 0
}

// Selected applies include and omit lists. An empty include list keeps
// everything; any omit match drops the path.
func Selected(p string, include, omit []string) bool {
	for _, o := range omit {
		if Match(o, p) {
			return false
		}
	}
	if len(include) == 0 {
		return true
	}
	for _, in := range include {
		if Match(in, p) {
			return true
		}
	}
	return false
}

// HasWildcard reports whether s contains glob characters.
func HasWildcard(s string) bool {
	return strings.ContainsAny(s, "*?[")
}
