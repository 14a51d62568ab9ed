// Package scope decides whether the files an attempt touched stay within the
// task's declared scope.
package scope

import (
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Valid reports the first malformed pattern, if any.
func Valid(patterns []string) (string, bool) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(normalize(p)) {
			return p, false
		}
	}
	return "", true
}

// Allowed reports whether file matches one of patterns. An empty pattern list
// places no restriction. A pattern naming a directory ("src/" or "src")
// covers everything beneath it.
func Allowed(patterns []string, file string) bool {
	if len(patterns) == 0 {
		return true
	}
	file = normalize(file)
	for _, raw := range patterns {
		p := normalize(raw)
		if ok, _ := doublestar.Match(p, file); ok {
			return true
		}
		dir := strings.TrimSuffix(p, "/")
		if !strings.ContainsAny(dir, "*?[{") && strings.HasPrefix(file, dir+"/") {
			return true
		}
	}
	return false
}

// Violations returns the files outside patterns, sorted.
func Violations(patterns []string, files []string) []string {
	var out []string
	for _, f := range files {
		if !Allowed(patterns, f) {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

func normalize(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(p, "./")
	if p == "" {
		return p
	}
	trailing := strings.HasSuffix(p, "/")
	p = path.Clean(p)
	if trailing {
		p += "/"
	}
	return p
}
