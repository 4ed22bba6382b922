package query

import "strings"

// GlobMatches reports whether path matches a glob pattern in which "*"
// matches any run of characters, including slashes and none at all. No
// other metacharacters exist.
func GlobMatches(glob, path string) bool {
	segments := strings.Split(glob, "*")
	if len(segments) == 1 {
		return path == glob
	}

	if !strings.HasPrefix(path, segments[0]) {
		return false
	}
	path = path[len(segments[0]):]

	last := segments[len(segments)-1]
	if !strings.HasSuffix(path, last) {
		return false
	}
	path = path[:len(path)-len(last)]

	// Middle segments must appear in order, greedily left to right.
	for _, seg := range segments[1 : len(segments)-1] {
		if seg == "" {
			continue
		}
		i := strings.Index(path, seg)
		if i < 0 {
			return false
		}
		path = path[i+len(seg):]
	}
	return true
}

func hasWildcard(glob string) bool {
	return strings.Contains(glob, "*")
}

// GlobPrefixSuffix extracts the literal prefix and suffix of a glob,
// the part a driver can push down as range conditions before the full
// glob is applied as a post-filter.
func GlobPrefixSuffix(glob string) (prefix, suffix string) {
	segments := strings.Split(glob, "*")
	if len(segments) == 1 {
		return glob, ""
	}
	return segments[0], segments[len(segments)-1]
}
