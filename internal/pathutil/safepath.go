// Package pathutil checks untrusted relative paths such as archive entry
// names. Both slash styles are treated as separators since zip tools on
// Windows write backslashes.
package pathutil

import "strings"

func segments(p string) []string {
	return strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' })
}

// HasParentSegment reports whether any segment of p is "..".
func HasParentSegment(p string) bool {
	for _, seg := range segments(p) {
		if seg == ".." {
			return true
		}
	}
	return false
}

// IsRooted reports whether p starts at a root or carries a drive letter.
func IsRooted(p string) bool {
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) {
		return true
	}
	return len(p) >= 2 && p[1] == ':' && isLetter(p[0])
}

func isLetter(c byte) bool { return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') }
