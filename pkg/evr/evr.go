// Package evr implements RPM's epoch-version-release ordering
// (rpmvercmp), the comparator the resolver uses to rank candidate
// providers and decide upgrade/downgrade actions. Written against the
// documented rpmvercmp algorithm: epoch first, then version and release
// segment by segment, numeric segments compared as integers and sorting
// newer than alphabetic ones at the same position.
package evr

import (
	"strconv"
	"strings"

	"github.com/urpmd/urpmd/pkg/types"
)

// Parse splits an EVR string of the form "[epoch:]version[-release]"
// into its parts, the format versioned capability entries carry.
func Parse(s string) types.EVR {
	var out types.EVR
	if i := strings.IndexByte(s, ':'); i >= 0 {
		if n, err := strconv.Atoi(s[:i]); err == nil {
			out.Epoch = n
		}
		s = s[i+1:]
	}
	if i := strings.LastIndexByte(s, '-'); i >= 0 {
		out.Version, out.Release = s[:i], s[i+1:]
		return out
	}
	out.Version = s
	return out
}

// Compare returns -1, 0, or 1 as a is older than, equal to, or newer than
// b, per full RPM EVR semantics: epoch compared first as an integer, then
// version and release via rpmvercmp.
func Compare(a, b types.EVR) int {
	if a.Epoch != b.Epoch {
		if a.Epoch < b.Epoch {
			return -1
		}
		return 1
	}

	if c := rpmvercmp(a.Version, b.Version); c != 0 {
		return c
	}

	return rpmvercmp(a.Release, b.Release)
}

// Less reports whether a orders strictly before b.
func Less(a, b types.EVR) bool {
	return Compare(a, b) < 0
}

// Equal reports whether a and b compare equal under Compare.
func Equal(a, b types.EVR) bool {
	return Compare(a, b) == 0
}

func isDigit(c byte) bool  { return c >= '0' && c <= '9' }
func isAlpha(c byte) bool  { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isAlnum(c byte) bool  { return isDigit(c) || isAlpha(c) }
func isSeparator(c byte) bool { return !isAlnum(c) }

// rpmvercmp compares two version/release strings segment by segment:
// each maximal run of digits or of letters is one segment; separators
// (anything else) are skipped entirely and never compared; numeric
// segments compare numerically (ignoring leading zeros, longer wins),
// alphabetic segments compare byte-lexically, and when one side's
// segment is numeric and the other's is alphabetic the numeric one
// always sorts newer.
func rpmvercmp(a, b string) int {
	if a == b {
		return 0
	}

	i, j := 0, 0
	for i < len(a) && j < len(b) {
		for i < len(a) && isSeparator(a[i]) {
			i++
		}
		for j < len(b) && isSeparator(b[j]) {
			j++
		}
		if i >= len(a) || j >= len(b) {
			break
		}

		var segA, segB string
		var numeric bool

		if isDigit(a[i]) {
			start := i
			for i < len(a) && isDigit(a[i]) {
				i++
			}
			segA = a[start:i]

			start = j
			for j < len(b) && isDigit(b[j]) {
				j++
			}
			segB = b[start:j]
			numeric = true
		} else {
			start := i
			for i < len(a) && isAlpha(a[i]) {
				i++
			}
			segA = a[start:i]

			start = j
			for j < len(b) && isAlpha(b[j]) {
				j++
			}
			segB = b[start:j]
			numeric = false
		}

		if segA == "" {
			// a ran out of this segment type while b has one: shouldn't
			// happen given the loop guards, but treat as older.
			return -1
		}
		if segB == "" {
			// b has no matching segment here: a numeric segment beats
			// an absent one, an alphabetic segment loses to it.
			if numeric {
				return 1
			}
			return -1
		}

		if numeric {
			segA = stripLeadingZeros(segA)
			segB = stripLeadingZeros(segB)
			if len(segA) != len(segB) {
				if len(segA) > len(segB) {
					return 1
				}
				return -1
			}
		}

		if c := compareStrings(segA, segB); c != 0 {
			return c
		}
	}

	aEmpty := i >= len(a) || onlySeparators(a[i:])
	bEmpty := j >= len(b) || onlySeparators(b[j:])
	switch {
	case aEmpty && bEmpty:
		return 0
	case aEmpty:
		return -1
	default:
		return 1
	}
}

func stripLeadingZeros(s string) string {
	k := 0
	for k < len(s)-1 && s[k] == '0' {
		k++
	}
	return s[k:]
}

func onlySeparators(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isSeparator(s[i]) {
			return false
		}
	}
	return true
}

func compareStrings(a, b string) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}
