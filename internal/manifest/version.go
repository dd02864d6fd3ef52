package manifest

import (
	"strconv"
	"strings"

	goversion "github.com/hashicorp/go-version"
)

// CompareVersions compares two version strings on their numeric components
// only and returns -1, 0 or 1. Pre-release and build suffixes are ignored and
// the shorter sequence is padded with zeros.
func CompareVersions(a, b string) int {
	as, bs := segments(a), segments(b)
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		var x, y int64
		if i < len(as) {
			x = as[i]
		}
		if i < len(bs) {
			y = bs[i]
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}

// NormalizeVersion trims whitespace and a leading "v" from a tag.
func NormalizeVersion(v string) string {
	v = strings.TrimSpace(v)
	if len(v) > 1 && (v[0] == 'v' || v[0] == 'V') && v[1] >= '0' && v[1] <= '9' {
		return v[1:]
	}
	return v
}

func segments(v string) []int64 {
	v = NormalizeVersion(v)
	if parsed, err := goversion.NewVersion(v); err == nil {
		return parsed.Segments64()
	}
	return looseSegments(v)
}

// looseSegments handles strings go-version rejects, such as "1.2.3.4-rc.1+x"
// variants with odd separators. Each dot-separated part contributes its
// leading digits; parsing stops at the first part without any.
func looseSegments(v string) []int64 {
	if i := strings.IndexAny(v, "-+ "); i >= 0 {
		v = v[:i]
	}
	var out []int64
	for _, part := range strings.Split(v, ".") {
		end := 0
		for end < len(part) && part[end] >= '0' && part[end] <= '9' {
			end++
		}
		if end == 0 {
			break
		}
		n, err := strconv.ParseInt(part[:end], 10, 64)
		if err != nil {
			break
		}
		out = append(out, n)
		if end < len(part) {
			break
		}
	}
	return out
}
